// Command unifycrd runs one delegator node: the fsync handler, the
// distributed extent and attribute indexes, the service manager, and
// the RPC dispatch table client mounts talk to.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unifycr-go/unifycr/internal/config"
	"github.com/unifycr-go/unifycr/internal/delegatorserver"
)

func main() {
	var (
		configPath    string
		nodeID        string
		listenAddr    string
		rank          int
		superblockDir string
	)

	flag.StringVar(&configPath, "config", "", "path to YAML config (optional; defaults used when empty)")
	flag.StringVar(&nodeID, "node-id", "delegator-0", "this delegator's node id")
	flag.StringVar(&listenAddr, "listen", ":9090", "address this delegator listens on for client and peer RPCs")
	flag.IntVar(&rank, "rank", 0, "this delegator's rank within the job's delegator set")
	flag.StringVar(&superblockDir, "superblock-dir", "./data/superblocks", "directory client and server mmap per-client superblocks from")
	flag.Parse()

	if err := os.MkdirAll(superblockDir, 0755); err != nil {
		log.Fatalf("unifycrd: create superblock dir: %v", err)
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath, nodeID, listenAddr)
	} else {
		cfg = config.Default(nodeID, listenAddr)
	}
	if err != nil {
		log.Fatalf("unifycrd: load config: %v", err)
	}

	for _, dir := range []string{cfg.MetaDBPath, cfg.ExternalSpillDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("unifycrd: create %s: %v", dir, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	srv, err := delegatorserver.Build(ctx, cfg, rank, superblockDir)
	cancel()
	if err != nil {
		log.Fatalf("unifycrd: build delegator: %v", err)
	}

	log.Printf("unifycrd: delegator rank %d (%s) listening on %s", rank, nodeID, srv.Address())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Printf("unifycrd: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Printf("unifycrd: shutdown error: %v", err)
	}
}
