// Package config loads the delegator's YAML configuration, the way
// the teacher loads cmd/mcp's MCPConfig with gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized option from spec.md §6 plus the
// ambient options a delegator process needs to boot.
type Config struct {
	// Identity / transport
	NodeID        string   `yaml:"node_id"`
	ListenAddress string   `yaml:"listen_address"`
	EtcdEndpoints []string `yaml:"etcd_endpoints"`

	// spec.md §6 "Configuration" block
	MetaDBPath        string `yaml:"meta_db_path"`
	MetaDBName        string `yaml:"meta_db_name"`
	MetaServerRatio   int    `yaml:"meta_server_ratio"`
	MetaRangeSize     uint64 `yaml:"meta_range_size"`
	ExternalSpillDir  string `yaml:"external_spill_dir"`
	LogLevel          string `yaml:"log_level"`
	SanitizeOnExit    bool   `yaml:"sanitize_on_shutdown"`

	// Superblock layout, one instance of spec.md §6's shm table per app.
	Superblock SuperblockLayout `yaml:"superblock"`

	// Read dispatch tuning (spec.md §4.6/§4.7)
	ReqBufLen      int           `yaml:"req_buf_len"`
	RecvBufCount   int           `yaml:"recv_buf_count"`
	SendRecvBufLen int           `yaml:"sendrecv_buf_len"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
}

// SuperblockLayout mirrors the per-client shared memory layout table
// in spec.md §6: a data log plus four count-prefixed regions.
type SuperblockLayout struct {
	SuperblockSize int64 `yaml:"superblock_size"`
	DataSize       int64 `yaml:"data_size"`
	MetaSize       int64 `yaml:"meta_size"`
	FMetaSize      int64 `yaml:"fmeta_size"`
	ReqBufSize     int64 `yaml:"reqbuf_size"`
	ReplyBufSize   int64 `yaml:"replybuf_size"`
}

// Default returns the configuration used when no file is supplied,
// sized for a single-node smoke test.
func Default(nodeID, listenAddr string) *Config {
	return &Config{
		NodeID:           nodeID,
		ListenAddress:    listenAddr,
		EtcdEndpoints:    []string{"127.0.0.1:2379"},
		MetaDBPath:       "./data/meta",
		MetaDBName:       "unifycr",
		MetaServerRatio:  1,
		MetaRangeSize:    1 << 20, // records per slice
		ExternalSpillDir: "./data/spill",
		LogLevel:         "INFO",
		Superblock: SuperblockLayout{
			SuperblockSize: 256 << 20,
			DataSize:       192 << 20,
			MetaSize:       16 << 20,
			FMetaSize:      4 << 20,
			ReqBufSize:     2 << 20,
			ReplyBufSize:   2 << 20,
		},
		ReqBufLen:      4 << 20,
		RecvBufCount:   64,
		SendRecvBufLen: 1 << 20,
		FetchTimeout:   30 * time.Second,
	}
}

// Load reads and parses a YAML config file, filling any unset field
// from Default(nodeID, listenAddr).
func Load(path, nodeID, listenAddr string) (*Config, error) {
	cfg := Default(nodeID, listenAddr)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.NodeID == "" {
		cfg.NodeID = nodeID
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = listenAddr
	}

	return cfg, nil
}
