// Package delegatorserver wires every delegator-side component into
// one running node: membership, the distributed extent and attribute
// indexes, the fsync handler, the service manager, and the RPC
// dispatch table tying them to internal/transport.
//
// Build follows the teacher's servers/node/wire_grpc_etcd.go staged
// construction: logging first, then communication, then cluster
// membership, then the domain services that depend on both.
package delegatorserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/unifycr-go/unifycr/internal/appconfig"
	"github.com/unifycr-go/unifycr/internal/attrindex"
	"github.com/unifycr-go/unifycr/internal/cluster"
	"github.com/unifycr-go/unifycr/internal/config"
	"github.com/unifycr-go/unifycr/internal/extentindex"
	"github.com/unifycr-go/unifycr/internal/fsync"
	"github.com/unifycr-go/unifycr/internal/kvstore"
	"github.com/unifycr-go/unifycr/internal/logging"
	"github.com/unifycr-go/unifycr/internal/readresolver"
	"github.com/unifycr-go/unifycr/internal/reqmgr"
	"github.com/unifycr-go/unifycr/internal/slicerouter"
	"github.com/unifycr-go/unifycr/internal/svcmgr"
	"github.com/unifycr-go/unifycr/internal/transport"
)

// NumFetchWorkers is the service manager's worker pool size.
const NumFetchWorkers = 8

// Server is one running delegator.
type Server struct {
	rank int
	cfg  *config.Config
	log  logging.Logger

	comm     transport.Communicator
	members  *cluster.Membership
	apps     *appconfig.Registry
	extents  *extentindex.Index
	attrs    *attrindex.Index
	fsyncH   *fsync.Handler
	svc      *svcmgr.Manager
	superDir string
}

// Build constructs a fully wired delegator for cfg, identified by
// rank within the job's delegator set, with superblockDir as the
// shared directory client and server mmap their superblocks from.
func Build(ctx context.Context, cfg *config.Config, rank int, superblockDir string) (*Server, error) {
	// 1. Logging
	log, err := logging.New(cfg.NodeID, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("delegatorserver: build logger: %w", err)
	}

	// 2. Communication
	comm := transport.NewGRPCCommunicator(cfg.ListenAddress, log, transport.DefaultRegistry())

	// 3. Cluster membership (the phonebook: rank -> address)
	members := cluster.New(cfg.EtcdEndpoints, log)
	if err := members.Start(ctx); err != nil {
		return nil, fmt.Errorf("delegatorserver: start membership: %w", err)
	}

	// 4. Distributed indexes (extent + attribute), backed by local bbolt stores
	extStore, err := kvstore.Open(fmt.Sprintf("%s/%s.extents.db", cfg.MetaDBPath, cfg.MetaDBName), "extents")
	if err != nil {
		return nil, fmt.Errorf("delegatorserver: open extent store: %w", err)
	}
	attrStore, err := kvstore.Open(fmt.Sprintf("%s/%s.attrs.db", cfg.MetaDBPath, cfg.MetaDBName), "attrs")
	if err != nil {
		return nil, fmt.Errorf("delegatorserver: open attr store: %w", err)
	}

	// num_kv_servers (spec.md §4.2) is the delegator pool size visible
	// via membership at boot time. It is read once here and the router
	// is not rebuilt when delegators join later, so delegators that boot
	// while the pool is still forming can disagree on ServerOf.
	numKVServers := members.NumRanks()
	if numKVServers < 1 {
		numKVServers = 1
	}
	peer := transport.NewExtentPeer(comm, members.AddressOf)
	router := slicerouter.New(cfg.MetaRangeSize, numKVServers)
	extents := extentindex.New(rank, router, extStore, peer)
	attrs := attrindex.New(attrStore)

	// 5. App registry + fsync handler
	apps := appconfig.New(log)
	fsyncH := fsync.New(extents, attrs, log)

	// 6. Service manager (fetch worker pool)
	svc := svcmgr.New(apps, log)
	svc.Start(NumFetchWorkers)

	srv := &Server{
		rank:     rank,
		cfg:      cfg,
		log:      log,
		comm:     comm,
		members:  members,
		apps:     apps,
		extents:  extents,
		attrs:    attrs,
		fsyncH:   fsyncH,
		svc:      svc,
		superDir: superblockDir,
	}

	if err := members.Register(ctx, cluster.Node{Rank: rank, Address: cfg.ListenAddress, NodeID: cfg.NodeID}); err != nil {
		return nil, fmt.Errorf("delegatorserver: register with cluster: %w", err)
	}
	if err := comm.Start(srv.handle); err != nil {
		return nil, fmt.Errorf("delegatorserver: start transport: %w", err)
	}

	return srv, nil
}

// Stop drains the fetch worker pool and tears down membership.
func (s *Server) Stop(ctx context.Context) error {
	s.svc.Stop(NumFetchWorkers)
	if err := s.comm.Stop(); err != nil {
		s.log.Warn(logging.LogEvent{Message: "delegatorserver: transport stop failed", Metadata: map[string]any{"error": err.Error()}})
	}
	return s.members.Stop(ctx)
}

// Address returns the address this delegator is listening on.
func (s *Server) Address() string { return s.comm.Address() }

func (s *Server) handle(msg transport.Message) (*transport.Response, error) {
	ctx := context.Background()

	switch msg.Type {
	case transport.TypeMount:
		return s.handleMount(msg)
	case transport.TypeUnmount:
		return s.handleUnmount(msg)
	case transport.TypeFsync:
		return s.handleFsync(ctx, msg)
	case transport.TypeReadDispatch:
		return s.handleReadDispatch(ctx, msg)
	case transport.TypeFetch:
		return s.handleFetch(ctx, msg)
	case transport.TypeStoreExtents:
		return s.handleStoreExtents(ctx, msg)
	case transport.TypeScanExtents:
		return s.handleScanExtents(ctx, msg)
	default:
		return &transport.Response{Code: transport.CodeBadType, Body: []byte(msg.Type)}, nil
	}
}

func (s *Server) handleMount(msg transport.Message) (*transport.Response, error) {
	req, ok := msg.Payload.(transport.MountRequest)
	if !ok {
		return &transport.Response{Code: transport.CodeBadType}, nil
	}

	clientRank := 0
	if app, err := s.apps.Get(req.AppID); err == nil {
		clientRank = len(app.Clients)
	}
	_, err := s.apps.Mount(req.AppID, req.JobID, req.NumRanks, clientRank, s.cfg.Superblock, s.superDir, s.cfg.ExternalSpillDir)
	if err != nil {
		return &transport.Response{Code: transport.CodeInternal, Body: []byte(err.Error())}, nil
	}

	reply := transport.MountReply{
		ClientRank:      clientRank,
		DelegatorRank:   s.rank,
		Layout:          s.cfg.Superblock,
		SuperblockDir:   s.superDir,
		SpillDir:        s.cfg.ExternalSpillDir,
		MetaRangeSize:   s.cfg.MetaRangeSize,
		MetaServerRatio: s.cfg.MetaServerRatio,
	}
	body, _ := json.Marshal(reply)
	return &transport.Response{Code: transport.CodeOK, Body: body}, nil
}

func (s *Server) handleUnmount(msg transport.Message) (*transport.Response, error) {
	req, ok := msg.Payload.(transport.UnmountRequest)
	if !ok {
		return &transport.Response{Code: transport.CodeBadType}, nil
	}
	if err := s.apps.Unmount(req.AppID, req.ClientRank); err != nil {
		return &transport.Response{Code: transport.CodeInternal, Body: []byte(err.Error())}, nil
	}
	return &transport.Response{Code: transport.CodeOK}, nil
}

func (s *Server) handleFsync(ctx context.Context, msg transport.Message) (*transport.Response, error) {
	req, ok := msg.Payload.(transport.FsyncRequest)
	if !ok {
		return &transport.Response{Code: transport.CodeBadType}, nil
	}
	cc, err := s.apps.Client(req.AppID, req.ClientRank)
	if err != nil {
		return &transport.Response{Code: transport.CodeInternal, Body: []byte(err.Error())}, nil
	}
	if err := s.fsyncH.Handle(ctx, req.AppID, uint32(s.rank), cc); err != nil {
		return &transport.Response{Code: transport.CodeInternal, Body: []byte(err.Error())}, nil
	}
	return &transport.Response{Code: transport.CodeOK}, nil
}

func (s *Server) handleReadDispatch(ctx context.Context, msg transport.Message) (*transport.Response, error) {
	req, ok := msg.Payload.(transport.ReadDispatchRequest)
	if !ok {
		return &transport.Response{Code: transport.CodeBadType}, nil
	}

	reqs := make([]readresolver.Request, len(req.Requests))
	for i, r := range req.Requests {
		reqs[i] = readresolver.Request{GFID: r.GFID, Offset: r.Offset, Length: r.Length}
	}

	descs, err := readresolver.Resolve(ctx, s.extents, reqs)
	if err != nil {
		return &transport.Response{Code: transport.CodeInternal, Body: []byte(err.Error())}, nil
	}

	mgr := reqmgr.New(s.log)
	buffers, results, err := mgr.Dispatch(ctx, reqs, descs, s.fetch)
	if err != nil {
		return &transport.Response{Code: transport.CodeInternal, Body: []byte(err.Error())}, nil
	}

	errcodes := make([]string, len(reqs))
	for _, d := range results {
		if d.ErrCode != readresolver.ErrCodeNone && errcodes[d.ReqIndex] == readresolver.ErrCodeNone {
			errcodes[d.ReqIndex] = d.ErrCode
		}
	}

	body, _ := json.Marshal(transport.ReadDispatchReply{Code: transport.CodeOK, Data: buffers, Errcodes: errcodes})
	return &transport.Response{Code: transport.CodeOK, Body: body}, nil
}

// fetch is reqmgr's FetchFunc: service locally-owned descriptors
// directly via the service manager, forward the rest over transport.
func (s *Server) fetch(ctx context.Context, rank int, batch []readresolver.Descriptor) ([][]byte, error) {
	out := make([][]byte, len(batch))

	if rank == s.rank {
		for i, d := range batch {
			data, err := s.svc.Fetch(ctx, d.AppID, d.ClientRank, d.SrcAddr, d.SrcLength)
			if err != nil {
				return nil, err
			}
			out[i] = data
		}
		return out, nil
	}

	addr, ok := s.members.AddressOf(rank)
	if !ok {
		return nil, fmt.Errorf("delegatorserver: no known address for rank %d", rank)
	}

	for i, d := range batch {
		resp, err := s.comm.Send(ctx, addr, transport.Message{
			From: s.comm.Address(),
			Type: transport.TypeFetch,
			Payload: transport.FetchRequest{
				AppID:      d.AppID,
				ClientRank: d.ClientRank,
				Addr:       d.SrcAddr,
				Length:     d.SrcLength,
			},
		})
		if err != nil {
			return nil, err
		}
		var reply transport.FetchReply
		if err := json.Unmarshal(resp.Body, &reply); err != nil {
			return nil, fmt.Errorf("delegatorserver: decode fetch reply: %w", err)
		}
		out[i] = reply.Data
	}
	return out, nil
}

func (s *Server) handleFetch(ctx context.Context, msg transport.Message) (*transport.Response, error) {
	req, ok := msg.Payload.(transport.FetchRequest)
	if !ok {
		return &transport.Response{Code: transport.CodeBadType}, nil
	}
	data, err := s.svc.Fetch(ctx, req.AppID, req.ClientRank, req.Addr, req.Length)
	if err != nil {
		return &transport.Response{Code: transport.CodeInternal, Body: []byte(err.Error())}, nil
	}
	body, _ := json.Marshal(transport.FetchReply{Data: data})
	return &transport.Response{Code: transport.CodeOK, Body: body}, nil
}

func (s *Server) handleStoreExtents(ctx context.Context, msg transport.Message) (*transport.Response, error) {
	req, ok := msg.Payload.(transport.StoreExtentsRequest)
	if !ok {
		return &transport.Response{Code: transport.CodeBadType}, nil
	}
	if err := s.extents.BatchPut(ctx, req.Pairs); err != nil {
		return &transport.Response{Code: transport.CodeInternal, Body: []byte(err.Error())}, nil
	}
	return &transport.Response{Code: transport.CodeOK}, nil
}

func (s *Server) handleScanExtents(ctx context.Context, msg transport.Message) (*transport.Response, error) {
	req, ok := msg.Payload.(transport.ScanExtentsRequest)
	if !ok {
		return &transport.Response{Code: transport.CodeBadType}, nil
	}
	pairs, err := s.extents.RangeGet(ctx, req.FID, req.Offset, req.Hi-req.Offset+1)
	if err != nil {
		return &transport.Response{Code: transport.CodeInternal, Body: []byte(err.Error())}, nil
	}
	body, _ := json.Marshal(transport.ScanExtentsReply{Pairs: pairs})
	return &transport.Response{Code: transport.CodeOK, Body: body}, nil
}
