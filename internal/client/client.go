// Package client implements the process-local half of UnifyCR: mount a
// superblock against a delegator, log writes into it with per-fid
// write coalescing, hand coalesced extents off at fsync, and resolve
// reads through the delegator's read-dispatch RPC.
//
// Grounded on the guard-clause-plus-send-helper shape of the teacher's
// clients/library/client.go (SandstoreClient.Open/Read/Write/Fsync),
// adapted from a per-fd buffered byte stream to UnifyCR's per-fid
// segment-tree write log.
package client

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/unifycr-go/unifycr/internal/attrindex"
	"github.com/unifycr-go/unifycr/internal/logging"
	"github.com/unifycr-go/unifycr/internal/segtree"
	"github.com/unifycr-go/unifycr/internal/shm"
	"github.com/unifycr-go/unifycr/internal/transport"
	"github.com/unifycr-go/unifycr/internal/unifyerr"
)

// Client is one mounted UnifyCR client: a superblock, its per-fid
// write-coalescing trees, and the transport handle to its delegator.
type Client struct {
	comm          transport.Communicator
	delegatorAddr string
	log           logging.Logger

	sessionID  string
	appID      uint32
	clientRank int

	superblock *shm.Superblock
	spillPath  string

	mu       sync.Mutex
	trees    map[uint64]*segtree.Tree
	dataPos  uint64
	spillPos uint64
	spillF   *os.File
}

// Mount attaches to the delegator at delegatorAddr, learns its app's
// superblock layout and assigned client rank, and maps its own
// superblock over the same directory the delegator mapped it from.
func Mount(ctx context.Context, comm transport.Communicator, delegatorAddr string, appID uint32, jobID string, numRanks int, log logging.Logger) (*Client, error) {
	resp, err := comm.Send(ctx, delegatorAddr, transport.Message{
		From: comm.Address(),
		Type: transport.TypeMount,
		Payload: transport.MountRequest{
			AppID:    appID,
			JobID:    jobID,
			NumRanks: numRanks,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("client: mount app %d: %w", appID, err)
	}
	if resp.Code != transport.CodeOK {
		return nil, fmt.Errorf("%w: mount app %d: %s", unifyerr.ErrTransport, appID, resp.Code)
	}

	var reply transport.MountReply
	if err := json.Unmarshal(resp.Body, &reply); err != nil {
		return nil, fmt.Errorf("client: decode mount reply: %w", err)
	}

	key := fmt.Sprintf("%d-%d", appID, reply.ClientRank)
	sb, err := shm.Open(reply.SuperblockDir, key, reply.Layout)
	if err != nil {
		return nil, fmt.Errorf("client: open superblock: %w", err)
	}

	c := &Client{
		comm:          comm,
		delegatorAddr: delegatorAddr,
		log:           log,
		sessionID:     uuid.NewString(),
		appID:         appID,
		clientRank:    reply.ClientRank,
		superblock:    sb,
		spillPath:     fmt.Sprintf("%s/%s.spill", reply.SpillDir, key),
		trees:         make(map[uint64]*segtree.Tree),
	}

	log.Info(logging.LogEvent{Message: "client: mounted", Metadata: map[string]any{"app_id": appID, "client_rank": reply.ClientRank, "session_id": c.sessionID}})
	return c, nil
}

// SessionID returns the mount-scoped identifier generated for this
// client, distinct from its delegator-assigned client rank: it
// survives only in logs and TCB diagnostics, never the wire protocol,
// so remounting after a crash gets a fresh id even if the delegator
// reassigns the same rank.
func (c *Client) SessionID() string { return c.sessionID }

// ClientRank returns the rank the delegator assigned this client.
func (c *Client) ClientRank() int { return c.clientRank }

// Write appends data to fid's data log at offset, recording the
// extent in fid's segment tree for the next fsync. Bytes beyond the
// live data log window spill to the client's external spill file.
func (c *Client) Write(fid uint64, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ptr, err := c.appendData(data)
	if err != nil {
		return fmt.Errorf("client: write fid %d: %w", fid, err)
	}

	tree := c.treeFor(fid)
	end := offset + uint64(len(data)) - 1
	tree.Add(offset, end, ptr)
	return nil
}

// appendData places data in the live data log if it still fits,
// otherwise spills it past the live window; it returns the logical
// address future reads will use to locate it (svcmgr's memcpy-vs-spill
// decision is keyed off this same live-window boundary).
func (c *Client) appendData(data []byte) (uint64, error) {
	region := c.superblock.Region(shm.RegionData)
	liveWindow := uint64(len(region))

	if c.dataPos+uint64(len(data)) <= liveWindow {
		ptr := c.dataPos
		copy(region[ptr:ptr+uint64(len(data))], data)
		c.dataPos += uint64(len(data))
		return ptr, nil
	}

	if c.spillF == nil {
		f, err := os.OpenFile(c.spillPath, os.O_CREATE|os.O_RDWR, 0600)
		if err != nil {
			return 0, fmt.Errorf("open spill file: %w", err)
		}
		c.spillF = f
	}

	off := c.spillPos
	if _, err := c.spillF.WriteAt(data, int64(off)); err != nil {
		return 0, fmt.Errorf("write spill file: %w", err)
	}
	c.spillPos += uint64(len(data))
	return liveWindow + off, nil
}

func (c *Client) treeFor(fid uint64) *segtree.Tree {
	t, ok := c.trees[fid]
	if !ok {
		t = segtree.New()
		c.trees[fid] = t
	}
	return t
}

// Fsync drains fid's coalesced segment tree into the superblock's meta
// region as fixed-size extent records, publishes the fid's current
// attribute snapshot, and hands both off to the delegator via the
// fsync RPC. On success the tree is cleared; the in-memory extents it
// held are now durable in the distributed index.
func (c *Client) Fsync(ctx context.Context, fid uint64, attr FileAttr) error {
	c.mu.Lock()
	tree, ok := c.trees[fid]
	if !ok {
		c.mu.Unlock()
		return nil
	}

	if err := c.publishExtents(fid, tree); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("client: publish extents for fid %d: %w", fid, err)
	}
	c.publishAttr(attr)
	c.mu.Unlock()

	resp, err := c.comm.Send(ctx, c.delegatorAddr, transport.Message{
		From: c.comm.Address(),
		Type: transport.TypeFsync,
		Payload: transport.FsyncRequest{
			AppID:      c.appID,
			ClientRank: c.clientRank,
			GFID:       attr.GFID,
		},
	})
	if err != nil {
		return fmt.Errorf("%w: fsync fid %d: %v", unifyerr.ErrTransport, fid, err)
	}
	if resp.Code != transport.CodeOK {
		return fmt.Errorf("client: fsync fid %d: %s", fid, resp.Code)
	}

	tree.Clear()
	return nil
}

// publishExtents writes one fixed-size record per surviving segment
// tree node into the meta region, matching fsync.ExtentRecordSize's
// (fid, offset, addr, length) layout.
func (c *Client) publishExtents(fid uint64, tree *segtree.Tree) error {
	const extentRecordSize = 32

	region := c.superblock.Region(shm.RegionMeta)
	rr := shm.NewRecordRegion(region, extentRecordSize)

	tree.Lock()
	defer tree.Unlock()

	var i uint64
	for n := tree.Iter(nil); n != nil; n = tree.Iter(n) {
		if i >= rr.Capacity() {
			return fmt.Errorf("%w: meta region holds at most %d records", unifyerr.ErrBadRequest, rr.Capacity())
		}
		rec := rr.Record(i)
		binary.LittleEndian.PutUint64(rec[0:8], fid)
		binary.LittleEndian.PutUint64(rec[8:16], n.Start)
		binary.LittleEndian.PutUint64(rec[16:24], n.Ptr)
		binary.LittleEndian.PutUint64(rec[24:32], n.End-n.Start+1)
		i++
	}
	rr.SetCount(i)
	return nil
}

// FileAttr is the attribute snapshot a client publishes alongside an
// fsync, mirroring attrindex.FileAttr's on-the-wire fields.
type FileAttr struct {
	FID      uint64
	GFID     uint64
	Filename string
	Mode     uint32
	UID      uint32
	GID      uint32
	Size     uint64
	ATime    int64
	MTime    int64
	CTime    int64
}

func (c *Client) publishAttr(attr FileAttr) {
	const attrRecordSize = 8 + 8 + 4 + 4 + 4 + 8 + 8 + 8 + 8 + attrindex.FilenameSize

	region := c.superblock.Region(shm.RegionFMeta)
	rr := shm.NewRecordRegion(region, attrRecordSize)

	n := rr.Count()
	if n >= rr.Capacity() {
		n = 0 // overwrite the oldest slot rather than overflow; a real client would spill this too
	}

	rec := rr.Record(n)
	binary.LittleEndian.PutUint64(rec[0:8], attr.FID)
	binary.LittleEndian.PutUint64(rec[8:16], attr.GFID)
	binary.LittleEndian.PutUint32(rec[16:20], attr.Mode)
	binary.LittleEndian.PutUint32(rec[20:24], attr.UID)
	binary.LittleEndian.PutUint32(rec[24:28], attr.GID)
	binary.LittleEndian.PutUint64(rec[28:36], attr.Size)
	binary.LittleEndian.PutUint64(rec[36:44], uint64(attr.ATime))
	binary.LittleEndian.PutUint64(rec[44:52], uint64(attr.MTime))
	binary.LittleEndian.PutUint64(rec[52:60], uint64(attr.CTime))
	field := rec[60 : 60+attrindex.FilenameSize]
	n2 := copy(field, attr.Filename)
	for i := n2; i < len(field); i++ {
		field[i] = 0
	}
	rr.SetCount(n + 1)
}

// Read issues a single (gfid, offset, length) read dispatch RPC and
// returns the assembled bytes. The result always has the requested
// length: bytes that no stored extent covers, or that a fetch failed to
// deliver, are left zero, and the length of the result does not tell
// how many bytes were found. A per-request errcode from the delegator
// is logged, not returned as an error.
func (c *Client) Read(ctx context.Context, gfid, offset, length uint64) ([]byte, error) {
	resp, err := c.comm.Send(ctx, c.delegatorAddr, transport.Message{
		From: c.comm.Address(),
		Type: transport.TypeReadDispatch,
		Payload: transport.ReadDispatchRequest{
			AppID:      c.appID,
			ClientRank: c.clientRank,
			Requests: []transport.ReadRequest{
				{GFID: gfid, Offset: offset, Length: length},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read gfid %d: %v", unifyerr.ErrTransport, gfid, err)
	}
	if resp.Code != transport.CodeOK {
		return nil, fmt.Errorf("client: read gfid %d: %s", gfid, resp.Code)
	}

	var reply transport.ReadDispatchReply
	if err := json.Unmarshal(resp.Body, &reply); err != nil {
		return nil, fmt.Errorf("client: decode read reply: %w", err)
	}
	if len(reply.Data) == 0 {
		return nil, nil
	}
	if len(reply.Errcodes) > 0 && reply.Errcodes[0] != "" {
		c.log.Warn(logging.LogEvent{Message: "client: read returned a short buffer", Metadata: map[string]any{"gfid": gfid, "errcode": reply.Errcodes[0]}})
	}
	return reply.Data[0], nil
}

// Unmount detaches from the delegator and unmaps the superblock.
func (c *Client) Unmount(ctx context.Context) error {
	resp, err := c.comm.Send(ctx, c.delegatorAddr, transport.Message{
		From: c.comm.Address(),
		Type: transport.TypeUnmount,
		Payload: transport.UnmountRequest{
			AppID:      c.appID,
			ClientRank: c.clientRank,
		},
	})
	if err != nil {
		return fmt.Errorf("%w: unmount: %v", unifyerr.ErrTransport, err)
	}
	if resp.Code != transport.CodeOK {
		return fmt.Errorf("client: unmount: %s", resp.Code)
	}

	if c.spillF != nil {
		if err := c.spillF.Close(); err != nil {
			c.log.Warn(logging.LogEvent{Message: "client: spill file close failed", Metadata: map[string]any{"error": err.Error()}})
		}
	}
	return c.superblock.Close()
}
