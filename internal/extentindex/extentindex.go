// Package extentindex implements the distributed extent KV index from
// spec.md §4.3: a range-partitioned ordered store mapping (fid, offset)
// to the physical location that owns that byte range. Ownership of a
// given (fid, offset) pair is decided by internal/slicerouter; pairs
// owned by this delegator are written straight to the local
// internal/kvstore bucket, pairs owned by another delegator are
// forwarded over the Peer interface.
//
// Grounded on original_source/server/src/unifycr_metadata.c's
// meta_process_fsync/unifycr_get_file_extents/meta_batch_get, which
// drive a modified mdhim the same way: local inserts batched per
// owning server, range queries fanned out per server and concatenated
// in key order.
package extentindex

import (
	"context"
	"encoding/binary"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/unifycr-go/unifycr/internal/kvstore"
	"github.com/unifycr-go/unifycr/internal/slicerouter"
)

const bucket = "extents"

// Pair is one (fid, offset) -> location record.
type Pair struct {
	FID        uint64
	Offset     uint64
	Addr       uint64
	Length     uint64
	Delegator  uint32
	AppID      uint32
	ClientRank uint32
}

// end returns the inclusive last byte this pair covers.
func (p Pair) end() uint64 {
	if p.Length == 0 {
		return p.Offset
	}
	return p.Offset + p.Length - 1
}

// Peer forwards extent writes and range queries to a remote delegator
// rank. internal/transport supplies the real gRPC-backed implementation;
// tests use an in-process fake.
type Peer interface {
	StoreExtents(ctx context.Context, rank int, pairs []Pair) error
	ScanExtents(ctx context.Context, rank int, fid uint64, lo, hi uint64) ([]Pair, error)
}

// Index is one delegator's view of the distributed extent index.
type Index struct {
	selfRank int
	router   *slicerouter.Router
	local    *kvstore.Store
	peer     Peer
}

// New returns an Index for delegator selfRank, backed by local for
// locally-owned pairs and peer for forwarding pairs owned elsewhere.
func New(selfRank int, router *slicerouter.Router, local *kvstore.Store, peer Peer) *Index {
	return &Index{selfRank: selfRank, router: router, local: local, peer: peer}
}

// BatchPut durably records every pair, routing each to its owning
// delegator via the slice router. All pairs bound for the same server
// are grouped into a single batch, matching meta_process_fsync's
// per-destination batching of fsync records.
func (ix *Index) BatchPut(ctx context.Context, pairs []Pair) error {
	byServer := make(map[int][]Pair)
	for _, p := range pairs {
		srv := ix.router.ServerOf(p.FID, p.Offset)
		byServer[srv] = append(byServer[srv], p)
	}

	for srv, group := range byServer {
		if srv == ix.selfRank {
			if err := ix.putLocal(group); err != nil {
				return err
			}
			continue
		}
		if err := ix.peer.StoreExtents(ctx, srv, group); err != nil {
			return fmt.Errorf("extentindex: forward batch to rank %d: %w", srv, err)
		}
	}
	return nil
}

// putLocal encodes and writes pairs directly into the local bucket.
func (ix *Index) putLocal(pairs []Pair) error {
	kvs := make([]kvstore.KV, len(pairs))
	for i, p := range pairs {
		kvs[i] = kvstore.KV{Key: encodeKey(p.FID, p.Offset), Value: encodeValue(p)}
	}
	return ix.local.BatchPut(bucket, kvs)
}

// RangeGet returns the union of every pair covering any byte in
// [offset, offset+length) for fid, across every delegator that owns
// part of the requested range, concatenated in key order.
func (ix *Index) RangeGet(ctx context.Context, fid, offset, length uint64) ([]Pair, error) {
	reqEnd := offset
	if length > 0 {
		reqEnd = offset + length - 1
	}

	servers := ix.router.ServersInRange(fid, offset, length)

	var all []Pair
	for _, srv := range servers {
		var (
			got []Pair
			err error
		)
		if srv == ix.selfRank {
			got, err = ix.scanLocal(fid, reqEnd)
		} else {
			got, err = ix.peer.ScanExtents(ctx, srv, fid, offset, reqEnd)
		}
		if err != nil {
			return nil, fmt.Errorf("extentindex: range get from rank %d: %w", srv, err)
		}
		for _, p := range got {
			if p.end() >= offset && p.Offset <= reqEnd {
				all = append(all, p)
			}
		}
	}

	slices.SortFunc(all, func(a, b Pair) int {
		if a.FID != b.FID {
			if a.FID < b.FID {
				return -1
			}
			return 1
		}
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		default:
			return 0
		}
	})
	return all, nil
}

// scanLocal returns every locally-stored pair for fid whose own start
// offset is at or before reqEnd: the candidate set that RangeGet then
// filters for true interval overlap with the caller's range.
func (ix *Index) scanLocal(fid, reqEnd uint64) ([]Pair, error) {
	lo := encodeKey(fid, 0)
	hi := encodeKey(fid, reqEnd)

	kvs, err := ix.local.RangeScan(bucket, lo, hi)
	if err != nil {
		return nil, err
	}

	out := make([]Pair, 0, len(kvs))
	for _, kv := range kvs {
		p, err := decodeValue(kv.Value)
		if err != nil {
			return nil, err
		}
		p.FID, p.Offset = decodeKey(kv.Key)
		out = append(out, p)
	}
	return out, nil
}

func encodeKey(fid, offset uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], fid)
	binary.BigEndian.PutUint64(b[8:16], offset)
	return b
}

func decodeKey(b []byte) (fid, offset uint64) {
	return binary.BigEndian.Uint64(b[0:8]), binary.BigEndian.Uint64(b[8:16])
}

func encodeValue(p Pair) []byte {
	b := make([]byte, 28)
	binary.BigEndian.PutUint64(b[0:8], p.Addr)
	binary.BigEndian.PutUint64(b[8:16], p.Length)
	binary.BigEndian.PutUint32(b[16:20], p.Delegator)
	binary.BigEndian.PutUint32(b[20:24], p.AppID)
	binary.BigEndian.PutUint32(b[24:28], p.ClientRank)
	return b
}

func decodeValue(b []byte) (Pair, error) {
	if len(b) != 28 {
		return Pair{}, fmt.Errorf("extentindex: malformed value (%d bytes)", len(b))
	}
	return Pair{
		Addr:       binary.BigEndian.Uint64(b[0:8]),
		Length:     binary.BigEndian.Uint64(b[8:16]),
		Delegator:  binary.BigEndian.Uint32(b[16:20]),
		AppID:      binary.BigEndian.Uint32(b[20:24]),
		ClientRank: binary.BigEndian.Uint32(b[24:28]),
	}, nil
}
