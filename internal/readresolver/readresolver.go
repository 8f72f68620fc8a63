// Package readresolver implements the resolution half of the read
// dispatch engine (spec.md §4.6): given a batch of (gfid, offset,
// length) read requests, look each one up in the distributed extent
// index and emit an ordered list of send descriptors — one per
// surviving extent fragment that overlaps the request — naming which
// delegator, app, and client rank owns the source bytes and where in
// the caller's destination buffer they land.
//
// Grounded on unifycr_get_file_extents in
// original_source/server/src/unifycr_metadata.c, which probes the
// extent index with two keys per request and turns each returned
// record into a read_req_t fragment sized to the overlap between the
// request and the stored extent.
package readresolver

import (
	"context"
	"fmt"

	"golang.org/x/exp/constraints"

	"github.com/unifycr-go/unifycr/internal/extentindex"
)

// Request is one client read: length bytes of gfid starting at offset.
type Request struct {
	GFID   uint64
	Offset uint64
	Length uint64
}

// Descriptor is one fragment of a Request, fully resolved to a source
// location.
type Descriptor struct {
	ReqIndex   int    // index into the original Request slice
	DestRank   int    // delegator rank owning the source bytes
	AppID      uint32 // app that produced the extent
	ClientRank int    // client rank that produced the extent
	SrcAddr    uint64 // source address within that client's data log
	SrcLength  uint64 // number of bytes to fetch
	DstOffset  uint64 // offset within the request's destination buffer

	// ErrCode is set by the request manager after dispatch: empty on a
	// full fetch, otherwise one of the ErrCode* constants below. It is
	// zero-valued on every Descriptor Resolve returns.
	ErrCode string
}

// Per-descriptor outcome codes a request manager attaches to a
// Descriptor after dispatch (spec.md §4.6/§6's reply-header errcode).
const (
	ErrCodeNone           = ""
	ErrCodeShortRead      = "short_read"
	ErrCodeTransportError = "transport_error"
)

// Resolve turns requests into an ordered list of Descriptors. A
// Request whose range is entirely unbacked by any extent yields zero
// descriptors, matching the "no extent found" hole semantics of
// spec.md §4.6's read dispatch.
func Resolve(ctx context.Context, idx *extentindex.Index, requests []Request) ([]Descriptor, error) {
	var out []Descriptor

	for i, req := range requests {
		pairs, err := idx.RangeGet(ctx, req.GFID, req.Offset, req.Length)
		if err != nil {
			return nil, fmt.Errorf("readresolver: resolve request %d (gfid %d): %w", i, req.GFID, err)
		}

		reqEnd := req.Offset
		if req.Length > 0 {
			reqEnd = req.Offset + req.Length - 1
		}

		for _, p := range pairs {
			pairEnd := p.Offset
			if p.Length > 0 {
				pairEnd = p.Offset + p.Length - 1
			}

			start := maxU64(req.Offset, p.Offset)
			end := minU64(reqEnd, pairEnd)
			if start > end {
				continue
			}

			out = append(out, Descriptor{
				ReqIndex:   i,
				DestRank:   int(p.Delegator),
				AppID:      p.AppID,
				ClientRank: int(p.ClientRank),
				SrcAddr:    p.Addr + (start - p.Offset),
				SrcLength:  end - start + 1,
				DstOffset:  start - req.Offset,
			})
		}
	}

	return out, nil
}

func maxU64[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

func minU64[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}
