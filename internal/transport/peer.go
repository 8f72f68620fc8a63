package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/unifycr-go/unifycr/internal/extentindex"
)

// StoreExtentsRequest forwards a batch of extent pairs to their owning
// delegator, used when BatchPut resolves a pair to a remote rank.
type StoreExtentsRequest struct {
	Pairs []extentindex.Pair `json:"pairs"`
}

type StoreExtentsReply struct {
	Code string `json:"code"`
}

// ScanExtentsRequest asks a remote delegator for its locally-owned
// extents covering [Offset, Hi] for FID.
type ScanExtentsRequest struct {
	FID    uint64 `json:"fid"`
	Offset uint64 `json:"offset"`
	Hi     uint64 `json:"hi"`
}

type ScanExtentsReply struct {
	Pairs []extentindex.Pair `json:"pairs"`
}

// ExtentPeer adapts a Communicator plus a rank->address directory into
// the extentindex.Peer interface the distributed extent index uses to
// forward writes and fan out range queries.
type ExtentPeer struct {
	comm      Communicator
	selfAddr  string
	addresses func(rank int) (string, bool)
}

// NewExtentPeer returns a Peer that dispatches through comm, resolving
// a destination rank's address via addresses.
func NewExtentPeer(comm Communicator, addresses func(rank int) (string, bool)) *ExtentPeer {
	return &ExtentPeer{comm: comm, selfAddr: comm.Address(), addresses: addresses}
}

func (p *ExtentPeer) StoreExtents(ctx context.Context, rank int, pairs []extentindex.Pair) error {
	addr, ok := p.addresses(rank)
	if !ok {
		return fmt.Errorf("transport: no known address for delegator rank %d", rank)
	}

	resp, err := p.comm.Send(ctx, addr, Message{
		From:    p.selfAddr,
		Type:    TypeStoreExtents,
		Payload: StoreExtentsRequest{Pairs: pairs},
	})
	if err != nil {
		return err
	}
	if resp.Code != CodeOK {
		return fmt.Errorf("transport: store_extents to rank %d: %s", rank, resp.Code)
	}
	return nil
}

func (p *ExtentPeer) ScanExtents(ctx context.Context, rank int, fid uint64, lo, hi uint64) ([]extentindex.Pair, error) {
	addr, ok := p.addresses(rank)
	if !ok {
		return nil, fmt.Errorf("transport: no known address for delegator rank %d", rank)
	}

	resp, err := p.comm.Send(ctx, addr, Message{
		From:    p.selfAddr,
		Type:    TypeScanExtents,
		Payload: ScanExtentsRequest{FID: fid, Offset: lo, Hi: hi},
	})
	if err != nil {
		return nil, err
	}
	if resp.Code != CodeOK {
		return nil, fmt.Errorf("transport: scan_extents from rank %d: %s", rank, resp.Code)
	}

	var reply ScanExtentsReply
	if err := json.Unmarshal(resp.Body, &reply); err != nil {
		return nil, fmt.Errorf("transport: decode scan_extents reply: %w", err)
	}
	return reply.Pairs, nil
}
