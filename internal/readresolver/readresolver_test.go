package readresolver

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/unifycr-go/unifycr/internal/extentindex"
	"github.com/unifycr-go/unifycr/internal/kvstore"
	"github.com/unifycr-go/unifycr/internal/slicerouter"
)

type noopPeer struct{}

func (noopPeer) StoreExtents(ctx context.Context, rank int, pairs []extentindex.Pair) error {
	return nil
}
func (noopPeer) ScanExtents(ctx context.Context, rank int, fid uint64, lo, hi uint64) ([]extentindex.Pair, error) {
	return nil, nil
}

func newIndex(t *testing.T) *extentindex.Index {
	t.Helper()
	path := filepath.Join(t.TempDir(), "extents.db")
	store, err := kvstore.Open(path, "extents")
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return extentindex.New(0, slicerouter.New(1<<30, 1), store, noopPeer{})
}

func TestResolveSplitsAcrossThreeExtents(t *testing.T) {
	idx := newIndex(t)
	ctx := context.Background()

	if err := idx.BatchPut(ctx, []extentindex.Pair{
		{FID: 7, Offset: 0, Addr: 1000, Length: 64, Delegator: 0, AppID: 1, ClientRank: 0},
		{FID: 7, Offset: 64, Addr: 2000, Length: 64, Delegator: 1, AppID: 1, ClientRank: 0},
		{FID: 7, Offset: 128, Addr: 3000, Length: 64, Delegator: 2, AppID: 1, ClientRank: 0},
	}); err != nil {
		t.Fatalf("BatchPut: %v", err)
	}

	descs, err := Resolve(ctx, idx, []Request{{GFID: 7, Offset: 32, Length: 128}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(descs) != 3 {
		t.Fatalf("Resolve returned %d descriptors, want 3: %+v", len(descs), descs)
	}

	want := []Descriptor{
		{ReqIndex: 0, DestRank: 0, SrcAddr: 1000 + 32, SrcLength: 32, DstOffset: 0},
		{ReqIndex: 0, DestRank: 1, SrcAddr: 2000, SrcLength: 64, DstOffset: 32},
		{ReqIndex: 0, DestRank: 2, SrcAddr: 3000, SrcLength: 32, DstOffset: 96},
	}
	for i, w := range want {
		got := descs[i]
		if got.DestRank != w.DestRank || got.SrcAddr != w.SrcAddr || got.SrcLength != w.SrcLength || got.DstOffset != w.DstOffset {
			t.Errorf("descriptor %d = %+v, want %+v", i, got, w)
		}
	}
}

func TestResolveNoExtentYieldsNoDescriptors(t *testing.T) {
	idx := newIndex(t)
	descs, err := Resolve(context.Background(), idx, []Request{{GFID: 99, Offset: 0, Length: 10}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(descs) != 0 {
		t.Fatalf("Resolve = %+v, want zero descriptors", descs)
	}
}

func TestResolveMultipleRequestsPreserveReqIndex(t *testing.T) {
	idx := newIndex(t)
	ctx := context.Background()
	if err := idx.BatchPut(ctx, []extentindex.Pair{
		{FID: 1, Offset: 0, Addr: 10, Length: 100, Delegator: 0, AppID: 1, ClientRank: 0},
	}); err != nil {
		t.Fatalf("BatchPut: %v", err)
	}

	descs, err := Resolve(ctx, idx, []Request{
		{GFID: 1, Offset: 0, Length: 10},
		{GFID: 1, Offset: 50, Length: 10},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(descs) != 2 || descs[0].ReqIndex != 0 || descs[1].ReqIndex != 1 {
		t.Fatalf("Resolve = %+v, want one descriptor per request in order", descs)
	}
}
