package extentindex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/unifycr-go/unifycr/internal/kvstore"
	"github.com/unifycr-go/unifycr/internal/slicerouter"
)

// fakePeer routes to an in-memory set of Index instances, standing in
// for internal/transport in tests.
type fakePeer struct {
	ring map[int]*Index
}

func (f *fakePeer) StoreExtents(ctx context.Context, rank int, pairs []Pair) error {
	return f.ring[rank].putLocal(pairs)
}

func (f *fakePeer) ScanExtents(ctx context.Context, rank int, fid uint64, lo, hi uint64) ([]Pair, error) {
	return f.ring[rank].scanLocal(fid, hi)
}

func newLocalIndex(t *testing.T, rank int, router *slicerouter.Router, peer Peer) *Index {
	t.Helper()
	path := filepath.Join(t.TempDir(), "extents.db")
	store, err := kvstore.Open(path, "extents")
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(rank, router, store, peer)
}

func TestBatchPutThenRangeGetSingleServer(t *testing.T) {
	router := slicerouter.New(1<<30, 1) // one slice, one server: always local
	ix := newLocalIndex(t, 0, router, &fakePeer{ring: map[int]*Index{}})

	pairs := []Pair{
		{FID: 7, Offset: 0, Addr: 1000, Length: 64},
		{FID: 7, Offset: 64, Addr: 2000, Length: 64},
		{FID: 7, Offset: 128, Addr: 3000, Length: 64},
	}
	if err := ix.BatchPut(context.Background(), pairs); err != nil {
		t.Fatalf("BatchPut: %v", err)
	}

	got, err := ix.RangeGet(context.Background(), 7, 32, 128)
	if err != nil {
		t.Fatalf("RangeGet: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("RangeGet returned %d pairs, want 3: %+v", len(got), got)
	}
	if got[0].Offset != 0 || got[1].Offset != 64 || got[2].Offset != 128 {
		t.Fatalf("RangeGet order wrong: %+v", got)
	}
}

func TestRangeGetOnEmptyIndexReturnsZeroPairs(t *testing.T) {
	router := slicerouter.New(1<<30, 1)
	ix := newLocalIndex(t, 0, router, &fakePeer{ring: map[int]*Index{}})

	got, err := ix.RangeGet(context.Background(), 42, 0, 100)
	if err != nil {
		t.Fatalf("RangeGet: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("RangeGet on empty index = %+v, want zero pairs", got)
	}
}

func TestBatchPutForwardsToOwningDelegator(t *testing.T) {
	// Small slice width and two servers forces some (fid, offset)
	// pairs to route away from rank 0.
	router := slicerouter.New(64, 2)
	ring := map[int]*Index{}
	peer := &fakePeer{ring: ring}

	ix0 := newLocalIndex(t, 0, router, peer)
	ix1 := newLocalIndex(t, 1, router, peer)
	ring[0] = ix0
	ring[1] = ix1

	pairs := []Pair{
		{FID: 1, Offset: 0, Addr: 10, Length: 64},
		{FID: 1, Offset: 64, Addr: 20, Length: 64},
		{FID: 1, Offset: 128, Addr: 30, Length: 64},
		{FID: 1, Offset: 192, Addr: 40, Length: 64},
	}
	if err := ix0.BatchPut(context.Background(), pairs); err != nil {
		t.Fatalf("BatchPut: %v", err)
	}

	// Whichever rank each pair landed on, a full-range query issued
	// from either delegator must see every pair, in offset order.
	got, err := ix1.RangeGet(context.Background(), 1, 0, 256)
	if err != nil {
		t.Fatalf("RangeGet: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("RangeGet returned %d pairs, want 4: %+v", len(got), got)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Offset >= got[i].Offset {
			t.Fatalf("RangeGet not in ascending offset order: %+v", got)
		}
	}
}
