package kvstore

import (
	"os"
	"path/filepath"
	"testing"
)

func open(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.db")
	s, err := Open(path, "extents")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := open(t)

	if err := s.Put("extents", []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	v, found, err := s.Get("extents", []byte("k1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || string(v) != "v1" {
		t.Fatalf("Get = %q, %v, want v1, true", v, found)
	}
}

func TestGetMissingNotFound(t *testing.T) {
	s := open(t)
	_, found, err := s.Get("extents", []byte("absent"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatal("expected found=false for missing key")
	}
}

func TestBatchPutAtomicVisibility(t *testing.T) {
	s := open(t)

	pairs := []KV{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("c"), Value: []byte("3")},
	}
	if err := s.BatchPut("extents", pairs); err != nil {
		t.Fatalf("BatchPut: %v", err)
	}

	for _, p := range pairs {
		v, found, err := s.Get("extents", p.Key)
		if err != nil || !found || string(v) != string(p.Value) {
			t.Fatalf("Get(%q) = %q, %v, %v, want %q, true, nil", p.Key, v, found, err, p.Value)
		}
	}
}

func TestBatchPutEmptyIsNoop(t *testing.T) {
	s := open(t)
	if err := s.BatchPut("extents", nil); err != nil {
		t.Fatalf("BatchPut(nil): %v", err)
	}
}

func TestRangeScanAcrossBoundary(t *testing.T) {
	s := open(t)
	pairs := []KV{
		{Key: []byte("k01"), Value: []byte("1")},
		{Key: []byte("k02"), Value: []byte("2")},
		{Key: []byte("k03"), Value: []byte("3")},
		{Key: []byte("k05"), Value: []byte("5")},
	}
	if err := s.BatchPut("extents", pairs); err != nil {
		t.Fatalf("BatchPut: %v", err)
	}

	got, err := s.RangeScan("extents", []byte("k02"), []byte("k04"))
	if err != nil {
		t.Fatalf("RangeScan: %v", err)
	}
	if len(got) != 2 || string(got[0].Key) != "k02" || string(got[1].Key) != "k03" {
		t.Fatalf("RangeScan = %+v, want k02,k03", got)
	}
}

func TestRangeScanOnEmptyIndexReturnsZeroPairs(t *testing.T) {
	s := open(t)
	got, err := s.RangeScan("extents", []byte{0x00}, []byte{0xff})
	if err != nil {
		t.Fatalf("RangeScan: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("RangeScan on empty index = %+v, want zero pairs", got)
	}
}

func TestSanitizeRemovesBackingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	s, err := Open(path, "extents")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Sanitize(); err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected backing file removed, stat err = %v", err)
	}
}
