package segtree

import "testing"

func nodesOf(t *Tree) []Node {
	t.RLock()
	defer t.RUnlock()
	var out []Node
	for n := t.Iter(nil); n != nil; n = t.Iter(n) {
		out = append(out, *n)
	}
	return out
}

func TestCoalesceOnWrite(t *testing.T) {
	tr := New()
	tr.Add(0, 9, 100)
	tr.Add(10, 19, 200)
	tr.Add(5, 14, 500)

	want := []Node{
		{Start: 0, End: 4, Ptr: 100},
		{Start: 5, End: 14, Ptr: 500},
		{Start: 15, End: 19, Ptr: 205},
	}
	got := nodesOf(tr)
	if len(got) != len(want) {
		t.Fatalf("got %d nodes, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("node %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if tr.Count() != 3 {
		t.Errorf("Count() = %d, want 3", tr.Count())
	}
	if tr.Max() != 19 {
		t.Errorf("Max() = %d, want 19", tr.Max())
	}
}

func TestFullOverwrite(t *testing.T) {
	tr := New()
	tr.Add(0, 99, 1000)
	tr.Add(0, 99, 2000)

	got := nodesOf(tr)
	if len(got) != 1 || got[0] != (Node{Start: 0, End: 99, Ptr: 2000}) {
		t.Fatalf("got %+v, want single node (0,99,2000)", got)
	}
	if tr.Count() != 1 {
		t.Errorf("Count() = %d, want 1", tr.Count())
	}
}

func TestAdjacentNonOverlapCoexist(t *testing.T) {
	tr := New()
	tr.Add(0, 9, 100)
	tr.Add(10, 19, 200)

	got := nodesOf(tr)
	want := []Node{{0, 9, 100}, {10, 19, 200}}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestZeroLengthSingleByteAccepted(t *testing.T) {
	tr := New()
	tr.Add(0, 0, 42)
	got := nodesOf(tr)
	if len(got) != 1 || got[0] != (Node{0, 0, 42}) {
		t.Fatalf("got %+v", got)
	}
}

func TestFindSmallestIntersecting(t *testing.T) {
	tr := New()
	tr.Add(0, 4, 100)
	tr.Add(5, 14, 500)
	tr.Add(15, 19, 205)

	tr.RLock()
	defer tr.RUnlock()

	n := tr.Find(6, 20)
	if n == nil || n.Start != 5 {
		t.Fatalf("Find(6,20) = %+v, want node starting at 5", n)
	}

	n = tr.Find(20, 30)
	if n != nil {
		t.Fatalf("Find(20,30) = %+v, want nil", n)
	}
}

func TestClearThenReaddIsDeterministic(t *testing.T) {
	build := func() []Node {
		tr := New()
		tr.Add(0, 9, 100)
		tr.Add(10, 19, 200)
		tr.Add(5, 14, 500)
		return nodesOf(tr)
	}

	first := build()
	tr := New()
	tr.Add(0, 9, 100)
	tr.Add(10, 19, 200)
	tr.Add(5, 14, 500)
	tr.Clear()
	tr.Add(0, 9, 100)
	tr.Add(10, 19, 200)
	tr.Add(5, 14, 500)
	second := nodesOf(tr)

	if len(first) != len(second) {
		t.Fatalf("mismatch after clear+readd: %+v vs %+v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("node %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
	if tr.Count() != len(first) {
		t.Errorf("Count() after clear+readd = %d, want %d", tr.Count(), len(first))
	}
}

func TestAddIdempotent(t *testing.T) {
	a := New()
	a.Add(3, 8, 77)

	b := New()
	b.Add(3, 8, 77)
	b.Add(3, 8, 77)

	ga, gb := nodesOf(a), nodesOf(b)
	if len(ga) != 1 || len(gb) != 1 || ga[0] != gb[0] {
		t.Fatalf("idempotence violated: %+v vs %+v", ga, gb)
	}
}

func TestNonOverlapInvariantRandomTriples(t *testing.T) {
	type add struct{ s, e, p uint64 }
	seqs := [][]add{
		{{0, 9, 1}, {10, 19, 2}, {5, 14, 3}},
		{{0, 99, 1}, {20, 30, 2}, {25, 40, 3}, {0, 5, 4}},
		{{10, 20, 1}, {10, 20, 2}, {15, 16, 3}, {10, 10, 4}, {20, 20, 5}},
		{{0, 3, 1}, {4, 7, 2}, {2, 5, 3}},
	}

	for _, seq := range seqs {
		tr := New()
		for _, a := range seq {
			tr.Add(a.s, a.e, a.p)
		}
		nodes := nodesOf(tr)
		for i := 1; i < len(nodes); i++ {
			if nodes[i-1].End >= nodes[i].Start {
				t.Errorf("overlap detected in %+v: %+v", seq, nodes)
			}
		}
	}
}

func TestPointerShiftOnSplit(t *testing.T) {
	tr := New()
	tr.Add(10, 30, 1000)
	// Overwrite the middle, leaving a head and tail fragment.
	tr.Add(15, 20, 2000)

	got := nodesOf(tr)
	want := []Node{
		{Start: 10, End: 14, Ptr: 1000},
		{Start: 15, End: 20, Ptr: 2000},
		{Start: 21, End: 30, Ptr: 1000 + (21 - 10)},
	}
	if len(got) != len(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("node %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
