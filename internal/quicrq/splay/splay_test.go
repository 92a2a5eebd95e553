package splay

import (
	"math/rand"
	"sort"
	"testing"
)

func intLess(a, b int) bool { return a < b }

func TestInsertFind(t *testing.T) {
	tr := New[int, string](intLess)
	tr.Insert(5, "five")
	tr.Insert(2, "two")
	tr.Insert(8, "eight")

	if n, ok := tr.Find(2); !ok || n.Value != "two" {
		t.Fatalf("Find(2) = %+v, %v", n, ok)
	}
	if n, ok := tr.Find(8); !ok || n.Value != "eight" {
		t.Fatalf("Find(8) = %+v, %v", n, ok)
	}
	if _, ok := tr.Find(99); ok {
		t.Fatal("expected Find(99) to miss")
	}
	if tr.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", tr.Len())
	}
}

func TestInsertReplacesValue(t *testing.T) {
	tr := New[int, string](intLess)
	tr.Insert(1, "a")
	tr.Insert(1, "b")
	if tr.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tr.Len())
	}
	n, ok := tr.Find(1)
	if !ok || n.Value != "b" {
		t.Fatalf("expected replaced value b, got %+v", n)
	}
}

func TestFloor(t *testing.T) {
	tr := New[int, int](intLess)
	for _, k := range []int{10, 20, 30, 40} {
		tr.Insert(k, k)
	}

	cases := []struct {
		query int
		want  int
		ok    bool
	}{
		{5, 0, false},
		{10, 10, true},
		{15, 10, true},
		{29, 20, true},
		{40, 40, true},
		{100, 40, true},
	}
	for _, c := range cases {
		n, ok := tr.Floor(c.query)
		if ok != c.ok {
			t.Fatalf("Floor(%d) ok = %v, want %v", c.query, ok, c.ok)
		}
		if ok && n.Key != c.want {
			t.Fatalf("Floor(%d) = %d, want %d", c.query, n.Key, c.want)
		}
	}
}

func TestCeiling(t *testing.T) {
	tr := New[int, int](intLess)
	for _, k := range []int{10, 20, 30, 40} {
		tr.Insert(k, k)
	}

	cases := []struct {
		query int
		want  int
		ok    bool
	}{
		{5, 10, true},
		{10, 10, true},
		{11, 20, true},
		{40, 40, true},
		{41, 0, false},
	}
	for _, c := range cases {
		n, ok := tr.Ceiling(c.query)
		if ok != c.ok {
			t.Fatalf("Ceiling(%d) ok = %v, want %v", c.query, ok, c.ok)
		}
		if ok && n.Key != c.want {
			t.Fatalf("Ceiling(%d) = %d, want %d", c.query, n.Key, c.want)
		}
	}
}

func TestFirstLast(t *testing.T) {
	tr := New[int, int](intLess)
	if _, ok := tr.First(); ok {
		t.Fatal("expected no First on empty tree")
	}
	for _, k := range []int{3, 1, 4, 1, 5, 9, 2, 6} {
		tr.Insert(k, k)
	}
	first, _ := tr.First()
	last, _ := tr.Last()
	if first.Key != 1 {
		t.Fatalf("First() = %d, want 1", first.Key)
	}
	if last.Key != 9 {
		t.Fatalf("Last() = %d, want 9", last.Key)
	}
}

func TestSuccessorPredecessorWalkOrder(t *testing.T) {
	tr := New[int, int](intLess)
	keys := []int{15, 3, 42, 7, 1, 23, 8}
	for _, k := range keys {
		tr.Insert(k, k)
	}

	var walked []int
	tr.Walk(func(n *Node[int, int]) bool {
		walked = append(walked, n.Key)
		return true
	})

	sorted := append([]int(nil), keys...)
	sort.Ints(sorted)
	if len(walked) != len(sorted) {
		t.Fatalf("walked %d entries, want %d", len(walked), len(sorted))
	}
	for i := range sorted {
		if walked[i] != sorted[i] {
			t.Fatalf("Walk()[%d] = %d, want %d (full: %v)", i, walked[i], sorted[i], walked)
		}
	}

	n, _ := tr.Find(sorted[0])
	for i := 1; i < len(sorted); i++ {
		n = tr.Successor(n)
		if n == nil || n.Key != sorted[i] {
			t.Fatalf("Successor chain broke at index %d", i)
		}
	}
	if tr.Successor(n) != nil {
		t.Fatal("expected nil successor past the max")
	}

	n, _ = tr.Find(sorted[len(sorted)-1])
	for i := len(sorted) - 2; i >= 0; i-- {
		n = tr.Predecessor(n)
		if n == nil || n.Key != sorted[i] {
			t.Fatalf("Predecessor chain broke at index %d", i)
		}
	}
	if tr.Predecessor(n) != nil {
		t.Fatal("expected nil predecessor before the min")
	}
}

func TestDelete(t *testing.T) {
	tr := New[int, int](intLess)
	keys := []int{50, 30, 70, 20, 40, 60, 80}
	for _, k := range keys {
		tr.Insert(k, k)
	}

	tr.Delete(mustFind(t, tr, 30))
	if _, ok := tr.Find(30); ok {
		t.Fatal("expected 30 deleted")
	}
	if tr.Len() != len(keys)-1 {
		t.Fatalf("Len() = %d, want %d", tr.Len(), len(keys)-1)
	}

	// remaining keys still reachable in order
	remaining := []int{20, 40, 50, 60, 70, 80}
	var walked []int
	tr.Walk(func(n *Node[int, int]) bool {
		walked = append(walked, n.Key)
		return true
	})
	if len(walked) != len(remaining) {
		t.Fatalf("walked %v, want %v", walked, remaining)
	}
	for i := range remaining {
		if walked[i] != remaining[i] {
			t.Fatalf("walked %v, want %v", walked, remaining)
		}
	}
}

func TestDeleteRoot(t *testing.T) {
	tr := New[int, int](intLess)
	tr.Insert(1, 1)
	tr.Delete(mustFind(t, tr, 1))
	if tr.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", tr.Len())
	}
	if tr.Root() != nil {
		t.Fatal("expected empty tree after deleting last node")
	}
}

func TestRandomizedAgainstSortedReference(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	tr := New[int, int](intLess)
	ref := make(map[int]int)

	for i := 0; i < 2000; i++ {
		k := r.Intn(500)
		switch r.Intn(3) {
		case 0, 1:
			tr.Insert(k, k*2)
			ref[k] = k * 2
		case 2:
			if n, ok := tr.Find(k); ok {
				tr.Delete(n)
				delete(ref, k)
			}
		}
	}

	if tr.Len() != len(ref) {
		t.Fatalf("Len() = %d, want %d", tr.Len(), len(ref))
	}
	for k, v := range ref {
		n, ok := tr.Find(k)
		if !ok || n.Value != v {
			t.Fatalf("Find(%d) = %+v, %v, want %d", k, n, ok, v)
		}
	}

	var keys []int
	for k := range ref {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	var walked []int
	tr.Walk(func(n *Node[int, int]) bool {
		walked = append(walked, n.Key)
		return true
	})
	if len(walked) != len(keys) {
		t.Fatalf("walked %d keys, want %d", len(walked), len(keys))
	}
	for i := range keys {
		if walked[i] != keys[i] {
			t.Fatalf("walk mismatch at %d: got %d want %d", i, walked[i], keys[i])
		}
	}
}

func mustFind(t *testing.T, tr *Tree[int, int], key int) *Node[int, int] {
	t.Helper()
	n, ok := tr.Find(key)
	if !ok {
		t.Fatalf("Find(%d) missing", key)
	}
	return n
}
