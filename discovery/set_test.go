package discovery

import (
	"fmt"
	"testing"
)

func TestSet_AddGetByIDAndName(t *testing.T) {
	s := NewSet()
	n := NewNode(1, "node-1")
	s.Add(n)

	got, ok := s.GetByID(1)
	if !ok || got != n {
		t.Fatal("expected GetByID to return the added node")
	}
	got, ok = s.GetByName("node-1")
	if !ok || got != n {
		t.Fatal("expected GetByName to return the added node")
	}

	if _, ok := s.GetByID(999); ok {
		t.Fatal("expected GetByID on unknown id to miss")
	}
}

func TestSet_RemoveByID_FiresCleanup(t *testing.T) {
	s := NewSet()
	removed := false
	n := NewNode(1, "node-1").WithCleanup(func(*Node) { removed = true })
	s.Add(n)

	s.RemoveByID(1)

	if !removed {
		t.Fatal("expected cleanup callback to fire on removal")
	}
	if _, ok := s.GetByID(1); ok {
		t.Fatal("expected node to be gone after removal")
	}
}

func TestSet_RemoveByID_MissingIsNoOp(t *testing.T) {
	s := NewSet()
	s.RemoveByID(42) // must not panic
}

func TestSet_GetSortedNodes_EmptySet(t *testing.T) {
	s := NewSet()
	if got := s.GetSortedNodes(nil); len(got) != 0 {
		t.Fatalf("expected no nodes, got %d", len(got))
	}
}

// Scenario 2 (consistent-hash stability): insert 32 nodes, repeated lookups
// for the same key return the same node, and removing the chosen node
// changes the result.
func TestSet_ConsistentHash_StableUntilRemoval(t *testing.T) {
	s := NewSet()
	for i := 0; i < 32; i++ {
		s.Add(NewNode(uint64(i), fmt.Sprintf("node-%d", i)))
	}

	key := []byte("1234567")
	first, ok := s.GetByConsistentHash(key, SearchAll, nil)
	if !ok {
		t.Fatal("expected a node on non-empty set")
	}
	second, ok := s.GetByConsistentHash(key, SearchAll, nil)
	if !ok || second.ID != first.ID {
		t.Fatal("expected repeated lookups for the same key to be stable")
	}

	s.RemoveByID(first.ID)
	third, ok := s.GetByConsistentHash(key, SearchAll, nil)
	if !ok {
		t.Fatal("expected a node after removal")
	}
	if third.ID == first.ID {
		t.Fatal("expected a different node after removing the originally chosen one")
	}
}

func TestSet_ConsistentHash_EmptySetMisses(t *testing.T) {
	s := NewSet()
	if _, ok := s.GetByConsistentHash([]byte("x"), SearchAll, nil); ok {
		t.Fatal("expected lookup on empty set to miss without error")
	}
}

func TestSet_ConsistentHash_UniqueNodeSkipsDuplicates(t *testing.T) {
	s := NewSet()
	for i := 0; i < 4; i++ {
		s.Add(NewNode(uint64(i), fmt.Sprintf("node-%d", i)))
	}

	key := []byte("replica-key")
	first, ok := s.GetByConsistentHash(key, SearchUniqueNode, nil)
	if !ok {
		t.Fatal("expected a node")
	}
	next, ok := s.GetNextByConsistentHash(key, SearchUniqueNode, nil)
	if !ok {
		t.Fatal("expected a neighbor node")
	}
	if next.ID == first.ID {
		t.Fatal("expected UniqueNode neighbor to differ from the first pick")
	}
}

// Scenario 3 (metadata filter): three nodes differ only by a label, a
// rule selecting one label value narrows the sorted set, and removing the
// matching node drops the cache to zero entries.
func TestSet_MetadataFilter_NarrowsAndInvalidates(t *testing.T) {
	s := NewSet()
	s.Add(NewNode(1, "a"))
	s.Add(NewNode(2, "b").setLabel("selector", "s2"))
	s.Add(NewNode(3, "c").setLabel("selector", "s3"))

	rule := &Metadata{Labels: map[string]string{"selector": "s3"}}
	got := s.GetSortedNodes(rule)
	if len(got) != 1 || got[0].ID != 3 {
		t.Fatalf("expected exactly node 3, got %+v", got)
	}
	if s.MetadataIndexSize() != 1 {
		t.Fatalf("expected one materialized rule cache, got %d", s.MetadataIndexSize())
	}

	s.RemoveByID(3)
	got = s.GetSortedNodes(rule)
	if len(got) != 0 {
		t.Fatalf("expected zero nodes after removing the match, got %d", len(got))
	}
}

func (n *Node) setLabel(k, v string) *Node {
	if n.Metadata.Labels == nil {
		n.Metadata.Labels = make(map[string]string)
	}
	n.Metadata.Labels[k] = v
	return n
}

func TestSet_RoundRobin_CyclesCanonicalOrder(t *testing.T) {
	s := NewSet()
	s.Add(NewNode(3, "c"))
	s.Add(NewNode(1, "a"))
	s.Add(NewNode(2, "b"))

	var seen []uint64
	for i := 0; i < 6; i++ {
		n, ok := s.GetByRoundRobin(nil)
		if !ok {
			t.Fatal("expected round robin to return a node")
		}
		seen = append(seen, n.ID)
	}
	want := []uint64{1, 2, 3, 1, 2, 3}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("round robin order mismatch at %d: got %v want %v", i, seen, want)
		}
	}
}

func TestSet_RoundRobin_EmptySetMisses(t *testing.T) {
	s := NewSet()
	if _, ok := s.GetByRoundRobin(nil); ok {
		t.Fatal("expected round robin on empty set to miss")
	}
}

func TestSet_Random_EmptySetMisses(t *testing.T) {
	s := NewSet()
	if _, ok := s.GetByRandom(nil); ok {
		t.Fatal("expected random on empty set to miss")
	}
}

func TestSet_Random_OnlyReturnsKnownNodes(t *testing.T) {
	s := NewSet()
	s.Add(NewNode(1, "a"))
	s.Add(NewNode(2, "b"))

	for i := 0; i < 20; i++ {
		n, ok := s.GetByRandom(nil)
		if !ok {
			t.Fatal("expected a node")
		}
		if n.ID != 1 && n.ID != 2 {
			t.Fatalf("unexpected node returned: %d", n.ID)
		}
	}
}

func TestSet_LowerAndUpperBound(t *testing.T) {
	s := NewSet()
	s.Add(NewNode(1, "a"))
	s.Add(NewNode(3, "c"))
	s.Add(NewNode(5, "e"))

	lb, ok := s.LowerBound(3, "c", nil)
	if !ok || lb.ID != 3 {
		t.Fatalf("expected LowerBound(3,c) to return node 3, got %+v", lb)
	}

	ub, ok := s.UpperBound(3, "c", nil)
	if !ok || ub.ID != 5 {
		t.Fatalf("expected UpperBound(3,c) to return node 5, got %+v", ub)
	}

	if _, ok := s.UpperBound(5, "e", nil); ok {
		t.Fatal("expected UpperBound on the last node to miss")
	}
}

func TestSet_RemoveNotPresentReAdd_Equivalent(t *testing.T) {
	s := NewSet()
	s.Add(NewNode(1, "a"))
	s.RemoveByID(1)
	s.Add(NewNode(1, "a"))

	if _, ok := s.GetByID(1); !ok {
		t.Fatal("expected node to be present after remove-then-re-add")
	}
}
