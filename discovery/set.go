package discovery

import (
	"math/rand"
	"sort"
	"sync"
)

// SearchMode selects how GetByConsistentHash and its Next variant walk the
// hash ring once the starting point has been located.
type SearchMode int

const (
	// SearchAll visits hash points in ring order, duplicates allowed.
	SearchAll SearchMode = iota
	// SearchUniqueNode skips points whose node has already appeared.
	SearchUniqueNode
	// SearchCompact skips points whose hash code equals the previous one.
	SearchCompact
	// SearchCompactUnique applies both UniqueNode and Compact filtering.
	SearchCompactUnique
)

type hashPoint struct {
	Code hash128
	Node *Node
}

// indexCache holds the materialized view for one metadata rule (or the
// default, unfiltered index): a round-robin ordered node sequence plus its
// cursor, and a sorted hash-point ring.
type indexCache struct {
	nodes      []*Node // canonical sort order, also the round-robin sequence
	cursor     uint64
	points     []hashPoint // sorted by (hash code, id, name hash, name)
}

func buildIndexCache(nodes []*Node) *indexCache {
	sorted := make([]*Node, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return lessCanonical(sorted[i], sorted[j]) })

	points := make([]hashPoint, 0, len(sorted)*hashPointPerInstance)
	half := hashPointPerInstance / 2
	for _, n := range sorted {
		for i := 0; i < half; i++ {
			points = append(points, hashPoint{
				Code: hashCalc(idBytes(n.ID), uint32(i)),
				Node: n,
			})
		}
		for i := 0; i < half; i++ {
			points = append(points, hashPoint{
				Code: hashCalc([]byte(n.Name), uint32(i)),
				Node: n,
			})
		}
	}

	sort.Slice(points, func(i, j int) bool {
		a, b := points[i], points[j]
		if !equalHash128(a.Code, b.Code) {
			return lessHash128(a.Code, b.Code)
		}
		if a.Node.ID != b.Node.ID {
			return a.Node.ID < b.Node.ID
		}
		if a.Node.NameHash != b.Node.NameHash {
			return a.Node.NameHash < b.Node.NameHash
		}
		return a.Node.Name < b.Node.Name
	})

	return &indexCache{nodes: sorted, points: points}
}

// lookup returns the node located by keyHash under mode, optionally
// skipping the first located point (the Next… variants).
func (c *indexCache) lookup(keyHash hash128, mode SearchMode, skipFirst bool) (*Node, bool) {
	n := len(c.points)
	if n == 0 {
		return nil, false
	}

	start := sort.Search(n, func(i int) bool { return ge(c.points[i].Code, keyHash) })
	if start == n {
		start = 0
	}

	unique := mode == SearchUniqueNode || mode == SearchCompactUnique
	compact := mode == SearchCompact || mode == SearchCompactUnique

	want := 0
	if skipFirst {
		want = 1
	}

	seen := make(map[uint64]bool)
	found := 0
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		p := c.points[idx]

		if compact {
			prev := c.points[(idx-1+n)%n]
			if equalHash128(prev.Code, p.Code) {
				continue
			}
		}
		if unique {
			if seen[p.Node.ID] {
				continue
			}
			seen[p.Node.ID] = true
		}

		if found == want {
			return p.Node, true
		}
		found++
	}
	return nil, false
}

// Set is an in-memory index of discovery nodes supporting id/name lookup,
// consistent-hash/round-robin/random selection, and metadata-filtered
// sub-indices built lazily over the same node set.
type Set struct {
	mu     sync.RWMutex
	byID   map[uint64]*Node
	byName map[string]*Node

	defaultIndex *indexCache
	ruleIndex    map[hash128]*indexCache
	ruleOf       map[hash128]Metadata
}

// NewSet constructs an empty discovery set.
func NewSet() *Set {
	return &Set{
		byID:      make(map[uint64]*Node),
		byName:    make(map[string]*Node),
		ruleIndex: make(map[hash128]*indexCache),
		ruleOf:    make(map[hash128]Metadata),
	}
}

// Add inserts or replaces a node, keyed by both id and name, and drops any
// cache whose metadata rule could have included it.
func (s *Set) Add(n *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[n.ID] = n
	s.byName[n.Name] = n
	s.invalidate(n)
}

// RemoveByID removes the node with the given id, if present, firing its
// cleanup callback. A missing id is a no-op.
func (s *Set) RemoveByID(id uint64) {
	s.mu.Lock()
	n, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.byID, id)
	delete(s.byName, n.Name)
	s.invalidate(n)
	s.mu.Unlock()

	if n.onRemove != nil {
		n.onRemove(n)
	}
}

// RemoveByName removes the node with the given name, if present, firing
// its cleanup callback. A missing name is a no-op.
func (s *Set) RemoveByName(name string) {
	s.mu.Lock()
	n, ok := s.byName[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.byID, n.ID)
	delete(s.byName, name)
	s.invalidate(n)
	s.mu.Unlock()

	if n.onRemove != nil {
		n.onRemove(n)
	}
}

// invalidate drops the default index and every rule-filtered cache whose
// rule matches n. Caller holds s.mu.
func (s *Set) invalidate(n *Node) {
	s.defaultIndex = nil
	for key, rule := range s.ruleOf {
		if rule.Matches(n.Metadata) {
			delete(s.ruleIndex, key)
			delete(s.ruleOf, key)
		}
	}
}

// GetByID returns the node with the given id, if present.
func (s *Set) GetByID(id uint64) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byID[id]
	return n, ok
}

// GetByName returns the node with the given name, if present.
func (s *Set) GetByName(name string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byName[name]
	return n, ok
}

// ensureCache returns the cache for rule, building it lazily if necessary.
// A nil rule (or an empty rule) resolves to the default, unfiltered index.
func (s *Set) ensureCache(rule *Metadata) *indexCache {
	if rule == nil || rule.IsEmpty() {
		if s.defaultIndex == nil {
			all := make([]*Node, 0, len(s.byID))
			for _, n := range s.byID {
				all = append(all, n)
			}
			s.defaultIndex = buildIndexCache(all)
		}
		return s.defaultIndex
	}

	key := rule.cacheKey()
	if c, ok := s.ruleIndex[key]; ok {
		return c
	}

	matched := make([]*Node, 0)
	for _, n := range s.byID {
		if rule.Matches(n.Metadata) {
			matched = append(matched, n)
		}
	}
	c := buildIndexCache(matched)
	s.ruleIndex[key] = c
	s.ruleOf[key] = *rule
	return c
}

// GetByConsistentHash locates the node owning the ring position at or
// after hash(key), using mode to resolve duplicate/compact ring points.
func (s *Set) GetByConsistentHash(key []byte, mode SearchMode, rule *Metadata) (*Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensureCache(rule)
	return c.lookup(hashCalc(key, magicSeed), mode, false)
}

// GetNextByConsistentHash behaves like GetByConsistentHash but excludes
// the first-located point, returning the next matching neighbor on the
// ring — used to enumerate replicas.
func (s *Set) GetNextByConsistentHash(key []byte, mode SearchMode, rule *Metadata) (*Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensureCache(rule)
	return c.lookup(hashCalc(key, magicSeed), mode, true)
}

// GetByRoundRobin returns the next node in canonical order, advancing the
// cursor for rule's cache.
func (s *Set) GetByRoundRobin(rule *Metadata) (*Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensureCache(rule)
	if len(c.nodes) == 0 {
		return nil, false
	}
	idx := c.cursor % uint64(len(c.nodes))
	c.cursor++
	return c.nodes[idx], true
}

// GetByRandom returns a uniformly chosen node from rule's cache.
func (s *Set) GetByRandom(rule *Metadata) (*Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensureCache(rule)
	if len(c.nodes) == 0 {
		return nil, false
	}
	return c.nodes[rand.Intn(len(c.nodes))], true
}

// GetSortedNodes returns every node matching rule in canonical
// (id, name-hash, name) order.
func (s *Set) GetSortedNodes(rule *Metadata) []*Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensureCache(rule)
	out := make([]*Node, len(c.nodes))
	copy(out, c.nodes)
	return out
}

// MetadataIndexSize reports how many rule-filtered caches are currently
// materialized (for tests observing cache invalidation).
func (s *Set) MetadataIndexSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ruleIndex)
}

// LowerBound returns the first node not less than (id, name) in canonical
// order, among nodes matching rule.
func (s *Set) LowerBound(id uint64, name string, rule *Metadata) (*Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensureCache(rule)
	key := &Node{ID: id, Name: name, NameHash: hashString(name)}
	idx := sort.Search(len(c.nodes), func(i int) bool { return !lessCanonical(c.nodes[i], key) })
	if idx == len(c.nodes) {
		return nil, false
	}
	return c.nodes[idx], true
}

// UpperBound returns the first node strictly greater than (id, name) in
// canonical order, among nodes matching rule.
func (s *Set) UpperBound(id uint64, name string, rule *Metadata) (*Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensureCache(rule)
	key := &Node{ID: id, Name: name, NameHash: hashString(name)}
	idx := sort.Search(len(c.nodes), func(i int) bool { return lessCanonical(key, c.nodes[i]) })
	if idx == len(c.nodes) {
		return nil, false
	}
	return c.nodes[idx], true
}
