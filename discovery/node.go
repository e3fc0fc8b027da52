// Package discovery implements the in-memory index of known peers: lookup
// by id, name, consistent hash, round robin, or random choice, with
// metadata-filtered sub-indices built lazily over the same node set.
package discovery

import (
	"encoding/binary"
	"sort"
)

// Gateway is one ingress record a node advertises for inbound traffic.
type Gateway struct {
	Address   string
	Protocols []string
}

// Metadata is a filterable record attached to a discovery node.
type Metadata struct {
	Namespace     string
	APIVersion    string
	Kind          string
	Group         string
	ServiceSubset string
	Labels        map[string]string
	Annotations   map[string]string
}

// Equal reports whether m and other have identical scalar fields and
// label/annotation maps (compared under sorted-key order).
func (m Metadata) Equal(other Metadata) bool {
	if m.Namespace != other.Namespace ||
		m.APIVersion != other.APIVersion ||
		m.Kind != other.Kind ||
		m.Group != other.Group ||
		m.ServiceSubset != other.ServiceSubset {
		return false
	}
	return mapEqual(m.Labels, other.Labels) && mapEqual(m.Annotations, other.Annotations)
}

func mapEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// Matches reports whether record m satisfies rule: every non-empty scalar
// in rule equals m's, every non-empty-valued label in rule is present in m
// with the same value, and likewise for annotations. Empty fields in rule
// are wildcards.
func (rule Metadata) Matches(m Metadata) bool {
	if rule.Namespace != "" && rule.Namespace != m.Namespace {
		return false
	}
	if rule.APIVersion != "" && rule.APIVersion != m.APIVersion {
		return false
	}
	if rule.Kind != "" && rule.Kind != m.Kind {
		return false
	}
	if rule.Group != "" && rule.Group != m.Group {
		return false
	}
	if rule.ServiceSubset != "" && rule.ServiceSubset != m.ServiceSubset {
		return false
	}
	for k, v := range rule.Labels {
		if v == "" {
			continue
		}
		if m.Labels[k] != v {
			return false
		}
	}
	for k, v := range rule.Annotations {
		if v == "" {
			continue
		}
		if m.Annotations[k] != v {
			return false
		}
	}
	return true
}

// IsEmpty reports whether the rule matches every record (no filter set).
func (rule Metadata) IsEmpty() bool {
	if rule.Namespace != "" || rule.APIVersion != "" || rule.Kind != "" ||
		rule.Group != "" || rule.ServiceSubset != "" {
		return false
	}
	for _, v := range rule.Labels {
		if v != "" {
			return false
		}
	}
	for _, v := range rule.Annotations {
		if v != "" {
			return false
		}
	}
	return true
}

// cacheKey returns a stable key for the lazy metadata->index-cache map,
// built from the 128-bit hash of rule's fields, folded in the order
// namespace, api-version, kind, group, service-subset, then label values
// in key-sorted order, then annotation values in key-sorted order.
func (m Metadata) cacheKey() hash128 {
	acc := hash128{}
	fold := func(s string) {
		acc = combineHash128(acc, hashCalc([]byte(s), magicSeed))
	}
	fold(m.Namespace)
	fold(m.APIVersion)
	fold(m.Kind)
	fold(m.Group)
	fold(m.ServiceSubset)

	keys := make([]string, 0, len(m.Labels))
	for k := range m.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fold(m.Labels[k])
	}

	keys = keys[:0]
	for k := range m.Annotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fold(m.Annotations[k])
	}

	return acc
}

// CleanupFunc is invoked once when a Node is removed from a Set through
// RemoveByID or RemoveByName, whether called directly or by the registry
// module on a delete event (which includes lease expiry). Nodes still in a
// Set when the registry session is torn down are not removed, so their
// cleanup does not fire then.
type CleanupFunc func(*Node)

// Node is one peer known to a discovery Set. (ID, Name) are both primary
// keys; NameHash is precomputed at construction time.
type Node struct {
	ID       uint64
	Name     string
	Identity string
	TypeID   uint64
	TypeName string
	Hostname string
	PID      int32
	Version  string

	ListenAddresses []string
	Gateways        []Gateway
	Metadata        Metadata

	// NameHash is the precomputed hash of Name, used for canonical sort
	// ordering and as a tiebreak between hash-ring points with equal codes.
	NameHash uint64

	onRemove CleanupFunc
}

// NewNode constructs a Node, precomputing its name hash.
func NewNode(id uint64, name string) *Node {
	return &Node{
		ID:       id,
		Name:     name,
		NameHash: hashString(name),
	}
}

// WithCleanup sets the callback fired when the node is removed from a Set.
func (n *Node) WithCleanup(fn CleanupFunc) *Node {
	n.onRemove = fn
	return n
}

func idBytes(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

// lessCanonical implements the canonical node ordering (id, name-hash,
// name) used by round-robin caches and GetSortedNodes.
func lessCanonical(a, b *Node) bool {
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	if a.NameHash != b.NameHash {
		return a.NameHash < b.NameHash
	}
	return a.Name < b.Name
}
