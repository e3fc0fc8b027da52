package discovery

import "testing"

func TestMetadata_Equal(t *testing.T) {
	a := Metadata{Namespace: "ns", Labels: map[string]string{"tier": "edge"}}
	b := Metadata{Namespace: "ns", Labels: map[string]string{"tier": "edge"}}
	c := Metadata{Namespace: "ns", Labels: map[string]string{"tier": "core"}}

	if !a.Equal(b) {
		t.Fatal("expected equal metadata to compare equal")
	}
	if a.Equal(c) {
		t.Fatal("expected different label values to compare unequal")
	}
}

func TestMetadata_Matches_WildcardOnEmpty(t *testing.T) {
	rule := Metadata{}
	record := Metadata{Namespace: "anything", Group: "g1"}
	if !rule.Matches(record) {
		t.Fatal("empty rule should match every record")
	}
}

func TestMetadata_Matches_ScalarMismatch(t *testing.T) {
	rule := Metadata{Namespace: "prod"}
	record := Metadata{Namespace: "staging"}
	if rule.Matches(record) {
		t.Fatal("non-empty scalar mismatch must not match")
	}
}

func TestMetadata_Matches_LabelPresenceAndValue(t *testing.T) {
	rule := Metadata{Labels: map[string]string{"selector": "s3"}}

	absent := Metadata{}
	if rule.Matches(absent) {
		t.Fatal("record missing the label must not match")
	}

	wrongValue := Metadata{Labels: map[string]string{"selector": "s2"}}
	if rule.Matches(wrongValue) {
		t.Fatal("record with a different label value must not match")
	}

	right := Metadata{Labels: map[string]string{"selector": "s3"}}
	if !rule.Matches(right) {
		t.Fatal("record with a matching label value must match")
	}
}

func TestMetadata_IsEmpty(t *testing.T) {
	if !(Metadata{}).IsEmpty() {
		t.Fatal("zero-value metadata should be empty")
	}
	if (Metadata{Namespace: "x"}).IsEmpty() {
		t.Fatal("metadata with a scalar set should not be empty")
	}
	if (Metadata{Labels: map[string]string{"k": "v"}}).IsEmpty() {
		t.Fatal("metadata with a non-empty label value should not be empty")
	}
}

func TestNewNode_PrecomputesNameHash(t *testing.T) {
	n := NewNode(1, "worker-1")
	if n.NameHash != hashString("worker-1") {
		t.Fatal("NewNode must precompute NameHash")
	}
}

func TestLessCanonical_OrdersByIDThenNameHashThenName(t *testing.T) {
	a := NewNode(1, "a")
	b := NewNode(2, "b")
	if !lessCanonical(a, b) {
		t.Fatal("expected node with lower id to sort first")
	}
	if lessCanonical(b, a) {
		t.Fatal("ordering must be antisymmetric")
	}
}
