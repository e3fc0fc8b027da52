package discovery

import "testing"

func TestHashCalc_Deterministic(t *testing.T) {
	a := hashCalc([]byte("node-7"), magicSeed)
	b := hashCalc([]byte("node-7"), magicSeed)
	if !equalHash128(a, b) {
		t.Fatalf("hashCalc is not deterministic: %+v != %+v", a, b)
	}
}

func TestHashCalc_DifferentSeedsDiffer(t *testing.T) {
	a := hashCalc([]byte("node-7"), 1)
	b := hashCalc([]byte("node-7"), 2)
	if equalHash128(a, b) {
		t.Fatalf("expected different seeds to produce different digests")
	}
}

func TestHashCombine64_Deterministic(t *testing.T) {
	a := hashCombine64(1, 2)
	b := hashCombine64(1, 2)
	if a != b {
		t.Fatalf("hashCombine64 is not deterministic")
	}
	if a == hashCombine64(2, 1) {
		t.Fatalf("hashCombine64 should not be order-independent")
	}
}

func TestLessHash128(t *testing.T) {
	a := hash128{Hi: 1, Lo: 5}
	b := hash128{Hi: 1, Lo: 6}
	c := hash128{Hi: 2, Lo: 0}

	if !lessHash128(a, b) {
		t.Fatal("expected a < b on Lo tiebreak")
	}
	if !lessHash128(b, c) {
		t.Fatal("expected b < c on Hi")
	}
	if lessHash128(a, a) {
		t.Fatal("a should not be less than itself")
	}
}
