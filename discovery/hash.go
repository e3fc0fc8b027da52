package discovery

import "github.com/spaolacci/murmur3"

// magicSeed is the single seed constant used for consistent-hash lookups.
// Any fixed value satisfies determinism; this module pins it for its
// lifetime.
const magicSeed uint32 = 0x1388

// hashPointPerInstance is the number of ring points each node contributes,
// split evenly between id-seeded and name-seeded points.
const hashPointPerInstance = 16

// hash128 is a 128-bit hash value, represented as two independent 64-bit
// halves so the Boost-style mixer can be applied to each half separately.
type hash128 struct {
	Hi uint64
	Lo uint64
}

func lessHash128(a, b hash128) bool {
	if a.Hi != b.Hi {
		return a.Hi < b.Hi
	}
	return a.Lo < b.Lo
}

func equalHash128(a, b hash128) bool {
	return a.Hi == b.Hi && a.Lo == b.Lo
}

func ge(a, b hash128) bool {
	return !lessHash128(a, b)
}

// hashCalc computes the MurmurHash3 x64-128 digest of buf under seed.
func hashCalc(buf []byte, seed uint32) hash128 {
	h1, h2 := murmur3.Sum128WithSeed(buf, seed)
	return hash128{Hi: h1, Lo: h2}
}

// hashCombine64 is the Boost-style 64-bit mixer: multiply by the Murmur
// constant, xor-shift by 47, multiply again, fold into seed, multiply once
// more, and add the fixed constant.
func hashCombine64(seed, value uint64) uint64 {
	const m = 0xc6a4a7935bd1e995
	const r = 47

	value *= m
	value ^= value >> r
	value *= m

	seed ^= value
	seed *= m
	seed += 0xe6546b64

	return seed
}

// combineHash128 folds h into acc, applying hashCombine64 independently to
// each 64-bit half.
func combineHash128(acc, h hash128) hash128 {
	return hash128{
		Hi: hashCombine64(acc.Hi, h.Hi),
		Lo: hashCombine64(acc.Lo, h.Lo),
	}
}

// hashString returns a 64-bit digest of s, used for the node name hash
// that participates in canonical sort ordering.
func hashString(s string) uint64 {
	return murmur3.Sum64WithSeed([]byte(s), magicSeed)
}
