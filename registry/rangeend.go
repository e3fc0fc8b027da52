package registry

// plusOneRangeEnd is the sentinel callers pass for range-end to mean
// "lexicographic successor of the key" — the conventional way to express
// a prefix range in etcd's range API.
const plusOneRangeEnd = "+1"

// rangeEndSuccessor computes the lexicographic successor of key: the last
// byte is incremented, carrying into preceding bytes that are 0xFF (which
// are stripped). An empty result (key was all 0xFF, or key itself is
// empty) means "rest of keyspace", represented as the empty string.
func rangeEndSuccessor(key string) string {
	b := []byte(key)
	for len(b) > 0 && b[len(b)-1] == 0xFF {
		b = b[:len(b)-1]
	}
	if len(b) == 0 {
		return ""
	}
	b[len(b)-1]++
	return string(b)
}

// resolveRangeEnd applies the "+1" convention: the literal "+1" resolves
// to rangeEndSuccessor(key); any other value (including empty) passes
// through unchanged.
func resolveRangeEnd(key, rangeEnd string) string {
	if rangeEnd == plusOneRangeEnd {
		return rangeEndSuccessor(key)
	}
	return rangeEnd
}
