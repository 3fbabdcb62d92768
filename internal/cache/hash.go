package cache

// djb2 hashes read/write key strings. The algorithm is fixed by contract so
// that key sets hash identically across processes and runs, which the
// runtime's own hash does not guarantee.
func djb2(s string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(s); i++ {
		h = h*33 + uint32(s[i])
	}
	return h
}

func hashKeys(keys []string) []uint32 {
	out := make([]uint32, len(keys))
	for i, k := range keys {
		out[i] = djb2(k)
	}
	return out
}

func intersects(a, b []uint32) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
