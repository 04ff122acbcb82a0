package files

// Chunk bitmaps track which chunk indexes have landed, so transfers resume
// across reconnects without assuming sequential receipt.

func bitmapFor(chunksTotal int) []byte {
	return make([]byte, (chunksTotal+7)/8)
}

func setBit(bm []byte, i int) {
	bm[i/8] |= 1 << uint(i%8)
}

func hasBit(bm []byte, i int) bool {
	if i/8 >= len(bm) {
		return false
	}
	return bm[i/8]&(1<<uint(i%8)) != 0
}

func countBits(bm []byte, chunksTotal int) int {
	n := 0
	for i := 0; i < chunksTotal; i++ {
		if hasBit(bm, i) {
			n++
		}
	}
	return n
}

// firstMissing returns the lowest unset index, or chunksTotal when every
// chunk is present.
func firstMissing(bm []byte, chunksTotal int) int {
	for i := 0; i < chunksTotal; i++ {
		if !hasBit(bm, i) {
			return i
		}
	}
	return chunksTotal
}

func missingIndexes(bm []byte, chunksTotal int) []int {
	var out []int
	for i := 0; i < chunksTotal; i++ {
		if !hasBit(bm, i) {
			out = append(out, i)
		}
	}
	return out
}
