package markers

import "sort"

// cellHash mixes a seed and a cell position into a well-spread 64-bit value
// (splitmix64 finalizer).
func cellHash(seed, id int64) uint64 {
	z := uint64(seed)*0x9E3779B97F4A7C15 ^ uint64(id)
	z += 0x9E3779B97F4A7C15
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// deterministicSample keeps the k cells with the smallest hash under seed and
// returns them in ascending order. The result depends only on the cell
// positions, k and seed.
func deterministicSample(cells []int, k int, seed int64) []int {
	if k <= 0 {
		return []int{}
	}
	if k >= len(cells) {
		return append([]int(nil), cells...)
	}

	type hashed struct {
		cell int
		h    uint64
	}
	hs := make([]hashed, len(cells))
	for i, c := range cells {
		hs[i] = hashed{cell: c, h: cellHash(seed, int64(c))}
	}
	sort.Slice(hs, func(i, j int) bool {
		if hs[i].h != hs[j].h {
			return hs[i].h < hs[j].h
		}
		return hs[i].cell < hs[j].cell
	})

	out := make([]int, k)
	for i := range out {
		out[i] = hs[i].cell
	}
	sort.Ints(out)
	return out
}
