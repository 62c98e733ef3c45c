package money

import (
	"fmt"
	"math/rand"
	"sort"
)

// SplitCents partitions q into n pieces that sum exactly to q, each at least
// one cent in magnitude. Cut positions are sampled without replacement, so
// every composition of |q| into n positive parts is equally likely. The sign
// of q carries to every piece.
func SplitCents(q Amount, n int, rng *rand.Rand) ([]Amount, error) {
	if n < 1 {
		return nil, fmt.Errorf("money: split into %d pieces", n)
	}
	total := q.Abs().Cents()
	if int64(n) > total {
		return nil, fmt.Errorf("money: cannot split %s into %d pieces of at least one cent", q, n)
	}

	// n-1 distinct cut positions in [1, total), then consecutive differences.
	chosen := make(map[int64]struct{}, n-1)
	for len(chosen) < n-1 {
		p := 1 + rng.Int63n(total-1)
		chosen[p] = struct{}{}
	}
	cuts := make([]int64, 0, n+1)
	cuts = append(cuts, 0)
	for p := range chosen {
		cuts = append(cuts, p)
	}
	cuts = append(cuts, total)
	sort.Slice(cuts, func(i, j int) bool { return cuts[i] < cuts[j] })

	neg := q.IsNegative()
	parts := make([]Amount, 0, n)
	for i := 1; i < len(cuts); i++ {
		c := cuts[i] - cuts[i-1]
		if neg {
			c = -c
		}
		parts = append(parts, FromCents(c))
	}
	return parts, nil
}
