package scheduler

import (
	"fmt"
	"math/rand/v2"
)

type DownloadStrategy uint8

const (
	// DownloadStrategyRandom picks uniformly among eligible pieces.
	DownloadStrategyRandom DownloadStrategy = iota
	DownloadStrategyRarestFirst
	DownloadStrategySequential
)

func (d DownloadStrategy) String() string {
	switch d {
	case DownloadStrategyRandom:
		return "random"
	case DownloadStrategyRarestFirst:
		return "rarest-first"
	case DownloadStrategySequential:
		return "sequential"
	default:
		return fmt.Sprintf("DownloadStrategy(%d)", uint8(d))
	}
}

// ParseDownloadStrategy is the inverse of String.
func ParseDownloadStrategy(s string) (DownloadStrategy, error) {
	for _, d := range []DownloadStrategy{DownloadStrategyRandom, DownloadStrategyRarestFirst, DownloadStrategySequential} {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("scheduler: unknown download strategy %q", s)
}

// pick chooses one of candidates, which is non-empty and ascending.
// replicas reports how many connected peers hold a piece.
func (d DownloadStrategy) pick(candidates []int, replicas func(int) int) int {
	switch d {
	case DownloadStrategySequential:
		return candidates[0]

	case DownloadStrategyRarestFirst:
		best, bestN := candidates[0], replicas(candidates[0])
		ties := 1
		for _, idx := range candidates[1:] {
			switch n := replicas(idx); {
			case n < bestN:
				best, bestN, ties = idx, n, 1
			case n == bestN:
				// Reservoir sampling keeps ties uniform.
				ties++
				if rand.IntN(ties) == 0 {
					best = idx
				}
			}
		}
		return best

	default:
		return candidates[rand.IntN(len(candidates))]
	}
}
