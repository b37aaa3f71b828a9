package hrex

import (
	"math"
	"math/rand/v2"
)

// LogAcceptanceRatio returns the log Metropolis ratio for swapping replicas
// A and B between states a and b. uXY is the reduced potential of replica X's
// configuration evaluated under state Y, so uAA and uBB are the current
// assignment and uAB, uBA the swapped one. Differences are taken per
// replica before summing, so large equal energies cancel instead of
// overflowing.
func LogAcceptanceRatio(uAA, uBB, uAB, uBA float64) float64 {
	return (uAA - uAB) + (uBB - uBA)
}

// AcceptanceProbability maps a log ratio to min(1, exp(logRatio)). It
// saturates at exactly 1 for non-negative ratios and at 0 for -Inf, so
// overflowing energies never raise. NaN is returned unchanged for the caller
// to reject.
func AcceptanceProbability(logRatio float64) float64 {
	switch {
	case math.IsNaN(logRatio):
		return logRatio
	case logRatio >= 0:
		return 1
	default:
		return math.Exp(logRatio)
	}
}

// exchangeStream is the stream id reserved for swap proposals, distinct from
// any replica index.
const exchangeStream = math.MaxUint32

// equilibrationIter keys the streams used before the first iteration.
const equilibrationIter = -1

// newStream returns the deterministic generator for (seed, iteration,
// stream). Streams are independent of goroutine scheduling.
func newStream(seed int64, iter int, stream uint64) *rand.Rand {
	key := uint64(int64(iter)+1)<<32 | (stream & math.MaxUint32)
	return rand.New(rand.NewPCG(uint64(seed), key))
}
