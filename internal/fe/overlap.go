package fe

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// BAROverlap estimates overlap from the two-state MBAR overlap matrix. The
// free energy difference is the root of the BAR self-consistency equation;
// the reported overlap is twice the off-diagonal element, so identical
// distributions with equal sample counts give 1.
type BAROverlap struct {
	// MaxIter bounds the bisection solve. Zero means 200.
	MaxIter int
}

func (e BAROverlap) Overlap(ctx context.Context, a InitialState, trajA Trajectory, b InitialState, trajB Trajectory, temperature float64) (float64, error) {
	if trajA.Len() == 0 || trajB.Len() == 0 {
		return 0, fmt.Errorf("%w: overlap needs samples from both states (%d, %d)", ErrConfiguration, trajA.Len(), trajB.Len())
	}

	// u[k][n]: reduced potential of pooled sample n under state k.
	var uAa, uAb, uBa, uBb []float64
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if uAa, err = ReducedPotentials(a, trajA, temperature); err != nil {
			return err
		}
		uAb, err = ReducedPotentials(b, trajA, temperature)
		return err
	})
	g.Go(func() error {
		var err error
		if uBa, err = ReducedPotentials(a, trajB, temperature); err != nil {
			return err
		}
		uBb, err = ReducedPotentials(b, trajB, temperature)
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("overlap %g-%g: %w", a.Lamb, b.Lamb, err)
	}
	u0 := append(uAa, uBa...)
	u1 := append(uAb, uBb...)
	return overlapFromReduced(u0, u1, trajA.Len(), trajB.Len(), e.maxIter())
}

func (e BAROverlap) maxIter() int {
	if e.MaxIter <= 0 {
		return 200
	}
	return e.MaxIter
}

func overlapFromReduced(u0, u1 []float64, n0, n1, maxIter int) (float64, error) {
	logN0, logN1 := math.Log(float64(n0)), math.Log(float64(n1))
	nSamples := len(u0)
	logW0 := make([]float64, nSamples)
	logW1 := make([]float64, nSamples)
	pair := make([]float64, 2)

	// weights fills logW0/logW1 for f = (0, df) and returns log sum_n W_n1.
	weights := func(df float64) float64 {
		for n := 0; n < nSamples; n++ {
			pair[0] = logN0 - u0[n]
			pair[1] = logN1 + df - u1[n]
			denom := floats.LogSumExp(pair)
			logW0[n] = -u0[n] - denom
			logW1[n] = df - u1[n] - denom
		}
		return floats.LogSumExp(logW1)
	}

	// sum_n W_n1 increases monotonically with df; find where it equals 1.
	lo, hi := -1.0, 1.0
	for i := 0; weights(lo) > 0; i++ {
		if i >= maxIter {
			return 0, fmt.Errorf("%w: overlap bracket did not converge", ErrInstability)
		}
		lo = 2*lo - 1
	}
	for i := 0; weights(hi) < 0; i++ {
		if i >= maxIter {
			return 0, fmt.Errorf("%w: overlap bracket did not converge", ErrInstability)
		}
		hi = 2*hi + 1
	}
	for i := 0; i < maxIter && hi-lo > 1e-12*math.Max(1, math.Abs(lo)); i++ {
		mid := 0.5 * (lo + hi)
		if weights(mid) > 0 {
			hi = mid
		} else {
			lo = mid
		}
	}
	weights(0.5 * (lo + hi))

	o01 := 0.0
	for n := 0; n < nSamples; n++ {
		o01 += math.Exp(logW0[n] + logW1[n] + logN1)
	}
	overlap := 2 * o01
	if math.IsNaN(overlap) {
		return 0, fmt.Errorf("%w: overlap is NaN", ErrInstability)
	}
	return math.Min(1, math.Max(0, overlap)), nil
}
