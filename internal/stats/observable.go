package stats

import (
	"fmt"
	"slices"

	mstats "github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"
)

// ObservableSummary describes the distribution of a torsion observable
// sampled in one lambda window.
type ObservableSummary struct {
	Lambda           float64 `json:"lambda"`
	N                int     `json:"n"`
	CircularMean     float64 `json:"circular_mean"`
	StdDev           float64 `json:"std_dev"`
	Median           float64 `json:"median"`
	Q05              float64 `json:"q05"`
	Q95              float64 `json:"q95"`
	FractionNegative float64 `json:"fraction_negative"`
}

// SummarizeObservable summarizes angle samples in radians. The fraction of
// negative samples is the occupancy of the φ < 0 basin.
func SummarizeObservable(lambda float64, values []float64) (ObservableSummary, error) {
	summary := ObservableSummary{Lambda: lambda, N: len(values)}
	if len(values) == 0 {
		return summary, fmt.Errorf("no samples at lambda %g", lambda)
	}

	data := mstats.Float64Data(values)
	stdDev, err := mstats.StandardDeviation(data)
	if err != nil {
		return summary, err
	}
	median, err := mstats.Median(data)
	if err != nil {
		return summary, err
	}
	sorted := slices.Sorted(slices.Values(values))

	summary.CircularMean = stat.CircularMean(values, nil)
	summary.StdDev = stdDev
	summary.Median = median
	summary.Q05 = stat.Quantile(0.05, stat.Empirical, sorted, nil)
	summary.Q95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	summary.FractionNegative = fractionNegative(values)
	return summary, nil
}

// SummarizeStates summarizes one observable series per state.
func SummarizeStates(lambdas []float64, byState [][]float64) ([]ObservableSummary, error) {
	if len(lambdas) != len(byState) {
		return nil, fmt.Errorf("%d lambdas for %d observable series", len(lambdas), len(byState))
	}
	out := make([]ObservableSummary, 0, len(byState))
	for s, values := range byState {
		summary, err := SummarizeObservable(lambdas[s], values)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, nil
}

// RollingFractionNegative returns, for every frame from window-1 on, the
// fraction of negative values among the last window frames.
func RollingFractionNegative(values []float64, window int) []float64 {
	if window <= 0 || len(values) < window {
		return []float64{}
	}
	out := make([]float64, 0, len(values)-window+1)
	negatives := 0
	for i, v := range values {
		if v < 0 {
			negatives++
		}
		if i >= window && values[i-window] < 0 {
			negatives--
		}
		if i >= window-1 {
			out = append(out, float64(negatives)/float64(window))
		}
	}
	return out
}

// MeanAcceptance averages the final per-pair acceptance fractions.
func MeanAcceptance(fractions []float64) float64 {
	if len(fractions) == 0 {
		return 0
	}
	return stat.Mean(fractions, nil)
}

func fractionNegative(values []float64) float64 {
	negatives := 0
	for _, v := range values {
		if v < 0 {
			negatives++
		}
	}
	return float64(negatives) / float64(len(values))
}
