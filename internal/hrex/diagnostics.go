package hrex

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/mat"
)

// Diagnostics is the append-only record of an HREX run. Every derived view
// is recomputed from the two logs.
type Diagnostics struct {
	// ReplicaIdxByStateByIter[t][s] is the replica occupying state s after
	// the exchange round of iteration t.
	ReplicaIdxByStateByIter [][]int
	// FractionAcceptedByPairByIter[t][k] is the cumulative acceptance
	// fraction of swaps between states k and k+1 up to iteration t.
	FractionAcceptedByPairByIter [][]float64
}

// NewDiagnostics rebuilds diagnostics from stored logs, validating that
// every snapshot is a permutation.
func NewDiagnostics(replicaIdxByStateByIter [][]int, fractionAcceptedByPairByIter [][]float64) (Diagnostics, error) {
	d := Diagnostics{
		ReplicaIdxByStateByIter:      replicaIdxByStateByIter,
		FractionAcceptedByPairByIter: fractionAcceptedByPairByIter,
	}
	return d, d.Validate()
}

func (d Diagnostics) NumIterations() int { return len(d.ReplicaIdxByStateByIter) }

func (d Diagnostics) NumStates() int {
	if len(d.ReplicaIdxByStateByIter) == 0 {
		return 0
	}
	return len(d.ReplicaIdxByStateByIter[0])
}

func (d Diagnostics) Validate() error {
	if len(d.FractionAcceptedByPairByIter) != len(d.ReplicaIdxByStateByIter) {
		return fmt.Errorf("diagnostics: %d permutation snapshots but %d acceptance rows", len(d.ReplicaIdxByStateByIter), len(d.FractionAcceptedByPairByIter))
	}
	s := d.NumStates()
	for t, perm := range d.ReplicaIdxByStateByIter {
		if !isPermutation(perm, s) {
			return fmt.Errorf("diagnostics: iteration %d snapshot %v is not a permutation of %d states", t, perm, s)
		}
		if len(d.FractionAcceptedByPairByIter[t]) != s-1 {
			return fmt.Errorf("diagnostics: iteration %d has %d pair fractions for %d states", t, len(d.FractionAcceptedByPairByIter[t]), s)
		}
	}
	return nil
}

func isPermutation(perm []int, n int) bool {
	if len(perm) != n {
		return false
	}
	sorted := slices.Sorted(slices.Values(perm))
	for i, v := range sorted {
		if v != i {
			return false
		}
	}
	return true
}

// CumulativeReplicaStateCounts returns counts[t][s][r]: the number of
// iterations up to and including t in which replica r occupied state s.
func (d Diagnostics) CumulativeReplicaStateCounts() [][][]int {
	n := d.NumStates()
	out := make([][][]int, len(d.ReplicaIdxByStateByIter))
	running := make([][]int, n)
	for s := range running {
		running[s] = make([]int, n)
	}
	for t, perm := range d.ReplicaIdxByStateByIter {
		snapshot := make([][]int, n)
		for s, r := range perm {
			running[s][r]++
		}
		for s := range running {
			snapshot[s] = slices.Clone(running[s])
		}
		out[t] = snapshot
	}
	return out
}

// ReplicaStateCounts returns the final cumulative counts indexed [state][replica].
func (d Diagnostics) ReplicaStateCounts() [][]int {
	counts := d.CumulativeReplicaStateCounts()
	if len(counts) == 0 {
		return nil
	}
	return counts[len(counts)-1]
}

// TransitionMatrix returns the row-normalized matrix of state to state moves
// made by replicas between consecutive iterations. A row with no observed
// moves is all zero, which callers must handle. It returns nil when no
// iterations were recorded.
func (d Diagnostics) TransitionMatrix() *mat.Dense {
	n := d.NumStates()
	if n == 0 {
		return nil
	}
	counts := mat.NewDense(n, n, nil)
	stateOf := func(perm []int) []int {
		inv := make([]int, n)
		for s, r := range perm {
			inv[r] = s
		}
		return inv
	}
	for t := 1; t < len(d.ReplicaIdxByStateByIter); t++ {
		from := stateOf(d.ReplicaIdxByStateByIter[t-1])
		to := stateOf(d.ReplicaIdxByStateByIter[t])
		for r := 0; r < n; r++ {
			counts.Set(from[r], to[r], counts.At(from[r], to[r])+1)
		}
	}
	for s := 0; s < n; s++ {
		row := counts.RawRowView(s)
		total := 0.0
		for _, v := range row {
			total += v
		}
		if total == 0 {
			continue
		}
		for j := range row {
			row[j] /= total
		}
	}
	return counts
}

// FinalAcceptanceFractions returns the last cumulative acceptance fraction
// per adjacent pair.
func (d Diagnostics) FinalAcceptanceFractions() []float64 {
	if len(d.FractionAcceptedByPairByIter) == 0 {
		return nil
	}
	return slices.Clone(d.FractionAcceptedByPairByIter[len(d.FractionAcceptedByPairByIter)-1])
}

func (d *Diagnostics) record(perm []int, attempted, accepted []int) {
	d.ReplicaIdxByStateByIter = append(d.ReplicaIdxByStateByIter, slices.Clone(perm))
	fractions := make([]float64, len(attempted))
	for k := range attempted {
		if attempted[k] > 0 {
			fractions[k] = float64(accepted[k]) / float64(attempted[k])
		}
	}
	d.FractionAcceptedByPairByIter = append(d.FractionAcceptedByPairByIter, fractions)
}
