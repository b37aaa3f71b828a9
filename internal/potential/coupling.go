package potential

import "fmt"

// CouplingSchedule names the nonbonded entries driven by lambda. Intramolecular
// pairs and environment couplings share one lambda; both set the w offset of
// their entries to lambda (nm).
//
// Apply* methods return fresh parameter slices and never modify their input,
// so states bound at different lambdas do not alias.
type CouplingSchedule struct {
	IntramolPairs [][2]int
	EnvAtoms      []int
}

func (c CouplingSchedule) Validate(nAtoms int) error {
	for _, pair := range c.IntramolPairs {
		if err := checkIdx(nAtoms, pair[0], pair[1]); err != nil {
			return fmt.Errorf("coupled pair %v: %w", pair, err)
		}
		if pair[0] == pair[1] {
			return fmt.Errorf("coupled pair %v references the same atom twice", pair)
		}
	}
	for _, idx := range c.EnvAtoms {
		if err := checkIdx(nAtoms, idx); err != nil {
			return fmt.Errorf("coupled env atom: %w", err)
		}
	}
	return nil
}

// ApplyPairs returns a copy of pair-list params with the w column of every
// coupled intramolecular pair set to lamb. Pairs match regardless of order.
func (c CouplingSchedule) ApplyPairs(pairs [][2]int, params []float64, lamb float64) ([]float64, error) {
	if len(params) != len(pairs)*NonbondedWidth {
		return nil, fmt.Errorf("%w: %d pairs with %d params", ErrParamShape, len(pairs), len(params))
	}
	coupled := make(map[[2]int]struct{}, len(c.IntramolPairs))
	for _, pair := range c.IntramolPairs {
		coupled[orderedPair(pair)] = struct{}{}
	}
	out := append([]float64(nil), params...)
	for t, pair := range pairs {
		if _, ok := coupled[orderedPair(pair)]; ok {
			out[t*NonbondedWidth+ColW] = lamb
		}
	}
	return out, nil
}

// ApplyEnv returns a copy of per-atom interaction group params with the w
// column of every coupled environment atom set to lamb.
func (c CouplingSchedule) ApplyEnv(params []float64, lamb float64) ([]float64, error) {
	if len(params)%NonbondedWidth != 0 {
		return nil, fmt.Errorf("%w: per-atom params length %d", ErrParamShape, len(params))
	}
	nAtoms := len(params) / NonbondedWidth
	out := append([]float64(nil), params...)
	for _, idx := range c.EnvAtoms {
		if err := checkIdx(nAtoms, idx); err != nil {
			return nil, err
		}
		out[idx*NonbondedWidth+ColW] = lamb
	}
	return out, nil
}

func orderedPair(p [2]int) [2]int {
	if p[0] > p[1] {
		return [2]int{p[1], p[0]}
	}
	return p
}
