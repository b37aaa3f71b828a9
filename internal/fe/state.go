package fe

import (
	"fmt"

	"alchemy/internal/model"
	"alchemy/internal/potential"
)

// LangevinIntegrator configures the stochastic dynamics used for every
// state. Temperature is in K, Dt in ps, Friction in 1/ps, Masses in amu.
type LangevinIntegrator struct {
	Temperature float64
	Dt          float64
	Friction    float64
	Masses      []float64
	Seed        int64
}

// MonteCarloBarostat configures isotropic volume moves. GroupIdxs lists rigid
// groups whose centroids are scaled with the box; Interval is the number of
// integration steps between attempts. Pressure is in bar.
type MonteCarloBarostat struct {
	Pressure    float64
	Temperature float64
	GroupIdxs   [][]int
	Interval    int
	Seed        int64
}

// InitialState describes one simulation state. It is treated as an immutable
// value: refinements derive new states with WithContinuation.
type InitialState struct {
	Potentials []potential.BoundPotential
	Integrator LangevinIntegrator
	Barostat   *MonteCarloBarostat
	X0         []model.Vec3
	V0         []model.Vec3
	Box0       model.Box
	Lamb       float64
	LigandIdxs []int
}

func (s InitialState) NumAtoms() int { return len(s.X0) }

func (s InitialState) Temperature() float64 { return s.Integrator.Temperature }

// Validate checks internal shape consistency.
func (s InitialState) Validate() error {
	n := len(s.X0)
	if n == 0 {
		return fmt.Errorf("%w: state at lambda %g has no atoms", ErrConfiguration, s.Lamb)
	}
	if len(s.V0) != n {
		return fmt.Errorf("%w: state at lambda %g has %d velocities for %d atoms", ErrConfiguration, s.Lamb, len(s.V0), n)
	}
	if len(s.Integrator.Masses) != n {
		return fmt.Errorf("%w: state at lambda %g has %d masses for %d atoms", ErrConfiguration, s.Lamb, len(s.Integrator.Masses), n)
	}
	if s.Integrator.Temperature <= 0 || s.Integrator.Dt <= 0 || s.Integrator.Friction < 0 {
		return fmt.Errorf("%w: integrator temperature=%g dt=%g friction=%g", ErrConfiguration, s.Integrator.Temperature, s.Integrator.Dt, s.Integrator.Friction)
	}
	for i, m := range s.Integrator.Masses {
		if m <= 0 {
			return fmt.Errorf("%w: atom %d has mass %g", ErrConfiguration, i, m)
		}
	}
	if s.Barostat != nil {
		if s.Barostat.Interval <= 0 {
			return fmt.Errorf("%w: barostat interval %d", ErrConfiguration, s.Barostat.Interval)
		}
		if s.Barostat.Temperature != s.Integrator.Temperature {
			return fmt.Errorf("%w: barostat temperature %g differs from integrator %g", ErrConfiguration, s.Barostat.Temperature, s.Integrator.Temperature)
		}
	}
	for _, idx := range s.LigandIdxs {
		if idx < 0 || idx >= n {
			return fmt.Errorf("%w: ligand index %d out of range", ErrConfiguration, idx)
		}
	}
	return nil
}

// WithContinuation returns a copy of the state starting from x, v and box.
// The receiver is left untouched.
func (s InitialState) WithContinuation(x, v []model.Vec3, box model.Box) InitialState {
	out := s
	out.X0 = append([]model.Vec3(nil), x...)
	out.V0 = append([]model.Vec3(nil), v...)
	out.Box0 = box
	return out
}

// Lambdas returns the lambda of each state in order.
func Lambdas(states []InitialState) []float64 {
	out := make([]float64, len(states))
	for i, s := range states {
		out[i] = s.Lamb
	}
	return out
}
