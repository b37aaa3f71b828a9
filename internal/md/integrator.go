package md

import (
	"fmt"
	"math"
	"math/rand/v2"

	"alchemy/internal/fe"
	"alchemy/internal/model"
	"alchemy/internal/potential"
)

// langevin advances a replica with the BAOAB splitting. It caches the
// gradient between steps, so one instance must only drive one replica.
type langevin struct {
	state   fe.InitialState
	dt      float64
	c1      float64
	c2      float64
	sigma   []float64
	invMass []float64
	grad    []model.Vec3
	fresh   bool
	baro    *barostat
}

func newLangevin(state fe.InitialState) (*langevin, error) {
	in := state.Integrator
	n := len(in.Masses)
	l := &langevin{
		state:   state,
		dt:      in.Dt,
		c1:      math.Exp(-in.Friction * in.Dt),
		sigma:   make([]float64, n),
		invMass: make([]float64, n),
		grad:    make([]model.Vec3, n),
	}
	l.c2 = math.Sqrt(1 - l.c1*l.c1)
	kT := fe.BOLTZ * in.Temperature
	for i, m := range in.Masses {
		l.invMass[i] = 1 / m
		l.sigma[i] = math.Sqrt(kT / m)
	}
	if state.Barostat != nil {
		b, err := newBarostat(state)
		if err != nil {
			return nil, err
		}
		l.baro = b
	}
	return l, nil
}

func (l *langevin) refresh(r *fe.Replica) error {
	for i := range l.grad {
		l.grad[i] = model.Vec3{}
	}
	u, err := potential.Execute(l.state.Potentials, r.X, r.Box, l.grad)
	if err != nil {
		return err
	}
	if math.IsNaN(u) || math.IsInf(u, 0) || !model.AllFinite(l.grad) {
		return fmt.Errorf("%w: energy %v at step %d, lambda %g", fe.ErrInstability, u, r.Step, l.state.Lamb)
	}
	l.fresh = true
	return nil
}

// step performs one BAOAB step followed, when due, by a barostat move.
// The random stream is consumed per step, independent of frame boundaries.
func (l *langevin) step(r *fe.Replica, rng *rand.Rand) error {
	if !l.fresh {
		if err := l.refresh(r); err != nil {
			return err
		}
	}
	half := 0.5 * l.dt
	for i := range r.X {
		r.V[i] = r.V[i].Sub(l.grad[i].Scale(half * l.invMass[i]))
		r.X[i] = r.X[i].Add(r.V[i].Scale(half))
		noise := model.Vec3{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
		r.V[i] = r.V[i].Scale(l.c1).Add(noise.Scale(l.c2 * l.sigma[i]))
		r.X[i] = r.X[i].Add(r.V[i].Scale(half))
	}
	if err := l.refresh(r); err != nil {
		return err
	}
	for i := range r.V {
		r.V[i] = r.V[i].Sub(l.grad[i].Scale(half * l.invMass[i]))
	}
	r.Step++
	if !r.Finite() {
		return fmt.Errorf("%w: non-finite coordinates at step %d, lambda %g", fe.ErrInstability, r.Step, l.state.Lamb)
	}

	if l.baro != nil && r.Step%l.baro.interval == 0 {
		moved, err := l.baro.move(r, rng)
		if err != nil {
			return err
		}
		if moved {
			l.fresh = false
		}
	}
	return nil
}

// SampleVelocities draws Maxwell-Boltzmann velocities (nm/ps) at temperature.
func SampleVelocities(masses []float64, temperature float64, rng *rand.Rand) []model.Vec3 {
	kT := fe.BOLTZ * temperature
	out := make([]model.Vec3, len(masses))
	for i, m := range masses {
		s := math.Sqrt(kT / m)
		out[i] = model.Vec3{s * rng.NormFloat64(), s * rng.NormFloat64(), s * rng.NormFloat64()}
	}
	return out
}
