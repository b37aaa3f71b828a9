package md

import (
	"fmt"
	"math"
	"math/rand/v2"

	"alchemy/internal/fe"
	"alchemy/internal/model"
)

// barostat performs isotropic Monte Carlo volume moves, scaling group
// centroids with the box while keeping each group rigid. The maximum volume
// step adapts towards a 25-75% acceptance band.
type barostat struct {
	state     fe.InitialState
	groups    [][]int
	interval  int
	kT        float64
	pressure  float64
	maxDV     float64
	attempted int
	accepted  int
}

func newBarostat(state fe.InitialState) (*barostat, error) {
	b := state.Barostat
	if state.Box0.Volume() <= 0 {
		return nil, fmt.Errorf("%w: barostat requires a periodic box", fe.ErrConfiguration)
	}
	groups := b.GroupIdxs
	if len(groups) == 0 {
		groups = make([][]int, state.NumAtoms())
		for i := range groups {
			groups[i] = []int{i}
		}
	}
	for _, g := range groups {
		for _, idx := range g {
			if idx < 0 || idx >= state.NumAtoms() {
				return nil, fmt.Errorf("%w: barostat group index %d out of range", fe.ErrConfiguration, idx)
			}
		}
	}
	return &barostat{
		state:    state,
		groups:   groups,
		interval: b.Interval,
		kT:       fe.BOLTZ * b.Temperature,
		pressure: b.Pressure * fe.BarNm3ToKJPerMol,
		maxDV:    0.01 * state.Box0.Volume(),
	}, nil
}

func (b *barostat) move(r *fe.Replica, rng *rand.Rand) (bool, error) {
	u0, err := fe.StateEnergy(b.state, r.X, r.Box)
	if err != nil {
		return false, err
	}
	v0 := r.Box.Volume()
	dv := b.maxDV * (2*rng.Float64() - 1)
	logAccept := math.Log(rng.Float64())
	v1 := v0 + dv
	b.attempted++
	defer b.adapt()
	if v1 <= 0 {
		return false, nil
	}

	scale := math.Cbrt(v1 / v0)
	box := r.Box.Scale(scale)
	x := make([]model.Vec3, len(r.X))
	copy(x, r.X)
	for _, g := range b.groups {
		centroid := model.Vec3{}
		for _, idx := range g {
			centroid = centroid.Add(r.X[idx])
		}
		centroid = centroid.Scale(1 / float64(len(g)))
		shift := centroid.Scale(scale - 1)
		for _, idx := range g {
			x[idx] = r.X[idx].Add(shift)
		}
	}
	u1, err := fe.StateEnergy(b.state, x, box)
	if err != nil {
		return false, err
	}

	w := (u1-u0+b.pressure*dv)/b.kT - float64(len(b.groups))*math.Log(v1/v0)
	if logAccept >= -w {
		return false, nil
	}
	b.accepted++
	r.X = x
	r.Box = box
	return true, nil
}

func (b *barostat) adapt() {
	if b.attempted < 10 {
		return
	}
	rate := float64(b.accepted) / float64(b.attempted)
	switch {
	case rate < 0.25:
		b.maxDV /= 1.1
	case rate > 0.75:
		b.maxDV = math.Min(b.maxDV*1.1, 0.3*b.state.Box0.Volume())
	}
	b.attempted, b.accepted = 0, 0
}
