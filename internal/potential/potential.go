package potential

import (
	"errors"
	"fmt"
	"math"

	"alchemy/internal/model"
)

var (
	ErrParamShape = errors.New("parameter shape mismatch")
	ErrAtomIndex  = errors.New("atom index out of range")
)

// Potential is an energy function over coordinates, parameterized by a flat
// row-major parameter slice of NumTerms()*ParamWidth() values.
//
// Execute returns the energy and, when duDx is non-nil, accumulates the
// gradient into it. Implementations must not retain x, params or duDx.
type Potential interface {
	Name() string
	NumTerms() int
	ParamWidth() int
	Execute(x []model.Vec3, params []float64, box model.Box, duDx []model.Vec3) (float64, error)
}

// BoundPotential pairs a potential with a concrete parameter set.
type BoundPotential struct {
	Potential Potential
	Params    []float64
}

// Bind validates params against the potential's shape and returns a bound
// potential owning a private copy of params.
func Bind(p Potential, params []float64) (BoundPotential, error) {
	want := p.NumTerms() * p.ParamWidth()
	if len(params) != want {
		return BoundPotential{}, fmt.Errorf("%w: %s expects %d params, got %d", ErrParamShape, p.Name(), want, len(params))
	}
	return BoundPotential{Potential: p, Params: append([]float64(nil), params...)}, nil
}

func (b BoundPotential) Execute(x []model.Vec3, box model.Box, duDx []model.Vec3) (float64, error) {
	return b.Potential.Execute(x, b.Params, box, duDx)
}

// Execute sums the energies of every bound potential and accumulates their
// gradients into duDx when it is non-nil.
func Execute(bps []BoundPotential, x []model.Vec3, box model.Box, duDx []model.Vec3) (float64, error) {
	total := 0.0
	for _, bp := range bps {
		u, err := bp.Execute(x, box, duDx)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", bp.Potential.Name(), err)
		}
		total += u
	}
	return total, nil
}

// ByName returns the first bound potential whose potential has the given name.
func ByName(bps []BoundPotential, name string) (BoundPotential, bool) {
	for _, bp := range bps {
		if bp.Potential.Name() == name {
			return bp, true
		}
	}
	return BoundPotential{}, false
}

// Row returns the i-th parameter row of a bound potential.
func (b BoundPotential) Row(i int) []float64 {
	w := b.Potential.ParamWidth()
	return b.Params[i*w : (i+1)*w]
}

func checkParams(p Potential, params []float64) error {
	if want := p.NumTerms() * p.ParamWidth(); len(params) != want {
		return fmt.Errorf("%w: want %d got %d", ErrParamShape, want, len(params))
	}
	return nil
}

func checkIdx(n int, idxs ...int) error {
	for _, idx := range idxs {
		if idx < 0 || idx >= n {
			return fmt.Errorf("%w: %d (n_atoms=%d)", ErrAtomIndex, idx, n)
		}
	}
	return nil
}

func addGrad(duDx []model.Vec3, i int, g model.Vec3) {
	if duDx == nil {
		return
	}
	duDx[i] = duDx[i].Add(g)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
