// Package testsystem builds a sterically hindered biaryl rotor used to
// exercise schedule construction and replica exchange end to end.
//
// Atom layout: 1 and 2 are the bridging carbons on the x axis; 0 and 4 are
// the ortho substituents of the left ring, 3 and 5 those of the right ring.
// The ortho pairs (0,3) and (4,5) clash at phi = 0; (0,5) and (4,3) clash at
// phi = pi. Decoupling the first two with lambda opens the phi = 0 channel.
package testsystem

import (
	"fmt"
	"math"

	"alchemy/internal/fe"
	"alchemy/internal/md"
	"alchemy/internal/model"
	"alchemy/internal/potential"
	"alchemy/internal/systemid"
)

const (
	bridgeLength = 0.15
	orthoDX      = 0.05
	orthoDY      = 0.13

	bondK    = 1e5
	angleK   = 500.0
	torsionK = 2.0

	orthoSigma   = 0.3
	orthoEpsilon = 0.5
	nbCutoff     = 1.2

	atomMass = 12.0
)

// TorsionIdxs is the dihedral used as the observable.
var TorsionIdxs = [4]int{0, 1, 2, 3}

var (
	rotorBonds  = [][2]int{{1, 2}, {1, 0}, {1, 4}, {2, 3}, {2, 5}}
	rotorAngles = [][3]int{{0, 1, 2}, {4, 1, 2}, {1, 2, 3}, {1, 2, 5}, {0, 1, 4}, {3, 2, 5}}
	rotorTors   = [][4]int{{0, 1, 2, 3}, {4, 1, 2, 5}}
	orthoPairs  = [][2]int{{0, 3}, {0, 5}, {4, 3}, {4, 5}}

	// DefaultCoupling decouples the phi = 0 clash pairs and the left ortho
	// atoms from the environment under one shared lambda.
	DefaultCoupling = potential.CouplingSchedule{
		IntramolPairs: [][2]int{{0, 3}, {4, 5}},
		EnvAtoms:      []int{0, 4},
	}
)

// RotorGeometry returns the six rotor positions for torsion angle phi with
// the left bridging carbon at origin.
func RotorGeometry(phi float64, origin model.Vec3) []model.Vec3 {
	c, s := math.Cos(phi), math.Sin(phi)
	x := []model.Vec3{
		{-orthoDX, orthoDY, 0},
		{0, 0, 0},
		{bridgeLength, 0, 0},
		{bridgeLength + orthoDX, orthoDY * c, orthoDY * s},
		{-orthoDX, -orthoDY, 0},
		{bridgeLength + orthoDX, -orthoDY * c, -orthoDY * s},
	}
	for i := range x {
		x[i] = x[i].Add(origin)
	}
	return x
}

// vacuumPotentials is the rotor in isolation.
type vacuumPotentials struct {
	bonds       *potential.HarmonicBond
	angles      *potential.HarmonicAngle
	torsions    *potential.PeriodicTorsion
	pairs       *potential.NonbondedPairList
	bondParams  []float64
	angleParams []float64
	torsParams  []float64
	pairParams  []float64
	coupling    potential.CouplingSchedule
}

func newVacuumPotentials(coupling potential.CouplingSchedule) (*vacuumPotentials, error) {
	if err := coupling.Validate(6); err != nil {
		return nil, err
	}
	ref := RotorGeometry(0, model.Vec3{})
	v := &vacuumPotentials{
		bonds:    potential.NewHarmonicBond(rotorBonds),
		angles:   potential.NewHarmonicAngle(rotorAngles),
		torsions: potential.NewPeriodicTorsion(rotorTors),
		pairs:    potential.NewNonbondedPairList(orthoPairs, nbCutoff),
		coupling: coupling,
	}
	for _, b := range rotorBonds {
		v.bondParams = append(v.bondParams, bondK, ref[b[0]].Sub(ref[b[1]]).Norm())
	}
	for _, a := range rotorAngles {
		u := ref[a[0]].Sub(ref[a[1]])
		w := ref[a[2]].Sub(ref[a[1]])
		v.angleParams = append(v.angleParams, angleK, math.Acos(u.Dot(w)/(u.Norm()*w.Norm())))
	}
	for range rotorTors {
		v.torsParams = append(v.torsParams, torsionK, 0, 2)
	}
	for range orthoPairs {
		v.pairParams = append(v.pairParams, 0, orthoSigma, orthoEpsilon, 0)
	}
	return v, nil
}

func (v *vacuumPotentials) Kind() string  { return "vacuum" }
func (v *vacuumPotentials) NumAtoms() int { return 6 }

func (v *vacuumPotentials) Parameterize(lamb float64) ([]potential.BoundPotential, error) {
	pairParams, err := v.coupling.ApplyPairs(orthoPairs, v.pairParams, lamb)
	if err != nil {
		return nil, err
	}
	return bindAll(
		binding{v.bonds, v.bondParams},
		binding{v.angles, v.angleParams},
		binding{v.torsions, v.torsParams},
		binding{v.pairs, pairParams},
	)
}

type binding struct {
	p      potential.Potential
	params []float64
}

func bindAll(bs ...binding) ([]potential.BoundPotential, error) {
	out := make([]potential.BoundPotential, 0, len(bs))
	for _, b := range bs {
		bp, err := potential.Bind(b.p, b.params)
		if err != nil {
			return nil, fmt.Errorf("bind %s: %w", b.p.Name(), err)
		}
		out = append(out, bp)
	}
	return out, nil
}

// System is a fully specified test system: potentials, masses, start
// coordinates and box, plus the atoms forming the ligand.
type System struct {
	Name       string
	Potentials fe.PotentialSet
	Masses     []float64
	X0         []model.Vec3
	Box        model.Box
	LigandIdxs []int
	// BarostatGroups is non-nil for periodic systems sampled at constant
	// pressure.
	BarostatGroups [][]int
}

type RotorOptions struct {
	Solvent bool
	// Phi0 is the starting torsion angle in radians.
	Phi0 float64
	// BoxEdge of the cubic box; zero selects 10 nm in vacuum and 2 nm with
	// solvent.
	BoxEdge float64
}

// NewRotor builds the rotor test system.
func NewRotor(opts RotorOptions) (*System, error) {
	vac, err := newVacuumPotentials(DefaultCoupling)
	if err != nil {
		return nil, err
	}
	masses := make([]float64, 6)
	for i := range masses {
		masses[i] = atomMass
	}
	ligand := []int{0, 1, 2, 3, 4, 5}
	if !opts.Solvent {
		edge := opts.BoxEdge
		if edge == 0 {
			edge = 10
		}
		box := model.CubicBox(edge)
		origin := box.Center().Sub(model.Vec3{bridgeLength / 2, 0, 0})
		return &System{
			Name:       systemid.Label(systemid.Rotor, false),
			Potentials: vac,
			Masses:     masses,
			X0:         RotorGeometry(opts.Phi0, origin),
			Box:        box,
			LigandIdxs: ligand,
		}, nil
	}
	return newSolvatedRotor(vac, masses, ligand, opts)
}

// StateFactory realizes states for lambda values. Velocities are drawn from
// the Maxwell-Boltzmann distribution with a stream fixed by seed, so the
// factory is deterministic.
func (s *System) StateFactory(temperature float64, seed int64) fe.StateFactory {
	return func(lamb float64) (fe.InitialState, error) {
		if lamb < 0 || lamb > 1 {
			return fe.InitialState{}, fmt.Errorf("%w: lambda %g outside [0, 1]", fe.ErrConfiguration, lamb)
		}
		bps, err := s.Potentials.Parameterize(lamb)
		if err != nil {
			return fe.InitialState{}, err
		}
		state := fe.InitialState{
			Potentials: bps,
			Integrator: fe.LangevinIntegrator{
				Temperature: temperature,
				Dt:          1e-3,
				Friction:    1,
				Masses:      append([]float64(nil), s.Masses...),
				Seed:        seed,
			},
			X0:         append([]model.Vec3(nil), s.X0...),
			V0:         md.SampleVelocities(s.Masses, temperature, md.NewRNG(seed, 0)),
			Box0:       s.Box,
			Lamb:       lamb,
			LigandIdxs: append([]int(nil), s.LigandIdxs...),
		}
		if s.BarostatGroups != nil {
			state.Barostat = &fe.MonteCarloBarostat{
				Pressure:    1,
				Temperature: temperature,
				GroupIdxs:   s.BarostatGroups,
				Interval:    15,
				Seed:        seed,
			}
		}
		return state, nil
	}
}

// TorsionTrajectory returns the observed torsion angle of every frame.
func TorsionTrajectory(frames []model.Frame) []float64 {
	out := make([]float64, len(frames))
	for i, f := range frames {
		out[i] = potential.SignedTorsionAngle(f[TorsionIdxs[0]], f[TorsionIdxs[1]], f[TorsionIdxs[2]], f[TorsionIdxs[3]])
	}
	return out
}
