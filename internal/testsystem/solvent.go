package testsystem

import (
	"alchemy/internal/model"
	"alchemy/internal/potential"
	"alchemy/internal/systemid"
)

const (
	envSigma   = 0.35
	envEpsilon = 0.6
	envMass    = 40.0
	envCutoff  = 0.9
	envSpacing = 3
	envClear   = 0.4
)

// solvatedPotentials adds Lennard-Jones environment beads around the rotor.
type solvatedPotentials struct {
	vac        *vacuumPotentials
	nAtoms     int
	envPairs   *potential.NonbondedPairList
	envParams  []float64
	group      *potential.NonbondedInteractionGroup
	atomParams []float64
}

func (p *solvatedPotentials) Kind() string  { return "solvated" }
func (p *solvatedPotentials) NumAtoms() int { return p.nAtoms }

func (p *solvatedPotentials) Parameterize(lamb float64) ([]potential.BoundPotential, error) {
	bps, err := p.vac.Parameterize(lamb)
	if err != nil {
		return nil, err
	}
	atomParams, err := p.vac.coupling.ApplyEnv(p.atomParams, lamb)
	if err != nil {
		return nil, err
	}
	env, err := bindAll(
		binding{p.envPairs, p.envParams},
		binding{p.group, atomParams},
	)
	if err != nil {
		return nil, err
	}
	return append(bps, env...), nil
}

func newSolvatedRotor(vac *vacuumPotentials, masses []float64, ligand []int, opts RotorOptions) (*System, error) {
	edge := opts.BoxEdge
	if edge == 0 {
		edge = 2
	}
	box := model.CubicBox(edge)
	origin := box.Center().Sub(model.Vec3{bridgeLength / 2, 0, 0})
	x := RotorGeometry(opts.Phi0, origin)
	rotor := append([]model.Vec3(nil), x...)

	step := edge / envSpacing
	for i := 0; i < envSpacing; i++ {
		for j := 0; j < envSpacing; j++ {
			for k := 0; k < envSpacing; k++ {
				bead := model.Vec3{(float64(i) + 0.5) * step, (float64(j) + 0.5) * step, (float64(k) + 0.5) * step}
				if clashes(bead, rotor, box) {
					continue
				}
				x = append(x, bead)
				masses = append(masses, envMass)
			}
		}
	}
	nAtoms := len(x)

	var envIdxs []int
	for i := len(rotor); i < nAtoms; i++ {
		envIdxs = append(envIdxs, i)
	}
	var envPairs [][2]int
	var envParams []float64
	for a := 0; a < len(envIdxs); a++ {
		for b := a + 1; b < len(envIdxs); b++ {
			envPairs = append(envPairs, [2]int{envIdxs[a], envIdxs[b]})
			envParams = append(envParams, 0, envSigma, envEpsilon, 0)
		}
	}
	group, err := potential.NewNonbondedInteractionGroup(nAtoms, ligand, envIdxs, envCutoff)
	if err != nil {
		return nil, err
	}
	atomParams := make([]float64, 0, nAtoms*potential.NonbondedWidth)
	for i := 0; i < nAtoms; i++ {
		if i < len(rotor) {
			atomParams = append(atomParams, 0, orthoSigma, orthoEpsilon, 0)
		} else {
			atomParams = append(atomParams, 0, envSigma, envEpsilon, 0)
		}
	}

	groups := [][]int{append([]int(nil), ligand...)}
	for _, idx := range envIdxs {
		groups = append(groups, []int{idx})
	}
	return &System{
		Name: systemid.Label(systemid.Rotor, true),
		Potentials: &solvatedPotentials{
			vac:        vac,
			nAtoms:     nAtoms,
			envPairs:   potential.NewNonbondedPairList(envPairs, envCutoff),
			envParams:  envParams,
			group:      group,
			atomParams: atomParams,
		},
		Masses:         masses,
		X0:             x,
		Box:            box,
		LigandIdxs:     ligand,
		BarostatGroups: groups,
	}, nil
}

func clashes(bead model.Vec3, rotor []model.Vec3, box model.Box) bool {
	for _, r := range rotor {
		if model.MinimumImage(bead.Sub(r), box).Norm() < envClear {
			return true
		}
	}
	return false
}
