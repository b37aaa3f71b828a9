package potential

import (
	"fmt"
	"math"

	"alchemy/internal/model"
)

// ONE4PIEPS0 is the Coulomb constant in kJ nm / (mol e^2).
const ONE4PIEPS0 = 138.935456

// Nonbonded parameter columns. The w column is a fourth-dimensional offset:
// pairs interact at an effective distance sqrt(r^2 + w^2), so raising w
// smoothly decouples them.
const (
	ColCharge = iota
	ColSigma
	ColEpsilon
	ColW
	NonbondedWidth
)

// NonbondedPairList evaluates Lennard-Jones and Coulomb terms over an explicit
// list of pairs. Params per pair: (q_ij, sigma_ij, epsilon_ij, w_ij).
type NonbondedPairList struct {
	Pairs  [][2]int
	Cutoff float64
}

func NewNonbondedPairList(pairs [][2]int, cutoff float64) *NonbondedPairList {
	return &NonbondedPairList{Pairs: pairs, Cutoff: cutoff}
}

func (p *NonbondedPairList) Name() string    { return "nonbonded_pair_list" }
func (p *NonbondedPairList) NumTerms() int   { return len(p.Pairs) }
func (p *NonbondedPairList) ParamWidth() int { return NonbondedWidth }

func (p *NonbondedPairList) Execute(x []model.Vec3, params []float64, box model.Box, duDx []model.Vec3) (float64, error) {
	if err := checkParams(p, params); err != nil {
		return 0, err
	}
	total := 0.0
	for t, pair := range p.Pairs {
		i, j := pair[0], pair[1]
		if err := checkIdx(len(x), i, j); err != nil {
			return 0, err
		}
		row := params[t*NonbondedWidth : (t+1)*NonbondedWidth]
		d := model.MinimumImage(x[i].Sub(x[j]), box)
		u, g := pairTerm(d, row[ColCharge], row[ColSigma], row[ColEpsilon], row[ColW], p.Cutoff)
		total += u
		addGrad(duDx, i, g)
		addGrad(duDx, j, g.Scale(-1))
	}
	return total, nil
}

// NonbondedInteractionGroup evaluates every (row, column) atom pair between
// two disjoint atom sets, typically ligand vs environment. Params are per
// atom for all NAtoms atoms and are combined with Lorentz-Berthelot rules;
// the effective offset of a pair is w_i - w_j.
type NonbondedInteractionGroup struct {
	NAtoms  int
	RowIdxs []int
	ColIdxs []int
	Cutoff  float64
}

func NewNonbondedInteractionGroup(nAtoms int, rowIdxs, colIdxs []int, cutoff float64) (*NonbondedInteractionGroup, error) {
	seen := make(map[int]struct{}, len(rowIdxs))
	for _, idx := range rowIdxs {
		if err := checkIdx(nAtoms, idx); err != nil {
			return nil, err
		}
		seen[idx] = struct{}{}
	}
	for _, idx := range colIdxs {
		if err := checkIdx(nAtoms, idx); err != nil {
			return nil, err
		}
		if _, dup := seen[idx]; dup {
			return nil, fmt.Errorf("atom %d appears in both row and column sets", idx)
		}
	}
	return &NonbondedInteractionGroup{NAtoms: nAtoms, RowIdxs: rowIdxs, ColIdxs: colIdxs, Cutoff: cutoff}, nil
}

func (p *NonbondedInteractionGroup) Name() string    { return "nonbonded_interaction_group" }
func (p *NonbondedInteractionGroup) NumTerms() int   { return p.NAtoms }
func (p *NonbondedInteractionGroup) ParamWidth() int { return NonbondedWidth }

func (p *NonbondedInteractionGroup) Execute(x []model.Vec3, params []float64, box model.Box, duDx []model.Vec3) (float64, error) {
	if err := checkParams(p, params); err != nil {
		return 0, err
	}
	if len(x) != p.NAtoms {
		return 0, fmt.Errorf("%w: interaction group built for %d atoms, got %d", ErrAtomIndex, p.NAtoms, len(x))
	}
	total := 0.0
	for _, i := range p.RowIdxs {
		pi := params[i*NonbondedWidth : (i+1)*NonbondedWidth]
		for _, j := range p.ColIdxs {
			pj := params[j*NonbondedWidth : (j+1)*NonbondedWidth]
			q := pi[ColCharge] * pj[ColCharge]
			sig := 0.5 * (pi[ColSigma] + pj[ColSigma])
			eps := math.Sqrt(pi[ColEpsilon] * pj[ColEpsilon])
			w := pi[ColW] - pj[ColW]
			d := model.MinimumImage(x[i].Sub(x[j]), box)
			u, g := pairTerm(d, q, sig, eps, w, p.Cutoff)
			total += u
			addGrad(duDx, i, g)
			addGrad(duDx, j, g.Scale(-1))
		}
	}
	return total, nil
}

// pairTerm returns the energy of one pair and the gradient with respect to
// the first atom.
func pairTerm(d model.Vec3, q, sig, eps, w, cutoff float64) (float64, model.Vec3) {
	if q == 0 && eps == 0 {
		return 0, model.Vec3{}
	}
	r2 := d.Dot(d) + w*w
	if r2 == 0 {
		return 0, model.Vec3{}
	}
	r := math.Sqrt(r2)
	if cutoff > 0 && r > cutoff {
		return 0, model.Vec3{}
	}

	u := 0.0
	dudr := 0.0
	if eps != 0 && sig != 0 {
		sr2 := sig * sig / r2
		sr6 := sr2 * sr2 * sr2
		sr12 := sr6 * sr6
		u += 4 * eps * (sr12 - sr6)
		dudr += 4 * eps * (-12*sr12 + 6*sr6) / r
	}
	if q != 0 {
		u += ONE4PIEPS0 * q / r
		dudr -= ONE4PIEPS0 * q / r2
	}
	if !isFinite(u) {
		return u, model.Vec3{}
	}
	return u, d.Scale(dudr / r)
}
