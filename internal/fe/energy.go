package fe

import (
	"fmt"
	"math"

	"alchemy/internal/model"
	"alchemy/internal/potential"
)

const (
	// BOLTZ is the Boltzmann constant in kJ/(mol K).
	BOLTZ = 0.0083144626
	// BarNm3ToKJPerMol converts pressure*volume from bar*nm^3 to kJ/mol.
	BarNm3ToKJPerMol = 0.0602214076
)

// StateEnergy evaluates the total potential energy of x under state.
func StateEnergy(state InitialState, x []model.Vec3, box model.Box) (float64, error) {
	u, err := potential.Execute(state.Potentials, x, box, nil)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(u) || math.IsInf(u, 0) {
		return 0, fmt.Errorf("%w: energy %v at lambda %g", ErrInstability, u, state.Lamb)
	}
	return u, nil
}

// ReducedPotential returns (U + PV) / kT, with the PV term present only for
// states carrying a barostat.
func ReducedPotential(state InitialState, x []model.Vec3, box model.Box, temperature float64) (float64, error) {
	u, err := StateEnergy(state, x, box)
	if err != nil {
		return 0, err
	}
	if state.Barostat != nil {
		u += state.Barostat.Pressure * box.Volume() * BarNm3ToKJPerMol
	}
	return u / (BOLTZ * temperature), nil
}

// ReducedPotentials evaluates every frame of traj under state.
func ReducedPotentials(state InitialState, traj Trajectory, temperature float64) ([]float64, error) {
	if err := traj.Validate(-1); err != nil {
		return nil, err
	}
	out := make([]float64, traj.Len())
	for i, frame := range traj.Frames {
		u, err := ReducedPotential(state, frame, traj.Boxes[i], temperature)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		out[i] = u
	}
	return out, nil
}
