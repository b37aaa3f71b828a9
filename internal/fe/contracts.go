package fe

import (
	"context"

	"alchemy/internal/potential"
)

// Sampler runs equilibration followed by production for one state. It must
// be deterministic given the state and params.
type Sampler interface {
	Sample(ctx context.Context, state InitialState, params MDParams) (Trajectory, error)
}

// OverlapEstimator measures the statistical overlap of two adjacent states
// from their trajectories: 0 for disjoint, 1 for identical distributions.
type OverlapEstimator interface {
	Overlap(ctx context.Context, a InitialState, trajA Trajectory, b InitialState, trajB Trajectory, temperature float64) (float64, error)
}

// StateFactory realizes a simulation-ready state for a lambda value.
type StateFactory func(lamb float64) (InitialState, error)

// PotentialSet produces the bound potentials of a system at a lambda value.
// Each call returns fresh parameter slices.
type PotentialSet interface {
	Kind() string
	NumAtoms() int
	Parameterize(lamb float64) ([]potential.BoundPotential, error)
}
