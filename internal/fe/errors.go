package fe

import "errors"

var (
	// ErrConfiguration marks fatal setup errors raised before any sampling.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrInstability marks non-finite coordinates, velocities or energies.
	ErrInstability = errors.New("simulation instability")
)
