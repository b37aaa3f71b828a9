package fe

import (
	"fmt"

	"alchemy/internal/model"
)

// Trajectory is the output of one sampler run. FinalVelocities is nil when
// the run did not complete normally.
type Trajectory struct {
	Frames          []model.Frame
	Boxes           []model.Box
	FinalVelocities []model.Vec3
}

func (t Trajectory) Len() int { return len(t.Frames) }

// Validate checks that frames and boxes line up with the expected count.
func (t Trajectory) Validate(nFrames int) error {
	if len(t.Frames) != len(t.Boxes) {
		return fmt.Errorf("trajectory has %d frames and %d boxes", len(t.Frames), len(t.Boxes))
	}
	if nFrames >= 0 && len(t.Frames) != nFrames {
		return fmt.Errorf("trajectory has %d frames, want %d", len(t.Frames), nFrames)
	}
	return nil
}

// Last returns the final frame and box.
func (t Trajectory) Last() (model.Frame, model.Box, bool) {
	if len(t.Frames) == 0 {
		return nil, model.Box{}, false
	}
	return t.Frames[len(t.Frames)-1], t.Boxes[len(t.Boxes)-1], true
}

// Continue derives a new state from the end of this trajectory. Missing final
// velocities mean the run failed and continuation is refused.
func (t Trajectory) Continue(state InitialState) (InitialState, error) {
	frame, box, ok := t.Last()
	if !ok {
		return InitialState{}, fmt.Errorf("%w: empty trajectory at lambda %g", ErrInstability, state.Lamb)
	}
	if t.FinalVelocities == nil {
		return InitialState{}, fmt.Errorf("%w: missing final velocities at lambda %g", ErrInstability, state.Lamb)
	}
	return state.WithContinuation(frame, t.FinalVelocities, box), nil
}

// Replica is the mutable dynamical state of one replica. Step counts the
// integration steps taken so far and schedules barostat moves.
type Replica struct {
	X    []model.Vec3
	V    []model.Vec3
	Box  model.Box
	Step int
}

// Clone returns a deep copy of the replica.
func (r Replica) Clone() Replica {
	return Replica{
		X:    append([]model.Vec3(nil), r.X...),
		V:    append([]model.Vec3(nil), r.V...),
		Box:  r.Box,
		Step: r.Step,
	}
}

func ReplicaFromState(s InitialState) Replica {
	return Replica{
		X:   append([]model.Vec3(nil), s.X0...),
		V:   append([]model.Vec3(nil), s.V0...),
		Box: s.Box0,
	}
}

// Finite reports whether positions and velocities are all finite.
func (r Replica) Finite() bool {
	return model.AllFinite(r.X) && model.AllFinite(r.V)
}
