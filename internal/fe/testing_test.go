package fe

import (
	"context"
	"sync"
	"sync/atomic"

	"alchemy/internal/model"
	"alchemy/internal/potential"
)

// fakeSampler returns constant trajectories and counts its invocations.
type fakeSampler struct {
	calls atomic.Int64
	mu    sync.Mutex
	lambs []float64
}

func (s *fakeSampler) Sample(_ context.Context, state InitialState, params MDParams) (Trajectory, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.lambs = append(s.lambs, state.Lamb)
	s.mu.Unlock()
	traj := Trajectory{FinalVelocities: state.V0}
	for i := 0; i < params.NFrames; i++ {
		traj.Frames = append(traj.Frames, model.Frame(state.X0).Clone())
		traj.Boxes = append(traj.Boxes, state.Box0)
	}
	return traj, nil
}

// widthEstimator makes overlap a decreasing function of the lambda gap.
type widthEstimator struct {
	slope float64
	calls atomic.Int64
}

func (e *widthEstimator) Overlap(_ context.Context, a InitialState, _ Trajectory, b InitialState, _ Trajectory, _ float64) (float64, error) {
	e.calls.Add(1)
	return 1 - e.slope*(b.Lamb-a.Lamb), nil
}

func bondState(lamb, r0 float64) InitialState {
	bp, err := potential.Bind(potential.NewHarmonicBond([][2]int{{0, 1}}), []float64{1e4, r0})
	if err != nil {
		panic(err)
	}
	return InitialState{
		Potentials: []potential.BoundPotential{bp},
		Integrator: LangevinIntegrator{Temperature: 300, Dt: 1e-3, Friction: 1, Masses: []float64{12, 12}},
		X0:         []model.Vec3{{0, 0, 0}, {r0, 0, 0}},
		V0:         make([]model.Vec3, 2),
		Lamb:       lamb,
	}
}

func bondFactory(lamb float64) (InitialState, error) {
	return bondState(lamb, 0.1+0.1*lamb), nil
}

func testParams() MDParams {
	return MDParams{NFrames: 4, NEqSteps: 0, StepsPerFrame: 1, Seed: 2023}
}
