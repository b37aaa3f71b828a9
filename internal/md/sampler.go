package md

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"alchemy/internal/fe"
	"alchemy/internal/model"
)

// Sampler runs Langevin dynamics for fe states. It holds no mutable state and
// is safe for concurrent use.
type Sampler struct {
	logger *slog.Logger
}

type Option func(*Sampler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sampler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewSampler(opts ...Option) *Sampler {
	s := &Sampler{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRNG returns the deterministic stream used by Sample for a state.
func NewRNG(seed, integratorSeed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), uint64(integratorSeed)))
}

// Sample equilibrates for params.NEqSteps steps and then records
// params.NFrames frames, one every params.StepsPerFrame steps. The result is
// a pure function of state and params. On instability the partial trajectory
// is returned without final velocities alongside an fe.ErrInstability error.
func (s *Sampler) Sample(ctx context.Context, state fe.InitialState, params fe.MDParams) (fe.Trajectory, error) {
	if err := state.Validate(); err != nil {
		return fe.Trajectory{}, err
	}
	if err := params.Validate(); err != nil {
		return fe.Trajectory{}, err
	}
	integ, err := newLangevin(state)
	if err != nil {
		return fe.Trajectory{}, err
	}
	rng := NewRNG(params.Seed, state.Integrator.Seed)
	rep := fe.ReplicaFromState(state)

	for i := 0; i < params.NEqSteps; i++ {
		if err := integ.step(&rep, rng); err != nil {
			return fe.Trajectory{}, fmt.Errorf("equilibration: %w", err)
		}
	}

	traj := fe.Trajectory{
		Frames: make([]model.Frame, 0, params.NFrames),
		Boxes:  make([]model.Box, 0, params.NFrames),
	}
	for f := 0; f < params.NFrames; f++ {
		if err := ctx.Err(); err != nil {
			return traj, err
		}
		for i := 0; i < params.StepsPerFrame; i++ {
			if err := integ.step(&rep, rng); err != nil {
				return traj, fmt.Errorf("production frame %d: %w", f, err)
			}
		}
		traj.Frames = append(traj.Frames, model.Frame(rep.X).Clone())
		traj.Boxes = append(traj.Boxes, rep.Box)
	}
	traj.FinalVelocities = append([]model.Vec3(nil), rep.V...)
	s.logger.Debug("sampled state",
		"lambda", state.Lamb,
		"n_eq_steps", params.NEqSteps,
		"n_frames", params.NFrames,
		"steps_per_frame", params.StepsPerFrame,
	)
	return traj, nil
}

// Propagate advances a copy of replica by nSteps under state's potentials,
// drawing noise from rng. The input replica is not modified.
func (s *Sampler) Propagate(ctx context.Context, state fe.InitialState, replica fe.Replica, nSteps int, rng *rand.Rand) (fe.Replica, error) {
	rep, _, _, err := s.PropagateFrames(ctx, state, replica, 1, nSteps, rng)
	if err != nil {
		return fe.Replica{}, err
	}
	return rep, nil
}

// PropagateFrames advances a copy of replica for nFrames frames of
// stepsPerFrame steps each and records the coordinates and box after every
// frame. One integrator serves all frames, so the cached gradient and
// barostat state carry over between them.
func (s *Sampler) PropagateFrames(ctx context.Context, state fe.InitialState, replica fe.Replica, nFrames, stepsPerFrame int, rng *rand.Rand) (fe.Replica, []model.Frame, []model.Box, error) {
	if err := ctx.Err(); err != nil {
		return fe.Replica{}, nil, nil, err
	}
	if len(replica.X) != state.NumAtoms() || len(replica.V) != state.NumAtoms() {
		return fe.Replica{}, nil, nil, fmt.Errorf("%w: replica has %d atoms, state %d", fe.ErrConfiguration, len(replica.X), state.NumAtoms())
	}
	integ, err := newLangevin(state)
	if err != nil {
		return fe.Replica{}, nil, nil, err
	}
	rep := replica.Clone()
	frames := make([]model.Frame, 0, nFrames)
	boxes := make([]model.Box, 0, nFrames)
	for f := 0; f < nFrames; f++ {
		if err := ctx.Err(); err != nil {
			return fe.Replica{}, nil, nil, err
		}
		for i := 0; i < stepsPerFrame; i++ {
			if err := integ.step(&rep, rng); err != nil {
				return fe.Replica{}, nil, nil, fmt.Errorf("frame %d: %w", f, err)
			}
		}
		frames = append(frames, model.Frame(rep.X).Clone())
		boxes = append(boxes, rep.Box)
	}
	return rep, frames, boxes, nil
}
