package hrex

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"

	"golang.org/x/sync/errgroup"

	"alchemy/internal/fe"
	"alchemy/internal/model"
)

// Propagator advances one replica under one state's Hamiltonian.
type Propagator interface {
	Propagate(ctx context.Context, state fe.InitialState, replica fe.Replica, nSteps int, rng *rand.Rand) (fe.Replica, error)
}

// FramePropagator is implemented by propagators that can record several
// frames in one call, keeping integrator state between them. The engine
// prefers it over per-frame Propagate calls.
type FramePropagator interface {
	PropagateFrames(ctx context.Context, state fe.InitialState, replica fe.Replica, nFrames, stepsPerFrame int, rng *rand.Rand) (fe.Replica, []model.Frame, []model.Box, error)
}

type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseProducing
	PhaseExchanging
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseProducing:
		return "producing"
	case PhaseExchanging:
		return "exchanging"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Observer receives progress events from the single goroutine owning the
// engine state.
type Observer interface {
	ObservePhase(phase Phase)
	ObserveSwap(pair int, accepted bool)
	ObserveIteration(iteration int, replicaIdxByState []int, fractionAcceptedByPair []float64)
}

type Config struct {
	States     []fe.InitialState
	Params     fe.MDParams
	Propagator Propagator
	// Temperature for the exchange criterion. Zero means the shared
	// integrator temperature of the states.
	Temperature float64
	// Parallelism bounds concurrent replicas. Zero means one goroutine per
	// replica.
	Parallelism int
	Logger      *slog.Logger
	Observer    Observer
}

type Result struct {
	// FinalStates[s] continues from the replica occupying state s after the
	// last exchange round.
	FinalStates []fe.InitialState
	// Trajectories[s] holds the frames observed by state slot s. Its final
	// velocities belong to the replica that produced the last frame.
	Trajectories []fe.Trajectory
	Diagnostics  Diagnostics
}

// Engine runs Hamiltonian replica exchange over a fixed set of states. An
// Engine runs one simulation at a time.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	phase  Phase
}

func NewEngine(cfg Config) (*Engine, error) {
	if len(cfg.States) < 2 {
		return nil, fmt.Errorf("%w: replica exchange needs at least 2 states, got %d", fe.ErrConfiguration, len(cfg.States))
	}
	if cfg.Params.HREX == nil {
		return nil, fmt.Errorf("%w: hrex params are required", fe.ErrConfiguration)
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Propagator == nil {
		return nil, fmt.Errorf("%w: propagator is required", fe.ErrConfiguration)
	}
	nAtoms := cfg.States[0].NumAtoms()
	temperature := cfg.States[0].Temperature()
	for i, s := range cfg.States {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("state %d: %w", i, err)
		}
		if s.NumAtoms() != nAtoms {
			return nil, fmt.Errorf("%w: state %d has %d atoms, state 0 has %d", fe.ErrConfiguration, i, s.NumAtoms(), nAtoms)
		}
		if s.Temperature() != temperature {
			return nil, fmt.Errorf("%w: state %d temperature %g differs from %g", fe.ErrConfiguration, i, s.Temperature(), temperature)
		}
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = temperature
	}
	if cfg.Temperature < 0 {
		return nil, fmt.Errorf("%w: temperature %g", fe.ErrConfiguration, cfg.Temperature)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg.States = append([]fe.InitialState(nil), cfg.States...)
	return &Engine{cfg: cfg, logger: logger, phase: PhaseInitializing}, nil
}

// Option adjusts the Config built by RunSimsHREX.
type Option func(*Config)

func WithLogger(logger *slog.Logger) Option { return func(c *Config) { c.Logger = logger } }

func WithObserver(o Observer) Option { return func(c *Config) { c.Observer = o } }

func WithParallelism(n int) Option { return func(c *Config) { c.Parallelism = n } }

// RunSimsHREX builds an engine for states and runs it.
func RunSimsHREX(ctx context.Context, states []fe.InitialState, params fe.MDParams, propagator Propagator, opts ...Option) (Result, error) {
	cfg := Config{States: states, Params: params, Propagator: propagator}
	for _, opt := range opts {
		opt(&cfg)
	}
	e, err := NewEngine(cfg)
	if err != nil {
		return Result{}, err
	}
	return e.Run(ctx)
}

// Phase reports the engine's current phase.
func (e *Engine) Phase() Phase { return e.phase }

func (e *Engine) setPhase(p Phase) {
	e.phase = p
	e.logger.Debug("hrex phase", "phase", p.String())
	if e.cfg.Observer != nil {
		e.cfg.Observer.ObservePhase(p)
	}
}

// Run executes the protocol: seed replicas onto states, optionally
// equilibrate once, then alternate production and exchange until
// Params.NFrames frames have been collected per state.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	states := e.cfg.States
	params := e.cfg.Params
	nStates := len(states)

	e.setPhase(PhaseInitializing)
	replicas := make([]fe.Replica, nStates)
	replicaIdxByState := make([]int, nStates)
	for s, state := range states {
		replicas[s] = fe.ReplicaFromState(state)
		replicaIdxByState[s] = s
	}
	if params.NEqSteps > 0 {
		eq, err := e.parallel(ctx, nStates, func(ctx context.Context, s int) (fe.Replica, error) {
			rng := newStream(params.Seed, equilibrationIter, uint64(s))
			return e.cfg.Propagator.Propagate(ctx, states[s], replicas[s], params.NEqSteps, rng)
		})
		if err != nil {
			return Result{}, fmt.Errorf("equilibration: %w", err)
		}
		copy(replicas, eq)
	}

	framesPerIter := params.HREX.FramesPerIter()
	nIters := (params.NFrames + framesPerIter - 1) / framesPerIter
	swapAttempts := params.HREX.SwapAttempts(nStates)

	trajectories := make([]fe.Trajectory, nStates)
	for s := range trajectories {
		trajectories[s].Frames = make([]model.Frame, 0, params.NFrames)
		trajectories[s].Boxes = make([]model.Box, 0, params.NFrames)
	}
	producedBy := slices.Clone(replicaIdxByState)
	attempted := make([]int, nStates-1)
	accepted := make([]int, nStates-1)
	var diag Diagnostics

	for iter := 0; iter < nIters; iter++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		nFrames := min(framesPerIter, params.NFrames-iter*framesPerIter)

		e.setPhase(PhaseProducing)
		segments, err := e.produce(ctx, iter, nFrames, replicas, replicaIdxByState)
		if err != nil {
			return Result{}, fmt.Errorf("iteration %d: %w", iter, err)
		}
		copy(producedBy, replicaIdxByState)
		for s, seg := range segments {
			r := replicaIdxByState[s]
			replicas[r] = seg.replica
			trajectories[s].Frames = append(trajectories[s].Frames, seg.frames...)
			trajectories[s].Boxes = append(trajectories[s].Boxes, seg.boxes...)
		}

		e.setPhase(PhaseExchanging)
		u, err := e.crossEnergies(ctx, replicas)
		if err != nil {
			return Result{}, fmt.Errorf("iteration %d: %w", iter, err)
		}
		rng := newStream(params.Seed, iter, exchangeStream)
		for a := 0; a < swapAttempts; a++ {
			pair := rng.IntN(nStates - 1)
			ok, err := e.attemptSwap(u, replicaIdxByState, pair, rng)
			if err != nil {
				return Result{}, fmt.Errorf("iteration %d: %w", iter, err)
			}
			attempted[pair]++
			if ok {
				accepted[pair]++
			}
			if e.cfg.Observer != nil {
				e.cfg.Observer.ObserveSwap(pair, ok)
			}
		}
		diag.record(replicaIdxByState, attempted, accepted)
		last := diag.NumIterations() - 1
		if e.cfg.Observer != nil {
			e.cfg.Observer.ObserveIteration(iter, diag.ReplicaIdxByStateByIter[last], diag.FractionAcceptedByPairByIter[last])
		}
		e.logger.Debug("hrex iteration",
			"iteration", iter,
			"replica_idx_by_state", replicaIdxByState,
			"fraction_accepted_by_pair", diag.FractionAcceptedByPairByIter[last],
		)
	}

	finalStates := make([]fe.InitialState, nStates)
	for s, state := range states {
		rep := replicas[replicaIdxByState[s]]
		finalStates[s] = state.WithContinuation(rep.X, rep.V, rep.Box)
		trajectories[s].FinalVelocities = append([]model.Vec3(nil), replicas[producedBy[s]].V...)
	}
	e.setPhase(PhaseDone)
	e.logger.Info("hrex complete",
		"n_states", nStates,
		"n_iterations", nIters,
		"final_acceptance", diag.FinalAcceptanceFractions(),
	)
	return Result{FinalStates: finalStates, Trajectories: trajectories, Diagnostics: diag}, nil
}

type segment struct {
	replica fe.Replica
	frames  []model.Frame
	boxes   []model.Box
}

// produce runs nFrames frames of dynamics for every state slot with the
// replica currently assigned to it. The random stream is keyed by replica
// identity so results do not depend on scheduling.
func (e *Engine) produce(ctx context.Context, iter, nFrames int, replicas []fe.Replica, replicaIdxByState []int) ([]segment, error) {
	states := e.cfg.States
	stepsPerFrame := e.cfg.Params.StepsPerFrame
	out := make([]segment, len(states))
	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.Parallelism > 0 {
		g.SetLimit(e.cfg.Parallelism)
	}
	for s := range states {
		g.Go(func() error {
			r := replicaIdxByState[s]
			rng := newStream(e.cfg.Params.Seed, iter, uint64(r))
			seg, err := e.runSegment(gctx, states[s], replicas[r], nFrames, stepsPerFrame, rng)
			if err != nil {
				return fmt.Errorf("replica %d at state %d: %w", r, s, err)
			}
			out[s] = seg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) runSegment(ctx context.Context, state fe.InitialState, rep fe.Replica, nFrames, stepsPerFrame int, rng *rand.Rand) (segment, error) {
	if fp, ok := e.cfg.Propagator.(FramePropagator); ok {
		next, frames, boxes, err := fp.PropagateFrames(ctx, state, rep, nFrames, stepsPerFrame, rng)
		if err != nil {
			return segment{}, err
		}
		if len(frames) != nFrames || len(boxes) != nFrames {
			return segment{}, fmt.Errorf("propagator returned %d frames and %d boxes, want %d", len(frames), len(boxes), nFrames)
		}
		for f, frame := range frames {
			if !model.AllFinite(frame) {
				return segment{}, fmt.Errorf("%w: frame %d", fe.ErrInstability, f)
			}
		}
		if !next.Finite() {
			return segment{}, fe.ErrInstability
		}
		return segment{replica: next, frames: frames, boxes: boxes}, nil
	}

	seg := segment{
		frames: make([]model.Frame, 0, nFrames),
		boxes:  make([]model.Box, 0, nFrames),
	}
	for f := 0; f < nFrames; f++ {
		next, err := e.cfg.Propagator.Propagate(ctx, state, rep, stepsPerFrame, rng)
		if err != nil {
			return segment{}, err
		}
		if !next.Finite() {
			return segment{}, fmt.Errorf("%w: frame %d", fe.ErrInstability, f)
		}
		rep = next
		seg.frames = append(seg.frames, model.Frame(rep.X).Clone())
		seg.boxes = append(seg.boxes, rep.Box)
	}
	seg.replica = rep
	return seg, nil
}

// crossEnergies returns u[r][s], the reduced potential of replica r's
// configuration under state s.
func (e *Engine) crossEnergies(ctx context.Context, replicas []fe.Replica) ([][]float64, error) {
	states := e.cfg.States
	u := make([][]float64, len(replicas))
	g, _ := errgroup.WithContext(ctx)
	if e.cfg.Parallelism > 0 {
		g.SetLimit(e.cfg.Parallelism)
	}
	for r := range replicas {
		g.Go(func() error {
			row := make([]float64, len(states))
			for s, state := range states {
				v, err := fe.ReducedPotential(state, replicas[r].X, replicas[r].Box, e.cfg.Temperature)
				if err != nil {
					return fmt.Errorf("replica %d under state %d: %w", r, s, err)
				}
				row[s] = v
			}
			u[r] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return u, nil
}

// attemptSwap proposes exchanging the replicas at states pair and pair+1.
// The uniform draw is consumed on every attempt to keep the stream aligned.
func (e *Engine) attemptSwap(u [][]float64, replicaIdxByState []int, pair int, rng *rand.Rand) (bool, error) {
	sa, sb := pair, pair+1
	ra, rb := replicaIdxByState[sa], replicaIdxByState[sb]
	logRatio := LogAcceptanceRatio(u[ra][sa], u[rb][sb], u[ra][sb], u[rb][sa])
	if math.IsNaN(logRatio) {
		return false, fmt.Errorf("%w: NaN exchange ratio between states %d and %d", fe.ErrInstability, sa, sb)
	}
	p := AcceptanceProbability(logRatio)
	if rng.Float64() >= p {
		return false, nil
	}
	replicaIdxByState[sa], replicaIdxByState[sb] = rb, ra
	return true, nil
}

// parallel runs fn for every index and collects results by index.
func (e *Engine) parallel(ctx context.Context, n int, fn func(context.Context, int) (fe.Replica, error)) ([]fe.Replica, error) {
	out := make([]fe.Replica, n)
	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.Parallelism > 0 {
		g.SetLimit(e.cfg.Parallelism)
	}
	for i := 0; i < n; i++ {
		g.Go(func() error {
			rep, err := fn(gctx, i)
			if err != nil {
				return err
			}
			out[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
