package fe

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"
)

// Schedule is one snapshot of the lambda schedule. Overlaps[i] is the
// overlap between States[i] and States[i+1].
type Schedule struct {
	States   []InitialState
	Overlaps []float64
}

func (s Schedule) Lambdas() []float64 { return Lambdas(s.States) }

// MinOverlap returns the smallest adjacent overlap and the index of the
// first pair attaining it.
func (s Schedule) MinOverlap() (float64, int) {
	if len(s.Overlaps) == 0 {
		return 0, -1
	}
	worst := 0
	for i, o := range s.Overlaps {
		if o < s.Overlaps[worst] {
			worst = i
		}
	}
	return s.Overlaps[worst], worst
}

// BisectionObserver is notified once per bisection iteration and once per
// sampled window. ObserveWindow may be called concurrently.
type BisectionObserver interface {
	ObserveSchedule(iteration int, schedule Schedule)
	ObserveWindow(lamb float64, frames int)
}

type BisectionConfig struct {
	Endpoints        []float64
	MakeInitialState StateFactory
	MDParams         MDParams
	NBisections      int
	MinOverlap       float64
	Temperature      float64
	Sampler          Sampler
	// Estimator defaults to BAROverlap.
	Estimator OverlapEstimator
	// Parallelism bounds concurrent sampling of the initial windows.
	// Zero means one goroutine per window.
	Parallelism int
	Logger      *slog.Logger
	Observer    BisectionObserver
}

// BisectionResult holds every schedule visited, most recent last, and the
// trajectories of the states of the final schedule.
type BisectionResult struct {
	Schedules    []Schedule
	Trajectories []Trajectory
	Converged    bool
}

// Final returns the most recent schedule.
func (r BisectionResult) Final() Schedule {
	if len(r.Schedules) == 0 {
		return Schedule{}
	}
	return r.Schedules[len(r.Schedules)-1]
}

// Bisection refines a lambda schedule by repeatedly splitting the adjacent
// pair with the lowest overlap.
type Bisection struct {
	cfg    BisectionConfig
	logger *slog.Logger
}

func NewBisection(cfg BisectionConfig) (*Bisection, error) {
	if err := validateEndpoints(cfg.Endpoints); err != nil {
		return nil, err
	}
	if cfg.MakeInitialState == nil {
		return nil, fmt.Errorf("%w: state factory is required", ErrConfiguration)
	}
	if cfg.Sampler == nil {
		return nil, fmt.Errorf("%w: sampler is required", ErrConfiguration)
	}
	if cfg.NBisections < 0 {
		return nil, fmt.Errorf("%w: n_bisections must be >= 0, got %d", ErrConfiguration, cfg.NBisections)
	}
	if cfg.MinOverlap < 0 || cfg.MinOverlap > 1 {
		return nil, fmt.Errorf("%w: min_overlap must be in [0, 1], got %g", ErrConfiguration, cfg.MinOverlap)
	}
	if cfg.Temperature <= 0 {
		return nil, fmt.Errorf("%w: temperature must be positive, got %g", ErrConfiguration, cfg.Temperature)
	}
	if err := cfg.MDParams.Validate(); err != nil {
		return nil, err
	}
	if cfg.Estimator == nil {
		cfg.Estimator = BAROverlap{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg.Endpoints = slices.Clone(cfg.Endpoints)
	return &Bisection{cfg: cfg, logger: logger}, nil
}

// RunSimsBisection builds and runs a Bisection in one call.
func RunSimsBisection(ctx context.Context, cfg BisectionConfig) (BisectionResult, error) {
	b, err := NewBisection(cfg)
	if err != nil {
		return BisectionResult{}, err
	}
	return b.Run(ctx)
}

func validateEndpoints(lambdas []float64) error {
	if len(lambdas) < 2 {
		return fmt.Errorf("%w: need at least 2 lambda windows, got %d", ErrConfiguration, len(lambdas))
	}
	if lambdas[0] != 0 || lambdas[len(lambdas)-1] != 1 {
		return fmt.Errorf("%w: schedule must start at 0 and end at 1, got %v", ErrConfiguration, lambdas)
	}
	for i := 1; i < len(lambdas); i++ {
		if !(lambdas[i] > lambdas[i-1]) {
			return fmt.Errorf("%w: lambdas must be strictly increasing, got %v", ErrConfiguration, lambdas)
		}
	}
	return nil
}

type window struct {
	state InitialState
	traj  Trajectory
}

func (b *Bisection) Run(ctx context.Context) (BisectionResult, error) {
	windows, err := b.sampleInitial(ctx)
	if err != nil {
		return BisectionResult{}, err
	}

	cache := map[[2]float64]float64{}
	var result BisectionResult
	insertions := 0
	for {
		if err := ctx.Err(); err != nil {
			return BisectionResult{}, err
		}
		overlaps := make([]float64, len(windows)-1)
		for i := range overlaps {
			key := [2]float64{windows[i].state.Lamb, windows[i+1].state.Lamb}
			o, ok := cache[key]
			if !ok {
				o, err = b.cfg.Estimator.Overlap(ctx, windows[i].state, windows[i].traj, windows[i+1].state, windows[i+1].traj, b.cfg.Temperature)
				if err != nil {
					return BisectionResult{}, fmt.Errorf("overlap between lambda %g and %g: %w", key[0], key[1], err)
				}
				cache[key] = o
			}
			overlaps[i] = o
		}

		states := make([]InitialState, len(windows))
		for i, w := range windows {
			states[i] = w.state
		}
		schedule := Schedule{States: states, Overlaps: overlaps}
		result.Schedules = append(result.Schedules, schedule)
		minOverlap, worst := schedule.MinOverlap()
		b.logger.Info("bisection iteration",
			"iteration", len(result.Schedules)-1,
			"n_states", len(states),
			"min_overlap", minOverlap,
			"worst_pair", worst,
		)
		if b.cfg.Observer != nil {
			b.cfg.Observer.ObserveSchedule(len(result.Schedules)-1, schedule)
		}

		if minOverlap >= b.cfg.MinOverlap {
			result.Converged = true
			break
		}
		if insertions >= b.cfg.NBisections {
			b.logger.Warn("bisection budget exhausted", "n_bisections", b.cfg.NBisections, "min_overlap", minOverlap, "target", b.cfg.MinOverlap)
			break
		}

		lo, hi := windows[worst].state.Lamb, windows[worst+1].state.Lamb
		mid := 0.5 * (lo + hi)
		if !(mid > lo && mid < hi) {
			b.logger.Warn("lambda spacing exhausted", "lo", lo, "hi", hi)
			break
		}
		w, err := b.sample(ctx, mid)
		if err != nil {
			return BisectionResult{}, err
		}
		windows = slices.Insert(windows, worst+1, w)
		insertions++
	}

	result.Trajectories = make([]Trajectory, len(windows))
	for i, w := range windows {
		result.Trajectories[i] = w.traj
	}
	return result, nil
}

func (b *Bisection) sampleInitial(ctx context.Context) ([]window, error) {
	windows := make([]window, len(b.cfg.Endpoints))
	g, gctx := errgroup.WithContext(ctx)
	if b.cfg.Parallelism > 0 {
		g.SetLimit(b.cfg.Parallelism)
	}
	for i, lamb := range b.cfg.Endpoints {
		g.Go(func() error {
			w, err := b.sample(gctx, lamb)
			if err != nil {
				return err
			}
			windows[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return windows, nil
}

func (b *Bisection) sample(ctx context.Context, lamb float64) (window, error) {
	state, err := b.cfg.MakeInitialState(lamb)
	if err != nil {
		return window{}, fmt.Errorf("make initial state at lambda %g: %w", lamb, err)
	}
	traj, err := b.cfg.Sampler.Sample(ctx, state, b.cfg.MDParams)
	if err != nil {
		return window{}, fmt.Errorf("sample lambda %g: %w", lamb, err)
	}
	if err := traj.Validate(b.cfg.MDParams.NFrames); err != nil {
		return window{}, fmt.Errorf("sample lambda %g: %w", lamb, err)
	}
	b.logger.Debug("window sampled", "lambda", lamb, "frames", traj.Len())
	if b.cfg.Observer != nil {
		b.cfg.Observer.ObserveWindow(lamb, traj.Len())
	}
	return window{state: state, traj: traj}, nil
}
