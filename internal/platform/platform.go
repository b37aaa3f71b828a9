package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"alchemy/internal/fe"
	"alchemy/internal/hrex"
	"alchemy/internal/md"
	"alchemy/internal/model"
	"alchemy/internal/stats"
	"alchemy/internal/storage"
	"alchemy/internal/telemetry"
	"alchemy/internal/testsystem"
)

type Config struct {
	Store          storage.Store
	SupportModules []SupportModule
	Logger         *slog.Logger
	// Metrics, when set, observes bisection and exchange progress.
	Metrics *telemetry.Metrics
}

// SupportModule is a long-lived companion started with the platform, such
// as a metrics endpoint.
type SupportModule interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ProtocolConfig describes one bisection plus replica exchange run.
type ProtocolConfig struct {
	RunID   string
	Solvent bool
	// Phi0 is the starting torsion angle in radians.
	Phi0        float64
	Seed        int64
	Temperature float64

	MinOverlap           float64
	NBisections          int
	NFrames              int
	NFramesBisection     int
	StepsPerFrame        int
	NEqSteps             int
	NFramesPerIter       int
	NSwapAttemptsPerIter int
	// Workers bounds concurrent window and replica simulations. Zero means
	// one goroutine each.
	Workers int
}

type ProtocolResult struct {
	Record    model.RunRecord
	Bisection fe.BisectionResult
	HREX      hrex.Result
	Lambdas   []float64
	// PhiTrajByState is the torsion series of the final bisection windows;
	// PhiTrajByStateHREX is the series observed by each state slot during
	// replica exchange.
	PhiTrajByState     [][]float64
	PhiTrajByStateHREX [][]float64
	Occupancy          []stats.ObservableSummary
	OccupancyHREX      []stats.ObservableSummary
}

// Schedules converts the bisection history into persisted records.
func (r ProtocolResult) Schedules() []model.ScheduleRecord {
	out := make([]model.ScheduleRecord, 0, len(r.Bisection.Schedules))
	for i, s := range r.Bisection.Schedules {
		out = append(out, model.ScheduleRecord{
			VersionedRecord: storage.Versioned(),
			Iteration:       i,
			Lambdas:         s.Lambdas(),
			Overlaps:        append([]float64(nil), s.Overlaps...),
		})
	}
	return out
}

func (r ProtocolResult) DiagnosticsRecord() model.HREXDiagnosticsRecord {
	return model.HREXDiagnosticsRecord{
		VersionedRecord:              storage.Versioned(),
		Lambdas:                      append([]float64(nil), r.Lambdas...),
		ReplicaIdxByStateByIter:      r.HREX.Diagnostics.ReplicaIdxByStateByIter,
		FractionAcceptedByPairByIter: r.HREX.Diagnostics.FractionAcceptedByPairByIter,
	}
}

// Platform owns the store and support modules and runs protocols against
// them.
type Platform struct {
	store   storage.Store
	logger  *slog.Logger
	sampler *md.Sampler

	mu             sync.RWMutex
	supportModules map[string]SupportModule
	started        bool

	config Config
}

func NewPlatform(cfg Config) *Platform {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Platform{
		store:          cfg.Store,
		logger:         logger,
		sampler:        md.NewSampler(md.WithLogger(logger)),
		supportModules: make(map[string]SupportModule),
		config:         cfg,
	}
}

// Init initializes the store and starts support modules in order. On
// failure, modules already started are stopped in reverse order.
func (p *Platform) Init(ctx context.Context) error {
	if p.store == nil {
		return fmt.Errorf("store is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if err := p.store.Init(ctx); err != nil {
		return err
	}

	startedModules := make([]SupportModule, 0, len(p.config.SupportModules))
	fail := func(err error) error {
		stopSupportModules(ctx, startedModules)
		p.supportModules = make(map[string]SupportModule)
		return err
	}
	for i, module := range p.config.SupportModules {
		if module == nil {
			return fail(fmt.Errorf("support module is nil at index %d", i))
		}
		name := module.Name()
		if name == "" {
			return fail(fmt.Errorf("support module name is required at index %d", i))
		}
		if _, exists := p.supportModules[name]; exists {
			return fail(fmt.Errorf("duplicate support module: %s", name))
		}
		if err := module.Start(ctx); err != nil {
			return fail(fmt.Errorf("start support module %s: %w", name, err))
		}
		p.supportModules[name] = module
		startedModules = append(startedModules, module)
	}

	p.started = true
	return nil
}

func (p *Platform) Started() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

// Stop stops every support module. The store stays open.
func (p *Platform) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, module := range p.supportModules {
		_ = module.Stop(context.Background())
	}
	p.supportModules = make(map[string]SupportModule)
	p.started = false
}

func (p *Platform) Store() storage.Store { return p.store }

// RunProtocol builds the lambda schedule by bisection, seeds replica exchange
// from the final bisection trajectories, summarizes the torsion observable
// and persists the run.
func (p *Platform) RunProtocol(ctx context.Context, cfg ProtocolConfig) (ProtocolResult, error) {
	if !p.Started() {
		return ProtocolResult{}, fmt.Errorf("platform is not initialized")
	}
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	createdAt := time.Now().UTC()
	logger := p.logger.With("run_id", runID)

	system, err := testsystem.NewRotor(testsystem.RotorOptions{Solvent: cfg.Solvent, Phi0: cfg.Phi0})
	if err != nil {
		return ProtocolResult{}, err
	}
	params := fe.MDParams{
		NFrames:       cfg.NFrames,
		NEqSteps:      cfg.NEqSteps,
		StepsPerFrame: cfg.StepsPerFrame,
		Seed:          cfg.Seed,
		HREX: &fe.HREXParams{
			NFramesBisection:     cfg.NFramesBisection,
			NFramesPerIter:       cfg.NFramesPerIter,
			NSwapAttemptsPerIter: cfg.NSwapAttemptsPerIter,
		},
	}
	if err := params.Validate(); err != nil {
		return ProtocolResult{}, err
	}
	logger.Info("protocol started", "system", system.Name, "potentials", system.Potentials.Kind(), "n_atoms", system.Potentials.NumAtoms())

	bisectionCfg := fe.BisectionConfig{
		Endpoints:        []float64{0, 1},
		MakeInitialState: system.StateFactory(cfg.Temperature, cfg.Seed),
		MDParams:         params.WithNFrames(cfg.NFramesBisection),
		NBisections:      cfg.NBisections,
		MinOverlap:       cfg.MinOverlap,
		Temperature:      cfg.Temperature,
		Sampler:          p.sampler,
		Estimator:        fe.BAROverlap{},
		Parallelism:      cfg.Workers,
		Logger:           logger,
	}
	hrexOpts := []hrex.Option{hrex.WithLogger(logger), hrex.WithParallelism(cfg.Workers)}
	if p.config.Metrics != nil {
		bisectionCfg.Observer = p.config.Metrics
		hrexOpts = append(hrexOpts, hrex.WithObserver(p.config.Metrics))
	}

	bisection, err := fe.RunSimsBisection(ctx, bisectionCfg)
	if err != nil {
		return ProtocolResult{}, fmt.Errorf("bisection: %w", err)
	}
	final := bisection.Final()
	minOverlap, _ := final.MinOverlap()
	logger.Info("schedule built", "n_states", len(final.States), "min_overlap", minOverlap, "converged", bisection.Converged)

	seeded := make([]fe.InitialState, len(final.States))
	for i, state := range final.States {
		if seeded[i], err = bisection.Trajectories[i].Continue(state); err != nil {
			return ProtocolResult{}, fmt.Errorf("seed replica exchange: %w", err)
		}
	}
	// The bisection windows are already equilibrated.
	exchange, err := hrex.RunSimsHREX(ctx, seeded, params.WithNEqSteps(0), p.sampler, hrexOpts...)
	if err != nil {
		return ProtocolResult{}, fmt.Errorf("replica exchange: %w", err)
	}

	result := ProtocolResult{
		Bisection: bisection,
		HREX:      exchange,
		Lambdas:   final.Lambdas(),
	}
	if result.PhiTrajByState, err = torsions(final.States, bisection.Trajectories); err != nil {
		return ProtocolResult{}, err
	}
	if result.PhiTrajByStateHREX, err = torsions(seeded, exchange.Trajectories); err != nil {
		return ProtocolResult{}, err
	}
	if result.Occupancy, err = stats.SummarizeStates(result.Lambdas, result.PhiTrajByState); err != nil {
		return ProtocolResult{}, err
	}
	if result.OccupancyHREX, err = stats.SummarizeStates(result.Lambdas, result.PhiTrajByStateHREX); err != nil {
		return ProtocolResult{}, err
	}

	result.Record = model.RunRecord{
		VersionedRecord: storage.Versioned(),
		ID:              runID,
		System:          system.Name,
		Solvent:         cfg.Solvent,
		Seed:            cfg.Seed,
		Temperature:     cfg.Temperature,
		MinOverlap:      cfg.MinOverlap,
		NBisections:     cfg.NBisections,
		NFrames:         cfg.NFrames,
		NFramesBisect:   cfg.NFramesBisection,
		StepsPerFrame:   cfg.StepsPerFrame,
		NEqSteps:        cfg.NEqSteps,
		NStates:         len(final.States),
		Converged:       bisection.Converged,
		CreatedAtUTC:    createdAt.Format(time.RFC3339Nano),
	}
	if err := p.persist(ctx, result); err != nil {
		return ProtocolResult{}, err
	}

	logger.Info("protocol finished",
		"n_states", len(final.States),
		"iterations", exchange.Diagnostics.NumIterations(),
		"mean_acceptance", stats.MeanAcceptance(exchange.Diagnostics.FinalAcceptanceFractions()),
		"elapsed", time.Since(createdAt))
	return result, nil
}

func (p *Platform) persist(ctx context.Context, result ProtocolResult) error {
	runID := result.Record.ID
	if err := p.store.SaveRun(ctx, result.Record); err != nil {
		return fmt.Errorf("save run %s: %w", runID, err)
	}
	if err := p.store.SaveSchedules(ctx, runID, result.Schedules()); err != nil {
		return fmt.Errorf("save schedules %s: %w", runID, err)
	}
	if err := p.store.SaveHREXDiagnostics(ctx, runID, result.DiagnosticsRecord()); err != nil {
		return fmt.Errorf("save diagnostics %s: %w", runID, err)
	}
	return nil
}

// torsions images each trajectory around the ligand and measures the
// rotor torsion of every frame.
func torsions(states []fe.InitialState, trajs []fe.Trajectory) ([][]float64, error) {
	out := make([][]float64, len(trajs))
	for s, traj := range trajs {
		frames, err := fe.ImageFrames(states[s], traj.Frames, traj.Boxes)
		if err != nil {
			return nil, fmt.Errorf("image state %d: %w", s, err)
		}
		out[s] = testsystem.TorsionTrajectory(frames)
	}
	return out, nil
}

func stopSupportModules(ctx context.Context, modules []SupportModule) {
	for i := len(modules) - 1; i >= 0; i-- {
		_ = modules[i].Stop(ctx)
	}
}
