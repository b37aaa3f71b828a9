package alchemy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"alchemy/internal/config"
	"alchemy/internal/hrex"
	"alchemy/internal/model"
	"alchemy/internal/platform"
	"alchemy/internal/stats"
	"alchemy/internal/storage"
	"alchemy/internal/telemetry"
)

const (
	defaultArtifactsDir = "runs"
	defaultExportsDir   = "exports"
	defaultDBPath       = "alchemy.db"
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
	// SupportModules are started with the client and stopped by Close.
	SupportModules []platform.SupportModule
}

type Client struct {
	store    storage.Store
	platform *platform.Platform
	opts     Options

	artifactsDir string
	exportsDir   string
}

// RunRequest mirrors the protocol configuration. Zero values select the
// defaults of the config package.
type RunRequest struct {
	RunID                string
	Solvent              bool
	Phi0                 float64
	Seed                 int64
	Temperature          float64
	MinOverlap           float64
	NBisections          int
	NFrames              int
	NFramesBisection     int
	StepsPerFrame        int
	NEqSteps             *int
	NFramesPerIter       int
	NSwapAttemptsPerIter int
	Workers              int
}

type RunSummary struct {
	RunID           string
	ArtifactsDir    string
	Lambdas         []float64
	Converged       bool
	MinOverlap      float64
	NIterations     int
	FinalAcceptance []float64
	OccupancyHREX   []stats.ObservableSummary
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID          string
	CreatedAtUTC   string
	System         string
	Solvent        bool
	Seed           int64
	NStates        int
	Converged      bool
	MinOverlap     float64
	MeanAcceptance float64
}

type DiagnosticsRequest struct {
	RunID  string
	Latest bool
}

// DiagnosticsSummary holds the derived views of a replica exchange run.
type DiagnosticsSummary struct {
	RunID              string
	Lambdas            []float64
	NIterations        int
	ReplicaStateCounts [][]int
	// TransitionMatrix rows are zero for states never occupied.
	TransitionMatrix [][]float64
	FinalAcceptance  []float64
	MeanAcceptance   float64
}

type ScheduleRequest struct {
	RunID  string
	Latest bool
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:        store,
		opts:         opts,
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}, nil
}

func (c *Client) Close() error {
	if c.platform != nil {
		c.platform.Stop()
	}
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	_, err := c.ensurePlatform(ctx)
	return err
}

func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	defaults := config.Default()
	if req.Seed == 0 {
		req.Seed = defaults.Seed
	}
	if req.Temperature == 0 {
		req.Temperature = defaults.Temperature
	}
	if req.MinOverlap == 0 {
		req.MinOverlap = defaults.MinOverlap
	}
	if req.NBisections == 0 {
		req.NBisections = defaults.NBisections
	}
	if req.NFrames == 0 {
		req.NFrames = defaults.NFrames
	}
	if req.NFramesBisection == 0 {
		req.NFramesBisection = defaults.NFramesBisection
	}
	if req.StepsPerFrame == 0 {
		req.StepsPerFrame = defaults.StepsPerFrame
	}
	defaults.Solvent = req.Solvent
	defaults.NEqSteps = req.NEqSteps
	nEqSteps := defaults.EqSteps()

	p, err := c.ensurePlatform(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	result, err := p.RunProtocol(ctx, platform.ProtocolConfig{
		RunID:                req.RunID,
		Solvent:              req.Solvent,
		Phi0:                 req.Phi0,
		Seed:                 req.Seed,
		Temperature:          req.Temperature,
		MinOverlap:           req.MinOverlap,
		NBisections:          req.NBisections,
		NFrames:              req.NFrames,
		NFramesBisection:     req.NFramesBisection,
		StepsPerFrame:        req.StepsPerFrame,
		NEqSteps:             nEqSteps,
		NFramesPerIter:       req.NFramesPerIter,
		NSwapAttemptsPerIter: req.NSwapAttemptsPerIter,
		Workers:              req.Workers,
	})
	if err != nil {
		return RunSummary{}, err
	}

	record := result.Record
	diagnostics := result.HREX.Diagnostics
	finalAcceptance := diagnostics.FinalAcceptanceFractions()
	minOverlap, _ := result.Bisection.Final().MinOverlap()
	diagnosticsRecord := result.DiagnosticsRecord()

	runDir, err := stats.WriteRunArtifacts(c.artifactsDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:            record.ID,
			System:           record.System,
			Solvent:          record.Solvent,
			Seed:             record.Seed,
			Temperature:      record.Temperature,
			MinOverlap:       record.MinOverlap,
			NBisections:      record.NBisections,
			NFrames:          record.NFrames,
			NFramesBisection: record.NFramesBisect,
			StepsPerFrame:    record.StepsPerFrame,
			NEqSteps:         record.NEqSteps,
			NFramesPerIter:   req.NFramesPerIter,
			NSwapAttempts:    req.NSwapAttemptsPerIter,
			Workers:          req.Workers,
		},
		Schedules:          result.Schedules(),
		Diagnostics:        diagnosticsRecord,
		Occupancy:          result.Occupancy,
		OccupancyHREX:      result.OccupancyHREX,
		TransitionMatrix:   denseRows(diagnostics),
		FinalAcceptance:    finalAcceptance,
		Converged:          record.Converged,
		TorsionByStateHREX: result.PhiTrajByStateHREX,
		Archive: &stats.Archive{
			Lambdas:                      result.Lambdas,
			PhiTrajByState:               result.PhiTrajByState,
			PhiTrajByStateHREX:           result.PhiTrajByStateHREX,
			ReplicaIdxByStateByIter:      diagnosticsRecord.ReplicaIdxByStateByIter,
			FractionAcceptedByPairByIter: diagnosticsRecord.FractionAcceptedByPairByIter,
		},
	})
	if err != nil {
		return RunSummary{}, err
	}

	if err := stats.AppendRunIndex(c.artifactsDir, stats.RunIndexEntry{
		RunID:          record.ID,
		System:         record.System,
		Solvent:        record.Solvent,
		NStates:        record.NStates,
		Converged:      record.Converged,
		MinOverlap:     minOverlap,
		MeanAcceptance: stats.MeanAcceptance(finalAcceptance),
		Seed:           record.Seed,
		CreatedAtUTC:   record.CreatedAtUTC,
	}); err != nil {
		return RunSummary{}, err
	}

	return RunSummary{
		RunID:           record.ID,
		ArtifactsDir:    filepath.Clean(runDir),
		Lambdas:         append([]float64(nil), result.Lambdas...),
		Converged:       record.Converged,
		MinOverlap:      minOverlap,
		NIterations:     diagnostics.NumIterations(),
		FinalAcceptance: finalAcceptance,
		OccupancyHREX:   result.OccupancyHREX,
	}, nil
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:          e.RunID,
			CreatedAtUTC:   e.CreatedAtUTC,
			System:         e.System,
			Solvent:        e.Solvent,
			Seed:           e.Seed,
			NStates:        e.NStates,
			Converged:      e.Converged,
			MinOverlap:     e.MinOverlap,
			MeanAcceptance: e.MeanAcceptance,
		})
	}
	return out, nil
}

// Diagnostics reads the exchange diagnostics from the store, falling back to
// the run's npz archive when the store does not hold the run.
func (c *Client) Diagnostics(ctx context.Context, req DiagnosticsRequest) (DiagnosticsSummary, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest, "diagnostics")
	if err != nil {
		return DiagnosticsSummary{}, err
	}
	if _, err := c.ensurePlatform(ctx); err != nil {
		return DiagnosticsSummary{}, err
	}

	var (
		diagnostics hrex.Diagnostics
		lambdas     []float64
	)
	record, ok, err := c.store.GetHREXDiagnostics(ctx, runID)
	if err != nil {
		return DiagnosticsSummary{}, err
	}
	if ok {
		lambdas = record.Lambdas
		diagnostics, err = hrex.NewDiagnostics(record.ReplicaIdxByStateByIter, record.FractionAcceptedByPairByIter)
	} else {
		archive, readErr := stats.ReadArchive(stats.ArchivePath(c.artifactsDir, runID))
		if readErr != nil {
			return DiagnosticsSummary{}, fmt.Errorf("diagnostics not found for run id %s: %w", runID, readErr)
		}
		lambdas = archive.Lambdas
		diagnostics, err = archive.Diagnostics()
	}
	if err != nil {
		return DiagnosticsSummary{}, err
	}

	finalAcceptance := diagnostics.FinalAcceptanceFractions()
	return DiagnosticsSummary{
		RunID:              runID,
		Lambdas:            append([]float64(nil), lambdas...),
		NIterations:        diagnostics.NumIterations(),
		ReplicaStateCounts: diagnostics.ReplicaStateCounts(),
		TransitionMatrix:   denseRows(diagnostics),
		FinalAcceptance:    finalAcceptance,
		MeanAcceptance:     stats.MeanAcceptance(finalAcceptance),
	}, nil
}

// Schedule returns every bisection schedule of a run, most recent last.
func (c *Client) Schedule(ctx context.Context, req ScheduleRequest) ([]model.ScheduleRecord, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest, "schedule")
	if err != nil {
		return nil, err
	}
	if _, err := c.ensurePlatform(ctx); err != nil {
		return nil, err
	}

	schedules, ok, err := c.store.GetSchedules(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		schedules, ok, err = stats.ReadSchedules(c.artifactsDir, runID)
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("schedules not found for run id: %s", runID)
	}
	return schedules, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest, "export")
	if err != nil {
		return ExportSummary{}, err
	}

	exportedDir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) resolveRunID(runID string, latest bool, what string) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if !latest {
		if runID == "" {
			return "", fmt.Errorf("%s requires run id or latest", what)
		}
		return runID, nil
	}
	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

func (c *Client) ensurePlatform(ctx context.Context) (*platform.Platform, error) {
	if c.platform != nil {
		return c.platform, nil
	}
	p := platform.NewPlatform(platform.Config{
		Store:          c.store,
		SupportModules: c.opts.SupportModules,
		Logger:         c.opts.Logger,
		Metrics:        c.opts.Metrics,
	})
	if err := p.Init(ctx); err != nil {
		return nil, err
	}
	c.platform = p
	return c.platform, nil
}

func denseRows(d hrex.Diagnostics) [][]float64 {
	m := d.TransitionMatrix()
	if m == nil {
		return [][]float64{}
	}
	r, _ := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = append([]float64(nil), m.RawRowView(i)...)
	}
	return out
}
