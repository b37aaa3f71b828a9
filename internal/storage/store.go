package storage

import (
	"context"

	"alchemy/internal/model"
)

// Store defines transaction-like persistence operations for protocol runs.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveSchedules(ctx context.Context, runID string, schedules []model.ScheduleRecord) error
	GetSchedules(ctx context.Context, runID string) ([]model.ScheduleRecord, bool, error)
	SaveHREXDiagnostics(ctx context.Context, runID string, diagnostics model.HREXDiagnosticsRecord) error
	GetHREXDiagnostics(ctx context.Context, runID string) (model.HREXDiagnosticsRecord, bool, error)
}
