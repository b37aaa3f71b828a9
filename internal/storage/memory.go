package storage

import (
	"context"
	"sync"

	"alchemy/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	schedules   map[string][]model.ScheduleRecord
	diagnostics map[string]model.HREXDiagnosticsRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.schedules = make(map[string][]model.ScheduleRecord)
	s.diagnostics = make(map[string]model.HREXDiagnosticsRecord)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sortRuns(runs)
	return runs, nil
}

func (s *MemoryStore) SaveSchedules(_ context.Context, runID string, schedules []model.ScheduleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.schedules[runID] = copySchedules(schedules)
	return nil
}

func (s *MemoryStore) GetSchedules(_ context.Context, runID string) ([]model.ScheduleRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedules, ok := s.schedules[runID]
	if !ok {
		return nil, false, nil
	}
	return copySchedules(schedules), true, nil
}

func (s *MemoryStore) SaveHREXDiagnostics(_ context.Context, runID string, diagnostics model.HREXDiagnosticsRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.diagnostics[runID] = copyDiagnostics(diagnostics)
	return nil
}

func (s *MemoryStore) GetHREXDiagnostics(_ context.Context, runID string) (model.HREXDiagnosticsRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	diagnostics, ok := s.diagnostics[runID]
	if !ok {
		return model.HREXDiagnosticsRecord{}, false, nil
	}
	return copyDiagnostics(diagnostics), true, nil
}

func copySchedules(in []model.ScheduleRecord) []model.ScheduleRecord {
	copied := make([]model.ScheduleRecord, 0, len(in))
	for _, schedule := range in {
		copied = append(copied, model.ScheduleRecord{
			VersionedRecord: schedule.VersionedRecord,
			Iteration:       schedule.Iteration,
			Lambdas:         append([]float64(nil), schedule.Lambdas...),
			Overlaps:        append([]float64(nil), schedule.Overlaps...),
		})
	}
	return copied
}

func copyDiagnostics(in model.HREXDiagnosticsRecord) model.HREXDiagnosticsRecord {
	out := model.HREXDiagnosticsRecord{
		VersionedRecord:              in.VersionedRecord,
		Lambdas:                      append([]float64(nil), in.Lambdas...),
		ReplicaIdxByStateByIter:      make([][]int, 0, len(in.ReplicaIdxByStateByIter)),
		FractionAcceptedByPairByIter: make([][]float64, 0, len(in.FractionAcceptedByPairByIter)),
	}
	for _, perm := range in.ReplicaIdxByStateByIter {
		out.ReplicaIdxByStateByIter = append(out.ReplicaIdxByStateByIter, append([]int(nil), perm...))
	}
	for _, fractions := range in.FractionAcceptedByPairByIter {
		out.FractionAcceptedByPairByIter = append(out.FractionAcceptedByPairByIter, append([]float64(nil), fractions...))
	}
	return out
}
