//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"alchemy/internal/model"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "alchemy.db")

	store, err := NewStore("sqlite", dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = CloseIfSupported(store)
	})

	run := model.RunRecord{
		VersionedRecord: Versioned(),
		ID:              "run-1",
		System:          "rotor-vacuum",
		NStates:         3,
		CreatedAtUTC:    "2024-05-01T12:00:00Z",
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}
	run.Converged = true
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("upsert run: %v", err)
	}
	loaded, ok, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !ok || !loaded.Converged || loaded.NStates != 3 {
		t.Fatalf("unexpected run loaded: %+v", loaded)
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected one run, got %d", len(runs))
	}

	schedules := []model.ScheduleRecord{
		{VersionedRecord: Versioned(), Iteration: 0, Lambdas: []float64{0, 1}, Overlaps: []float64{0.2}},
		{VersionedRecord: Versioned(), Iteration: 1, Lambdas: []float64{0, 0.5, 1}, Overlaps: []float64{0.7, 0.8}},
	}
	if err := store.SaveSchedules(ctx, "run-1", schedules); err != nil {
		t.Fatalf("save schedules: %v", err)
	}
	loadedSchedules, ok, err := store.GetSchedules(ctx, "run-1")
	if err != nil {
		t.Fatalf("get schedules: %v", err)
	}
	if !ok || len(loadedSchedules) != 2 || loadedSchedules[1].Lambdas[1] != 0.5 {
		t.Fatalf("unexpected schedules: %+v", loadedSchedules)
	}

	diagnostics := model.HREXDiagnosticsRecord{
		VersionedRecord:              Versioned(),
		Lambdas:                      []float64{0, 0.5, 1},
		ReplicaIdxByStateByIter:      [][]int{{0, 1, 2}, {0, 2, 1}},
		FractionAcceptedByPairByIter: [][]float64{{0, 0}, {0, 1}},
	}
	if err := store.SaveHREXDiagnostics(ctx, "run-1", diagnostics); err != nil {
		t.Fatalf("save diagnostics: %v", err)
	}
	loadedDiagnostics, ok, err := store.GetHREXDiagnostics(ctx, "run-1")
	if err != nil {
		t.Fatalf("get diagnostics: %v", err)
	}
	if !ok || loadedDiagnostics.ReplicaIdxByStateByIter[1][1] != 2 {
		t.Fatalf("unexpected diagnostics: %+v", loadedDiagnostics)
	}

	if _, ok, err := store.GetSchedules(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing schedules, ok=%v err=%v", ok, err)
	}
}

func TestSQLiteStoreRequiresInit(t *testing.T) {
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "alchemy.db"))
	if err := store.SaveRun(context.Background(), model.RunRecord{ID: "x"}); err == nil {
		t.Fatal("expected uninitialized store error")
	}
}
