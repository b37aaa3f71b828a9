package storage

import (
	"context"
	"testing"

	"alchemy/internal/model"
)

func TestMemoryStoreRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	for _, run := range []model.RunRecord{
		{VersionedRecord: Versioned(), ID: "b", CreatedAtUTC: "2024-01-02T00:00:00Z"},
		{VersionedRecord: Versioned(), ID: "a", CreatedAtUTC: "2024-01-02T00:00:00Z"},
		{VersionedRecord: Versioned(), ID: "c", CreatedAtUTC: "2024-01-01T00:00:00Z"},
	} {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run: %v", err)
		}
	}

	run, ok, err := store.GetRun(ctx, "a")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !ok || run.ID != "a" {
		t.Fatalf("unexpected run: %+v ok=%v", run, ok)
	}
	if _, ok, _ := store.GetRun(ctx, "missing"); ok {
		t.Fatal("expected missing run")
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	if len(ids) != 3 || ids[0] != "c" || ids[1] != "a" || ids[2] != "b" {
		t.Fatalf("unexpected run order: %v", ids)
	}
}

func TestMemoryStoreSchedulesAreCopied(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	input := []model.ScheduleRecord{{
		VersionedRecord: Versioned(),
		Iteration:       0,
		Lambdas:         []float64{0, 1},
		Overlaps:        []float64{0.3},
	}}
	if err := store.SaveSchedules(ctx, "run-1", input); err != nil {
		t.Fatalf("save schedules: %v", err)
	}
	input[0].Lambdas[1] = 42

	output, ok, err := store.GetSchedules(ctx, "run-1")
	if err != nil {
		t.Fatalf("get schedules: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted schedules")
	}
	if output[0].Lambdas[1] != 1 {
		t.Fatalf("store aliased caller slice: %+v", output[0].Lambdas)
	}
}

func TestMemoryStoreHREXDiagnosticsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	input := model.HREXDiagnosticsRecord{
		VersionedRecord:              Versioned(),
		Lambdas:                      []float64{0, 1},
		ReplicaIdxByStateByIter:      [][]int{{0, 1}, {1, 0}},
		FractionAcceptedByPairByIter: [][]float64{{1}, {0.5}},
	}
	if err := store.SaveHREXDiagnostics(ctx, "run-1", input); err != nil {
		t.Fatalf("save diagnostics: %v", err)
	}
	output, ok, err := store.GetHREXDiagnostics(ctx, "run-1")
	if err != nil {
		t.Fatalf("get diagnostics: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted diagnostics")
	}
	if len(output.ReplicaIdxByStateByIter) != 2 || output.ReplicaIdxByStateByIter[1][0] != 1 {
		t.Fatalf("unexpected diagnostics: %+v", output)
	}
	output.ReplicaIdxByStateByIter[1][0] = 7
	again, _, _ := store.GetHREXDiagnostics(ctx, "run-1")
	if again.ReplicaIdxByStateByIter[1][0] != 1 {
		t.Fatal("store returned aliased diagnostics")
	}
}
