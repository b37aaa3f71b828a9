package alchemy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestClient(t *testing.T, artifactsDir, exportsDir string) *Client {
	t.Helper()
	client, err := New(Options{
		StoreKind:    "memory",
		ArtifactsDir: artifactsDir,
		ExportsDir:   exportsDir,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func shortRun() RunRequest {
	eqSteps := 10
	return RunRequest{
		Phi0:             1.5,
		Seed:             42,
		NBisections:      1,
		NFrames:          4,
		NFramesBisection: 3,
		StepsPerFrame:    5,
		NEqSteps:         &eqSteps,
		Workers:          2,
	}
}

func TestClientRunRunsAndExport(t *testing.T) {
	base := t.TempDir()
	artifactsDir := filepath.Join(base, "runs")
	exportsDir := filepath.Join(base, "exports")
	client := newTestClient(t, artifactsDir, exportsDir)
	ctx := context.Background()

	summary, err := client.Run(ctx, shortRun())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.RunID == "" {
		t.Fatal("expected run id")
	}
	nStates := len(summary.Lambdas)
	if nStates < 2 || summary.Lambdas[0] != 0 || summary.Lambdas[nStates-1] != 1 {
		t.Fatalf("unexpected lambdas: %v", summary.Lambdas)
	}
	if summary.NIterations != 4 {
		t.Fatalf("expected 4 exchange iterations, got %d", summary.NIterations)
	}
	if len(summary.FinalAcceptance) != nStates-1 {
		t.Fatalf("expected %d pair fractions, got %d", nStates-1, len(summary.FinalAcceptance))
	}
	for _, file := range []string{"config.json", "schedules.json", "hrex_diagnostics.json", "occupancy.json", "hrex_data.npz", "torsion_by_state_hrex.csv"} {
		if _, err := os.Stat(filepath.Join(summary.ArtifactsDir, file)); err != nil {
			t.Fatalf("expected artifact %s: %v", file, err)
		}
	}

	runs, err := client.Runs(ctx, RunsRequest{Limit: 5})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != summary.RunID || runs[0].NStates != nStates {
		t.Fatalf("expected latest run %s in runs list: %+v", summary.RunID, runs)
	}

	diagnostics, err := client.Diagnostics(ctx, DiagnosticsRequest{Latest: true})
	if err != nil {
		t.Fatalf("diagnostics: %v", err)
	}
	if diagnostics.RunID != summary.RunID || diagnostics.NIterations != 4 {
		t.Fatalf("unexpected diagnostics: %+v", diagnostics)
	}
	if len(diagnostics.TransitionMatrix) != nStates || len(diagnostics.ReplicaStateCounts) != nStates {
		t.Fatalf("unexpected diagnostics views: %+v", diagnostics)
	}
	for s, row := range diagnostics.ReplicaStateCounts {
		total := 0
		for _, n := range row {
			total += n
		}
		if total != 4 {
			t.Fatalf("state %d occupied %d times, expected 4", s, total)
		}
	}

	schedules, err := client.Schedule(ctx, ScheduleRequest{RunID: summary.RunID})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(schedules) == 0 || len(schedules[len(schedules)-1].Lambdas) != nStates {
		t.Fatalf("unexpected schedules: %+v", schedules)
	}

	exported, err := client.Export(ctx, ExportRequest{Latest: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if exported.RunID != summary.RunID {
		t.Fatalf("unexpected exported run: %s", exported.RunID)
	}
	if _, err := os.Stat(filepath.Join(exportsDir, summary.RunID, "hrex_data.npz")); err != nil {
		t.Fatalf("expected exported archive: %v", err)
	}
}

func TestClientReadsArtifactsWithoutStoreRecords(t *testing.T) {
	base := t.TempDir()
	artifactsDir := filepath.Join(base, "runs")
	ctx := context.Background()

	first := newTestClient(t, artifactsDir, filepath.Join(base, "exports"))
	summary, err := first.Run(ctx, shortRun())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// A fresh memory store knows nothing about the run; artifacts still do.
	second := newTestClient(t, artifactsDir, filepath.Join(base, "exports"))
	diagnostics, err := second.Diagnostics(ctx, DiagnosticsRequest{RunID: summary.RunID})
	if err != nil {
		t.Fatalf("diagnostics from archive: %v", err)
	}
	if diagnostics.NIterations != summary.NIterations {
		t.Fatalf("expected %d iterations, got %d", summary.NIterations, diagnostics.NIterations)
	}
	schedules, err := second.Schedule(ctx, ScheduleRequest{Latest: true})
	if err != nil {
		t.Fatalf("schedule from artifacts: %v", err)
	}
	if len(schedules[len(schedules)-1].Lambdas) != len(summary.Lambdas) {
		t.Fatalf("unexpected schedules: %+v", schedules)
	}
}

func TestClientRequestValidation(t *testing.T) {
	base := t.TempDir()
	client := newTestClient(t, filepath.Join(base, "runs"), filepath.Join(base, "exports"))
	ctx := context.Background()

	if _, err := client.Export(ctx, ExportRequest{RunID: "x", Latest: true}); err == nil {
		t.Fatal("expected error for run id plus latest")
	}
	if _, err := client.Export(ctx, ExportRequest{}); err == nil {
		t.Fatal("expected error without run id or latest")
	}
	if _, err := client.Diagnostics(ctx, DiagnosticsRequest{Latest: true}); err == nil {
		t.Fatal("expected error when no runs exist")
	}
	if _, err := client.Diagnostics(ctx, DiagnosticsRequest{RunID: "missing"}); err == nil {
		t.Fatal("expected error for unknown run")
	}
	if _, err := client.Schedule(ctx, ScheduleRequest{RunID: "missing"}); err == nil {
		t.Fatal("expected error for unknown schedule")
	}
	runs, err := client.Runs(ctx, RunsRequest{})
	if err != nil || len(runs) != 0 {
		t.Fatalf("expected empty runs list, got %+v err=%v", runs, err)
	}
}

func TestNewRejectsUnknownStore(t *testing.T) {
	if _, err := New(Options{StoreKind: "cassandra"}); err == nil {
		t.Fatal("expected error for unknown store kind")
	}
}
