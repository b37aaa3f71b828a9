package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"alchemy/internal/config"
	"alchemy/pkg/alchemy"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		runID   string
		jsonOut bool
		proto   config.Config
		nEq     int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Bisect a lambda schedule for the rotor and sample it with replica exchange",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			applyProtocolFlags(cmd, &cfg, proto, nEq)
			if err := cfg.Validate(); err != nil {
				return err
			}

			client, err := g.newClient(cmd, cfg, true)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			started := time.Now()
			nEqSteps := cfg.EqSteps()
			summary, err := client.Run(cmd.Context(), alchemy.RunRequest{
				RunID:                runID,
				Solvent:              cfg.Solvent,
				Phi0:                 cfg.Phi0,
				Seed:                 cfg.Seed,
				Temperature:          cfg.Temperature,
				MinOverlap:           cfg.MinOverlap,
				NBisections:          cfg.NBisections,
				NFrames:              cfg.NFrames,
				NFramesBisection:     cfg.NFramesBisection,
				StepsPerFrame:        cfg.StepsPerFrame,
				NEqSteps:             &nEqSteps,
				NFramesPerIter:       cfg.NFramesPerIter,
				NSwapAttemptsPerIter: cfg.NSwapAttemptsPerIter,
				Workers:              cfg.Workers,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, summary)
			}
			if interactive(out) {
				fmt.Fprintf(out, "run %s finished in %s\n", summary.RunID, humanize.RelTime(started, time.Now(), "", ""))
				fmt.Fprintf(out, "  states       %d (converged: %t, min overlap %.3f)\n", len(summary.Lambdas), summary.Converged, summary.MinOverlap)
				fmt.Fprintf(out, "  iterations   %s\n", humanize.Comma(int64(summary.NIterations)))
				fmt.Fprintf(out, "  frames       %s per state\n", humanize.Comma(int64(cfg.NFrames)))
				fmt.Fprintf(out, "  acceptance   %s\n", formatFloats(summary.FinalAcceptance, 3))
				fmt.Fprintf(out, "  artifacts    %s\n", summary.ArtifactsDir)
				return nil
			}
			fmt.Fprintf(out, "run_id=%s n_states=%d converged=%t min_overlap=%.6f iterations=%d lambdas=%s acceptance=%s artifacts=%s\n",
				summary.RunID,
				len(summary.Lambdas),
				summary.Converged,
				summary.MinOverlap,
				summary.NIterations,
				formatFloats(summary.Lambdas, 6),
				formatFloats(summary.FinalAcceptance, 6),
				summary.ArtifactsDir,
			)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&runID, "run-id", "", "run id (generated when empty)")
	f.BoolVar(&jsonOut, "json", false, "emit the run summary as JSON")
	f.BoolVar(&proto.Solvent, "solvent", false, "solvate the rotor in a water box")
	f.Float64Var(&proto.Phi0, "phi0", 0, "starting torsion angle in radians")
	f.Int64Var(&proto.Seed, "seed", config.DefaultSeed, "random seed")
	f.Float64Var(&proto.Temperature, "temperature", config.DefaultTemperature, "temperature in kelvin")
	f.Float64Var(&proto.MinOverlap, "min-overlap", config.DefaultMinOverlap, "stop bisecting once every neighbor overlap reaches this")
	f.IntVar(&proto.NBisections, "n-bisections", config.DefaultNBisections, "maximum bisection steps")
	f.IntVar(&proto.NFrames, "n-frames", config.DefaultNFrames, "frames per state during replica exchange")
	f.IntVar(&proto.NFramesBisection, "n-frames-bisection", config.DefaultNFramesBisection, "frames per window during bisection")
	f.IntVar(&proto.StepsPerFrame, "steps-per-frame", config.DefaultStepsPerFrame, "integrator steps between stored frames")
	f.IntVar(&nEq, "n-eq-steps", config.DefaultNEqStepsVacuum, "equilibration steps per bisection window")
	f.IntVar(&proto.NFramesPerIter, "n-frames-per-iter", 1, "frames sampled between exchange rounds")
	f.IntVar(&proto.NSwapAttemptsPerIter, "n-swap-attempts", 0, "swap attempts per exchange round (0 selects the default)")
	f.IntVar(&proto.Workers, "workers", 0, "concurrent simulations (0 runs one goroutine per window)")
	return cmd
}

// applyProtocolFlags copies every explicitly set protocol flag over cfg.
func applyProtocolFlags(cmd *cobra.Command, cfg *config.Config, proto config.Config, nEq int) {
	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("solvent", func() { cfg.Solvent = proto.Solvent })
	set("phi0", func() { cfg.Phi0 = proto.Phi0 })
	set("seed", func() { cfg.Seed = proto.Seed })
	set("temperature", func() { cfg.Temperature = proto.Temperature })
	set("min-overlap", func() { cfg.MinOverlap = proto.MinOverlap })
	set("n-bisections", func() { cfg.NBisections = proto.NBisections })
	set("n-frames", func() { cfg.NFrames = proto.NFrames })
	set("n-frames-bisection", func() { cfg.NFramesBisection = proto.NFramesBisection })
	set("steps-per-frame", func() { cfg.StepsPerFrame = proto.StepsPerFrame })
	set("n-eq-steps", func() { cfg.NEqSteps = &nEq })
	set("n-frames-per-iter", func() { cfg.NFramesPerIter = proto.NFramesPerIter })
	set("n-swap-attempts", func() { cfg.NSwapAttemptsPerIter = proto.NSwapAttemptsPerIter })
	set("workers", func() { cfg.Workers = proto.Workers })
}

func newRunsCmd(g *globalFlags) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return errors.New("limit must be > 0")
			}
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			client, err := g.newClient(cmd, cfg, false)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			items, err := client.Runs(cmd.Context(), alchemy.RunsRequest{Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, items)
			}
			if len(items) == 0 {
				fmt.Fprintln(out, "no runs found")
				return nil
			}
			pretty := interactive(out)
			for _, item := range items {
				created := item.CreatedAtUTC
				if pretty {
					if ts, err := time.Parse(time.RFC3339Nano, item.CreatedAtUTC); err == nil {
						created = humanize.Time(ts)
					}
				}
				fmt.Fprintf(out, "run_id=%s created=%s system=%s seed=%d n_states=%d converged=%t min_overlap=%.4f mean_acceptance=%.4f\n",
					item.RunID,
					created,
					item.System,
					item.Seed,
					item.NStates,
					item.Converged,
					item.MinOverlap,
					item.MeanAcceptance,
				)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit runs list as JSON")
	return cmd
}

// selector holds the --run-id/--latest pair shared by the read commands.
type selector struct {
	runID  string
	latest bool
}

func (s *selector) bind(cmd *cobra.Command, what string) {
	cmd.Flags().StringVar(&s.runID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&s.latest, "latest", false, fmt.Sprintf("use the most recent run for %s", what))
	cmd.MarkFlagsMutuallyExclusive("run-id", "latest")
	cmd.MarkFlagsOneRequired("run-id", "latest")
}

func newDiagnosticsCmd(g *globalFlags) *cobra.Command {
	var (
		sel     selector
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "diagnostics",
		Short: "Show replica exchange mixing diagnostics for a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			client, err := g.newClient(cmd, cfg, false)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			d, err := client.Diagnostics(cmd.Context(), alchemy.DiagnosticsRequest{RunID: sel.runID, Latest: sel.latest})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, d)
			}
			fmt.Fprintf(out, "run_id=%s n_states=%d iterations=%d mean_acceptance=%.4f\n", d.RunID, len(d.Lambdas), d.NIterations, d.MeanAcceptance)
			fmt.Fprintf(out, "lambdas=%s\n", formatFloats(d.Lambdas, 6))
			fmt.Fprintf(out, "final_acceptance=%s\n", formatFloats(d.FinalAcceptance, 4))
			for i, row := range d.TransitionMatrix {
				fmt.Fprintf(out, "transition[%d]=%s\n", i, formatFloats(row, 4))
			}
			for s, row := range d.ReplicaStateCounts {
				fmt.Fprintf(out, "occupancy[%d]=%s\n", s, formatInts(row))
			}
			return nil
		},
	}
	sel.bind(cmd, "diagnostics")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit diagnostics as JSON")
	return cmd
}

func newScheduleCmd(g *globalFlags) *cobra.Command {
	var (
		sel     selector
		all     bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Show the lambda schedules produced by bisection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			client, err := g.newClient(cmd, cfg, false)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			schedules, err := client.Schedule(cmd.Context(), alchemy.ScheduleRequest{RunID: sel.runID, Latest: sel.latest})
			if err != nil {
				return err
			}
			if !all && len(schedules) > 0 {
				schedules = schedules[len(schedules)-1:]
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, schedules)
			}
			for _, s := range schedules {
				fmt.Fprintf(out, "iteration=%d n_states=%d lambdas=%s overlaps=%s\n", s.Iteration, len(s.Lambdas), formatFloats(s.Lambdas, 6), formatFloats(s.Overlaps, 4))
			}
			return nil
		},
	}
	sel.bind(cmd, "schedule")
	cmd.Flags().BoolVar(&all, "all", false, "print every intermediate schedule, not only the final one")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit schedules as JSON")
	return cmd
}

func newExportCmd(g *globalFlags) *cobra.Command {
	var (
		sel    selector
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy a run's artifacts to an export directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			client, err := g.newClient(cmd, cfg, false)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			exported, err := client.Export(cmd.Context(), alchemy.ExportRequest{RunID: sel.runID, Latest: sel.latest, OutDir: outDir})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
			return nil
		},
	}
	sel.bind(cmd, "export")
	cmd.Flags().StringVar(&outDir, "out", "", "export output directory (defaults to the configured exports dir)")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatFloats(values []float64, prec int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = humanize.FtoaWithDigits(v, prec)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func formatInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
