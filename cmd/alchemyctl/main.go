package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"alchemy/internal/config"
	"alchemy/internal/platform"
	"alchemy/internal/telemetry"
	"alchemy/pkg/alchemy"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// globalFlags are shared by every subcommand. Explicit flags win over the
// loaded configuration.
type globalFlags struct {
	configPath   string
	envFile      string
	storeKind    string
	dbPath       string
	artifactsDir string
	exportsDir   string
	metricsAddr  string
	logLevel     string
	logJSON      bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "alchemyctl",
		Short:         "Build alchemical lambda schedules and run Hamiltonian replica exchange",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "protocol YAML file")
	pf.StringVar(&g.envFile, "env-file", "", "dotenv file with ALCHEMY_* overrides")
	pf.StringVar(&g.storeKind, "store", "", "store backend: memory|sqlite")
	pf.StringVar(&g.dbPath, "db-path", "", "sqlite database path")
	pf.StringVar(&g.artifactsDir, "artifacts-dir", "", "run artifacts directory")
	pf.StringVar(&g.exportsDir, "exports-dir", "", "export output directory")
	pf.StringVar(&g.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while running")
	pf.StringVar(&g.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	pf.BoolVar(&g.logJSON, "log-json", false, "emit JSON logs")

	root.AddCommand(
		newRunCmd(g),
		newRunsCmd(g),
		newDiagnosticsCmd(g),
		newScheduleCmd(g),
		newExportCmd(g),
	)
	return root
}

// load resolves the configuration and applies the persistent flag
// overrides.
func (g *globalFlags) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(g.configPath, g.envFile)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("store") {
		cfg.Store.Kind = g.storeKind
	}
	if flags.Changed("db-path") {
		cfg.Store.DBPath = g.dbPath
	}
	if flags.Changed("artifacts-dir") {
		cfg.ArtifactsDir = g.artifactsDir
	}
	if flags.Changed("exports-dir") {
		cfg.ExportsDir = g.exportsDir
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = g.metricsAddr
	}
	return cfg, nil
}

func (g *globalFlags) logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(g.logLevel))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", g.logLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	if g.logJSON {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// newClient opens a client over the configured store. When withMetrics is
// set and a metrics address is configured, the client also serves the
// protocol metrics for its lifetime.
func (g *globalFlags) newClient(cmd *cobra.Command, cfg config.Config, withMetrics bool) (*alchemy.Client, error) {
	logger, err := g.logger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	opts := alchemy.Options{
		StoreKind:    cfg.Store.Kind,
		DBPath:       cfg.Store.DBPath,
		ArtifactsDir: cfg.ArtifactsDir,
		ExportsDir:   cfg.ExportsDir,
		Logger:       logger,
	}
	if withMetrics && cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts.Metrics = telemetry.NewMetrics(reg)
		opts.SupportModules = []platform.SupportModule{newMetricsServer(cfg.MetricsAddr, reg, logger)}
	}
	return alchemy.New(opts)
}

// interactive reports whether w is a terminal, which selects the humanized
// output style.
func interactive(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
