// Package config loads protocol settings from a YAML file, an optional .env
// file and ALCHEMY_* environment variables, in increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"alchemy/internal/systemid"
)

const envPrefix = "ALCHEMY_"

const (
	DefaultSeed             = 2023
	DefaultTemperature      = 300.0
	DefaultMinOverlap       = 0.6
	DefaultNBisections      = 30
	DefaultNFrames          = 4000
	DefaultNFramesBisection = 1000
	DefaultStepsPerFrame    = 400
	DefaultNEqStepsVacuum   = 10000
	DefaultNEqStepsSolvent  = 100000
)

// Config holds everything needed to run and record one protocol.
type Config struct {
	System  string `yaml:"system"`
	Solvent bool   `yaml:"solvent"`
	// Phi0 is the starting torsion angle in radians.
	Phi0        float64 `yaml:"phi0"`
	Seed        int64   `yaml:"seed"`
	Temperature float64 `yaml:"temperature"`

	MinOverlap       float64 `yaml:"min_overlap"`
	NBisections      int     `yaml:"n_bisections"`
	NFrames          int     `yaml:"n_frames"`
	NFramesBisection int     `yaml:"n_frames_bisection"`
	StepsPerFrame    int     `yaml:"steps_per_frame"`
	// NEqSteps is nil until set; EqSteps falls back to the solvent-dependent
	// default.
	NEqSteps             *int `yaml:"n_eq_steps"`
	NFramesPerIter       int  `yaml:"n_frames_per_iter"`
	NSwapAttemptsPerIter int  `yaml:"n_swap_attempts_per_iter"`
	Workers              int  `yaml:"workers"`

	Store        StoreConfig `yaml:"store"`
	ArtifactsDir string      `yaml:"artifacts_dir"`
	ExportsDir   string      `yaml:"exports_dir"`
	MetricsAddr  string      `yaml:"metrics_addr"`
}

type StoreConfig struct {
	Kind   string `yaml:"kind"`
	DBPath string `yaml:"db_path"`
}

func Default() Config {
	return Config{
		System:           systemid.Rotor,
		Seed:             DefaultSeed,
		Temperature:      DefaultTemperature,
		MinOverlap:       DefaultMinOverlap,
		NBisections:      DefaultNBisections,
		NFrames:          DefaultNFrames,
		NFramesBisection: DefaultNFramesBisection,
		StepsPerFrame:    DefaultStepsPerFrame,
		Store:            StoreConfig{Kind: "memory", DBPath: "alchemy.db"},
		ArtifactsDir:     "runs",
		ExportsDir:       "exports",
	}
}

// EqSteps returns the equilibration steps per bisection window.
func (c Config) EqSteps() int {
	if c.NEqSteps != nil {
		return *c.NEqSteps
	}
	if c.Solvent {
		return DefaultNEqStepsSolvent
	}
	return DefaultNEqStepsVacuum
}

// Load starts from Default, decodes the YAML file at path when non-empty,
// then applies overrides from envFile (when non-empty) and the process
// environment. The result is validated.
func Load(path, envFile string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := Decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	dotenv := map[string]string{}
	if envFile != "" {
		var err error
		dotenv, err = godotenv.Read(envFile)
		if err != nil {
			return Config{}, fmt.Errorf("read %s: %w", envFile, err)
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	cfg.normalizeSystem()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode overlays YAML onto cfg. Unknown keys are rejected.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(envPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = n
		return nil
	}
	float := func(name string, dst *float64) error {
		v, ok := lookup(envPrefix + name)
		if !ok {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = f
		return nil
	}

	str("SYSTEM", &cfg.System)
	str("STORE", &cfg.Store.Kind)
	str("DB_PATH", &cfg.Store.DBPath)
	str("ARTIFACTS_DIR", &cfg.ArtifactsDir)
	str("EXPORTS_DIR", &cfg.ExportsDir)
	str("METRICS_ADDR", &cfg.MetricsAddr)

	if v, ok := lookup(envPrefix + "SOLVENT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sSOLVENT: %w", envPrefix, err)
		}
		cfg.Solvent = b
	}
	if v, ok := lookup(envPrefix + "SEED"); ok {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sSEED: %w", envPrefix, err)
		}
		cfg.Seed = seed
	}
	if v, ok := lookup(envPrefix + "N_EQ_STEPS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sN_EQ_STEPS: %w", envPrefix, err)
		}
		cfg.NEqSteps = &n
	}

	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"PHI0", &cfg.Phi0},
		{"TEMPERATURE", &cfg.Temperature},
		{"MIN_OVERLAP", &cfg.MinOverlap},
	} {
		if err := float(f.name, f.dst); err != nil {
			return err
		}
	}
	for _, f := range []struct {
		name string
		dst  *int
	}{
		{"N_BISECTIONS", &cfg.NBisections},
		{"N_FRAMES", &cfg.NFrames},
		{"N_FRAMES_BISECTION", &cfg.NFramesBisection},
		{"STEPS_PER_FRAME", &cfg.StepsPerFrame},
		{"N_FRAMES_PER_ITER", &cfg.NFramesPerIter},
		{"N_SWAP_ATTEMPTS_PER_ITER", &cfg.NSwapAttemptsPerIter},
		{"WORKERS", &cfg.Workers},
	} {
		if err := integer(f.name, f.dst); err != nil {
			return err
		}
	}
	return nil
}

// normalizeSystem canonicalizes System. An environment suffix on the name
// ("rotor-solvated") overrides Solvent.
func (c *Config) normalizeSystem() {
	name, env := systemid.Normalize(c.System)
	c.System = name
	switch env {
	case systemid.EnvVacuum:
		c.Solvent = false
	case systemid.EnvSolvent:
		c.Solvent = true
	}
}

// Validate checks ranges only; engine-level checks happen again when the
// protocol starts.
func (c Config) Validate() error {
	if name, _ := systemid.Normalize(c.System); name != systemid.Rotor {
		return fmt.Errorf("unsupported system %q", c.System)
	}
	if c.Temperature <= 0 {
		return fmt.Errorf("temperature must be > 0, got %g", c.Temperature)
	}
	if c.MinOverlap < 0 || c.MinOverlap > 1 {
		return fmt.Errorf("min_overlap must be in [0, 1], got %g", c.MinOverlap)
	}
	if c.NBisections < 0 {
		return fmt.Errorf("n_bisections must be >= 0, got %d", c.NBisections)
	}
	if c.NFrames < 1 || c.NFramesBisection < 1 {
		return fmt.Errorf("n_frames and n_frames_bisection must be >= 1")
	}
	if c.StepsPerFrame < 1 {
		return fmt.Errorf("steps_per_frame must be >= 1, got %d", c.StepsPerFrame)
	}
	if c.EqSteps() < 0 {
		return fmt.Errorf("n_eq_steps must be >= 0, got %d", c.EqSteps())
	}
	if c.NFramesPerIter < 0 || c.NSwapAttemptsPerIter < 0 || c.Workers < 0 {
		return fmt.Errorf("n_frames_per_iter, n_swap_attempts_per_iter and workers must be >= 0")
	}
	if c.Store.Kind == "" {
		return fmt.Errorf("store kind is required")
	}
	return nil
}
