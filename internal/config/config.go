// Package config loads the worldsim configuration record.
// Values come from defaults, then a YAML file or a suite's config block,
// then WORLDSIM_* environment variables. CLI flags are applied last by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/worldsim/internal/sim"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Defaults.
const (
	DefaultScenarioCount     = 5
	DefaultTrialsPerScenario = 4
	DefaultQualityThreshold  = 80
	DefaultConcurrency       = 4
	DefaultRunTimeout        = 2 * time.Minute
)

// Config is the test-definition-time configuration record.
type Config struct {
	// ScenarioCount is how many distinct scenarios to generate.
	ScenarioCount int `json:"scenario_count" yaml:"scenario_count"`

	// TrialsPerScenario is how many times each scenario is run.
	TrialsPerScenario int `json:"trials_per_scenario" yaml:"trials_per_scenario"`

	// SimulatedUser enables multi-turn conversations driven by scenario personas.
	SimulatedUser bool `json:"simulated_user" yaml:"simulated_user"`

	// MaxTurns bounds each simulated-user conversation.
	MaxTurns int `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`

	// QualityThreshold is the minimum acceptable pass rate, 0-100.
	QualityThreshold int `json:"quality_threshold" yaml:"quality_threshold"`

	// Concurrency is the maximum number of runs in flight.
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// RunTimeout bounds each run. 0 disables the deadline.
	RunTimeout time.Duration `json:"run_timeout" yaml:"run_timeout"`

	// StartRate limits run starts per second, for rate-limited model backends.
	// 0 disables the limiter.
	StartRate float64 `json:"start_rate,omitempty" yaml:"start_rate,omitempty"`

	// Seed drives scenario variation. 0 picks a time-based seed.
	Seed uint64 `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		ScenarioCount:     DefaultScenarioCount,
		TrialsPerScenario: DefaultTrialsPerScenario,
		MaxTurns:          sim.DefaultMaxTurns,
		QualityThreshold:  DefaultQualityThreshold,
		Concurrency:       DefaultConcurrency,
		RunTimeout:        DefaultRunTimeout,
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		fileCfg, err := LoadFromFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = fileCfg
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromFile reads a YAML config file over the defaults. Unknown keys are
// rejected.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from WORLDSIM_* variables.
func ApplyEnv(cfg *Config) error {
	var errs []error
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	envInt("WORLDSIM_SCENARIOS", &cfg.ScenarioCount)
	envInt("WORLDSIM_TRIALS", &cfg.TrialsPerScenario)
	envInt("WORLDSIM_THRESHOLD", &cfg.QualityThreshold)
	envInt("WORLDSIM_CONCURRENCY", &cfg.Concurrency)
	envInt("WORLDSIM_MAX_TURNS", &cfg.MaxTurns)

	if v := os.Getenv("WORLDSIM_SIMULATED_USER"); v != "" {
		cfg.SimulatedUser = v == "true" || v == "1"
	}
	if v := os.Getenv("WORLDSIM_RUN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("WORLDSIM_RUN_TIMEOUT: %w", err))
		} else {
			cfg.RunTimeout = d
		}
	}
	if v := os.Getenv("WORLDSIM_START_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("WORLDSIM_START_RATE: %w", err))
		} else {
			cfg.StartRate = f
		}
	}
	if v := os.Getenv("WORLDSIM_SEED"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("WORLDSIM_SEED: %w", err))
		} else {
			cfg.Seed = n
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: environment: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.ScenarioCount < 1 {
		errs = append(errs, fmt.Errorf("scenario_count must be at least 1, got %d", c.ScenarioCount))
	}
	if c.TrialsPerScenario < 1 {
		errs = append(errs, fmt.Errorf("trials_per_scenario must be at least 1, got %d", c.TrialsPerScenario))
	}
	if c.QualityThreshold < 0 || c.QualityThreshold > 100 {
		errs = append(errs, fmt.Errorf("quality_threshold must be between 0 and 100, got %d", c.QualityThreshold))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.RunTimeout < 0 {
		errs = append(errs, fmt.Errorf("run_timeout must be non-negative, got %v", c.RunTimeout))
	}
	if c.StartRate < 0 {
		errs = append(errs, fmt.Errorf("start_rate must be non-negative, got %g", c.StartRate))
	}
	if c.SimulatedUser && c.MaxTurns < 1 {
		errs = append(errs, fmt.Errorf("max_turns must be at least 1 with simulated_user, got %d", c.MaxTurns))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// TotalRuns is ScenarioCount x TrialsPerScenario.
func (c Config) TotalRuns() int {
	return c.ScenarioCount * c.TrialsPerScenario
}

// Scheduler returns the scheduling subset of c.
func (c Config) Scheduler() sim.Config {
	return sim.Config{
		Concurrency:   c.Concurrency,
		RunTimeout:    c.RunTimeout,
		StartRate:     c.StartRate,
		SimulatedUser: c.SimulatedUser,
		MaxTurns:      c.MaxTurns,
	}
}
