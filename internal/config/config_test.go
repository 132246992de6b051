package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 5, cfg.ScenarioCount)
	assert.Equal(t, 4, cfg.TrialsPerScenario)
	assert.Equal(t, 20, cfg.TotalRuns())
	assert.Equal(t, 80, cfg.QualityThreshold)
	assert.Equal(t, 2*time.Minute, cfg.RunTimeout)
	assert.False(t, cfg.SimulatedUser)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worldsim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
trials_per_scenario: 10
simulated_user: true
max_turns: 3
run_timeout: 45s
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.TrialsPerScenario)
	assert.True(t, cfg.SimulatedUser)
	assert.Equal(t, 3, cfg.MaxTurns)
	assert.Equal(t, 45*time.Second, cfg.RunTimeout)
	assert.Equal(t, DefaultScenarioCount, cfg.ScenarioCount, "unset keys keep defaults")
}

func TestLoadFromFile_RejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worldsim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("trials: 3\n"), 0o644))

	_, err := LoadFromFile(path)
	assert.ErrorContains(t, err, "field trials not found")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worldsim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("concurrency: 2\nquality_threshold: 90\n"), 0o644))

	t.Setenv("WORLDSIM_CONCURRENCY", "16")
	t.Setenv("WORLDSIM_RUN_TIMEOUT", "5s")
	t.Setenv("WORLDSIM_START_RATE", "2.5")
	t.Setenv("WORLDSIM_SEED", "42")
	t.Setenv("WORLDSIM_SIMULATED_USER", "1")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Concurrency)
	assert.Equal(t, 90, cfg.QualityThreshold)
	assert.Equal(t, 5*time.Second, cfg.RunTimeout)
	assert.Equal(t, 2.5, cfg.StartRate)
	assert.Equal(t, uint64(42), cfg.Seed)
	assert.True(t, cfg.SimulatedUser)
}

func TestApplyEnv_BadValues(t *testing.T) {
	t.Setenv("WORLDSIM_TRIALS", "many")
	t.Setenv("WORLDSIM_RUN_TIMEOUT", "soon")

	cfg := Default()
	err := ApplyEnv(&cfg)
	require.ErrorIs(t, err, ErrInvalid)
	assert.ErrorContains(t, err, "WORLDSIM_TRIALS")
	assert.ErrorContains(t, err, "WORLDSIM_RUN_TIMEOUT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero scenarios", func(c *Config) { c.ScenarioCount = 0 }, "scenario_count"},
		{"zero trials", func(c *Config) { c.TrialsPerScenario = 0 }, "trials_per_scenario"},
		{"threshold above 100", func(c *Config) { c.QualityThreshold = 101 }, "quality_threshold"},
		{"negative timeout", func(c *Config) { c.RunTimeout = -time.Second }, "run_timeout"},
		{"no concurrency", func(c *Config) { c.Concurrency = 0 }, "concurrency"},
		{"conversation without turns", func(c *Config) { c.SimulatedUser, c.MaxTurns = true, 0 }, "max_turns"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestScheduler(t *testing.T) {
	cfg := Default()
	cfg.SimulatedUser = true
	cfg.StartRate = 3

	sc := cfg.Scheduler()
	assert.Equal(t, cfg.Concurrency, sc.Concurrency)
	assert.Equal(t, cfg.RunTimeout, sc.RunTimeout)
	assert.Equal(t, 3.0, sc.StartRate)
	assert.True(t, sc.SimulatedUser)
	assert.Equal(t, cfg.MaxTurns, sc.MaxTurns)
}
