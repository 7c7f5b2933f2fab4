package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvmarrod/cite-weaver/internal/backoff"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ValidateTuning())
	assert.ErrorIs(t, cfg.Validate(), ErrMissingRootURL)

	cfg.RootURL = "https://scholar.google.com/scholar?cites=1"
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join(DefaultDataDir(), "sessions.db"), cfg.DBPath)
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
  "root_url": "https://scholar.google.com/scholar?cites=1",
  "max_depth": 0,
  "max_papers_per_level": 4,
  "throttle_policy": "skip"
}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.MaxDepth, "explicit zero depth is honoured")
	assert.Equal(t, 4, cfg.MaxPapersPerLevel)
	assert.Equal(t, "skip", cfg.ThrottlePolicy)
	assert.Equal(t, 1000, cfg.BaseDelayMs, "omitted keys keep defaults")
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
root_url: https://scholar.google.com/scholar?cites=2
max_depth: 2
challenge_policy: pause
pause_timeout_ms: 1500
store: file
session_dir: /tmp/cw-sessions
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxDepth)
	assert.Equal(t, "pause", cfg.ChallengePolicy)
	assert.Equal(t, 1500*time.Millisecond, cfg.PauseTimeout())
	assert.Equal(t, StoreFile, cfg.Store)
	assert.Equal(t, "/tmp/cw-sessions", cfg.SessionDir)
}

func TestLoadConfigEmptyYAML(t *testing.T) {
	cfg, err := LoadConfig(writeFile(t, "empty.yml", ""))
	require.NoError(t, err)
	assert.Equal(t, Default().MaxDepth, cfg.MaxDepth)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, ErrConfigNotFound)

	_, err = LoadConfig(writeFile(t, "bad.json", `{"max_depth": "deep"}`))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "unknown.json", `{"seed_url": "x"}`))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "invalid.json", `{"max_depth": -1}`))
	assert.ErrorIs(t, err, ErrInvalidDepth)
}

func TestValidateTuning(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"negative fanout", func(c *Config) { c.MaxPapersPerLevel = -1 }, ErrInvalidFanout},
		{"max below base", func(c *Config) { c.MaxDelayMs = 10 }, ErrInvalidDelayBounds},
		{"no window", func(c *Config) { c.ThrottleWindowMs = 0 }, ErrInvalidDelayBounds},
		{"shrinking multiplier", func(c *Config) { c.DelayMultiplier = 0.5 }, ErrInvalidMultiplier},
		{"jitter breaks monotonicity", func(c *Config) { c.DelayMultiplier = 1.5; c.JitterFraction = 0.8 }, ErrInvalidJitter},
		{"negative jitter", func(c *Config) { c.JitterFraction = -0.1 }, ErrInvalidJitter},
		{"zero ceiling", func(c *Config) { c.EscalationCeiling = 0 }, ErrInvalidThrottleTuning},
		{"zero success reset", func(c *Config) { c.SuccessReset = 0 }, ErrInvalidThrottleTuning},
		{"negative retries", func(c *Config) { c.RetryAttempts = -1 }, ErrInvalidThrottleTuning},
		{"unknown throttle policy", func(c *Config) { c.ThrottlePolicy = "ignore" }, ErrInvalidPolicy},
		{"unknown challenge policy", func(c *Config) { c.ChallengePolicy = "solve" }, ErrInvalidPolicy},
		{"zero checkpoint interval", func(c *Config) { c.CheckpointInterval = 0 }, ErrInvalidCheckpointInterval},
		{"short request timeout", func(c *Config) { c.RequestTimeoutMs = 10 }, ErrInvalidTimeout},
		{"negative run timeout", func(c *Config) { c.RunTimeoutMs = -5 }, ErrInvalidTimeout},
		{"unknown store", func(c *Config) { c.Store = "redis" }, ErrInvalidStore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.ValidateTuning(), tt.want)
		})
	}
}

func TestPresets(t *testing.T) {
	assert.Equal(t, []string{"demo", "production", "quick"}, PresetNames())

	cfg, err := Preset("production")
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.MaxDepth)
	assert.Equal(t, 50, cfg.MaxPapersPerLevel)
	assert.Equal(t, 2*time.Second, cfg.BaseDelay())
	require.NoError(t, cfg.ValidateTuning())

	_, err = Preset("turbo")
	assert.ErrorIs(t, err, ErrUnknownPreset)
}

func TestBackoffConfig(t *testing.T) {
	cfg := Default()
	cfg.ThrottlePolicy = "skip"

	bc := cfg.BackoffConfig()
	assert.Equal(t, time.Second, bc.BaseDelay)
	assert.Equal(t, time.Minute, bc.MaxDelay)
	assert.Equal(t, 10*time.Minute, bc.Window)
	assert.Equal(t, backoff.ThrottleSkip, bc.ThrottlePolicy)
	assert.Equal(t, backoff.ChallengeSkip, bc.ChallengePolicy)
}
