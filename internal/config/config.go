package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/alvmarrod/cite-weaver/internal/backoff"
)

const (
	StoreSQLite = "sqlite"
	StoreFile   = "file"
)

// DefaultUserAgent is sent with every listing request.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// Config holds all runtime configuration parameters.
type Config struct {
	RootURL           string `json:"root_url" yaml:"root_url"`
	MaxDepth          int    `json:"max_depth" yaml:"max_depth"`
	MaxPapersPerLevel int    `json:"max_papers_per_level" yaml:"max_papers_per_level"`

	BaseDelayMs         int     `json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMs          int     `json:"max_delay_ms" yaml:"max_delay_ms"`
	DelayMultiplier     float64 `json:"delay_multiplier" yaml:"delay_multiplier"`
	JitterFraction      float64 `json:"jitter_fraction" yaml:"jitter_fraction"`
	ThrottleWindowMs    int     `json:"throttle_window_ms" yaml:"throttle_window_ms"`
	EscalationCeiling   int     `json:"escalation_ceiling" yaml:"escalation_ceiling"`
	SuccessReset        int     `json:"success_reset" yaml:"success_reset"`
	MaxEscalatedRetries int     `json:"max_escalated_retries" yaml:"max_escalated_retries"`
	ThrottlePolicy      string  `json:"throttle_policy" yaml:"throttle_policy"`
	ChallengePolicy     string  `json:"challenge_policy" yaml:"challenge_policy"`
	ChallengeRetries    int     `json:"challenge_retries" yaml:"challenge_retries"`
	PauseTimeoutMs      int     `json:"pause_timeout_ms" yaml:"pause_timeout_ms"`

	RequestTimeoutMs   int    `json:"request_timeout_ms" yaml:"request_timeout_ms"`
	RetryAttempts      int    `json:"retry_attempts" yaml:"retry_attempts"`
	RetryDelayMs       int    `json:"retry_delay_ms" yaml:"retry_delay_ms"`
	CheckpointInterval int    `json:"checkpoint_interval" yaml:"checkpoint_interval"`
	RunTimeoutMs       int    `json:"run_timeout_ms" yaml:"run_timeout_ms"`
	UserAgent          string `json:"user_agent" yaml:"user_agent"`

	Store       string `json:"store" yaml:"store"`
	DBPath      string `json:"db_path" yaml:"db_path"`
	SessionDir  string `json:"session_dir" yaml:"session_dir"`
	MetricsPath string `json:"metrics_path" yaml:"metrics_path"`
}

// DefaultDataDir is where sessions live unless configured otherwise.
func DefaultDataDir() string {
	return filepath.Join(xdg.DataHome, "cite-weaver")
}

// Default returns the baseline configuration. Delays are paced between one
// and two seconds and back off up to a minute.
func Default() *Config {
	cfg := &Config{
		MaxDepth:            3,
		MaxPapersPerLevel:   10,
		BaseDelayMs:         1000,
		MaxDelayMs:          60000,
		DelayMultiplier:     2,
		JitterFraction:      1,
		ThrottleWindowMs:    600000,
		EscalationCeiling:   5,
		SuccessReset:        2,
		MaxEscalatedRetries: 3,
		ThrottlePolicy:      string(backoff.ThrottleRetry),
		ChallengePolicy:     string(backoff.ChallengeSkip),
		ChallengeRetries:    1,
		PauseTimeoutMs:      300000,
		RequestTimeoutMs:    15000,
		RetryAttempts:       3,
		RetryDelayMs:        5000,
		CheckpointInterval:  10,
		UserAgent:           DefaultUserAgent,
		Store:               StoreSQLite,
	}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig reads configuration from a JSON or YAML file on top of the
// defaults, so omitted keys keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	// Apply defaults for missing paths
	applyDefaults(cfg)

	if err := cfg.ValidateTuning(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unspecified paths.
func applyDefaults(cfg *Config) {
	if cfg.Store == "" {
		cfg.Store = StoreSQLite
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(DefaultDataDir(), "sessions.db")
	}
	if cfg.SessionDir == "" {
		cfg.SessionDir = filepath.Join(DefaultDataDir(), "sessions")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
}

// Validate checks everything a new crawl needs, including the root URL.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RootURL) == "" {
		return ErrMissingRootURL
	}
	return c.ValidateTuning()
}

// ValidateTuning checks limits, pacing and policies. Resumed crawls take
// their root URL from the session, so it is not required here.
func (c *Config) ValidateTuning() error {
	if c.MaxDepth < 0 {
		return ErrInvalidDepth
	}
	if c.MaxPapersPerLevel < 0 {
		return ErrInvalidFanout
	}
	if c.BaseDelayMs < 0 {
		return fmt.Errorf("%w: base_delay_ms must be >= 0", ErrInvalidDelayBounds)
	}
	if c.MaxDelayMs < c.BaseDelayMs {
		return fmt.Errorf("%w: max_delay_ms must be >= base_delay_ms", ErrInvalidDelayBounds)
	}
	if c.ThrottleWindowMs < 1 {
		return fmt.Errorf("%w: throttle_window_ms must be >= 1", ErrInvalidDelayBounds)
	}
	if c.DelayMultiplier < 1 {
		return ErrInvalidMultiplier
	}
	if c.JitterFraction < 0 || c.JitterFraction > c.DelayMultiplier-1 {
		return ErrInvalidJitter
	}
	if c.EscalationCeiling < 1 {
		return fmt.Errorf("%w: escalation_ceiling must be >= 1", ErrInvalidThrottleTuning)
	}
	if c.SuccessReset < 1 {
		return fmt.Errorf("%w: success_reset must be >= 1", ErrInvalidThrottleTuning)
	}
	if c.MaxEscalatedRetries < 0 || c.RetryAttempts < 0 || c.ChallengeRetries < 0 {
		return fmt.Errorf("%w: retry counts must be >= 0", ErrInvalidThrottleTuning)
	}
	switch backoff.ThrottlePolicy(c.ThrottlePolicy) {
	case backoff.ThrottleRetry, backoff.ThrottleSkip:
	default:
		return fmt.Errorf("%w: throttle_policy %q", ErrInvalidPolicy, c.ThrottlePolicy)
	}
	switch backoff.ChallengePolicy(c.ChallengePolicy) {
	case backoff.ChallengePause, backoff.ChallengeSkip:
	default:
		return fmt.Errorf("%w: challenge_policy %q", ErrInvalidPolicy, c.ChallengePolicy)
	}
	if c.CheckpointInterval < 1 {
		return ErrInvalidCheckpointInterval
	}
	if c.RequestTimeoutMs < 1000 {
		return fmt.Errorf("%w: request_timeout_ms must be >= 1000", ErrInvalidTimeout)
	}
	if c.RunTimeoutMs < 0 || c.PauseTimeoutMs < 0 || c.RetryDelayMs < 0 {
		return fmt.Errorf("%w: durations must be >= 0", ErrInvalidTimeout)
	}
	switch c.Store {
	case StoreSQLite, StoreFile:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStore, c.Store)
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func (c *Config) BaseDelay() time.Duration      { return ms(c.BaseDelayMs) }
func (c *Config) MaxDelay() time.Duration       { return ms(c.MaxDelayMs) }
func (c *Config) ThrottleWindow() time.Duration { return ms(c.ThrottleWindowMs) }
func (c *Config) PauseTimeout() time.Duration   { return ms(c.PauseTimeoutMs) }
func (c *Config) RequestTimeout() time.Duration { return ms(c.RequestTimeoutMs) }
func (c *Config) RetryDelay() time.Duration     { return ms(c.RetryDelayMs) }

// RunTimeout is the overall wall-clock budget; zero means unbounded.
func (c *Config) RunTimeout() time.Duration { return ms(c.RunTimeoutMs) }

// BackoffConfig derives the rate-limit controller settings.
func (c *Config) BackoffConfig() backoff.Config {
	return backoff.Config{
		BaseDelay:         c.BaseDelay(),
		MaxDelay:          c.MaxDelay(),
		Multiplier:        c.DelayMultiplier,
		JitterFraction:    c.JitterFraction,
		Window:            c.ThrottleWindow(),
		EscalationCeiling: c.EscalationCeiling,
		SuccessReset:      c.SuccessReset,
		ThrottlePolicy:    backoff.ThrottlePolicy(c.ThrottlePolicy),
		ChallengePolicy:   backoff.ChallengePolicy(c.ChallengePolicy),
	}
}
