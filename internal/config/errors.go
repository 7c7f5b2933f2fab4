package config

import "errors"

var (
	ErrMissingRootURL            = errors.New("root_url is required")
	ErrInvalidDepth              = errors.New("max_depth must be >= 0")
	ErrInvalidFanout             = errors.New("max_papers_per_level must be >= 0")
	ErrInvalidDelayBounds        = errors.New("invalid delay bounds")
	ErrInvalidMultiplier         = errors.New("delay_multiplier must be >= 1")
	ErrInvalidJitter             = errors.New("jitter_fraction must be within [0, delay_multiplier-1]")
	ErrInvalidThrottleTuning     = errors.New("invalid throttle tuning")
	ErrInvalidPolicy             = errors.New("invalid policy")
	ErrInvalidCheckpointInterval = errors.New("checkpoint_interval must be >= 1")
	ErrInvalidTimeout            = errors.New("invalid timeout")
	ErrInvalidStore              = errors.New("store must be sqlite or file")
	ErrConfigNotFound            = errors.New("config file not found")
	ErrUnknownPreset             = errors.New("unknown preset")
)
