package config

import (
	"fmt"
	"sort"
)

type preset struct {
	maxDepth          int
	maxPapersPerLevel int
	baseDelayMs       int
	jitterFraction    float64
}

// Presets pace requests uniformly within [base, base*(1+jitter)).
var presets = map[string]preset{
	"demo":       {maxDepth: 10, maxPapersPerLevel: 30, baseDelayMs: 1000, jitterFraction: 1},
	"production": {maxDepth: 30, maxPapersPerLevel: 50, baseDelayMs: 2000, jitterFraction: 1},
	"quick":      {maxDepth: 10, maxPapersPerLevel: 20, baseDelayMs: 500, jitterFraction: 1},
}

// PresetNames lists the available presets.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Preset returns the defaults overlaid with a named preset.
func Preset(name string) (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyPreset(name); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyPreset overwrites the limits and pacing of c with a named preset.
func (c *Config) ApplyPreset(name string) error {
	p, ok := presets[name]
	if !ok {
		return fmt.Errorf("%w: %q (available: %v)", ErrUnknownPreset, name, PresetNames())
	}
	c.MaxDepth = p.maxDepth
	c.MaxPapersPerLevel = p.maxPapersPerLevel
	c.BaseDelayMs = p.baseDelayMs
	c.JitterFraction = p.jitterFraction
	return nil
}
