package config

import (
	"fmt"
	"time"
)

// CounselConfig tunes counsel mode: the same query fanned out to several
// tiers and aggregated.
type CounselConfig struct {
	// Mode is one of "race", "vote", or "merge".
	Mode string `yaml:"mode"`

	// Tiers are the backend tiers consulted, e.g. ["fast", "intermediate",
	// "reasoning"].
	Tiers []string `yaml:"tiers"`
}

// RouterConfig contains streaming query router configuration.
type RouterConfig struct {
	// Ramp maps a triage classification to the backend tiers executed
	// sequentially after the preamble. Classifications absent from the map
	// get no continuation.
	Ramp map[string][]string `yaml:"ramp"`

	Counsel CounselConfig `yaml:"counsel"`

	// Stream timeouts, wall-clock per stage.
	TriageTimeout       time.Duration `yaml:"triage_timeout"`
	PreambleTimeout     time.Duration `yaml:"preamble_timeout"`
	ActionTimeout       time.Duration `yaml:"action_timeout"`
	ContinuationTimeout time.Duration `yaml:"continuation_timeout"`
	ConclusionTimeout   time.Duration `yaml:"conclusion_timeout"`
}

// DefaultRouterConfig returns the built-in routing table and timeouts.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		Ramp: map[string][]string{
			"simple":       {},
			"intermediate": {"intermediate"},
			"complex":      {"intermediate", "deep"},
			"reasoning":    {"intermediate", "reasoning"},
			"toolchain":    {"toolchain"},
			"focus":        {},
			"proactive":    {},
		},
		Counsel: CounselConfig{
			Mode:  "race",
			Tiers: []string{"fast", "intermediate", "reasoning"},
		},
		TriageTimeout:       10 * time.Second,
		PreambleTimeout:     30 * time.Second,
		ActionTimeout:       120 * time.Second,
		ContinuationTimeout: 90 * time.Second,
		ConclusionTimeout:   30 * time.Second,
	}
}

// Validate checks router configuration invariants.
func (c *RouterConfig) Validate() error {
	switch c.Counsel.Mode {
	case "", "race", "vote", "merge":
	default:
		return fmt.Errorf("router: unknown counsel mode %q", c.Counsel.Mode)
	}
	for _, d := range []time.Duration{
		c.TriageTimeout, c.PreambleTimeout, c.ActionTimeout,
		c.ContinuationTimeout, c.ConclusionTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("router: negative timeout %v", d)
		}
	}
	return nil
}
