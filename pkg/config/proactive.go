package config

import (
	"fmt"
	"time"
)

// ProactiveConfig contains proactive scheduler configuration.
type ProactiveConfig struct {
	// Enabled turns the background tick loop on.
	Enabled bool `yaml:"enabled"`

	// Interval between proactive ticks.
	Interval time.Duration `yaml:"interval"`

	// StartHour and EndHour bound the schedule window in local time.
	// Outside the window the scheduler re-queues itself to the next window
	// boundary instead of executing. Equal values mean always active.
	StartHour int `yaml:"start_hour"`
	EndHour   int `yaml:"end_hour"`

	// MinScore is the evaluation threshold in [0,1] an action must reach.
	MinScore float64 `yaml:"min_score"`

	// AutoApprove submits qualifying actions directly instead of queueing
	// them for approval.
	AutoApprove bool `yaml:"auto_approve"`

	// HistoryLimit bounds the retained action history.
	HistoryLimit int `yaml:"history_limit"`
}

// DefaultProactiveConfig returns the built-in proactive defaults.
func DefaultProactiveConfig() *ProactiveConfig {
	return &ProactiveConfig{
		Enabled:      false,
		Interval:     10 * time.Minute,
		StartHour:    0,
		EndHour:      0,
		MinScore:     0.6,
		AutoApprove:  false,
		HistoryLimit: 50,
	}
}

// Validate checks proactive configuration invariants.
func (c *ProactiveConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("proactive: interval must be positive, got %v", c.Interval)
	}
	if c.StartHour < 0 || c.StartHour > 23 || c.EndHour < 0 || c.EndHour > 23 {
		return fmt.Errorf("proactive: hours must be in [0,23], got %d..%d", c.StartHour, c.EndHour)
	}
	if c.MinScore < 0 || c.MinScore > 1 {
		return fmt.Errorf("proactive: min_score %v outside [0,1]", c.MinScore)
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("proactive: history_limit must be >= 0, got %d", c.HistoryLimit)
	}
	return nil
}
