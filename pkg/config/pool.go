package config

import (
	"fmt"
	"time"
)

// RateLimitConfig describes one label's token bucket.
type RateLimitConfig struct {
	// FillRate is the refill rate in tokens per second.
	FillRate float64 `yaml:"fill_rate"`

	// Capacity is the maximum token count (burst size).
	Capacity float64 `yaml:"capacity"`
}

// PoolConfig contains worker pool configuration.
type PoolConfig struct {
	// Name identifies the pool in logs and worker names.
	Name string `yaml:"name"`

	// WorkerCount is the number of worker goroutines.
	WorkerCount int `yaml:"worker_count"`

	// CPUThreshold pauses task starts while host CPU utilization is at or
	// above this percentage. Zero disables the guard.
	CPUThreshold float64 `yaml:"cpu_threshold"`

	// MaxProcessName and MaxProcesses pause task starts while the host runs
	// MaxProcesses or more processes whose name contains MaxProcessName.
	// An empty name or zero count disables the guard.
	MaxProcessName string `yaml:"max_process_name"`
	MaxProcesses   int    `yaml:"max_processes"`

	// RateLimits maps a task label to its token bucket.
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits"`

	// QueueBound caps the number of queued tasks. Zero means unbounded.
	QueueBound int `yaml:"queue_bound"`

	// RequeueBackoff is how far a task's scheduled time is bumped when it is
	// turned away by the pause gate, a resource guard, a rate limit, or a
	// label concurrency cap.
	RequeueBackoff time.Duration `yaml:"requeue_backoff"`
}

// DefaultPoolConfig returns the built-in pool defaults.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Name:           "pool",
		WorkerCount:    4,
		CPUThreshold:   85.0,
		RequeueBackoff: 200 * time.Millisecond,
	}
}

// Validate checks pool configuration invariants.
func (c *PoolConfig) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("pool: worker_count must be >= 1, got %d", c.WorkerCount)
	}
	if c.CPUThreshold < 0 || c.CPUThreshold > 100 {
		return fmt.Errorf("pool: cpu_threshold %v outside [0,100]", c.CPUThreshold)
	}
	if c.QueueBound < 0 {
		return fmt.Errorf("pool: queue_bound must be >= 0, got %d", c.QueueBound)
	}
	for label, rl := range c.RateLimits {
		if rl.FillRate <= 0 || rl.Capacity <= 0 {
			return fmt.Errorf("pool: rate limit for label %q must have positive fill_rate and capacity", label)
		}
	}
	return nil
}
