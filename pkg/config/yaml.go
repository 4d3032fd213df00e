package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// parseDuration parses a YAML duration string, leaving dst untouched when
// the string is empty so defaults survive partial config files.
func parseDuration(dst *time.Duration, s, field string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	*dst = d
	return nil
}

// UnmarshalYAML decodes PoolConfig with string durations ("250ms").
func (c *PoolConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		Name           string                     `yaml:"name"`
		WorkerCount    int                        `yaml:"worker_count"`
		CPUThreshold   float64                    `yaml:"cpu_threshold"`
		MaxProcessName string                     `yaml:"max_process_name"`
		MaxProcesses   int                        `yaml:"max_processes"`
		RateLimits     map[string]RateLimitConfig `yaml:"rate_limits"`
		QueueBound     int                        `yaml:"queue_bound"`
		RequeueBackoff string                     `yaml:"requeue_backoff"`
	}
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}
	c.Name = r.Name
	c.WorkerCount = r.WorkerCount
	c.CPUThreshold = r.CPUThreshold
	c.MaxProcessName = r.MaxProcessName
	c.MaxProcesses = r.MaxProcesses
	c.RateLimits = r.RateLimits
	c.QueueBound = r.QueueBound
	return parseDuration(&c.RequeueBackoff, r.RequeueBackoff, "pool.requeue_backoff")
}

// UnmarshalYAML decodes ClusterConfig with string durations.
func (c *ClusterConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		Nodes             []NodeConfig `yaml:"nodes"`
		StreamBuffer      int          `yaml:"stream_buffer"`
		SubmitRatePerNode float64      `yaml:"submit_rate_per_node"`
		SubmitBurst       int          `yaml:"submit_burst"`
		RequestTimeout    string       `yaml:"request_timeout"`
	}
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}
	c.Nodes = r.Nodes
	c.StreamBuffer = r.StreamBuffer
	c.SubmitRatePerNode = r.SubmitRatePerNode
	c.SubmitBurst = r.SubmitBurst
	return parseDuration(&c.RequestTimeout, r.RequestTimeout, "cluster.request_timeout")
}

// UnmarshalYAML decodes RouterConfig with string durations.
func (c *RouterConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		Ramp                map[string][]string `yaml:"ramp"`
		Counsel             CounselConfig       `yaml:"counsel"`
		TriageTimeout       string              `yaml:"triage_timeout"`
		PreambleTimeout     string              `yaml:"preamble_timeout"`
		ActionTimeout       string              `yaml:"action_timeout"`
		ContinuationTimeout string              `yaml:"continuation_timeout"`
		ConclusionTimeout   string              `yaml:"conclusion_timeout"`
	}
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}
	c.Ramp = r.Ramp
	c.Counsel = r.Counsel
	for _, p := range []struct {
		dst   *time.Duration
		s     string
		field string
	}{
		{&c.TriageTimeout, r.TriageTimeout, "router.triage_timeout"},
		{&c.PreambleTimeout, r.PreambleTimeout, "router.preamble_timeout"},
		{&c.ActionTimeout, r.ActionTimeout, "router.action_timeout"},
		{&c.ContinuationTimeout, r.ContinuationTimeout, "router.continuation_timeout"},
		{&c.ConclusionTimeout, r.ConclusionTimeout, "router.conclusion_timeout"},
	} {
		if err := parseDuration(p.dst, p.s, p.field); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalYAML decodes ToolchainConfig with string durations.
func (c *ToolchainConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		Mode    string `yaml:"mode"`
		Shell   string `yaml:"shell"`
		Timeout string `yaml:"timeout"`
	}
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}
	c.Mode = r.Mode
	c.Shell = r.Shell
	return parseDuration(&c.Timeout, r.Timeout, "toolchain.timeout")
}

// UnmarshalYAML decodes ProactiveConfig with string durations.
func (c *ProactiveConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		Enabled      bool    `yaml:"enabled"`
		Interval     string  `yaml:"interval"`
		StartHour    int     `yaml:"start_hour"`
		EndHour      int     `yaml:"end_hour"`
		MinScore     float64 `yaml:"min_score"`
		AutoApprove  bool    `yaml:"auto_approve"`
		HistoryLimit int     `yaml:"history_limit"`
	}
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}
	c.Enabled = r.Enabled
	c.StartHour = r.StartHour
	c.EndHour = r.EndHour
	c.MinScore = r.MinScore
	c.AutoApprove = r.AutoApprove
	c.HistoryLimit = r.HistoryLimit
	return parseDuration(&c.Interval, r.Interval, "proactive.interval")
}
