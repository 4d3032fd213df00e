package config

import (
	"fmt"
	"time"
)

// NodeConfig describes one remote executor node.
type NodeConfig struct {
	Name string `yaml:"name"`

	// BaseURL is the node's HTTP endpoint, e.g. "http://node-a:8090".
	BaseURL string `yaml:"base_url"`

	// Labels are the capabilities this node advertises.
	Labels []string `yaml:"labels"`

	// AuthTokenEnv names the environment variable holding the node's bearer
	// token. Empty means unauthenticated.
	AuthTokenEnv string `yaml:"auth_token_env"`

	// Weight biases node selection; higher wins among equally-loaded nodes.
	Weight int `yaml:"weight"`
}

// ClusterConfig contains dispatcher and remote executor configuration.
type ClusterConfig struct {
	Nodes []NodeConfig `yaml:"nodes"`

	// StreamBuffer is the per-stream channel capacity. A full channel
	// blocks the producing handler; this is the intended flow control.
	StreamBuffer int `yaml:"stream_buffer"`

	// SubmitRatePerNode and SubmitBurst bound outbound submissions per
	// node, in requests per second.
	SubmitRatePerNode float64 `yaml:"submit_rate_per_node"`
	SubmitBurst       int     `yaml:"submit_burst"`

	// RequestTimeout bounds one remote submit round trip.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultClusterConfig returns the built-in cluster defaults.
func DefaultClusterConfig() *ClusterConfig {
	return &ClusterConfig{
		StreamBuffer:      64,
		SubmitRatePerNode: 20,
		SubmitBurst:       10,
		RequestTimeout:    30 * time.Second,
	}
}

// Validate checks cluster configuration invariants.
func (c *ClusterConfig) Validate() error {
	if c.StreamBuffer < 1 {
		return fmt.Errorf("cluster: stream_buffer must be >= 1, got %d", c.StreamBuffer)
	}
	for i, n := range c.Nodes {
		if n.Name == "" {
			return fmt.Errorf("cluster: node %d has no name", i)
		}
		if n.BaseURL == "" {
			return fmt.Errorf("cluster: node %q has no base_url", n.Name)
		}
		if n.Weight < 0 {
			return fmt.Errorf("cluster: node %q has negative weight", n.Name)
		}
	}
	return nil
}
