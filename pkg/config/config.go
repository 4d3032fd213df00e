// Package config defines the typed configuration for the assistant core
// and loads it from YAML with environment expansion and defaults.
package config

import "fmt"

// Config is the complete runtime configuration.
type Config struct {
	Pool      *PoolConfig      `yaml:"pool"`
	Cluster   *ClusterConfig   `yaml:"cluster"`
	Router    *RouterConfig    `yaml:"router"`
	Proactive *ProactiveConfig `yaml:"proactive"`
	Server    *ServerConfig    `yaml:"server"`
	Memory    *MemoryConfig    `yaml:"memory"`
	Backend   *BackendConfig   `yaml:"backend"`
	Toolchain *ToolchainConfig `yaml:"toolchain"`
}

// Default returns the complete built-in configuration.
func Default() *Config {
	return &Config{
		Pool:      DefaultPoolConfig(),
		Cluster:   DefaultClusterConfig(),
		Router:    DefaultRouterConfig(),
		Proactive: DefaultProactiveConfig(),
		Server:    DefaultServerConfig(),
		Memory:    DefaultMemoryConfig(),
		Backend:   DefaultBackendConfig(),
		Toolchain: DefaultToolchainConfig(),
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	for _, v := range []interface{ Validate() error }{
		c.Pool, c.Cluster, c.Router, c.Proactive, c.Server, c.Toolchain,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend: base_url is required")
	}
	return nil
}

// MemoryConfig controls the session memory store.
type MemoryConfig struct {
	// Enabled turns the Postgres-backed store on; otherwise memory writes
	// are discarded.
	Enabled bool `yaml:"enabled"`
}

// DefaultMemoryConfig returns the built-in memory defaults.
func DefaultMemoryConfig() *MemoryConfig {
	return &MemoryConfig{Enabled: false}
}

// BackendConfig locates the model inference service.
type BackendConfig struct {
	// BaseURL of the streaming inference service.
	BaseURL string `yaml:"base_url"`

	// AuthTokenEnv names the environment variable holding the bearer
	// token. Empty means unauthenticated.
	AuthTokenEnv string `yaml:"auth_token_env"`
}

// DefaultBackendConfig returns the built-in backend defaults.
func DefaultBackendConfig() *BackendConfig {
	return &BackendConfig{BaseURL: "http://localhost:11434"}
}

// ServerConfig contains HTTP API server configuration.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AuthTokenEnv names the environment variable holding the bearer token
	// required on /submit and /stream. Empty disables authentication.
	AuthTokenEnv string `yaml:"auth_token_env"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{Host: "0.0.0.0", Port: 8080}
}

// Validate checks server configuration invariants.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("server: port %d out of range", c.Port)
	}
	return nil
}
