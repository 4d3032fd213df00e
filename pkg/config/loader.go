package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the YAML file looked up inside the config directory.
const ConfigFileName = "adjutant.yaml"

// Initialize loads, merges, and validates configuration. This is the
// primary entry point for configuration loading.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Load adjutant.yaml from configDir (optional)
//  3. Expand environment variables in the file content
//  4. Overlay user values over the defaults
//  5. Validate the merged result
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := Default()

	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Info("No config file found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	default:
		user := &Config{}
		if err := yaml.Unmarshal(ExpandEnv(data), user); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if err := overlay(cfg, user); err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
		log.Info("Configuration file loaded", "path", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"workers", cfg.Pool.WorkerCount,
		"nodes", len(cfg.Cluster.Nodes),
		"proactive", cfg.Proactive.Enabled)
	return cfg, nil
}

// overlay merges user-provided sections over the defaults. Only non-zero
// user values override.
func overlay(dst, src *Config) error {
	if src.Pool != nil {
		if err := mergo.Merge(dst.Pool, src.Pool, mergo.WithOverride); err != nil {
			return err
		}
	}
	if src.Cluster != nil {
		if err := mergo.Merge(dst.Cluster, src.Cluster, mergo.WithOverride); err != nil {
			return err
		}
	}
	if src.Router != nil {
		if err := mergo.Merge(dst.Router, src.Router, mergo.WithOverride); err != nil {
			return err
		}
	}
	if src.Proactive != nil {
		if err := mergo.Merge(dst.Proactive, src.Proactive, mergo.WithOverride); err != nil {
			return err
		}
	}
	if src.Server != nil {
		if err := mergo.Merge(dst.Server, src.Server, mergo.WithOverride); err != nil {
			return err
		}
	}
	if src.Memory != nil {
		if err := mergo.Merge(dst.Memory, src.Memory, mergo.WithOverride); err != nil {
			return err
		}
	}
	if src.Backend != nil {
		if err := mergo.Merge(dst.Backend, src.Backend, mergo.WithOverride); err != nil {
			return err
		}
	}
	if src.Toolchain != nil {
		if err := mergo.Merge(dst.Toolchain, src.Toolchain, mergo.WithOverride); err != nil {
			return err
		}
	}
	return nil
}
