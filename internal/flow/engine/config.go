package engine

import (
	"encoding/json"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// BackoffConfig configures retry delays between dispatch attempts of the
// same task.
type BackoffConfig struct {
	InitialDelayMS int     `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	BackoffFactor  float64 `json:"backoff_factor" yaml:"backoff_factor"`
	MaxDelayMS     int     `json:"max_delay_ms" yaml:"max_delay_ms"`
	Jitter         bool    `json:"jitter" yaml:"jitter"`
}

func defaultBackoffConfig() BackoffConfig {
	return BackoffConfig{InitialDelayMS: 200, BackoffFactor: 2.0, MaxDelayMS: 60_000, Jitter: true}
}

// Config is the run's tunable policy, loaded from config.json and optionally
// overridden by a sibling flow.config.yaml. JSON is the baseline so every
// run directory is self-describing without a YAML dependency; YAML is an
// optional richer layer for humans hand-editing local overrides.
type Config struct {
	Backoff             BackoffConfig `json:"backoff" yaml:"backoff"`
	MaxRetries          int           `json:"max_retries" yaml:"max_retries"`
	CircuitBreakerLimit int           `json:"circuit_breaker_limit" yaml:"circuit_breaker_limit"`
	LockStalenessMS     int           `json:"lock_staleness_ms" yaml:"lock_staleness_ms"`
	EventLogRotateBytes int64         `json:"event_log_rotate_bytes" yaml:"event_log_rotate_bytes"`
	BackupRetention     int           `json:"backup_retention" yaml:"backup_retention"`
}

func defaultConfig() Config {
	return Config{
		Backoff:             defaultBackoffConfig(),
		MaxRetries:          5,
		CircuitBreakerLimit: 3,
		LockStalenessMS:     30_000,
		EventLogRotateBytes: 16 * 1024 * 1024,
		BackupRetention:     10,
	}
}

// LoadConfig reads config.json from dir (if present) and layers
// flow.config.yaml over it (if present), returning defaults when neither
// file exists.
func LoadConfig(dir string) (Config, error) {
	cfg := defaultConfig()

	jsonPath := filepath.Join(dir, "config.json")
	if raw, err := os.ReadFile(jsonPath); err == nil {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, err
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}

	yamlPath := filepath.Join(dir, "flow.config.yaml")
	if raw, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, err
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}

	if cfg.Backoff.BackoffFactor <= 0 {
		cfg.Backoff.BackoffFactor = 1.0
	}
	if cfg.Backoff.InitialDelayMS < 0 {
		cfg.Backoff.InitialDelayMS = 0
	}
	return cfg, nil
}

// roleGlobs is config.json's optional "roles" section: role name -> allowed
// write globs, consumed by toolscope.Environment construction at hydration.
type roleGlobs map[string][]string

func loadRoleGlobs(dir string) (roleGlobs, error) {
	var raw struct {
		Roles roleGlobs `json:"roles"`
	}
	path := filepath.Join(dir, "config.json")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return roleGlobs{}, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	if raw.Roles == nil {
		raw.Roles = roleGlobs{}
	}
	return raw.Roles, nil
}
