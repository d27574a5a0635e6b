// Package config provides configuration for mnemo. Settings come from three
// layers, later layers winning: built-in defaults, an optional YAML file,
// and environment variables with the MNEMO_ prefix. Every lifecycle
// threshold and decay constant is configuration, not a hard-coded curve.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/mnemo/internal/engine"
)

// Config holds all settings for the mnemo binaries.
type Config struct {
	Server          ServerConfig                 `yaml:"server"`
	Storage         StorageConfig                `yaml:"storage"`
	Decay           engine.DecayParams           `yaml:"decay"`
	Lifecycle       engine.LifecycleParams       `yaml:"lifecycle"`
	Reconsolidation engine.ReconsolidationParams `yaml:"reconsolidation"`
	Collaborator    engine.CollaboratorParams    `yaml:"collaborator"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port int    `yaml:"port"` // default: 7070
	Host string `yaml:"host"` // default: 127.0.0.1
}

// StorageConfig selects and parameterizes the backend.
type StorageConfig struct {
	// Engine is "sqlite" or "postgres". Default: sqlite.
	Engine string `yaml:"engine"`

	// SQLitePath is the database file, ":memory:" for ephemeral stores.
	// Default: ./data/mnemo.db.
	SQLitePath string `yaml:"sqlite_path"`

	// PostgresURL is the connection string for the postgres engine.
	PostgresURL string `yaml:"postgres_url"`
}

// Load builds the configuration. path names an optional YAML file; an empty
// path or a missing file is not an error. Environment variables override
// file values.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)
	cfg.Normalize()
	return cfg, nil
}

// Normalize fills zero values across all sections.
func (c *Config) Normalize() {
	if c.Server.Port == 0 {
		c.Server.Port = 7070
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Storage.Engine == "" {
		c.Storage.Engine = "sqlite"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/mnemo.db"
	}
	c.Decay.Normalize()
	c.Lifecycle.Normalize()
	c.Reconsolidation.Normalize()
	c.Collaborator.Normalize()
}

func defaults() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnvInt("MNEMO_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnv("MNEMO_HOST", cfg.Server.Host)

	cfg.Storage.Engine = getEnv("MNEMO_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.SQLitePath = getEnv("MNEMO_SQLITE_PATH", cfg.Storage.SQLitePath)
	cfg.Storage.PostgresURL = getEnv("MNEMO_POSTGRES_URL", cfg.Storage.PostgresURL)

	cfg.Decay.HalfLifeHours = getEnvFloat("MNEMO_DECAY_HALF_LIFE_HOURS", cfg.Decay.HalfLifeHours)
	cfg.Decay.AccessBoost = getEnvFloat("MNEMO_DECAY_ACCESS_BOOST", cfg.Decay.AccessBoost)
	cfg.Decay.AccessBoostCap = getEnvFloat("MNEMO_DECAY_ACCESS_BOOST_CAP", cfg.Decay.AccessBoostCap)

	cfg.Lifecycle.ConsolidateMaxRetention = getEnvFloat("MNEMO_CONSOLIDATE_MAX_RETENTION", cfg.Lifecycle.ConsolidateMaxRetention)
	cfg.Lifecycle.ConsolidateMinAge = getEnvDuration("MNEMO_CONSOLIDATE_MIN_AGE", cfg.Lifecycle.ConsolidateMinAge)
	cfg.Lifecycle.SimilarityThreshold = getEnvFloat("MNEMO_SIMILARITY_THRESHOLD", cfg.Lifecycle.SimilarityThreshold)
	cfg.Lifecycle.MinClusterSize = getEnvInt("MNEMO_MIN_CLUSTER_SIZE", cfg.Lifecycle.MinClusterSize)
	cfg.Lifecycle.AbstractMinAge = getEnvDuration("MNEMO_ABSTRACT_MIN_AGE", cfg.Lifecycle.AbstractMinAge)
	cfg.Lifecycle.EdgeForgetThreshold = getEnvFloat("MNEMO_EDGE_FORGET_THRESHOLD", cfg.Lifecycle.EdgeForgetThreshold)
	cfg.Lifecycle.NodeForgetThreshold = getEnvFloat("MNEMO_NODE_FORGET_THRESHOLD", cfg.Lifecycle.NodeForgetThreshold)
	cfg.Lifecycle.ConsolidatePeriod = getEnvDuration("MNEMO_CONSOLIDATE_PERIOD", cfg.Lifecycle.ConsolidatePeriod)
	cfg.Lifecycle.AbstractPeriod = getEnvDuration("MNEMO_ABSTRACT_PERIOD", cfg.Lifecycle.AbstractPeriod)
	cfg.Lifecycle.ForgetPeriod = getEnvDuration("MNEMO_FORGET_PERIOD", cfg.Lifecycle.ForgetPeriod)

	cfg.Reconsolidation.DuplicateThreshold = getEnvFloat("MNEMO_DUPLICATE_THRESHOLD", cfg.Reconsolidation.DuplicateThreshold)
	cfg.Reconsolidation.AmbiguousThreshold = getEnvFloat("MNEMO_AMBIGUOUS_THRESHOLD", cfg.Reconsolidation.AmbiguousThreshold)

	cfg.Collaborator.Timeout = getEnvDuration("MNEMO_COLLABORATOR_TIMEOUT", cfg.Collaborator.Timeout)
	cfg.Collaborator.RatePerSecond = getEnvFloat("MNEMO_COLLABORATOR_RATE", cfg.Collaborator.RatePerSecond)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value when unset or unparsable.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value when unset or unparsable.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go duration
// syntax, e.g. "72h") or returns a default value when unset or unparsable.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
