// Package config provides configuration loading for the plan execution
// engine. Configuration is layered: built-in defaults, then an optional YAML
// file, then environment variables loaded through dotenv. A file watcher can
// re-load the YAML file on change for long-running deployments.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/planmesh/core"
)

// DefaultConfigFile is the conventional config file name looked up in the
// working directory.
const DefaultConfigFile = "planmesh.yaml"

// Config is the complete engine configuration.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Model   ModelConfig   `yaml:"model"`
	Store   StoreConfig   `yaml:"store"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// EngineConfig configures routing behaviour.
type EngineConfig struct {
	// MaxReclassifications bounds replanning attempts per turn. Once
	// exhausted, the next reclassification-severity failure is terminal.
	MaxReclassifications int `yaml:"max_reclassifications"`

	// ProviderFailure decides how non-transient model-provider failures
	// surface during classification and planning: "retriable" or "fatal".
	ProviderFailure string `yaml:"provider_failure"`

	// KeepSucceededContext keeps context written by succeeded steps when the
	// turn later fails. When false the turn's context writes are rolled back
	// on terminal failure.
	KeepSucceededContext bool `yaml:"keep_succeeded_context"`

	// PlannerRetries bounds retries of the classification and planning calls
	// themselves when they fail with a retriable error.
	PlannerRetries int `yaml:"planner_retries"`

	// StepTimeout caps a single capability execution. Zero disables the cap.
	StepTimeout time.Duration `yaml:"step_timeout"`
}

// ModelConfig configures the completion provider.
type ModelConfig struct {
	// Provider selects the adapter: "openai", "anthropic" or "mock".
	Provider string `yaml:"provider"`
	// Name is the provider-specific model identifier.
	Name string `yaml:"name"`
	// Temperature controls sampling randomness (0.0-1.0).
	Temperature float64 `yaml:"temperature"`
}

// StoreConfig configures state persistence.
type StoreConfig struct {
	// Driver selects the StateStore: "memory" or "sqlite".
	Driver string `yaml:"driver"`
	// Path is the database file location for the sqlite driver.
	Path string `yaml:"path"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a Config with working defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxReclassifications: 2,
			ProviderFailure:      "fatal",
			KeepSucceededContext: true,
			PlannerRetries:       2,
			StepTimeout:          2 * time.Minute,
		},
		Model: ModelConfig{
			Provider:    "openai",
			Temperature: 0.2,
		},
		Store: StoreConfig{
			Driver: "memory",
			Path:   "planmesh.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Engine.MaxReclassifications < 0 {
		return fmt.Errorf("engine.max_reclassifications must be >= 0")
	}
	switch c.Engine.ProviderFailure {
	case "retriable", "fatal":
	default:
		return fmt.Errorf("engine.provider_failure must be %q or %q", "retriable", "fatal")
	}
	switch c.Model.Provider {
	case "openai", "anthropic", "mock":
	default:
		return fmt.Errorf("model.provider must be one of openai, anthropic, mock")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("model.temperature must be between 0 and 1")
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("store.driver must be %q or %q", "memory", "sqlite")
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the sqlite driver")
	}
	return nil
}

// ProviderFailureSeverity maps the configured policy onto the error channel.
func (c *Config) ProviderFailureSeverity() core.Severity {
	if c.Engine.ProviderFailure == "retriable" {
		return core.SeverityRetriable
	}
	return core.SeverityFatal
}

// LoadFromFile loads configuration from a YAML file, layered over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Load resolves configuration for the working directory: dotenv first so
// provider credentials land in the environment, then the YAML file when
// present, defaults otherwise.
func Load() (*Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	if _, err := os.Stat(DefaultConfigFile); err == nil {
		return LoadFromFile(DefaultConfigFile)
	}

	config := Default()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveToFile writes the configuration as YAML, creating parent directories.
func (c *Config) SaveToFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
