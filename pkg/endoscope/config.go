// Package endoscope holds the user-facing configuration of the injector.
package endoscope

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"

	"github.com/grafana/endoscope/pkg/config"
	"github.com/grafana/endoscope/internal/imetrics"
	"github.com/grafana/endoscope/internal/inject"
	"github.com/grafana/endoscope/internal/probe"
)

type Config struct {
	LogLevel string `yaml:"log_level" env:"ENDOSCOPE_LOG_LEVEL"`

	// Injector forces the injection strategy. The platform default for the mode is used if empty.
	Injector string `yaml:"injector" env:"ENDOSCOPE_INJECTOR"`

	Probe probe.Config `yaml:"probe"`

	// Injection options of each strategy, at the top level of the YAML document
	Injection inject.Options `yaml:",inline"`

	InternalMetrics imetrics.Config `yaml:"internal_metrics"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "INFO",
		Probe:     probe.Config{Name: probe.DefaultName, BuildType: probe.BuildRelease},
		Injection: inject.DefaultOptions,
	}
}

type ConfigError string

func (e ConfigError) Error() string {
	return string(e)
}

func (c *Config) Validate() error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return ConfigError(fmt.Sprintf("invalid log_level %q. Accepted values: DEBUG, INFO, WARN, ERROR", c.LogLevel))
	}
	if c.Probe.Name == "" {
		return ConfigError("probe name can't be empty")
	}
	if err := c.Probe.Validate(); err != nil {
		return ConfigError(err.Error())
	}
	if c.Injection.Launch.ConfirmTimeout <= 0 {
		return ConfigError("ENDOSCOPE_LAUNCH_CONFIRM_TIMEOUT duration must be greater than 0s")
	}
	if c.Injection.Launch.PollInterval <= 0 {
		return ConfigError("ENDOSCOPE_LAUNCH_POLL_INTERVAL duration must be greater than 0s")
	}
	if c.Injection.GDB.Timeout <= 0 {
		return ConfigError("ENDOSCOPE_GDB_TIMEOUT duration must be greater than 0s")
	}
	if c.Injection.Node.Timeout <= 0 {
		return ConfigError("ENDOSCOPE_NODE_TIMEOUT duration must be greater than 0s")
	}
	if c.Injection.Node.InspectorAddr == "" {
		return ConfigError("node inspector address can't be empty")
	}
	return nil
}

// LoadConfig overrides configuration in the following order (from less to most priority)
// 1 - Default configuration
// 2 - Contents of the provided file reader (nillable)
// 3 - Environment variables
func LoadConfig(file io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	if file != nil {
		cfgBuf, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("reading YAML configuration: %w", err)
		}
		// replaces environment variables in YAML file
		cfgBuf = config.ReplaceEnv(cfgBuf)
		if err := yaml.Unmarshal(cfgBuf, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML configuration: %w", err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("reading env vars: %w", err)
	}
	return cfg, nil
}
