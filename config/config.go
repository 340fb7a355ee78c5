// Package config loads the tool-runtime configuration from YAML.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/values"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default timing and retry settings for a managed server.
const (
	DefaultToolTimeout         = 30 * time.Second
	DefaultInitTimeout         = 60 * time.Second
	DefaultMaxRestartAttempts  = 3
	DefaultRestartDelay        = time.Second
	DefaultHealthCheckInterval = 60 * time.Second
)

// Duration unmarshals from "30s" style YAML strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return errors.Wrap(err, "invalid duration")
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// TimeDuration returns the standard library representation.
func (d Duration) TimeDuration() time.Duration {
	return time.Duration(d)
}

// ServerConfig describes one tool server to launch. Immutable after
// the server is created.
type ServerConfig struct {
	// Name identifies the server in logs, events and routing.
	Name string `json:"name" yaml:"name" validate:"required"`
	// Command is the executable to spawn.
	Command string `json:"command" yaml:"command" validate:"required"`
	// Args are passed to the command.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
	// Env is merged into the subprocess environment.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	// RequiresConfirmation lists tool names that must be confirmed by
	// the user before execution.
	RequiresConfirmation []string `json:"requires_confirmation,omitempty" yaml:"requires_confirmation,omitempty"`
}

// Settings are per-server protocol timings and restart policy.
type Settings struct {
	ToolTimeout         Duration `json:"tool_timeout,omitempty" yaml:"tool_timeout,omitempty"`
	InitTimeout         Duration `json:"init_timeout,omitempty" yaml:"init_timeout,omitempty"`
	MaxRestartAttempts  int      `json:"max_restart_attempts,omitempty" yaml:"max_restart_attempts,omitempty"`
	RestartDelay        Duration `json:"restart_delay,omitempty" yaml:"restart_delay,omitempty"`
	HealthCheckEnabled  *bool    `json:"health_check_enabled,omitempty" yaml:"health_check_enabled,omitempty"`
	HealthCheckInterval Duration `json:"health_check_interval,omitempty" yaml:"health_check_interval,omitempty"`
}

// WithDefaults fills unset fields with the package defaults.
func (s Settings) WithDefaults() Settings {
	s.ToolTimeout = values.NumbersCoalesce(s.ToolTimeout, Duration(DefaultToolTimeout))
	s.InitTimeout = values.NumbersCoalesce(s.InitTimeout, Duration(DefaultInitTimeout))
	s.MaxRestartAttempts = values.NumbersCoalesce(s.MaxRestartAttempts, DefaultMaxRestartAttempts)
	s.RestartDelay = values.NumbersCoalesce(s.RestartDelay, Duration(DefaultRestartDelay))
	s.HealthCheckInterval = values.NumbersCoalesce(s.HealthCheckInterval, Duration(DefaultHealthCheckInterval))
	if s.HealthCheckEnabled == nil {
		enabled := true
		s.HealthCheckEnabled = &enabled
	}
	return s
}

// Config is the root MCP configuration.
type Config struct {
	// Enabled turns the whole tool subsystem on or off.
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Servers are started on Manager.StartServers.
	Servers []ServerConfig `json:"servers,omitempty" yaml:"servers,omitempty" validate:"dive"`
	// Settings apply to every managed server.
	Settings Settings `json:"settings,omitempty" yaml:"settings,omitempty"`
	// Redis, when set, enables the Redis-backed result cache.
	Redis *RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// RedisConfig configures the optional shared result cache.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr" validate:"required,hostname_port"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	return Parse(bs)
}

// Parse decodes and validates YAML configuration.
func Parse(bs []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	cfg.Settings = cfg.Settings.WithDefaults()
	return &cfg, nil
}

// DefaultToolsConfig returns the stock configuration launching the
// bundled Python tool server from the runtime directory.
func DefaultToolsConfig(runtimePath string) *Config {
	return &Config{
		Enabled: true,
		Servers: []ServerConfig{
			{
				Name:    "system-tools",
				Command: "python3",
				Args:    []string{runtimePath + "/mcp-servers/system-tools/server.py"},
				RequiresConfirmation: []string{
					"pkg_install",
					"pkg_remove",
					"service_control",
				},
			},
		},
		Settings: Settings{}.WithDefaults(),
	}
}
