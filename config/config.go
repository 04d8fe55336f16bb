// Package config loads perfpipe settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/songzhibin97/perf-pipeline/runner"
)

// EnvPrefix prefixes every environment override, e.g. PERFPIPE_LOG_LEVEL.
const EnvPrefix = "PERFPIPE"

// Validation modes.
const (
	ValidationBuiltin = "builtin"
	ValidationCommand = "command"
)

// Registry backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Stage is one external stage executable.
type Stage struct {
	Command runner.Command `mapstructure:"command"`
	Timeout time.Duration  `mapstructure:"timeout"`
}

// Config holds the configuration for the application.
type Config struct {
	WorkDir string `mapstructure:"work_dir"`
	Task    struct {
		File       string `mapstructure:"file"`
		Record     string `mapstructure:"record"`
		DefaultURL string `mapstructure:"default_url"`
	} `mapstructure:"task"`
	Stages struct {
		Capture Stage `mapstructure:"capture"`
		Steps   struct {
			Stage     `mapstructure:",squash"`
			OutputDir string   `mapstructure:"output_dir"`
			Expected  []string `mapstructure:"expected"`
		} `mapstructure:"steps"`
		Scripts struct {
			Stage     `mapstructure:",squash"`
			OutputDir string `mapstructure:"output_dir"`
			Extension string `mapstructure:"extension"`
		} `mapstructure:"scripts"`
	} `mapstructure:"stages"`
	Validation struct {
		Mode        string         `mapstructure:"mode"`
		Command     runner.Command `mapstructure:"command"`
		Timeout     time.Duration  `mapstructure:"timeout"`
		ReportDir   string         `mapstructure:"report_dir"`
		Gate        string         `mapstructure:"gate"`
		EnforceGate bool           `mapstructure:"enforce_gate"`
	} `mapstructure:"validation"`
	Registry struct {
		Backend       string        `mapstructure:"backend"`
		Retention     time.Duration `mapstructure:"retention"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
		Redis         struct {
			Addr         string        `mapstructure:"addr"`
			Password     string        `mapstructure:"password"`
			DB           int           `mapstructure:"db"`
			PoolSize     int           `mapstructure:"pool_size"`
			MinIdleConns int           `mapstructure:"min_idle_conns"`
			IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
		} `mapstructure:"redis"`
	} `mapstructure:"registry"`
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("work_dir", ".")

	v.SetDefault("task.file", "log.py")
	v.SetDefault("task.record", "task.yaml")
	v.SetDefault("task.default_url", "https://example.com")

	v.SetDefault("stages.capture.command.path", "python3")
	v.SetDefault("stages.capture.command.args", []string{"log.py"})
	v.SetDefault("stages.capture.command.env", []string{})
	v.SetDefault("stages.capture.command.requires", []string{"log.py"})
	v.SetDefault("stages.capture.timeout", 300*time.Second)

	v.SetDefault("stages.steps.command.path", "python3")
	v.SetDefault("stages.steps.command.args", []string{"TestSteps.py"})
	v.SetDefault("stages.steps.command.env", []string{})
	v.SetDefault("stages.steps.command.requires", []string{"TestSteps.py"})
	v.SetDefault("stages.steps.timeout", 120*time.Second)
	v.SetDefault("stages.steps.output_dir", "TestSteps_Output")
	v.SetDefault("stages.steps.expected", []string{
		"TestSteps_Output/test_steps_structured.json",
		"TestSteps_Output/test_steps_simple.json",
		"TestSteps_Output/TestSteps.txt",
		"TestSteps_Output/correlation_rules.json",
	})

	v.SetDefault("stages.scripts.command.path", "python3")
	v.SetDefault("stages.scripts.command.args", []string{"PTScript.py"})
	v.SetDefault("stages.scripts.command.env", []string{})
	v.SetDefault("stages.scripts.command.requires", []string{"PTScript.py"})
	v.SetDefault("stages.scripts.timeout", 180*time.Second)
	v.SetDefault("stages.scripts.output_dir", "JMX_SCRIPT_OUTPUT")
	v.SetDefault("stages.scripts.extension", ".jmx")

	v.SetDefault("validation.mode", ValidationBuiltin)
	v.SetDefault("validation.command.path", "python3")
	v.SetDefault("validation.command.args", []string{"validation.py"})
	v.SetDefault("validation.command.env", []string{})
	v.SetDefault("validation.command.requires", []string{"validation.py"})
	v.SetDefault("validation.timeout", 60*time.Second)
	v.SetDefault("validation.report_dir", ".")
	v.SetDefault("validation.gate", "failed == 0")
	v.SetDefault("validation.enforce_gate", false)

	v.SetDefault("registry.backend", BackendMemory)
	v.SetDefault("registry.retention", 24*time.Hour)
	v.SetDefault("registry.sweep_interval", 10*time.Minute)
	v.SetDefault("registry.redis.addr", "localhost:6379")
	v.SetDefault("registry.redis.password", "")
	v.SetDefault("registry.redis.db", 0)
	v.SetDefault("registry.redis.pool_size", 10)
	v.SetDefault("registry.redis.min_idle_conns", 2)
	v.SetDefault("registry.redis.idle_timeout", 5*time.Minute)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration. An explicit path must exist; without one,
// perfpipe.yaml is looked up in . and ./config and may be absent.
// Environment variables override both, e.g. PERFPIPE_REGISTRY_BACKEND=redis.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("perfpipe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.WorkDir != "", "work_dir is empty")
	check(c.Task.File != "", "task.file is empty")
	check(strings.HasPrefix(c.Task.DefaultURL, "http://") || strings.HasPrefix(c.Task.DefaultURL, "https://"),
		"task.default_url %q is not an http(s) URL", c.Task.DefaultURL)

	for name, s := range map[string]Stage{
		"capture": c.Stages.Capture,
		"steps":   c.Stages.Steps.Stage,
		"scripts": c.Stages.Scripts.Stage,
	} {
		check(s.Command.Path != "", "stages.%s.command.path is empty", name)
		check(s.Timeout > 0, "stages.%s.timeout must be positive", name)
	}
	check(c.Stages.Steps.OutputDir != "", "stages.steps.output_dir is empty")
	check(c.Stages.Scripts.OutputDir != "", "stages.scripts.output_dir is empty")
	check(strings.HasPrefix(c.Stages.Scripts.Extension, "."), "stages.scripts.extension %q must start with a dot", c.Stages.Scripts.Extension)

	switch c.Validation.Mode {
	case ValidationBuiltin:
	case ValidationCommand:
		check(c.Validation.Command.Path != "", "validation.command.path is empty")
		check(c.Validation.Timeout > 0, "validation.timeout must be positive")
	default:
		check(false, "validation.mode %q is not one of builtin, command", c.Validation.Mode)
	}

	switch c.Registry.Backend {
	case BackendMemory:
	case BackendRedis:
		check(c.Registry.Redis.Addr != "", "registry.redis.addr is empty")
	default:
		check(false, "registry.backend %q is not one of memory, redis", c.Registry.Backend)
	}
	check(c.Registry.Retention >= 0, "registry.retention must not be negative")

	switch c.Log.Format {
	case "text", "json":
	default:
		check(false, "log.format %q is not one of text, json", c.Log.Format)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
