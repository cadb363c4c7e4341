package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/threadloop/internal/worker"
)

// EnvPrefix is prepended to every environment override, e.g. THREADLOOP_DELAY.
const EnvPrefix = "THREADLOOP"

// Config is the effective configuration of a threadloop run.
type Config struct {
	Delay       time.Duration `yaml:"delay" json:"delay"`
	Iterations  uint64        `yaml:"iterations" json:"iterations"`
	MaxThreads  int           `yaml:"max_threads" json:"max_threads"`
	MetricsAddr string        `yaml:"metrics_addr" json:"metrics_addr"`
	MetricsRPS  float64       `yaml:"metrics_rps" json:"metrics_rps"`

	Log     LogConfig     `yaml:"log" json:"log"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// LogConfig controls the logging sink.
type LogConfig struct {
	Level   string `yaml:"level" json:"level"`
	Format  string `yaml:"format" json:"format"`
	File    string `yaml:"file" json:"file"`
	MaxSize int64  `yaml:"max_size" json:"max_size"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Service  string `yaml:"service" json:"service"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Delay:      worker.DefaultDelay,
		MetricsRPS: 20,
		Log: LogConfig{
			Level:   "info",
			Format:  "text",
			MaxSize: 100 * 1024 * 1024,
		},
		Tracing: TracingConfig{
			Service: "threadloop",
		},
	}
}

// SetDefaults registers Default() with v so unset keys resolve to it.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("delay", d.Delay)
	v.SetDefault("iterations", d.Iterations)
	v.SetDefault("max_threads", d.MaxThreads)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("metrics_rps", d.MetricsRPS)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size", d.Log.MaxSize)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service", d.Tracing.Service)
}

// BindEnv makes every key overridable from THREADLOOP_* variables;
// nested keys use underscores, e.g. THREADLOOP_LOG_LEVEL.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// FromViper reads the effective configuration out of v and validates it.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Delay:       v.GetDuration("delay"),
		Iterations:  v.GetUint64("iterations"),
		MaxThreads:  v.GetInt("max_threads"),
		MetricsAddr: v.GetString("metrics_addr"),
		MetricsRPS:  v.GetFloat64("metrics_rps"),
		Log: LogConfig{
			Level:   v.GetString("log.level"),
			Format:  v.GetString("log.format"),
			File:    v.GetString("log.file"),
			MaxSize: v.GetInt64("log.max_size"),
		},
		Tracing: TracingConfig{
			Enabled:  v.GetBool("tracing.enabled"),
			Endpoint: v.GetString("tracing.endpoint"),
			Service:  v.GetString("tracing.service"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads a YAML config file on top of Default(). Unknown keys are rejected.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that every field is usable.
func (c Config) Validate() error {
	if c.Delay < 0 {
		return fmt.Errorf("delay must not be negative, got %s", c.Delay)
	}
	if c.MaxThreads < 0 {
		return fmt.Errorf("max_threads must not be negative, got %d", c.MaxThreads)
	}
	if c.MetricsRPS < 0 {
		return fmt.Errorf("metrics_rps must not be negative, got %g", c.MetricsRPS)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}
	if c.Log.MaxSize < 0 {
		return fmt.Errorf("log max_size must not be negative, got %d", c.Log.MaxSize)
	}
	if c.Tracing.Enabled && c.Tracing.Service == "" {
		return errors.New("tracing.service is required when tracing is enabled")
	}
	return nil
}

// MarshalJSON renders the delay as a duration string rather than nanoseconds.
func (c Config) MarshalJSON() ([]byte, error) {
	type plain Config
	return json.Marshal(struct {
		plain
		Delay string `json:"delay"`
	}{plain: plain(c), Delay: c.Delay.String()})
}
