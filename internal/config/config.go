package config

import (
	"os"
	"strings"

	"codeberg.org/mutker/gpudiag/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel            = "info"
	DefaultThresholdsPath      = "/etc/gpudiag/diagnostics.conf"
	DefaultSampleIntervalMs    = 200
	DefaultPowerSampleInterval = 3000
	DefaultTemperatureCeiling  = 80
	DefaultHistoryDB           = "/var/lib/gpudiag/history.db"
	DefaultListen              = "127.0.0.1:9750"
	DefaultPIDFile             = "gpudiag.pid"

	defaultEnvPrefix  = "GPUDIAG"
	defaultConfigName = "gpudiag"
	defaultConfigDir  = "/etc"
)

type Config struct {
	LogLevel              string          `mapstructure:"log_level"`
	Thresholds            string          `mapstructure:"thresholds"`
	SampleIntervalMs      int             `mapstructure:"sample_interval"`
	PowerSampleIntervalMs int             `mapstructure:"power_sample_interval"`
	TemperatureCeiling    int             `mapstructure:"temperature_ceiling"`
	RequiredEnv           []string        `mapstructure:"required_env"`
	RequiredLibraries     []string        `mapstructure:"required_libraries"`
	PIDFile               string          `mapstructure:"pid_file"`
	Benchmark             BenchmarkConfig `mapstructure:"benchmark"`
	History               HistoryConfig   `mapstructure:"history"`
	Server                ServerConfig    `mapstructure:"server"`
}

type BenchmarkConfig struct {
	Command string `mapstructure:"command"`
	Timeout int    `mapstructure:"timeout"`
}

type HistoryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Database     string `mapstructure:"database"`
	BatchSize    int    `mapstructure:"batch_size"`
	BatchTimeout int    `mapstructure:"batch_timeout"`
}

type ServerConfig struct {
	Listen  string `mapstructure:"listen"`
	Metrics bool   `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("thresholds", DefaultThresholdsPath)
	v.SetDefault("sample_interval", DefaultSampleIntervalMs)
	v.SetDefault("power_sample_interval", DefaultPowerSampleInterval)
	v.SetDefault("temperature_ceiling", DefaultTemperatureCeiling)
	v.SetDefault("required_env", []string{})
	v.SetDefault("required_libraries", []string{"libnvidia-ml.so.1", "libcuda.so.1"})
	v.SetDefault("pid_file", DefaultPIDFile)
	v.SetDefault("benchmark.command", "")
	v.SetDefault("benchmark.timeout", 600)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.database", DefaultHistoryDB)
	v.SetDefault("history.batch_size", 16)
	v.SetDefault("history.batch_timeout", 5)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.metrics", true)
}

// Load reads the configuration file, the environment and any flags that were
// explicitly set on flags (which may be nil).
func Load(flags *pflag.FlagSet, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: defaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := o.configPath
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err).
				WithMessage("Failed to read config file " + path)
		}
	} else {
		v.SetConfigName(defaultConfigName)
		v.SetConfigType("toml")
		v.AddConfigPath(defaultConfigDir)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errFactory.Wrap(errors.ErrReadConfig, err).
					WithMessage("Failed to read config file")
			}
		}
	}

	if flags != nil {
		var bindErr error
		flags.Visit(func(f *pflag.Flag) {
			if key, ok := flagKeys[f.Name]; ok {
				if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
					bindErr = err
				}
			}
		})
		if bindErr != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, bindErr)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"log-level":  "log_level",
	"thresholds": "thresholds",
	"benchmark":  "benchmark.command",
	"history":    "history.enabled",
	"database":   "history.database",
	"listen":     "server.listen",
	"metrics":    "server.metrics",
	"pid-file":   "pid_file",
}

// Validate checks value ranges and returns the first violation found.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() && c.LogLevel != "warn" {
		return errFactory.Wrap(errors.ErrInvalidLogLevel, &ValidationError{
			Field:  "log_level",
			Value:  c.LogLevel,
			Reason: "must be one of debug, info, warning, error",
		})
	}

	if c.SampleIntervalMs <= 0 {
		return errFactory.Wrap(errors.ErrInvalidInterval, &ValidationError{
			Field:  "sample_interval",
			Value:  c.SampleIntervalMs,
			Reason: "must be positive",
		})
	}

	if c.PowerSampleIntervalMs <= 0 {
		return errFactory.Wrap(errors.ErrInvalidInterval, &ValidationError{
			Field:  "power_sample_interval",
			Value:  c.PowerSampleIntervalMs,
			Reason: "must be positive",
		})
	}

	if c.TemperatureCeiling <= 0 {
		return errFactory.Wrap(errors.ErrInvalidConfig, &ValidationError{
			Field:  "temperature_ceiling",
			Value:  c.TemperatureCeiling,
			Reason: "must be positive",
		})
	}

	if c.History.Enabled && c.History.Database == "" {
		return errFactory.Wrap(errors.ErrMissingConfig, &ValidationError{
			Field:  "history.database",
			Value:  c.History.Database,
			Reason: "required when history is enabled",
		})
	}

	return nil
}
