// Package config loads the service configuration from configs/config.yml,
// BENCH_* environment variables and command-line flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"optical_bench/internal/models"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "BENCH"

type Config struct {
	Port        string            `mapstructure:"port"`
	Log         LogConfig         `mapstructure:"log"`
	Server      ServerConfig      `mapstructure:"server"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition"`
	Exposure    ExposureConfig    `mapstructure:"exposure"`
	EventLog    EventLogConfig    `mapstructure:"eventlog"`
	Simulator   SimulatorConfig   `mapstructure:"simulator"`
	WebSocket   WebSocketConfig   `mapstructure:"websocket"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console | json
}

type ServerConfig struct {
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type AcquisitionConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	StaleFactor      int           `mapstructure:"stale_factor"`
	PollTimeout      time.Duration `mapstructure:"poll_timeout"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	LogEvery         int           `mapstructure:"log_every"`
	HistorySize      int           `mapstructure:"history_size"`
}

// StaleAfter is how long the loop tolerates silence before degrading.
func (a AcquisitionConfig) StaleAfter() time.Duration {
	return a.Interval * time.Duration(a.StaleFactor)
}

type ExposureConfig struct {
	MaxDuration      time.Duration `mapstructure:"max_duration"`
	MaxPowerMW       float64       `mapstructure:"max_power_mw"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	CheckInterval    time.Duration `mapstructure:"check_interval"`
	ActuationTimeout time.Duration `mapstructure:"actuation_timeout"`
}

type EventLogConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	JournalPath   string        `mapstructure:"journal_path"` // empty disables the on-disk journal
}

type SimulatorConfig struct {
	Seed      int64   `mapstructure:"seed"` // 0 seeds from the clock
	FaultRate float64 `mapstructure:"fault_rate"`
}

type WebSocketConfig struct {
	WriteWait  time.Duration `mapstructure:"write_wait"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("acquisition.interval", "100ms")
	v.SetDefault("acquisition.stale_factor", 3)
	v.SetDefault("acquisition.poll_timeout", "0s") // 0 means one interval
	v.SetDefault("acquisition.subscriber_buffer", 1024)
	v.SetDefault("acquisition.log_every", 10)
	v.SetDefault("acquisition.history_size", 100)

	v.SetDefault("exposure.max_duration", "300s")
	v.SetDefault("exposure.max_power_mw", 200.0)
	v.SetDefault("exposure.progress_interval", "1s")
	v.SetDefault("exposure.check_interval", "100ms")
	v.SetDefault("exposure.actuation_timeout", "2s")

	v.SetDefault("eventlog.flush_interval", "1s")
	v.SetDefault("eventlog.journal_path", "")

	v.SetDefault("simulator.seed", 0)
	v.SetDefault("simulator.fault_rate", 0.0)

	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.ping_period", "54s")
}

// Load parses args (without the program name) and builds the configuration.
// A missing default config file is not an error; a missing --config file is.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("optical-bench", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to the config file (default configs/config.yml)")
	fs.String("port", "", "HTTP listen port")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.String("log-format", "", "log encoder: console or json")
	fs.String("journal", "", "directory for the on-disk event journal")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if *configPath != "" {
		v.SetConfigFile(*configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if *configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// Override config file values with command line flags
	for key, flag := range map[string]string{
		"port":                  "port",
		"log.level":             "log-level",
		"log.format":            "log-format",
		"eventlog.journal_path": "journal",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.Port = strings.TrimPrefix(strings.TrimSpace(c.Port), ":")
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Acquisition.PollTimeout == 0 {
		c.Acquisition.PollTimeout = c.Acquisition.Interval
	}
	if c.WebSocket.PingPeriod == 0 {
		c.WebSocket.PingPeriod = 54 * time.Second
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	if c.Acquisition.Interval <= 0 {
		errs = append(errs, errors.New("acquisition.interval must be > 0"))
	}
	if c.Acquisition.StaleFactor < 1 {
		errs = append(errs, errors.New("acquisition.stale_factor must be >= 1"))
	}
	if c.Acquisition.PollTimeout < 0 || c.Acquisition.PollTimeout > c.Acquisition.StaleAfter() {
		errs = append(errs, errors.New("acquisition.poll_timeout must be within the stale window"))
	}
	if c.Acquisition.SubscriberBuffer < 1 {
		errs = append(errs, errors.New("acquisition.subscriber_buffer must be >= 1"))
	}
	if c.Acquisition.LogEvery < 0 || c.Acquisition.HistorySize < 0 {
		errs = append(errs, errors.New("acquisition.log_every and acquisition.history_size must be >= 0"))
	}
	if c.Exposure.MaxDuration <= 0 || c.Exposure.MaxDuration > models.MaxExposureDuration {
		errs = append(errs, fmt.Errorf("exposure.max_duration must be in (0, %s], got %s", models.MaxExposureDuration, c.Exposure.MaxDuration))
	}
	if c.Exposure.MaxPowerMW <= 0 || c.Exposure.MaxPowerMW > models.MaxLaserPowerMW {
		errs = append(errs, fmt.Errorf("exposure.max_power_mw must be in (0, %g], got %g", models.MaxLaserPowerMW, c.Exposure.MaxPowerMW))
	}
	if c.Exposure.ProgressInterval <= 0 || c.Exposure.CheckInterval <= 0 || c.Exposure.ActuationTimeout <= 0 {
		errs = append(errs, errors.New("exposure intervals and timeouts must be > 0"))
	}
	if c.EventLog.FlushInterval <= 0 {
		errs = append(errs, errors.New("eventlog.flush_interval must be > 0"))
	}
	if c.Simulator.FaultRate < 0 || c.Simulator.FaultRate > 1 {
		errs = append(errs, fmt.Errorf("simulator.fault_rate must be in [0, 1], got %g", c.Simulator.FaultRate))
	}
	if c.WebSocket.WriteWait <= 0 {
		errs = append(errs, errors.New("websocket.write_wait must be > 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
