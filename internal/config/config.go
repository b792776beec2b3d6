// Package config loads settings for both binaries from defaults, an optional
// YAML file, NOVELSYNC_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Watcher WatcherConfig `mapstructure:"watcher"`
	Hub     HubConfig     `mapstructure:"hub"`
	Log     LogConfig     `mapstructure:"log"`
	Viewer  ViewerConfig  `mapstructure:"viewer"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	DataDir   string `mapstructure:"data_dir"`
	FileLocks bool   `mapstructure:"file_locks"`
}

type WatcherConfig struct {
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	CoalesceWindow time.Duration `mapstructure:"coalesce_window"`
	MaxDepth       int           `mapstructure:"max_depth"`
}

type HubConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	OriginPatterns []string      `mapstructure:"origin_patterns"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ViewerConfig drives the sync agent binary.
type ViewerConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	StateDSN        string        `mapstructure:"state_dsn"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	ServerDownDelay time.Duration `mapstructure:"server_down_delay"`
	// MetricsAddr, when set, exposes the agent's metrics over HTTP.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

func (c *Config) Validate() error {
	var problems []string
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, "log.level: "+err.Error())
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		problems = append(problems, "log.format must be text or json")
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		problems = append(problems, "storage.data_dir is required")
	}
	if c.Watcher.SettleDelay <= 0 || c.Watcher.CoalesceWindow <= 0 {
		problems = append(problems, "watcher delays must be positive")
	}
	if c.Watcher.MaxDepth < 1 {
		problems = append(problems, "watcher.max_depth must be at least 1")
	}
	if c.Hub.QueueSize < 1 {
		problems = append(problems, "hub.queue_size must be at least 1")
	}
	if c.Server.RateLimitMax < 0 {
		problems = append(problems, "server.rate_limit_max must not be negative")
	}
	if c.Viewer.MaxAttempts < 1 {
		problems = append(problems, "viewer.max_attempts must be at least 1")
	}
	if c.Viewer.BaseDelay <= 0 || c.Viewer.MaxDelay < c.Viewer.BaseDelay {
		problems = append(problems, "viewer delays must satisfy 0 < base_delay <= max_delay")
	}
	if len(problems) > 0 {
		return errors.Wrap(ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// NewLogger builds a logger writing to out at the configured level and format.
func (c LogConfig) NewLogger(out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	if strings.EqualFold(c.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
