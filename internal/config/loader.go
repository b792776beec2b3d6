package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix     = "NOVELSYNC"
	ConfigFlag    = "config"
	configEnvName = EnvPrefix + "_CONFIG"
)

// flagKeys maps command-line flag names onto config keys.
var flagKeys = map[string]string{
	"addr":              "server.addr",
	"rate-limit":        "server.rate_limit_max",
	"data-dir":          "storage.data_dir",
	"settle-delay":      "watcher.settle_delay",
	"coalesce-window":   "watcher.coalesce_window",
	"queue-size":        "hub.queue_size",
	"log-level":         "log.level",
	"log-format":        "log.format",
	"server":            "viewer.base_url",
	"state-dsn":         "viewer.state_dsn",
	"max-attempts":      "viewer.max_attempts",
	"metrics-addr":      "viewer.metrics_addr",
	"server-down-delay": "viewer.server_down_delay",
}

// RegisterServerFlags adds the publishing server's flags to fs.
func RegisterServerFlags(fs *pflag.FlagSet) {
	registerCommonFlags(fs)
	fs.String("addr", ":8080", "HTTP listen address")
	fs.String("data-dir", "./data", "root of the on-disk datastore")
	fs.Int("rate-limit", 30, "websocket upgrades per minute per remote address (0 disables)")
	fs.Duration("settle-delay", 0, "quiet period before announcing a new novel directory")
	fs.Duration("coalesce-window", 0, "window for merging bursts of changes to one novel")
	fs.Int("queue-size", 0, "outbound queue length per viewer")
}

// RegisterViewerFlags adds the sync agent's flags to fs.
func RegisterViewerFlags(fs *pflag.FlagSet) {
	registerCommonFlags(fs)
	fs.String("server", "http://127.0.0.1:8080", "publishing server base URL")
	fs.String("state-dsn", "memory://", "where to keep the local view (memory://, file://path, postgres://...)")
	fs.Int("max-attempts", 0, "consecutive failed connects before giving up")
	fs.Duration("server-down-delay", 0, "wait between health probes while the server is down")
	fs.String("metrics-addr", "", "serve agent metrics on this address")
}

func registerCommonFlags(fs *pflag.FlagSet) {
	fs.String(ConfigFlag, "", "optional YAML config file (also "+configEnvName+")")
	fs.String("log-level", "info", "log level")
	fs.String("log-format", "text", "log format: text or json")
}

// Load resolves the configuration. Only flags the user actually set override
// file and environment values; fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	path := strings.TrimSpace(os.Getenv(configEnvName))
	if fs != nil {
		if f := fs.Lookup(ConfigFlag); f != nil && f.Changed {
			path = strings.TrimSpace(f.Value.String())
		}
	}
	if path != "" {
		if err := loadConfigFile(v, path); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		var bindErr error
		fs.Visit(func(f *pflag.Flag) {
			key, ok := flagKeys[f.Name]
			if !ok || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(key, f)
		})
		if bindErr != nil {
			return nil, errors.Wrap(bindErr, "bind flags")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadConfigFile(v *viper.Viper, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config file %s", path)
	}
	if err := v.ReadConfig(strings.NewReader(expandEnv(string(content)))); err != nil {
		return errors.Wrapf(err, "parse config file %s", path)
	}
	return nil
}

var envPlaceholder = regexp.MustCompile(`\$\{(\w+)(:([^}]*))?\}`)

// expandEnv substitutes ${VAR} and ${VAR:default} placeholders. Unset
// variables without a default are left as written.
func expandEnv(s string) string {
	return envPlaceholder.ReplaceAllStringFunc(s, func(match string) string {
		sub := envPlaceholder.FindStringSubmatch(match)
		if val, ok := os.LookupEnv(sub[1]); ok {
			return val
		}
		if sub[2] != "" {
			return sub[3]
		}
		return match
	})
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.rate_limit_max", 30)
	v.SetDefault("server.rate_limit_window", "1m")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.file_locks", true)

	v.SetDefault("watcher.settle_delay", "500ms")
	v.SetDefault("watcher.coalesce_window", "150ms")
	v.SetDefault("watcher.max_depth", 3)

	v.SetDefault("hub.queue_size", 64)
	v.SetDefault("hub.write_timeout", "5s")
	v.SetDefault("hub.origin_patterns", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("viewer.base_url", "http://127.0.0.1:8080")
	v.SetDefault("viewer.state_dsn", "memory://")
	v.SetDefault("viewer.max_attempts", 10)
	v.SetDefault("viewer.base_delay", "1s")
	v.SetDefault("viewer.max_delay", "30s")
	v.SetDefault("viewer.server_down_delay", "10s")
	v.SetDefault("viewer.metrics_addr", "")
}
