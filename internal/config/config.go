// Package config loads fieldsync configuration from files, environment and
// a .env file.
//
// Precedence, highest first: explicit overrides (flags), FIELDSYNC_*
// environment variables, the config file, defaults. Nested keys map to
// environment variables by replacing "." with "_", so sync.interval is
// FIELDSYNC_SYNC_INTERVAL.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "FIELDSYNC"

// Config is the full application configuration.
type Config struct {
	Owner   string `mapstructure:"owner"`
	DataDir string `mapstructure:"data_dir" validate:"required"`

	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Network   NetworkConfig   `mapstructure:"network"`
	Inbox     InboxConfig     `mapstructure:"inbox"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

// RemoteConfig locates the CouchDB-compatible remote store.
type RemoteConfig struct {
	URL        string        `mapstructure:"url" validate:"omitempty,url"`
	Database   string        `mapstructure:"database" validate:"required"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
	FetchLimit int           `mapstructure:"fetch_limit" validate:"gt=0"`
}

// SyncConfig tunes the reconciler and orchestrator.
type SyncConfig struct {
	Interval     time.Duration `mapstructure:"interval" validate:"gte=0"`
	MaxRetries   int           `mapstructure:"max_retries" validate:"gt=0"`
	RetentionCap int           `mapstructure:"retention_cap" validate:"gt=0"`
	PassTimeout  time.Duration `mapstructure:"pass_timeout" validate:"gt=0"`
}

// NetworkConfig tunes the availability monitor. An empty ProbeAddr is
// derived from the remote URL.
type NetworkConfig struct {
	ProbeAddr     string        `mapstructure:"probe_addr"`
	ProbeInterval time.Duration `mapstructure:"probe_interval" validate:"gt=0"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`
}

// InboxConfig controls the drop directory import.
type InboxConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Dir      string        `mapstructure:"dir"`
	Debounce time.Duration `mapstructure:"debounce" validate:"gt=0"`
}

// DashboardConfig controls the status server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// LogConfig controls the optional rotating log file.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Remote: RemoteConfig{
			Database:   "fieldsync",
			Timeout:    30 * time.Second,
			FetchLimit: 1000,
		},
		Sync: SyncConfig{
			Interval:     5 * time.Minute,
			MaxRetries:   3,
			RetentionCap: 30,
			PassTimeout:  10 * time.Minute,
		},
		Network: NetworkConfig{
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Inbox: InboxConfig{
			Debounce: 250 * time.Millisecond,
		},
		Dashboard: DashboardConfig{
			Port: 8080,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// DBPath is the local cache database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "fieldsync.db")
}

// InboxDir is the inbox directory, defaulting to data_dir/inbox.
func (c *Config) InboxDir() string {
	if c.Inbox.Dir != "" {
		return c.Inbox.Dir
	}
	return filepath.Join(c.DataDir, "inbox")
}

var validate = validator.New()

// Validate checks value ranges and required keys.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Loader reads configuration through a private viper instance.
type Loader struct {
	v *viper.Viper
}

// Options controls where Load looks.
type Options struct {
	// File is an explicit config file. When empty the search path is used.
	File string

	// EnvFile is loaded into the environment first if it exists.
	// Defaults to ".env".
	EnvFile string

	// SearchPaths replaces the default search path, mostly for tests.
	SearchPaths []string
}

// Load reads configuration and returns the loader for later Watch calls.
func Load(opts Options) (*Config, *Loader, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName("fieldsync")
		v.SetConfigType("yaml")
		paths := opts.SearchPaths
		if paths == nil {
			paths = defaultSearchPaths()
		}
		for _, p := range paths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	l := &Loader{v: v}
	cfg, err := l.decode()
	if err != nil {
		return nil, nil, err
	}
	return cfg, l, nil
}

// ConfigFile returns the file in use, or "" when running on defaults.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch calls fn with the reloaded configuration whenever the config file
// changes. Invalid edits are reported through onErr and otherwise ignored.
func (l *Loader) Watch(fn func(*Config), onErr func(error)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(cfg)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.Inbox.Dir = expandHome(cfg.Inbox.Dir)
	cfg.Log.File = expandHome(cfg.Log.File)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("owner", d.Owner)
	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.database", d.Remote.Database)
	v.SetDefault("remote.username", d.Remote.Username)
	v.SetDefault("remote.password", d.Remote.Password)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.fetch_limit", d.Remote.FetchLimit)

	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.max_retries", d.Sync.MaxRetries)
	v.SetDefault("sync.retention_cap", d.Sync.RetentionCap)
	v.SetDefault("sync.pass_timeout", d.Sync.PassTimeout)

	v.SetDefault("network.probe_addr", d.Network.ProbeAddr)
	v.SetDefault("network.probe_interval", d.Network.ProbeInterval)
	v.SetDefault("network.probe_timeout", d.Network.ProbeTimeout)

	v.SetDefault("inbox.enabled", d.Inbox.Enabled)
	v.SetDefault("inbox.dir", d.Inbox.Dir)
	v.SetDefault("inbox.debounce", d.Inbox.Debounce)

	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.port", d.Dashboard.Port)

	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
}

func defaultSearchPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "fieldsync"))
	}
	return paths
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "fieldsync")
	}
	return ".fieldsync"
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// Render encodes cfg as "yaml" or "toml". The password is masked.
func Render(cfg *Config, format string) ([]byte, error) {
	masked := *cfg
	if masked.Remote.Password != "" {
		masked.Remote.Password = "********"
	}

	switch strings.ToLower(format) {
	case "", "yaml", "yml":
		return yaml.Marshal(toDoc(&masked))
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(toDoc(&masked)); err != nil {
			return nil, fmt.Errorf("failed to encode toml: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown format %q (want yaml or toml)", format)
	}
}

// toDoc turns durations into strings so both encoders print "5m0s" rather
// than nanoseconds.
func toDoc(cfg *Config) map[string]interface{} {
	return map[string]interface{}{
		"owner":    cfg.Owner,
		"data_dir": cfg.DataDir,
		"remote": map[string]interface{}{
			"url":         cfg.Remote.URL,
			"database":    cfg.Remote.Database,
			"username":    cfg.Remote.Username,
			"password":    cfg.Remote.Password,
			"timeout":     cfg.Remote.Timeout.String(),
			"fetch_limit": cfg.Remote.FetchLimit,
		},
		"sync": map[string]interface{}{
			"interval":      cfg.Sync.Interval.String(),
			"max_retries":   cfg.Sync.MaxRetries,
			"retention_cap": cfg.Sync.RetentionCap,
			"pass_timeout":  cfg.Sync.PassTimeout.String(),
		},
		"network": map[string]interface{}{
			"probe_addr":     cfg.Network.ProbeAddr,
			"probe_interval": cfg.Network.ProbeInterval.String(),
			"probe_timeout":  cfg.Network.ProbeTimeout.String(),
		},
		"inbox": map[string]interface{}{
			"enabled":  cfg.Inbox.Enabled,
			"dir":      cfg.Inbox.Dir,
			"debounce": cfg.Inbox.Debounce.String(),
		},
		"dashboard": map[string]interface{}{
			"enabled": cfg.Dashboard.Enabled,
			"port":    cfg.Dashboard.Port,
		},
		"log": map[string]interface{}{
			"file":         cfg.Log.File,
			"max_size_mb":  cfg.Log.MaxSizeMB,
			"max_backups":  cfg.Log.MaxBackups,
			"max_age_days": cfg.Log.MaxAgeDays,
			"compress":     cfg.Log.Compress,
		},
	}
}
