// Package config loads crsync settings from a config file, CRSYNC_*
// environment variables and command-line flags, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileName is the config file name without extension.
const FileName = "crsync"

// EnvPrefix prefixes environment overrides, e.g. CRSYNC_SYNC_BATCH_SIZE.
const EnvPrefix = "CRSYNC"

// Config is the complete crsync configuration.
type Config struct {
	// DB is the path of the SQLite database
	DB string `mapstructure:"db"`

	// Listen is the sync server address; empty disables the server
	Listen string `mapstructure:"listen"`

	// Peers are dialed and kept connected
	Peers []string `mapstructure:"peers"`

	// Marker is the role marker file; empty means next to DB
	Marker string `mapstructure:"marker"`

	Log  LogConfig  `mapstructure:"log"`
	Sync SyncConfig `mapstructure:"sync"`
	Role RoleConfig `mapstructure:"role"`
}

// LogConfig controls the daemon log file.
type LogConfig struct {
	// File is the log file; empty logs to stderr only
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// SyncConfig tunes the sync transport.
type SyncConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	AckTimeout       time.Duration `mapstructure:"ack_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	MaxRejects       int           `mapstructure:"max_rejects"`
	BackoffMin       time.Duration `mapstructure:"backoff_min"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
}

// RoleConfig tunes the role coordinator.
type RoleConfig struct {
	RecheckInterval time.Duration `mapstructure:"recheck_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DB:     "crsync.db",
		Listen: ":8686",
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Sync: SyncConfig{
			BatchSize:        500,
			HandshakeTimeout: 10 * time.Second,
			AckTimeout:       30 * time.Second,
			PingInterval:     15 * time.Second,
			MaxRejects:       5,
			BackoffMin:       500 * time.Millisecond,
			BackoffMax:       30 * time.Second,
		},
		Role: RoleConfig{
			RecheckInterval: 30 * time.Second,
		},
	}
}

// SetDefaults registers every key with its default on v. Keys unknown to
// viper are not read from the environment, so all of them are set here.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("db", d.DB)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("peers", d.Peers)
	v.SetDefault("marker", d.Marker)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("sync.batch_size", d.Sync.BatchSize)
	v.SetDefault("sync.handshake_timeout", d.Sync.HandshakeTimeout)
	v.SetDefault("sync.ack_timeout", d.Sync.AckTimeout)
	v.SetDefault("sync.ping_interval", d.Sync.PingInterval)
	v.SetDefault("sync.max_rejects", d.Sync.MaxRejects)
	v.SetDefault("sync.backoff_min", d.Sync.BackoffMin)
	v.SetDefault("sync.backoff_max", d.Sync.BackoffMax)
	v.SetDefault("role.recheck_interval", d.Role.RecheckInterval)
}

// New returns a viper instance with defaults, environment overrides and
// the search path configured. file, when set, is used instead of the
// search path.
func New(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		return v
	}
	v.SetConfigName(FileName)
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "crsync"))
	}
	return v
}

// Load reads the config file, if any, and decodes the merged settings.
// A missing file is not an error; a file that exists but does not parse
// is.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks settings that have no usable zero value.
func (c *Config) Validate() error {
	if c.DB == "" {
		return fmt.Errorf("invalid config: db is required")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("invalid config: sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.BackoffMax < c.Sync.BackoffMin {
		return fmt.Errorf("invalid config: sync.backoff_max %s is below sync.backoff_min %s",
			c.Sync.BackoffMax, c.Sync.BackoffMin)
	}
	return nil
}

// MarkerPath returns the role marker path.
func (c *Config) MarkerPath() string {
	if c.Marker != "" {
		return c.Marker
	}
	return filepath.Join(filepath.Dir(c.DB), ".primary")
}

// file is the on-disk shape of Config. Durations are written as strings
// such as "30s", which viper decodes back into time.Duration.
type file struct {
	DB     string   `toml:"db" yaml:"db"`
	Listen string   `toml:"listen" yaml:"listen"`
	Peers  []string `toml:"peers" yaml:"peers"`
	Marker string   `toml:"marker,omitempty" yaml:"marker,omitempty"`
	Log    struct {
		File       string `toml:"file" yaml:"file"`
		MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
		MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
	} `toml:"log" yaml:"log"`
	Sync struct {
		BatchSize        int    `toml:"batch_size" yaml:"batch_size"`
		HandshakeTimeout string `toml:"handshake_timeout" yaml:"handshake_timeout"`
		AckTimeout       string `toml:"ack_timeout" yaml:"ack_timeout"`
		PingInterval     string `toml:"ping_interval" yaml:"ping_interval"`
		MaxRejects       int    `toml:"max_rejects" yaml:"max_rejects"`
		BackoffMin       string `toml:"backoff_min" yaml:"backoff_min"`
		BackoffMax       string `toml:"backoff_max" yaml:"backoff_max"`
	} `toml:"sync" yaml:"sync"`
	Role struct {
		RecheckInterval string `toml:"recheck_interval" yaml:"recheck_interval"`
	} `toml:"role" yaml:"role"`
}

func (c *Config) toFile() file {
	var f file
	f.DB = c.DB
	f.Listen = c.Listen
	f.Peers = c.Peers
	if f.Peers == nil {
		f.Peers = []string{}
	}
	f.Marker = c.Marker
	f.Log.File = c.Log.File
	f.Log.MaxSizeMB = c.Log.MaxSizeMB
	f.Log.MaxBackups = c.Log.MaxBackups
	f.Log.MaxAgeDays = c.Log.MaxAgeDays
	f.Sync.BatchSize = c.Sync.BatchSize
	f.Sync.HandshakeTimeout = c.Sync.HandshakeTimeout.String()
	f.Sync.AckTimeout = c.Sync.AckTimeout.String()
	f.Sync.PingInterval = c.Sync.PingInterval.String()
	f.Sync.MaxRejects = c.Sync.MaxRejects
	f.Sync.BackoffMin = c.Sync.BackoffMin.String()
	f.Sync.BackoffMax = c.Sync.BackoffMax.String()
	f.Role.RecheckInterval = c.Role.RecheckInterval.String()
	return f
}

// WriteTOML writes c to path as TOML. It refuses to overwrite an existing
// file unless force is set.
func (c *Config) WriteTOML(path string, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c.toFile()); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// YAML renders c for display.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c.toFile())
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}
