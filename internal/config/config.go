// Package config builds the single configuration value shared by every
// component.
//
// Sources, highest precedence first:
//   - command-line flags bound by the CLI
//   - environment: SBMIRROR_<KEY>, plus DATA_PATH, CSV_URL and SYNC_INTERVAL
//   - an optional config file (any format viper reads)
//   - defaults
//
// A .env file in the working directory is loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by the configuration.
const EnvPrefix = "SBMIRROR"

// Names of the files kept in the data directory.
const (
	BlobFile    = "sponsorTimes.csv"
	StoreFile   = "sponsorTimes.db"
	SnapshotDir = "snapshots"
)

// Config holds the effective configuration.
type Config struct {
	DataPath     string `mapstructure:"data_path" toml:"data_path" yaml:"data_path"`
	CSVURL       string `mapstructure:"csv_url" toml:"csv_url" yaml:"csv_url"`
	SyncInterval int    `mapstructure:"sync_interval" toml:"sync_interval" yaml:"sync_interval"` // seconds

	Listen         string `mapstructure:"listen" toml:"listen" yaml:"listen"`
	DefaultService string `mapstructure:"default_service" toml:"default_service" yaml:"default_service"`

	ContentType            string `mapstructure:"content_type" toml:"content_type" yaml:"content_type"`
	RewindMargin           int64  `mapstructure:"rewind_margin" toml:"rewind_margin" yaml:"rewind_margin"`
	MaxConsecutiveFailures int    `mapstructure:"max_consecutive_failures" toml:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	ProgressEvery          int    `mapstructure:"progress_every" toml:"progress_every" yaml:"progress_every"`

	LogFile       string `mapstructure:"log_file" toml:"log_file" yaml:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" toml:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" toml:"log_max_backups" yaml:"log_max_backups"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days" toml:"log_max_age_days" yaml:"log_max_age_days"`
	Verbose       bool   `mapstructure:"verbose" toml:"verbose" yaml:"verbose"`

	RedisAddr string        `mapstructure:"redis_addr" toml:"redis_addr" yaml:"redis_addr"`
	RedisTTL  time.Duration `mapstructure:"redis_ttl" toml:"redis_ttl" yaml:"redis_ttl"`

	OTLPEndpoint string `mapstructure:"otlp_endpoint" toml:"otlp_endpoint" yaml:"otlp_endpoint"`

	S3Endpoint  string `mapstructure:"s3_endpoint" toml:"s3_endpoint" yaml:"s3_endpoint"`
	S3Bucket    string `mapstructure:"s3_bucket" toml:"s3_bucket" yaml:"s3_bucket"`
	S3AccessKey string `mapstructure:"s3_access_key" toml:"s3_access_key" yaml:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key" toml:"s3_secret_key" yaml:"s3_secret_key"`
	S3UseSSL    bool   `mapstructure:"s3_use_ssl" toml:"s3_use_ssl" yaml:"s3_use_ssl"`
}

var defaults = map[string]any{
	"data_path":                "/data",
	"csv_url":                  "https://mirror.sb.mchang.xyz/sponsorTimes.csv",
	"sync_interval":            300,
	"listen":                   ":8080",
	"default_service":          "YouTube",
	"content_type":             "text/csv",
	"rewind_margin":            10000,
	"max_consecutive_failures": 20,
	"progress_every":           5000,
	"log_file":                 "",
	"log_max_size_mb":          100,
	"log_max_backups":          3,
	"log_max_age_days":         28,
	"verbose":                  false,
	"redis_addr":               "",
	"redis_ttl":                "300s",
	"otlp_endpoint":            "",
	"s3_endpoint":              "",
	"s3_bucket":                "",
	"s3_access_key":            "",
	"s3_secret_key":            "",
	"s3_use_ssl":               false,
}

// Names read before the SBMIRROR_ prefix existed.
var legacyEnv = map[string]string{
	"data_path":     "DATA_PATH",
	"csv_url":       "CSV_URL",
	"sync_interval": "SYNC_INTERVAL",
}

// Setup registers defaults and environment bindings on v.
func Setup(v *viper.Viper) error {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	for key := range defaults {
		names := []string{EnvPrefix + "_" + strings.ToUpper(key)}
		if legacy, ok := legacyEnv[key]; ok {
			names = append(names, legacy)
		}
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return fmt.Errorf("failed to bind environment for %s: %w", key, err)
		}
	}
	return nil
}

// LoadDotEnv loads path (".env" when empty) into the process environment.
// Variables already set are not overridden; a missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads configFile (if non-empty) into v and decodes the result.
// Setup must have been called on v.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
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

// Default returns the configuration built from defaults only.
func Default() *Config {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	var cfg Config
	// Defaults always decode
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.DataPath) == "":
		return fmt.Errorf("data_path must not be empty")
	case strings.TrimSpace(c.CSVURL) == "":
		return fmt.Errorf("csv_url must not be empty")
	case c.SyncInterval <= 0:
		return fmt.Errorf("sync_interval must be positive (got %d)", c.SyncInterval)
	case c.RewindMargin < 0:
		return fmt.Errorf("rewind_margin must not be negative (got %d)", c.RewindMargin)
	case c.MaxConsecutiveFailures <= 0:
		return fmt.Errorf("max_consecutive_failures must be positive (got %d)", c.MaxConsecutiveFailures)
	case c.ProgressEvery <= 0:
		return fmt.Errorf("progress_every must be positive (got %d)", c.ProgressEvery)
	case c.S3Endpoint != "" && c.S3Bucket == "":
		return fmt.Errorf("s3_bucket is required when s3_endpoint is set")
	}
	return nil
}

// Interval returns the sync interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.SyncInterval) * time.Second
}

// BlobPath returns the path of the mirrored CSV blob.
func (c *Config) BlobPath() string {
	return filepath.Join(c.DataPath, BlobFile)
}

// StorePath returns the path of the SQLite store.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataPath, StoreFile)
}

// SnapshotsPath returns the directory snapshots are staged in before upload.
func (c *Config) SnapshotsPath() string {
	return filepath.Join(c.DataPath, SnapshotDir)
}

// SnapshotName names the snapshot of the store taken at offset.
func SnapshotName(offset int64) string {
	return fmt.Sprintf("sponsorTimes-%d.db", offset)
}

// SnapshotsEnabled reports whether snapshots are published to object storage.
func (c *Config) SnapshotsEnabled() bool {
	return c.S3Endpoint != "" && c.S3Bucket != ""
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	if out.S3SecretKey != "" {
		out.S3SecretKey = "********"
	}
	return &out
}

// WriteTOML writes the configuration as TOML with secrets masked.
func (c *Config) WriteTOML(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c.Redacted()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
