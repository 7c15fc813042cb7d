// Package config loads runtime configuration from a YAML file, environment
// variables (TRADEREG_ prefix) and built-in defaults, in that precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tradereg/internal/blob"
	"tradereg/internal/canonical"
)

// Database points at one SQL endpoint. Driver is pgx or sqlite.
type Database struct {
	Driver  string        `mapstructure:"driver"`
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Pipeline tunes stage execution.
type Pipeline struct {
	Workers           int      `mapstructure:"workers"`
	FailureRateLimit  float64  `mapstructure:"failure_rate_limit"`
	SampleLimit       int      `mapstructure:"sample_limit"`
	ProgressEvery     int      `mapstructure:"progress_every"`
	DuplicateSuffixes []string `mapstructure:"duplicate_suffixes"`
}

// Blob selects where mapping artifacts live.
type Blob struct {
	Driver   string `mapstructure:"driver"`
	FSRoot   string `mapstructure:"fs_root"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`
	Endpoint string `mapstructure:"endpoint"`
	// PathStyle is needed for MinIO-style endpoints.
	PathStyle bool `mapstructure:"path_style"`
}

// Log configures the structured logger.
type Log struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Metrics configures the optional Prometheus listener. Empty Listen disables
// it.
type Metrics struct {
	Listen string `mapstructure:"listen"`
}

// Config is the full runtime configuration.
type Config struct {
	Legacy   Database `mapstructure:"legacy"`
	Target   Database `mapstructure:"target"`
	Pipeline Pipeline `mapstructure:"pipeline"`
	Blob     Blob     `mapstructure:"blob"`
	Log      Log      `mapstructure:"log"`
	Metrics  Metrics  `mapstructure:"metrics"`

	// Categories maps raw legacy category spellings onto the target
	// enumeration. Entries merge over the built-in table.
	Categories map[string]string `mapstructure:"categories"`
}

// Load reads configuration. path may be empty, in which case tradereg.yaml is
// searched in the working directory and under /etc/tradereg.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("tradereg")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tradereg")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tradereg")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("legacy.driver", "sqlite")
	v.SetDefault("legacy.timeout", "30s")
	v.SetDefault("target.driver", "sqlite")
	v.SetDefault("target.timeout", "30s")
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.failure_rate_limit", 0.05)
	v.SetDefault("pipeline.sample_limit", 10)
	v.SetDefault("pipeline.progress_every", 1000)
	v.SetDefault("pipeline.duplicate_suffixes", []string{"-old"})
	v.SetDefault("blob.driver", "fs")
	v.SetDefault("blob.fs_root", "artifacts")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

func (c *Config) validate() error {
	for name, db := range map[string]Database{"legacy": c.Legacy, "target": c.Target} {
		switch db.Driver {
		case "pgx", "sqlite":
		default:
			return fmt.Errorf("%s.driver: unsupported driver %q", name, db.Driver)
		}
		if db.DSN == "" {
			return fmt.Errorf("%s.dsn: required", name)
		}
	}
	switch blob.Driver(c.Blob.Driver) {
	case blob.DriverFilesystem, blob.DriverS3, blob.DriverMemory:
	default:
		return fmt.Errorf("blob.driver: unsupported driver %q", c.Blob.Driver)
	}
	for raw, target := range c.Categories {
		if !canonical.ValidCategory(target) {
			return fmt.Errorf("categories[%q]: %q is not a target category", raw, target)
		}
	}
	return nil
}

// CategoryTable merges the configured overrides onto the built-in table.
func (c *Config) CategoryTable() canonical.CategoryTable {
	table := canonical.DefaultCategoryTable()
	for raw, target := range c.Categories {
		table[strings.ToLower(strings.TrimSpace(raw))] = canonical.Category(target)
	}
	return table
}

// BlobConfig shapes the blob section for the store factory.
func (c *Config) BlobConfig() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Region:    c.Blob.Region,
			Bucket:    c.Blob.Bucket,
			Endpoint:  c.Blob.Endpoint,
			PathStyle: c.Blob.PathStyle,
		},
	}
}
