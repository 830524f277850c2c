// Package config holds the effective run configuration and derives the
// config fingerprint used to detect "same logical run" across restarts.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the effective run configuration. Fields tagged `json:"-"` are
// volatile: they never affect the config fingerprint, so toggling verbosity
// or moving the session directory still resumes into the same session
// identity.
type Config struct {
	Version  string         `yaml:"version" json:"version"`
	Scraping ScrapingConfig `yaml:"scraping" json:"scraping"`
	Output   OutputConfig   `yaml:"output" json:"output"`
	Database DatabaseConfig `yaml:"database" json:"database"`

	Verbose    bool   `yaml:"verbose" json:"-"`
	Debug      bool   `yaml:"debug" json:"-"`
	SessionDir string `yaml:"session_dir" json:"-"`
}

// ScrapingConfig controls content acquisition.
type ScrapingConfig struct {
	APIMode       bool          `yaml:"api_mode" json:"api_mode"`
	PostLimit     int           `yaml:"post_limit" json:"post_limit"`
	SleepInterval time.Duration `yaml:"sleep_interval" json:"sleep_interval"`
}

// OutputConfig controls where downloaded media lands.
type OutputConfig struct {
	OutputDir     string   `yaml:"output_dir" json:"output_dir"`
	ExportFormats []string `yaml:"export_formats" json:"export_formats"`
}

// DatabaseConfig controls the session store.
type DatabaseConfig struct {
	Path           string        `yaml:"path" json:"path"`
	MaxConns       int           `yaml:"max_conns" json:"max_conns"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	BusyTimeoutMs  int           `yaml:"busy_timeout_ms" json:"busy_timeout_ms"`
	CacheSize      int           `yaml:"cache_size" json:"cache_size"`
}

func (c *Config) defaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.Scraping.PostLimit <= 0 {
		c.Scraping.PostLimit = 20
	}
	if c.Scraping.SleepInterval <= 0 {
		c.Scraping.SleepInterval = time.Second
	}
	if c.Output.OutputDir == "" {
		c.Output.OutputDir = "downloads"
	}
	if c.Database.Path == "" {
		c.Database.Path = ".mediadl/state.db"
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 10
	}
	if c.Database.AcquireTimeout <= 0 {
		c.Database.AcquireTimeout = 5 * time.Second
	}
	if c.Database.BusyTimeoutMs <= 0 {
		c.Database.BusyTimeoutMs = 10_000
	}
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}

// LoadFile reads a YAML config file and applies defaults for unset fields.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.defaults()
	return cfg, nil
}

// Fingerprint derives a stable hash of the logical configuration. Volatile
// fields are excluded, so the same logical run always fingerprints the same.
func (c *Config) Fingerprint() string {
	// Struct field order makes the JSON canonical.
	data, err := json.Marshal(c)
	if err != nil {
		// Config is plain data; marshalling cannot fail in practice.
		data = []byte(c.Version)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}
