package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all bubbledrift configuration.
type Config struct {
	Name string `yaml:"name"`

	// Video store
	Store StoreConfig `yaml:"store"`

	// YouTube Data API enrichment
	Metadata MetadataConfig `yaml:"metadata"`

	// Watch session (headless Chrome)
	Browser BrowserConfig `yaml:"browser"`

	// Training and drift parameters
	Puppet PuppetConfig `yaml:"puppet"`

	// Batch run layout
	Batch BatchConfig `yaml:"batch"`

	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the SQLite video store.
type StoreConfig struct {
	Path      string `yaml:"path"`
	Driver    string `yaml:"driver"`     // sqlite3 (cgo) or sqlite (pure Go)
	ImportCSV string `yaml:"import_csv"` // default CSV for the import command
}

// MetadataConfig configures the metadata fetcher.
type MetadataConfig struct {
	APIKeys           []string `yaml:"api_keys"`
	Endpoint          string   `yaml:"endpoint"`
	BatchSize         int      `yaml:"batch_size"`
	MaxRetries        int      `yaml:"max_retries"`
	Backoff           string   `yaml:"backoff"`
	Timeout           string   `yaml:"timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
}

// BrowserConfig configures the rod-driven watch session.
type BrowserConfig struct {
	Bin               string `yaml:"bin"`
	Headless          bool   `yaml:"headless"`
	SessionDir        string `yaml:"session_dir"`
	ExtensionPath     string `yaml:"extension_path"`
	BaseURL           string `yaml:"base_url"`
	NavigationTimeout string `yaml:"navigation_timeout"`
	PollInterval      string `yaml:"poll_interval"`
	StallTimeout      string `yaml:"stall_timeout"`
}

// PuppetConfig holds the training and drift phases.
type PuppetConfig struct {
	Train PhaseConfig `yaml:"train"`
	Drift PhaseConfig `yaml:"drift"`
}

// PhaseConfig parameterizes one puppet phase.
type PhaseConfig struct {
	Margin       float64 `yaml:"margin"`
	Depth        int     `yaml:"depth"`
	DwellSeconds int     `yaml:"dwell_seconds"`

	// MaxUnavailableStreak bounds consecutive unavailable retries during
	// drift. 0 keeps retrying the same video until it plays.
	MaxUnavailableStreak int `yaml:"max_unavailable_streak,omitempty"`
}

// SlantPair is an (initial, target) slant assignment.
type SlantPair struct {
	Initial float64 `yaml:"initial"`
	Target  float64 `yaml:"target"`
}

// BatchConfig lays out a batch run.
type BatchConfig struct {
	Puppets       int         `yaml:"puppets"`
	Slants        []SlantPair `yaml:"slants"`
	MaxConcurrent int         `yaml:"max_concurrent"`
	OutputDir     string      `yaml:"output_dir"`
	Format        string      `yaml:"format"` // csv, jsonl
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "bubbledrift",

		Store: StoreConfig{
			Path:   "data/videos.db",
			Driver: "sqlite3",
		},

		Metadata: MetadataConfig{
			Endpoint:          "https://youtube.googleapis.com/",
			BatchSize:         50,
			MaxRetries:        5,
			Backoff:           "5s",
			Timeout:           "30s",
			RequestsPerSecond: 5,
		},

		Browser: BrowserConfig{
			Headless:          true,
			SessionDir:        "data/session",
			BaseURL:           "https://www.youtube.com",
			NavigationTimeout: "30s",
			PollInterval:      "1s",
			StallTimeout:      "5m",
		},

		Puppet: PuppetConfig{
			Train: PhaseConfig{Margin: 0.2, Depth: 100, DwellSeconds: 30},
			Drift: PhaseConfig{Margin: 0.2, Depth: 200, DwellSeconds: 30},
		},

		Batch: BatchConfig{
			Puppets: 10,
			Slants: []SlantPair{
				{Initial: -1, Target: 0},
				{Initial: -0.5, Target: 0},
				{Initial: 0, Target: 1},
				{Initial: 0.5, Target: 0},
				{Initial: 1, Target: 0},
			},
			OutputDir: "data/puppets",
			Format:    "csv",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Dir:    "data/logs",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Comma separated, rotated in order on quota errors
	if keys := os.Getenv("YOUTUBE_API_KEYS"); keys != "" {
		c.Metadata.APIKeys = splitList(keys)
	}
	if path := os.Getenv("BUBBLEDRIFT_DB"); path != "" {
		c.Store.Path = path
	}
	if v := os.Getenv("BUBBLEDRIFT_HEADLESS"); v != "" {
		if headless, err := strconv.ParseBool(v); err == nil {
			c.Browser.Headless = headless
		}
	}
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		c.Browser.Bin = bin
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ValidDrivers lists the registered SQLite drivers.
var ValidDrivers = []string{"sqlite3", "sqlite"}

// ValidFormats lists the supported history output formats.
var ValidFormats = []string{"csv", "jsonl"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store path not configured")
	}
	if !contains(ValidDrivers, c.Store.Driver) {
		return fmt.Errorf("invalid store driver: %s (valid: %v)", c.Store.Driver, ValidDrivers)
	}
	if c.Metadata.BatchSize < 1 || c.Metadata.BatchSize > 50 {
		return fmt.Errorf("metadata batch_size must be in [1, 50], got %d", c.Metadata.BatchSize)
	}
	if c.Metadata.MaxRetries < 0 {
		return fmt.Errorf("metadata max_retries must be >= 0")
	}
	for name, phase := range map[string]PhaseConfig{"train": c.Puppet.Train, "drift": c.Puppet.Drift} {
		if phase.Depth < 1 {
			return fmt.Errorf("puppet %s depth must be >= 1", name)
		}
		if phase.Margin < 0 {
			return fmt.Errorf("puppet %s margin must be >= 0", name)
		}
		if phase.DwellSeconds < 0 {
			return fmt.Errorf("puppet %s dwell_seconds must be >= 0", name)
		}
	}
	if len(c.Batch.Slants) == 0 {
		return fmt.Errorf("batch slants not configured")
	}
	if c.Batch.Puppets%len(c.Batch.Slants) != 0 {
		return fmt.Errorf("batch puppets (%d) must be divisible by the number of slant pairs (%d)",
			c.Batch.Puppets, len(c.Batch.Slants))
	}
	if !contains(ValidFormats, c.Batch.Format) {
		return fmt.Errorf("invalid batch format: %s (valid: %v)", c.Batch.Format, ValidFormats)
	}
	return nil
}

// ValidateMetadata checks settings needed only by the enrich command.
func (c *Config) ValidateMetadata() error {
	if len(c.Metadata.APIKeys) == 0 {
		return fmt.Errorf("no YouTube API keys configured (set YOUTUBE_API_KEYS or metadata.api_keys)")
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// GetBackoff returns the metadata retry backoff as a duration.
func (c *Config) GetBackoff() time.Duration {
	return parseDuration(c.Metadata.Backoff, 5*time.Second)
}

// GetMetadataTimeout returns the per-request HTTP timeout.
func (c *Config) GetMetadataTimeout() time.Duration {
	return parseDuration(c.Metadata.Timeout, 30*time.Second)
}

// GetNavigationTimeout returns the browser navigation timeout.
func (c *Config) GetNavigationTimeout() time.Duration {
	return parseDuration(c.Browser.NavigationTimeout, 30*time.Second)
}

// GetPollInterval returns the playback polling cadence.
func (c *Config) GetPollInterval() time.Duration {
	return parseDuration(c.Browser.PollInterval, time.Second)
}

// GetStallTimeout returns how long playback may make no progress.
func (c *Config) GetStallTimeout() time.Duration {
	return parseDuration(c.Browser.StallTimeout, 5*time.Minute)
}

// Dwell returns the phase dwell duration.
func (p PhaseConfig) Dwell() time.Duration {
	return time.Duration(p.DwellSeconds) * time.Second
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
