package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/fin-sync/internal/logging"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Gate backends.
const (
	GateBolt = "bolt"
	GateFile = "file"
)

// Config holds all environment-based configuration for fin-sync.
type Config struct {
	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	// LogLevel overrides the environment's default level when set.
	LogLevel string `env:"LOG_LEVEL"`

	// Backend endpoints and credential.
	APIBaseURL string `env:"API_BASE_URL"`
	StreamURL  string `env:"STREAM_URL"`
	APIToken   string `env:"API_TOKEN"`

	// StatePath is the bbolt database. Defaults to ~/.fin-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// GateBackend selects where the auto-sync gate lives: "bolt" keeps it
	// in the state database, "file" in a JSON file several processes can
	// share.
	GateBackend string `env:"GATE_BACKEND" envDefault:"bolt"`
	GateFile    string `env:"GATE_FILE"`

	// Timezone decides where a calendar day starts for the daily gate.
	Timezone string `env:"TIMEZONE" envDefault:"Local"`

	AutoSyncEnabled       bool          `env:"AUTOSYNC_ENABLED" envDefault:"true"`
	AutoSyncInstances     int           `env:"AUTOSYNC_INSTANCES" envDefault:"1"`
	AutoSyncCooldown      time.Duration `env:"AUTOSYNC_COOLDOWN" envDefault:"30s"`
	AutoSyncDebounce      time.Duration `env:"AUTOSYNC_DEBOUNCE" envDefault:"2s"`
	AutoSyncCheckInterval time.Duration `env:"AUTOSYNC_CHECK_INTERVAL" envDefault:"1m"`
	AutoSyncLeaseTTL      time.Duration `env:"AUTOSYNC_LEASE_TTL" envDefault:"5m"`
	// AutoSyncStaleRun is how long an in-flight run may block the daily
	// trigger before it is considered abandoned.
	AutoSyncStaleRun time.Duration `env:"AUTOSYNC_STALE_RUN" envDefault:"1h"`

	StreamBackoffMin time.Duration `env:"STREAM_BACKOFF_MIN" envDefault:"1s"`
	StreamBackoffMax time.Duration `env:"STREAM_BACKOFF_MAX" envDefault:"30s"`
	StreamStaleAfter time.Duration `env:"STREAM_STALE_AFTER" envDefault:"90s"`
	StreamQueueSize  int           `env:"STREAM_QUEUE_SIZE" envDefault:"256"`

	BulkParallelism int           `env:"BULK_PARALLELISM" envDefault:"4"`
	HTTPTimeout     time.Duration `env:"HTTP_TIMEOUT" envDefault:"15s"`

	// Local status API. Disabled when StatusListenAddr is empty.
	StatusListenAddr string `env:"STATUS_LISTEN_ADDR"`
	StatusAPIKey     string `env:"STATUS_API_KEY"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIToken == "" {
		return fmt.Errorf("API_TOKEN is required")
	}

	if err := checkURL("API_BASE_URL", c.APIBaseURL, "http", "https"); err != nil {
		return err
	}

	if err := checkURL("STREAM_URL", c.StreamURL, "ws", "wss", "http", "https"); err != nil {
		return err
	}

	switch c.GateBackend {
	case GateBolt, GateFile:
	default:
		return fmt.Errorf("GATE_BACKEND must be %q or %q, got %q", GateBolt, GateFile, c.GateBackend)
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	if c.LogLevel != "" {
		if _, ok := logging.ParseLevel(c.LogLevel); !ok {
			return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.LogLevel)
		}
	}

	if c.AutoSyncInstances < 1 {
		return fmt.Errorf("AUTOSYNC_INSTANCES must be at least 1")
	}

	if c.AutoSyncCooldown <= 0 || c.AutoSyncDebounce < 0 || c.AutoSyncCheckInterval <= 0 || c.AutoSyncLeaseTTL <= 0 {
		return fmt.Errorf("AUTOSYNC_COOLDOWN, AUTOSYNC_CHECK_INTERVAL and AUTOSYNC_LEASE_TTL must be positive")
	}

	if c.AutoSyncStaleRun <= 0 {
		return fmt.Errorf("AUTOSYNC_STALE_RUN must be positive")
	}

	if c.AutoSyncLeaseTTL <= c.AutoSyncCheckInterval {
		return fmt.Errorf("AUTOSYNC_LEASE_TTL (%s) must exceed AUTOSYNC_CHECK_INTERVAL (%s) or the controller lease lapses between renewals", c.AutoSyncLeaseTTL, c.AutoSyncCheckInterval)
	}

	if c.StreamBackoffMin <= 0 || c.StreamBackoffMax < c.StreamBackoffMin {
		return fmt.Errorf("STREAM_BACKOFF_MIN must be positive and not exceed STREAM_BACKOFF_MAX")
	}

	if c.StreamStaleAfter <= 0 {
		return fmt.Errorf("STREAM_STALE_AFTER must be positive")
	}

	if c.StreamQueueSize < 1 {
		return fmt.Errorf("STREAM_QUEUE_SIZE must be at least 1")
	}

	if c.BulkParallelism < 1 {
		return fmt.Errorf("BULK_PARALLELISM must be at least 1")
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive")
	}

	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}

	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) && u.Host != "" {
			return nil
		}
	}

	return fmt.Errorf("%s must be an absolute %s URL", name, strings.Join(schemes, "/"))
}

// resolvePaths fills in default file locations and makes them absolute.
func (c *Config) resolvePaths() error {
	dir, err := DefaultDir()
	if err != nil {
		return err
	}

	if c.StatePath == "" {
		c.StatePath = filepath.Join(dir, "state.db")
	}

	if c.GateFile == "" {
		c.GateFile = filepath.Join(dir, "gate.json")
	}

	if c.StatePath, err = filepath.Abs(c.StatePath); err != nil {
		return fmt.Errorf("resolving STATE_PATH: %w", err)
	}

	if c.GateFile, err = filepath.Abs(c.GateFile); err != nil {
		return fmt.Errorf("resolving GATE_FILE: %w", err)
	}

	return nil
}

// DefaultDir returns ~/.fin-sync.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".fin-sync"), nil
}

// Location returns the time zone used for calendar-day comparisons.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}

	return loc, nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
