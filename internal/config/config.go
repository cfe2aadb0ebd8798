// Package config loads pool configuration from an optional YAML file with
// environment overrides. Every field has a default matching the original
// deployment, so a missing file is not an error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultHost               = "0.0.0.0"
	defaultPort               = 8019
	defaultDBPath             = "warp_accounts.db"
	defaultSessionDuration    = 30 * time.Minute
	defaultMaintenanceEvery   = time.Minute
	defaultRefreshLead        = 10 * time.Minute
	defaultMinRefreshInterval = time.Hour
	defaultRefreshAttempts    = 3
	defaultUpstreamTimeout    = 30 * time.Second
)

// Config is the resolved runtime configuration.
type Config struct {
	Host           string
	Port           int
	DBPath         string
	FirebaseAPIKey string
	ProxyURL       string

	// SessionDuration is the default lease TTL when a caller does not ask
	// for one.
	SessionDuration time.Duration

	// Refresh daemon tuning.
	MaintenanceInterval time.Duration
	RefreshLead         time.Duration
	MinRefreshInterval  time.Duration
	RefreshAttempts     uint64
	UpstreamTimeout     time.Duration
}

// fileConfig mirrors the YAML document; durations are strings like "10m".
type fileConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	DBPath         string `yaml:"db_path"`
	FirebaseAPIKey string `yaml:"firebase_api_key"`
	ProxyURL       string `yaml:"proxy_url"`

	SessionDuration     string `yaml:"session_duration"`
	MaintenanceInterval string `yaml:"maintenance_interval"`
	RefreshLead         string `yaml:"refresh_lead"`
	MinRefreshInterval  string `yaml:"min_refresh_interval"`
	RefreshAttempts     uint64 `yaml:"refresh_attempts"`
	UpstreamTimeout     string `yaml:"upstream_timeout"`
}

// Load reads configuration. Resolution order: defaults, then the YAML file
// (path argument, falling back to $POOL_CONFIG, falling back to pool.yaml if
// present), then environment variables.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Host:                defaultHost,
		Port:                defaultPort,
		DBPath:              defaultDBPath,
		SessionDuration:     defaultSessionDuration,
		MaintenanceInterval: defaultMaintenanceEvery,
		RefreshLead:         defaultRefreshLead,
		MinRefreshInterval:  defaultMinRefreshInterval,
		RefreshAttempts:     defaultRefreshAttempts,
		UpstreamTimeout:     defaultUpstreamTimeout,
	}

	if path == "" {
		path = os.Getenv("POOL_CONFIG")
	}
	explicit := path != ""
	if path == "" {
		path = "pool.yaml"
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if err := cfg.applyFile(&fc); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No config file is fine; defaults plus env cover everything.
	default:
		if explicit {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyFile(fc *fileConfig) error {
	if fc.Host != "" {
		c.Host = fc.Host
	}
	if fc.Port != 0 {
		c.Port = fc.Port
	}
	if fc.DBPath != "" {
		c.DBPath = fc.DBPath
	}
	if fc.FirebaseAPIKey != "" {
		c.FirebaseAPIKey = fc.FirebaseAPIKey
	}
	if fc.ProxyURL != "" {
		c.ProxyURL = fc.ProxyURL
	}
	if fc.RefreshAttempts != 0 {
		c.RefreshAttempts = fc.RefreshAttempts
	}

	for _, d := range []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{fc.SessionDuration, &c.SessionDuration, "session_duration"},
		{fc.MaintenanceInterval, &c.MaintenanceInterval, "maintenance_interval"},
		{fc.RefreshLead, &c.RefreshLead, "refresh_lead"},
		{fc.MinRefreshInterval, &c.MinRefreshInterval, "min_refresh_interval"},
		{fc.UpstreamTimeout, &c.UpstreamTimeout, "upstream_timeout"},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = parsed
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("POOL_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("POOL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("POOL_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("WARP_FIREBASE_API_KEY"); v != "" {
		c.FirebaseAPIKey = v
	}
	if v := os.Getenv("POOL_PROXY_URL"); v != "" {
		c.ProxyURL = v
	}
}

// Addr is the host:port the HTTP server binds.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
