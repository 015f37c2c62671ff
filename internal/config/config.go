// Package config loads and validates the godata service configuration.
// It uses a YAML file with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultServerPort       = 8090
	defaultServerTimeout    = 30 * time.Second
	defaultHTTPTimeout      = 30 * time.Second
	defaultDownloadTimeout  = 2 * time.Minute
	defaultMaxRetries       = 3
	defaultRetryBaseDelay   = 1 * time.Second
	defaultRateLimitPerSec  = 10
	defaultFanOutTimeout    = 45 * time.Second
	defaultCacheFilename    = "godata.db"
	defaultSearchPageSize   = 100
	defaultDatastorePageMax = 1000
)

// Config holds all configuration for the godata service.
type Config struct {
	Debug   bool           `env:"APP_DEBUG" yaml:"debug"`
	Server  ServerConfig   `yaml:"server"`
	Cache   CacheConfig    `yaml:"cache"`
	HTTP    HTTPConfig     `yaml:"http"`
	Logging LoggingConfig  `yaml:"logging"`
	Portals []PortalConfig `yaml:"portals"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `env:"SERVER_HOST" yaml:"host"`
	Port         int           `env:"SERVER_PORT" yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	CORSOrigins  []string      `env:"CORS_ORIGINS" yaml:"cors_origins"`
}

// CacheConfig holds local cache storage configuration.
type CacheConfig struct {
	// Dir is the directory holding the cache database file.
	// Defaults to ~/.cache/godata.
	Dir      string `env:"GODATA_CACHE_DIR" yaml:"dir"`
	Filename string `yaml:"filename"`
}

// HTTPConfig holds outbound HTTP behavior for portal clients.
type HTTPConfig struct {
	Timeout         time.Duration `env:"GODATA_HTTP_TIMEOUT"   yaml:"timeout"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	// RateLimit caps outbound requests per second to a single portal.
	RateLimit float64 `env:"GODATA_RATE_LIMIT" yaml:"rate_limit"`
	// FanOutTimeout bounds each per-portal call during fan-out operations.
	FanOutTimeout time.Duration `yaml:"fan_out_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `env:"LOG_LEVEL" yaml:"level"`
}

// PortalConfig describes one remote open-data catalogue.
type PortalConfig struct {
	ID          string `yaml:"id"`
	Type        string `yaml:"type"`
	BaseURL     string `yaml:"base_url"`
	Name        string `yaml:"name"`
	License     string `yaml:"license"`
	OrgName     string `yaml:"org_name"`
	OrgTitle    string `yaml:"org_title"`
	Description string `yaml:"description"`
}

// DatabasePath returns the full path to the cache database file.
func (c *CacheConfig) DatabasePath() string {
	return filepath.Join(c.Dir, c.Filename)
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.HTTP.Timeout <= 0 {
		return errors.New("http.timeout must be positive")
	}
	if c.HTTP.RateLimit < 0 {
		return errors.New("http.rate_limit must not be negative")
	}
	if len(c.Portals) == 0 {
		return errors.New("at least one portal must be configured")
	}
	seen := make(map[string]struct{}, len(c.Portals))
	for i := range c.Portals {
		p := &c.Portals[i]
		if p.ID == "" {
			return fmt.Errorf("portals[%d].id is required", i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate portal id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.BaseURL == "" {
			return fmt.Errorf("portal %q: base_url is required", p.ID)
		}
		switch p.Type {
		case "ckan", "arcgis_hub":
		default:
			return fmt.Errorf("portal %q: unknown type %q (want ckan or arcgis_hub)", p.ID, p.Type)
		}
	}
	return nil
}

// Load reads configuration from the given path, applies defaults and env
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := load(path, &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	setDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultServerPort
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultServerTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultServerTimeout
	}
	if cfg.Cache.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.Cache.Dir = filepath.Join(home, ".cache", "godata")
	}
	if cfg.Cache.Filename == "" {
		cfg.Cache.Filename = defaultCacheFilename
	}
	if cfg.HTTP.Timeout == 0 {
		cfg.HTTP.Timeout = defaultHTTPTimeout
	}
	if cfg.HTTP.DownloadTimeout == 0 {
		cfg.HTTP.DownloadTimeout = defaultDownloadTimeout
	}
	if cfg.HTTP.MaxRetries == 0 {
		cfg.HTTP.MaxRetries = defaultMaxRetries
	}
	if cfg.HTTP.RetryBaseDelay == 0 {
		cfg.HTTP.RetryBaseDelay = defaultRetryBaseDelay
	}
	if cfg.HTTP.RateLimit == 0 {
		cfg.HTTP.RateLimit = defaultRateLimitPerSec
	}
	if cfg.HTTP.FanOutTimeout == 0 {
		cfg.HTTP.FanOutTimeout = defaultFanOutTimeout
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if len(cfg.Portals) == 0 {
		cfg.Portals = DefaultPortals()
	}
}

// DefaultPortals returns the built-in portal table used when no portals are
// configured explicitly.
func DefaultPortals() []PortalConfig {
	return []PortalConfig{
		{
			ID:          "ontario",
			Type:        "ckan",
			BaseURL:     "https://data.ontario.ca",
			Name:        "Ontario Open Data",
			License:     "Open Government Licence - Ontario",
			Description: "Province of Ontario Open Data Catalogue",
		},
		{
			ID:          "toronto",
			Type:        "ckan",
			BaseURL:     "https://ckan0.cf.opendata.inter.prod-toronto.ca",
			Name:        "Toronto Open Data",
			License:     "Open Government Licence - Toronto",
			Description: "City of Toronto Open Data Portal",
		},
		{
			ID:          "ottawa",
			Type:        "arcgis_hub",
			BaseURL:     "https://open.ottawa.ca",
			Name:        "Ottawa Open Data",
			License:     "Open Government Licence - City of Ottawa",
			OrgName:     "ottawa",
			OrgTitle:    "City of Ottawa",
			Description: "City of Ottawa Open Data",
		},
	}
}
