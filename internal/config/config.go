// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/edge-proxy/config.toml",
	"configs/config.toml",
}

// defaultAllowedParams are the query parameters forwarded to the photo search API
// when [proxy] allowed_params is not set.
var defaultAllowedParams = []string{"query", "page", "per_page", "orientation", "size", "color", "locale"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	APIKey    string `kong:"help='Pexels API key (overrides config).',env='PEXELS_API_KEY'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	RedisAddr string `kong:"help='Redis address host:port; selects the redis cache backend.',env='REDIS_ADDR'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Pexels   PexelsConfig   `toml:"pexels"`
	Upstream UpstreamConfig `toml:"upstream"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Cache    CacheConfig    `toml:"cache"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// PexelsConfig holds the upstream credential. It is loaded once and never logged.
type PexelsConfig struct {
	APIKey string `toml:"api_key"`
}

// UpstreamConfig holds upstream connection and retry settings.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	SearchPath      string `toml:"search_path"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
	MaxAttempts     int    `toml:"max_attempts"`
	RetryBackoffMS  int    `toml:"retry_backoff_ms"`
	MinIntervalMS   *int   `toml:"min_interval_ms"` // nil means default; 0 disables pacing
	MaxBodyBytes    int64  `toml:"max_body_bytes"`
}

// ProxyConfig controls the inbound proxy route.
type ProxyConfig struct {
	Path          string   `toml:"path"`
	AllowedParams []string `toml:"allowed_params"`
	RequireQuery  *bool    `toml:"require_query"` // nil means default (true)
}

// CacheConfig selects and tunes the shared response cache.
type CacheConfig struct {
	Backend       string `toml:"backend"`
	FreshSeconds  int    `toml:"fresh_seconds"`
	StaleSeconds  int    `toml:"stale_seconds"`
	MaxEntries    int    `toml:"max_entries"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	KeyPrefix     string `toml:"key_prefix"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/edge-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.APIKey != "" {
		c.Pexels.APIKey = cli.APIKey
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.RedisAddr != "" {
		c.Cache.Backend = "redis"
		c.Cache.RedisAddr = cli.RedisAddr
	}
}

func (c *Config) validate() error {
	if c.Pexels.APIKey == "YOUR_API_KEY_HERE" {
		return fmt.Errorf("pexels.api_key contains placeholder value; set a real key or supply PEXELS_API_KEY")
	}

	// Upstream URL: required and must be HTTPS.
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use HTTPS; got %q", c.Upstream.BaseURL)
	}
	if c.Upstream.SearchPath[0] != '/' {
		return fmt.Errorf("upstream.search_path must start with '/'; got %q", c.Upstream.SearchPath)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxAttempts < 0 || c.Upstream.MaxAttempts > 10 {
		return fmt.Errorf("upstream.max_attempts must be 0–10; got %d", c.Upstream.MaxAttempts)
	}
	if c.Upstream.RetryBackoffMS < 0 {
		return fmt.Errorf("upstream.retry_backoff_ms must be non-negative; got %d", c.Upstream.RetryBackoffMS)
	}
	if c.Upstream.MinIntervalMS != nil && *c.Upstream.MinIntervalMS < 0 {
		return fmt.Errorf("upstream.min_interval_ms must be non-negative; got %d", *c.Upstream.MinIntervalMS)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Proxy route.
	if c.Proxy.Path[0] != '/' {
		return fmt.Errorf("proxy.path must start with '/'; got %q", c.Proxy.Path)
	}
	for _, p := range c.Proxy.AllowedParams {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("proxy.allowed_params must not contain empty names")
		}
	}

	// Cache.
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr is required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("cache.backend must be one of: memory, redis; got %q", c.Cache.Backend)
	}
	if c.Cache.FreshSeconds < 0 || c.Cache.StaleSeconds < 0 {
		return fmt.Errorf("cache.fresh_seconds and cache.stale_seconds must be non-negative")
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must be non-negative; got %d", c.Cache.MaxEntries)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{c.Proxy.Path, "/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Fields where an
// explicit 0 is meaningful (min_interval_ms) are pointers instead.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB; the proxy only accepts GET
	}
	if c.Upstream.SearchPath == "" {
		c.Upstream.SearchPath = "/v1/search"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 5
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxAttempts == 0 {
		c.Upstream.MaxAttempts = 3
	}
	if c.Upstream.RetryBackoffMS == 0 {
		c.Upstream.RetryBackoffMS = 1500
	}
	if c.Upstream.MinIntervalMS == nil {
		v := 500
		c.Upstream.MinIntervalMS = &v
	}
	if c.Upstream.MaxBodyBytes == 0 {
		c.Upstream.MaxBodyBytes = 5 * 1024 * 1024 // 5 MB
	}
	if c.Proxy.Path == "" {
		c.Proxy.Path = "/api/pexels-proxy"
	}
	if len(c.Proxy.AllowedParams) == 0 {
		c.Proxy.AllowedParams = append([]string(nil), defaultAllowedParams...)
	}
	if c.Proxy.RequireQuery == nil {
		v := true
		c.Proxy.RequireQuery = &v
	}
	c.Cache.Backend = strings.ToLower(c.Cache.Backend)
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.FreshSeconds == 0 {
		c.Cache.FreshSeconds = 6 * 60 * 60
	}
	if c.Cache.StaleSeconds == 0 {
		c.Cache.StaleSeconds = 7 * 24 * 60 * 60
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "edge-proxy:"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Timeout is the per-attempt upstream timeout.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Backoff is the linear retry step: attempt n waits n*Backoff.
func (c *UpstreamConfig) Backoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

// MinInterval is the minimum spacing between outbound attempts; zero disables pacing.
func (c *UpstreamConfig) MinInterval() time.Duration {
	if c.MinIntervalMS == nil {
		return 0
	}
	return time.Duration(*c.MinIntervalMS) * time.Millisecond
}

// QueryRequired reports whether requests without a search phrase are rejected locally.
func (c *ProxyConfig) QueryRequired() bool {
	return c.RequireQuery == nil || *c.RequireQuery
}

// FreshTTL is how long a stored response is served without revalidation.
func (c *CacheConfig) FreshTTL() time.Duration {
	return time.Duration(c.FreshSeconds) * time.Second
}

// StaleTTL is how long after freshness ends a stored response may still be served.
func (c *CacheConfig) StaleTTL() time.Duration {
	return time.Duration(c.StaleSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
