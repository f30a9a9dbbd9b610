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

	"analytics-proxy/internal/forward"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/analytics-proxy/config.toml",
	"configs/config.toml",
}

// Routes served by the proxy itself; analytics and metrics routes may not shadow them.
var reservedRoutes = []string{"/healthz", "/proxy/status"}

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	CacheBackend string `kong:"help='Script cache backend: memory|redis (overrides config).',env='CACHE_BACKEND'"`
	RedisAddr    string `kong:"help='Redis address for the redis cache backend (overrides config).',env='REDIS_ADDR'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Cache    CacheConfig    `toml:"cache"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Proxies  []ProxyConfig  `toml:"proxy"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
	// ProxyProtocol accepts PROXY protocol v1/v2 headers from a fronting load balancer.
	ProxyProtocol bool `toml:"proxy_protocol"`
	// TrustForwardedHeaders takes the client IP from X-Forwarded-For instead of the socket.
	TrustForwardedHeaders bool `toml:"trust_forwarded_headers"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings shared by all proxies.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// CacheConfig selects the script cache store.
type CacheConfig struct {
	Backend string      `toml:"backend"`
	Redis   RedisConfig `toml:"redis"`
}

// RedisConfig holds Redis connection settings for the redis cache backend.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
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

// ProxyConfig describes one analytics proxy instance.
type ProxyConfig struct {
	Name        string `toml:"name"`
	Preset      string `toml:"preset"`
	RoutePrefix string `toml:"route_prefix"`
	ScriptPath  string `toml:"script_path"`
	CollectPath string `toml:"collect_path"`

	ClientSideJavaScriptURL string `toml:"client_side_javascript_url"`
	// Pointer so an explicit 0 (no caching) differs from unset.
	ClientSideJavaScriptCachingSeconds *int   `toml:"client_side_javascript_caching_seconds"`
	ClientSideJavaScriptContentType    string `toml:"client_side_javascript_content_type"`
	ClientSideJavaScriptFallback       string `toml:"client_side_javascript_fallback"`
	ClientSideJavaScriptFallbackFile   string `toml:"client_side_javascript_fallback_file"`
	MinifyScript                       bool   `toml:"minify_script"`
	BypassCache                        bool   `toml:"bypass_cache"`
	UseFallback                        *bool  `toml:"use_fallback"`

	CollectURL              string   `toml:"collect_url"`
	CollectHTTPVersion      string   `toml:"collect_http_version"`
	ForwardRequestIPAddress bool     `toml:"forward_request_ip_address"`
	CopyHeadersExcept       []string `toml:"copy_headers_except"`
	IgnoreCertificateErrors bool     `toml:"ignore_certificate_errors"`

	scriptURL   *url.URL
	collectURL  *url.URL
	version     forward.Version
	fallback    string
	hasFallback bool
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/analytics-proxy/config.toml then configs/config.toml.
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

	if err := cfg.applyPresets(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.resolve(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
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
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.CacheBackend != "" {
		c.Cache.Backend = cli.CacheBackend
	}
	if cli.RedisAddr != "" {
		c.Cache.Redis.Addr = cli.RedisAddr
	}
}

func (c *Config) applyPresets() error {
	for i := range c.Proxies {
		p := &c.Proxies[i]
		name := p.Preset
		if name == "" {
			name = PresetCustom
		}
		preset, ok := Presets[name]
		if !ok {
			return fmt.Errorf("proxy[%d].preset %q is unknown", i, p.Preset)
		}
		p.Preset = name
		p.applyPreset(preset)
	}
	return nil
}

func (c *Config) validate() error {
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
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
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

	// Cache backend.
	switch strings.ToLower(c.Cache.Backend) {
	case CacheMemory, "":
	case CacheRedis:
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required when cache.backend is %q", CacheRedis)
		}
		if c.Cache.Redis.DB < 0 {
			return fmt.Errorf("cache.redis.db must be non-negative; got %d", c.Cache.Redis.DB)
		}
	default:
		return fmt.Errorf("cache.backend must be one of: memory, redis; got %q", c.Cache.Backend)
	}

	if len(c.Proxies) == 0 {
		return fmt.Errorf("at least one [[proxy]] entry is required")
	}

	routes := make(map[string]string)
	names := make(map[string]bool)
	for i := range c.Proxies {
		p := &c.Proxies[i]
		if err := p.validate(i); err != nil {
			return err
		}

		name := p.displayName(i)
		if names[name] {
			return fmt.Errorf("proxy[%d].name %q is used by another proxy", i, name)
		}
		names[name] = true

		for _, route := range []string{p.ScriptRoute(), p.CollectRoute()} {
			if owner, dup := routes[route]; dup {
				return fmt.Errorf("proxy[%d] route %q is already served by proxy %q", i, route, owner)
			}
			for _, reserved := range reservedRoutes {
				if routeConflicts(route, reserved) {
					return fmt.Errorf("proxy[%d] route %q conflicts with reserved route %q", i, route, reserved)
				}
			}
			routes[route] = name
		}
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if routeConflicts(p, reserved) {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
		if owner, ok := routes[p]; ok {
			return fmt.Errorf("metrics.path %q conflicts with proxy %q", p, owner)
		}
	}

	return nil
}

func (p *ProxyConfig) validate(i int) error {
	if _, err := parseAbsoluteURL(p.ClientSideJavaScriptURL); err != nil {
		return fmt.Errorf("proxy[%d].client_side_javascript_url %w", i, err)
	}
	if _, err := parseAbsoluteURL(p.CollectURL); err != nil {
		return fmt.Errorf("proxy[%d].collect_url %w", i, err)
	}
	if p.ClientSideJavaScriptCachingSeconds != nil && *p.ClientSideJavaScriptCachingSeconds < 0 {
		return fmt.Errorf("proxy[%d].client_side_javascript_caching_seconds must be non-negative; got %d", i, *p.ClientSideJavaScriptCachingSeconds)
	}
	if p.CollectHTTPVersion != "" {
		if _, err := forward.ParseVersion(p.CollectHTTPVersion); err != nil {
			return fmt.Errorf("proxy[%d].collect_http_version: %w", i, err)
		}
	}
	if p.ClientSideJavaScriptFallback != "" && p.ClientSideJavaScriptFallbackFile != "" {
		return fmt.Errorf("proxy[%d]: client_side_javascript_fallback and client_side_javascript_fallback_file are mutually exclusive", i)
	}
	if p.RoutePrefix != "" && (p.RoutePrefix[0] != '/' || strings.HasSuffix(p.RoutePrefix, "/")) {
		return fmt.Errorf("proxy[%d].route_prefix must start with '/' and not end with '/'; got %q", i, p.RoutePrefix)
	}
	for field, path := range map[string]string{"script_path": p.ScriptPath, "collect_path": p.CollectPath} {
		if path == "" || path[0] != '/' {
			return fmt.Errorf("proxy[%d].%s must start with '/'; got %q", i, field, path)
		}
	}
	if p.ScriptRoute() == p.CollectRoute() {
		return fmt.Errorf("proxy[%d]: script and collect routes are both %q", i, p.ScriptRoute())
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	c.Cache.Backend = strings.ToLower(c.Cache.Backend)
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheMemory
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "analytics-proxy:"
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

	for i := range c.Proxies {
		p := &c.Proxies[i]
		p.Name = p.displayName(i)
		if p.ClientSideJavaScriptCachingSeconds == nil {
			ttl := DefaultScriptCachingSeconds
			p.ClientSideJavaScriptCachingSeconds = &ttl
		}
		if p.ClientSideJavaScriptContentType == "" {
			p.ClientSideJavaScriptContentType = DefaultScriptContentType
		}
		if p.CollectHTTPVersion == "" {
			p.CollectHTTPVersion = DefaultCollectHTTPVersion
		}
		if p.CopyHeadersExcept == nil {
			p.CopyHeadersExcept = DefaultCopyHeadersExcept()
		}
		if p.UseFallback == nil {
			enabled := true
			p.UseFallback = &enabled
		}
	}
}

// resolve parses validated fields and loads fallback files.
func (c *Config) resolve() error {
	for i := range c.Proxies {
		p := &c.Proxies[i]
		p.scriptURL, _ = parseAbsoluteURL(p.ClientSideJavaScriptURL)
		p.collectURL, _ = parseAbsoluteURL(p.CollectURL)
		p.version, _ = forward.ParseVersion(p.CollectHTTPVersion)

		switch {
		case p.ClientSideJavaScriptFallbackFile != "":
			data, err := os.ReadFile(p.ClientSideJavaScriptFallbackFile)
			if err != nil {
				return fmt.Errorf("proxy %q: read fallback %s: %w", p.Name, p.ClientSideJavaScriptFallbackFile, err)
			}
			p.fallback, p.hasFallback = string(data), true
		case p.ClientSideJavaScriptFallback != "":
			p.fallback, p.hasFallback = p.ClientSideJavaScriptFallback, true
		}
	}
	return nil
}

func (p *ProxyConfig) displayName(i int) string {
	if p.Name != "" {
		return p.Name
	}
	if p.Preset != "" && p.Preset != PresetCustom {
		return p.Preset
	}
	return fmt.Sprintf("proxy-%d", i)
}

// ScriptRoute returns the local route serving the client script.
func (p *ProxyConfig) ScriptRoute() string {
	return p.RoutePrefix + p.ScriptPath
}

// CollectRoute returns the local route relaying collection requests.
func (p *ProxyConfig) CollectRoute() string {
	return p.RoutePrefix + p.CollectPath
}

// ScriptURL returns the parsed client script URL.
func (p *ProxyConfig) ScriptURL() *url.URL { return p.scriptURL }

// CollectTarget returns the parsed collection URL.
func (p *ProxyConfig) CollectTarget() *url.URL { return p.collectURL }

// Version returns the parsed collection HTTP version.
func (p *ProxyConfig) Version() forward.Version { return p.version }

// ScriptTTL returns the absolute cache lifetime of a fetched script.
func (p *ProxyConfig) ScriptTTL() time.Duration {
	if p.ClientSideJavaScriptCachingSeconds == nil {
		return DefaultScriptCachingSeconds * time.Second
	}
	return time.Duration(*p.ClientSideJavaScriptCachingSeconds) * time.Second
}

// FallbackEnabled reports whether the fallback script is served on fetch failure.
func (p *ProxyConfig) FallbackEnabled() bool {
	return p.UseFallback == nil || *p.UseFallback
}

// Fallback returns the configured fallback script, if any.
func (p *ProxyConfig) Fallback() (string, bool) {
	return p.fallback, p.hasFallback
}

// Timeout returns the upstream request timeout.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func parseAbsoluteURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("must be an absolute http(s) URL; got %q", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("must include a host; got %q", raw)
	}
	return u, nil
}

func routeConflicts(route, reserved string) bool {
	return route == reserved || strings.HasPrefix(route, reserved+"/")
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

// WarnPermissions logs a warning if the config file is readable by group or others.
// Redis passwords may live in the file.
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
