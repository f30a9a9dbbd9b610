package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// plausibleProxy is the smallest valid proxy section.
const plausibleProxy = `
[[proxy]]
preset = "plausible"
`

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a config.toml in a temp dir and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
body_max_bytes = 5242880
trust_forwarded_headers = true

[upstream]
timeout_seconds = 60
idle_connections = 50

[log]
level = "debug"
format = "text"

[[proxy]]
name = "stats"
route_prefix = "/stats"
script_path = "/s.js"
collect_path = "/e"
client_side_javascript_url = "https://cdn.example.com/script.js"
client_side_javascript_caching_seconds = 600
client_side_javascript_content_type = "application/javascript"
collect_url = "https://collect.example.com/event"
collect_http_version = "1.1"
forward_request_ip_address = true
copy_headers_except = ["Cookie", "Authorization"]
ignore_certificate_errors = true
use_fallback = false
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if !cfg.Server.TrustForwardedHeaders {
		t.Error("Server.TrustForwardedHeaders = false, want true")
	}
	if cfg.Upstream.Timeout() != 60*time.Second {
		t.Errorf("Upstream.Timeout() = %v, want %v", cfg.Upstream.Timeout(), 60*time.Second)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if len(cfg.Proxies) != 1 {
		t.Fatalf("len(Proxies) = %d, want 1", len(cfg.Proxies))
	}

	p := cfg.Proxies[0]
	if p.Name != "stats" {
		t.Errorf("Name = %q, want %q", p.Name, "stats")
	}
	if p.ScriptRoute() != "/stats/s.js" {
		t.Errorf("ScriptRoute() = %q, want %q", p.ScriptRoute(), "/stats/s.js")
	}
	if p.CollectRoute() != "/stats/e" {
		t.Errorf("CollectRoute() = %q, want %q", p.CollectRoute(), "/stats/e")
	}
	if p.ScriptURL().String() != "https://cdn.example.com/script.js" {
		t.Errorf("ScriptURL() = %q", p.ScriptURL())
	}
	if p.CollectTarget().Host != "collect.example.com" {
		t.Errorf("CollectTarget().Host = %q, want %q", p.CollectTarget().Host, "collect.example.com")
	}
	if p.ScriptTTL() != 10*time.Minute {
		t.Errorf("ScriptTTL() = %v, want %v", p.ScriptTTL(), 10*time.Minute)
	}
	if got := p.Version().String(); got != "1.1" {
		t.Errorf("Version() = %q, want %q", got, "1.1")
	}
	if !p.ForwardRequestIPAddress {
		t.Error("ForwardRequestIPAddress = false, want true")
	}
	if !p.IgnoreCertificateErrors {
		t.Error("IgnoreCertificateErrors = false, want true")
	}
	if p.FallbackEnabled() {
		t.Error("FallbackEnabled() = true, want false")
	}
	if got := strings.Join(p.CopyHeadersExcept, ","); got != "Cookie,Authorization" {
		t.Errorf("CopyHeadersExcept = %q, want %q", got, "Cookie,Authorization")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
[[proxy]]
client_side_javascript_url = "https://cdn.example.com/script.js"
collect_url = "https://collect.example.com/event"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 8000)
	}
	if cfg.Server.BodyMaxBytes != 1024*1024 {
		t.Errorf("default Server.BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, 1024*1024)
	}
	if cfg.Cache.Backend != CacheMemory {
		t.Errorf("default Cache.Backend = %q, want %q", cfg.Cache.Backend, CacheMemory)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	p := cfg.Proxies[0]
	if p.Preset != PresetCustom {
		t.Errorf("default Preset = %q, want %q", p.Preset, PresetCustom)
	}
	if p.Name != "proxy-0" {
		t.Errorf("default Name = %q, want %q", p.Name, "proxy-0")
	}
	if p.ScriptTTL() != 43200*time.Second {
		t.Errorf("default ScriptTTL() = %v, want %v", p.ScriptTTL(), 43200*time.Second)
	}
	if p.ClientSideJavaScriptContentType != "text/javascript; charset=UTF-8" {
		t.Errorf("default content type = %q", p.ClientSideJavaScriptContentType)
	}
	if got := p.Version().String(); got != "2.0" {
		t.Errorf("default Version() = %q, want %q", got, "2.0")
	}
	if p.ForwardRequestIPAddress {
		t.Error("default ForwardRequestIPAddress = true, want false")
	}
	if p.IgnoreCertificateErrors {
		t.Error("default IgnoreCertificateErrors = true, want false")
	}
	if !p.FallbackEnabled() {
		t.Error("default FallbackEnabled() = false, want true")
	}
	if len(p.CopyHeadersExcept) != 1 || p.CopyHeadersExcept[0] != "Cookie" {
		t.Errorf("default CopyHeadersExcept = %v, want [Cookie]", p.CopyHeadersExcept)
	}
	if _, ok := p.Fallback(); ok {
		t.Error("Fallback() ok = true, want false when none configured")
	}
	if p.ScriptRoute() != "/js/script.js" || p.CollectRoute() != "/api/event" {
		t.Errorf("routes = %q, %q", p.ScriptRoute(), p.CollectRoute())
	}
}

func TestLoad_ZeroCachingSecondsKept(t *testing.T) {
	path := writeConfig(t, `
[[proxy]]
preset = "plausible"
client_side_javascript_caching_seconds = 0
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Proxies[0].ScriptTTL(); got != 0 {
		t.Errorf("ScriptTTL() = %v, want 0", got)
	}
}

func TestLoad_Presets(t *testing.T) {
	path := writeConfig(t, `
[[proxy]]
preset = "plausible"

[[proxy]]
preset = "google_analytics"
route_prefix = "/ga"

[[proxy]]
name = "self-hosted"
preset = "plausible"
route_prefix = "/p"
client_side_javascript_url = "https://stats.example.com/js/script.js"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name, script, collect, scriptRoute, collectRoute string
	}{
		{"plausible", "https://plausible.io/js/script.js", "https://plausible.io/api/event", "/js/script.js", "/api/event"},
		{"google_analytics", "https://www.googletagmanager.com/gtag/js", "https://www.google-analytics.com/g/collect", "/ga/gtag/js", "/ga/g/collect"},
		{"self-hosted", "https://stats.example.com/js/script.js", "https://plausible.io/api/event", "/p/js/script.js", "/p/api/event"},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := cfg.Proxies[i]
			if p.Name != tt.name {
				t.Errorf("Name = %q, want %q", p.Name, tt.name)
			}
			if p.ClientSideJavaScriptURL != tt.script {
				t.Errorf("script URL = %q, want %q", p.ClientSideJavaScriptURL, tt.script)
			}
			if p.CollectURL != tt.collect {
				t.Errorf("collect URL = %q, want %q", p.CollectURL, tt.collect)
			}
			if p.ScriptRoute() != tt.scriptRoute {
				t.Errorf("ScriptRoute() = %q, want %q", p.ScriptRoute(), tt.scriptRoute)
			}
			if p.CollectRoute() != tt.collectRoute {
				t.Errorf("CollectRoute() = %q, want %q", p.CollectRoute(), tt.collectRoute)
			}
		})
	}
}

func TestLoad_FallbackFile(t *testing.T) {
	dir := t.TempDir()
	fallback := filepath.Join(dir, "fallback.js")
	if err := os.WriteFile(fallback, []byte("window.plausible=function(){}"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, `
[[proxy]]
preset = "plausible"
client_side_javascript_fallback_file = "`+filepath.ToSlash(fallback)+`"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got, ok := cfg.Proxies[0].Fallback()
	if !ok || got != "window.plausible=function(){}" {
		t.Errorf("Fallback() = %q, %v; want file content, true", got, ok)
	}
}

func TestLoad_InlineFallback(t *testing.T) {
	path := writeConfig(t, `
[[proxy]]
preset = "plausible"
client_side_javascript_fallback = "/* unavailable */"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got, ok := cfg.Proxies[0].Fallback(); !ok || got != "/* unavailable */" {
		t.Errorf("Fallback() = %q, %v", got, ok)
	}
}

func TestLoad_MissingFallbackFile(t *testing.T) {
	path := writeConfig(t, `
[[proxy]]
preset = "plausible"
client_side_javascript_fallback_file = "/nonexistent/fallback.js"
`)

	if _, err := Load(cliWithPath(path)); err == nil {
		t.Fatal("Load() expected error for missing fallback file, got nil")
	}
}

func TestLoad_InvalidProxy(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"no proxies", "[server]\nport = 8000\n", "[[proxy]]"},
		{"unknown preset", "[[proxy]]\npreset = \"matomo\"\n", "preset"},
		{"custom without urls", "[[proxy]]\npreset = \"custom\"\n", "client_side_javascript_url is required"},
		{"relative script url", "[[proxy]]\npreset = \"plausible\"\nclient_side_javascript_url = \"/js/script.js\"\n", "client_side_javascript_url"},
		{"relative collect url", "[[proxy]]\npreset = \"plausible\"\ncollect_url = \"api/event\"\n", "collect_url"},
		{"ftp collect url", "[[proxy]]\npreset = \"plausible\"\ncollect_url = \"ftp://plausible.io/api/event\"\n", "collect_url"},
		{"negative ttl", "[[proxy]]\npreset = \"plausible\"\nclient_side_javascript_caching_seconds = -1\n", "caching_seconds"},
		{"bad version", "[[proxy]]\npreset = \"plausible\"\ncollect_http_version = \"HTTP/9\"\n", "collect_http_version"},
		{"both fallbacks", "[[proxy]]\npreset = \"plausible\"\nclient_side_javascript_fallback = \"x\"\nclient_side_javascript_fallback_file = \"x.js\"\n", "mutually exclusive"},
		{"prefix trailing slash", "[[proxy]]\npreset = \"plausible\"\nroute_prefix = \"/p/\"\n", "route_prefix"},
		{"script path without slash", "[[proxy]]\npreset = \"plausible\"\nscript_path = \"script.js\"\n", "script_path"},
		{"same script and collect route", "[[proxy]]\npreset = \"plausible\"\ncollect_path = \"/js/script.js\"\n", "both"},
		{"duplicate routes", plausibleProxy + "\n[[proxy]]\nname = \"other\"\npreset = \"plausible\"\n", "already served"},
		{"duplicate names", plausibleProxy + "\n[[proxy]]\npreset = \"plausible\"\nroute_prefix = \"/x\"\n", "name"},
		{"reserved route", "[[proxy]]\npreset = \"plausible\"\nroute_prefix = \"/healthz\"\n", "reserved"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.data)
			_, err := Load(cliWithPath(path))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, plausibleProxy+`
[log]
level = "verbose"
`)

	if _, err := Load(cliWithPath(path)); err == nil {
		t.Fatal("Load() expected error for invalid log level, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, plausibleProxy+`
[server]
host = "0.0.0.0"
port = 8000

[log]
level = "info"
`)

	cli := &CLI{
		Config:       path,
		Host:         "127.0.0.1",
		Port:         3000,
		LogLevel:     "debug",
		CacheBackend: "redis",
		RedisAddr:    "127.0.0.1:6379",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
	if cfg.Cache.Backend != CacheRedis {
		t.Errorf("Cache.Backend = %q, want %q (CLI override)", cfg.Cache.Backend, CacheRedis)
	}
	if cfg.Cache.Redis.Addr != "127.0.0.1:6379" {
		t.Errorf("Cache.Redis.Addr = %q (CLI override)", cfg.Cache.Redis.Addr)
	}
	if cfg.Cache.Redis.Prefix != "analytics-proxy:" {
		t.Errorf("default Cache.Redis.Prefix = %q", cfg.Cache.Redis.Prefix)
	}
}

func TestLoad_CacheBackend(t *testing.T) {
	tests := []struct {
		name    string
		section string
		wantErr bool
	}{
		{"memory", "[cache]\nbackend = \"memory\"\n", false},
		{"redis", "[cache]\nbackend = \"redis\"\n[cache.redis]\naddr = \"localhost:6379\"\n", false},
		{"redis without addr", "[cache]\nbackend = \"redis\"\n", true},
		{"unknown", "[cache]\nbackend = \"memcached\"\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, plausibleProxy+tt.section)
			_, err := Load(cliWithPath(path))
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_NumericBounds(t *testing.T) {
	tests := []struct {
		name    string
		section string
	}{
		{"negative port", "[server]\nport = -1\n"},
		{"port too large", "[server]\nport = 70000\n"},
		{"negative body_max_bytes", "[server]\nbody_max_bytes = -1\n"},
		{"negative timeout", "[upstream]\ntimeout_seconds = -5\n"},
		{"negative idle connections", "[upstream]\nidle_connections = -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, plausibleProxy+tt.section)
			if _, err := Load(cliWithPath(path)); err == nil {
				t.Fatal("Load() expected error, got nil")
			}
		})
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, plausibleProxy+`
[server.rate_limit]
enabled = true
requests_per_second = 50.0
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestLoad_RateLimitConfig_BadValue(t *testing.T) {
	path := writeConfig(t, plausibleProxy+`
[server.rate_limit]
enabled = true
requests_per_second = 0
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for rate limit enabled with requests_per_second=0, got nil")
	}
	if !strings.Contains(err.Error(), "requests_per_second") {
		t.Errorf("error = %q, want mention of requests_per_second", err)
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := writeConfig(t, "# test")

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := writeConfig(t, "# test")
	if err := os.Chmod(path, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths(t *testing.T) {
	first := writeConfig(t, plausibleProxy)
	second := writeConfig(t, plausibleProxy)

	if got := findConfigInPaths([]string{first, second}); got != first {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, first)
	}
	if got := findConfigInPaths([]string{"/nonexistent/a.toml", second}); got != second {
		t.Errorf("findConfigInPaths() = %q, want %q", got, second)
	}
	if got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"}); got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestLoad_MetricsPath(t *testing.T) {
	tests := []struct {
		name     string
		section  string
		want     string
		conflict bool
		wantErr  bool
	}{
		{"default", "[metrics]\nenabled = true\n", "/metrics", false, false},
		{"custom", "[metrics]\nenabled = true\npath = \"/custom-metrics\"\n", "/custom-metrics", false, false},
		{"no leading slash", "[metrics]\nenabled = true\npath = \"metrics\"\n", "", false, true},
		{"disabled skips validation", "[metrics]\nenabled = false\npath = \"bad-no-slash\"\n", "bad-no-slash", false, false},
		{"healthz", "[metrics]\nenabled = true\npath = \"/healthz\"\n", "", true, true},
		{"proxy/status", "[metrics]\nenabled = true\npath = \"/proxy/status\"\n", "", true, true},
		{"proxy route", "[metrics]\nenabled = true\npath = \"/api/event\"\n", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, plausibleProxy+tt.section)
			cfg, err := Load(cliWithPath(path))
			if tt.wantErr {
				if err == nil {
					t.Fatal("Load() expected error, got nil")
				}
				if tt.conflict && !strings.Contains(err.Error(), "conflicts") {
					t.Errorf("error = %q, want mention of conflict", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.Metrics.Path != tt.want {
				t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, tt.want)
			}
		})
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}
