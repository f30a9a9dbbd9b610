package service

import (
	"log/slog"

	"analytics-proxy/internal/cache"
	"analytics-proxy/internal/client"
	"analytics-proxy/internal/config"
	"analytics-proxy/internal/metrics"
)

// Instance is a configured proxy together with the local routes it serves.
type Instance struct {
	Name         string
	Preset       string
	ScriptRoute  string
	CollectRoute string
	ScriptURL    string
	CollectURL   string
	// ContentType is sent with the client script.
	ContentType   string
	ScriptOptions ScriptOptions
	Proxy         Proxy
}

// Registry holds every configured proxy instance in config order.
type Registry struct {
	instances []Instance
}

// NewRegistry builds one AnalyticsProxy per [[proxy]] entry. All instances
// share scripts; each gets its own upstream transport.
func NewRegistry(cfg *config.Config, scripts *cache.Cache[string], m *metrics.Metrics, logger *slog.Logger) *Registry {
	r := &Registry{}
	for i := range cfg.Proxies {
		pc := &cfg.Proxies[i]

		transport := client.NewUpstreamClient(client.Options{
			Name:               pc.Name,
			Timeout:            cfg.Upstream.Timeout(),
			IdleConnections:    cfg.Upstream.IdleConnections,
			Version:            pc.Version(),
			InsecureSkipVerify: pc.IgnoreCertificateErrors,
		}, logger, m)

		if pc.IgnoreCertificateErrors {
			logger.Warn("upstream certificate verification disabled", "proxy", pc.Name)
		}

		r.instances = append(r.instances, Instance{
			Name:         pc.Name,
			Preset:       pc.Preset,
			ScriptRoute:  pc.ScriptRoute(),
			CollectRoute: pc.CollectRoute(),
			ScriptURL:    pc.ClientSideJavaScriptURL,
			CollectURL:   pc.CollectURL,
			ContentType:  pc.ClientSideJavaScriptContentType,
			ScriptOptions: ScriptOptions{
				BypassCache: pc.BypassCache,
				UseFallback: pc.FallbackEnabled(),
			},
			Proxy: NewAnalyticsProxy(SettingsFromConfig(pc), transport, scripts, m, logger),
		})
	}
	return r
}

// NewRegistryFromInstances wraps prebuilt instances.
func NewRegistryFromInstances(instances ...Instance) *Registry {
	return &Registry{instances: instances}
}

// Instances returns the configured instances.
func (r *Registry) Instances() []Instance {
	return r.instances
}

// SettingsFromConfig converts a loaded proxy config entry to engine settings.
func SettingsFromConfig(pc *config.ProxyConfig) Settings {
	fallback, hasFallback := pc.Fallback()
	return Settings{
		Name:          pc.Name,
		ScriptURL:     pc.ScriptURL(),
		ScriptTTL:     pc.ScriptTTL(),
		Fallback:      fallback,
		HasFallback:   hasFallback,
		Minify:        pc.MinifyScript,
		CollectURL:    pc.CollectTarget(),
		Version:       pc.Version(),
		ForwardIP:     pc.ForwardRequestIPAddress,
		ExceptHeaders: pc.CopyHeadersExcept,
	}
}
