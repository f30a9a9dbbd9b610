package config

// Defaults applied to every [[proxy]] entry.
const (
	DefaultScriptCachingSeconds = 43200
	DefaultScriptContentType    = "text/javascript; charset=UTF-8"
	DefaultCollectHTTPVersion   = "2.0"
)

// DefaultCopyHeadersExcept returns the headers withheld from upstream when
// copy_headers_except is not set.
func DefaultCopyHeadersExcept() []string {
	return []string{"Cookie"}
}

// Preset names.
const (
	PresetCustom          = "custom"
	PresetPlausible       = "plausible"
	PresetGoogleAnalytics = "google_analytics"
)

// Preset holds provider defaults for a [[proxy]] entry. Preset values only
// fill fields the entry leaves empty.
type Preset struct {
	ScriptURL   string
	CollectURL  string
	ScriptPath  string
	CollectPath string
}

// Presets lists the known analytics providers.
var Presets = map[string]Preset{
	PresetCustom: {
		ScriptPath:  "/js/script.js",
		CollectPath: "/api/event",
	},
	PresetPlausible: {
		ScriptURL:   "https://plausible.io/js/script.js",
		CollectURL:  "https://plausible.io/api/event",
		ScriptPath:  "/js/script.js",
		CollectPath: "/api/event",
	},
	PresetGoogleAnalytics: {
		ScriptURL:   "https://www.googletagmanager.com/gtag/js",
		CollectURL:  "https://www.google-analytics.com/g/collect",
		ScriptPath:  "/gtag/js",
		CollectPath: "/g/collect",
	},
}

func (p *ProxyConfig) applyPreset(preset Preset) {
	if p.ClientSideJavaScriptURL == "" {
		p.ClientSideJavaScriptURL = preset.ScriptURL
	}
	if p.CollectURL == "" {
		p.CollectURL = preset.CollectURL
	}
	if p.ScriptPath == "" {
		p.ScriptPath = preset.ScriptPath
	}
	if p.CollectPath == "" {
		p.CollectPath = preset.CollectPath
	}
}
