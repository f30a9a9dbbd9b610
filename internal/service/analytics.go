// Package service implements the analytics proxy engine: the collection
// relay and the cache-aside client script loader.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/js"

	"analytics-proxy/internal/cache"
	"analytics-proxy/internal/forward"
	"analytics-proxy/internal/metrics"
	"analytics-proxy/internal/model"
)

// ErrCircuitOpen is returned by script fetches while the upstream breaker is open.
var ErrCircuitOpen = errors.New("script upstream circuit open")

// ErrScriptTooLarge is returned when the upstream script exceeds MaxScriptBytes.
var ErrScriptTooLarge = errors.New("script upstream body too large")

// MaxScriptBytes caps a downloaded client script.
const MaxScriptBytes = 5 << 20

// Script fetch breaker settings.
const (
	breakerFailures    = 5
	breakerOpenTimeout = 30 * time.Second
)

const scriptMediaType = "text/javascript"

// UpstreamStatusError reports a non-2xx script response.
type UpstreamStatusError struct {
	URL        string
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("script upstream %s returned %d", e.URL, e.StatusCode)
}

// Transport sends outbound requests. client.UpstreamClient implements it.
type Transport interface {
	Send(req *http.Request) (*model.ProxyResponse, error)
	Get(ctx context.Context, url string) (*model.ProxyResponse, error)
}

// Proxy is the capability set of one analytics proxy instance.
type Proxy interface {
	// Collect relays an inbound collection request upstream and returns the
	// upstream response unmodified. The caller closes the response body.
	Collect(in *model.InboundRequest) (*model.ProxyResponse, error)
	// GetClientScript returns the client script and whether one was found.
	// Upstream failures are never returned; err is only ever a cancellation.
	GetClientScript(ctx context.Context, opts ScriptOptions) (script string, found bool, err error)
}

// ScriptOptions controls a single GetClientScript call.
type ScriptOptions struct {
	BypassCache bool
	UseFallback bool
}

// DefaultScriptOptions reads through the cache and serves the fallback on failure.
func DefaultScriptOptions() ScriptOptions {
	return ScriptOptions{UseFallback: true}
}

// Settings is the immutable per-instance configuration of an AnalyticsProxy.
type Settings struct {
	Name string

	ScriptURL   *url.URL
	ScriptTTL   time.Duration
	Fallback    string
	HasFallback bool
	Minify      bool

	CollectURL    *url.URL
	Version       forward.Version
	ForwardIP     bool
	ExceptHeaders []string
}

// AnalyticsProxy relays collection requests and serves the provider's client
// script through a shared cache.
type AnalyticsProxy struct {
	settings  Settings
	transport Transport
	scripts   *cache.Cache[string]
	breaker   *gobreaker.CircuitBreaker[string]
	minifier  *minify.M
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cacheKey  string
	now       func() time.Time
	maxBytes  int64
}

var _ Proxy = (*AnalyticsProxy)(nil)

// NewAnalyticsProxy creates an AnalyticsProxy. The metrics parameter is optional.
func NewAnalyticsProxy(s Settings, t Transport, scripts *cache.Cache[string], m *metrics.Metrics, logger *slog.Logger) *AnalyticsProxy {
	p := &AnalyticsProxy{
		settings:  s,
		transport: t,
		scripts:   scripts,
		metrics:   m,
		logger:    logger.With("component", "analytics_proxy", "proxy", s.Name),
		cacheKey:  ScriptCacheKey(s.Name, s.ScriptURL),
		now:       time.Now,
		maxBytes:  MaxScriptBytes,
	}

	if s.Minify {
		p.minifier = minify.New()
		p.minifier.AddFunc(scriptMediaType, js.Minify)
	}

	p.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:    s.Name,
		Timeout: breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("script circuit breaker state changed", "from", from.String(), "to", to.String())
			if p.metrics != nil {
				p.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	if m != nil {
		m.BreakerState.WithLabelValues(s.Name).Set(float64(gobreaker.StateClosed))
	}

	return p
}

// ScriptCacheKey returns the cache key of an instance's client script.
// Instances are keyed by name, so two proxies with the same script URL but
// different TTL or minification never serve each other's entry.
func ScriptCacheKey(name string, scriptURL *url.URL) string {
	return "AnalyticsProxy.GetClientScript:" + name + ":" + scriptURL.String()
}

// Name returns the instance name.
func (p *AnalyticsProxy) Name() string {
	return p.settings.Name
}

// Collect builds the outbound request from in and sends it exactly once.
func (p *AnalyticsProxy) Collect(in *model.InboundRequest) (*model.ProxyResponse, error) {
	if in.Ctx != nil {
		if err := in.Ctx.Err(); err != nil {
			return nil, err
		}
	}

	req := forward.Build(in, p.settings.CollectURL, p.settings.Version, forward.Options{
		ForwardIP:     p.settings.ForwardIP,
		ExceptHeaders: p.settings.ExceptHeaders,
	})

	p.logger.Debug("relaying collect request",
		"method", req.Method,
		"target", req.URL.Host,
	)

	resp, err := p.transport.Send(req)
	if err != nil {
		return nil, fmt.Errorf("collect: %w", err)
	}
	return resp, nil
}

// GetClientScript resolves the client script per opts.
func (p *AnalyticsProxy) GetClientScript(ctx context.Context, opts ScriptOptions) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	var (
		script string
		found  bool
	)
	if opts.BypassCache {
		s, err := p.fetchScript(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", false, ctxErr
			}
			p.logFetchFailure(err)
		} else {
			script, found = s, true
		}
	} else {
		s, ok, err := p.scripts.GetOrCreate(ctx, p.cacheKey, p.createScript)
		if err != nil {
			return "", false, err
		}
		script, found = s, ok
	}

	if !found && opts.UseFallback {
		return p.settings.Fallback, p.settings.HasFallback, nil
	}
	return script, found, nil
}

// createScript is the cache factory. Failed fetches are not cached.
func (p *AnalyticsProxy) createScript(ctx context.Context) (cache.Entry[string], bool) {
	script, err := p.fetchScript(ctx)
	if err != nil {
		if !errors.Is(ctx.Err(), context.Canceled) {
			p.logFetchFailure(err)
		}
		return cache.Entry[string]{}, false
	}
	return cache.Entry[string]{
		Value:     script,
		ExpiresAt: p.now().Add(p.settings.ScriptTTL),
	}, true
}

// fetchScript downloads the script through the circuit breaker.
func (p *AnalyticsProxy) fetchScript(ctx context.Context) (string, error) {
	script, err := p.breaker.Execute(func() (string, error) {
		return p.download(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = ErrCircuitOpen
	}
	p.recordFetch(err)
	if err != nil {
		return "", err
	}

	if p.minifier != nil {
		minified, merr := p.minifier.String(scriptMediaType, script)
		if merr != nil {
			p.logger.Warn("script minification failed; serving original", "err", merr)
			return script, nil
		}
		return minified, nil
	}
	return script, nil
}

func (p *AnalyticsProxy) download(ctx context.Context) (string, error) {
	target := p.settings.ScriptURL.String()

	resp, err := p.transport.Get(ctx, target)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &UpstreamStatusError{URL: target, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read script body: %w", err)
	}
	if int64(len(body)) > p.maxBytes {
		return "", fmt.Errorf("%s: %w (limit %d bytes)", target, ErrScriptTooLarge, p.maxBytes)
	}
	return string(body), nil
}

func (p *AnalyticsProxy) recordFetch(err error) {
	if p.metrics == nil {
		return
	}
	var statusErr *UpstreamStatusError
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrCircuitOpen):
		result = "circuit_open"
	case errors.Is(err, ErrScriptTooLarge):
		result = "too_large"
	case errors.As(err, &statusErr):
		result = "bad_status"
	case errors.Is(err, context.Canceled):
		result = "canceled"
	default:
		result = "error"
	}
	p.metrics.ScriptFetches.WithLabelValues(p.settings.Name, result).Inc()
}

func (p *AnalyticsProxy) logFetchFailure(err error) {
	p.logger.Warn("client script fetch failed",
		"url", p.settings.ScriptURL.String(),
		"err", err,
	)
}
