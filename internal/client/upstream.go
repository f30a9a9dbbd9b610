// Package client provides the upstream HTTP transport for analytics providers.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"analytics-proxy/internal/forward"
	"analytics-proxy/internal/metrics"
	"analytics-proxy/internal/model"
)

// Options holds per-upstream transport settings.
type Options struct {
	// Name labels upstream metrics and log lines.
	Name            string
	Timeout         time.Duration
	IdleConnections int
	// Version selects the protocol: 2.0 attempts HTTP/2, 1.x stays on HTTP/1.1.
	Version            forward.Version
	InsecureSkipVerify bool
}

// UpstreamClient sends requests to an analytics upstream.
type UpstreamClient struct {
	name       string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(opts Options, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        opts.IdleConnections,
		MaxIdleConnsPerHost: opts.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2: opts.Version.Major >= 2,
	}
	if opts.Version.Major < 2 {
		// A non-nil empty map disables the transport's HTTP/2 upgrade.
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via ignore_certificate_errors
	}

	return &UpstreamClient{
		name: opts.Name,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		logger:  logger.With("component", "upstream_client", "proxy", opts.Name),
		metrics: m,
	}
}

// Send executes an outbound request and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Send(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(c.name, method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(c.name, method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(c.name, method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// Get issues a GET for url. The provided context controls the lifetime of
// the upstream request. The caller is responsible for closing the body.
func (c *UpstreamClient) Get(ctx context.Context, url string) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	return c.Send(req)
}
