package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/labstack/echo/v4"

	"analytics-proxy/internal/model"
	"analytics-proxy/internal/service"
)

// AnalyticsHandler serves client scripts and relays collection requests for
// each configured proxy instance.
type AnalyticsHandler struct {
	logger *slog.Logger
}

// NewAnalyticsHandler creates an AnalyticsHandler.
func NewAnalyticsHandler(logger *slog.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{
		logger: logger.With("component", "analytics_handler"),
	}
}

// Script returns the handler serving inst's client script. A missing script
// with no fallback yields an empty 200 so pages keep rendering.
func (h *AnalyticsHandler) Script(inst service.Instance) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		script, found, err := inst.Proxy.GetClientScript(req.Context(), inst.ScriptOptions)
		if err != nil {
			return h.mapError(c, inst.Name, err)
		}
		if !found {
			h.logger.Debug("no client script available", "proxy", inst.Name)
		}

		res := c.Response()
		res.Header().Set(echo.HeaderContentType, inst.ContentType)
		res.Header().Add(echo.HeaderVary, echo.HeaderAcceptEncoding)

		if script == "" || !acceptsBrotli(req.Header.Get(echo.HeaderAcceptEncoding)) {
			res.WriteHeader(http.StatusOK)
			_, err := io.WriteString(res, script)
			return err
		}

		res.Header().Set(echo.HeaderContentEncoding, "br")
		res.WriteHeader(http.StatusOK)
		bw := brotli.NewWriterLevel(res, brotli.DefaultCompression)
		if _, err := io.WriteString(bw, script); err != nil {
			_ = bw.Close()
			return err
		}
		return bw.Close()
	}
}

// Collect returns the handler relaying collection requests for inst. The
// upstream status, headers and body are passed back as received.
func (h *AnalyticsHandler) Collect(inst service.Instance) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		in := &model.InboundRequest{
			Ctx:      req.Context(),
			Method:   req.Method,
			Path:     req.URL.Path,
			RawQuery: req.URL.RawQuery,
			Header:   req.Header,
			Body:     req.Body,
			RemoteIP: c.RealIP(),
		}

		resp, err := inst.Proxy.Collect(in)
		if err != nil {
			return h.mapError(c, inst.Name, err)
		}
		defer func() { _ = resp.Body.Close() }()

		for key, vals := range resp.Header {
			for _, v := range vals {
				c.Response().Header().Add(key, v)
			}
		}

		c.Response().WriteHeader(resp.StatusCode)

		// Status is already sent; a failed copy leaves a truncated body.
		if _, err := io.Copy(c.Response(), resp.Body); err != nil {
			h.logger.Error("streaming collect response",
				"err", err,
				"proxy", inst.Name,
				"path", req.URL.Path,
			)
		}

		return nil
	}
}

func (h *AnalyticsHandler) mapError(c echo.Context, proxy string, err error) error {
	h.logger.Error("analytics proxy error",
		"err", err,
		"proxy", proxy,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// acceptsBrotli reports whether an Accept-Encoding value allows "br".
func acceptsBrotli(header string) bool {
	for _, part := range strings.Split(header, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), "br") {
			continue
		}
		q := strings.ReplaceAll(strings.TrimSpace(params), " ", "")
		return q != "q=0" && q != "q=0.0" && q != "q=0.00" && q != "q=0.000"
	}
	return false
}
