// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// InboundRequest is a browser request received by the host that is to be
// relayed upstream. The proxy never mutates it.
type InboundRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
	// RemoteIP is the address of the connecting client; empty when unknown.
	RemoteIP string
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
