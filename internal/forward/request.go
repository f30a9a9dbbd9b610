package forward

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"analytics-proxy/internal/model"
)

// HeaderForwardedFor carries the browser IP when IP forwarding is enabled.
const HeaderForwardedFor = "X-Forwarded-For"

// Version is an HTTP protocol version used for outbound requests.
type Version struct {
	Major int
	Minor int
}

// ParseVersion parses versions written as "2.0", "1.1" or "HTTP/1.1".
func ParseVersion(s string) (Version, error) {
	proto := s
	if len(proto) < 5 || proto[:5] != "HTTP/" {
		proto = "HTTP/" + s
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok {
		return Version{}, fmt.Errorf("invalid HTTP version %q", s)
	}
	switch {
	case major == 1 && (minor == 0 || minor == 1):
	case major == 2 && minor == 0:
	default:
		return Version{}, fmt.Errorf("unsupported HTTP version %q", s)
	}
	return Version{Major: major, Minor: minor}, nil
}

// Proto returns the version in request-line form, e.g. "HTTP/2.0".
func (v Version) Proto() string {
	return fmt.Sprintf("HTTP/%d.%d", v.Major, v.Minor)
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Options controls what Build carries over from the inbound request.
type Options struct {
	ForwardIP     bool
	ExceptHeaders []string
}

// Build creates the outbound request for upstream. Only the inbound query
// string is carried into the URI; the inbound path is dropped. Headers and
// method are fixed before the body is attached.
func Build(in *model.InboundRequest, upstream *url.URL, version Version, opts Options) *http.Request {
	target := *upstream
	target.RawQuery = in.RawQuery
	target.ForceQuery = false

	ctx := in.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	req := (&http.Request{
		Method:     in.Method,
		URL:        &target,
		Proto:      version.Proto(),
		ProtoMajor: version.Major,
		ProtoMinor: version.Minor,
		Header:     make(http.Header),
		Body:       http.NoBody,
		Host:       target.Host,
	}).WithContext(ctx)

	CopyHeaders(req.Header, in.Header, opts.ExceptHeaders)
	req.Header.Del("Host")

	if opts.ForwardIP {
		appendForwardedFor(req.Header, in.RemoteIP)
	}

	CopyContent(req, in)
	return req
}

// appendForwardedFor adds ip to the X-Forwarded-For chain copied from the
// inbound request. Without a prior chain the header is set even when ip is
// empty.
func appendForwardedFor(h http.Header, ip string) {
	prior := h.Values(HeaderForwardedFor)
	switch {
	case len(prior) == 0:
		h.Set(HeaderForwardedFor, ip)
	case ip != "":
		h.Set(HeaderForwardedFor, strings.Join(prior, ", ")+", "+ip)
	}
}
