// Package forward builds outbound upstream requests from inbound browser requests.
package forward

import (
	"net/http"
	"strconv"
	"strings"

	"analytics-proxy/internal/model"
)

// CopyHeaders adds every header of src to dst unless its name appears in
// except. Names are compared case-insensitively and values are copied as-is.
func CopyHeaders(dst, src http.Header, except []string) {
	skip := make(map[string]struct{}, len(except))
	for _, name := range except {
		skip[strings.ToLower(name)] = struct{}{}
	}

	for key, vals := range src {
		if _, ok := skip[strings.ToLower(key)]; ok {
			continue
		}
		for _, v := range vals {
			dst[key] = append(dst[key], v)
		}
	}
}

// CopyContent attaches the inbound body to dst as a stream. A request without
// a body leaves dst untouched. The inbound Content-Type is carried over
// exactly as sent, even when the header copy excluded it.
func CopyContent(dst *http.Request, src *model.InboundRequest) {
	if src.Body == nil || src.Body == http.NoBody {
		return
	}

	dst.Body = src.Body
	dst.ContentLength = contentLength(src.Header)
	// The outbound body is the inbound stream; it cannot be replayed.
	dst.GetBody = nil

	if ct := src.Header.Get("Content-Type"); ct != "" {
		dst.Header.Set("Content-Type", ct)
	}
}

// contentLength returns the declared body length, or -1 when unknown so the
// transport falls back to chunked encoding.
func contentLength(h http.Header) int64 {
	v := h.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}
