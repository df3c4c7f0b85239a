package fallback

import (
	"net/http"
	"strings"
)

var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

func isHopByHopHeader(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

// isProxyHeader reports headers that are meaningful only to this proxy or to
// the connection: they are neither forwarded, queued nor fingerprinted.
func isProxyHeader(name string) bool {
	return isHopByHopHeader(name) || strings.EqualFold(name, HeaderStrategy) || strings.EqualFold(name, "Host")
}

// forwardableHeader copies src without proxy-only headers.
func forwardableHeader(src http.Header) http.Header {
	out := make(http.Header, len(src))
	for k, vs := range src {
		if isProxyHeader(k) {
			continue
		}
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if isProxyHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func setProxyTypeHeader(h http.Header, strategy Strategy) {
	h.Set(HeaderProxyType, string(strategy))
	// Custom headers are not readable by browser JS in a CORS context unless
	// explicitly exposed.
	ensureExposedHeader(h, HeaderProxyType)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	// Merge into a single comma-separated value.
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func writeResponse(w http.ResponseWriter, resp Response) {
	for k, vs := range resp.Header {
		if isHopByHopHeader(k) || strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}
