package fallback

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForwardableHeader(t *testing.T) {
	in := http.Header{
		"Accept":            {"*/*"},
		"Connection":        {"keep-alive"},
		"Transfer-Encoding": {"chunked"},
		"Host":              {"proxy.local"},
		HeaderStrategy:      {"cache"},
		"X-Custom":          {"a", "b"},
	}
	out := forwardableHeader(in)
	assert.Equal(t, http.Header{"Accept": {"*/*"}, "X-Custom": {"a", "b"}}, out)

	out["X-Custom"][0] = "changed"
	assert.Equal(t, "a", in["X-Custom"][0], "values are copied")
}

func TestSetProxyTypeHeader(t *testing.T) {
	h := http.Header{}
	setProxyTypeHeader(h, StrategyCache)
	assert.Equal(t, "cache", h.Get(HeaderProxyType))
	assert.Equal(t, HeaderProxyType, h.Get("Access-Control-Expose-Headers"))

	h = http.Header{"Access-Control-Expose-Headers": {"ETag", "x-proxy-type"}}
	setProxyTypeHeader(h, StrategyNetwork)
	assert.Equal(t, []string{"ETag", "x-proxy-type"}, h.Values("Access-Control-Expose-Headers"))

	h = http.Header{"Access-Control-Expose-Headers": {"ETag"}}
	setProxyTypeHeader(h, StrategyQueue)
	assert.Equal(t, "ETag, "+HeaderProxyType, h.Get("Access-Control-Expose-Headers"))
}

func TestWriteResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	writeResponse(rec, Response{
		Status: http.StatusAccepted,
		Header: http.Header{
			"Content-Type":   {"text/plain"},
			"Content-Length": {"999"},
			"Connection":     {"close"},
		},
		Body: []byte("ok"),
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Content-Length"))
	assert.Empty(t, rec.Header().Get("Connection"))
}
