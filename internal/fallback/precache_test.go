package fallback

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := io.WriteString(zw, s)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestPrecache_FromURLsAndSitemaps(t *testing.T) {
	var nested []byte
	origin := newFakeOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sitemap.xml":
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset>
  <url><loc>https://www.example.com/a</loc></url>
  <url><loc> /b?page=2 </loc></url>
  <url><loc>/admin/secret</loc></url>
</urlset>`)
		case "/index.xml":
			_, _ = io.WriteString(w, `<sitemapindex>
  <sitemap><loc>/sitemap.xml</loc></sitemap>
  <sitemap><loc>/nested.xml.gz</loc></sitemap>
</sitemapindex>`)
		case "/nested.xml.gz":
			_, _ = w.Write(nested)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			_, _ = io.WriteString(w, "page "+r.URL.RequestURI())
		}
	})
	nested = gzipped(t, `<urlset><url><loc>/c</loc></url><url><loc>/a</loc></url></urlset>`)

	s := newTestService(t, testConfig(t, origin.URL, `
rules:
  - match: PathPrefix(/admin)
    bypass: true
`))
	s.cfg.Precache.URLs = []string{"/x", "/missing"}
	s.cfg.Precache.Sitemaps = []string{"/index.xml"}

	stored, skipped, err := s.precacheOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 4, stored, "x, a, b?page=2 and c")
	assert.Equal(t, 2, skipped, "missing answers 404 and admin is bypassed")

	for _, p := range []string{"/x", "/a", "/b?page=2", "/c"} {
		res := s.Resolve(t.Context(), Request{Method: http.MethodGet, URL: origin.URL + p}, []Strategy{StrategyCache})
		require.Equal(t, StrategyCache, res.Strategy, p)
		assert.Equal(t, "page "+p, string(res.Response.Body))
	}
	for _, r := range origin.Requests() {
		assert.NotEqual(t, "/admin/secret", r.Path)
	}
}

func TestPrecache_SitemapErrorIsReported(t *testing.T) {
	origin := newFakeOrigin(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	s := newTestService(t, testConfig(t, origin.URL, ""))
	s.cfg.Precache.Sitemaps = []string{"/sitemap.xml"}

	_, _, err := s.precacheOnce(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 500")
}

func TestOriginURL(t *testing.T) {
	s := &Service{}
	s.cfg.Server.Origin = "http://origin.test"

	assert.Equal(t, "http://origin.test/a?b=1", s.originURL("https://public.example/a?b=1"))
	assert.Equal(t, "http://origin.test/a", s.originURL("a"))
	assert.Equal(t, "http://origin.test/", s.originURL("https://public.example"))
	assert.Equal(t, "", s.originURL("  "))
}

func TestPrecache_ServedToClientsSendingTheSameHeaders(t *testing.T) {
	var down atomic.Bool
	origin := newFakeOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, "page "+r.URL.Path)
	})
	s := newTestService(t, testConfig(t, origin.URL, `
precache:
  headers:
    User-Agent: fallback-test/1.0
    Accept: text/html
    Accept-Encoding: gzip
`))
	s.cfg.Precache.URLs = []string{"/x"}
	proxy := httptest.NewServer(s.Handler())
	defer proxy.Close()

	stored, _, err := s.precacheOnce(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, stored)
	down.Store(true)

	get := func(userAgent string) (*http.Response, string) {
		req, err := http.NewRequest(http.MethodGet, proxy.URL+"/x", nil)
		require.NoError(t, err)
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "text/html")
		// Set explicitly so the client transport adds nothing on its own.
		req.Header.Set("Accept-Encoding", "gzip")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp, string(body)
	}

	resp, body := get("fallback-test/1.0")
	assert.Equal(t, "cache", resp.Header.Get(HeaderProxyType))
	assert.Equal(t, "page /x", body)

	// Different headers are a different request.
	resp, _ = get("other-agent/2.0")
	assert.Equal(t, "error", resp.Header.Get(HeaderProxyType))
}
