package fallback

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// precacheLoop warms the cache from the configured URLs and sitemaps after
// the initial delay, then again every precache.every when set.
func (s *Service) precacheLoop() {
	if d := s.cfg.Precache.initialDelayDur; d > 0 {
		select {
		case <-s.stopCh:
			return
		case <-time.After(d):
		}
	}

	runOnce := func() {
		ctx, cancel := context.WithTimeout(s.ctx, 2*time.Minute)
		defer cancel()
		stored, skipped, err := s.precacheOnce(ctx)
		if err != nil {
			s.logger.Error().Err(err).Int("stored", stored).Int("skipped", skipped).Msg("precache failed")
			return
		}
		s.logger.Info().Int("stored", stored).Int("skipped", skipped).Msg("precache done")
	}

	runOnce()
	period := s.cfg.Precache.everyDur
	if period <= 0 {
		return
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			runOnce()
		}
	}
}

// precacheOnce resolves every discovered URL with the network strategy so
// successful answers land in the cache. URLs under bypass rules are skipped.
func (s *Service) precacheOnce(ctx context.Context) (stored, skipped int, _ error) {
	targets, err := s.discoverURLs(ctx)
	if err != nil {
		return 0, 0, err
	}

	header := make(http.Header, len(s.cfg.Precache.Headers))
	for k, v := range s.cfg.Precache.Headers {
		header.Set(k, v)
	}

	for _, target := range targets {
		select {
		case <-ctx.Done():
			return stored, skipped, ctx.Err()
		case <-s.stopCh:
			return stored, skipped, nil
		default:
		}

		u, err := url.Parse(target)
		if err != nil {
			skipped++
			continue
		}
		if rule := s.pickRule(u.Path); rule != nil && rule.Bypass {
			skipped++
			continue
		}

		req := Request{
			Method:      http.MethodGet,
			URL:         target,
			Header:      cloneHeader(header),
			Credentials: "omit",
		}
		if res := s.Resolve(ctx, req, []Strategy{StrategyNetwork}); res.Strategy == StrategyNetwork {
			stored++
		} else {
			skipped++
		}
	}
	return stored, skipped, nil
}

// discoverURLs returns the configured URLs followed by those listed in the
// configured sitemaps, rebased onto the origin and deduplicated.
func (s *Service) discoverURLs(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	add := func(loc string) {
		u := s.originURL(loc)
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}

	for _, u := range s.cfg.Precache.URLs {
		add(u)
	}

	seenSitemaps := map[string]struct{}{}
	queue := make([]string, 0, len(s.cfg.Precache.Sitemaps))
	for _, sm := range s.cfg.Precache.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, s.absoluteURL(sm))
		}
	}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := s.fetchSitemap(ctx, smURL)
		if err != nil {
			return out, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, s.absoluteURL(nested))
			}
		}
		for _, loc := range doc.URLs {
			add(loc)
		}
		s.logger.Debug().Str("sitemap", smURL).Int("urls", len(doc.URLs)).Int("nested", len(doc.Sitemaps)).Msg("sitemap read")
	}
	return out, nil
}

func (s *Service) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	resp, err := send(ctx, s.replayClient, Request{Method: http.MethodGet, URL: sitemapURL})
	if err != nil {
		return sitemapDoc{}, err
	}
	if !is2xx(resp.Status) {
		b := resp.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	body := resp.Body
	// Some servers send .gz sitemaps without Content-Encoding.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

// absoluteURL resolves a possibly relative URL against the origin.
func (s *Service) absoluteURL(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return s.cfg.Server.Origin + u
}

// originURL maps a URL or path to the same path and query on the origin.
// Sitemaps usually list public hostnames, which the proxy never talks to.
func (s *Service) originURL(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	u, err := url.Parse(s.absoluteURL(loc))
	if err != nil {
		return ""
	}
	return s.cfg.Server.Origin + u.RequestURI()
}
