package fallback

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fallback/internal/kv"
)

// Service is the interception proxy: it resolves requests for the origin
// through the configured strategies and owns the cache, the write queue and
// the background loops.
type Service struct {
	cfg    Config
	logger *zerolog.Logger

	store    kv.Store
	cache    *responseCache
	queue    *writeQueue
	timeouts *TimeoutController
	conn     connectivity

	// httpClient carries network attempts and follows redirects; their
	// deadline comes from the timeout controller. replayClient has the fixed
	// sync timeout. passClient hands redirects back to the client.
	httpClient   *http.Client
	replayClient *http.Client
	passClient   *http.Client

	hub     *Hub
	metrics *Metrics
	stats   *statsCollector

	stopped atomic.Bool
	syncing atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	warn *rateLimitedLogger
}

func NewService(cfg Config, logger *zerolog.Logger) (*Service, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	store, err := kv.Open(kv.Config{
		Engine:   cfg.Storage.Engine,
		Path:     cfg.Storage.Path,
		InMemory: cfg.Storage.inMemory,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	warn := newRateLimitedLogger(logger, time.Minute)
	cache, err := newResponseCache(store, cfg.Storage.ramMax, cfg.Storage.diskMax,
		cfg.Cache.compression, cfg.Cache.maxAgeDur, warn)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	queue, err := newWriteQueue(store)
	if err != nil {
		cache.close()
		_ = store.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		cache:        cache,
		queue:        queue,
		timeouts:     NewTimeoutController(cfg.Timeout.ceilingDur, cfg.Timeout.floorDur),
		httpClient:   &http.Client{},
		replayClient: &http.Client{Timeout: cfg.Sync.timeoutDur},
		passClient: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		hub:     NewHub(),
		metrics: NewMetrics(),
		stats:   newStatsCollector(),
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		warn:    warn,
	}
	s.metrics.registerState(s)

	logger.Info().
		Str("origin", cfg.Server.Origin).
		Str("engine", cfg.Storage.Engine).
		Int("queued", queue.Len()).
		Int("cached", cache.Len()).
		Msg("service ready")

	if cfg.Logging.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.logStatsEveryDur)
		}()
	}
	if cfg.Sync.everyDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.syncLoop(cfg.Sync.everyDur)
		}()
	}
	if len(cfg.Precache.URLs) > 0 || len(cfg.Precache.Sitemaps) > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.precacheLoop()
		}()
	}

	return s, nil
}

// Close stops the background loops and closes the store. In-flight
// resolutions must have finished.
func (s *Service) Close() {
	close(s.stopCh)
	s.cancel()
	s.wg.Wait()
	s.hub.Close()
	s.queue.close()
	s.cache.close()
	if err := s.store.Close(); err != nil {
		s.logger.Error().Err(err).Msg("close store")
	}
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Service) Hub() *Hub { return s.hub }

func (s *Service) Metrics() *Metrics { return s.metrics }

// Stopped reports whether the stop control message was received.
func (s *Service) Stopped() bool { return s.stopped.Load() }

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	if s.stopped.Load() {
		s.proxyPass(w, r)
		return
	}

	rule := s.pickRule(r.URL.Path)
	if rule != nil && rule.Bypass {
		s.proxyPass(w, r)
		return
	}

	order, bypass, unknown := ParseStrategies(r.Header.Get(HeaderStrategy))
	if bypass {
		s.proxyPass(w, r)
		return
	}
	if len(unknown) > 0 {
		s.logger.Debug().Strs("unknown", unknown).Str("path", r.URL.Path).Msg("ignoring unknown strategies")
	}
	if len(order) == 0 && rule != nil {
		order = rule.order
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	res := s.Resolve(r.Context(), s.requestFrom(r, body), order)
	writeResponse(w, res.Response)
}

func (s *Service) pickRule(path string) *Rule {
	for i := range s.cfg.Rules {
		r := &s.cfg.Rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}

// requestFrom captures an incoming request as a Request aimed at the origin.
func (s *Service) requestFrom(r *http.Request, body []byte) Request {
	req := Request{
		Method:         r.Method,
		URL:            s.cfg.Server.Origin + r.URL.RequestURI(),
		Header:         forwardableHeader(r.Header),
		Credentials:    "omit",
		ReferrerPolicy: r.Header.Get("Referrer-Policy"),
		Mode:           r.Header.Get("Sec-Fetch-Mode"),
	}
	if len(body) > 0 {
		req.Body = body
	}
	if r.Header.Get("Cookie") != "" || r.Header.Get("Authorization") != "" {
		req.Credentials = "include"
	}
	return req
}

// proxyPass streams the request to the origin and the answer back, without
// caching, queuing or tagging.
func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request) {
	originURL := s.cfg.Server.Origin + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, originURL, r.Body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)

	resp, err := s.passClient.Do(req)
	if err != nil {
		s.warn.Warn().Err(err).Str("url", originURL).Msg("pass-through failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		if isHopByHopHeader(k) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			ev := s.logger.Info().
				Int("cached", s.cache.Len()).
				Str("ram", formatBytes(uint64(s.cache.RAMSize()))).
				Str("disk", formatBytes(uint64(s.cache.DiskSize()))).
				Int("queued", s.queue.Len()).
				Uint64("network", ss.Network).
				Uint64("cache", ss.Cache).
				Uint64("queue", ss.Queue).
				Uint64("errors", ss.Errors).
				Str("resp_min", formatBytes(ss.MinRespBytes)).
				Str("resp_avg", formatBytes(ss.AvgRespBytes)).
				Str("resp_max", formatBytes(ss.MaxRespBytes)).
				Bool("online", s.conn.Online()).
				Dur("timeout", s.timeouts.Current())
			if rss, ok := processRSSBytes(); ok {
				ev = ev.Str("rss", formatBytes(rss))
			}
			ev.Msg("stats")
		}
	}
}
