package fallback

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_NetworkPopulatesCache(t *testing.T) {
	origin := newFakeOrigin(t, okHandler("fresh"))
	s := newTestService(t, testConfig(t, origin.URL, ""))
	req := getRequest(origin.URL + "/items")

	res := s.Resolve(t.Context(), req, []Strategy{StrategyNetwork})
	require.Equal(t, StrategyNetwork, res.Strategy)
	assert.Equal(t, "fresh", string(res.Response.Body))
	assert.Equal(t, "network", res.Response.Header.Get(HeaderProxyType))
	assert.Equal(t, len("fresh"), res.Size)

	res = s.Resolve(t.Context(), req, []Strategy{StrategyCache})
	require.Equal(t, StrategyCache, res.Strategy)
	assert.Equal(t, http.StatusOK, res.Response.Status)
	assert.Equal(t, "fresh", string(res.Response.Body))
	assert.Equal(t, "text/plain", res.Response.Header.Get("Content-Type"))
	assert.Equal(t, "cache", res.Response.Header.Get(HeaderProxyType))
	assert.EqualValues(t, 1, origin.hits.Load(), "cache hit must not touch the network")
}

func TestResolve_StrategyOrderHonored(t *testing.T) {
	origin := newFakeOrigin(t, okHandler("v1"))
	s := newTestService(t, testConfig(t, origin.URL, ""))
	req := getRequest(origin.URL + "/items")

	s.Resolve(t.Context(), req, nil)
	require.EqualValues(t, 1, origin.hits.Load())

	res := s.Resolve(t.Context(), req, []Strategy{StrategyCache, StrategyNetwork})
	assert.Equal(t, StrategyCache, res.Strategy)
	assert.EqualValues(t, 1, origin.hits.Load())

	res = s.Resolve(t.Context(), req, []Strategy{StrategyNetwork, StrategyCache})
	assert.Equal(t, StrategyNetwork, res.Strategy)
	assert.EqualValues(t, 2, origin.hits.Load())
}

func TestResolve_CacheKeyedByFullRequest(t *testing.T) {
	origin := newFakeOrigin(t, okHandler("en"))
	s := newTestService(t, testConfig(t, origin.URL, ""))

	req := getRequest(origin.URL + "/items")
	s.Resolve(t.Context(), req, []Strategy{StrategyNetwork})

	other := getRequest(origin.URL + "/items")
	other.Header.Set("Accept-Language", "es")
	res := s.Resolve(t.Context(), other, []Strategy{StrategyCache})
	assert.Equal(t, StrategyError, res.Strategy)
}

func TestResolve_TimeoutDegradesAndNeverRecovers(t *testing.T) {
	slow := make(chan struct{})
	defer close(slow)
	origin := newFakeOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			select {
			case <-slow:
			case <-r.Context().Done():
			}
			return
		}
		_, _ = io.WriteString(w, "ok")
	})
	s := newTestService(t, testConfig(t, origin.URL, "timeout:\n  ceiling: 300ms\n  floor: 50ms\n"))
	require.Equal(t, 300*time.Millisecond, s.timeouts.Current())

	start := time.Now()
	res := s.Resolve(t.Context(), getRequest(origin.URL+"/slow"), []Strategy{StrategyNetwork, StrategyCache})
	assert.Equal(t, StrategyError, res.Strategy)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 50*time.Millisecond, s.timeouts.Current())
	assert.True(t, s.timeouts.Degraded())

	res = s.Resolve(t.Context(), getRequest(origin.URL+"/fast"), []Strategy{StrategyNetwork})
	require.Equal(t, StrategyNetwork, res.Strategy)
	assert.Equal(t, 50*time.Millisecond, s.timeouts.Current(), "success must not restore the ceiling")
}

func TestResolve_TransportFailureDoesNotDegradeTimeout(t *testing.T) {
	dead := deadOrigin(t)
	s := newTestService(t, testConfig(t, dead, ""))

	res := s.Resolve(t.Context(), getRequest(dead+"/x"), []Strategy{StrategyNetwork})
	assert.Equal(t, StrategyError, res.Strategy)
	assert.False(t, s.timeouts.Degraded())
	assert.False(t, s.conn.Online())
}

func TestResolve_ExhaustionOnline(t *testing.T) {
	origin := newFakeOrigin(t, okHandler("unused"))
	s := newTestService(t, testConfig(t, origin.URL, ""))

	res := s.Resolve(t.Context(), getRequest(origin.URL+"/uncached"), []Strategy{StrategyCache})
	assert.Equal(t, StrategyError, res.Strategy)
	assert.Equal(t, http.StatusOK, res.Response.Status)
	assert.Equal(t, "application/json", res.Response.Header.Get("Content-Type"))
	assert.Equal(t, "error", res.Response.Header.Get(HeaderProxyType))
	assert.EqualValues(t, 0, origin.hits.Load())
	newGoldie(t).Assert(t, "exhaustion_online", res.Response.Body)
}

func TestResolve_ExhaustionOffline(t *testing.T) {
	dead := deadOrigin(t)
	s := newTestService(t, testConfig(t, dead, ""))

	res := s.Resolve(t.Context(), getRequest(dead+"/uncached"), nil)
	assert.Equal(t, StrategyError, res.Strategy)
	assert.Equal(t, http.StatusOK, res.Response.Status)
	newGoldie(t).Assert(t, "exhaustion_offline", res.Response.Body)

	// Cache-only resolution now reports offline as well.
	res = s.Resolve(t.Context(), getRequest(dead+"/other"), []Strategy{StrategyCache})
	newGoldie(t).Assert(t, "exhaustion_offline", res.Response.Body)
}

func TestResolve_HTTPFailureFallsThroughAndIsReported(t *testing.T) {
	origin := newFakeOrigin(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "maintenance")
	})
	s := newTestService(t, testConfig(t, origin.URL, ""))

	res := s.Resolve(t.Context(), getRequest(origin.URL+"/items"), nil)
	assert.Equal(t, StrategyError, res.Strategy)
	newGoldie(t).Assert(t, "exhaustion_http_failure", res.Response.Body)

	s.cache.flush()
	assert.Equal(t, 0, s.cache.Len(), "error statuses are never cached")
	assert.True(t, s.conn.Online())
}

func TestResolve_HTTPFailureFallsBackToCache(t *testing.T) {
	var fail atomic.Bool
	origin := newFakeOrigin(t, func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, "good")
	})
	s := newTestService(t, testConfig(t, origin.URL, ""))
	req := getRequest(origin.URL + "/items")

	s.Resolve(t.Context(), req, nil)
	fail.Store(true)
	res := s.Resolve(t.Context(), req, nil)
	assert.Equal(t, StrategyCache, res.Strategy)
	assert.Equal(t, "good", string(res.Response.Body))
}

func TestResolve_NoStoreIsCachedAnyway(t *testing.T) {
	origin := newFakeOrigin(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "private, no-store")
		_, _ = io.WriteString(w, "mine")
	})
	s := newTestService(t, testConfig(t, origin.URL, ""))
	req := getRequest(origin.URL + "/me")

	res := s.Resolve(t.Context(), req, nil)
	require.Equal(t, StrategyNetwork, res.Strategy)
	res = s.Resolve(t.Context(), req, []Strategy{StrategyCache})
	assert.Equal(t, StrategyCache, res.Strategy)
	assert.Equal(t, "mine", string(res.Response.Body))
	assert.Equal(t, "private, no-store", res.Response.Header.Get("Cache-Control"))
}

func TestResolve_QueueAcknowledges(t *testing.T) {
	origin := newFakeOrigin(t, okHandler(""))
	s := newTestService(t, testConfig(t, origin.URL, ""))

	req := Request{
		Method: http.MethodPost,
		URL:    origin.URL + "/orders",
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"id":1}`),
	}
	res := s.Resolve(t.Context(), req, []Strategy{StrategyQueue})
	assert.Equal(t, StrategyQueue, res.Strategy)
	assert.Equal(t, http.StatusOK, res.Response.Status)
	assert.Equal(t, "queue", res.Response.Header.Get(HeaderProxyType))
	newGoldie(t).Assert(t, "queued_ack", res.Response.Body)

	assert.Equal(t, 1, s.queue.Len())
	assert.EqualValues(t, 0, origin.hits.Load())
}

func TestResolve_NetworkBeforeQueue(t *testing.T) {
	origin := newFakeOrigin(t, okHandler("created"))
	s := newTestService(t, testConfig(t, origin.URL, ""))

	req := Request{Method: http.MethodPost, URL: origin.URL + "/orders", Body: []byte(`{"id":1}`)}
	res := s.Resolve(t.Context(), req, []Strategy{StrategyNetwork, StrategyQueue})
	assert.Equal(t, StrategyNetwork, res.Strategy)
	assert.Equal(t, 0, s.queue.Len())

	origin.Close()
	res = s.Resolve(t.Context(), req, []Strategy{StrategyNetwork, StrategyQueue})
	assert.Equal(t, StrategyQueue, res.Strategy)
	assert.Equal(t, 1, s.queue.Len())
}

func TestResolve_QueuePushFailureAnswers503(t *testing.T) {
	origin := newFakeOrigin(t, okHandler(""))
	s := newTestService(t, testConfig(t, origin.URL, ""))

	broken, err := newWriteQueue(memStore(t))
	require.NoError(t, err)
	broken.close()
	live := s.queue
	s.queue = broken
	t.Cleanup(func() { s.queue = live })

	res := s.Resolve(t.Context(), Request{Method: http.MethodPost, URL: origin.URL + "/orders"}, []Strategy{StrategyQueue})
	assert.Equal(t, StrategyError, res.Strategy)
	assert.Equal(t, http.StatusServiceUnavailable, res.Response.Status)
	newGoldie(t).Assert(t, "queue_unavailable", res.Response.Body)
}

func TestResolve_IgnoresCallerCancellation(t *testing.T) {
	origin := newFakeOrigin(t, okHandler("done"))
	s := newTestService(t, testConfig(t, origin.URL, ""))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	res := s.Resolve(ctx, getRequest(origin.URL+"/x"), []Strategy{StrategyNetwork})
	assert.Equal(t, StrategyNetwork, res.Strategy)
	assert.Equal(t, "done", string(res.Response.Body))
}

func TestResolve_BroadcastsTelemetry(t *testing.T) {
	origin := newFakeOrigin(t, okHandler("12345"))
	s := newTestService(t, testConfig(t, origin.URL, ""))
	sub := s.Hub().Subscribe()
	defer s.Hub().Unsubscribe(sub)

	req := getRequest(origin.URL + "/t")
	req.Method = http.MethodPost
	req.Body = []byte("abc")
	s.Resolve(t.Context(), req, nil)

	select {
	case ev := <-sub:
		assert.Equal(t, ActionResolve, ev.Action)
		assert.Equal(t, origin.URL+"/t", ev.URL)
		assert.Equal(t, StrategyNetwork, ev.Strategy)
		assert.Equal(t, 3, ev.RequestSize)
		assert.Equal(t, 5, ev.ResponseSize)
		assert.NotEmpty(t, ev.ID)
		assert.Zero(t, ev.Total)
	case <-time.After(2 * time.Second):
		t.Fatal("no telemetry event")
	}
}

func TestQueueEntryRoundTrip(t *testing.T) {
	req := Request{
		Method: http.MethodPost,
		URL:    "http://o/orders",
		Header: http.Header{
			"X-B":          {"2", "3"},
			"Content-Type": {"application/json"},
			"Connection":   {"close"},
			HeaderStrategy: {"queue"},
		},
		Credentials: "omit",
		Mode:        "cors",
	}
	e := queueEntryFrom(req)
	assert.Equal(t, [][2]string{{"Content-Type", "application/json"}, {"X-B", "2"}, {"X-B", "3"}}, e.Headers)
	assert.Nil(t, e.Body)

	back := requestFromEntry(e)
	assert.Equal(t, []string{"2", "3"}, back.Header.Values("X-B"))
	assert.Empty(t, back.Header.Get("Connection"))
	assert.Equal(t, "cors", back.Mode)
}

func TestResolve_RedirectFollowedAndCachedUnderOriginalRequest(t *testing.T) {
	origin := newFakeOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		_, _ = io.WriteString(w, "moved here")
	})
	s := newTestService(t, testConfig(t, origin.URL, ""))
	req := getRequest(origin.URL + "/old")

	res := s.Resolve(t.Context(), req, nil)
	require.Equal(t, StrategyNetwork, res.Strategy)
	assert.Equal(t, http.StatusOK, res.Response.Status)
	assert.Equal(t, "moved here", string(res.Response.Body))

	res = s.Resolve(t.Context(), req, []Strategy{StrategyCache})
	require.Equal(t, StrategyCache, res.Strategy)
	assert.Equal(t, "moved here", string(res.Response.Body))

	// Pass-through hands the redirect itself to the client.
	proxy := httptest.NewServer(s.Handler())
	defer proxy.Close()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	preq, err := http.NewRequest(http.MethodGet, proxy.URL+"/old", nil)
	require.NoError(t, err)
	preq.Header.Set(HeaderStrategy, "bypass")
	resp, err := client.Do(preq)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/new", resp.Header.Get("Location"))
}
