package fallback

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_BroadcastToWebsocketAndSubscribers(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	defer hub.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Observers() == 1 }, 2*time.Second, 10*time.Millisecond)

	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	ev := newEvent(ActionResolve)
	ev.URL = "http://origin.test/a"
	ev.Method = "GET"
	ev.Strategy = StrategyCache
	ev.Status = 200
	hub.Broadcast(ev)

	select {
	case got := <-sub:
		assert.Equal(t, ev.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive the event")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, ev.ID, got["id"])
	assert.Equal(t, "resolve", got["action"])
	assert.Equal(t, "cache", got["strategy"])
	assert.NotContains(t, got, "index")
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(sub)+10; i++ {
			hub.Broadcast(newEvent(ActionReplay))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full subscriber")
	}
	assert.Len(t, sub, cap(sub))
}

func TestHub_ObserverThatNeverReadsDoesNotStallResolve(t *testing.T) {
	origin := newFakeOrigin(t, okHandler("cached"))
	s := newTestService(t, testConfig(t, origin.URL, ""))
	admin := httptest.NewServer(s.AdminHandler())
	defer admin.Close()

	// Connected but never read from: its socket buffers fill up.
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(admin.URL, "http")+"/observe", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.Hub().Observers() == 1 }, 2*time.Second, 10*time.Millisecond)

	sub := s.Hub().Subscribe()
	defer s.Hub().Unsubscribe(sub)

	big := newEvent(ActionResolve)
	big.URL = origin.URL + "/" + strings.Repeat("x", 64<<10)
	var slowest time.Duration
	for i := 0; i < 500; i++ {
		start := time.Now()
		s.Hub().Broadcast(big)
		slowest = max(slowest, time.Since(start))
	}
	assert.Less(t, slowest, observerWriteTimeout/2, "broadcast waited on the observer")

	req := getRequest(origin.URL + "/page")
	s.Resolve(t.Context(), req, nil)
	for i := 0; i < 50; i++ {
		start := time.Now()
		res := s.Resolve(t.Context(), req, []Strategy{StrategyCache})
		require.Equal(t, StrategyCache, res.Strategy)
		assert.Less(t, time.Since(start), observerWriteTimeout/2, "resolve %d waited on the observer", i)
	}
	assert.NotEmpty(t, sub, "subscribers keep receiving events")
}

func TestHub_CloseDisconnectsObservers(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Observers() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Close()
	assert.Equal(t, 0, hub.Observers())
	hub.Broadcast(newEvent(ActionResolve))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe()
	hub.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok)
	hub.Unsubscribe(sub)
}
