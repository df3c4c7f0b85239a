package fallback

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransport_ResolvesThroughService(t *testing.T) {
	origin := newFakeOrigin(t, okHandler("payload"))
	s := newTestService(t, testConfig(t, origin.URL, ""))
	client := &http.Client{Transport: &Transport{Service: s}}

	resp, err := client.Get(origin.URL + "/data")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "payload", string(body))
	assert.Equal(t, "network", resp.Header.Get(HeaderProxyType))

	origin.Close()
	resp, err = client.Get(origin.URL + "/data")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "payload", string(body))
	assert.Equal(t, "cache", resp.Header.Get(HeaderProxyType))
}

func TestTransport_OrderAndHeader(t *testing.T) {
	origin := newFakeOrigin(t, okHandler(""))
	s := newTestService(t, testConfig(t, origin.URL, ""))
	client := &http.Client{Transport: &Transport{Service: s, Order: []Strategy{StrategyQueue}}}

	resp, err := client.Post(origin.URL+"/orders", "application/json", strings.NewReader(`{"id":1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "queue", resp.Header.Get(HeaderProxyType))
	assert.Equal(t, 1, s.queue.Len())

	req, _ := http.NewRequest(http.MethodGet, origin.URL+"/live", nil)
	req.Header.Set(HeaderStrategy, "network")
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "network", resp.Header.Get(HeaderProxyType))
}

func TestTransport_BypassUsesBase(t *testing.T) {
	origin := newFakeOrigin(t, okHandler("direct"))
	s := newTestService(t, testConfig(t, origin.URL, ""))
	client := &http.Client{Transport: &Transport{Service: s}}

	req, _ := http.NewRequest(http.MethodGet, origin.URL+"/d", nil)
	req.Header.Set(HeaderStrategy, "bypass")
	resp, err := client.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, "direct", string(body))
	assert.Empty(t, resp.Header.Get(HeaderProxyType))
	reqs := origin.Requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Header.Get(HeaderStrategy))
}
