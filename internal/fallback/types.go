package fallback

import (
	"net/http"
	"time"
)

// Strategy is a named way of satisfying a request.
type Strategy string

const (
	StrategyNetwork Strategy = "network"
	StrategyCache   Strategy = "cache"
	StrategyQueue   Strategy = "queue"

	// StrategyError only tags responses produced by Exhaustion.
	StrategyError Strategy = "error"
)

// DefaultOrder is used when a request names no strategies.
var DefaultOrder = []Strategy{StrategyNetwork, StrategyCache}

const (
	// HeaderStrategy carries the comma-separated strategy order of a request.
	// It is consumed by the proxy and never forwarded.
	HeaderStrategy = "Proxy"

	// HeaderProxyType tags every resolved response with the strategy that
	// produced it.
	HeaderProxyType = "X-Proxy-Type"
)

// Request is everything the proxy needs to send, fingerprint or queue a
// request. URL is absolute.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Fetch metadata kept with queued requests.
	Credentials    string
	ReferrerPolicy string
	Mode           string
}

// Response is a fully buffered response.
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
}

// Result is the outcome of Resolve.
type Result struct {
	Strategy Strategy
	Response Response
	Duration time.Duration

	// Size is the response body size in bytes.
	Size int
}

// CacheEntry is a response captured from a successful network resolution.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// QueueEntry is a serialized write request awaiting delivery. Key is
// assigned by the queue on push and is not part of the encoded record.
type QueueEntry struct {
	Key uint64 `cbor:"-" json:"id"`

	URL            string      `cbor:"url" json:"url"`
	Method         string      `cbor:"method" json:"method"`
	Headers        [][2]string `cbor:"headers" json:"-"`
	Credentials    string      `cbor:"credentials,omitempty" json:"credentials,omitempty"`
	ReferrerPolicy string      `cbor:"referrer_policy,omitempty" json:"referrer_policy,omitempty"`
	Mode           string      `cbor:"mode,omitempty" json:"mode,omitempty"`
	Body           []byte      `cbor:"body,omitempty" json:"-"`
	QueuedAt       int64       `cbor:"queued_at" json:"queued_at"`
}

// SyncResult reports one run of the sync coordinator.
type SyncResult struct {
	Succeeded int `json:"succeeded"`
	Total     int `json:"total"`

	// Skipped is set when another sync was already running.
	Skipped bool `json:"skipped,omitempty"`
}

func is2xx(status int) bool { return status >= 200 && status < 300 }
