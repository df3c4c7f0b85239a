package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	offlineText     = "You are offline and the requested content is not cached"
	unavailableText = "The requested content is not available"
	queuedText      = "The request was queued and will be sent when the connection is back"
	queueFailedText = "The request could not be queued"
)

// Exhaustion error codes.
const (
	CodeOffline          = "offline"
	CodeUnavailable      = "unavailable"
	CodeQueueUnavailable = "queue_unavailable"
)

var errAttemptTimeout = errors.New("network attempt timed out")

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code       string `json:"code"`
	Text       string `json:"text"`
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"status_text,omitempty"`
}

type queuedBody struct {
	Queued queuedDetail `json:"queued"`
}

type queuedDetail struct {
	ID   uint64 `json:"id"`
	Text string `json:"text"`
}

// Resolve tries each strategy of order in turn and returns the first usable
// result. When none applies it returns a JSON error response tagged
// StrategyError. Resolve never fails, and cancelling ctx does not cancel it.
func (s *Service) Resolve(ctx context.Context, req Request, order []Strategy) Result {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	if len(order) == 0 {
		order = DefaultOrder
	}

	var (
		key        string
		lastStatus int
		lastText   string
	)
	fingerprint := func() string {
		if key == "" {
			key = Fingerprint(req)
		}
		return key
	}

	for _, strategy := range order {
		switch strategy {
		case StrategyNetwork:
			resp, err := s.fetch(ctx, req)
			if err != nil {
				s.conn.markOffline()
				if errors.Is(err, errAttemptTimeout) && s.timeouts.ReportFailure("timeout") {
					s.logger.Warn().
						Str("url", req.URL).
						Dur("timeout", s.timeouts.Current()).
						Msg("network attempt timed out, lowering the network timeout until restart")
				}
				s.logger.Debug().Err(err).Str("url", req.URL).Msg("network strategy failed")
				continue
			}
			s.markOnline()
			if !is2xx(resp.Status) {
				lastStatus, lastText = resp.Status, resp.StatusText
				s.logger.Debug().Str("url", req.URL).Int("status", resp.Status).Msg("network strategy got an error status")
				continue
			}
			// Cache-Control is not consulted.
			s.cache.Put(fingerprint(), CacheEntry{
				Status: resp.Status,
				Header: cloneHeader(resp.Header),
				Body:   resp.Body,
			})
			s.metrics.CacheWrites.Inc()
			return s.finish(req, Result{Strategy: StrategyNetwork, Response: resp}, start)

		case StrategyCache:
			ent, ok := s.cache.Get(fingerprint())
			if !ok {
				continue
			}
			return s.finish(req, Result{Strategy: StrategyCache, Response: Response{
				Status:     ent.Status,
				StatusText: http.StatusText(ent.Status),
				Header:     cloneHeader(ent.Header),
				Body:       ent.Body,
			}}, start)

		case StrategyQueue:
			id, err := s.queue.Push(ctx, queueEntryFrom(req))
			if err != nil {
				s.logger.Error().Err(err).Str("url", req.URL).Str("method", req.Method).Msg("queue push failed")
				return s.finish(req, Result{Strategy: StrategyError, Response: queueFailedResponse()}, start)
			}
			s.logger.Debug().Uint64("id", id).Str("url", req.URL).Msg("request queued")
			return s.finish(req, Result{Strategy: StrategyQueue, Response: queuedResponse(id)}, start)
		}
	}

	return s.finish(req, Result{Strategy: StrategyError, Response: s.exhaustedResponse(lastStatus, lastText)}, start)
}

// fetch performs one network attempt bounded by the timeout controller. The
// deadline covers reading the body.
func (s *Service) fetch(ctx context.Context, req Request) (Response, error) {
	timeout := s.timeouts.Current()
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := send(actx, s.httpClient, req)
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return Response{}, fmt.Errorf("%w after %s: %v", errAttemptTimeout, timeout, err)
		}
		return Response{}, err
	}
	return resp, nil
}

// send forwards req with client and buffers the response.
func send(ctx context.Context, client *http.Client, req Request) (Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return Response{}, err
	}
	copyHeaders(hr.Header, req.Header)
	if strings.EqualFold(req.Credentials, "omit") {
		hr.Header.Del("Cookie")
		hr.Header.Del("Authorization")
	}
	if strings.EqualFold(req.ReferrerPolicy, "no-referrer") {
		hr.Header.Del("Referer")
	}
	// Bodies are stored and replayed verbatim.
	hr.Header.Set("Accept-Encoding", "identity")

	resp, err := client.Do(hr)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response body: %w", err)
	}

	h := cloneHeader(resp.Header)
	h.Del("Content-Length")
	return Response{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Header:     h,
		Body:       b,
	}, nil
}

func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}

// finish tags the response and records the resolution.
func (s *Service) finish(req Request, res Result, start time.Time) Result {
	res.Duration = time.Since(start)
	res.Size = len(res.Response.Body)
	if res.Response.Header == nil {
		res.Response.Header = http.Header{}
	}
	if res.Response.StatusText == "" {
		res.Response.StatusText = http.StatusText(res.Response.Status)
	}
	setProxyTypeHeader(res.Response.Header, res.Strategy)

	strategy := string(res.Strategy)
	s.metrics.ResolveTotal.WithLabelValues(strategy).Inc()
	s.metrics.ResolveDuration.WithLabelValues(strategy).Observe(res.Duration.Seconds())
	s.stats.Observe(res.Strategy, res.Size)

	ev := newEvent(ActionResolve)
	ev.URL = req.URL
	ev.Method = req.Method
	ev.Strategy = res.Strategy
	ev.Status = res.Response.Status
	ev.DurationMS = durationMS(res.Duration)
	ev.RequestSize = len(req.Body)
	ev.ResponseSize = res.Size
	s.hub.Broadcast(ev)

	s.logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL).
		Str("strategy", strategy).
		Int("status", res.Response.Status).
		Dur("duration", res.Duration).
		Msg("resolved")
	return res
}

func (s *Service) exhaustedResponse(lastStatus int, lastText string) Response {
	detail := errorDetail{Code: CodeUnavailable, Text: unavailableText}
	if !s.conn.Online() {
		detail = errorDetail{Code: CodeOffline, Text: offlineText}
	}
	if lastStatus != 0 {
		detail.Status = lastStatus
		detail.StatusText = lastText
	}
	return jsonResponse(http.StatusOK, errorBody{Error: detail})
}

func queueFailedResponse() Response {
	return jsonResponse(http.StatusServiceUnavailable, errorBody{Error: errorDetail{
		Code: CodeQueueUnavailable,
		Text: queueFailedText,
	}})
}

func queuedResponse(id uint64) Response {
	return jsonResponse(http.StatusOK, queuedBody{Queued: queuedDetail{ID: id, Text: queuedText}})
}

func jsonResponse(status int, v any) Response {
	b, err := json.Marshal(v)
	if err != nil {
		// Only plain structs are passed in.
		panic(err)
	}
	return Response{
		Status:     status,
		StatusText: http.StatusText(status),
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       b,
	}
}

// queueEntryFrom serializes req for the write queue. Header names are sorted
// so equal requests produce equal records.
func queueEntryFrom(req Request) QueueEntry {
	names := make([]string, 0, len(req.Header))
	for k := range req.Header {
		if !isProxyHeader(k) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	var headers [][2]string
	for _, k := range names {
		for _, v := range req.Header[k] {
			headers = append(headers, [2]string{k, v})
		}
	}

	e := QueueEntry{
		URL:            req.URL,
		Method:         req.Method,
		Headers:        headers,
		Credentials:    req.Credentials,
		ReferrerPolicy: req.ReferrerPolicy,
		Mode:           req.Mode,
		QueuedAt:       time.Now().Unix(),
	}
	if len(req.Body) > 0 {
		e.Body = req.Body
	}
	return e
}

// requestFromEntry rebuilds the request stored in e.
func requestFromEntry(e QueueEntry) Request {
	h := make(http.Header, len(e.Headers))
	for _, pair := range e.Headers {
		h.Add(pair[0], pair[1])
	}
	return Request{
		Method:         e.Method,
		URL:            e.URL,
		Header:         h,
		Body:           e.Body,
		Credentials:    e.Credentials,
		ReferrerPolicy: e.ReferrerPolicy,
		Mode:           e.Mode,
	}
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
