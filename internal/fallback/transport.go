package fallback

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// Transport resolves requests made by in-process Go clients through a
// Service. A Proxy header on the request selects the strategies; otherwise
// Order applies, then the default order. Requests carrying a bypass sentinel
// go to Base untouched.
type Transport struct {
	Service *Service
	Order   []Strategy

	// Base serves bypassed requests. Nil means http.DefaultTransport.
	Base http.RoundTripper
}

func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	order, bypass, _ := ParseStrategies(r.Header.Get(HeaderStrategy))
	if bypass || t.Service.Stopped() {
		base := t.Base
		if base == nil {
			base = http.DefaultTransport
		}
		r2 := r.Clone(r.Context())
		r2.Header.Del(HeaderStrategy)
		return base.RoundTrip(r2)
	}
	if len(order) == 0 {
		order = t.Order
	}

	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			return nil, err
		}
		body = b
	}

	req := Request{
		Method:      r.Method,
		URL:         r.URL.String(),
		Header:      forwardableHeader(r.Header),
		Credentials: "omit",
	}
	if len(body) > 0 {
		req.Body = body
	}
	if r.Header.Get("Cookie") != "" || r.Header.Get("Authorization") != "" {
		req.Credentials = "include"
	}

	res := t.Service.Resolve(r.Context(), req, order)
	resp := res.Response
	return &http.Response{
		Status:        strconv.Itoa(resp.Status) + " " + resp.StatusText,
		StatusCode:    resp.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        resp.Header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       r,
	}, nil
}
