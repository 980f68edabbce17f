package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// InstrumentedTransport records a network fetch metric for every round trip.
type InstrumentedTransport struct {
	base         http.RoundTripper
	defaultRoute string
}

// NewInstrumentedTransport wraps base (http.DefaultTransport when nil).
// defaultRoute labels fetches whose context carries no route.
func NewInstrumentedTransport(base http.RoundTripper, defaultRoute string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, defaultRoute: defaultRoute}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	route := RouteFromContext(req.Context())
	if route == "" {
		route = t.defaultRoute
	}
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordUpstreamFetch(req.Context(), route, time.Since(start), 0, outcome)
		return nil, err
	}

	outcome := "success"
	if resp.StatusCode >= 500 {
		outcome = "5xx"
	} else if resp.StatusCode >= 400 {
		outcome = "4xx"
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		route:      route,
		start:      start,
		outcome:    outcome,
	}
	return resp, nil
}

// instrumentedBody records the fetch once the body is closed.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	route    string
	start    time.Time
	bytes    int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordUpstreamFetch(b.ctx, b.route, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
