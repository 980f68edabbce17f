package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestInstrumentedTransport_RecordsOnClose(t *testing.T) {
	reader := setupTestMetrics(t)

	body := "body{}"
	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		rec := httptest.NewRecorder()
		_, _ = rec.WriteString(body)
		return rec.Result(), nil
	})
	client := &http.Client{Transport: NewInstrumentedTransport(base, "static")}

	req, err := http.NewRequest(http.MethodGet, "http://origin.local/assets/styles.css", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)

	// Nothing recorded until the body is closed.
	require.Empty(t, findCounter(collectMetrics(t, reader), "offline_edge_upstream_fetch_total"))

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, body, string(got))
	require.NoError(t, resp.Body.Close())
	require.NoError(t, resp.Body.Close())

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "offline_edge_upstream_fetch_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "route", "static"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "success"))

	bytesDps := findCounter(rm, "offline_edge_upstream_fetch_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, len(body), bytesDps[0].Value)
}

func TestInstrumentedTransport_RouteFromContext(t *testing.T) {
	reader := setupTestMetrics(t)

	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		rec := httptest.NewRecorder()
		rec.WriteHeader(http.StatusServiceUnavailable)
		return rec.Result(), nil
	})
	client := &http.Client{Transport: NewInstrumentedTransport(base, "static")}

	ctx := WithRouteContext(context.Background(), "install")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://origin.local/", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	dps := findCounter(collectMetrics(t, reader), "offline_edge_upstream_fetch_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "route", "install"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "5xx"))
}

func TestInstrumentedTransport_Error(t *testing.T) {
	reader := setupTestMetrics(t)

	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("network unreachable")
	})
	client := &http.Client{Transport: NewInstrumentedTransport(base, "navigation")}

	req, err := http.NewRequest(http.MethodGet, "http://origin.local/dashboard", nil)
	require.NoError(t, err)
	_, err = client.Do(req)
	require.Error(t, err)

	dps := findCounter(collectMetrics(t, reader), "offline_edge_upstream_fetch_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "error"))
}
