package offlineedge

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestNewRequestKey_Normalises(t *testing.T) {
	origin := mustParse(t, "https://dashboard.example.gov")

	tests := []struct {
		name   string
		method string
		raw    string
		want   RequestKey
	}{
		{"relative path", "GET", "/assets/styles.css", "GET https://dashboard.example.gov/assets/styles.css"},
		{"absolute same origin", "get", "https://Dashboard.Example.gov/assets/styles.css", "GET https://dashboard.example.gov/assets/styles.css"},
		{"default port dropped", "GET", "https://dashboard.example.gov:443/", "GET https://dashboard.example.gov/"},
		{"empty path", "GET", "https://dashboard.example.gov", "GET https://dashboard.example.gov/"},
		{"fragment dropped", "GET", "/offline.html#top", "GET https://dashboard.example.gov/offline.html"},
		{"query kept", "GET", "/report?ward=12", "GET https://dashboard.example.gov/report?ward=12"},
		{"empty method is GET", "", "/", "GET https://dashboard.example.gov/"},
		{"cross origin", "GET", "https://cdnjs.cloudflare.com/ajax/libs/font-awesome/5.15.4/css/all.min.css", "GET https://cdnjs.cloudflare.com/ajax/libs/font-awesome/5.15.4/css/all.min.css"},
		{"non default port kept", "GET", "http://localhost:8080/x", "GET http://localhost:8080/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewRequestKey(tt.method, mustParse(t, tt.raw), origin)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNewRequestKey_RelativeWithoutOrigin(t *testing.T) {
	_, err := NewRequestKey(http.MethodGet, mustParse(t, "/x"), nil)
	require.Error(t, err)
}

func TestRequestKeyParts(t *testing.T) {
	k := RequestKey("POST https://dashboard.example.gov/api/report")
	require.Equal(t, "POST", k.Method())
	require.Equal(t, "https://dashboard.example.gov/api/report", k.URL())
}

func TestKeyForRequest(t *testing.T) {
	origin := mustParse(t, "http://origin.local:8050")
	r := httptest.NewRequest(http.MethodGet, "/assets/js/main.js", nil)

	k, err := KeyForRequest(r, origin)
	require.NoError(t, err)
	require.Equal(t, RequestKey("GET http://origin.local:8050/assets/js/main.js"), k)
}

func TestSameOrigin(t *testing.T) {
	origin := mustParse(t, "https://dashboard.example.gov")

	require.True(t, SameOrigin(mustParse(t, "/"), origin))
	require.True(t, SameOrigin(mustParse(t, "https://dashboard.example.gov:443/x"), origin))
	require.False(t, SameOrigin(mustParse(t, "http://dashboard.example.gov/x"), origin))
	require.False(t, SameOrigin(mustParse(t, "https://cdnjs.cloudflare.com/x"), origin))
}

func TestOriginOf(t *testing.T) {
	require.Equal(t, "https://cdnjs.cloudflare.com", OriginOf(mustParse(t, "https://CDNJS.cloudflare.com:443/ajax/x.css")))
}
