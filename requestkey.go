package offlineedge

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// RequestKey identifies a cached response: "METHOD absolute-url".
type RequestKey string

// NewRequestKey builds the key for method and u. A relative u is resolved
// against origin, so "/x" and "https://origin/x" share a key.
func NewRequestKey(method string, u, origin *url.URL) (RequestKey, error) {
	if u == nil {
		return "", fmt.Errorf("nil url")
	}
	abs := Resolve(u, origin)
	if abs.Host == "" {
		return "", fmt.Errorf("cannot key relative url %q without an origin", u.String())
	}
	if method == "" {
		method = http.MethodGet
	}
	return RequestKey(strings.ToUpper(method) + " " + abs.String()), nil
}

// KeyForRequest returns the key for r, resolved against origin.
func KeyForRequest(r *http.Request, origin *url.URL) (RequestKey, error) {
	return NewRequestKey(r.Method, r.URL, origin)
}

// Method returns the method half of the key.
func (k RequestKey) Method() string {
	m, _, _ := strings.Cut(string(k), " ")
	return m
}

// URL returns the URL half of the key.
func (k RequestKey) URL() string {
	_, u, _ := strings.Cut(string(k), " ")
	return u
}

func (k RequestKey) String() string {
	return string(k)
}

// Resolve returns an absolute, normalised copy of u. Relative URLs take the
// scheme and host of origin. Scheme and host are lower-cased, default ports
// dropped, the fragment removed and an empty path becomes "/".
func Resolve(u, origin *url.URL) *url.URL {
	out := *u
	out.User = nil
	out.Fragment = ""
	out.RawFragment = ""
	if out.Host == "" && origin != nil {
		out.Scheme = origin.Scheme
		out.Host = origin.Host
	}
	out.Scheme = strings.ToLower(out.Scheme)
	out.Host = normaliseHost(out.Scheme, out.Host)
	if out.Path == "" {
		out.Path = "/"
		out.RawPath = ""
	}
	return &out
}

// SameOrigin reports whether u (resolved against origin) has the same scheme
// and host as origin.
func SameOrigin(u, origin *url.URL) bool {
	if origin == nil {
		return u.Host == ""
	}
	abs := Resolve(u, origin)
	o := Resolve(&url.URL{Scheme: origin.Scheme, Host: origin.Host}, nil)
	return abs.Scheme == o.Scheme && abs.Host == o.Host
}

// OriginOf returns "scheme://host" for u.
func OriginOf(u *url.URL) string {
	abs := Resolve(u, nil)
	return abs.Scheme + "://" + abs.Host
}

func normaliseHost(scheme, host string) string {
	host = strings.ToLower(host)
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}
