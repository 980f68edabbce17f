package router

import (
	"net/http"
	"net/url"
	"strings"

	offlineedge "github.com/swaccha-ap/offline-edge"
	"github.com/swaccha-ap/offline-edge/manifest"
)

// Route is the routing category of an intercepted request.
type Route int

const (
	// RoutePassthrough requests are forwarded untouched.
	RoutePassthrough Route = iota
	// RouteDynamic requests are network-only with the offline page as fallback.
	RouteDynamic
	// RouteNavigation requests are network-first.
	RouteNavigation
	// RouteStatic requests are cache-first.
	RouteStatic
)

func (r Route) String() string {
	switch r {
	case RoutePassthrough:
		return "passthrough"
	case RouteDynamic:
		return "dynamic"
	case RouteNavigation:
		return "navigation"
	case RouteStatic:
		return "static"
	default:
		return "unknown"
	}
}

// Classify decides how req is routed. Rules apply in order: origin filter,
// dynamic patterns, navigation, then static.
func Classify(req *http.Request, m *manifest.Manifest, origin *url.URL) Route {
	if !intercepts(req.URL, m, origin) {
		return RoutePassthrough
	}
	if m.IsDynamic(offlineedge.Resolve(req.URL, origin).String()) {
		return RouteDynamic
	}
	if isNavigation(req) {
		return RouteNavigation
	}
	return RouteStatic
}

func intercepts(u *url.URL, m *manifest.Manifest, origin *url.URL) bool {
	if offlineedge.SameOrigin(u, origin) {
		return true
	}
	return m.AllowsOrigin(offlineedge.OriginOf(u))
}

// isNavigation follows Sec-Fetch-Mode when the client sends it. Older
// clients are judged by a GET that asks for HTML.
func isNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}
