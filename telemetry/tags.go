// Package telemetry provides request tagging for structured logging and the
// metrics recorded by the offline edge.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	requestTagsKey contextKey = "request_tags"
	routeKey       contextKey = "route"
)

// CacheResult is the outcome of a cache store lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheBypass CacheResult = "bypass"
	CacheNA     CacheResult = "na"
)

// RequestTags holds request metadata that handlers fill in for the access log.
type RequestTags struct {
	// Route is the fetch classification: passthrough, dynamic, navigation, static or control.
	Route       string
	CacheResult CacheResult
	// Served says where the response came from: network, cache, offline_page, placeholder.
	Served string
}

// InjectTags returns r with an empty RequestTags in its context.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags returns the request tags, or nil outside the logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext returns the request tags held by ctx, or nil.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result on the tags in ctx.
func SetCacheResult(ctx context.Context, result CacheResult) {
	if tags := TagsFromContext(ctx); tags != nil {
		tags.CacheResult = result
	}
}

// SetRoute sets the route on the tags in ctx.
func SetRoute(ctx context.Context, route string) {
	if tags := TagsFromContext(ctx); tags != nil {
		tags.Route = route
	}
}

// SetServed sets where the response was served from.
func SetServed(ctx context.Context, served string) {
	if tags := TagsFromContext(ctx); tags != nil {
		tags.Served = served
	}
}

// RouteFromContext returns the route from a WithRouteContext value or from the
// request tags.
func RouteFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(routeKey).(string); ok && r != "" {
		return r
	}
	if tags := TagsFromContext(ctx); tags != nil {
		return tags.Route
	}
	return ""
}

// WithRouteContext stores route in ctx for work that runs outside a request,
// such as install-time manifest fetches and outbox replays.
func WithRouteContext(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, routeKey, route)
}
