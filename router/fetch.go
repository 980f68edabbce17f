package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	offlineedge "github.com/swaccha-ap/offline-edge"
	"github.com/swaccha-ap/offline-edge/cachestore"
	"github.com/swaccha-ap/offline-edge/download"
	"github.com/swaccha-ap/offline-edge/telemetry"
)

// Where a response came from, for logs and metrics.
const (
	servedNetwork     = "network"
	servedCache       = "cache"
	servedOfflinePage = "offline_page"
	servedPlaceholder = "placeholder"
	servedError       = "error"
)

// hopHeaders are not forwarded to the network.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Fetch answers an intercepted request according to its route.
// The caller must close the returned body.
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	w.mu.Lock()
	state, cache := w.state, w.cache
	w.mu.Unlock()
	if state != StateActivated {
		return nil, ErrNotActive
	}

	route := w.Classify(req)
	telemetry.SetRoute(ctx, route.String())
	ctx = telemetry.WithRouteContext(ctx, route.String())

	var (
		resp   *http.Response
		served string
		err    error
	)
	switch route {
	case RouteDynamic:
		resp, served, err = w.networkOnly(ctx, req, cache)
	case RouteNavigation:
		resp, served, err = w.networkFirst(ctx, req, cache)
	case RouteStatic:
		resp, served, err = w.cacheFirst(ctx, req, cache)
	default:
		resp, err = w.forward(ctx, req)
		served = servedNetwork
	}
	if err != nil {
		served = servedError
	}

	telemetry.SetServed(ctx, served)
	telemetry.RecordRouteDecision(ctx, route.String(), served)
	return resp, err
}

// networkOnly never reads or writes the cache except for the offline page.
func (w *Worker) networkOnly(ctx context.Context, req *http.Request, cache *cachestore.Cache) (*http.Response, string, error) {
	resp, err := w.forward(ctx, req)
	if err == nil {
		return resp, servedNetwork, nil
	}
	w.logger.Debug("network failed for dynamic request", "url", req.URL.String(), "error", err)

	if page := w.offlinePage(ctx, req, cache); page != nil {
		return page, servedOfflinePage, nil
	}
	return nil, servedError, fmt.Errorf("%w: %w", ErrOffline, err)
}

// networkFirst falls back to the cached copy of the URL, then the offline page.
// It never writes to the cache.
func (w *Worker) networkFirst(ctx context.Context, req *http.Request, cache *cachestore.Cache) (*http.Response, string, error) {
	resp, err := w.forward(ctx, req)
	if err == nil {
		return resp, servedNetwork, nil
	}
	w.logger.Debug("network failed for navigation", "url", req.URL.String(), "error", err)

	if cached := w.match(ctx, req, cache); cached != nil {
		return cached, servedCache, nil
	}
	if page := w.offlinePage(ctx, req, cache); page != nil {
		return page, servedOfflinePage, nil
	}
	return nil, servedError, fmt.Errorf("%w: %w", ErrOffline, err)
}

// cacheFirst serves from the cache and fills it from the network on a miss.
// Only basic 200 responses are stored. Image misses with no network get the
// offline placeholder; other misses fail.
func (w *Worker) cacheFirst(ctx context.Context, req *http.Request, cache *cachestore.Cache) (*http.Response, string, error) {
	if req.Method != http.MethodGet {
		resp, err := w.forward(ctx, req)
		return resp, servedNetwork, err
	}

	if cached := w.match(ctx, req, cache); cached != nil {
		telemetry.SetCacheResult(ctx, telemetry.CacheHit)
		return cached, servedCache, nil
	}
	telemetry.SetCacheResult(ctx, telemetry.CacheMiss)

	key, err := offlineedge.KeyForRequest(req, w.origin)
	if err != nil {
		return nil, servedError, err
	}

	res, _, err := w.downloads.Do(ctx, key, func(dctx context.Context) (*download.Result, error) {
		return w.fetchAndStore(dctx, req, key, cache)
	})
	if err != nil {
		w.downloads.ForgetOnError(key, err)
		if isImage(req.URL) {
			w.logger.Debug("serving offline placeholder", "url", req.URL.String(), "error", err)
			return offlineImage(req), servedPlaceholder, nil
		}
		return nil, servedError, err
	}
	return res.Response.HTTPResponse(req), servedNetwork, nil
}

// fetchAndStore fetches a static miss for every waiter on key. The page's
// Accept-Encoding is not forwarded: the stored copy is served to all clients,
// so it must be the decoded body.
func (w *Worker) fetchAndStore(ctx context.Context, req *http.Request, key offlineedge.RequestKey, cache *cachestore.Cache) (*download.Result, error) {
	out := req.Clone(ctx)
	out.Header.Del("Accept-Encoding")

	resp, err := w.forward(ctx, out)
	if err != nil {
		return nil, err
	}
	target := offlineedge.Resolve(req.URL, w.origin)
	snap, err := cachestore.Snapshot(resp, w.responseType(target, resp))
	if err != nil {
		return nil, err
	}

	res := &download.Result{Response: snap}
	if snap.Status != http.StatusOK || snap.Type != cachestore.TypeBasic || cache == nil {
		return res, nil
	}
	if snap.Header.Get("Content-Encoding") != "" {
		w.logger.Debug("not caching encoded response", "key", key, "encoding", snap.Header.Get("Content-Encoding"))
		return res, nil
	}
	if strings.Contains(snap.Header.Get("Vary"), "*") {
		w.logger.Debug("not caching response that varies on everything", "key", key)
		return res, nil
	}
	if err := cache.Put(ctx, key, snap); err != nil {
		w.logger.Warn("caching response failed", "key", key, "error", err)
		return res, nil
	}
	res.Stored = true
	return res, nil
}

// match returns the cached response for req, or nil.
func (w *Worker) match(ctx context.Context, req *http.Request, cache *cachestore.Cache) *http.Response {
	if cache == nil {
		return nil
	}
	key, err := offlineedge.KeyForRequest(req, w.origin)
	if err != nil {
		return nil
	}
	snap, err := cache.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cachestore.ErrNotFound) {
			w.logger.Warn("cache lookup failed", "key", key, "error", err)
		}
		return nil
	}
	return snap.HTTPResponse(req)
}

func (w *Worker) offlinePage(ctx context.Context, req *http.Request, cache *cachestore.Cache) *http.Response {
	if cache == nil {
		return nil
	}
	key, err := offlineedge.NewRequestKey(http.MethodGet, &url.URL{Path: w.manifest.OfflineURL}, w.origin)
	if err != nil {
		return nil
	}
	snap, err := cache.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cachestore.ErrNotFound) {
			w.logger.Warn("offline page lookup failed", "error", err)
		}
		return nil
	}
	return snap.HTTPResponse(req)
}

// forward sends req to the network, rewriting same-origin requests onto the
// origin.
func (w *Worker) forward(ctx context.Context, req *http.Request) (*http.Response, error) {
	target := offlineedge.Resolve(req.URL, w.origin)

	body := req.Body
	if req.ContentLength == 0 {
		body = nil
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	out.Header = req.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	if req.ContentLength > 0 {
		out.ContentLength = req.ContentLength
	}

	resp, err := w.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", target.Redacted(), err)
	}
	return resp, nil
}

// responseType reports how a page would see resp for a request to u.
func (w *Worker) responseType(u *url.URL, resp *http.Response) cachestore.ResponseType {
	if offlineedge.SameOrigin(u, w.origin) {
		return cachestore.TypeBasic
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		return cachestore.TypeCORS
	}
	return cachestore.TypeOpaque
}
