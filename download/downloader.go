// Package download collapses concurrent network fetches for the same request
// key. When several page requests miss the cache for one asset at once, only
// one of them goes to the network and the rest share its response.
package download

import (
	"context"
	"errors"
	"log/slog"

	offlineedge "github.com/swaccha-ap/offline-edge"
	"github.com/swaccha-ap/offline-edge/cachestore"
	"golang.org/x/sync/singleflight"
)

// Result is the outcome of a collapsed fetch.
type Result struct {
	Response *cachestore.Response
	// Stored is true when the response was written to the cache.
	Stored bool
}

// FetchFunc fetches the resource and, when cacheable, stores it.
// Its context is detached from any single request so one caller giving up
// does not cancel the fetch for other waiters.
type FetchFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent fetches by request key. It uses DoChan
// so each caller honours its own deadline.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "download")
	return d
}

// Do runs fn once for all concurrent callers with the same key and returns
// the result, whether it was shared, and any error.
//
// If ctx ends first Do returns ctx.Err() while the fetch keeps going for the
// remaining waiters.
func (d *Downloader) Do(ctx context.Context, key offlineedge.RequestKey, fn FetchFunc) (*Result, bool, error) {
	ch := d.group.DoChan(string(key), func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		if res.Shared {
			d.logger.Debug("shared in-flight fetch", "key", key)
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget drops key from the group so the next call fetches again.
func (d *Downloader) Forget(key offlineedge.RequestKey) {
	d.group.Forget(string(key))
}

// ForgetOnError forgets key after a failed fetch so the next request retries.
// Context errors belong to one caller, not the fetch, and are ignored.
func (d *Downloader) ForgetOnError(key offlineedge.RequestKey, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}
