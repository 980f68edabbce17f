// Package router implements the asset cache router: one Worker per deployed
// version that precaches the manifest on install, removes stale caches on
// activation and answers every intercepted request with a caching strategy.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	offlineedge "github.com/swaccha-ap/offline-edge"
	"github.com/swaccha-ap/offline-edge/cachestore"
	"github.com/swaccha-ap/offline-edge/download"
	"github.com/swaccha-ap/offline-edge/manifest"
	"github.com/swaccha-ap/offline-edge/telemetry"
)

var (
	// ErrNotActive is returned by Fetch before the worker has activated.
	ErrNotActive = errors.New("worker is not active")

	// ErrInvalidState is returned for a lifecycle call out of order.
	ErrInvalidState = errors.New("invalid lifecycle transition")

	// ErrOffline is returned when the network failed and nothing cached can
	// stand in for the response.
	ErrOffline = errors.New("offline and no cached fallback")

	// ErrInstallFailed wraps the cause of a failed precache.
	ErrInstallFailed = errors.New("install failed")
)

// State is a worker lifecycle state.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// Worker serves one manifest version.
type Worker struct {
	manifest    *manifest.Manifest
	origin      *url.URL
	storage     *cachestore.Storage
	client      *http.Client
	downloads   *download.Downloader
	logger      *slog.Logger
	skipWaiting bool

	mu    sync.Mutex
	state State
	cache *cachestore.Cache
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithHTTPClient sets the client used for network fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(w *Worker) {
		w.client = client
	}
}

// WithDownloader shares a Downloader between workers.
func WithDownloader(d *download.Downloader) Option {
	return func(w *Worker) {
		w.downloads = d
	}
}

// WithSkipWaiting controls whether the worker activates as soon as it has
// installed (default true) or waits for an explicit skipWaiting message.
func WithSkipWaiting(skip bool) Option {
	return func(w *Worker) {
		w.skipWaiting = skip
	}
}

// New creates a worker for m. Relative URLs resolve against origin.
func New(m *manifest.Manifest, origin *url.URL, storage *cachestore.Storage, opts ...Option) (*Worker, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if origin == nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute url")
	}

	w := &Worker{
		manifest:    m,
		origin:      origin,
		storage:     storage,
		logger:      slog.Default(),
		skipWaiting: true,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.client == nil {
		w.client = &http.Client{Transport: telemetry.NewInstrumentedTransport(nil, "worker")}
	}
	if w.downloads == nil {
		w.downloads = download.New(download.WithLogger(w.logger))
	}
	w.logger = w.logger.With("component", "router", "version", m.Version)
	return w, nil
}

// Version returns the manifest version.
func (w *Worker) Version() string {
	return w.manifest.Version
}

// CacheName returns the name of the cache this worker owns.
func (w *Worker) CacheName() string {
	return w.manifest.CacheName()
}

// Manifest returns the worker's manifest.
func (w *Worker) Manifest() *manifest.Manifest {
	return w.manifest
}

// SkipWaiting reports whether the worker activates straight after install.
func (w *Worker) SkipWaiting() bool {
	return w.skipWaiting
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Classify returns the route for req under this worker's manifest.
func (w *Worker) Classify(req *http.Request) Route {
	return Classify(req, w.manifest, w.origin)
}

// transition moves to next if the current state is one of from.
func (w *Worker) transition(ctx context.Context, next State, from ...State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range from {
		if w.state == s {
			w.logger.Debug("lifecycle transition", "from", w.state, "to", next)
			w.state = next
			telemetry.RecordLifecycle(ctx, w.manifest.Version, next.String())
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidState, w.state, next)
}

// Install opens the version's cache and precaches every manifest asset.
// Any failed fetch or non-2xx response fails the whole install and leaves
// the worker redundant. A cache left complete by an earlier run of the same
// version is reused without touching the network.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(ctx, StateInstalling, StateParsed); err != nil {
		return err
	}

	if err := w.install(ctx); err != nil {
		_ = w.transition(ctx, StateRedundant, StateInstalling)
		w.logger.Error("install failed", "error", err)
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	w.logger.Info("installed", "cache", w.CacheName(), "assets", len(w.manifest.Assets))
	return w.transition(ctx, StateInstalled, StateInstalling)
}

func (w *Worker) install(ctx context.Context) error {
	existed, err := w.storage.Has(ctx, w.CacheName())
	if err != nil {
		return fmt.Errorf("checking cache %s: %w", w.CacheName(), err)
	}
	cache, err := w.storage.Open(ctx, w.CacheName())
	if err != nil {
		return err
	}

	keys := make([]offlineedge.RequestKey, 0, len(w.manifest.Assets))
	for _, asset := range w.manifest.Assets {
		u, err := url.Parse(asset)
		if err != nil {
			return fmt.Errorf("parsing asset %q: %w", asset, err)
		}
		key, err := offlineedge.NewRequestKey(http.MethodGet, u, w.origin)
		if err != nil {
			return err
		}
		keys = append(keys, key)
	}

	if existed {
		complete, err := cache.ContainsAll(ctx, keys)
		if err != nil {
			return err
		}
		if complete {
			w.logger.Info("reusing installed cache", "cache", w.CacheName())
			w.mu.Lock()
			w.cache = cache
			w.mu.Unlock()
			return nil
		}
	}

	ctx = telemetry.WithRouteContext(ctx, "install")
	if err := cache.AddAll(ctx, keys, w.precache); err != nil {
		return err
	}

	w.mu.Lock()
	w.cache = cache
	w.mu.Unlock()
	return nil
}

func (w *Worker) precache(ctx context.Context, key offlineedge.RequestKey) (*cachestore.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key.URL(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	return cachestore.Snapshot(resp, w.responseType(req.URL, resp))
}

// Activate deletes every cache other than this version's and sweeps the
// bodies they referenced. If a deletion fails the worker stays activating
// and Activate may be called again.
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(ctx, StateActivating, StateInstalled, StateActivating); err != nil {
		return err
	}

	names, err := w.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("listing caches: %w", err)
	}
	deleted := 0
	for _, name := range names {
		if name == w.CacheName() {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			return fmt.Errorf("deleting stale cache %s: %w", name, err)
		}
		w.logger.Info("deleted stale cache", "cache", name)
		deleted++
	}

	swept, err := w.storage.Sweep(ctx)
	if err != nil {
		w.logger.Warn("blob sweep failed", "error", err)
	}
	telemetry.RecordActivationCleanup(ctx, deleted, swept)

	return w.transition(ctx, StateActivated, StateActivating)
}

// Retire marks the worker redundant once a newer version has taken over.
func (w *Worker) Retire(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateRedundant {
		return
	}
	w.state = StateRedundant
	telemetry.RecordLifecycle(ctx, w.manifest.Version, StateRedundant.String())
}

// EntryCount returns the number of responses in the worker's cache.
func (w *Worker) EntryCount(ctx context.Context) (int, error) {
	w.mu.Lock()
	cache := w.cache
	w.mu.Unlock()
	if cache == nil {
		return 0, nil
	}
	return cache.Len(ctx)
}
