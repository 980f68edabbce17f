// Package registration hosts router workers the way a browser hosts a
// service worker: it installs new versions, hands control from the old
// version to the new one and dispatches control messages, sync and push
// events to the active version.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/swaccha-ap/offline-edge/notify"
	"github.com/swaccha-ap/offline-edge/outbox"
	"github.com/swaccha-ap/offline-edge/router"
	"github.com/swaccha-ap/offline-edge/telemetry"
)

// ActionSkipWaiting asks a waiting worker to activate now.
const ActionSkipWaiting = "skipWaiting"

// ErrNoOutbox is returned by Sync when no outbox was configured.
var ErrNoOutbox = errors.New("no outbox configured")

// Message is a control message posted by a page.
type Message struct {
	Action string `json:"action"`
}

// EventType identifies a lifecycle event.
type EventType int

const (
	// EventUpdateAvailable fires when a new version installs while an older
	// version controls pages.
	EventUpdateAvailable EventType = iota
	// EventControllerChange fires when a version takes control.
	EventControllerChange
)

func (t EventType) String() string {
	switch t {
	case EventUpdateAvailable:
		return "updateavailable"
	case EventControllerChange:
		return "controllerchange"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers.
type Event struct {
	Type     EventType
	Version  string
	Previous string
}

// Replayer replays deferred writes.
type Replayer interface {
	Replay(ctx context.Context, client outbox.Doer) (outbox.ReplayResult, error)
}

// Registration owns the active and waiting workers.
type Registration struct {
	outbox   Replayer
	notifier *notify.Notifier
	client   outbox.Doer
	logger   *slog.Logger

	// lifecycle serialises Register and activation.
	lifecycle sync.Mutex

	mu      sync.RWMutex
	active  *router.Worker
	waiting *router.Worker

	ready     chan struct{}
	readyOnce sync.Once

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// Option configures a Registration.
type Option func(*Registration)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registration) {
		r.logger = logger
	}
}

// WithOutbox sets the queue replayed on the sync-data tag.
func WithOutbox(o Replayer) Option {
	return func(r *Registration) {
		r.outbox = o
	}
}

// WithNotifier sets the push notification handler.
func WithNotifier(n *notify.Notifier) Option {
	return func(r *Registration) {
		r.notifier = n
	}
}

// WithReplayClient sets the client used to replay deferred writes.
func WithReplayClient(c outbox.Doer) Option {
	return func(r *Registration) {
		r.client = c
	}
}

// New creates an empty Registration.
func New(opts ...Option) *Registration {
	r := &Registration{
		logger: slog.Default(),
		ready:  make(chan struct{}),
		subs:   make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registration")
	if r.notifier == nil {
		r.notifier = notify.New(notify.WithLogger(r.logger))
	}
	if r.client == nil {
		r.client = &http.Client{Transport: telemetry.NewInstrumentedTransport(nil, "replay")}
	}
	return r
}

// Register installs w. If another version already controls pages,
// subscribers get EventUpdateAvailable. The first worker, and any worker
// built to skip waiting, is activated straight away; otherwise it waits for
// a skipWaiting message.
func (r *Registration) Register(ctx context.Context, w *router.Worker) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if err := w.Install(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	prev, stale := r.active, r.waiting
	r.waiting = w
	r.mu.Unlock()

	if stale != nil {
		stale.Retire(ctx)
	}
	if prev != nil {
		r.logger.Info("update available", "version", w.Version(), "previous", prev.Version())
		r.emit(Event{Type: EventUpdateAvailable, Version: w.Version(), Previous: prev.Version()})
	}

	// With nothing in control there is nothing to wait for.
	if !w.SkipWaiting() && prev != nil {
		r.logger.Info("installed, waiting", "version", w.Version())
		return nil
	}
	return r.activateWaiting(ctx)
}

// WorkerFactory builds a fresh worker. A worker whose install failed is
// redundant for good, so each attempt needs a new one.
type WorkerFactory func() (*router.Worker, error)

// RegisterWithRetry builds and registers workers until one takes effect,
// waiting between attempts as b dictates. It stops when ctx is cancelled or b
// gives up. Errors from build are not retried.
func (r *Registration) RegisterWithRetry(ctx context.Context, build WorkerFactory, b backoff.BackOff) (*router.Worker, error) {
	return backoff.Retry(ctx, func() (*router.Worker, error) {
		w, err := build()
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("building worker: %w", err))
		}
		if err := r.Register(ctx, w); err != nil {
			return nil, err
		}
		return w, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("register failed, retrying", "in", next, "error", err)
		}),
	)
}

// activateWaiting activates the waiting worker and makes it the controller.
// The caller holds r.lifecycle.
func (r *Registration) activateWaiting(ctx context.Context) error {
	r.mu.RLock()
	w := r.waiting
	r.mu.RUnlock()
	if w == nil {
		return nil
	}

	if err := w.Activate(ctx); err != nil {
		return fmt.Errorf("activating version %s: %w", w.Version(), err)
	}

	r.mu.Lock()
	prev := r.active
	r.active = w
	r.waiting = nil
	r.mu.Unlock()

	if prev != nil {
		prev.Retire(ctx)
	}
	r.readyOnce.Do(func() { close(r.ready) })

	ev := Event{Type: EventControllerChange, Version: w.Version()}
	if prev != nil {
		ev.Previous = prev.Version()
	}
	r.logger.Info("controller changed", "version", ev.Version, "previous", ev.Previous)
	r.emit(ev)
	return nil
}

// PostMessage handles a control message. Unknown actions are ignored.
func (r *Registration) PostMessage(ctx context.Context, msg Message) error {
	switch msg.Action {
	case ActionSkipWaiting:
		r.lifecycle.Lock()
		defer r.lifecycle.Unlock()
		return r.activateWaiting(ctx)
	default:
		r.logger.Debug("ignoring message", "action", msg.Action)
		return nil
	}
}

// Controller returns the active worker, or nil before the first activation.
func (r *Registration) Controller() *router.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting returns the installed worker waiting to activate, if any.
func (r *Registration) Waiting() *router.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// Ready is closed once a worker has activated. Fetches wait on it.
func (r *Registration) Ready() <-chan struct{} {
	return r.ready
}

// Subscribe returns a channel of lifecycle events and a function that
// unsubscribes. Events are dropped when the channel buffer is full.
func (r *Registration) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
			close(ch)
		})
	}
}

func (r *Registration) emit(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.logger.Warn("dropping event for slow subscriber", "subscriber", id, "event", ev.Type)
		}
	}
}

// Sync handles a background sync event. Only outbox.SyncTag replays the
// outbox; other tags are ignored.
func (r *Registration) Sync(ctx context.Context, tag string) (outbox.ReplayResult, error) {
	if tag != outbox.SyncTag {
		r.logger.Debug("ignoring sync tag", "tag", tag)
		return outbox.ReplayResult{}, nil
	}
	if r.outbox == nil {
		return outbox.ReplayResult{}, ErrNoOutbox
	}

	res, err := r.outbox.Replay(ctx, r.client)
	if err != nil {
		r.logger.Error("sync failed", "tag", tag, "error", err)
		return res, fmt.Errorf("replaying outbox: %w", err)
	}
	r.logger.Info("sync complete", "tag", tag, "replayed", res.Replayed, "kept", res.Kept)
	return res, nil
}

// Push handles a push message.
func (r *Registration) Push(ctx context.Context, payload []byte) (notify.Notification, error) {
	return r.notifier.Push(ctx, payload)
}

// NotificationClick handles a click on a shown notification and returns the
// url that was opened.
func (r *Registration) NotificationClick(ctx context.Context, n notify.Notification) (string, error) {
	return r.notifier.Click(ctx, n)
}
