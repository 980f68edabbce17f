// Package page holds the state a dashboard page keeps about the offline
// edge: the update prompt for a newly installed version, the one-shot
// reload after a controller change, and the deferred install prompt.
package page

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/swaccha-ap/offline-edge/registration"
)

// ErrNoUpdate is returned by Accept when no update prompt is showing.
var ErrNoUpdate = errors.New("no update prompt showing")

// MessagePoster delivers a control message to the worker.
type MessagePoster interface {
	PostMessage(ctx context.Context, msg registration.Message) error
}

// Reloader reloads the page.
type Reloader interface {
	Reload(ctx context.Context) error
}

// UpdateCycle tracks one update from "new version installed" to the reload
// that picks it up. Reset starts the next cycle.
type UpdateCycle struct {
	poster   MessagePoster
	reloader Reloader
	logger   *slog.Logger

	mu        sync.Mutex
	prompting bool
	accepted  bool
	reloaded  bool
}

// Option configures an UpdateCycle.
type Option func(*UpdateCycle)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(u *UpdateCycle) {
		u.logger = logger
	}
}

// NewUpdateCycle creates an UpdateCycle.
func NewUpdateCycle(poster MessagePoster, reloader Reloader, opts ...Option) *UpdateCycle {
	u := &UpdateCycle{
		poster:   poster,
		reloader: reloader,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.logger = u.logger.With("component", "page")
	return u
}

// OnInstalled is called when a new version finishes installing. The prompt
// is raised only when an older version controls the page; a first install
// needs no prompt. It reports whether the prompt is showing.
func (u *UpdateCycle) OnInstalled(hasController bool) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if hasController && !u.accepted {
		u.prompting = true
	}
	return u.prompting
}

// Prompting reports whether the update prompt is showing.
func (u *UpdateCycle) Prompting() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.prompting
}

// Accept asks the waiting version to activate and dismisses the prompt.
func (u *UpdateCycle) Accept(ctx context.Context) error {
	u.mu.Lock()
	if !u.prompting {
		u.mu.Unlock()
		return ErrNoUpdate
	}
	u.mu.Unlock()

	if err := u.poster.PostMessage(ctx, registration.Message{Action: registration.ActionSkipWaiting}); err != nil {
		return fmt.Errorf("requesting activation: %w", err)
	}

	u.mu.Lock()
	u.prompting = false
	u.accepted = true
	u.mu.Unlock()
	return nil
}

// Dismiss hides the prompt without activating.
func (u *UpdateCycle) Dismiss() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.prompting = false
}

// OnControllerChange reloads the page the first time it is called in a
// cycle. Later calls do nothing, so repeated controller changes cannot loop.
// It reports whether a reload was triggered.
func (u *UpdateCycle) OnControllerChange(ctx context.Context) (bool, error) {
	u.mu.Lock()
	if u.reloaded {
		u.mu.Unlock()
		return false, nil
	}
	u.reloaded = true
	u.prompting = false
	u.mu.Unlock()

	u.logger.Info("controller changed, reloading")
	if err := u.reloader.Reload(ctx); err != nil {
		return true, fmt.Errorf("reloading page: %w", err)
	}
	return true, nil
}

// Reset clears the cycle after the reloaded page has loaded.
func (u *UpdateCycle) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.prompting = false
	u.accepted = false
	u.reloaded = false
}

// Watch drives the cycle from a registration event stream until events is
// closed or ctx is done. A first activation has nothing to reload.
func (u *UpdateCycle) Watch(ctx context.Context, events <-chan registration.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case registration.EventUpdateAvailable:
				if u.OnInstalled(ev.Previous != "") {
					u.logger.Info("update available", "version", ev.Version)
				}
			case registration.EventControllerChange:
				if ev.Previous == "" {
					continue
				}
				if _, err := u.OnControllerChange(ctx); err != nil {
					return err
				}
			}
		}
	}
}
