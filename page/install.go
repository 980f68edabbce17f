package page

import (
	"context"
	"errors"
	"sync"
)

// ErrNoPrompt is returned by Prompt when no deferred prompt is stashed.
var ErrNoPrompt = errors.New("no install prompt available")

// Outcome is the user's answer to the install prompt.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDismissed Outcome = "dismissed"
)

// DeferredPrompt is an install prompt the browser offered and the page
// held back.
type DeferredPrompt interface {
	Prompt(ctx context.Context) (Outcome, error)
}

// InstallPrompt tracks whether the page can offer to install the app.
type InstallPrompt struct {
	mu        sync.Mutex
	deferred  DeferredPrompt
	visible   bool
	installed bool
}

// Stash keeps p for later and shows the install affordance.
func (ip *InstallPrompt) Stash(p DeferredPrompt) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	ip.deferred = p
	ip.visible = !ip.installed
}

// Visible reports whether the install affordance is shown.
func (ip *InstallPrompt) Visible() bool {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return ip.visible
}

// Prompt shows the stashed prompt. The prompt is used up whatever the
// outcome; accepting also hides the affordance.
func (ip *InstallPrompt) Prompt(ctx context.Context) (Outcome, error) {
	ip.mu.Lock()
	p := ip.deferred
	ip.deferred = nil
	ip.mu.Unlock()
	if p == nil {
		return "", ErrNoPrompt
	}

	outcome, err := p.Prompt(ctx)
	if err != nil {
		return "", err
	}
	if outcome == OutcomeAccepted {
		ip.mu.Lock()
		ip.visible = false
		ip.mu.Unlock()
	}
	return outcome, nil
}

// OnAppInstalled hides the install affordance for good.
func (ip *InstallPrompt) OnAppInstalled() {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	ip.installed = true
	ip.visible = false
	ip.deferred = nil
}
