// Package notify handles push messages for the dashboard: it decodes the
// push payload, shows the notification and opens its url on click.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/swaccha-ap/offline-edge/telemetry"
)

const (
	DefaultTitle = "Swaccha Andhra Update"
	DefaultBody  = "New update from Swaccha Andhra"
	DefaultURL   = "/"

	Icon  = "/assets/icons/icon-192x192.png"
	Badge = "/assets/icons/badge-72x72.png"
)

// ErrMalformedPayload is returned for a push payload that is not a JSON object
// of strings.
var ErrMalformedPayload = errors.New("malformed push payload")

// Payload is the JSON body of a push message.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// Data is carried by a notification to its click handler.
type Data struct {
	URL string `json:"url"`
}

// Notification is a notification ready to show.
type Notification struct {
	Tag     string `json:"tag"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Icon    string `json:"icon"`
	Badge   string `json:"badge"`
	Vibrate []int  `json:"vibrate"`
	Data    Data   `json:"data"`
}

// ParsePayload decodes a push payload and fills in defaults for missing
// fields. An empty payload yields the defaults.
func ParsePayload(data []byte) (Notification, error) {
	var p Payload
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}
	if p.Title == "" {
		p.Title = DefaultTitle
	}
	if p.Body == "" {
		p.Body = DefaultBody
	}
	if p.URL == "" {
		p.URL = DefaultURL
	}
	return Notification{
		Tag:     uuid.NewString(),
		Title:   p.Title,
		Body:    p.Body,
		Icon:    Icon,
		Badge:   Badge,
		Vibrate: []int{100, 50, 100},
		Data:    Data{URL: p.URL},
	}, nil
}

// Displayer shows a notification to the user.
type Displayer interface {
	Display(ctx context.Context, n Notification) error
}

// WindowOpener opens url in a client window.
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

// Notifier shows notifications and handles their clicks.
type Notifier struct {
	displayer Displayer
	opener    WindowOpener
	logger    *slog.Logger

	mu   sync.Mutex
	open map[string]Notification
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) {
		n.logger = logger
	}
}

// WithDisplayer sets where notifications are shown. The default only logs.
func WithDisplayer(d Displayer) Option {
	return func(n *Notifier) {
		n.displayer = d
	}
}

// WithWindowOpener sets the click target. The default only logs.
func WithWindowOpener(o WindowOpener) Option {
	return func(n *Notifier) {
		n.opener = o
	}
}

// New creates a Notifier.
func New(opts ...Option) *Notifier {
	n := &Notifier{
		logger: slog.Default(),
		open:   make(map[string]Notification),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("component", "notify")
	if n.displayer == nil {
		n.displayer = &LogDisplayer{logger: n.logger}
	}
	if n.opener == nil {
		n.opener = &logOpener{logger: n.logger}
	}
	return n
}

// Push parses a push payload and shows it.
func (n *Notifier) Push(ctx context.Context, payload []byte) (Notification, error) {
	note, err := ParsePayload(payload)
	if err != nil {
		telemetry.RecordNotification(ctx, "push", "malformed")
		return Notification{}, err
	}
	if err := n.Show(ctx, note); err != nil {
		return Notification{}, err
	}
	return note, nil
}

// Show displays note and remembers it until it is clicked.
func (n *Notifier) Show(ctx context.Context, note Notification) error {
	if err := n.displayer.Display(ctx, note); err != nil {
		telemetry.RecordNotification(ctx, "push", "error")
		return fmt.Errorf("showing notification: %w", err)
	}
	if note.Tag != "" {
		n.mu.Lock()
		n.open[note.Tag] = note
		n.mu.Unlock()
	}
	telemetry.RecordNotification(ctx, "push", "shown")
	return nil
}

// Click closes note and opens its url, "/" when empty. It returns the url
// that was opened.
func (n *Notifier) Click(ctx context.Context, note Notification) (string, error) {
	n.mu.Lock()
	delete(n.open, note.Tag)
	n.mu.Unlock()

	target := note.Data.URL
	if target == "" {
		target = DefaultURL
	}
	if err := n.opener.OpenWindow(ctx, target); err != nil {
		telemetry.RecordNotification(ctx, "click", "error")
		return "", fmt.Errorf("opening %s: %w", target, err)
	}
	telemetry.RecordNotification(ctx, "click", "opened")
	return target, nil
}

// Open returns the notifications shown and not yet clicked.
func (n *Notifier) Open() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, 0, len(n.open))
	for _, note := range n.open {
		out = append(out, note)
	}
	return out
}

// LogDisplayer writes notifications to the log.
type LogDisplayer struct {
	logger *slog.Logger
}

// NewLogDisplayer returns a Displayer that logs at info level.
func NewLogDisplayer(logger *slog.Logger) *LogDisplayer {
	return &LogDisplayer{logger: logger}
}

func (d *LogDisplayer) Display(ctx context.Context, note Notification) error {
	d.logger.InfoContext(ctx, "notification", "tag", note.Tag, "title", note.Title, "body", note.Body, "url", note.Data.URL)
	return nil
}

type logOpener struct {
	logger *slog.Logger
}

func (o *logOpener) OpenWindow(ctx context.Context, url string) error {
	o.logger.InfoContext(ctx, "open window", "url", url)
	return nil
}
