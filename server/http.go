// Package server provides the HTTP edge in front of the origin. Page requests
// are handed to the controlling router worker; /_edge/ exposes control and
// observability endpoints.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/swaccha-ap/offline-edge/notify"
	"github.com/swaccha-ap/offline-edge/outbox"
	"github.com/swaccha-ap/offline-edge/registration"
	"github.com/swaccha-ap/offline-edge/router"
	"github.com/swaccha-ap/offline-edge/telemetry"
)

// QueueHeader marks a mutating request that may be deferred to the outbox
// when the network is down.
const QueueHeader = "X-Offline-Queue"

const (
	controlPrefix = "/_edge/"
	maxBodySize   = 1 << 20
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Origin is the site the edge serves. Relative request URLs resolve
	// against it.
	Origin *url.URL

	// Registration hosts the router workers. Required.
	Registration *registration.Registration

	// Outbox receives deferred writes. Nil disables queueing.
	Outbox *outbox.Outbox

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP edge.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	reg        *registration.Registration
	outbox     *outbox.Outbox

	// streams is cancelled when shutdown starts, ending event streams.
	streams     context.Context
	stopStreams context.CancelFunc
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.Origin == nil || !cfg.Origin.IsAbs() {
		return nil, errors.New("origin must be an absolute url")
	}
	if cfg.Registration == nil {
		return nil, errors.New("registration is required")
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		reg:    cfg.Registration,
		outbox: cfg.Outbox,
	}
	s.streams, s.stopStreams = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	s.httpServer.RegisterOnShutdown(s.stopStreams)

	return s, nil
}

// Handler returns the server's root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /_edge/health", s.handleHealth)
	mux.HandleFunc("GET /_edge/stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /_edge/metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("POST /_edge/message", s.handleMessage)
	mux.HandleFunc("POST /_edge/sync", s.handleSync)
	mux.HandleFunc("POST /_edge/push", s.handlePush)
	mux.HandleFunc("POST /_edge/notificationclick", s.handleNotificationClick)
	mux.HandleFunc("GET /_edge/outbox", s.handleOutbox)
	mux.HandleFunc("GET /_edge/events", s.handleEvents)
	mux.HandleFunc(controlPrefix, http.NotFound)

	// Everything else is a fetch event.
	mux.HandleFunc("/", s.handleFetch)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statsResponse struct {
	Version     string `json:"version,omitempty"`
	CacheName   string `json:"cache_name,omitempty"`
	State       string `json:"state"`
	Entries     int    `json:"entries"`
	Waiting     string `json:"waiting,omitempty"`
	OutboxDepth int    `json:"outbox_depth"`
}

// handleStats reports the controlling version, its cache and the outbox depth.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats := statsResponse{State: "none"}

	if c := s.reg.Controller(); c != nil {
		n, err := c.EntryCount(ctx)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		stats.Version = c.Version()
		stats.CacheName = c.CacheName()
		stats.State = c.State().String()
		stats.Entries = n
	}
	if wt := s.reg.Waiting(); wt != nil {
		stats.Waiting = wt.Version()
	}
	if s.outbox != nil {
		n, err := s.outbox.Len(ctx)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		stats.OutboxDepth = n
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg registration.Message
	if err := decodeJSON(r, &msg); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.reg.PostMessage(r.Context(), msg); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("missing tag"))
		return
	}

	res, err := s.reg.Sync(r.Context(), tag)
	switch {
	case errors.Is(err, registration.ErrNoOutbox):
		s.writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	note, err := s.reg.Push(r.Context(), payload)
	switch {
	case errors.Is(err, notify.ErrMalformedPayload):
		s.writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var note notify.Notification
	if err := decodeJSON(r, &note); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	target, err := s.reg.NotificationClick(r.Context(), note)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": target})
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	if s.outbox == nil {
		s.writeError(w, http.StatusNotFound, registration.ErrNoOutbox)
		return
	}
	records, err := s.outbox.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []outbox.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

type eventData struct {
	Version  string `json:"version"`
	Previous string `json:"previous,omitempty"`
}

// handleEvents streams lifecycle events to pages as server-sent events. The
// event name is the event type: updateavailable or controllerchange.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	events, unsubscribe := s.reg.Subscribe(16)
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	if err := rc.Flush(); err != nil {
		s.logger.Warn("event stream not flushable", "error", err)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.streams.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(eventData{Version: ev.Version, Previous: ev.Previous})
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// handleFetch hands a page request to the controlling worker once one has
// activated.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	select {
	case <-s.reg.Ready():
	case <-ctx.Done():
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("waiting for an active worker: %w", ctx.Err()))
		return
	}

	queueable := s.queueable(r)
	var captured outbox.Record
	if queueable {
		if r.Body != nil && r.Body != http.NoBody {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		}
		rec, err := outbox.CaptureRequest(r, s.config.Origin)
		if err != nil {
			status := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			s.writeError(w, status, err)
			return
		}
		captured = rec
	}

	resp, err := s.fetch(ctx, r)
	if queueable && networkFailed(ctx, err) {
		if resp != nil {
			_ = resp.Body.Close()
		}
		s.enqueue(w, r, captured)
		return
	}
	if err != nil {
		s.logger.Warn("fetch failed", "method", r.Method, "url", r.URL.String(), "error", err)
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	defer resp.Body.Close()

	copyResponse(w, resp)
}

// fetch runs r through the controlling worker. A fetch that races a
// controller change is retried once on the new controller.
func (s *Server) fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		c := s.reg.Controller()
		if c == nil {
			return nil, router.ErrNotActive
		}
		resp, err := c.Fetch(ctx, r)
		if errors.Is(err, router.ErrNotActive) && attempt == 0 && s.reg.Controller() != c {
			continue
		}
		return resp, err
	}
}

// queueable reports whether r is a mutating dynamic request that asked to
// be deferred.
func (s *Server) queueable(r *http.Request) bool {
	if s.outbox == nil || r.Header.Get(QueueHeader) != "1" {
		return false
	}
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return false
	}
	c := s.reg.Controller()
	return c != nil && c.Classify(r) == router.RouteDynamic
}

// networkFailed reports whether the fetch never reached the network: it
// either failed or was answered with the offline page.
func networkFailed(ctx context.Context, err error) bool {
	if err != nil {
		return !errors.Is(err, router.ErrNotActive)
	}
	tags := telemetry.TagsFromContext(ctx)
	return tags != nil && tags.Served == "offline_page"
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, rec outbox.Record) {
	rec.Headers.Del(QueueHeader)
	id, err := s.outbox.Enqueue(r.Context(), rec)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("request queued", "id", id, "method", rec.Method, "url", rec.URL)
	writeJSON(w, http.StatusAccepted, map[string]uint64{"queued": id})
}

// hopHeaders are not copied from upstream responses.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	h := w.Header()
	for k, v := range resp.Header {
		h[k] = append([]string(nil), v...)
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != nil {
		_, _ = io.Copy(w, resp.Body)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so the worker can set route, cache result and source.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		if strings.HasPrefix(r.URL.Path, controlPrefix) {
			tags.Route = "control"
		}

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add worker-set tags
		if tags.Route != "" {
			attrs = append(attrs, "route", tags.Route)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if tags.Served != "" {
			attrs = append(attrs, "served", tags.Served)
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address, "origin", s.config.Origin.String())
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
