// Package outbox is the deferred write queue: mutating requests that failed
// while offline are stored and replayed when a sync is signalled.
package outbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	offlineedge "github.com/swaccha-ap/offline-edge"
	"github.com/swaccha-ap/offline-edge/telemetry"
	"go.etcd.io/bbolt"
)

// SyncTag is the sync event tag that triggers a replay.
const SyncTag = "sync-data"

// ErrNotFound is returned when no record has the requested id.
var ErrNotFound = errors.New("record not found")

var bucketOutbox = []byte("outbox")

// Record is a queued request.
type Record struct {
	ID        uint64      `json:"id"`
	URL       string      `json:"url"`
	Method    string      `json:"method"`
	Headers   http.Header `json:"headers"`
	Body      []byte      `json:"body,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Doer sends a request. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// ReplayResult counts the outcome of one replay.
type ReplayResult struct {
	Replayed int `json:"replayed"`
	Kept     int `json:"kept"`
}

// Outbox is a bbolt-backed queue. It is safe for concurrent use.
type Outbox struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Outbox) {
		o.logger = logger
	}
}

// WithNow sets the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Outbox) {
		o.now = now
	}
}

// WithNoSync disables fsync per transaction. Tests only.
func WithNoSync(noSync bool) Option {
	return func(o *Outbox) {
		o.noSync = noSync
	}
}

// Open opens or creates the queue database at path.
func Open(path string, opts ...Option) (*Outbox, error) {
	o := &Outbox{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "outbox")

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  o.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening outbox: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOutbox)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketOutbox, err)
	}
	o.db = db
	return o, nil
}

// Close closes the database.
func (o *Outbox) Close() error {
	if o.db == nil {
		return nil
	}
	return o.db.Close()
}

// idKey encodes id big-endian so bucket order is insertion order.
func idKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

// Enqueue stores rec under a new id and returns the id.
func (o *Outbox) Enqueue(ctx context.Context, rec Record) (uint64, error) {
	if rec.URL == "" {
		return 0, fmt.Errorf("record has no url")
	}
	if rec.Method == "" {
		rec.Method = http.MethodPost
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = o.now().UTC()
	}

	err := o.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec.ID = id
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(idKey(id), data)
	})
	if err != nil {
		return 0, fmt.Errorf("enqueueing record: %w", err)
	}

	o.logger.Info("queued request", "id", rec.ID, "method", rec.Method, "url", rec.URL)
	telemetry.RecordOutboxEnqueue(ctx)
	return rec.ID, nil
}

// List returns every record, oldest first.
func (o *Outbox) List(_ context.Context) ([]Record, error) {
	var records []Record
	err := o.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding record: %w", err)
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing outbox: %w", err)
	}
	return records, nil
}

// Get returns the record with id or ErrNotFound.
func (o *Outbox) Get(_ context.Context, id uint64) (Record, error) {
	var rec Record
	err := o.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketOutbox).Get(idKey(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	return rec, err
}

// Delete removes the record with id. Missing ids are not an error.
func (o *Outbox) Delete(_ context.Context, id uint64) error {
	err := o.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).Delete(idKey(id))
	})
	if err != nil {
		return fmt.Errorf("deleting record %d: %w", id, err)
	}
	return nil
}

// Len returns the number of queued records.
func (o *Outbox) Len(_ context.Context) (int, error) {
	n := 0
	err := o.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketOutbox).Stats().KeyN
		return nil
	})
	return n, err
}

// Replay sends every queued record once, oldest first and one at a time.
// A 2xx response deletes the record. Anything else is logged and the record
// stays for the next replay. Replay only fails when the queue cannot be read
// or ctx ends.
func (o *Outbox) Replay(ctx context.Context, client Doer) (ReplayResult, error) {
	var res ReplayResult

	records, err := o.List(ctx)
	if err != nil {
		return res, err
	}
	ctx = telemetry.WithRouteContext(ctx, "replay")

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			res.Kept += len(records) - res.Replayed - res.Kept
			telemetry.RecordOutboxReplay(ctx, res.Replayed, res.Kept)
			return res, err
		}
		if err := o.send(ctx, client, rec); err != nil {
			o.logger.Warn("replay failed", "id", rec.ID, "url", rec.URL, "error", err)
			res.Kept++
			continue
		}
		if err := o.Delete(ctx, rec.ID); err != nil {
			o.logger.Error("replayed record not removed", "id", rec.ID, "error", err)
			res.Kept++
			continue
		}
		o.logger.Info("replayed request", "id", rec.ID, "method", rec.Method, "url", rec.URL)
		res.Replayed++
	}

	telemetry.RecordOutboxReplay(ctx, res.Replayed, res.Kept)
	return res, nil
}

func (o *Outbox) send(ctx context.Context, client Doer, rec Record) error {
	var body io.Reader
	if len(rec.Body) > 0 {
		body = bytes.NewReader(rec.Body)
	}
	req, err := http.NewRequestWithContext(ctx, rec.Method, rec.URL, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range rec.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// CaptureRequest builds a record from r. Relative URLs resolve against
// origin. The body is read and put back so r can still be sent.
func CaptureRequest(r *http.Request, origin *url.URL) (Record, error) {
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return Record{}, fmt.Errorf("reading request body: %w", err)
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(data))
		body = data
	}

	header := r.Header.Clone()
	for _, h := range []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade", "Te", "Trailer", "Content-Length"} {
		header.Del(h)
	}

	return Record{
		URL:     offlineedge.Resolve(r.URL, origin).String(),
		Method:  r.Method,
		Headers: header,
		Body:    body,
	}, nil
}
