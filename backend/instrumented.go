package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/swaccha-ap/offline-edge/telemetry"
)

// Instrumented records an operation metric for every call to the wrapped backend.
type Instrumented struct {
	backend Backend
	name    string
}

// NewInstrumented wraps b; name labels the metrics.
func NewInstrumented(b Backend, name string) *Instrumented {
	return &Instrumented{backend: b, name: name}
}

func (ib *Instrumented) record(ctx context.Context, op string, start time.Time, err error, n int64) {
	telemetry.RecordBackendOp(ctx, ib.name, op, outcomeFromError(err), time.Since(start), n)
}

func (ib *Instrumented) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	ib.record(ctx, "write", start, err, cr.n)
	return err
}

func (ib *Instrumented) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	ib.record(ctx, "read", start, err, 0)
	return rc, err
}

func (ib *Instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	ib.record(ctx, "delete", start, err, 0)
	return err
}

func (ib *Instrumented) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := ib.backend.Exists(ctx, key)
	ib.record(ctx, "exists", start, err, 0)
	return ok, err
}

func (ib *Instrumented) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	ib.record(ctx, "list", start, err, 0)
	return keys, err
}

// WriteFramed delegates to the wrapped backend when it supports framing.
func (ib *Instrumented) WriteFramed(ctx context.Context, key string, header *BlobHeader, body io.Reader) error {
	fb, ok := ib.backend.(FramedBackend)
	if !ok {
		return fmt.Errorf("backend %s does not support framed writes", ib.name)
	}
	start := time.Now()
	cr := &countingReader{r: body}
	err := fb.WriteFramed(ctx, key, header, cr)
	ib.record(ctx, "write_framed", start, err, cr.n)
	return err
}

// ReadFramed delegates to the wrapped backend when it supports framing.
func (ib *Instrumented) ReadFramed(ctx context.Context, key string) (*BlobHeader, io.ReadCloser, error) {
	fb, ok := ib.backend.(FramedBackend)
	if !ok {
		return nil, nil, fmt.Errorf("backend %s does not support framed reads", ib.name)
	}
	start := time.Now()
	header, rc, err := fb.ReadFramed(ctx, key)
	ib.record(ctx, "read_framed", start, err, 0)
	return header, rc, err
}

// Unwrap returns the wrapped backend.
func (ib *Instrumented) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

var _ FramedBackend = (*Instrumented)(nil)
