package cachestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	offlineedge "github.com/swaccha-ap/offline-edge"
	"github.com/swaccha-ap/offline-edge/backend"
	"github.com/swaccha-ap/offline-edge/telemetry"
	"go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"
)

// Cache is one named cache inside a Storage.
type Cache struct {
	name string
	s    *Storage
}

// record is the JSON value stored in the index for each request key.
type record struct {
	Status   int              `json:"status"`
	Header   http.Header      `json:"header"`
	Blob     offlineedge.Hash `json:"blob"`
	Size     int64            `json:"size"`
	Type     ResponseType     `json:"type"`
	StoredAt time.Time        `json:"stored_at"`
}

func decodeRecord(v []byte) (*record, error) {
	var rec record
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("decoding cache record: %w", err)
	}
	return &rec, nil
}

// Name returns the cache name.
func (c *Cache) Name() string {
	return c.name
}

// Match returns the response stored for key or ErrNotFound.
func (c *Cache) Match(ctx context.Context, key offlineedge.RequestKey) (*Response, error) {
	resp, err := c.match(ctx, key)
	switch {
	case err == nil:
		telemetry.RecordCacheLookup(ctx, c.name, telemetry.CacheHit)
	case errors.Is(err, ErrNotFound):
		telemetry.RecordCacheLookup(ctx, c.name, telemetry.CacheMiss)
	}
	return resp, err
}

func (c *Cache) match(ctx context.Context, key offlineedge.RequestKey) (*Response, error) {
	rec, err := c.lookup(key)
	if err != nil {
		return nil, err
	}

	_, body, err := c.s.blobs.ReadFramed(ctx, offlineedge.BlobStorageKey(rec.Blob))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			c.s.logger.Warn("cache entry without body", "cache", c.name, "key", key, "blob", rec.Blob.Short())
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading body for %s: %w", key, err)
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading body for %s: %w", key, err)
	}

	return &Response{
		Status:   rec.Status,
		Header:   rec.Header.Clone(),
		Body:     data,
		Type:     rec.Type,
		Hash:     rec.Blob,
		StoredAt: rec.StoredAt,
	}, nil
}

func (c *Cache) lookup(key offlineedge.RequestKey) (*record, error) {
	mk := memoKey(c.name, key)
	if v, ok := c.s.memo.Get(mk); ok {
		return v.(*record), nil
	}

	var rec *record
	err := c.s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCaches).Bucket([]byte(c.name))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		var err error
		rec, err = decodeRecord(v)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.s.memo.Set(mk, rec, gocache.NoExpiration)
	return rec, nil
}

// Put stores resp under key, replacing any earlier entry. A zero
// resp.Hash is computed from the body; a set one must match it.
func (c *Cache) Put(ctx context.Context, key offlineedge.RequestKey, resp *Response) error {
	c.s.sweepMu.RLock()
	defer c.s.sweepMu.RUnlock()

	hash := resp.Hash
	if hash.IsZero() {
		hash = offlineedge.HashBytes(resp.Body)
	}
	if err := c.writeBlob(ctx, hash, resp); err != nil {
		return err
	}

	rec := &record{
		Status:   resp.Status,
		Header:   resp.Header.Clone(),
		Blob:     hash,
		Size:     int64(len(resp.Body)),
		Type:     resp.Type,
		StoredAt: c.s.now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding cache record: %w", err)
	}

	err = c.s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCaches).Bucket([]byte(c.name))
		if b == nil {
			return fmt.Errorf("cache %s: %w", c.name, ErrNotFound)
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("storing %s in %s: %w", key, c.name, err)
	}

	c.s.memo.Set(memoKey(c.name, key), rec, gocache.NoExpiration)
	telemetry.RecordCacheWrite(ctx, c.name)
	return nil
}

// writeBlob stores the body unless a blob with the same hash already exists.
func (c *Cache) writeBlob(ctx context.Context, hash offlineedge.Hash, resp *Response) error {
	key := offlineedge.BlobStorageKey(hash)
	exists, err := c.s.blobs.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("checking blob: %w", err)
	}
	if exists {
		return nil
	}

	header := &backend.BlobHeader{
		ContentType: resp.ContentType(),
		Size:        int64(len(resp.Body)),
		ContentHash: hash.String(),
		CachedAt:    c.s.now().UTC().Format(time.RFC3339),
	}
	if len(resp.Body) >= c.s.minZstd && compressible(header.ContentType) {
		header.ContentEncoding = backend.EncodingZstd
	}
	if err := c.s.blobs.WriteFramed(ctx, key, header, bytes.NewReader(resp.Body)); err != nil {
		return fmt.Errorf("writing blob %s: %w", hash.Short(), err)
	}
	return nil
}

// FetchFunc retrieves the response for key from the network.
type FetchFunc func(ctx context.Context, key offlineedge.RequestKey) (*Response, error)

// AddAll fetches every key and stores the responses. If any fetch fails or
// returns a non-2xx status nothing is stored.
func (c *Cache) AddAll(ctx context.Context, keys []offlineedge.RequestKey, fetch FetchFunc) error {
	responses := make([]*Response, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, key := range keys {
		g.Go(func() error {
			resp, err := fetch(gctx, key)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", key.URL(), err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetching %s: unexpected status %d", key.URL(), resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, key := range keys {
		if err := c.Put(ctx, key, responses[i]); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the entry for key and reports whether it existed.
func (c *Cache) Delete(_ context.Context, key offlineedge.RequestKey) (bool, error) {
	var existed bool
	err := c.s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCaches).Bucket([]byte(c.name))
		if b == nil || b.Get([]byte(key)) == nil {
			return nil
		}
		existed = true
		return b.Delete([]byte(key))
	})
	if err != nil {
		return false, fmt.Errorf("deleting %s from %s: %w", key, c.name, err)
	}
	c.s.memo.Delete(memoKey(c.name, key))
	return existed, nil
}

// Keys returns every request key in the cache in key order.
func (c *Cache) Keys(_ context.Context) ([]offlineedge.RequestKey, error) {
	var keys []offlineedge.RequestKey
	err := c.s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCaches).Bucket([]byte(c.name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, offlineedge.RequestKey(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing keys of %s: %w", c.name, err)
	}
	return keys, nil
}

// ContainsAll reports whether every key has an entry.
func (c *Cache) ContainsAll(_ context.Context, keys []offlineedge.RequestKey) (bool, error) {
	all := true
	err := c.s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCaches).Bucket([]byte(c.name))
		if b == nil {
			all = false
			return nil
		}
		for _, k := range keys {
			if b.Get([]byte(k)) == nil {
				all = false
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("checking keys of %s: %w", c.name, err)
	}
	return all, nil
}

// Len returns the number of entries.
func (c *Cache) Len(_ context.Context) (int, error) {
	n := 0
	err := c.s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucketCaches).Bucket([]byte(c.name)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

func compressible(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch {
	case strings.HasPrefix(mt, "text/"):
		return true
	case strings.HasSuffix(mt, "+xml"), strings.HasSuffix(mt, "+json"):
		return true
	}
	switch mt {
	case "application/javascript", "application/json", "application/xml",
		"application/manifest+json", "application/wasm", "font/ttf", "font/otf":
		return true
	}
	return false
}
