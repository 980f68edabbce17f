// Package cachestore implements named response caches: a bbolt index of
// request keys to response records, with bodies held as framed blobs in a
// backend.
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	offlineedge "github.com/swaccha-ap/offline-edge"
	"github.com/swaccha-ap/offline-edge/backend"
	"go.etcd.io/bbolt"
)

// ErrNotFound is returned when a cache or an entry does not exist.
var ErrNotFound = errors.New("not found")

var bucketCaches = []byte("caches")

// Storage holds every named cache. It is safe for concurrent use.
type Storage struct {
	db      *bbolt.DB
	blobs   backend.FramedBackend
	memo    *gocache.Cache
	logger  *slog.Logger
	now     func() time.Time
	noSync  bool
	minZstd int

	// sweepMu keeps Sweep from deleting a blob between a Put's blob write
	// and its index update.
	sweepMu sync.RWMutex
}

// Option configures a Storage.
type Option func(*Storage)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Storage) {
		s.logger = logger
	}
}

// WithNow sets the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Storage) {
		s.now = now
	}
}

// WithNoSync disables fsync per transaction. Tests only.
func WithNoSync(noSync bool) Option {
	return func(s *Storage) {
		s.noSync = noSync
	}
}

// WithCompressionThreshold sets the body size from which compressible
// content is stored zstd-compressed.
func WithCompressionThreshold(n int) Option {
	return func(s *Storage) {
		s.minZstd = n
	}
}

// Open opens the index database at path and stores bodies in blobs.
func Open(path string, blobs backend.FramedBackend, opts ...Option) (*Storage, error) {
	s := &Storage{
		blobs:   blobs,
		memo:    gocache.New(gocache.NoExpiration, 0),
		logger:  slog.Default(),
		now:     time.Now,
		minZstd: 1024,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "cachestore")

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening cache index: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCaches)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketCaches, err)
	}
	s.db = db

	s.logger.Debug("opened cache index", "path", path)
	return s, nil
}

// Close closes the index database.
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	s.memo.Flush()
	return s.db.Close()
}

// Open returns the named cache, creating it when missing.
func (s *Storage) Open(_ context.Context, name string) (*Cache, error) {
	if name == "" {
		return nil, fmt.Errorf("empty cache name")
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.Bucket(bucketCaches).CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating cache %s: %w", name, err)
	}
	return &Cache{name: name, s: s}, nil
}

// Has reports whether the named cache exists.
func (s *Storage) Has(_ context.Context, name string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		ok = tx.Bucket(bucketCaches).Bucket([]byte(name)) != nil
		return nil
	})
	return ok, err
}

// Names returns every cache name in sorted order.
func (s *Storage) Names(_ context.Context) ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCaches).ForEachBucket(func(k []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing caches: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the named cache and reports whether it existed.
// Bodies are left for Sweep.
func (s *Storage) Delete(_ context.Context, name string) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketCaches)
		if root.Bucket([]byte(name)) == nil {
			return nil
		}
		existed = true
		return root.DeleteBucket([]byte(name))
	})
	if err != nil {
		return false, fmt.Errorf("deleting cache %s: %w", name, err)
	}
	if existed {
		s.memo.Flush()
		s.logger.Debug("deleted cache", "cache", name)
	}
	return existed, nil
}

// Sweep deletes every blob that no entry in any cache references and
// returns how many were removed.
func (s *Storage) Sweep(ctx context.Context) (int, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	live := make(map[offlineedge.Hash]struct{})
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketCaches)
		return root.ForEachBucket(func(name []byte) error {
			return root.Bucket(name).ForEach(func(_, v []byte) error {
				rec, err := decodeRecord(v)
				if err != nil {
					return err
				}
				live[rec.Blob] = struct{}{}
				return nil
			})
		})
	})
	if err != nil {
		return 0, fmt.Errorf("collecting live blobs: %w", err)
	}

	keys, err := s.blobs.List(ctx, offlineedge.BlobPrefix)
	if err != nil {
		return 0, fmt.Errorf("listing blobs: %w", err)
	}

	swept := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		h, err := offlineedge.ParseBlobStorageKey(key)
		if err != nil {
			s.logger.Warn("skipping unrecognised blob key", "key", key)
			continue
		}
		if _, ok := live[h]; ok {
			continue
		}
		if err := s.blobs.Delete(ctx, key); err != nil {
			return swept, fmt.Errorf("deleting blob %s: %w", h.Short(), err)
		}
		swept++
	}

	if swept > 0 {
		s.logger.Info("swept unreferenced blobs", "count", swept, "live", len(live))
	}
	return swept, nil
}

func memoKey(cache string, key offlineedge.RequestKey) string {
	return cache + "\x00" + string(key)
}
