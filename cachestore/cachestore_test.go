package cachestore

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	offlineedge "github.com/swaccha-ap/offline-edge"
	"github.com/swaccha-ap/offline-edge/backend"
)

var testOrigin = &url.URL{Scheme: "https", Host: "dash.example"}

func newTestStorage(t *testing.T) (*Storage, *backend.Filesystem) {
	t.Helper()
	dir := t.TempDir()
	fs, err := backend.NewFilesystem(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := Open(filepath.Join(dir, "index.db"), fs,
		WithNoSync(true),
		WithNow(func() time.Time { return now }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, fs
}

func key(t *testing.T, path string) offlineedge.RequestKey {
	t.Helper()
	u, err := url.Parse(path)
	require.NoError(t, err)
	k, err := offlineedge.NewRequestKey(http.MethodGet, u, testOrigin)
	require.NoError(t, err)
	return k
}

func textResponse(body string) *Response {
	return &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/css"}},
		Body:   []byte(body),
		Type:   TypeBasic,
	}
}

func TestStorage_OpenHasNamesDelete(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	ok, err := s.Has(ctx, "swaccha-ap-cache-v1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Open(ctx, "swaccha-ap-cache-v1")
	require.NoError(t, err)
	_, err = s.Open(ctx, "swaccha-ap-cache-v0")
	require.NoError(t, err)

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"swaccha-ap-cache-v0", "swaccha-ap-cache-v1"}, names)

	existed, err := s.Delete(ctx, "swaccha-ap-cache-v0")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Delete(ctx, "swaccha-ap-cache-v0")
	require.NoError(t, err)
	assert.False(t, existed)

	names, err = s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"swaccha-ap-cache-v1"}, names)
}

func TestStorage_OpenEmptyName(t *testing.T) {
	s, _ := newTestStorage(t)
	_, err := s.Open(context.Background(), "")
	require.Error(t, err)
}

func TestCache_PutMatch(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	c, err := s.Open(ctx, "v1")
	require.NoError(t, err)

	k := key(t, "/assets/styles.css")
	require.NoError(t, c.Put(ctx, k, textResponse("body{}")))

	got, err := c.Match(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, got.Status)
	assert.Equal(t, "body{}", string(got.Body))
	assert.Equal(t, "text/css", got.ContentType())
	assert.Equal(t, TypeBasic, got.Type)
	assert.Equal(t, offlineedge.HashBytes([]byte("body{}")), got.Hash)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), got.StoredAt)
}

func TestCache_MatchMissing(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	c, err := s.Open(ctx, "v1")
	require.NoError(t, err)

	_, err = c.Match(ctx, key(t, "/nope"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCache_PutIsLastWriteWins(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	c, err := s.Open(ctx, "v1")
	require.NoError(t, err)

	k := key(t, "/assets/js/main.js")
	require.NoError(t, c.Put(ctx, k, textResponse("one")))
	require.NoError(t, c.Put(ctx, k, textResponse("two")))

	got, err := c.Match(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got.Body))

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []offlineedge.RequestKey{k}, keys)
}

func TestCache_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	fs, err := backend.NewFilesystem(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	ctx := context.Background()

	s, err := Open(filepath.Join(dir, "index.db"), fs, WithNoSync(true))
	require.NoError(t, err)
	c, err := s.Open(ctx, "v1")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, key(t, "/offline.html"), textResponse("<h1>offline</h1>")))
	require.NoError(t, s.Close())

	s, err = Open(filepath.Join(dir, "index.db"), fs, WithNoSync(true))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	c, err = s.Open(ctx, "v1")
	require.NoError(t, err)

	got, err := c.Match(ctx, key(t, "/offline.html"))
	require.NoError(t, err)
	assert.Equal(t, "<h1>offline</h1>", string(got.Body))
}

func TestCache_CompressesLargeText(t *testing.T) {
	s, fs := newTestStorage(t)
	ctx := context.Background()
	c, err := s.Open(ctx, "v1")
	require.NoError(t, err)

	body := strings.Repeat(".card { color: #2D5E40; }\n", 200)
	resp := textResponse(body)
	require.NoError(t, c.Put(ctx, key(t, "/assets/styles.css"), resp))

	header, rc, err := fs.ReadFramed(ctx, offlineedge.BlobStorageKey(offlineedge.HashBytes([]byte(body))))
	require.NoError(t, err)
	_ = rc.Close()
	assert.Equal(t, backend.EncodingZstd, header.ContentEncoding)
	assert.EqualValues(t, len(body), header.Size)

	got, err := c.Match(ctx, key(t, "/assets/styles.css"))
	require.NoError(t, err)
	assert.Equal(t, body, string(got.Body))
}

func TestCache_StoresImagesUncompressed(t *testing.T) {
	s, fs := newTestStorage(t)
	ctx := context.Background()
	c, err := s.Open(ctx, "v1")
	require.NoError(t, err)

	body := bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 512)
	resp := &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"image/png"}},
		Body:   body,
		Type:   TypeBasic,
	}
	require.NoError(t, c.Put(ctx, key(t, "/assets/img/logo.png"), resp))

	header, rc, err := fs.ReadFramed(ctx, offlineedge.BlobStorageKey(offlineedge.HashBytes(body)))
	require.NoError(t, err)
	_ = rc.Close()
	assert.Equal(t, backend.EncodingIdentity, header.ContentEncoding)
}

func TestCache_DeleteAndKeys(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	c, err := s.Open(ctx, "v1")
	require.NoError(t, err)

	a, b := key(t, "/a.css"), key(t, "/b.css")
	require.NoError(t, c.Put(ctx, a, textResponse("a")))
	require.NoError(t, c.Put(ctx, b, textResponse("b")))

	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	existed, err := c.Delete(ctx, a)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = c.Delete(ctx, a)
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = c.Match(ctx, a)
	require.ErrorIs(t, err, ErrNotFound)

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []offlineedge.RequestKey{b}, keys)
}

func TestCache_DeletedCacheMissesFromMemo(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	c, err := s.Open(ctx, "v1")
	require.NoError(t, err)

	k := key(t, "/a.css")
	require.NoError(t, c.Put(ctx, k, textResponse("a")))
	_, err = c.Match(ctx, k)
	require.NoError(t, err)

	_, err = s.Delete(ctx, "v1")
	require.NoError(t, err)

	_, err = c.Match(ctx, k)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCache_AddAll(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	c, err := s.Open(ctx, "v1")
	require.NoError(t, err)

	keys := []offlineedge.RequestKey{key(t, "/"), key(t, "/offline.html"), key(t, "/assets/styles.css")}
	var calls atomic.Int32
	fetch := func(_ context.Context, k offlineedge.RequestKey) (*Response, error) {
		calls.Add(1)
		return textResponse("content of " + k.URL()), nil
	}

	require.NoError(t, c.AddAll(ctx, keys, fetch))
	assert.EqualValues(t, 3, calls.Load())

	for _, k := range keys {
		got, err := c.Match(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, "content of "+k.URL(), string(got.Body))
	}
}

func TestCache_AddAllIsAllOrNothing(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		fetch FetchFunc
	}{
		{
			name: "non-ok status",
			fetch: func(_ context.Context, k offlineedge.RequestKey) (*Response, error) {
				if strings.HasSuffix(k.URL(), "/missing.png") {
					return &Response{Status: http.StatusNotFound, Header: http.Header{}}, nil
				}
				return textResponse("ok"), nil
			},
		},
		{
			name: "network error",
			fetch: func(_ context.Context, k offlineedge.RequestKey) (*Response, error) {
				if strings.HasSuffix(k.URL(), "/missing.png") {
					return nil, errors.New("connection refused")
				}
				return textResponse("ok"), nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := s.Open(ctx, "v-"+tt.name)
			require.NoError(t, err)

			keys := []offlineedge.RequestKey{key(t, "/"), key(t, "/missing.png")}
			err = c.AddAll(ctx, keys, tt.fetch)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "missing.png")

			n, err := c.Len(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestStorage_SweepRemovesUnreferencedBlobs(t *testing.T) {
	s, fs := newTestStorage(t)
	ctx := context.Background()

	old, err := s.Open(ctx, "v0")
	require.NoError(t, err)
	cur, err := s.Open(ctx, "v1")
	require.NoError(t, err)

	require.NoError(t, old.Put(ctx, key(t, "/a.css"), textResponse("old a")))
	require.NoError(t, old.Put(ctx, key(t, "/shared.css"), textResponse("shared")))
	require.NoError(t, cur.Put(ctx, key(t, "/shared.css"), textResponse("shared")))
	require.NoError(t, cur.Put(ctx, key(t, "/b.css"), textResponse("new b")))

	_, err = s.Delete(ctx, "v0")
	require.NoError(t, err)

	swept, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	exists, err := fs.Exists(ctx, offlineedge.BlobStorageKey(offlineedge.HashBytes([]byte("old a"))))
	require.NoError(t, err)
	assert.False(t, exists)

	for _, path := range []string{"/shared.css", "/b.css"} {
		_, err := cur.Match(ctx, key(t, path))
		require.NoError(t, err, path)
	}

	swept, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestCache_MatchWithSweptBodyIsMiss(t *testing.T) {
	s, fs := newTestStorage(t)
	ctx := context.Background()
	c, err := s.Open(ctx, "v1")
	require.NoError(t, err)

	k := key(t, "/a.css")
	require.NoError(t, c.Put(ctx, k, textResponse("a")))
	require.NoError(t, fs.Delete(ctx, offlineedge.BlobStorageKey(offlineedge.HashBytes([]byte("a")))))

	_, err = c.Match(ctx, k)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCompressible(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"text/css", true},
		{"text/html; charset=utf-8", true},
		{"application/javascript", true},
		{"image/svg+xml", true},
		{"application/json", true},
		{"image/png", false},
		{"font/woff2", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, compressible(tt.contentType), tt.contentType)
	}
}

func TestCache_ContainsAll(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	c, err := s.Open(ctx, "swaccha-ap-cache-v1")
	require.NoError(t, err)

	ok, err := c.ContainsAll(ctx, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Put(ctx, key(t, "/assets/styles.css"), textResponse("body{}")))

	ok, err = c.ContainsAll(ctx, []offlineedge.RequestKey{key(t, "/assets/styles.css")})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ContainsAll(ctx, []offlineedge.RequestKey{key(t, "/assets/styles.css"), key(t, "/offline.html")})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Delete(ctx, "swaccha-ap-cache-v1")
	require.NoError(t, err)
	ok, err = c.ContainsAll(ctx, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_PutKeepsSnapshotHash(t *testing.T) {
	s, fs := newTestStorage(t)
	ctx := context.Background()
	c, err := s.Open(ctx, "swaccha-ap-cache-v1")
	require.NoError(t, err)

	resp := textResponse("body{}")
	resp.Hash = offlineedge.HashBytes(resp.Body)
	require.NoError(t, c.Put(ctx, key(t, "/assets/styles.css"), resp))

	ok, err := fs.Exists(ctx, offlineedge.BlobStorageKey(resp.Hash))
	require.NoError(t, err)
	assert.True(t, ok)
}
