package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const tmpPrefix = ".tmp-"

// Filesystem implements Backend on a local directory.
// Writes go to a temp file in the target directory and are renamed into place.
type Filesystem struct {
	root string
}

// NewFilesystem creates a backend rooted at root, creating the directory.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory.
func (fs *Filesystem) Root() string {
	return fs.root
}

// Write stores data at key atomically.
func (fs *Filesystem) Write(_ context.Context, key string, r io.Reader) error {
	return fs.commit(key, func(w io.Writer) error {
		if _, err := io.Copy(w, r); err != nil {
			return fmt.Errorf("writing data: %w", err)
		}
		return nil
	})
}

// WriteFramed stores body at key with a framing header.
func (fs *Filesystem) WriteFramed(_ context.Context, key string, header *BlobHeader, body io.Reader) error {
	return fs.commit(key, func(w io.Writer) error {
		return WriteFramed(w, header, body)
	})
}

// commit runs fill against a temp file next to key's path and renames it
// into place once fill succeeds and the data is synced.
func (fs *Filesystem) commit(key string, fill func(io.Writer) error) error {
	path := fs.keyToPath(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := fill(tmp); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	committed = true
	return nil
}

// Read opens the data at key.
func (fs *Filesystem) Read(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(fs.keyToPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// ReadFramed opens key and decodes its framing header.
func (fs *Filesystem) ReadFramed(ctx context.Context, key string) (*BlobHeader, io.ReadCloser, error) {
	f, err := fs.Read(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	header, body, err := ReadFramed(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("reading framed blob %s: %w", key, err)
	}
	return header, &framedBody{Reader: body, closers: []io.Closer{body, f}}, nil
}

// Delete removes key.
func (fs *Filesystem) Delete(_ context.Context, key string) error {
	if err := os.Remove(fs.keyToPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists reports whether key is present.
func (fs *Filesystem) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(fs.keyToPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// List returns every key under prefix, skipping in-flight temp files.
func (fs *Filesystem) List(_ context.Context, prefix string) ([]string, error) {
	dir := fs.keyToPath(prefix)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(fs.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

func (fs *Filesystem) keyToPath(key string) string {
	return filepath.Join(fs.root, filepath.FromSlash(key))
}

// framedBody closes the decoder and the underlying file together.
type framedBody struct {
	io.Reader
	closers []io.Closer
}

func (b *framedBody) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var (
	_ Backend       = (*Filesystem)(nil)
	_ FramedBackend = (*Filesystem)(nil)
)
