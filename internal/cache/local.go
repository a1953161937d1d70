package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"guidefetch/internal/core"
)

const (
	entryExt    = ".entry"
	lockStripes = 64
)

var safeID = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,127}$`)

// LocalStore implements Store using one file per entry under a root directory.
// This is suitable for single-host deployments.
type LocalStore struct {
	root  string
	codec Codec
	locks [lockStripes]sync.Mutex
}

// NewLocalStore creates a file-based store rooted at dir.
func NewLocalStore(dir string, codec Codec) (*LocalStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	for _, c := range core.Categories {
		if err := os.MkdirAll(filepath.Join(dir, string(c)), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	return &LocalStore{root: dir, codec: codec}, nil
}

// Root returns the cache directory.
func (s *LocalStore) Root() string {
	return s.root
}

// fileName maps an id to a file name. Ids that are not safe as file names are
// stored under their hash.
func fileName(id string) string {
	if safeID.MatchString(id) {
		return id + entryExt
	}
	return "h-" + strconv.FormatUint(xxhash.Sum64String(id), 16) + entryExt
}

func (s *LocalStore) path(key core.Key) (string, error) {
	if !key.Category.Valid() {
		return "", fmt.Errorf("unknown category %q", key.Category)
	}
	if key.ID == "" {
		return "", fmt.Errorf("empty key id")
	}
	return filepath.Join(s.root, string(key.Category), fileName(key.ID)), nil
}

func (s *LocalStore) lock(key core.Key) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(key.String())%lockStripes]
}

// Get retrieves an entry from its file.
func (s *LocalStore) Get(ctx context.Context, key core.Key) (*Entry, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		return nil, err
	}
	if entry.Key != key {
		return nil, fmt.Errorf("%w: key mismatch %s", ErrCorrupt, entry.Key)
	}
	return entry, nil
}

// Stat reads only the entry header.
func (s *LocalStore) Stat(ctx context.Context, key core.Key) (*Meta, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	meta, err := readMeta(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if meta.Corrupt {
		return nil, fmt.Errorf("%w: unreadable header", ErrCorrupt)
	}
	return meta, nil
}

// Put writes the entry atomically using a temp file and rename.
func (s *LocalStore) Put(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("nil entry")
	}
	p, err := s.path(entry.Key)
	if err != nil {
		return err
	}

	data, err := encodeEntry(entry, s.codec)
	if err != nil {
		return err
	}

	mu := s.lock(entry.Key)
	mu.Lock()
	defer mu.Unlock()

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}

// Delete removes the entry file.
func (s *LocalStore) Delete(ctx context.Context, key core.Key) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()

	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete cache file: %w", err)
	}
	return nil
}

// List scans the category directory. Entries whose header cannot be read are
// reported with Corrupt set when their id can be recovered from the file name.
func (s *LocalStore) List(ctx context.Context, category core.Category) ([]Meta, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("unknown category %q", category)
	}
	dir := filepath.Join(s.root, string(category))

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list cache directory: %w", err)
	}

	metas := make([]Meta, 0, len(entries))
	for _, de := range entries {
		if err := ctx.Err(); err != nil {
			return metas, err
		}
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, entryExt) {
			continue
		}

		meta, err := readMeta(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return metas, err
		}
		if meta.Corrupt {
			id := strings.TrimSuffix(name, entryExt)
			if strings.HasPrefix(id, "h-") {
				slog.Warn("skipping unreadable cache file", "path", filepath.Join(dir, name))
				continue
			}
			meta.Key = core.Key{Category: category, ID: id}
		}
		metas = append(metas, *meta)
	}
	return metas, nil
}

// Close is a no-op for the local store.
func (s *LocalStore) Close() error {
	return nil
}

func readMeta(p string) (*Meta, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat cache file: %w", err)
	}

	buf := make([]byte, headerLimit)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	h, err := decodeHeader(buf[:n])
	if err != nil {
		return &Meta{Size: info.Size(), FetchedAt: info.ModTime(), Corrupt: true}, nil
	}
	return &Meta{Key: h.key, FetchedAt: h.fetchedAt, Size: info.Size()}, nil
}
