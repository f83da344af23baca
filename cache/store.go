// Package cache provides the content-addressed on-disk store for
// collection blobs and the mounted archive view over them.
package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	artifactsync "github.com/wolfeidau/artifact-sync"
	"github.com/wolfeidau/artifact-sync/telemetry"
)

// Store is the on-disk cache of one blob per collection. Layout: one
// flat file per collection directly under the root, named by the
// collection's cache key, no extension, no subdirectories. Writes are
// atomic using a temp file and rename, so a reader never observes a
// partially written blob; when concurrent writes race for the same key,
// exactly one rename wins and the survivor is always complete.
type Store struct {
	root   string
	logger *slog.Logger
	group  singleflight.Group

	mu      sync.Mutex
	handles map[artifactsync.CacheKey]*Archive
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a store rooted at the given path. The directory is
// created if it does not exist.
func NewStore(root string, opts ...StoreOption) (*Store, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving cache root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating cache root: %w", err)
	}
	s := &Store{
		root:    absRoot,
		logger:  slog.Default(),
		handles: make(map[artifactsync.CacheKey]*Archive),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns the on-disk path for a collection's blob.
func (s *Store) Path(id artifactsync.CollectionID) string {
	return filepath.Join(s.root, string(id.Key()))
}

// Initialize persists the blob for a collection. With a nil source it
// attaches lazily, failing with ErrCacheMiss when no blob exists on
// disk. With a source it writes atomically: data streams to a temp
// file which is renamed into place only when complete.
func (s *Store) Initialize(ctx context.Context, id artifactsync.CollectionID, source io.Reader) error {
	path := s.Path(id)

	if source == nil {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				telemetry.RecordCacheOp(ctx, "initialize", "miss")
				return fmt.Errorf("attaching %s: %w", id, artifactsync.ErrCacheMiss)
			}
			return fmt.Errorf("checking blob: %w", err)
		}
		telemetry.RecordCacheOp(ctx, "initialize", "attached")
		return nil
	}

	tmp, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// Clean up temp file on error
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmp, source)
	if err != nil {
		return fmt.Errorf("writing blob: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing blob: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	// Atomic rename: concurrent initializations race here and exactly
	// one complete blob wins.
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	s.logger.Debug("initialized blob", "collection", id.String(), "key", string(id.Key()), "size", n)
	telemetry.RecordCacheOp(ctx, "initialize", "written")
	telemetry.RecordBlobWrite(ctx, n)
	return nil
}

// IsInitialized reports whether a blob exists for the collection. A
// single stat, no other I/O.
func (s *Store) IsInitialized(id artifactsync.CollectionID) bool {
	_, err := os.Stat(s.Path(id))
	return err == nil
}

// Ensure makes the collection's blob present, fetching it at most once
// across concurrent callers. The fetch function is expected to already
// be wrapped by the resilient invoker. The fetch runs on a context
// detached from any single caller, so one caller timing out does not
// cancel the fetch for other waiters.
func (s *Store) Ensure(ctx context.Context, id artifactsync.CollectionID, fetch func(ctx context.Context) (io.ReadCloser, error)) error {
	if s.IsInitialized(id) {
		return nil
	}

	key := string(id.Key())
	ch := s.group.DoChan(key, func() (any, error) {
		fetchCtx := context.WithoutCancel(ctx)

		// Another waiter may have completed while this call queued.
		if s.IsInitialized(id) {
			return nil, nil
		}

		rc, err := fetch(fetchCtx)
		if err != nil {
			return nil, fmt.Errorf("fetching blob for %s: %w", id, err)
		}
		defer func() { _ = rc.Close() }()

		return nil, s.Initialize(fetchCtx, id, rc)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			// Allow a later call to retry rather than reusing the failure.
			s.group.Forget(key)
			return res.Err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenArchive mounts the stored blob as a random-access archive. At
// most one live handle exists per key per process; concurrent opens
// share it. A blob that is not a well-formed archive surfaces as
// ErrCacheCorruption and the caller is expected to evict and refetch.
func (s *Store) OpenArchive(id artifactsync.CollectionID) (*Archive, error) {
	key := id.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.handles[key]; ok {
		return a, nil
	}

	path := s.Path(id)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("opening archive for %s: %w", id, artifactsync.ErrCacheMiss)
		}
		return nil, fmt.Errorf("checking blob: %w", err)
	}

	a, err := openArchive(path, key, func() {
		s.mu.Lock()
		delete(s.handles, key)
		s.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}

	s.handles[key] = a
	return a, nil
}

// Evict removes a collection's blob, closing any live handle first.
// Eviction is the only way a cache file is ever deleted. Evicting an
// absent collection is a no-op.
func (s *Store) Evict(ctx context.Context, id artifactsync.CollectionID) error {
	key := id.Key()

	s.mu.Lock()
	a := s.handles[key]
	s.mu.Unlock()
	if a != nil {
		_ = a.Close()
	}

	err := os.Remove(s.Path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing blob: %w", err)
	}
	telemetry.RecordCacheOp(ctx, "evict", "ok")
	return nil
}

// Keys scans the cache root and returns the keys of all stored blobs.
// Temp files and files that are not valid cache keys are skipped.
func (s *Store) Keys() ([]artifactsync.CacheKey, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading cache root: %w", err)
	}

	var keys []artifactsync.CacheKey
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		key, err := artifactsync.ParseCacheKey(e.Name())
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Size returns the stored blob's size for a collection.
func (s *Store) Size(id artifactsync.CollectionID) (int64, error) {
	info, err := os.Stat(s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("sizing %s: %w", id, artifactsync.ErrCacheMiss)
		}
		return 0, fmt.Errorf("stat blob: %w", err)
	}
	return info.Size(), nil
}
