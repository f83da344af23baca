package cache

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	artifactsync "github.com/wolfeidau/artifact-sync"
)

// Archive is a read-only random-access view over a collection's blob.
// The blob is a zip archive; its central directory is the index of
// entry name to byte range, built once at open, so individual entries
// are served by seeking without unpacking the whole blob.
//
// Close must be called on every exit path; closing twice is a no-op.
type Archive struct {
	key     artifactsync.CacheKey
	f       *os.File
	entries map[string]*zip.File
	names   []string

	closeOnce sync.Once
	closeErr  error
	onClose   func()
}

// openArchive mounts the blob at path. onClose runs once when the
// handle is released.
func openArchive(path string, key artifactsync.CacheKey, onClose func()) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening blob: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat blob: %w", err)
	}

	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %v", artifactsync.ErrCacheCorruption, err)
	}
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	entries := make(map[string]*zip.File, len(zr.File))
	names := make([]string, 0, len(zr.File))
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		if _, dup := entries[zf.Name]; !dup {
			names = append(names, zf.Name)
		}
		entries[zf.Name] = zf
	}
	sort.Strings(names)

	return &Archive{
		key:     key,
		f:       f,
		entries: entries,
		names:   names,
		onClose: onClose,
	}, nil
}

// Key returns the cache key the archive was opened for.
func (a *Archive) Key() artifactsync.CacheKey {
	return a.key
}

// Entries returns the sorted names of all entries in the archive.
func (a *Archive) Entries() []string {
	out := make([]string, len(a.names))
	copy(out, a.names)
	return out
}

// HasEntry reports whether the archive contains the named entry.
func (a *Archive) HasEntry(name string) bool {
	_, ok := a.entries[name]
	return ok
}

// ReadEntry returns the full content of the named entry. A missing
// name fails with ErrNotFound; an entry that cannot be decompressed or
// fails its checksum surfaces as ErrCacheCorruption, never as a
// silently truncated result.
func (a *Archive) ReadEntry(name string) ([]byte, error) {
	zf, ok := a.entries[name]
	if !ok {
		return nil, fmt.Errorf("entry %q: %w", name, artifactsync.ErrNotFound)
	}

	rc, err := zf.Open()
	if err != nil {
		return nil, fmt.Errorf("entry %q: %w: %v", name, artifactsync.ErrCacheCorruption, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("entry %q: %w: %v", name, artifactsync.ErrCacheCorruption, err)
	}
	return data, nil
}

// EntrySize returns the uncompressed size of the named entry.
func (a *Archive) EntrySize(name string) (int64, error) {
	zf, ok := a.entries[name]
	if !ok {
		return 0, fmt.Errorf("entry %q: %w", name, artifactsync.ErrNotFound)
	}
	return int64(zf.UncompressedSize64), nil
}

// Close releases the underlying file. Safe to call more than once.
func (a *Archive) Close() error {
	a.closeOnce.Do(func() {
		if a.onClose != nil {
			a.onClose()
		}
		a.closeErr = a.f.Close()
	})
	return a.closeErr
}
