// Package artifactsync provides the identity types and error taxonomy
// shared by the cache, sync and resilience components.
package artifactsync

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

// CacheKeyLen is the length of a cache key in hex characters (SHA-1).
const CacheKeyLen = sha1.Size * 2

// CollectionID identifies one cached collection, e.g. "owner/repo@tag".
// The value is opaque to the engine; only its hash ever touches the
// filesystem, so no character in the id needs escaping.
type CollectionID string

// ParseCollectionID validates an id string. Only emptiness is rejected;
// the remote's naming rules are the orchestrator's concern.
func ParseCollectionID(s string) (CollectionID, error) {
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("empty collection id")
	}
	return CollectionID(s), nil
}

// Key returns the cache key for the collection: the uppercase hex SHA-1
// of the id. Deterministic, fixed-length and filesystem-safe.
func (id CollectionID) Key() CacheKey {
	sum := sha1.Sum([]byte(id))
	return CacheKey(strings.ToUpper(hex.EncodeToString(sum[:])))
}

func (id CollectionID) String() string {
	return string(id)
}

// CacheKey names a collection's blob on disk: 40 uppercase hex
// characters, no extension.
type CacheKey string

// ParseCacheKey validates a string as a cache key. Used when scanning
// the cache root, so stray files are skipped rather than misread.
func ParseCacheKey(s string) (CacheKey, error) {
	if len(s) != CacheKeyLen {
		return "", fmt.Errorf("invalid cache key length: expected %d hex chars, got %d", CacheKeyLen, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("invalid cache key %q: %w", s, err)
	}
	if s != strings.ToUpper(s) {
		return "", fmt.Errorf("invalid cache key %q: not uppercase", s)
	}
	return CacheKey(s), nil
}

func (k CacheKey) String() string {
	return string(k)
}
