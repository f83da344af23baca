package artifactsync

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

// Fingerprint detects file change without full byte comparison. Two
// schemes exist: "blake3:<hex>" for content hashes and
// "stat:<size>-<unixnano>" for size+mtime composites. The detector only
// compares fingerprints for equality, so the schemes may be mixed.
type Fingerprint string

// IsZero returns true if the fingerprint is unset.
func (f Fingerprint) IsZero() bool {
	return f == ""
}

func (f Fingerprint) String() string {
	return string(f)
}

// ContentFingerprint computes a BLAKE3 content fingerprint.
func ContentFingerprint(data []byte) Fingerprint {
	sum := blake3.Sum256(data)
	return Fingerprint("blake3:" + hex.EncodeToString(sum[:]))
}

// ReaderFingerprint computes a BLAKE3 fingerprint from a reader.
// It returns the fingerprint and the number of bytes read.
func ReaderFingerprint(r io.Reader) (Fingerprint, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("hashing content: %w", err)
	}
	sum := h.Sum(nil)
	return Fingerprint("blake3:" + hex.EncodeToString(sum)), n, nil
}

// StatFingerprint composes a fingerprint from file metadata for callers
// that cannot afford to read content.
func StatFingerprint(size int64, mtime time.Time) Fingerprint {
	return Fingerprint("stat:" + strconv.FormatInt(size, 10) + "-" + strconv.FormatInt(mtime.UnixNano(), 10))
}

// FileInfo is one observed file in a collection's current file list.
type FileInfo struct {
	Name        string
	Fingerprint Fingerprint
	Size        int64
}
