// Package inventory persists the last known synced file set per
// collection using bbolt. The inventory for a collection is replaced
// wholesale on commit, never patched, so a failed sync pass leaves the
// previous inventory intact.
package inventory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	artifactsync "github.com/wolfeidau/artifact-sync"
)

// DefaultFilename is the inventory database file under the cache root.
const DefaultFilename = "inventory.db"

// Bucket names for bbolt storage.
var (
	// bucketInventories holds one nested bucket per collection cache
	// key; nested entries are filename -> FileRecord JSON.
	bucketInventories = []byte("inventories")

	// bucketCollections maps cache key -> CollectionMeta JSON.
	bucketCollections = []byte("collections")
)

// FileRecord is the durable record for one synced file.
type FileRecord struct {
	Fingerprint artifactsync.Fingerprint `json:"fingerprint"`
	Size        int64                    `json:"size"`
}

// Inventory maps filename to its record.
type Inventory map[string]FileRecord

// CollectionMeta describes one tracked collection.
type CollectionMeta struct {
	ID        string    `json:"id"`
	FileCount int       `json:"file_count"`
	LastSync  time.Time `json:"last_sync"`
}

// DB is the inventory database.
type DB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// Option configures a DB instance.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(d *DB) {
		d.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// NewDB creates a DB instance with options. Call Open before use.
func NewDB(opts ...Option) *DB {
	d := &DB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens the database at the given path.
func (d *DB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  d.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening inventory database: %w", err)
	}
	d.db = db

	if err := d.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	d.logger.Debug("opened inventory database", "path", path, "noSync", d.noSync)
	return nil
}

func (d *DB) createBuckets() error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketInventories, bucketCollections} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// Put replaces the inventory for a collection wholesale in a single
// transaction and refreshes the collection's metadata.
func (d *DB) Put(key artifactsync.CacheKey, id artifactsync.CollectionID, inv Inventory) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketInventories)

		// Drop the previous inventory; a partially applied replacement
		// is impossible inside the transaction.
		if root.Bucket([]byte(key)) != nil {
			if err := root.DeleteBucket([]byte(key)); err != nil {
				return fmt.Errorf("clearing inventory: %w", err)
			}
		}
		b, err := root.CreateBucket([]byte(key))
		if err != nil {
			return fmt.Errorf("creating inventory bucket: %w", err)
		}

		for name, rec := range inv {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encoding record for %s: %w", name, err)
			}
			if err := b.Put([]byte(name), data); err != nil {
				return fmt.Errorf("writing record for %s: %w", name, err)
			}
		}

		meta := CollectionMeta{
			ID:        id.String(),
			FileCount: len(inv),
			LastSync:  d.now(),
		}
		metaData, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encoding collection meta: %w", err)
		}
		return tx.Bucket(bucketCollections).Put([]byte(key), metaData)
	})
}

// Get loads the inventory for a collection. The second return is false
// when no inventory has ever been committed for the key.
func (d *DB) Get(key artifactsync.CacheKey) (Inventory, bool, error) {
	var inv Inventory
	found := false

	err := d.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketInventories).Bucket([]byte(key))
		if b == nil {
			return nil
		}
		found = true
		inv = make(Inventory)
		return b.ForEach(func(k, v []byte) error {
			var rec FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding record for %s: %w", k, err)
			}
			inv[string(k)] = rec
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return inv, found, nil
}

// Delete removes a collection's inventory and metadata. Removing an
// untracked collection is a no-op.
func (d *DB) Delete(key artifactsync.CacheKey) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketInventories)
		if root.Bucket([]byte(key)) != nil {
			if err := root.DeleteBucket([]byte(key)); err != nil {
				return fmt.Errorf("deleting inventory: %w", err)
			}
		}
		return tx.Bucket(bucketCollections).Delete([]byte(key))
	})
}

// Collections returns metadata for every tracked collection.
func (d *DB) Collections() ([]CollectionMeta, error) {
	var metas []CollectionMeta
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCollections).ForEach(func(k, v []byte) error {
			var meta CollectionMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("decoding meta for %s: %w", k, err)
			}
			metas = append(metas, meta)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return metas, nil
}

// Count returns the number of tracked collections.
func (d *DB) Count() (int, error) {
	count := 0
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCollections).ForEach(func(k, v []byte) error {
			count++
			return nil
		})
	})
	return count, err
}
