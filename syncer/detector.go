package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	artifactsync "github.com/wolfeidau/artifact-sync"
	"github.com/wolfeidau/artifact-sync/inventory"
	"github.com/wolfeidau/artifact-sync/telemetry"
)

// ApplyFunc is invoked once per change event during a sync pass,
// typically to upload an added/modified file or delete a remote one. A
// non-nil error aborts the pass before the inventory is committed.
type ApplyFunc func(ctx context.Context, change Change) error

// Detector maintains the per-collection inventory and computes change
// sets against it. Passes for one collection are serialized; different
// collections sync concurrently without interference.
type Detector struct {
	db     *inventory.DB
	logger *slog.Logger
	stats  Stats

	mu    sync.Mutex
	locks map[artifactsync.CacheKey]*sync.Mutex
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithLogger sets the logger for the detector.
func WithLogger(logger *slog.Logger) DetectorOption {
	return func(d *Detector) {
		d.logger = logger
	}
}

// NewDetector creates a detector over an opened inventory database.
func NewDetector(db *inventory.DB, opts ...DetectorOption) *Detector {
	d := &Detector{
		db:     db,
		logger: slog.Default(),
		locks:  make(map[artifactsync.CacheKey]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// InitialSync classifies every current file as added, applies the
// changes and commits a fresh inventory. An empty file list still
// commits an empty inventory, marking the collection as synced.
func (d *Detector) InitialSync(ctx context.Context, id artifactsync.CollectionID, current []artifactsync.FileInfo, apply ApplyFunc) (*ChangeSet, error) {
	unlock := d.lockCollection(id.Key())
	defer unlock()

	return d.runPass(ctx, id, inventory.Inventory{}, current, SyncInitial, apply)
}

// IncrementalSync diffs the current files against the committed
// inventory, applies the changes and commits the new inventory only if
// the whole pass succeeds. With no prior inventory it degenerates to an
// initial sync, which keeps first use and retry-after-wipe safe.
func (d *Detector) IncrementalSync(ctx context.Context, id artifactsync.CollectionID, current []artifactsync.FileInfo, apply ApplyFunc) (*ChangeSet, error) {
	unlock := d.lockCollection(id.Key())
	defer unlock()

	inv, found, err := d.db.Get(id.Key())
	if err != nil {
		return nil, fmt.Errorf("loading inventory for %s: %w", id, err)
	}
	if !found {
		return d.runPass(ctx, id, inventory.Inventory{}, current, SyncInitial, apply)
	}
	return d.runPass(ctx, id, inv, current, SyncIncremental, apply)
}

// runPass must be called with the collection lock held.
func (d *Detector) runPass(ctx context.Context, id artifactsync.CollectionID, inv inventory.Inventory, current []artifactsync.FileInfo, syncType SyncType, apply ApplyFunc) (*ChangeSet, error) {
	d.stats.syncOps.Add(1)
	d.stats.files.Add(int64(len(current)))

	cs := Diff(inv, current, syncType)

	for _, change := range cs.Changes {
		if apply != nil {
			if err := apply(ctx, change); err != nil {
				d.stats.failures.Add(1)
				telemetry.RecordSyncPass(ctx, string(syncType), "failure", len(current))
				return nil, fmt.Errorf("applying %s for %s: %w", change.Kind, change.File.Name, err)
			}
		}
		telemetry.RecordChange(ctx, string(change.Kind))
	}

	next := make(inventory.Inventory, len(current))
	for _, f := range current {
		next[f.Name] = inventory.FileRecord{Fingerprint: f.Fingerprint, Size: f.Size}
	}
	if err := d.db.Put(id.Key(), id, next); err != nil {
		d.stats.failures.Add(1)
		telemetry.RecordSyncPass(ctx, string(syncType), "failure", len(current))
		return nil, fmt.Errorf("committing inventory for %s: %w", id, err)
	}

	d.logger.Debug("sync pass complete",
		"collection", id.String(),
		"type", string(syncType),
		"added", len(cs.Added()),
		"modified", len(cs.Modified()),
		"deleted", len(cs.Deleted()),
	)
	telemetry.RecordSyncPass(ctx, string(syncType), "success", len(current))
	return cs, nil
}

// Conflict describes one file changed on both sides since the last
// committed inventory.
type Conflict struct {
	Name   string
	Local  artifactsync.Fingerprint
	Remote artifactsync.Fingerprint
	Base   artifactsync.Fingerprint
}

// ConflictReport is the outcome of conflict detection. Resolution is
// the caller's policy; the detector only reports.
type ConflictReport struct {
	Conflicts  []Conflict
	LocalOnly  []string
	RemoteOnly []string
}

// Empty reports whether no conflicts or one-sided files were found.
func (r *ConflictReport) Empty() bool {
	return len(r.Conflicts) == 0 && len(r.LocalOnly) == 0 && len(r.RemoteOnly) == 0
}

// DetectConflicts compares local and remote observations against the
// committed inventory. It never mutates anything: a file counts as a
// conflict when both sides diverge from the inventory's record and
// disagree with each other.
func (d *Detector) DetectConflicts(id artifactsync.CollectionID, local, remote []artifactsync.FileInfo) (*ConflictReport, error) {
	inv, _, err := d.db.Get(id.Key())
	if err != nil {
		return nil, fmt.Errorf("loading inventory for %s: %w", id, err)
	}

	localByName := fileMap(local)
	remoteByName := fileMap(remote)

	report := &ConflictReport{}

	names := make([]string, 0, len(localByName))
	for name := range localByName {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		lf := localByName[name]
		rf, onRemote := remoteByName[name]
		if !onRemote {
			report.LocalOnly = append(report.LocalOnly, name)
			continue
		}
		if lf.Fingerprint == rf.Fingerprint {
			continue
		}

		base := inv[name].Fingerprint
		localChanged := lf.Fingerprint != base
		remoteChanged := rf.Fingerprint != base
		if localChanged && remoteChanged {
			report.Conflicts = append(report.Conflicts, Conflict{
				Name:   name,
				Local:  lf.Fingerprint,
				Remote: rf.Fingerprint,
				Base:   base,
			})
		}
	}

	remoteNames := make([]string, 0, len(remoteByName))
	for name := range remoteByName {
		if _, onLocal := localByName[name]; !onLocal {
			remoteNames = append(remoteNames, name)
		}
	}
	sort.Strings(remoteNames)
	report.RemoteOnly = remoteNames

	return report, nil
}

// Collections returns metadata for every tracked collection.
func (d *Detector) Collections() ([]inventory.CollectionMeta, error) {
	return d.db.Collections()
}

func (d *Detector) lockCollection(key artifactsync.CacheKey) func() {
	d.mu.Lock()
	l, ok := d.locks[key]
	if !ok {
		l = &sync.Mutex{}
		d.locks[key] = l
	}
	d.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func fileMap(files []artifactsync.FileInfo) map[string]artifactsync.FileInfo {
	m := make(map[string]artifactsync.FileInfo, len(files))
	for _, f := range files {
		m[f.Name] = f
	}
	return m
}
