// Package syncer computes minimal add/modify/delete change sets between
// a collection's current file list and its last committed inventory.
package syncer

import (
	"sort"

	artifactsync "github.com/wolfeidau/artifact-sync"
	"github.com/wolfeidau/artifact-sync/inventory"
)

// SyncType distinguishes the first sync of a collection from later ones.
type SyncType string

const (
	SyncInitial     SyncType = "initial"
	SyncIncremental SyncType = "incremental"
)

// ChangeKind tags a change event.
type ChangeKind string

const (
	Added    ChangeKind = "added"
	Modified ChangeKind = "modified"
	Deleted  ChangeKind = "deleted"
)

// Change is one tagged change event. For Added and Modified, File
// carries the current observation; for Deleted it carries the last
// known record from the inventory.
type Change struct {
	Kind ChangeKind
	File artifactsync.FileInfo
}

// ChangeSet is the computed difference of one sync pass. Changes are
// ordered: added and modified files in input order, then deleted names
// sorted.
type ChangeSet struct {
	Type    SyncType
	Changes []Change
}

// Empty reports whether the pass produced no changes.
func (cs *ChangeSet) Empty() bool {
	return len(cs.Changes) == 0
}

// Added returns the names of added files.
func (cs *ChangeSet) Added() []string {
	return cs.names(Added)
}

// Modified returns the names of modified files.
func (cs *ChangeSet) Modified() []string {
	return cs.names(Modified)
}

// Deleted returns the names of deleted files.
func (cs *ChangeSet) Deleted() []string {
	return cs.names(Deleted)
}

func (cs *ChangeSet) names(kind ChangeKind) []string {
	var out []string
	for _, c := range cs.Changes {
		if c.Kind == kind {
			out = append(out, c.File.Name)
		}
	}
	return out
}

// Diff classifies current files against a previously committed
// inventory. It is pure: neither input is mutated and nothing is
// persisted. Files whose fingerprint matches the inventory produce no
// change event.
func Diff(inv inventory.Inventory, current []artifactsync.FileInfo, syncType SyncType) *ChangeSet {
	cs := &ChangeSet{Type: syncType}

	seen := make(map[string]struct{}, len(current))
	for _, f := range current {
		seen[f.Name] = struct{}{}
		rec, ok := inv[f.Name]
		switch {
		case !ok:
			cs.Changes = append(cs.Changes, Change{Kind: Added, File: f})
		case rec.Fingerprint != f.Fingerprint:
			cs.Changes = append(cs.Changes, Change{Kind: Modified, File: f})
		}
	}

	var deleted []string
	for name := range inv {
		if _, ok := seen[name]; !ok {
			deleted = append(deleted, name)
		}
	}
	sort.Strings(deleted)
	for _, name := range deleted {
		rec := inv[name]
		cs.Changes = append(cs.Changes, Change{Kind: Deleted, File: artifactsync.FileInfo{
			Name:        name,
			Fingerprint: rec.Fingerprint,
			Size:        rec.Size,
		}})
	}

	return cs
}
