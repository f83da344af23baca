package syncer

import "sync/atomic"

// Stats holds the detector's monotonic counters. Counters only ever
// increase and are never implicitly reset; a fresh Detector starts a
// fresh set.
type Stats struct {
	syncOps  atomic.Int64
	failures atomic.Int64
	files    atomic.Int64
	bytes    atomic.Int64
}

// AddBytes records bytes moved on behalf of a sync pass. Called by the
// transfer layer, since the detector itself never touches payloads.
func (s *Stats) AddBytes(n int64) {
	if n > 0 {
		s.bytes.Add(n)
	}
}

// StatsSnapshot is a point-in-time view of the detector counters.
type StatsSnapshot struct {
	CollectionsTracked int
	SyncOps            int64
	Failures           int64
	FilesProcessed     int64
	BytesTransferred   int64
	SuccessRate        float64
}

// Stats returns a snapshot of the counters. CollectionsTracked reflects
// the inventory database at the time of the call.
func (d *Detector) Stats() StatsSnapshot {
	count, err := d.db.Count()
	if err != nil {
		count = 0
	}

	ops := d.stats.syncOps.Load()
	failures := d.stats.failures.Load()
	rate := 1.0
	if ops > 0 {
		rate = float64(ops-failures) / float64(ops)
	}

	return StatsSnapshot{
		CollectionsTracked: count,
		SyncOps:            ops,
		Failures:           failures,
		FilesProcessed:     d.stats.files.Load(),
		BytesTransferred:   d.stats.bytes.Load(),
		SuccessRate:        rate,
	}
}

// TransferStats exposes the byte counter for the transfer layer.
func (d *Detector) TransferStats() *Stats {
	return &d.stats
}
