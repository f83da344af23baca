package syncer

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	artifactsync "github.com/wolfeidau/artifact-sync"
	"github.com/wolfeidau/artifact-sync/inventory"
)

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	db := inventory.NewDB(
		inventory.WithLogger(slog.New(slog.DiscardHandler)),
		inventory.WithNoSync(true),
	)
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), inventory.DefaultFilename)))
	t.Cleanup(func() { _ = db.Close() })
	return NewDetector(db, WithLogger(slog.New(slog.DiscardHandler)))
}

func file(name, fp string) artifactsync.FileInfo {
	return artifactsync.FileInfo{Name: name, Fingerprint: artifactsync.Fingerprint(fp), Size: int64(len(name))}
}

func TestInitialSyncAddsEverything(t *testing.T) {
	d := newTestDetector(t)
	id := artifactsync.CollectionID("acme/widgets@1.0")

	cs, err := d.InitialSync(t.Context(), id, []artifactsync.FileInfo{
		file("a.jar", "blake3:aa"),
		file("b.jar", "blake3:bb"),
	}, nil)
	require.NoError(t, err)
	require.Equal(t, SyncInitial, cs.Type)
	require.Equal(t, []string{"a.jar", "b.jar"}, cs.Added())
	require.Empty(t, cs.Modified())
	require.Empty(t, cs.Deleted())
}

func TestIncrementalSyncDiffsAgainstInventory(t *testing.T) {
	d := newTestDetector(t)
	id := artifactsync.CollectionID("acme/widgets@1.0")
	ctx := t.Context()

	_, err := d.InitialSync(ctx, id, []artifactsync.FileInfo{
		file("a.jar", "blake3:aa"),
		file("b.jar", "blake3:bb"),
	}, nil)
	require.NoError(t, err)

	// b.jar disappears, c.jar appears, a.jar is unchanged.
	cs, err := d.IncrementalSync(ctx, id, []artifactsync.FileInfo{
		file("a.jar", "blake3:aa"),
		file("c.jar", "blake3:cc"),
	}, nil)
	require.NoError(t, err)
	require.Equal(t, SyncIncremental, cs.Type)
	require.Equal(t, []string{"c.jar"}, cs.Added())
	require.Empty(t, cs.Modified())
	require.Equal(t, []string{"b.jar"}, cs.Deleted())
}

func TestIncrementalSyncDetectsModification(t *testing.T) {
	d := newTestDetector(t)
	id := artifactsync.CollectionID("acme/widgets@1.0")
	ctx := t.Context()

	_, err := d.InitialSync(ctx, id, []artifactsync.FileInfo{file("a.jar", "blake3:aa")}, nil)
	require.NoError(t, err)

	cs, err := d.IncrementalSync(ctx, id, []artifactsync.FileInfo{file("a.jar", "blake3:a2")}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"a.jar"}, cs.Modified())
	require.Empty(t, cs.Added())
	require.Empty(t, cs.Deleted())
}

func TestSyncIsIdempotent(t *testing.T) {
	d := newTestDetector(t)
	id := artifactsync.CollectionID("acme/widgets@1.0")
	ctx := t.Context()

	files := []artifactsync.FileInfo{
		file("a.jar", "blake3:aa"),
		file("b.jar", "blake3:bb"),
	}
	_, err := d.InitialSync(ctx, id, files, nil)
	require.NoError(t, err)

	cs, err := d.IncrementalSync(ctx, id, files, nil)
	require.NoError(t, err)
	require.True(t, cs.Empty())
}

func TestIncrementalWithoutInventoryDegeneratesToInitial(t *testing.T) {
	d := newTestDetector(t)
	id := artifactsync.CollectionID("acme/widgets@1.0")

	cs, err := d.IncrementalSync(t.Context(), id, []artifactsync.FileInfo{file("a.jar", "blake3:aa")}, nil)
	require.NoError(t, err)
	require.Equal(t, SyncInitial, cs.Type)
	require.Equal(t, []string{"a.jar"}, cs.Added())
}

func TestEmptyInitialSyncMarksSynced(t *testing.T) {
	d := newTestDetector(t)
	id := artifactsync.CollectionID("acme/widgets@1.0")
	ctx := t.Context()

	cs, err := d.InitialSync(ctx, id, nil, nil)
	require.NoError(t, err)
	require.True(t, cs.Empty())

	// The empty inventory was committed, so a later appearance of a file
	// is an incremental add, not another initial sync.
	cs, err = d.IncrementalSync(ctx, id, []artifactsync.FileInfo{file("a.jar", "blake3:aa")}, nil)
	require.NoError(t, err)
	require.Equal(t, SyncIncremental, cs.Type)
	require.Equal(t, []string{"a.jar"}, cs.Added())
}

func TestApplyFailureAbortsBeforeCommit(t *testing.T) {
	d := newTestDetector(t)
	id := artifactsync.CollectionID("acme/widgets@1.0")
	ctx := t.Context()

	_, err := d.InitialSync(ctx, id, []artifactsync.FileInfo{file("a.jar", "blake3:aa")}, nil)
	require.NoError(t, err)

	wantErr := errors.New("upload failed")
	_, err = d.IncrementalSync(ctx, id, []artifactsync.FileInfo{
		file("a.jar", "blake3:aa"),
		file("b.jar", "blake3:bb"),
	}, func(ctx context.Context, change Change) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	// The failed pass left the previous inventory intact: the same
	// change is reported again on the next pass.
	cs, err := d.IncrementalSync(ctx, id, []artifactsync.FileInfo{
		file("a.jar", "blake3:aa"),
		file("b.jar", "blake3:bb"),
	}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"b.jar"}, cs.Added())
}

func TestApplyReceivesOrderedChanges(t *testing.T) {
	d := newTestDetector(t)
	id := artifactsync.CollectionID("acme/widgets@1.0")
	ctx := t.Context()

	_, err := d.InitialSync(ctx, id, []artifactsync.FileInfo{
		file("a.jar", "blake3:aa"),
		file("b.jar", "blake3:bb"),
	}, nil)
	require.NoError(t, err)

	var got []Change
	_, err = d.IncrementalSync(ctx, id, []artifactsync.FileInfo{
		file("c.jar", "blake3:cc"),
		file("a.jar", "blake3:a2"),
	}, func(ctx context.Context, change Change) error {
		got = append(got, change)
		return nil
	})
	require.NoError(t, err)

	// Added and modified in input order, then deletions.
	require.Len(t, got, 3)
	require.Equal(t, Added, got[0].Kind)
	require.Equal(t, "c.jar", got[0].File.Name)
	require.Equal(t, Modified, got[1].Kind)
	require.Equal(t, "a.jar", got[1].File.Name)
	require.Equal(t, Deleted, got[2].Kind)
	require.Equal(t, "b.jar", got[2].File.Name)
	require.Equal(t, artifactsync.Fingerprint("blake3:bb"), got[2].File.Fingerprint)
}

func TestCollectionPassesSerialized(t *testing.T) {
	d := newTestDetector(t)
	id := artifactsync.CollectionID("acme/widgets@1.0")
	ctx := t.Context()

	var inPass int32
	var mu sync.Mutex
	apply := func(ctx context.Context, change Change) error {
		mu.Lock()
		inPass++
		require.EqualValues(t, 1, inPass)
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		inPass--
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		n := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.InitialSync(ctx, id, []artifactsync.FileInfo{
				file("a.jar", "blake3:"+string(rune('a'+n))),
			}, apply)
			require.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestDetectConflicts(t *testing.T) {
	d := newTestDetector(t)
	id := artifactsync.CollectionID("acme/widgets@1.0")
	ctx := t.Context()

	_, err := d.InitialSync(ctx, id, []artifactsync.FileInfo{
		file("both.jar", "blake3:base"),
		file("local-drift.jar", "blake3:base"),
		file("remote-drift.jar", "blake3:base"),
	}, nil)
	require.NoError(t, err)

	report, err := d.DetectConflicts(id,
		[]artifactsync.FileInfo{
			file("both.jar", "blake3:local"),
			file("local-drift.jar", "blake3:changed"),
			file("remote-drift.jar", "blake3:base"),
			file("only-here.jar", "blake3:xx"),
		},
		[]artifactsync.FileInfo{
			file("both.jar", "blake3:remote"),
			file("local-drift.jar", "blake3:base"),
			file("remote-drift.jar", "blake3:changed"),
			file("only-there.jar", "blake3:yy"),
		},
	)
	require.NoError(t, err)

	// Only the file both sides changed away from the base conflicts.
	require.Len(t, report.Conflicts, 1)
	require.Equal(t, Conflict{
		Name:   "both.jar",
		Local:  "blake3:local",
		Remote: "blake3:remote",
		Base:   "blake3:base",
	}, report.Conflicts[0])
	require.Equal(t, []string{"only-here.jar"}, report.LocalOnly)
	require.Equal(t, []string{"only-there.jar"}, report.RemoteOnly)
}

func TestDetectConflictsAgreementIsNotAConflict(t *testing.T) {
	d := newTestDetector(t)
	id := artifactsync.CollectionID("acme/widgets@1.0")

	_, err := d.InitialSync(t.Context(), id, []artifactsync.FileInfo{file("a.jar", "blake3:base")}, nil)
	require.NoError(t, err)

	// Both sides changed to the same content: no conflict to resolve.
	report, err := d.DetectConflicts(id,
		[]artifactsync.FileInfo{file("a.jar", "blake3:same")},
		[]artifactsync.FileInfo{file("a.jar", "blake3:same")},
	)
	require.NoError(t, err)
	require.True(t, report.Empty())
}

func TestDetectorStats(t *testing.T) {
	d := newTestDetector(t)
	id := artifactsync.CollectionID("acme/widgets@1.0")
	ctx := t.Context()

	_, err := d.InitialSync(ctx, id, []artifactsync.FileInfo{
		file("a.jar", "blake3:aa"),
		file("b.jar", "blake3:bb"),
	}, nil)
	require.NoError(t, err)

	_, err = d.IncrementalSync(ctx, id, []artifactsync.FileInfo{
		file("a.jar", "blake3:aa"),
	}, func(ctx context.Context, change Change) error {
		return errors.New("apply failed")
	})
	require.Error(t, err)

	d.TransferStats().AddBytes(1024)

	stats := d.Stats()
	require.Equal(t, 1, stats.CollectionsTracked)
	require.Equal(t, int64(2), stats.SyncOps)
	require.Equal(t, int64(1), stats.Failures)
	require.Equal(t, int64(3), stats.FilesProcessed)
	require.Equal(t, int64(1024), stats.BytesTransferred)
	require.InDelta(t, 0.5, stats.SuccessRate, 0.001)
}
