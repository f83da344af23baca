// Command artifact-sync caches and synchronizes remote artifact
// collections against a local content-addressed cache.
package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	artifactsync "github.com/wolfeidau/artifact-sync"
	"github.com/wolfeidau/artifact-sync/cache"
	"github.com/wolfeidau/artifact-sync/inventory"
	"github.com/wolfeidau/artifact-sync/remote"
	"github.com/wolfeidau/artifact-sync/resilience"
	"github.com/wolfeidau/artifact-sync/syncer"
	"github.com/wolfeidau/artifact-sync/telemetry"
	"github.com/wolfeidau/artifact-sync/transfer"
)

var cli struct {
	URL         string `help:"Remote API base URL." env:"ARTIFACT_SYNC_URL" default:"https://artifacts.example.com"`
	Token       string `help:"Bearer token for the remote API." env:"ARTIFACT_SYNC_TOKEN"`
	CacheDir    string `help:"Cache root directory." env:"ARTIFACT_SYNC_CACHE" default:".artifact-sync" type:"path"`
	LogLevel    string `help:"Log level (debug, info, warn, error)." default:"info"`
	MetricsAddr string `help:"Serve Prometheus metrics on this address (e.g. :9090). Disabled when empty."`

	Fetch FetchCmd `cmd:"" help:"Fetch and cache a collection's blob."`
	List  ListCmd  `cmd:"" help:"List entries in a cached collection."`
	Read  ReadCmd  `cmd:"" help:"Read one entry from a cached collection."`
	Sync  SyncCmd  `cmd:"" help:"Sync a local directory against a collection."`
	Evict EvictCmd `cmd:"" help:"Evict a collection's cached blob."`
	Stats StatsCmd `cmd:"" help:"Show tracked collections."`
}

type appContext struct {
	ctx      context.Context
	logger   *slog.Logger
	store    *cache.Store
	db       *inventory.DB
	detector *syncer.Detector
	invoker  *resilience.Invoker
	client   *remote.Client
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("artifact-sync"),
		kong.Description("Resilient remote cache and sync engine for artifact collections."),
	)
	if err := run(kctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(kctx *kong.Context) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cli.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cli.LogLevel, err)
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "artifact-sync",
		EnablePrometheus: cli.MetricsAddr != "",
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()

	if cli.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.PrometheusHandler())
		go func() {
			if err := http.ListenAndServe(cli.MetricsAddr, mux); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	store, err := cache.NewStore(cli.CacheDir, cache.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("opening cache store: %w", err)
	}

	db := inventory.NewDB(inventory.WithLogger(logger))
	if err := db.Open(filepath.Join(store.Root(), inventory.DefaultFilename)); err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	pool := resilience.NewPool(resilience.WithPoolLogger(logger))
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = pool.Shutdown(shutdownCtx)
	}()

	invoker := resilience.NewInvoker(
		resilience.NewRetryPolicy(resilience.WithRetryLogger(logger)),
		resilience.NewBreaker(0, 0, resilience.WithBreakerLogger(logger)),
		resilience.NewGovernor(resilience.WithGovernorLogger(logger)),
		pool,
		resilience.WithInvokerLogger(logger),
	)

	client, err := remote.NewClient(cli.URL, invoker,
		remote.WithToken(cli.Token),
		remote.WithClientLogger(logger),
	)
	if err != nil {
		return err
	}

	app := &appContext{
		ctx:      ctx,
		logger:   logger,
		store:    store,
		db:       db,
		detector: syncer.NewDetector(db, syncer.WithLogger(logger)),
		invoker:  invoker,
		client:   client,
	}
	return kctx.Run(app)
}

// FetchCmd fetches a collection's blob into the cache.
type FetchCmd struct {
	Collection string `arg:"" help:"Collection id, e.g. owner/repo@tag."`
}

func (c *FetchCmd) Run(app *appContext) error {
	id, err := artifactsync.ParseCollectionID(c.Collection)
	if err != nil {
		return err
	}

	if err := app.store.Ensure(app.ctx, id, app.client.FetchFunc(id)); err != nil {
		return err
	}

	size, err := app.store.Size(id)
	if err != nil {
		return err
	}
	app.logger.Info("collection cached", "collection", id.String(), "key", string(id.Key()), "size", size)
	return nil
}

// ListCmd lists entries in a cached collection.
type ListCmd struct {
	Collection string `arg:"" help:"Collection id."`
}

func (c *ListCmd) Run(app *appContext) error {
	id, err := artifactsync.ParseCollectionID(c.Collection)
	if err != nil {
		return err
	}

	a, err := app.store.OpenArchive(id)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	for _, name := range a.Entries() {
		size, _ := a.EntrySize(name)
		fmt.Printf("%12d  %s\n", size, name)
	}
	return nil
}

// ReadCmd reads one entry from a cached collection.
type ReadCmd struct {
	Collection string `arg:"" help:"Collection id."`
	Entry      string `arg:"" help:"Entry name within the archive."`
	Output     string `short:"o" help:"Write to file instead of stdout." type:"path"`
}

func (c *ReadCmd) Run(app *appContext) error {
	id, err := artifactsync.ParseCollectionID(c.Collection)
	if err != nil {
		return err
	}

	a, err := app.store.OpenArchive(id)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	data, err := a.ReadEntry(c.Entry)
	if err != nil {
		return err
	}

	if c.Output != "" {
		return os.WriteFile(c.Output, data, 0644)
	}
	_, err = os.Stdout.Write(data)
	return err
}

// SyncCmd pushes local changes to the remote collection.
type SyncCmd struct {
	Collection string `arg:"" help:"Collection id."`
	Dir        string `arg:"" help:"Local directory holding the collection's files." type:"existingdir"`
	Workers    int    `help:"Parallel transfer workers." default:"4"`
	DryRun     bool   `help:"Show the change set without transferring."`
}

func (c *SyncCmd) Run(app *appContext) error {
	id, err := artifactsync.ParseCollectionID(c.Collection)
	if err != nil {
		return err
	}

	files, err := scanDir(c.Dir)
	if err != nil {
		return err
	}

	if c.DryRun {
		// Report-only: diff against the inventory without committing.
		inv, _, err := app.db.Get(id.Key())
		if err != nil {
			return err
		}
		cs := syncer.Diff(inv, files, syncer.SyncIncremental)
		for _, ch := range cs.Changes {
			fmt.Printf("%-8s %s\n", ch.Kind, ch.File.Name)
		}
		return nil
	}

	pool := transfer.NewPool(
		transfer.WithWorkers(c.Workers),
		transfer.WithPoolLogger(app.logger),
	)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Minute)
		defer shutdownCancel()
		_ = pool.Shutdown(shutdownCtx)
	}()

	apply := func(ctx context.Context, change syncer.Change) error {
		task, err := pool.Submit(change.File.Name, c.applyFunc(app, id, change))
		if err != nil {
			return err
		}
		return task.Wait(ctx)
	}

	cs, err := app.detector.IncrementalSync(app.ctx, id, files, apply)
	if err != nil {
		return err
	}

	stats := app.detector.Stats()
	app.logger.Info("sync complete",
		"collection", id.String(),
		"type", string(cs.Type),
		"added", len(cs.Added()),
		"modified", len(cs.Modified()),
		"deleted", len(cs.Deleted()),
		"bytes", stats.BytesTransferred,
	)
	return nil
}

func (c *SyncCmd) applyFunc(app *appContext, id artifactsync.CollectionID, change syncer.Change) transfer.TaskFunc {
	return func(ctx context.Context) error {
		switch change.Kind {
		case syncer.Added, syncer.Modified:
			f, err := os.Open(filepath.Join(c.Dir, filepath.FromSlash(change.File.Name)))
			if err != nil {
				return fmt.Errorf("opening %s: %w", change.File.Name, err)
			}
			defer func() { _ = f.Close() }()
			if err := app.client.UploadFile(ctx, id, change.File.Name, f, change.File.Size); err != nil {
				return err
			}
			app.detector.TransferStats().AddBytes(change.File.Size)
			return nil
		case syncer.Deleted:
			return app.client.DeleteFile(ctx, id, change.File.Name)
		default:
			return fmt.Errorf("unknown change kind %q", change.Kind)
		}
	}
}

// EvictCmd removes a collection's cached blob.
type EvictCmd struct {
	Collection string `arg:"" help:"Collection id."`
}

func (c *EvictCmd) Run(app *appContext) error {
	id, err := artifactsync.ParseCollectionID(c.Collection)
	if err != nil {
		return err
	}
	if err := app.store.Evict(app.ctx, id); err != nil {
		return err
	}
	app.logger.Info("evicted", "collection", id.String())
	return nil
}

// StatsCmd shows tracked collections and their last sync.
type StatsCmd struct{}

func (c *StatsCmd) Run(app *appContext) error {
	metas, err := app.detector.Collections()
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		fmt.Println("no collections tracked")
		return nil
	}
	for _, m := range metas {
		fmt.Printf("%-40s  files=%-6d  last_sync=%s\n", m.ID, m.FileCount, m.LastSync.Format(time.RFC3339))
	}
	return nil
}

// scanDir walks a directory and fingerprints every regular file,
// returning names relative to the root with forward slashes.
func scanDir(root string) ([]artifactsync.FileInfo, error) {
	var files []artifactsync.FileInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		defer func() { _ = f.Close() }()

		fp, n, err := artifactsync.ReaderFingerprint(f)
		if err != nil {
			return fmt.Errorf("fingerprinting %s: %w", path, err)
		}

		files = append(files, artifactsync.FileInfo{
			Name:        filepath.ToSlash(rel),
			Fingerprint: fp,
			Size:        n,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	return files, nil
}
