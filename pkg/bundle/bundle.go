// Package bundle consolidates the extraction cache into the partitioned
// activity database.
//
// A run walks every extraction file, reads what was appended since the last
// committed checkpoint, and writes it as Parquet shards under
// blob_head=<head>/ directories. Work is done in batches of files; each
// batch is fully committed before the next one starts:
//
//  1. collect: read new records of each file in parallel
//  2. assign: give unseen blob identifiers an index on one goroutine, then
//     persist the blob index
//  3. emit: resolve addresses to handles and write one shard per partition
//     in parallel
//  4. commit: advance file offsets and register the shards in one transaction
//
// A crash leaves at most the shards of one uncommitted batch, which the next
// run removes before reading the same bytes again.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eunmann/s3-access-db/internal/logctx"
	"github.com/eunmann/s3-access-db/pkg/blobindex"
	"github.com/eunmann/s3-access-db/pkg/checkpoint"
	"github.com/eunmann/s3-access-db/pkg/extraction"
	"github.com/eunmann/s3-access-db/pkg/fileutil"
	"github.com/eunmann/s3-access-db/pkg/format"
	"github.com/eunmann/s3-access-db/pkg/ipindex"
	"github.com/eunmann/s3-access-db/pkg/logging"
	"github.com/eunmann/s3-access-db/pkg/workers"
)

// Bundler builds the activity database from an extraction cache.
type Bundler struct {
	opts    Options
	workers int
}

// New creates a bundler.
func New(opts Options) (*Bundler, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	w, err := workers.ResolveLocal(opts.Workers)
	if err != nil {
		return nil, err
	}
	return &Bundler{opts: opts, workers: w}, nil
}

// run holds the state shared by the batches of one Run call.
type run struct {
	b       *Bundler
	log     zerolog.Logger
	table   *blobindex.Table
	ips     *ipindex.Index
	store   *checkpoint.Store
	offsets map[string]checkpoint.Offset
	dbDir   string
	res     *Result
}

// Run bundles everything appended to the cache since the previous run.
//
// Cancelling ctx stops the run between batches; batches already committed
// stay committed and the result is marked Interrupted. A blob index
// integrity violation aborts the run before the affected batch writes any
// shard.
func (b *Bundler) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	opts := b.opts

	runID := opts.RunID
	if runID == "" {
		runID = logctx.RunID(ctx)
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	log := logctx.FromContext(ctx).With().Str("phase", "bundle").Logger()

	if !opts.AllowActive && extraction.IsActive(opts.CacheRoot) {
		return nil, fmt.Errorf("%s: %w", extraction.Dir(opts.CacheRoot), ErrExtractionActive)
	}

	lock, err := fileutil.AcquireLock(filepath.Join(StateDir(opts.CacheRoot), LockFileName))
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	table, err := blobindex.Load(BlobIndexPath(opts.CacheRoot))
	if err != nil {
		return nil, err
	}
	ips, err := ipindex.Load(opts.CacheRoot)
	if err != nil {
		return nil, err
	}
	store, err := checkpoint.Open(ctx, checkpoint.DefaultConfig(CheckpointPath(opts.CacheRoot)))
	if err != nil {
		return nil, err
	}
	defer store.Close()

	offsets, err := store.All(ctx)
	if err != nil {
		return nil, err
	}

	r := &run{
		b:       b,
		log:     log,
		table:   table,
		ips:     ips,
		store:   store,
		offsets: offsets,
		dbDir:   opts.DatabaseDir(),
		res:     newResult(runID),
	}
	res := r.res

	if prev, ok, err := store.LastRun(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to read run history")
	} else if ok {
		res.PreviousRun = &prev
		log.Debug().Str("previous_run", prev.RunID).Time("finished_at", prev.FinishedAt).Msg("resuming after previous run")
	}

	if err := r.removeOrphans(ctx); err != nil {
		return nil, err
	}

	files, err := extraction.Walk(opts.CacheRoot)
	if err != nil {
		return nil, err
	}
	res.FilesScanned = len(files)

	log.Info().
		Str("run_id", runID).
		Int("files", len(files)).
		Int("blob_index_size", table.Len()).
		Int("indexed_ips", ips.Len()).
		Int("workers", b.workers).
		Int("batch_size", opts.BatchSize).
		Msg("starting bundle")

	numBatches := (len(files) + opts.BatchSize - 1) / opts.BatchSize
	tracker := logging.NewProgressTracker("bundle", int64(numBatches), log)

	var runErr error
	for i := 0; i < len(files); i += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			res.Interrupted, runErr = true, err
			break
		}

		batchStart := time.Now()
		batch := files[i:min(i+opts.BatchSize, len(files))]
		if err := r.processBatch(ctx, batch); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				res.Interrupted, runErr = true, err
				break
			}
			return res, err
		}

		res.Batches++
		tracker.RecordCompletion(time.Since(batchStart))
		tracker.LogProgress("batch")
	}

	// Finalization describes committed state only, so it runs even when interrupted.
	if err := r.finalize(); err != nil {
		return res, err
	}

	res.BlobIndexSize = table.Len()
	res.Duration = time.Since(start)

	if err := store.RecordRun(context.WithoutCancel(ctx), checkpoint.Run{
		RunID:          runID,
		StartedAt:      start,
		FinishedAt:     time.Now(),
		FilesBundled:   int64(res.FilesBundled),
		RecordsWritten: res.RecordsWritten,
		Defects:        int64(len(res.Defects)),
	}); err != nil {
		log.Warn().Err(err).Msg("failed to record run history")
	}

	if m := opts.Metrics; m != nil {
		m.BlobIndexSize.Set(float64(res.BlobIndexSize))
		m.PhaseSeconds.WithLabelValues("bundle").Observe(res.Duration.Seconds())
	}

	logging.PhaseComplete(log, "bundle", res.Duration).
		Int("batches", res.Batches).
		Int("files_bundled", res.FilesBundled).
		Int("files_unchanged", res.FilesUnchanged).
		Int("defects", len(res.Defects)).
		Count("records_written", res.RecordsWritten).
		Count("dropped_unindexed_ip", res.Dropped[DropUnindexedIP]).
		Bytes("bytes_sent", res.BytesSent).
		Int("blobs_assigned", res.BlobsAssigned).
		Int("shards_written", res.ShardsWritten).
		Log("bundle complete")

	return res, runErr
}

// removeOrphans deletes shards no committed batch claims. They belong to a
// batch that crashed between writing shards and committing its offsets, so
// their records will be read again.
func (r *run) removeOrphans(ctx context.Context) error {
	if err := fileutil.CleanupTmpFiles(r.dbDir); err != nil {
		return fmt.Errorf("clean tmp files: %w", err)
	}

	committed, err := r.store.Shards(ctx)
	if err != nil {
		return err
	}

	err = filepath.WalkDir(r.dbDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == r.dbDir && errors.Is(walkErr, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(p, format.ShardExt) {
			return nil
		}
		rel, err := filepath.Rel(r.dbDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if _, ok := committed[rel]; ok {
			delete(committed, rel)
			return nil
		}
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("remove orphan shard: %w", err)
		}
		r.res.OrphansRemoved++
		r.log.Warn().Str("shard", rel).Msg("removed shard of an uncommitted batch")
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan database: %w", err)
	}

	for rel := range committed {
		r.log.Error().Str("shard", rel).Msg("committed shard missing from database")
	}
	return nil
}

func (r *run) finalize() error {
	opts := r.b.opts

	if opts.ExportBlobIndex {
		path := filepath.Join(opts.SharingDir, format.BlobIndexExportName)
		if err := r.table.ExportFile(path); err != nil {
			return fmt.Errorf("export blob index: %w", err)
		}
	}

	start := time.Now()
	m, err := format.BuildManifest(r.dbDir, opts.BlobHeadLength, r.table.Len())
	if err != nil {
		return fmt.Errorf("build manifest: %w", err)
	}
	m.RunID = r.res.RunID
	if err := format.WriteManifest(r.dbDir, m); err != nil {
		return err
	}

	logging.FileCreated(r.log, "bundle", time.Since(start)).
		Str("path", filepath.Join(r.dbDir, format.ManifestName)).
		Int("partitions", len(m.Partitions)).
		Count("rows", m.TotalRows).
		LogDebug("manifest written")

	return nil
}
