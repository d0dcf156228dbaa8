package summarize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eunmann/s3-access-db/internal/logctx"
	"github.com/eunmann/s3-access-db/pkg/extraction"
	"github.com/eunmann/s3-access-db/pkg/ipindex"
	"github.com/eunmann/s3-access-db/pkg/logging"
	"github.com/eunmann/s3-access-db/pkg/metadata"
	"github.com/eunmann/s3-access-db/pkg/metrics"
	"github.com/eunmann/s3-access-db/pkg/workers"
)

const (
	// SummaryDirName is the default summaries directory under the cache root.
	SummaryDirName = "summaries"
	// ArchiveDirName holds archive-wide tables inside the summaries directory.
	ArchiveDirName = "archive"
)

// Dataset outcomes.
const (
	OutcomeSummarized = "summarized"
	OutcomeEmpty      = "empty"
	OutcomeFailed     = "failed"
	OutcomeSkipped    = "skipped"
)

// Options controls a summarization run.
type Options struct {
	CacheRoot string
	// SummaryDir receives one directory per dataset.
	// Default: <CacheRoot>/summaries
	SummaryDir string
	// Pick restricts the run to these datasets when non-empty.
	Pick []string
	// Skip excludes these datasets.
	Skip    []string
	Workers int
	Metrics *metrics.Metrics
}

// Validate checks options and fills defaults for zero values.
func (o *Options) Validate() error {
	if o.CacheRoot == "" {
		return errors.New("cache root is required")
	}
	if o.SummaryDir == "" {
		o.SummaryDir = filepath.Join(o.CacheRoot, SummaryDirName)
	}
	if o.Workers == 0 {
		o.Workers = workers.Default
	}
	if _, err := workers.ResolveLocal(o.Workers); err != nil {
		return err
	}
	return nil
}

// DatasetError records a dataset that could not be summarized.
type DatasetError struct {
	Dataset string
	Err     error
}

func (e *DatasetError) Error() string {
	return fmt.Sprintf("dataset %s: %v", e.Dataset, e.Err)
}

func (e *DatasetError) Unwrap() error {
	return e.Err
}

// RunResult summarizes a Run call.
type RunResult struct {
	Datasets   int
	Summarized int
	Empty      int
	Skipped    int
	Failed     []*DatasetError
	Events     int64
	// Unresolved counts records whose blob belongs to none of the
	// selected datasets.
	Unresolved  int64
	BadFiles    int
	Interrupted bool
	Duration    time.Duration
}

// Summarizer produces per-dataset tables from the extraction cache.
type Summarizer struct {
	opts    Options
	catalog metadata.Catalog
	workers int
}

// NewSummarizer creates a summarizer reading dataset membership from cat.
func NewSummarizer(opts Options, cat metadata.Catalog) (*Summarizer, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if cat == nil {
		return nil, errors.New("catalog is required")
	}
	w, err := workers.ResolveLocal(opts.Workers)
	if err != nil {
		return nil, err
	}
	return &Summarizer{opts: opts, catalog: cat, workers: w}, nil
}

// Select applies the pick and skip lists to datasets, preserving order.
func Select(datasets, pick, skip []string) (selected []string, skipped int) {
	for _, ds := range datasets {
		if (len(pick) > 0 && !slices.Contains(pick, ds)) || slices.Contains(skip, ds) {
			skipped++
			continue
		}
		selected = append(selected, ds)
	}
	return selected, skipped
}

// Run summarizes every selected dataset.
//
// The assets of every selected dataset are resolved first; each extraction
// file is then read once and its records routed to the datasets their blob
// resolves to. Datasets are independent units: a failing dataset is logged
// and skipped, and cancelling ctx stops the run between datasets.
func (s *Summarizer) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	log := logctx.FromContext(ctx).With().Str("phase", "summarize").Logger()
	res := &RunResult{}

	ips, err := ipindex.Load(s.opts.CacheRoot)
	if err != nil {
		return nil, err
	}
	files, err := extraction.Walk(s.opts.CacheRoot)
	if err != nil {
		return nil, err
	}

	all, err := s.catalog.Datasets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	datasets, skipped := Select(all, s.opts.Pick, s.opts.Skip)
	res.Datasets, res.Skipped = len(datasets), skipped
	s.count(OutcomeSkipped, skipped)

	log.Info().
		Int("datasets", len(datasets)).
		Int("skipped", skipped).
		Int("files", len(files)).
		Int("workers", s.workers).
		Msg("starting summarize")

	resolver, resolved := s.resolve(ctx, datasets, res)
	events := s.route(ctx, files, resolver, ips, res)

	tracker := logging.NewProgressTracker("summarize", int64(len(resolved)), log)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.workers)

	for _, ds := range resolved {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			dsStart := time.Now()
			dctx := logctx.WithDataset(ctx, ds)
			empty, err := s.writeDataset(dctx, ds, events[ds])

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				s.fail(dctx, res, ds, err)
			case empty:
				res.Empty++
				s.count(OutcomeEmpty, 1)
			default:
				res.Summarized++
				s.count(OutcomeSummarized, 1)
			}
			tracker.RecordCompletion(time.Since(dsStart))
			tracker.LogProgress("dataset")
			return nil
		})
	}
	_ = g.Wait()

	res.Duration = time.Since(start)
	if m := s.opts.Metrics; m != nil {
		m.PhaseSeconds.WithLabelValues("summarize").Observe(res.Duration.Seconds())
		m.EventsTotal.WithLabelValues("resolved").Add(float64(res.Events))
		m.EventsTotal.WithLabelValues("unresolved").Add(float64(res.Unresolved))
	}

	if err := ctx.Err(); err != nil {
		res.Interrupted = true
		log.Warn().Int("summarized", res.Summarized).Msg("summarize interrupted")
		return res, err
	}

	logging.PhaseComplete(log, "summarize", res.Duration).
		Int("datasets", res.Datasets).
		Int("summarized", res.Summarized).
		Int("empty", res.Empty).
		Int("failed", len(res.Failed)).
		Count("events", res.Events).
		Count("unresolved", res.Unresolved).
		Log("summarize complete")
	return res, nil
}

func (s *Summarizer) count(outcome string, n int) {
	if m := s.opts.Metrics; m != nil && n > 0 {
		m.DatasetsTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// fail records a failed dataset. The caller holds the result lock.
func (s *Summarizer) fail(ctx context.Context, res *RunResult, ds string, err error) {
	log := logctx.FromContext(ctx)
	log.Warn().Err(err).Msg("dataset failed, skipping")
	res.Failed = append(res.Failed, &DatasetError{Dataset: ds, Err: err})
	s.count(OutcomeFailed, 1)
}

// resolve loads the assets of every dataset into a resolver. Datasets whose
// assets cannot be listed fail; the others are returned in input order.
func (s *Summarizer) resolve(ctx context.Context, datasets []string, res *RunResult) (*metadata.Resolver, []string) {
	lists := make([][]metadata.Asset, len(datasets))
	errs := make([]error, len(datasets))

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, ds := range datasets {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			list, err := s.catalog.Assets(ctx, ds)
			if err != nil {
				errs[i] = fmt.Errorf("list assets: %w", err)
				return nil
			}
			lists[i] = list
			return nil
		})
	}
	_ = g.Wait()

	resolver := metadata.NewResolver()
	var ok []string
	for i, ds := range datasets {
		if errs[i] != nil {
			if ctx.Err() == nil {
				s.fail(logctx.WithDataset(ctx, ds), res, ds, errs[i])
			}
			continue
		}
		resolver.Add(ds, lists[i])
		ok = append(ok, ds)
	}
	return resolver, ok
}

// route reads every extraction file once and groups its records into
// events per dataset. Records of blobs no dataset resolves are counted as
// unresolved; unreadable files are logged and skipped.
func (s *Summarizer) route(ctx context.Context, files []extraction.ObjectFile, resolver *metadata.Resolver, ips *ipindex.Index, res *RunResult) map[string][]Event {
	log := logctx.FromContext(ctx)
	events := make(map[string][]Event)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, f := range files {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			chunk, err := extraction.ReadFrom(f, extraction.Position{})
			if err != nil {
				log.Warn().Err(err).Str("file", f.Name).Msg("skipping unreadable extraction file")
				mu.Lock()
				res.BadFiles++
				mu.Unlock()
				return nil
			}

			local := make(map[string][]Event)
			var unresolved int64
			for _, rec := range chunk.Records {
				locs, ok := resolver.Resolve(rec.BlobID)
				if !ok {
					unresolved++
					continue
				}
				region := ips.RegionOf(rec.IP)
				for _, loc := range locs {
					local[loc.Dataset] = append(local[loc.Dataset], Event{
						AssetPath: loc.Path,
						Timestamp: rec.Timestamp,
						BytesSent: rec.BytesSent,
						Region:    region,
					})
				}
			}

			mu.Lock()
			defer mu.Unlock()
			for ds, evs := range local {
				events[ds] = append(events[ds], evs...)
				res.Events += int64(len(evs))
			}
			res.Unresolved += unresolved
			return nil
		})
	}
	_ = g.Wait()

	if res.Unresolved > 0 {
		log.Info().Int64("records", res.Unresolved).Msg("records of blobs outside the selected datasets ignored")
	}
	return events
}

// writeDataset recomputes a dataset's tables. A dataset without activity
// gets header-only tables and all-zero totals, replacing any earlier output.
func (s *Summarizer) writeDataset(ctx context.Context, ds string, events []Event) (empty bool, err error) {
	dir := filepath.Join(s.opts.SummaryDir, ds)
	tables := Summarize(ds, events)
	if err := WriteTables(dir, tables); err != nil {
		return false, err
	}
	if !tables.Empty() {
		return false, nil
	}

	log := logctx.FromContext(ctx)
	log.Debug().Msg("no activity, writing zero totals")
	if err := writeJSON(filepath.Join(dir, TotalsFileName), Totals{}); err != nil {
		return true, err
	}
	return true, nil
}

// WriteTables writes each table of a dataset as <dir>/<name>.tsv.
func WriteTables(dir string, t Tables) error {
	for _, tbl := range t.All() {
		if err := tbl.WriteTSV(filepath.Join(dir, tbl.Name+TableExt)); err != nil {
			return err
		}
	}
	return nil
}

// ReadTables reads a dataset's tables from dir. Missing tables are left
// empty and reported by name.
func ReadTables(dataset, dir string) (Tables, []string, error) {
	t := NewTables(dataset)
	var missing []string
	for _, tbl := range t.All() {
		err := tbl.ReadTSV(filepath.Join(dir, tbl.Name+TableExt))
		if errors.Is(err, os.ErrNotExist) {
			missing = append(missing, tbl.Name)
			continue
		}
		if err != nil {
			return t, missing, err
		}
	}
	return t, missing, nil
}

// ListDatasets returns the dataset directories under summaryDir, sorted.
func ListDatasets(summaryDir string) ([]string, error) {
	entries, err := os.ReadDir(summaryDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read summaries dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || name == ArchiveDirName || name[0] == '.' {
			continue
		}
		out = append(out, name)
	}
	slices.Sort(out)
	return out, nil
}
