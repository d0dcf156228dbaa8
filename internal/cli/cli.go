// Package cli implements the command-line interface for s3access.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/eunmann/s3-access-db/internal/config"
	"github.com/eunmann/s3-access-db/internal/logctx"
	"github.com/eunmann/s3-access-db/pkg/blobindex"
	"github.com/eunmann/s3-access-db/pkg/bundle"
	"github.com/eunmann/s3-access-db/pkg/ipindex"
	"github.com/eunmann/s3-access-db/pkg/logging"
	"github.com/eunmann/s3-access-db/pkg/metadata"
	"github.com/eunmann/s3-access-db/pkg/metrics"
	"github.com/eunmann/s3-access-db/pkg/publish"
	"github.com/eunmann/s3-access-db/pkg/summarize"
)

const usage = `usage: s3access <command> [options]
commands:
  bundle     bundle the extraction cache into the activity database
  reset      forget the bundle checkpoint of files so they are read again
  index-ips  assign anonymous handles to new addresses
  summarize  write per-dataset (--mode dataset) or archive (--mode archive) tables
  totals     write per-dataset (--mode dataset) or archive (--mode archive) totals
  publish    upload the sharing directory to S3`

// Exit codes.
const (
	ExitOK        = 0
	ExitError     = 1
	ExitIntegrity = 2
)

// ExitCode maps an error returned by Run to a process exit status.
// Blob index integrity violations get their own status.
func ExitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return ExitOK
	case errors.Is(err, blobindex.ErrIntegrity):
		return ExitIntegrity
	default:
		return ExitError
	}
}

// Run executes the CLI with the given arguments. Run summaries are printed
// to out; logs go to stderr.
func Run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	switch args[0] {
	case "bundle":
		return runBundle(ctx, args[1:], out)
	case "reset":
		return runReset(ctx, args[1:], out)
	case "index-ips":
		return runIndexIPs(ctx, args[1:], out)
	case "summarize":
		return runSummarize(ctx, args[1:], out)
	case "totals":
		return runTotals(ctx, args[1:], out)
	case "publish":
		return runPublish(ctx, args[1:], out)
	case "help", "-h", "--help":
		fmt.Fprintln(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\n%s", args[0], usage)
	}
}

// commonFlags are accepted by every command. Positional arguments are
// rejected unless positional is set.
type commonFlags struct {
	positional  bool
	configPath  string
	cacheDir    string
	workers     int
	logLevel    string
	debug       bool
	human       bool
	metricsFile string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "YAML config file (default $"+config.ConfigPathEnvVar+")")
	fs.StringVar(&c.cacheDir, "cache-dir", "", "extraction cache root")
	fs.IntVar(&c.workers, "workers", 0, "worker count; negative counts back from the number of CPUs (-1 = all, -2 = all but one)")
	fs.StringVar(&c.logLevel, "log-level", "", "log level: "+strings.Join(logging.Levels, ", ")+" (default info)")
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging (same as --log-level debug)")
	fs.BoolVar(&c.human, "human", false, "human-readable console logs")
	fs.StringVar(&c.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile")
}

// command is the state shared by a single command invocation.
type command struct {
	name    string
	cfg     *config.Config
	metrics *metrics.Metrics
	ctx     context.Context
}

// setup parses flags, loads the configuration with explicitly set flags on
// top, and initializes logging. apply maps flag names to config overrides.
func setup(ctx context.Context, name string, fs *flag.FlagSet, c *commonFlags, args []string, apply map[string]func(*config.Config)) (*command, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 && !c.positional {
		return nil, fmt.Errorf("%s: unexpected arguments: %s", name, strings.Join(fs.Args(), " "))
	}

	cfg, err := config.Load(c.configPath, func(cfg *config.Config) {
		fs.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "cache-dir":
				cfg.CacheDir = c.cacheDir
			case "workers":
				cfg.Workers = c.workers
			case "log-level":
				cfg.Log.Level = c.logLevel
			case "debug":
				cfg.Log.Debug = c.debug
			case "human":
				cfg.Log.Human = c.human
			case "metrics-file":
				cfg.MetricsFile = c.metricsFile
			}
			if fn, ok := apply[f.Name]; ok {
				fn(cfg)
			}
		})
	})
	if err != nil {
		return nil, err
	}

	if err := logging.Init(cfg.Log.LoggingOptions()); err != nil {
		return nil, err
	}
	ctx = logctx.WithRun(ctx, logging.WithCommand(name))

	return &command{name: name, cfg: cfg, metrics: metrics.New(), ctx: ctx}, nil
}

// finish writes the metrics textfile when configured. A failed command
// does not update its last-success gauge.
func (c *command) finish(err error) error {
	if c.cfg.MetricsFile == "" {
		return err
	}
	if err == nil {
		c.metrics.LastSuccess.WithLabelValues(c.name).SetToCurrentTime()
	}
	if werr := c.metrics.WriteTextfile(c.cfg.MetricsFile); werr != nil {
		log := logctx.FromContext(c.ctx)
		log.Warn().Err(werr).Str("path", c.cfg.MetricsFile).Msg("failed to write metrics")
	}
	return err
}

func runBundle(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("bundle", flag.ContinueOnError)
	var c commonFlags
	c.register(fs)
	sharingDir := fs.String("sharing-dir", "", "output directory for the database and side file (default <cache-dir>/sharing)")
	headLen := fs.Int("blob-head-length", 0, "identifier prefix length used as partition key")
	batchSize := fs.Int("batch-size", 0, "extraction files committed per batch")
	exportIndex := fs.Bool("export-blob-index", true, "write blob_index_to_id.yaml next to the database")
	allowActive := fs.Bool("allow-active", false, "bundle even while an extraction round is running")

	cmd, err := setup(ctx, "bundle", fs, &c, args, map[string]func(*config.Config){
		"sharing-dir":       func(cfg *config.Config) { cfg.SharingDir = *sharingDir },
		"blob-head-length":  func(cfg *config.Config) { cfg.Bundle.BlobHeadLength = *headLen },
		"batch-size":        func(cfg *config.Config) { cfg.Bundle.BatchSize = *batchSize },
		"export-blob-index": func(cfg *config.Config) { cfg.Bundle.ExportBlobIndex = *exportIndex },
		"allow-active":      func(cfg *config.Config) { cfg.Bundle.AllowActive = *allowActive },
	})
	if err != nil {
		return err
	}

	opts := cmd.cfg.BundleOptions()
	opts.RunID = logctx.RunID(cmd.ctx)
	opts.Metrics = cmd.metrics

	b, err := bundle.New(opts)
	if err != nil {
		return cmd.finish(err)
	}
	res, err := b.Run(cmd.ctx)
	if res != nil {
		printBundleResult(out, res)
	}
	if errors.Is(err, blobindex.ErrIntegrity) {
		err = fmt.Errorf("blob index integrity violation, run aborted: %w", err)
	}
	return cmd.finish(err)
}

func printBundleResult(w io.Writer, r *bundle.Result) {
	fmt.Fprintf(w, "run:          %s\n", r.RunID)
	if p := r.PreviousRun; p != nil {
		fmt.Fprintf(w, "previous:     %s, finished %s (%s files, %s records)\n",
			p.RunID, humanize.Time(p.FinishedAt), humanize.Comma(p.FilesBundled), humanize.Comma(p.RecordsWritten))
	}
	fmt.Fprintf(w, "files:        %s scanned, %s bundled, %s unchanged\n",
		humanize.Comma(int64(r.FilesScanned)), humanize.Comma(int64(r.FilesBundled)), humanize.Comma(int64(r.FilesUnchanged)))
	fmt.Fprintf(w, "records:      %s read, %s written (%s sent)\n",
		humanize.Comma(r.RecordsRead), humanize.Comma(r.RecordsWritten), humanize.Bytes(r.BytesSent))
	fmt.Fprintf(w, "dropped:      %s\n", formatCounts(r.Dropped))

	defects := make(map[string]int64)
	for reason, n := range r.DefectsByReason() {
		defects[reason] = int64(n)
	}
	fmt.Fprintf(w, "skipped:      %s\n", formatCounts(defects))
	fmt.Fprintf(w, "blob index:   %s entries, %s new\n", humanize.Comma(int64(r.BlobIndexSize)), humanize.Comma(int64(r.BlobsAssigned)))
	fmt.Fprintf(w, "shards:       %d written, %d orphans removed\n", r.ShardsWritten, r.OrphansRemoved)
	if r.Interrupted {
		fmt.Fprintf(w, "interrupted:  after %d batches\n", r.Batches)
	}
	fmt.Fprintf(w, "duration:     %s\n", r.Duration.Round(time.Millisecond))
}

func formatCounts(m map[string]int64) string {
	if len(m) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, humanize.Comma(m[k])))
	}
	return strings.Join(parts, ", ")
}

func runReset(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	c := commonFlags{positional: true}
	c.register(fs)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: s3access reset [options] <object key or file name>...")
		fs.PrintDefaults()
	}

	cmd, err := setup(ctx, "reset", fs, &c, args, nil)
	if err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("reset: at least one object key or file name is required")
	}

	resets, err := bundle.ResetFiles(cmd.ctx, cmd.cfg.CacheDir, fs.Args())
	for _, r := range resets {
		if r.Existed {
			fmt.Fprintf(out, "reset:    %s (was %s lines, %s)\n",
				r.File, humanize.Comma(r.Previous.Lines), humanize.Bytes(uint64(r.Previous.Offset)))
		} else {
			fmt.Fprintf(out, "no state: %s\n", r.File)
		}
	}
	return cmd.finish(err)
}

func runIndexIPs(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("index-ips", flag.ContinueOnError)
	var c commonFlags
	c.register(fs)
	seed := fs.Uint64("seed", 0, "seed of the handle generator")

	cmd, err := setup(ctx, "index-ips", fs, &c, args, map[string]func(*config.Config){
		"seed": func(cfg *config.Config) { cfg.IPs.Seed = *seed },
	})
	if err != nil {
		return err
	}

	res, err := ipindex.Build(cmd.ctx, cmd.cfg.CacheDir, cmd.cfg.IPs.Seed)
	if err != nil {
		return cmd.finish(err)
	}
	fmt.Fprintf(out, "files:     %d scanned, %d skipped\n", res.FilesScanned, res.FilesSkipped)
	fmt.Fprintf(out, "addresses: %s seen, %s new, %s indexed\n",
		humanize.Comma(int64(res.Seen)), humanize.Comma(int64(res.Assigned)), humanize.Comma(int64(res.Total)))
	fmt.Fprintf(out, "duration:  %s\n", res.Duration.Round(time.Millisecond))
	return cmd.finish(nil)
}

// modeFlag registers --mode and returns a function reporting the parsed mode.
func modeFlag(fs *flag.FlagSet) func() (summarize.Mode, error) {
	mode := fs.String("mode", "dataset", "dataset or archive")
	return func() (summarize.Mode, error) {
		return summarize.ParseMode(*mode)
	}
}

func openCatalog(cfg *config.Config) (metadata.Catalog, error) {
	if cfg.Metadata.CatalogFile != "" {
		return metadata.LoadFileCatalog(cfg.Metadata.CatalogFile)
	}
	return metadata.NewAPIClient(cfg.APIConfig())
}

func runSummarize(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("summarize", flag.ContinueOnError)
	var c commonFlags
	c.register(fs)
	mode := modeFlag(fs)
	summaryDir := fs.String("summary-dir", "", "summaries directory (default <cache-dir>/summaries)")
	pick := fs.String("pick", "", "comma-separated datasets to summarize exclusively")
	skip := fs.String("skip", "", "comma-separated datasets to leave out")
	apiURL := fs.String("api-url", "", "archive API base URL")
	catalog := fs.String("catalog", "", "static YAML catalog used instead of the API")

	cmd, err := setup(ctx, "summarize", fs, &c, args, map[string]func(*config.Config){
		"summary-dir": func(cfg *config.Config) { cfg.SummaryDir = *summaryDir },
		"pick":        func(cfg *config.Config) { cfg.Summaries.Pick = config.SplitList(*pick) },
		"skip":        func(cfg *config.Config) { cfg.Summaries.Skip = config.SplitList(*skip) },
		"api-url":     func(cfg *config.Config) { cfg.Metadata.APIURL = *apiURL },
		"catalog":     func(cfg *config.Config) { cfg.Metadata.CatalogFile = *catalog },
	})
	if err != nil {
		return err
	}
	m, err := mode()
	if err != nil {
		return cmd.finish(err)
	}

	if m == summarize.ModeArchive {
		a, err := summarize.WriteArchiveSummaries(cmd.ctx, cmd.cfg.SummaryDir)
		if err != nil {
			return cmd.finish(err)
		}
		fmt.Fprintf(out, "archive:  %d datasets, %d days, %d regions\n", a.ByDataset.Len(), a.ByDay.Len(), a.ByRegion.Len())
		return cmd.finish(nil)
	}

	cat, err := openCatalog(cmd.cfg)
	if err != nil {
		return cmd.finish(err)
	}
	opts := cmd.cfg.SummarizeOptions()
	opts.Metrics = cmd.metrics
	s, err := summarize.NewSummarizer(opts, cat)
	if err != nil {
		return cmd.finish(err)
	}

	res, err := s.Run(cmd.ctx)
	if res != nil {
		fmt.Fprintf(out, "datasets: %d selected, %d skipped\n", res.Datasets, res.Skipped)
		fmt.Fprintf(out, "written:  %d summarized, %d without activity, %d failed\n", res.Summarized, res.Empty, len(res.Failed))
		fmt.Fprintf(out, "events:   %s (%s records outside the selected datasets)\n",
			humanize.Comma(res.Events), humanize.Comma(res.Unresolved))
		for _, f := range res.Failed {
			fmt.Fprintf(out, "failed:   %v\n", f)
		}
		fmt.Fprintf(out, "duration: %s\n", res.Duration.Round(time.Millisecond))
	}
	return cmd.finish(err)
}

func runTotals(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("totals", flag.ContinueOnError)
	var c commonFlags
	c.register(fs)
	mode := modeFlag(fs)
	summaryDir := fs.String("summary-dir", "", "summaries directory (default <cache-dir>/summaries)")

	cmd, err := setup(ctx, "totals", fs, &c, args, map[string]func(*config.Config){
		"summary-dir": func(cfg *config.Config) { cfg.SummaryDir = *summaryDir },
	})
	if err != nil {
		return err
	}
	m, err := mode()
	if err != nil {
		return cmd.finish(err)
	}

	if m == summarize.ModeArchive {
		t, err := summarize.WriteArchiveTotals(cmd.ctx, cmd.cfg.SummaryDir)
		if err != nil {
			return cmd.finish(err)
		}
		fmt.Fprintf(out, "requests:        %s\n", humanize.Comma(t.RequestCount))
		fmt.Fprintf(out, "bytes sent:      %s\n", humanize.Bytes(t.BytesSent))
		fmt.Fprintf(out, "active datasets: %d\n", t.ActiveDatasets)
		return cmd.finish(nil)
	}

	all, err := summarize.WriteDatasetTotals(cmd.ctx, cmd.cfg.SummaryDir)
	if err != nil {
		return cmd.finish(err)
	}
	fmt.Fprintf(out, "datasets: %d\n", len(all))
	return cmd.finish(nil)
}

func runPublish(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	var c commonFlags
	c.register(fs)
	uri := fs.String("uri", "", "destination, s3://bucket/prefix")
	concurrency := fs.Int("concurrency", 0, "files uploaded at once")
	withSummaries := fs.Bool("summaries", false, "also upload the summaries directory to <uri>/summaries")

	cmd, err := setup(ctx, "publish", fs, &c, args, map[string]func(*config.Config){
		"uri":         func(cfg *config.Config) { cfg.Publish.URI = *uri },
		"concurrency": func(cfg *config.Config) { cfg.Publish.Concurrency = *concurrency },
	})
	if err != nil {
		return err
	}
	if cmd.cfg.Publish.URI == "" {
		return errors.New("--uri is required (or publish.uri in the config)")
	}

	p, err := publish.New(cmd.ctx, cmd.cfg.UploadConfig())
	if err != nil {
		return cmd.finish(err)
	}
	return cmd.finish(publishAll(cmd.ctx, p, cmd.cfg, *withSummaries, out))
}

func publishAll(ctx context.Context, p *publish.Publisher, cfg *config.Config, withSummaries bool, out io.Writer) error {
	dirs := []struct{ dir, uri string }{{cfg.SharingDir, cfg.Publish.URI}}
	if withSummaries {
		dirs = append(dirs, struct{ dir, uri string }{cfg.SummaryDir, strings.TrimSuffix(cfg.Publish.URI, "/") + "/" + summarize.SummaryDirName})
	}
	for _, d := range dirs {
		res, err := p.Publish(ctx, d.dir, d.uri)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %d files, %s\n", res.Target, res.Files, humanize.Bytes(uint64(res.Bytes)))
	}
	return nil
}
