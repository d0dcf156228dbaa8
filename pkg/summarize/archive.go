package summarize

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/eunmann/s3-access-db/internal/logctx"
	"github.com/eunmann/s3-access-db/pkg/logging"
)

// Mode selects which level of the rollup a command produces.
type Mode uint8

const (
	// ModeDataset works on each dataset independently.
	ModeDataset Mode = iota
	// ModeArchive unions all datasets.
	ModeArchive
)

func (m Mode) String() string {
	switch m {
	case ModeDataset:
		return "dataset"
	case ModeArchive:
		return "archive"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode parses "dataset" (alias "dandiset") or "archive".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "dataset", "dandiset":
		return ModeDataset, nil
	case "archive":
		return ModeArchive, nil
	}
	return 0, fmt.Errorf("unknown mode %q (want dataset or archive)", s)
}

// ArchiveSummary holds the archive-wide tables.
type ArchiveSummary struct {
	ByDay     *Table
	ByRegion  *Table
	ByDataset *Table
}

// NewArchiveSummary returns empty archive tables.
func NewArchiveSummary() ArchiveSummary {
	return ArchiveSummary{
		ByDay:     NewTable(TableByDay, "date"),
		ByRegion:  NewTable(TableByRegion, "region"),
		ByDataset: NewTable(TableByDataset, "dataset"),
	}
}

// All returns the tables in file order.
func (a ArchiveSummary) All() []*Table {
	return []*Table{a.ByDay, a.ByRegion, a.ByDataset}
}

// ArchiveTotals is the scalar rollup of the whole archive.
type ArchiveTotals struct {
	RequestCount int64  `json:"request_count"`
	BytesSent    uint64 `json:"bytes_sent"`
	// DistinctAssets sums per-dataset distinct assets; an asset shared by
	// two datasets counts twice.
	DistinctAssets int    `json:"distinct_assets"`
	ActiveDatasets int    `json:"active_datasets"`
	FirstDay       string `json:"first_day,omitempty"`
	LastDay        string `json:"last_day,omitempty"`
}

// Add folds one dataset's totals in.
func (a *ArchiveTotals) Add(t Totals) {
	a.RequestCount += t.RequestCount
	a.BytesSent += t.BytesSent
	a.DistinctAssets += t.DistinctAssets
	if t.Active() {
		a.ActiveDatasets++
	}
	if t.FirstDay != "" && (a.FirstDay == "" || t.FirstDay < a.FirstDay) {
		a.FirstDay = t.FirstDay
	}
	if t.LastDay > a.LastDay {
		a.LastDay = t.LastDay
	}
}

// AggregateSummaries unions dataset tables into archive tables.
// The result does not depend on iteration order.
func AggregateSummaries(all map[string]Tables) ArchiveSummary {
	out := NewArchiveSummary()
	for ds, t := range all {
		out.ByDay.Merge(t.ByDay)
		out.ByRegion.Merge(t.ByRegion)
		if t.ByAsset != nil {
			out.ByDataset.Add(Key{Name: ds}, t.ByAsset.Sum())
		}
	}
	return out
}

// AggregateTotals sums dataset totals.
func AggregateTotals(all map[string]Totals) ArchiveTotals {
	var out ArchiveTotals
	for _, t := range all {
		out.Add(t)
	}
	return out
}

// WriteArchiveSummaries reads every dataset's tables under summaryDir and
// writes <summaryDir>/archive/{by_day,by_region,by_dataset}.tsv.
func WriteArchiveSummaries(ctx context.Context, summaryDir string) (ArchiveSummary, error) {
	start := time.Now()
	log := logctx.FromContext(ctx).With().Str("phase", "archive_summaries").Logger()

	datasets, err := ListDatasets(summaryDir)
	if err != nil {
		return ArchiveSummary{}, err
	}

	all := make(map[string]Tables, len(datasets))
	for _, ds := range datasets {
		if err := ctx.Err(); err != nil {
			return ArchiveSummary{}, err
		}
		tables, missing, err := ReadTables(ds, filepath.Join(summaryDir, ds))
		if err != nil {
			return ArchiveSummary{}, fmt.Errorf("dataset %s: %w", ds, err)
		}
		if len(missing) > 0 {
			log.Info().Str("dataset", ds).Strs("missing", missing).Msg("missing tables count as zero")
		}
		all[ds] = tables
	}

	out := AggregateSummaries(all)
	dir := filepath.Join(summaryDir, ArchiveDirName)
	for _, tbl := range out.All() {
		if err := tbl.WriteTSV(filepath.Join(dir, tbl.Name+TableExt)); err != nil {
			return out, err
		}
	}

	logging.PhaseComplete(log, "archive_summaries", time.Since(start)).
		Int("datasets", len(all)).
		Int("days", out.ByDay.Len()).
		Int("regions", out.ByRegion.Len()).
		Log("archive summaries written")
	return out, nil
}

// WriteArchiveTotals sums every <summaryDir>/<dataset>/totals.json into
// <summaryDir>/archive/totals.json.
func WriteArchiveTotals(ctx context.Context, summaryDir string) (ArchiveTotals, error) {
	start := time.Now()
	log := logctx.FromContext(ctx).With().Str("phase", "archive_totals").Logger()

	datasets, err := ListDatasets(summaryDir)
	if err != nil {
		return ArchiveTotals{}, err
	}

	all := make(map[string]Totals, len(datasets))
	for _, ds := range datasets {
		if err := ctx.Err(); err != nil {
			return ArchiveTotals{}, err
		}
		t, err := ReadTotals(filepath.Join(summaryDir, ds, TotalsFileName))
		if isNotExist(err) {
			log.Info().Str("dataset", ds).Msg("no totals, counting as zero")
			continue
		}
		if err != nil {
			return ArchiveTotals{}, fmt.Errorf("dataset %s: %w", ds, err)
		}
		all[ds] = t
	}

	out := AggregateTotals(all)
	if err := writeJSON(filepath.Join(summaryDir, ArchiveDirName, TotalsFileName), out); err != nil {
		return out, err
	}

	logging.PhaseComplete(log, "archive_totals", time.Since(start)).
		Int("datasets", len(all)).
		Int("active_datasets", out.ActiveDatasets).
		Count("requests", out.RequestCount).
		Bytes("bytes_sent", out.BytesSent).
		Log("archive totals written")
	return out, nil
}
