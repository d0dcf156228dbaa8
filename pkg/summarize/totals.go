package summarize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/eunmann/s3-access-db/internal/logctx"
	"github.com/eunmann/s3-access-db/pkg/fileutil"
	"github.com/eunmann/s3-access-db/pkg/ipindex"
	"github.com/eunmann/s3-access-db/pkg/logging"
)

// TotalsFileName is the scalar rollup document of a dataset or the archive.
const TotalsFileName = "totals.json"

// Totals is the scalar rollup of one dataset.
type Totals struct {
	RequestCount    int64  `json:"request_count"`
	BytesSent       uint64 `json:"bytes_sent"`
	DistinctAssets  int    `json:"distinct_assets"`
	DistinctRegions int    `json:"distinct_regions"`
	FirstDay        string `json:"first_day,omitempty"`
	LastDay         string `json:"last_day,omitempty"`
}

// Active reports whether the dataset saw any request.
func (t Totals) Active() bool {
	return t.RequestCount > 0
}

// Totalize reduces a dataset's tables to its totals.
//
// Sums come from by_asset only; by_region regroups the same events.
// The unknown region is not counted as a distinct region.
func Totalize(t Tables) Totals {
	sum := t.ByAsset.Sum()
	out := Totals{
		RequestCount:   sum.Requests,
		BytesSent:      sum.BytesSent,
		DistinctAssets: t.ByAsset.Len(),
	}
	for _, k := range t.ByRegion.Keys() {
		if k.Name != ipindex.UnknownRegion {
			out.DistinctRegions++
		}
	}
	if days := t.ByDay.Keys(); len(days) > 0 {
		out.FirstDay = days[0].Name
		out.LastDay = days[len(days)-1].Name
	}
	return out
}

// WriteDatasetTotals computes totals.json for every dataset directory under
// summaryDir and writes the combined <summaryDir>/totals.json.
func WriteDatasetTotals(ctx context.Context, summaryDir string) (map[string]Totals, error) {
	start := time.Now()
	log := logctx.FromContext(ctx).With().Str("phase", "totals").Logger()

	datasets, err := ListDatasets(summaryDir)
	if err != nil {
		return nil, err
	}

	all := make(map[string]Totals, len(datasets))
	for _, ds := range datasets {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		dir := filepath.Join(summaryDir, ds)
		tables, missing, err := ReadTables(ds, dir)
		if err != nil {
			return all, fmt.Errorf("dataset %s: %w", ds, err)
		}
		if len(missing) > 0 {
			log.Info().Str("dataset", ds).Strs("missing", missing).Msg("missing tables count as zero")
		}

		totals := Totalize(tables)
		if err := writeJSON(filepath.Join(dir, TotalsFileName), totals); err != nil {
			return all, err
		}
		all[ds] = totals
	}

	if err := writeJSON(filepath.Join(summaryDir, TotalsFileName), all); err != nil {
		return all, err
	}

	logging.PhaseComplete(log, "totals", time.Since(start)).
		Int("datasets", len(all)).
		Log("dataset totals written")
	return all, nil
}

// ReadTotals reads a totals document.
func ReadTotals(path string) (Totals, error) {
	var t Totals
	data, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse %s: %w", path, err)
	}
	return t, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return fileutil.WriteFileAtomic(path, append(data, '\n'))
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
