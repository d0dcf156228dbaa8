package summarize

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/eunmann/s3-access-db/pkg/assets"
	"github.com/eunmann/s3-access-db/pkg/extraction"
	"github.com/eunmann/s3-access-db/pkg/ipindex"
	"github.com/eunmann/s3-access-db/pkg/metadata"
	"github.com/eunmann/s3-access-db/pkg/metrics"
)

var day1 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func rows(t *Table) map[Key]Counts {
	out := make(map[Key]Counts, t.Len())
	for _, k := range t.Keys() {
		out[k] = t.Get(k)
	}
	return out
}

func sampleEvents() []Event {
	return []Event{
		{AssetPath: "sub-01/a.nwb", Timestamp: day1, BytesSent: 100, Region: "US/California"},
		{AssetPath: "sub-01/a.nwb", Timestamp: day1.Add(time.Hour), BytesSent: 50, Region: "US/California"},
		{AssetPath: "sub-01/a.nwb", Timestamp: day1.Add(24 * time.Hour), BytesSent: 25, Region: "DE/Berlin"},
		{AssetPath: "sub-02/b.nwb", Timestamp: day1.Add(48 * time.Hour), BytesSent: 7},
	}
}

func TestSummarize(t *testing.T) {
	got := Summarize("000001", sampleEvents())

	if got.Dataset != "000001" {
		t.Errorf("Dataset = %q", got.Dataset)
	}
	wantDay := map[Key]Counts{
		{Name: "2024-05-01"}: {Requests: 2, BytesSent: 150},
		{Name: "2024-05-02"}: {Requests: 1, BytesSent: 25},
		{Name: "2024-05-03"}: {Requests: 1, BytesSent: 7},
	}
	if diff := cmp.Diff(wantDay, rows(got.ByDay)); diff != "" {
		t.Errorf("by_day mismatch (-want +got):\n%s", diff)
	}
	wantAsset := map[Key]Counts{
		{Name: "sub-01/a.nwb"}: {Requests: 3, BytesSent: 175},
		{Name: "sub-02/b.nwb"}: {Requests: 1, BytesSent: 7},
	}
	if diff := cmp.Diff(wantAsset, rows(got.ByAsset)); diff != "" {
		t.Errorf("by_asset mismatch (-want +got):\n%s", diff)
	}
	wantAssetDay := map[Key]Counts{
		{Name: "sub-01/a.nwb", Day: "2024-05-01"}: {Requests: 2, BytesSent: 150},
		{Name: "sub-01/a.nwb", Day: "2024-05-02"}: {Requests: 1, BytesSent: 25},
		{Name: "sub-02/b.nwb", Day: "2024-05-03"}: {Requests: 1, BytesSent: 7},
	}
	if diff := cmp.Diff(wantAssetDay, rows(got.ByAssetDay)); diff != "" {
		t.Errorf("by_asset_day mismatch (-want +got):\n%s", diff)
	}
	wantRegion := map[Key]Counts{
		{Name: "US/California"}:       {Requests: 2, BytesSent: 150},
		{Name: "DE/Berlin"}:           {Requests: 1, BytesSent: 25},
		{Name: ipindex.UnknownRegion}: {Requests: 1, BytesSent: 7},
	}
	if diff := cmp.Diff(wantRegion, rows(got.ByRegion)); diff != "" {
		t.Errorf("by_region mismatch (-want +got):\n%s", diff)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	got := Summarize("000002", nil)
	if !got.Empty() {
		t.Error("no events should give empty tables")
	}
	if tot := Totalize(got); tot != (Totals{}) {
		t.Errorf("Totalize(empty) = %+v, want zero", tot)
	}
}

func TestTotalize(t *testing.T) {
	got := Totalize(Summarize("000001", sampleEvents()))
	want := Totals{
		RequestCount:    4,
		BytesSent:       182,
		DistinctAssets:  2,
		DistinctRegions: 2,
		FirstDay:        "2024-05-01",
		LastDay:         "2024-05-03",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Totalize mismatch (-want +got):\n%s", diff)
	}
}

func TestTotalizeUsesAssetTableOnly(t *testing.T) {
	tables := Summarize("000001", sampleEvents())
	// An inconsistent region table must not change the sums.
	tables.ByRegion.Add(Key{Name: "FR/Paris"}, Counts{Requests: 1000, BytesSent: 1000})

	got := Totalize(tables)
	if got.RequestCount != 4 || got.BytesSent != 182 {
		t.Errorf("Totalize = %d requests, %d bytes; want 4, 182", got.RequestCount, got.BytesSent)
	}
}

func TestTableTSV(t *testing.T) {
	tables := Summarize("000001", sampleEvents())
	path := filepath.Join(t.TempDir(), "by_asset_day.tsv")

	if err := tables.ByAssetDay.WriteTSV(path); err != nil {
		t.Fatalf("WriteTSV failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "asset_path\tdate\trequest_count\tbytes_sent\n" +
		"sub-01/a.nwb\t2024-05-01\t2\t150\n" +
		"sub-01/a.nwb\t2024-05-02\t1\t25\n" +
		"sub-02/b.nwb\t2024-05-03\t1\t7\n"
	if diff := cmp.Diff(want, string(data)); diff != "" {
		t.Errorf("TSV mismatch (-want +got):\n%s", diff)
	}

	back := NewTable(TableByAssetDay, "asset_path", "date")
	if err := back.ReadTSV(path); err != nil {
		t.Fatalf("ReadTSV failed: %v", err)
	}
	if diff := cmp.Diff(rows(tables.ByAssetDay), rows(back)); diff != "" {
		t.Errorf("read back mismatch (-want +got):\n%s", diff)
	}
}

func TestReadTSVBadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "by_day.tsv")
	if err := os.WriteFile(path, []byte("day\tcount\n"), 0644); err != nil {
		t.Fatal(err)
	}
	err := NewTable(TableByDay, "date").ReadTSV(path)
	if !errors.Is(err, ErrBadTable) {
		t.Fatalf("ReadTSV error = %v, want ErrBadTable", err)
	}
}

func TestAggregateIsOrderIndependent(t *testing.T) {
	a := Summarize("a", sampleEvents()[:2])
	b := Summarize("b", sampleEvents()[2:])
	empty := Summarize("c", nil)

	whole := AggregateSummaries(map[string]Tables{"a": a, "b": b})
	withEmpty := AggregateSummaries(map[string]Tables{"a": a, "b": b, "c": empty})
	for i, tbl := range whole.All() {
		if diff := cmp.Diff(rows(tbl), rows(withEmpty.All()[i])); diff != "" {
			t.Errorf("%s changed by a zero-activity dataset:\n%s", tbl.Name, diff)
		}
	}

	all := Summarize("x", sampleEvents())
	if diff := cmp.Diff(rows(all.ByDay), rows(whole.ByDay)); diff != "" {
		t.Errorf("archive by_day differs from a single summary:\n%s", diff)
	}
	wantDataset := map[Key]Counts{
		{Name: "a"}: {Requests: 2, BytesSent: 150},
		{Name: "b"}: {Requests: 2, BytesSent: 32},
	}
	if diff := cmp.Diff(wantDataset, rows(whole.ByDataset)); diff != "" {
		t.Errorf("by_dataset mismatch (-want +got):\n%s", diff)
	}

	ta, tb, tc := Totalize(a), Totalize(b), Totalize(empty)
	var forward, backward ArchiveTotals
	for _, x := range []Totals{ta, tb, tc} {
		forward.Add(x)
	}
	for _, x := range []Totals{tc, tb, ta} {
		backward.Add(x)
	}
	if diff := cmp.Diff(forward, backward); diff != "" {
		t.Errorf("totals depend on order:\n%s", diff)
	}
	got := AggregateTotals(map[string]Totals{"a": ta, "b": tb, "c": tc})
	want := ArchiveTotals{
		RequestCount:   4,
		BytesSent:      182,
		DistinctAssets: 3,
		ActiveDatasets: 2,
		FirstDay:       "2024-05-01",
		LastDay:        "2024-05-03",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("AggregateTotals mismatch (-want +got):\n%s", diff)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"dataset", ModeDataset, false},
		{"dandiset", ModeDataset, false},
		{"", ModeDataset, false},
		{"Archive", ModeArchive, false},
		{"bucket", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSelect(t *testing.T) {
	all := []string{"000001", "000002", "000003"}

	got, skipped := Select(all, nil, []string{"000002"})
	if diff := cmp.Diff([]string{"000001", "000003"}, got); diff != "" || skipped != 1 {
		t.Errorf("skip: got %v (%d skipped)", got, skipped)
	}
	got, skipped = Select(all, []string{"000003", "000002"}, []string{"000002"})
	if diff := cmp.Diff([]string{"000003"}, got); diff != "" || skipped != 2 {
		t.Errorf("pick+skip: got %v (%d skipped)", got, skipped)
	}
}

func writeExtraction(t *testing.T, cache, key string, lines ...string) {
	t.Helper()
	path := extraction.FileFor(cache, key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "")), 0644); err != nil {
		t.Fatal(err)
	}
}

// setupCache writes a cache with two blobs and one zarr store, indexes the
// addresses and gives one of them a region.
func setupCache(t *testing.T) (string, metadata.Catalog) {
	t.Helper()
	cache := t.TempDir()

	writeExtraction(t, cache, "blobs/aaa/bbb/aaabbb-1",
		extraction.FormatLine(day1, 100, "10.0.0.1"),
		extraction.FormatLine(day1.Add(24*time.Hour), 200, "10.0.0.2"),
	)
	writeExtraction(t, cache, "blobs/ccc/ddd/cccddd-2",
		extraction.FormatLine(day1, 10, "10.0.0.1"),
	)
	writeExtraction(t, cache, "zarr/zz-1",
		extraction.FormatLine(day1.Add(time.Hour), 5, "10.0.0.3"),
	)

	if _, err := ipindex.Build(context.Background(), cache, 7); err != nil {
		t.Fatalf("index ips: %v", err)
	}
	ips, err := ipindex.Load(cache)
	if err != nil {
		t.Fatal(err)
	}
	h, ok := ips.Lookup("10.0.0.1")
	if !ok {
		t.Fatal("10.0.0.1 not indexed")
	}
	ips.SetRegion(h, "US/Virginia")
	if err := ips.Save(cache); err != nil {
		t.Fatal(err)
	}

	cat := metadata.NewFileCatalog(map[string][]metadata.Asset{
		"000001": {{Path: "a.nwb", BlobID: "aaabbb-1", Type: assets.Blob}},
		"000002": {
			{Path: "a_copy.nwb", BlobID: "aaabbb-1", Type: assets.Blob},
			{Path: "c.nwb", BlobID: "cccddd-2", Type: assets.Blob},
			{Path: "z.zarr", BlobID: "zz-1", Type: assets.Zarr},
		},
		"000003": {{Path: "never.nwb", BlobID: "never-read", Type: assets.Blob}},
	})
	return cache, cat
}

func newTestSummarizer(t *testing.T, cache string, cat metadata.Catalog, m *metrics.Metrics) *Summarizer {
	t.Helper()
	opts := Options{CacheRoot: cache, Workers: 2, Metrics: m}
	s, err := NewSummarizer(opts, cat)
	if err != nil {
		t.Fatalf("NewSummarizer failed: %v", err)
	}
	return s
}

func TestSummarizerRun(t *testing.T) {
	cache, cat := setupCache(t)
	m := metrics.New()

	res, err := newTestSummarizer(t, cache, cat, m).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Summarized != 2 || res.Empty != 1 || len(res.Failed) != 0 {
		t.Errorf("result = %+v, want 2 summarized, 1 empty", res)
	}
	if res.Events != 2+4 {
		t.Errorf("Events = %d, want 6", res.Events)
	}

	if res.Unresolved != 0 {
		t.Errorf("Unresolved = %d, want 0", res.Unresolved)
	}

	summaries := filepath.Join(cache, SummaryDirName)
	never, missing, err := ReadTables("000003", filepath.Join(summaries, "000003"))
	if err != nil || len(missing) != 0 {
		t.Fatalf("zero-activity tables: %v, missing %v", err, missing)
	}
	if !never.Empty() {
		t.Error("zero-activity dataset has rows")
	}
	zero, err := ReadTotals(filepath.Join(summaries, "000003", TotalsFileName))
	if err != nil {
		t.Fatalf("zero-activity totals: %v", err)
	}
	if zero != (Totals{}) {
		t.Errorf("zero-activity totals = %+v, want all zero", zero)
	}

	tables, missing, err := ReadTables("000002", filepath.Join(summaries, "000002"))
	if err != nil || len(missing) != 0 {
		t.Fatalf("ReadTables = %v, missing %v", err, missing)
	}
	wantAsset := map[Key]Counts{
		{Name: "a_copy.nwb"}: {Requests: 2, BytesSent: 300},
		{Name: "c.nwb"}:      {Requests: 1, BytesSent: 10},
		{Name: "z.zarr"}:     {Requests: 1, BytesSent: 5},
	}
	if diff := cmp.Diff(wantAsset, rows(tables.ByAsset)); diff != "" {
		t.Errorf("by_asset mismatch (-want +got):\n%s", diff)
	}
	wantRegion := map[Key]Counts{
		{Name: "US/Virginia"}:         {Requests: 2, BytesSent: 110},
		{Name: ipindex.UnknownRegion}: {Requests: 2, BytesSent: 205},
	}
	if diff := cmp.Diff(wantRegion, rows(tables.ByRegion)); diff != "" {
		t.Errorf("by_region mismatch (-want +got):\n%s", diff)
	}

	totals, err := WriteDatasetTotals(context.Background(), summaries)
	if err != nil {
		t.Fatalf("WriteDatasetTotals failed: %v", err)
	}
	if got := totals["000002"]; got.RequestCount != 4 || got.DistinctAssets != 3 || got.DistinctRegions != 1 {
		t.Errorf("000002 totals = %+v", got)
	}
	onDisk, err := ReadTotals(filepath.Join(summaries, "000001", TotalsFileName))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(totals["000001"], onDisk); diff != "" {
		t.Errorf("totals.json mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(summaries, TotalsFileName)); err != nil {
		t.Errorf("combined totals missing: %v", err)
	}

	archive, err := WriteArchiveTotals(context.Background(), summaries)
	if err != nil {
		t.Fatalf("WriteArchiveTotals failed: %v", err)
	}
	if archive.RequestCount != 6 || archive.BytesSent != 615 || archive.ActiveDatasets != 2 {
		t.Errorf("archive totals = %+v", archive)
	}
}

func TestArchiveSummariesToleratesMissingTables(t *testing.T) {
	cache, cat := setupCache(t)
	if _, err := newTestSummarizer(t, cache, cat, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	summaries := filepath.Join(cache, SummaryDirName)
	if err := os.Remove(filepath.Join(summaries, "000001", TableByRegion+TableExt)); err != nil {
		t.Fatal(err)
	}

	got, err := WriteArchiveSummaries(context.Background(), summaries)
	if err != nil {
		t.Fatalf("WriteArchiveSummaries failed: %v", err)
	}
	// 000001's region rows are gone; its by_day and by_dataset rows remain.
	if sum := got.ByRegion.Sum(); sum.Requests != 4 {
		t.Errorf("by_region requests = %d, want 4", sum.Requests)
	}
	if sum := got.ByDay.Sum(); sum.Requests != 6 {
		t.Errorf("by_day requests = %d, want 6", sum.Requests)
	}
	if got.ByDataset.Len() != 2 {
		t.Errorf("by_dataset rows = %d, want 2", got.ByDataset.Len())
	}
	for _, name := range []string{TableByDay, TableByRegion, TableByDataset} {
		if _, err := os.Stat(filepath.Join(summaries, ArchiveDirName, name+TableExt)); err != nil {
			t.Errorf("archive %s missing: %v", name, err)
		}
	}
}

func TestSummarizerPickAndCancel(t *testing.T) {
	cache, cat := setupCache(t)
	s := newTestSummarizer(t, cache, cat, nil)
	s.opts.Pick = []string{"000001"}

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Datasets != 1 || res.Skipped != 2 {
		t.Errorf("result = %+v, want 1 dataset, 2 skipped", res)
	}
	// cccddd-2 and zz-1 belong only to the skipped 000002.
	if res.Unresolved != 2 {
		t.Errorf("Unresolved = %d, want 2", res.Unresolved)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err = newTestSummarizer(t, cache, cat, nil).Run(ctx)
	if err == nil || !res.Interrupted {
		t.Errorf("canceled run: err = %v, result = %+v", err, res)
	}
}

func TestSummarizerReplacesStaleOutput(t *testing.T) {
	cache, cat := setupCache(t)
	if _, err := newTestSummarizer(t, cache, cat, nil).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	summaries := filepath.Join(cache, SummaryDirName)
	if _, err := WriteDatasetTotals(context.Background(), summaries); err != nil {
		t.Fatal(err)
	}

	// 000001 loses its only asset.
	cat = metadata.NewFileCatalog(map[string][]metadata.Asset{
		"000001": nil,
		"000002": {{Path: "c.nwb", BlobID: "cccddd-2", Type: assets.Blob}},
	})
	m := metrics.New()
	res, err := newTestSummarizer(t, cache, cat, m).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Empty != 1 || res.Summarized != 1 {
		t.Errorf("result = %+v, want 1 summarized, 1 empty", res)
	}
	if res.Unresolved != 3 {
		t.Errorf("Unresolved = %d, want 3", res.Unresolved)
	}
	if got := testutil.ToFloat64(m.EventsTotal.WithLabelValues("unresolved")); got != 3 {
		t.Errorf("unresolved metric = %v, want 3", got)
	}

	tables, _, err := ReadTables("000001", filepath.Join(summaries, "000001"))
	if err != nil {
		t.Fatal(err)
	}
	if !tables.Empty() {
		t.Errorf("stale rows survived: by_asset has %d rows", tables.ByAsset.Len())
	}
	totals, err := ReadTotals(filepath.Join(summaries, "000001", TotalsFileName))
	if err != nil {
		t.Fatal(err)
	}
	if totals.Active() {
		t.Errorf("stale totals survived: %+v", totals)
	}

	archive, err := WriteArchiveTotals(context.Background(), summaries)
	if err != nil {
		t.Fatal(err)
	}
	// 000002 still holds its old totals until the totals step reruns.
	if archive.ActiveDatasets != 1 {
		t.Errorf("active datasets = %d, want 1", archive.ActiveDatasets)
	}
}

func TestSummarizerRoutesRecordsByBlobColumn(t *testing.T) {
	cache, cat := setupCache(t)
	// A record in aaabbb-1's file that belongs to cccddd-2.
	path := extraction.FileFor(cache, "blobs/aaa/bbb/aaabbb-1")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(extraction.FormatBlobLine(day1, 1000, "10.0.0.1", "cccddd-2")); err != nil {
		t.Fatal(err)
	}
	f.Close()

	s := newTestSummarizer(t, cache, cat, nil)
	s.opts.Pick = []string{"000002"}
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	tables, _, err := ReadTables("000002", filepath.Join(cache, SummaryDirName, "000002"))
	if err != nil {
		t.Fatal(err)
	}
	want := map[Key]Counts{
		{Name: "a_copy.nwb"}: {Requests: 2, BytesSent: 300},
		{Name: "c.nwb"}:      {Requests: 2, BytesSent: 1010},
		{Name: "z.zarr"}:     {Requests: 1, BytesSent: 5},
	}
	if diff := cmp.Diff(want, rows(tables.ByAsset)); diff != "" {
		t.Errorf("by_asset mismatch (-want +got):\n%s", diff)
	}
}
