// Package summarize rolls extraction records up into per-dataset and
// archive-wide usage tables and totals.
//
// Every table row is keyed by a string key (or a key and a day) and carries
// a request count and a byte sum. Sums are associative and commutative, so
// tables can be merged in any order.
package summarize

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/eunmann/s3-access-db/pkg/fileutil"
	"github.com/eunmann/s3-access-db/pkg/ipindex"
)

// Table names.
const (
	TableByDay      = "by_day"
	TableByAsset    = "by_asset"
	TableByAssetDay = "by_asset_day"
	TableByRegion   = "by_region"
	TableByDataset  = "by_dataset"

	// DayLayout formats UTC calendar days.
	DayLayout = "2006-01-02"
	// TableExt is the table file extension.
	TableExt = ".tsv"
)

// ErrBadTable indicates a table file that does not match its expected layout.
var ErrBadTable = errors.New("bad table file")

// Event is one access attributed to an asset of a dataset.
type Event struct {
	AssetPath string
	Timestamp time.Time
	BytesSent uint64
	Region    string
}

// Key identifies a row. Day is only set for tables keyed by a key and a day.
type Key struct {
	Name string
	Day  string
}

// Counts are the aggregated values of a row.
type Counts struct {
	Requests  int64
	BytesSent uint64
}

// Add returns the sum of two counts.
func (c Counts) Add(o Counts) Counts {
	return Counts{Requests: c.Requests + o.Requests, BytesSent: c.BytesSent + o.BytesSent}
}

// Table is a named set of rows.
type Table struct {
	Name    string
	Columns []string
	rows    map[Key]Counts
}

// NewTable creates an empty table with one or two key columns.
func NewTable(name string, columns ...string) *Table {
	return &Table{Name: name, Columns: columns, rows: make(map[Key]Counts)}
}

func (t *Table) composite() bool {
	return len(t.Columns) > 1
}

// Add adds counts to a row.
func (t *Table) Add(k Key, c Counts) {
	if c.Requests == 0 && c.BytesSent == 0 {
		return
	}
	t.rows[k] = t.rows[k].Add(c)
}

// Merge adds all rows of o.
func (t *Table) Merge(o *Table) {
	if o == nil {
		return
	}
	for k, c := range o.rows {
		t.Add(k, c)
	}
}

// Get returns the counts of a row.
func (t *Table) Get(k Key) Counts {
	return t.rows[k]
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Keys returns the row keys in sorted order.
func (t *Table) Keys() []Key {
	keys := make([]Key, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Name != keys[j].Name {
			return keys[i].Name < keys[j].Name
		}
		return keys[i].Day < keys[j].Day
	})
	return keys
}

// Sum returns the counts over all rows.
func (t *Table) Sum() Counts {
	var total Counts
	for _, c := range t.rows {
		total = total.Add(c)
	}
	return total
}

// Tables are the per-dataset summary tables.
type Tables struct {
	Dataset    string
	ByDay      *Table
	ByAsset    *Table
	ByAssetDay *Table
	ByRegion   *Table
}

// NewTables returns empty tables for a dataset.
func NewTables(dataset string) Tables {
	return Tables{
		Dataset:    dataset,
		ByDay:      NewTable(TableByDay, "date"),
		ByAsset:    NewTable(TableByAsset, "asset_path"),
		ByAssetDay: NewTable(TableByAssetDay, "asset_path", "date"),
		ByRegion:   NewTable(TableByRegion, "region"),
	}
}

// All returns the tables in file order.
func (t Tables) All() []*Table {
	return []*Table{t.ByDay, t.ByAsset, t.ByAssetDay, t.ByRegion}
}

// Empty reports whether no activity was recorded.
func (t Tables) Empty() bool {
	return t.ByAsset.Len() == 0
}

// Summarize rolls events of one dataset up into its tables.
func Summarize(dataset string, events []Event) Tables {
	t := NewTables(dataset)
	for _, ev := range events {
		c := Counts{Requests: 1, BytesSent: ev.BytesSent}
		day := ev.Timestamp.UTC().Format(DayLayout)
		region := ev.Region
		if region == "" {
			region = ipindex.UnknownRegion
		}

		t.ByDay.Add(Key{Name: day}, c)
		t.ByAsset.Add(Key{Name: ev.AssetPath}, c)
		t.ByAssetDay.Add(Key{Name: ev.AssetPath, Day: day}, c)
		t.ByRegion.Add(Key{Name: region}, c)
	}
	return t
}

func (t *Table) header() []string {
	return append(slices.Clone(t.Columns), "request_count", "bytes_sent")
}

// WriteTSV writes the table with a header row, sorted by key, replacing path atomically.
func (t *Table) WriteTSV(path string) error {
	return fileutil.WriteTmpThenMove(path, func(tmpPath string) error {
		f, err := os.Create(tmpPath)
		if err != nil {
			return err
		}
		if err := t.encode(f); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", t.Name, err)
		}
		return f.Close()
	})
}

func (t *Table) encode(w io.Writer) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(t.header()); err != nil {
		return err
	}
	for _, k := range t.Keys() {
		c := t.rows[k]
		rec := []string{k.Name}
		if t.composite() {
			rec = append(rec, k.Day)
		}
		rec = append(rec, strconv.FormatInt(c.Requests, 10), strconv.FormatUint(c.BytesSent, 10))
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadTSV reads rows from path into t. The header must match t's layout.
func (t *Table) ReadTSV(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.Comma = '\t'
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return fmt.Errorf("%s: read header: %w", path, err)
	}
	if !slices.Equal(header, t.header()) {
		return fmt.Errorf("%s: header %v, want %v: %w", path, header, t.header(), ErrBadTable)
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		k := Key{Name: rec[0]}
		n := 1
		if t.composite() {
			k.Day = rec[1]
			n = 2
		}
		req, err := strconv.ParseInt(rec[n], 10, 64)
		if err != nil {
			return fmt.Errorf("%s: request_count %q: %w", path, rec[n], ErrBadTable)
		}
		sent, err := strconv.ParseUint(rec[n+1], 10, 64)
		if err != nil {
			return fmt.Errorf("%s: bytes_sent %q: %w", path, rec[n+1], ErrBadTable)
		}
		t.Add(k, Counts{Requests: req, BytesSent: sent})
	}
}
