package bundle

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/zeebo/blake3"

	"github.com/eunmann/s3-access-db/pkg/fileutil"
)

// ActivityRow is one access in the bundled database. It carries no raw
// identifier and no raw address.
type ActivityRow struct {
	AssetType string    `parquet:"asset_type,dict"`
	BlobHead  string    `parquet:"blob_head,dict"`
	BlobIndex int64     `parquet:"blob_index"`
	Timestamp time.Time `parquet:"timestamp,timestamp(millisecond)"`
	BytesSent uint64    `parquet:"bytes_sent"`
	IndexedIP int64     `parquet:"indexed_ip"`
}

// byteRange is the part of one extraction file that contributed to a shard.
type byteRange struct {
	file     string
	from, to int64
}

// shardHash names a shard after the file ranges it was built from, so writing
// the same input twice replaces the shard instead of adding another.
func shardHash(ranges []byteRange) string {
	sorted := make([]byteRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].file < sorted[j].file })

	h := blake3.New()
	for _, r := range sorted {
		io.WriteString(h, r.file+"\x00"+strconv.FormatInt(r.from, 10)+"\x00"+strconv.FormatInt(r.to, 10)+"\n")
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func sortRows(rows []ActivityRow) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.BlobIndex != b.BlobIndex {
			return a.BlobIndex < b.BlobIndex
		}
		if a.BytesSent != b.BytesSent {
			return a.BytesSent < b.BytesSent
		}
		return a.IndexedIP < b.IndexedIP
	})
}

// writeShard writes rows to path as a zstd-compressed Parquet file via tmp+rename.
func writeShard(path string, rows []ActivityRow) error {
	return fileutil.WriteTmpThenMove(path, func(tmpPath string) error {
		f, err := os.Create(tmpPath)
		if err != nil {
			return fmt.Errorf("create shard: %w", err)
		}

		w := parquet.NewGenericWriter[ActivityRow](f, parquet.Compression(&parquet.Zstd))
		if _, err := w.Write(rows); err != nil {
			f.Close()
			return fmt.Errorf("write rows: %w", err)
		}
		if err := w.Close(); err != nil {
			f.Close()
			return fmt.Errorf("close writer: %w", err)
		}
		return f.Close()
	})
}

// ReadShard reads all rows of a shard.
func ReadShard(path string) ([]ActivityRow, error) {
	rows, err := parquet.ReadFile[ActivityRow](path)
	if err != nil {
		return nil, fmt.Errorf("read shard %s: %w", path, err)
	}
	return rows, nil
}
