package format

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
)

type testRow struct {
	BlobIndex int64 `parquet:"blob_index"`
	BytesSent int64 `parquet:"bytes_sent"`
}

func writeShard(t *testing.T, dbDir, head, hash string, n int) {
	t.Helper()
	p := filepath.Join(dbDir, filepath.FromSlash(ShardPath(head, hash)))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	rows := make([]testRow, n)
	for i := range rows {
		rows[i] = testRow{BlobIndex: int64(i), BytesSent: 100}
	}
	if err := parquet.WriteFile(p, rows); err != nil {
		t.Fatalf("write shard: %v", err)
	}
}

func TestWriteAndReadManifest(t *testing.T) {
	dbDir := t.TempDir()
	writeShard(t, dbDir, "abc", "01", 3)
	writeShard(t, dbDir, "abc", "02", 1)
	writeShard(t, dbDir, "f00", "03", 2)

	m, err := BuildManifest(dbDir, 3, 7)
	if err != nil {
		t.Fatalf("BuildManifest failed: %v", err)
	}
	if err := WriteManifest(dbDir, m); err != nil {
		t.Fatalf("WriteManifest failed: %v", err)
	}

	got, err := ReadManifest(dbDir)
	if err != nil {
		t.Fatalf("ReadManifest failed: %v", err)
	}

	if got.TotalRows != 6 {
		t.Errorf("TotalRows = %d, want 6", got.TotalRows)
	}
	if got.BlobCount != 7 {
		t.Errorf("BlobCount = %d, want 7", got.BlobCount)
	}
	if got.Partitions["abc"].Rows != 4 {
		t.Errorf("abc rows = %d, want 4", got.Partitions["abc"].Rows)
	}
	if n := len(got.Partitions["abc"].Shards); n != 2 {
		t.Errorf("abc shards = %d, want 2", n)
	}
	heads := got.Heads()
	if len(heads) != 2 || heads[0] != "abc" || heads[1] != "f00" {
		t.Errorf("Heads() = %v, want [abc f00]", heads)
	}

	if err := VerifyManifest(dbDir, got); err != nil {
		t.Errorf("VerifyManifest failed: %v", err)
	}
}

func TestVerifyManifestDetectsChange(t *testing.T) {
	dbDir := t.TempDir()
	writeShard(t, dbDir, "abc", "01", 3)

	m, err := BuildManifest(dbDir, 3, 1)
	if err != nil {
		t.Fatalf("BuildManifest failed: %v", err)
	}

	writeShard(t, dbDir, "abc", "01", 4)
	err = VerifyManifest(dbDir, m)
	if err == nil {
		t.Fatal("VerifyManifest accepted a modified shard")
	}

	if err := os.Remove(filepath.Join(dbDir, filepath.FromSlash(ShardPath("abc", "01")))); err != nil {
		t.Fatal(err)
	}
	if err := VerifyManifest(dbDir, m); err == nil {
		t.Error("VerifyManifest accepted a missing shard")
	}
}

func TestBuildManifestEmpty(t *testing.T) {
	m, err := BuildManifest(filepath.Join(t.TempDir(), "missing"), 3, 0)
	if err != nil {
		t.Fatalf("BuildManifest failed: %v", err)
	}
	if len(m.Partitions) != 0 || m.TotalRows != 0 {
		t.Errorf("got %d partitions and %d rows, want none", len(m.Partitions), m.TotalRows)
	}
}

func TestParseShardPath(t *testing.T) {
	tests := []struct {
		rel     string
		want    string
		wantErr bool
	}{
		{"blob_head=abc/part-00ff.parquet", "abc", false},
		{ShardPath("a_b", "x"), "a_b", false},
		{"abc/part-00ff.parquet", "", true},
		{"blob_head=abc/data.parquet", "", true},
		{"part-00ff.parquet", "", true},
	}

	for _, tt := range tests {
		got, err := ParseShardPath(tt.rel)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseShardPath(%q) err = %v, wantErr %v", tt.rel, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrInvalidShardPath) {
			t.Errorf("ParseShardPath(%q) err = %v, want ErrInvalidShardPath", tt.rel, err)
		}
		if got != tt.want {
			t.Errorf("ParseShardPath(%q) = %q, want %q", tt.rel, got, tt.want)
		}
	}
}
