package format

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/parquet-go/parquet-go"
	"github.com/zeebo/blake3"

	"github.com/eunmann/s3-access-db/pkg/fileutil"
)

// ManifestVersion is the current manifest format version.
const ManifestVersion = 1

// Manifest describes the contents of the database directory.
type Manifest struct {
	Version        int                  `json:"version"`
	CreatedAt      time.Time            `json:"created_at"`
	RunID          string               `json:"run_id,omitempty"`
	Columns        []string             `json:"columns"`
	BlobHeadLength int                  `json:"blob_head_length"`
	BlobCount      int                  `json:"blob_count"`
	TotalRows      int64                `json:"total_rows"`
	Partitions     map[string]Partition `json:"partitions"`
}

// Partition summarizes one blob_head directory.
type Partition struct {
	Rows   int64               `json:"rows"`
	Shards map[string]FileInfo `json:"shards"`
}

// FileInfo describes a single shard.
type FileInfo struct {
	Size     int64  `json:"size"`
	Rows     int64  `json:"rows"`
	Checksum string `json:"checksum"` // BLAKE3 hex
}

// BuildManifest scans dbDir and describes every shard it holds.
func BuildManifest(dbDir string, blobHeadLength, blobCount int) (*Manifest, error) {
	m := &Manifest{
		Version:        ManifestVersion,
		CreatedAt:      time.Now().UTC(),
		Columns:        Columns,
		BlobHeadLength: blobHeadLength,
		BlobCount:      blobCount,
		Partitions:     make(map[string]Partition),
	}

	err := filepath.WalkDir(dbDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(p, ShardExt) {
			return nil
		}
		rel, err := filepath.Rel(dbDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		head, err := ParseShardPath(rel)
		if err != nil {
			return err
		}

		info, err := describeShard(p)
		if err != nil {
			return fmt.Errorf("describe %s: %w", rel, err)
		}

		part := m.Partitions[head]
		if part.Shards == nil {
			part.Shards = make(map[string]FileInfo)
		}
		part.Shards[filepath.Base(rel)] = info
		part.Rows += info.Rows
		m.Partitions[head] = part
		m.TotalRows += info.Rows
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return m, nil
}

// Heads returns the partition heads in sorted order.
func (m *Manifest) Heads() []string {
	heads := make([]string, 0, len(m.Partitions))
	for h := range m.Partitions {
		heads = append(heads, h)
	}
	sort.Strings(heads)
	return heads
}

// WriteManifest writes the manifest into dbDir atomically.
func WriteManifest(dbDir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := fileutil.WriteFileAtomic(filepath.Join(dbDir, ManifestName), data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest reads the manifest from dbDir.
func ReadManifest(dbDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dbDir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("manifest version %d: %w", m.Version, ErrVersionMismatch)
	}
	return &m, nil
}

// VerifyManifest checks that all shards match their sizes and checksums.
func VerifyManifest(dbDir string, m *Manifest) error {
	for head, part := range m.Partitions {
		for name, want := range part.Shards {
			p := filepath.Join(dbDir, PartitionDir(head), name)

			stat, err := os.Stat(p)
			if err != nil {
				return fmt.Errorf("shard %s: %w", name, err)
			}
			if stat.Size() != want.Size {
				return fmt.Errorf("shard %s: size mismatch (got %d, want %d)", name, stat.Size(), want.Size)
			}

			sum, err := ChecksumFile(p)
			if err != nil {
				return fmt.Errorf("checksum %s: %w", name, err)
			}
			if sum != want.Checksum {
				return fmt.Errorf("shard %s: %w", name, ErrChecksumMismatch)
			}
		}
	}
	return nil
}

// ChecksumFile computes the BLAKE3 checksum of a file.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func describeShard(path string) (FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileInfo{}, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return FileInfo{}, err
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return FileInfo{}, fmt.Errorf("open parquet file: %w", err)
	}

	sum, err := ChecksumFile(path)
	if err != nil {
		return FileInfo{}, err
	}

	return FileInfo{Size: stat.Size(), Rows: pf.NumRows(), Checksum: sum}, nil
}
