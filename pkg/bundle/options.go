package bundle

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/eunmann/s3-access-db/pkg/checkpoint"
	"github.com/eunmann/s3-access-db/pkg/format"
	"github.com/eunmann/s3-access-db/pkg/metrics"
	"github.com/eunmann/s3-access-db/pkg/workers"
)

const (
	// StateDirName holds the bundler's private state under the cache root.
	StateDirName = "bundle"
	// BlobIndexFileName is the authoritative blob index table.
	BlobIndexFileName = "blob_index.yaml"
	// LockFileName guards against concurrent bundlers.
	LockFileName = ".lock"

	// DefaultBlobHeadLength is the default partition prefix length.
	DefaultBlobHeadLength = 3
	// DefaultBatchSize is the default number of files per batch.
	DefaultBatchSize = 1000
)

// Options controls a bundling run.
type Options struct {
	// CacheRoot is the extraction cache root.
	CacheRoot string
	// SharingDir receives the database and the blob index side file.
	// Default: <CacheRoot>/sharing
	SharingDir string
	// BlobHeadLength is the number of identifier characters used as partition key.
	BlobHeadLength int
	// BatchSize is the number of extraction files committed together.
	BatchSize int
	// Workers is the requested worker count, resolved by workers.Resolve.
	Workers int
	// ExportBlobIndex writes blob_index_to_id.yaml next to the database.
	ExportBlobIndex bool
	// AllowActive bundles even while an extraction round is in progress.
	AllowActive bool
	// RunID tags the manifest and the run history.
	RunID string
	// Metrics receives counters; nil disables them.
	Metrics *metrics.Metrics
}

// DefaultOptions returns the default options for a cache root.
func DefaultOptions(cacheRoot string) Options {
	return Options{
		CacheRoot:       cacheRoot,
		SharingDir:      filepath.Join(cacheRoot, "sharing"),
		BlobHeadLength:  DefaultBlobHeadLength,
		BatchSize:       DefaultBatchSize,
		Workers:         workers.Default,
		ExportBlobIndex: true,
	}
}

// Validate checks options and fills defaults for zero values.
func (o *Options) Validate() error {
	if o.CacheRoot == "" {
		return errors.New("cache root is required")
	}
	if o.SharingDir == "" {
		o.SharingDir = filepath.Join(o.CacheRoot, "sharing")
	}
	if o.BlobHeadLength <= 0 {
		o.BlobHeadLength = DefaultBlobHeadLength
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Workers == 0 {
		o.Workers = workers.Default
	}
	if _, err := workers.ResolveLocal(o.Workers); err != nil {
		return fmt.Errorf("invalid workers: %w", err)
	}
	return nil
}

// StateDir returns the bundler state directory for a cache root.
func StateDir(cacheRoot string) string {
	return filepath.Join(cacheRoot, StateDirName)
}

// BlobIndexPath returns the authoritative blob index path.
func BlobIndexPath(cacheRoot string) string {
	return filepath.Join(StateDir(cacheRoot), BlobIndexFileName)
}

// CheckpointPath returns the checkpoint database path.
func CheckpointPath(cacheRoot string) string {
	return filepath.Join(StateDir(cacheRoot), checkpoint.FileName)
}

// DatabaseDir returns the partitioned database directory.
func (o *Options) DatabaseDir() string {
	return filepath.Join(o.SharingDir, format.DatabaseDirName)
}
