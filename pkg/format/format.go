// Package format defines the on-disk layout of the bundled activity database.
package format

import (
	"fmt"
	"path"
	"strings"
)

const (
	// DatabaseDirName is the directory holding the partitioned database under the sharing root.
	DatabaseDirName = "extracted_activity.parquet"
	// BlobIndexExportName is the side file mapping blob_index to blob identifier.
	BlobIndexExportName = "blob_index_to_id.yaml"
	// ManifestName is the manifest file inside DatabaseDirName.
	ManifestName = "manifest.json"

	// PartitionKey is the hive-style partition column.
	PartitionKey = "blob_head"
	// ShardExt is the extension of every shard file.
	ShardExt = ".parquet"
)

// Columns lists the database columns in storage order.
var Columns = []string{"asset_type", "blob_head", "blob_index", "timestamp", "bytes_sent", "indexed_ip"}

// PartitionDir returns the partition directory name for a blob head.
func PartitionDir(head string) string {
	return PartitionKey + "=" + head
}

// ShardPath returns the shard path relative to the database directory.
func ShardPath(head, hash string) string {
	return path.Join(PartitionDir(head), "part-"+hash+ShardExt)
}

// ParseShardPath extracts the blob head from a relative shard path.
func ParseShardPath(rel string) (string, error) {
	dir, file := path.Split(path.Clean(rel))
	head, ok := strings.CutPrefix(strings.TrimSuffix(dir, "/"), PartitionKey+"=")
	if !ok || head == "" || strings.Contains(head, "/") {
		return "", fmt.Errorf("%q: %w", rel, ErrInvalidShardPath)
	}
	if !strings.HasPrefix(file, "part-") || !strings.HasSuffix(file, ShardExt) {
		return "", fmt.Errorf("%q: %w", rel, ErrInvalidShardPath)
	}
	return head, nil
}
