// Package extraction reads the per-object access extracts of the extraction cache.
//
// Every object key of the source bucket maps to one file
// <cache>/extraction/<object_key>.tsv, with rotated rounds kept as
// <object_key>.tsv.zst. Each complete line holds
// "timestamp<TAB>bytes_sent<TAB>ip" and optionally a fourth "<TAB>blob_id"
// column naming the blob when it differs from the one in the object key.
// Files are append-only: bytes already written are never modified, new
// records only ever arrive at the end.
package extraction

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/eunmann/s3-access-db/pkg/assets"
)

const (
	// DirName is the extraction directory under the cache root.
	DirName = "extraction"
	// ActiveMarker exists while an extraction round is in progress.
	ActiveMarker = ".extraction_in_progress"

	// Ext is the extension of plain extraction files.
	Ext = ".tsv"
	// ZstdExt is the extension of zstd-compressed extraction files.
	ZstdExt = ".tsv.zst"
)

// ObjectFile is one extraction file and the object key it describes.
// Name is the file's path below the extraction directory, extension
// included; the plain and compressed files of one object key differ in it.
type ObjectFile struct {
	Path       string
	Name       string
	ObjectKey  string
	AssetType  assets.Type
	BlobID     string
	Compressed bool
}

// Dir returns the extraction directory for a cache root.
func Dir(cacheRoot string) string {
	return filepath.Join(cacheRoot, DirName)
}

// IsActive reports whether an extraction round is currently writing to the cache.
func IsActive(cacheRoot string) bool {
	_, err := os.Stat(filepath.Join(Dir(cacheRoot), ActiveMarker))
	return err == nil
}

// Walk lists every extraction file under the cache root, sorted by object key.
// Hidden files and unknown extensions are ignored. A missing extraction
// directory yields no files.
func Walk(cacheRoot string) ([]ObjectFile, error) {
	root := Dir(cacheRoot)
	var files []ObjectFile

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root && os.IsNotExist(walkErr) {
				return fs.SkipAll
			}
			return walkErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		var key string
		var compressed bool
		switch {
		case strings.HasSuffix(rel, ZstdExt):
			key, compressed = strings.TrimSuffix(rel, ZstdExt), true
		case strings.HasSuffix(rel, Ext):
			key = strings.TrimSuffix(rel, Ext)
		default:
			return nil
		}

		typ, id := assets.FromObjectKey(key)
		files = append(files, ObjectFile{
			Path:       path,
			Name:       rel,
			ObjectKey:  key,
			AssetType:  typ,
			BlobID:     id,
			Compressed: compressed,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].ObjectKey != files[j].ObjectKey {
			return files[i].ObjectKey < files[j].ObjectKey
		}
		return !files[i].Compressed && files[j].Compressed
	})
	return files, nil
}

// FileFor returns the plain extraction file path for an object key.
func FileFor(cacheRoot, objectKey string) string {
	return filepath.Join(Dir(cacheRoot), filepath.FromSlash(objectKey)+Ext)
}
