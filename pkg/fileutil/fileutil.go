// Package fileutil provides file utilities for crash-safe writes with tmp+mv semantics.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eunmann/s3-access-db/pkg/logging"
)

// TmpSuffix marks files that are still being written.
const TmpSuffix = ".tmp"

// Exists returns true if the file exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsNonEmpty returns true if the file exists and has non-zero size.
func IsNonEmpty(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() > 0
}

// WriteTmpThenMove writes to a temporary file then atomically moves it to the final path.
// The writeFunc receives the temporary path and should write the complete file.
// The temporary file lives next to outPath so the rename never crosses filesystems.
func WriteTmpThenMove(outPath string, writeFunc func(tmpPath string) error) error {
	outDir := filepath.Dir(outPath)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmpPath := outPath + TmpSuffix

	if err := writeFunc(tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := syncFile(tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp to final: %w", err)
	}

	if err := SyncDir(outDir); err != nil {
		return fmt.Errorf("sync output dir: %w", err)
	}

	return nil
}

// WriteFileAtomic replaces path with data using WriteTmpThenMove.
func WriteFileAtomic(path string, data []byte) error {
	return WriteTmpThenMove(path, func(tmpPath string) error {
		return os.WriteFile(tmpPath, data, 0644)
	})
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	err = f.Sync()
	f.Close()
	return err
}

// SyncDir fsyncs a directory to ensure entries are persisted.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Sync()
}

// CleanupTmpFiles removes all leftover .tmp files in the given directory recursively.
// A missing directory is not an error.
func CleanupTmpFiles(dir string) error {
	log := logging.L()

	var removed int
	err := filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr
		}
		if !info.IsDir() && strings.HasSuffix(path, TmpSuffix) {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
		return nil
	})

	if removed > 0 {
		log.Debug().Int("files_removed", removed).Str("dir", dir).Msg("cleaned up tmp files")
	}

	return err
}
