package bundle

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/eunmann/s3-access-db/internal/logctx"
	"github.com/eunmann/s3-access-db/pkg/checkpoint"
	"github.com/eunmann/s3-access-db/pkg/extraction"
	"github.com/eunmann/s3-access-db/pkg/fileutil"
)

// Reset is the outcome of forgetting one file's checkpoint.
type Reset struct {
	File     string
	Previous checkpoint.Offset
	Existed  bool
}

// ResetNames expands a name given on the command line. A file name
// (ending in .tsv or .tsv.zst) is used as is; an object key names both its
// plain and its rotated file.
func ResetNames(name string) []string {
	name = strings.Trim(filepath.ToSlash(name), "/")
	name = strings.TrimPrefix(name, extraction.DirName+"/")
	if strings.HasSuffix(name, extraction.Ext) || strings.HasSuffix(name, extraction.ZstdExt) {
		return []string{name}
	}
	return []string{name + extraction.Ext, name + extraction.ZstdExt}
}

// ResetFiles forgets the checkpoints of the named files so the next run
// rereads them from the start. It recovers files reported as
// rewritten_file once their content has been verified. Rows already
// bundled from a reset file are not removed.
func ResetFiles(ctx context.Context, cacheRoot string, names []string) ([]Reset, error) {
	log := logctx.FromContext(ctx).With().Str("phase", "bundle_reset").Logger()

	lock, err := fileutil.AcquireLock(filepath.Join(StateDir(cacheRoot), LockFileName))
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	store, err := checkpoint.Open(ctx, checkpoint.DefaultConfig(CheckpointPath(cacheRoot)))
	if err != nil {
		return nil, err
	}
	defer store.Close()

	var out []Reset
	for _, arg := range names {
		for _, name := range ResetNames(arg) {
			prev, ok, err := store.Get(ctx, name)
			if err != nil {
				return out, err
			}
			if ok {
				if _, err := store.Reset(ctx, name); err != nil {
					return out, err
				}
				log.Info().Str("file", name).Int64("offset", prev.Offset).Int64("lines", prev.Lines).Msg("checkpoint reset")
			}
			out = append(out, Reset{File: name, Previous: prev, Existed: ok})
		}
	}
	return out, nil
}
