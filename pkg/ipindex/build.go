package ipindex

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/eunmann/s3-access-db/pkg/extraction"
	"github.com/eunmann/s3-access-db/pkg/logging"
)

// MaxHandle bounds the handle space: handles are drawn from [0, MaxHandle).
const MaxHandle = 1 << 31

// BuildResult summarizes an indexing run.
type BuildResult struct {
	FilesScanned int
	FilesSkipped int
	Seen         int
	Assigned     int
	Total        int
	Duration     time.Duration
}

// Build indexes every address found in the extraction cache that is not yet
// indexed. New addresses are visited in sorted order and each gets a unique
// random handle from a PCG seeded with seed, so the same seed, prior index and
// cache always give the same handles.
func Build(ctx context.Context, cacheRoot string, seed uint64) (*BuildResult, error) {
	start := time.Now()
	log := logging.WithPhase("index_ips")

	x, err := Load(cacheRoot)
	if err != nil {
		return nil, err
	}

	files, err := extraction.Walk(cacheRoot)
	if err != nil {
		return nil, err
	}

	res := &BuildResult{}
	seen := make(map[string]struct{})
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := extraction.ReadFrom(f, extraction.Position{})
		if err != nil {
			if errors.Is(err, extraction.ErrMalformed) {
				log.Warn().Err(err).Str("object_key", f.ObjectKey).Msg("skipping malformed file")
				res.FilesSkipped++
				continue
			}
			return nil, fmt.Errorf("read %s: %w", f.ObjectKey, err)
		}
		res.FilesScanned++
		for _, r := range chunk.Records {
			seen[r.IP] = struct{}{}
		}
	}
	res.Seen = len(seen)

	res.Assigned = x.assign(seen, seed)
	res.Total = x.Len()

	if res.Assigned > 0 {
		if err := x.Save(cacheRoot); err != nil {
			return nil, err
		}
	}

	res.Duration = time.Since(start)
	logging.PhaseComplete(log, "index_ips", res.Duration).
		Int("files", res.FilesScanned).
		Int("files_skipped", res.FilesSkipped).
		Count("assigned", int64(res.Assigned)).
		Count("total", int64(res.Total)).
		Log("ip indexing complete")
	return res, nil
}

func (x *Index) assign(seen map[string]struct{}, seed uint64) int {
	unseen := make([]string, 0, len(seen))
	for ip := range seen {
		if _, ok := x.handles[ip]; !ok {
			unseen = append(unseen, ip)
		}
	}
	sort.Strings(unseen)

	rng := rand.New(rand.NewPCG(seed, seed))
	for _, ip := range unseen {
		var h int64
		for {
			h = rng.Int64N(MaxHandle)
			if _, taken := x.used[h]; !taken {
				break
			}
		}
		x.handles[ip] = h
		x.used[h] = struct{}{}
	}
	return len(unseen)
}
