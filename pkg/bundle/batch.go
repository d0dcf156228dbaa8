package bundle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/eunmann/s3-access-db/pkg/assets"
	"github.com/eunmann/s3-access-db/pkg/blobindex"
	"github.com/eunmann/s3-access-db/pkg/checkpoint"
	"github.com/eunmann/s3-access-db/pkg/extraction"
	"github.com/eunmann/s3-access-db/pkg/format"
)

// partition collects the rows of one blob_head within a batch. files lists
// the batch files with a record in it.
type partition struct {
	head    string
	rows    []ActivityRow
	ranges  []byteRange
	files   []int
	dropped int64
	sent    uint64
}

// processBatch runs collect, assign, emit and commit for one batch of files.
func (r *run) processBatch(ctx context.Context, files []extraction.ObjectFile) error {
	chunks, err := r.collect(ctx, files)
	if err != nil {
		return err
	}

	if err := r.assign(chunks); err != nil {
		return err
	}

	parts, heads, err := r.partition(chunks)
	if err != nil {
		return err
	}

	shards, failed := r.emit(parts, heads)

	// The batch commits even if ctx was cancelled meanwhile: its shards are on disk.
	return r.commit(context.WithoutCancel(ctx), chunks, parts, heads, shards, failed)
}

// collect reads every file of the batch from its checkpoint. Files that
// cannot be read become defects and have a nil chunk.
func (r *run) collect(ctx context.Context, files []extraction.ObjectFile) ([]*extraction.Chunk, error) {
	chunks := make([]*extraction.Chunk, len(files))
	defects := make([]*Defect, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.b.workers)

	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var pos extraction.Position
			if o, ok := r.offsets[f.Name]; ok {
				pos = extraction.Position{Offset: o.Offset, HeadHash: o.HeadHash}
			}
			chunk, err := extraction.ReadFrom(f, pos)
			if err != nil {
				defects[i] = &Defect{File: f.Name, ObjectKey: f.ObjectKey, Reason: defectReason(err), Err: err}
				return nil
			}
			chunks[i] = chunk
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, d := range defects {
		if d != nil {
			r.defect(*d)
		}
	}
	return chunks, nil
}

func (r *run) defect(d Defect) {
	r.res.Defects = append(r.res.Defects, d)
	r.log.Warn().Str("file", d.File).Str("reason", d.Reason).Err(d.Err).Msg("skipping defective file")
	if m := r.b.opts.Metrics; m != nil {
		m.DefectsTotal.WithLabelValues(d.Reason).Inc()
		m.FilesTotal.WithLabelValues("defect").Inc()
	}
}

func defectReason(err error) string {
	switch {
	case errors.Is(err, extraction.ErrRewritten):
		return ReasonRewritten
	case errors.Is(err, extraction.ErrMalformed):
		return ReasonMalformed
	default:
		return ReasonUnreadable
	}
}

// assign gives every new blob identifier of the batch an index and persists
// the table before any shard refers to it.
func (r *run) assign(chunks []*extraction.Chunk) error {
	var ids []string
	for _, c := range chunks {
		if c == nil {
			continue
		}
		for _, rec := range c.Records {
			ids = append(ids, rec.BlobID)
		}
	}

	assigned, err := r.table.AssignBatch(ids)
	if err != nil {
		return fmt.Errorf("assign blob indices: %w", err)
	}
	if err := r.table.Validate(); err != nil {
		return err
	}
	if r.table.Dirty() {
		if err := r.table.Save(BlobIndexPath(r.b.opts.CacheRoot)); err != nil {
			return fmt.Errorf("save blob index: %w", err)
		}
	}

	r.res.BlobsAssigned += assigned
	if m := r.b.opts.Metrics; m != nil {
		m.BlobsAssigned.Add(float64(assigned))
	}
	return nil
}

// partition turns the records of the batch into rows grouped by the blob
// head of each record.
func (r *run) partition(chunks []*extraction.Chunk) (map[string]*partition, []string, error) {
	parts := make(map[string]*partition)
	for i, c := range chunks {
		if c == nil || len(c.Records) == 0 {
			continue
		}

		assetType := c.File.AssetType.String()
		touched := make(map[string]struct{})
		for _, rec := range c.Records {
			idx, ok := r.table.Lookup(rec.BlobID)
			if !ok {
				return nil, nil, fmt.Errorf("blob %q has no index after assignment: %w", rec.BlobID, blobindex.ErrIntegrity)
			}

			head := assets.Head(rec.BlobID, r.b.opts.BlobHeadLength)
			p, ok := parts[head]
			if !ok {
				p = &partition{head: head}
				parts[head] = p
			}
			if _, ok := touched[head]; !ok {
				touched[head] = struct{}{}
				p.ranges = append(p.ranges, byteRange{file: c.File.Name, from: c.From, to: c.To})
				p.files = append(p.files, i)
			}

			handle, ok := r.ips.Lookup(rec.IP)
			if !ok {
				p.dropped++
				continue
			}
			p.rows = append(p.rows, ActivityRow{
				AssetType: assetType,
				BlobHead:  head,
				BlobIndex: idx,
				Timestamp: rec.Timestamp,
				BytesSent: rec.BytesSent,
				IndexedIP: handle,
			})
			p.sent += rec.BytesSent
		}
	}

	heads := make([]string, 0, len(parts))
	for h := range parts {
		heads = append(heads, h)
	}
	sort.Strings(heads)
	return parts, heads, nil
}

// emit writes one shard per non-empty partition. A failed write leaves its
// files uncommitted.
func (r *run) emit(parts map[string]*partition, heads []string) ([]checkpoint.Shard, []error) {
	shards := make([]checkpoint.Shard, len(heads))
	failed := make([]error, len(heads))

	var g errgroup.Group
	g.SetLimit(r.b.workers)

	for i, head := range heads {
		p := parts[head]
		if len(p.rows) == 0 {
			continue
		}
		g.Go(func() error {
			sortRows(p.rows)
			rel := format.ShardPath(head, shardHash(p.ranges))
			if err := writeShard(filepath.Join(r.dbDir, filepath.FromSlash(rel)), p.rows); err != nil {
				failed[i] = err
				return nil
			}
			shards[i] = checkpoint.Shard{Path: rel, Rows: int64(len(p.rows))}
			return nil
		})
	}
	_ = g.Wait()

	return shards, failed
}

// blockFailed returns the batch files that must not advance: those with
// rows in a partition whose shard failed, and transitively those sharing a
// partition with them. Partitions holding a blocked file are not committed
// either, so no row is ever committed twice.
func blockFailed(parts map[string]*partition, heads []string, failed []error) (blocked map[int]error, skip []bool) {
	blocked = make(map[int]error)
	skip = make([]bool, len(heads))
	for i, head := range heads {
		if failed[i] == nil {
			continue
		}
		skip[i] = true
		err := fmt.Errorf("shard %s: %w", format.PartitionDir(head), failed[i])
		for _, fi := range parts[head].files {
			if _, ok := blocked[fi]; !ok {
				blocked[fi] = err
			}
		}
	}

	for changed := len(blocked) > 0; changed; {
		changed = false
		for i, head := range heads {
			if skip[i] {
				continue
			}
			p := parts[head]
			var cause error
			for _, fi := range p.files {
				if err, ok := blocked[fi]; ok {
					cause = err
					break
				}
			}
			if cause == nil {
				continue
			}
			skip[i], changed = true, true
			for _, fi := range p.files {
				if _, ok := blocked[fi]; !ok {
					blocked[fi] = fmt.Errorf("%s withheld: %w", format.PartitionDir(head), cause)
				}
			}
		}
	}
	return blocked, skip
}

// commit advances the offsets of every file whose rows were all written,
// together with their shards, in one transaction. Files with an unwritten
// partition become shard_write defects and keep their offsets.
func (r *run) commit(ctx context.Context, chunks []*extraction.Chunk, parts map[string]*partition, heads []string, shards []checkpoint.Shard, failed []error) error {
	var (
		offsets   []checkpoint.Offset
		committed []checkpoint.Shard
		rows      int64
		dropped   int64
		sent      uint64
		records   int64
	)

	blocked, skip := blockFailed(parts, heads, failed)

	advance := func(c *extraction.Chunk) {
		prev := r.offsets[c.File.Name]
		offsets = append(offsets, checkpoint.Offset{
			File:     c.File.Name,
			Offset:   c.To,
			Lines:    prev.Lines + int64(c.Lines),
			HeadHash: c.Head,
		})
		records += int64(len(c.Records))
	}

	for i, head := range heads {
		p := parts[head]
		if failed[i] != nil {
			r.log.Error().Err(failed[i]).Str("blob_head", head).Msg("failed to write shard")
		}
		if skip[i] {
			if shards[i].Path != "" {
				if err := os.Remove(filepath.Join(r.dbDir, filepath.FromSlash(shards[i].Path))); err != nil {
					r.log.Warn().Err(err).Str("shard", shards[i].Path).Msg("withheld shard left for orphan cleanup")
				}
			}
			continue
		}
		if shards[i].Path != "" {
			committed = append(committed, shards[i])
			rows += shards[i].Rows
		}
		dropped += p.dropped
		sent += p.sent
	}

	unchanged := 0
	for fi, c := range chunks {
		if c == nil {
			continue
		}
		if err, ok := blocked[fi]; ok {
			r.defect(Defect{File: c.File.Name, ObjectKey: c.File.ObjectKey, Reason: ReasonShardWrite, Err: err})
			continue
		}
		if c.Empty() {
			unchanged++
			continue
		}
		// Files with only blank lines appended advance too.
		advance(c)
	}

	if err := r.store.CommitBatch(ctx, offsets, committed); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	for _, o := range offsets {
		r.offsets[o.File] = o
	}

	res := r.res
	res.FilesBundled += len(offsets)
	res.FilesUnchanged += unchanged
	res.RecordsRead += records
	res.RecordsWritten += rows
	res.BytesSent += sent
	res.ShardsWritten += len(committed)
	if dropped > 0 {
		res.Dropped[DropUnindexedIP] += dropped
	}

	if m := r.b.opts.Metrics; m != nil {
		m.FilesTotal.WithLabelValues("bundled").Add(float64(len(offsets)))
		m.FilesTotal.WithLabelValues("unchanged").Add(float64(unchanged))
		m.RecordsTotal.WithLabelValues("read").Add(float64(records))
		m.RecordsTotal.WithLabelValues("written").Add(float64(rows))
		m.RecordsTotal.WithLabelValues(DropUnindexedIP).Add(float64(dropped))
		m.PartitionsTotal.Add(float64(len(committed)))
	}
	return nil
}
