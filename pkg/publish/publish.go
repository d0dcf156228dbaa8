// Package publish uploads the sharing directory and summaries to S3.
package publish

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/eunmann/s3-access-db/internal/logctx"
	"github.com/eunmann/s3-access-db/pkg/fileutil"
	"github.com/eunmann/s3-access-db/pkg/logging"
)

// Uploader is the subset of the S3 upload manager used by Publisher.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Config configures uploads.
type Config struct {
	// Concurrency is the number of files uploaded at once.
	Concurrency int
	// PartSize is the multipart part size in bytes.
	PartSize int64
}

// DefaultConfig returns the default upload configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: 8,
		PartSize:    16 * 1024 * 1024, // 16MB
	}
}

// Publisher mirrors local directories to S3 prefixes.
type Publisher struct {
	up  Uploader
	cfg Config
}

// New creates a publisher using the default AWS configuration chain.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewWithConfig(awsCfg, cfg), nil
}

// NewWithConfig creates a publisher from an existing AWS config.
func NewWithConfig(awsCfg aws.Config, cfg Config) *Publisher {
	cfg = cfg.withDefaults()
	up := manager.NewUploader(s3.NewFromConfig(awsCfg), func(u *manager.Uploader) {
		u.PartSize = cfg.PartSize
	})
	return NewWithUploader(up, cfg)
}

// NewWithUploader creates a publisher around any Uploader.
func NewWithUploader(up Uploader, cfg Config) *Publisher {
	return &Publisher{up: up, cfg: cfg.withDefaults()}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.PartSize <= 0 {
		c.PartSize = d.PartSize
	}
	return c
}

// Result describes a finished Publish call.
type Result struct {
	Target   Target
	Files    int
	Bytes    int64
	Duration time.Duration
}

// Publish uploads every regular file under dir to the prefix named by uri,
// keeping relative paths. Temporary and hidden files are skipped.
func (p *Publisher) Publish(ctx context.Context, dir, uri string) (*Result, error) {
	start := time.Now()
	log := logctx.FromContext(ctx).With().Str("phase", "publish").Logger()

	target, err := ParseTarget(uri)
	if err != nil {
		return nil, err
	}
	files, err := collect(dir)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("dir", dir).
		Str("target", target.String()).
		Int("files", len(files)).
		Msg("starting publish")

	var bytes atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, rel := range files {
		g.Go(func() error {
			n, err := p.upload(gctx, filepath.Join(dir, filepath.FromSlash(rel)), target, rel)
			if err != nil {
				return err
			}
			bytes.Add(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{
		Target:   target,
		Files:    len(files),
		Bytes:    bytes.Load(),
		Duration: time.Since(start),
	}
	logging.PhaseComplete(log, "publish", res.Duration).
		Str("target", target.String()).
		Int("files", res.Files).
		Bytes("bytes", uint64(res.Bytes)).
		Log("publish complete")
	return res, nil
}

func (p *Publisher) upload(ctx context.Context, path string, target Target, rel string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	key := target.Key(rel)
	_, err = p.up.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(target.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(rel)),
	})
	if err != nil {
		return 0, fmt.Errorf("upload s3://%s/%s: %w", target.Bucket, key, err)
	}
	return info.Size(), nil
}

// collect returns slash-separated relative paths of the files to upload, sorted.
func collect(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasSuffix(p, fileutil.TmpSuffix) {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return files, nil
}

func contentType(name string) string {
	switch filepath.Ext(name) {
	case ".parquet":
		return "application/vnd.apache.parquet"
	case ".json":
		return "application/json"
	case ".yaml":
		return "application/yaml"
	case ".tsv":
		return "text/tab-separated-values"
	default:
		return "application/octet-stream"
	}
}
