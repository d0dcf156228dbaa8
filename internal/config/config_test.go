package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/eunmann/s3-access-db/pkg/bundle"
	"github.com/eunmann/s3-access-db/pkg/workers"
)

// clearEnv unsets every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, EnvPrefix) || name == LegacyCacheDirEnvVar {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cache := t.TempDir()
	t.Setenv(EnvPrefix+"CACHE_DIR", cache)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Workers != workers.Default {
		t.Errorf("Workers = %d, want %d", cfg.Workers, workers.Default)
	}
	if cfg.Bundle.BlobHeadLength != bundle.DefaultBlobHeadLength || cfg.Bundle.BatchSize != bundle.DefaultBatchSize {
		t.Errorf("Bundle = %+v", cfg.Bundle)
	}
	if !cfg.Bundle.ExportBlobIndex {
		t.Error("ExportBlobIndex should default to true")
	}
	if cfg.SharingDir != filepath.Join(cache, "sharing") {
		t.Errorf("SharingDir = %q", cfg.SharingDir)
	}
	if cfg.SummaryDir != filepath.Join(cache, "summaries") {
		t.Errorf("SummaryDir = %q", cfg.SummaryDir)
	}
	if cfg.Metadata.Timeout != 30*time.Second {
		t.Errorf("Metadata.Timeout = %v", cfg.Metadata.Timeout)
	}
}

func TestLoadLayering(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
cache_dir: /data/cache
workers: 4
bundle:
  batch_size: 10
  blob_head_length: 2
metadata:
  timeout: 5s
summaries:
  pick: ["000001", "000002"]
`)
	t.Setenv(EnvPrefix+"BUNDLE__BATCH_SIZE", "20")
	t.Setenv(EnvPrefix+"SUMMARIES__SKIP", "000003, 000004,")
	t.Setenv(EnvPrefix+"LOG__HUMAN", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.CacheDir != "/data/cache" || cfg.Workers != 4 {
		t.Errorf("file values not applied: cache %q, workers %d", cfg.CacheDir, cfg.Workers)
	}
	if cfg.Bundle.BatchSize != 20 {
		t.Errorf("BatchSize = %d, want env override 20", cfg.Bundle.BatchSize)
	}
	if cfg.Bundle.BlobHeadLength != 2 {
		t.Errorf("BlobHeadLength = %d, want 2", cfg.Bundle.BlobHeadLength)
	}
	if cfg.Metadata.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", cfg.Metadata.Timeout)
	}
	if !cfg.Log.Human {
		t.Error("Log.Human not set from env")
	}
	if diff := cmp.Diff([]string{"000001", "000002"}, cfg.Summaries.Pick); diff != "" {
		t.Errorf("Pick mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"000003", "000004"}, cfg.Summaries.Skip); diff != "" {
		t.Errorf("Skip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "cache_dir: /from/env/file\n")
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.CacheDir != "/from/env/file" {
		t.Errorf("CacheDir = %q", cfg.CacheDir)
	}
}

func TestLegacyCacheDir(t *testing.T) {
	clearEnv(t)
	t.Setenv(LegacyCacheDirEnvVar, "/legacy")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.CacheDir != "/legacy" {
		t.Errorf("CacheDir = %q, want /legacy", cfg.CacheDir)
	}

	t.Setenv(EnvPrefix+"CACHE_DIR", "/current")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.CacheDir != "/current" {
		t.Errorf("CacheDir = %q, want S3ACCESS_CACHE_DIR to win", cfg.CacheDir)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero workers", func(c *Config) { c.Workers = 0 }, "workers must not be 0"},
		{"batch size", func(c *Config) { c.Bundle.BatchSize = 0 }, "bundle.batch_size must be >= 1"},
		{"head length", func(c *Config) { c.Bundle.BlobHeadLength = 99 }, "bundle.blob_head_length must be <= 32"},
		{"api url", func(c *Config) { c.Metadata.APIURL = "not a url" }, "metadata.api_url must be a URL"},
		{"publish uri", func(c *Config) { c.Publish.URI = "https://bucket" }, "publish.uri must start with s3://"},
		{"no cache", func(c *Config) { c.CacheDir = "" }, "cache_dir is required"},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level must be one of"},
		{"warning level", func(c *Config) { c.Log.Level = "warning" }, ""},
		{"same dirs", func(c *Config) { c.SummaryDir = c.SharingDir }, "must differ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.CacheDir = "/cache"
			cfg.SharingDir = "/cache/sharing"
			cfg.SummaryDir = "/cache/summaries"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate failed: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoggingOptions(t *testing.T) {
	t.Setenv("S3ACCESS_LOG__LEVEL", "warn")
	cfg, err := Load("", func(c *Config) {
		c.CacheDir = t.TempDir()
		c.Log.Human = true
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got := cfg.Log.LoggingOptions()
	if got.Level != "warn" || !got.Human || got.Debug {
		t.Errorf("LoggingOptions() = %+v, want level warn, human, no debug", got)
	}
}

func TestBundleOptions(t *testing.T) {
	cfg := Default()
	cfg.CacheDir = "/cache"
	cfg.Workers = 3
	cfg.Bundle.AllowActive = true
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	opts := cfg.BundleOptions()
	if opts.CacheRoot != "/cache" || opts.SharingDir != "/cache/sharing" || opts.Workers != 3 || !opts.AllowActive {
		t.Errorf("BundleOptions = %+v", opts)
	}
	if so := cfg.SummarizeOptions(); so.SummaryDir != "/cache/summaries" {
		t.Errorf("SummarizeOptions.SummaryDir = %q", so.SummaryDir)
	}
}

func TestSplitList(t *testing.T) {
	if diff := cmp.Diff([]string{"a", "b"}, SplitList(" a,,b ,")); diff != "" {
		t.Errorf("SplitList mismatch (-want +got):\n%s", diff)
	}
	if got := SplitList(""); got != nil {
		t.Errorf("SplitList(\"\") = %v, want nil", got)
	}
}

func TestLoadOverridesDeriveDirs(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"CACHE_DIR", "/env/cache")

	cfg, err := Load("", func(c *Config) { c.CacheDir = "/flag/cache" })
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SharingDir != "/flag/cache/sharing" {
		t.Errorf("SharingDir = %q, want it derived from the override", cfg.SharingDir)
	}
}
