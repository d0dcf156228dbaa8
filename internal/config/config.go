// Package config loads layered configuration: built-in defaults, an
// optional YAML file, then environment variables. Command-line flags are
// applied by the caller and re-checked with Validate.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/eunmann/s3-access-db/pkg/bundle"
	"github.com/eunmann/s3-access-db/pkg/logging"
	"github.com/eunmann/s3-access-db/pkg/metadata"
	"github.com/eunmann/s3-access-db/pkg/publish"
	"github.com/eunmann/s3-access-db/pkg/summarize"
	"github.com/eunmann/s3-access-db/pkg/workers"
)

const (
	// EnvPrefix prefixes every environment override. Nested keys use "__",
	// so S3ACCESS_BUNDLE__BATCH_SIZE sets bundle.batch_size.
	EnvPrefix = "S3ACCESS_"
	// ConfigPathEnvVar names the YAML config file when --config is not given.
	ConfigPathEnvVar = EnvPrefix + "CONFIG"
	// LegacyCacheDirEnvVar is honored for cache_dir below S3ACCESS_CACHE_DIR.
	LegacyCacheDirEnvVar = "S3_LOG_EXTRACTION_CACHE_DIRECTORY"
)

// Config is the full configuration of all commands.
type Config struct {
	CacheDir    string `koanf:"cache_dir" validate:"required"`
	SharingDir  string `koanf:"sharing_dir"`
	SummaryDir  string `koanf:"summary_dir"`
	Workers     int    `koanf:"workers" validate:"ne=0"`
	MetricsFile string `koanf:"metrics_file"`

	Log       LogConfig       `koanf:"log"`
	Bundle    BundleConfig    `koanf:"bundle"`
	IPs       IPsConfig       `koanf:"ips"`
	Metadata  MetadataConfig  `koanf:"metadata"`
	Summaries SummariesConfig `koanf:"summaries"`
	Publish   PublishConfig   `koanf:"publish"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `koanf:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Debug bool   `koanf:"debug"`
	Human bool   `koanf:"human"`
}

// LoggingOptions returns the logger options for this configuration.
func (l LogConfig) LoggingOptions() logging.Options {
	return logging.Options{Level: l.Level, Debug: l.Debug, Human: l.Human}
}

// BundleConfig tunes the bundle command. BlobHeadLength fixes the partition
// key width and must not change once a database exists.
type BundleConfig struct {
	BlobHeadLength  int  `koanf:"blob_head_length" validate:"gte=1,lte=32"`
	BatchSize       int  `koanf:"batch_size" validate:"gte=1"`
	ExportBlobIndex bool `koanf:"export_blob_index"`
	AllowActive     bool `koanf:"allow_active"`
}

// IPsConfig seeds the handle generator of the index-ips command.
type IPsConfig struct {
	Seed uint64 `koanf:"seed"`
}

// MetadataConfig locates the archive metadata. A CatalogFile, when set,
// replaces the API.
type MetadataConfig struct {
	APIURL            string        `koanf:"api_url" validate:"omitempty,url"`
	CatalogFile       string        `koanf:"catalog_file"`
	RequestsPerSecond float64       `koanf:"requests_per_second" validate:"gte=0"`
	Timeout           time.Duration `koanf:"timeout" validate:"gte=0"`
}

// SummariesConfig restricts which datasets the summarize command visits.
type SummariesConfig struct {
	Pick []string `koanf:"pick"`
	Skip []string `koanf:"skip"`
}

// PublishConfig names the upload destination of the publish command.
type PublishConfig struct {
	URI         string `koanf:"uri" validate:"omitempty,startswith=s3://"`
	Concurrency int    `koanf:"concurrency" validate:"gte=1"`
}

// DefaultCacheDir returns ~/.cache/s3_log_extraction, or a relative
// directory when the home directory is unknown.
func DefaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".cache", "s3_log_extraction")
	}
	return filepath.Join(home, ".cache", "s3_log_extraction")
}

// Default returns the built-in configuration.
func Default() *Config {
	api := metadata.DefaultAPIConfig()
	return &Config{
		CacheDir: DefaultCacheDir(),
		Workers:  workers.Default,
		Bundle: BundleConfig{
			BlobHeadLength:  bundle.DefaultBlobHeadLength,
			BatchSize:       bundle.DefaultBatchSize,
			ExportBlobIndex: true,
		},
		Metadata: MetadataConfig{
			APIURL:            api.BaseURL,
			RequestsPerSecond: api.RequestsPerSecond,
			Timeout:           api.Timeout,
		},
		Publish: PublishConfig{
			Concurrency: publish.DefaultConfig().Concurrency,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (or
// $S3ACCESS_CONFIG when path is empty) and the environment. Overrides run
// last, before derived directories are filled and the result is validated.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	legacy := env.Provider(LegacyCacheDirEnvVar, ".", func(key string) string {
		if key == LegacyCacheDirEnvVar {
			return "cache_dir"
		}
		return ""
	})
	if err := k.Load(legacy, nil); err != nil {
		return nil, fmt.Errorf("load legacy environment: %w", err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := splitLists(k, "summaries.pick", "summaries.skip"); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	for _, o := range overrides {
		o(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps S3ACCESS_BUNDLE__BATCH_SIZE to bundle.batch_size.
func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if key == "config" {
		return ""
	}
	return strings.ReplaceAll(key, "__", ".")
}

// splitLists turns comma-separated strings from the environment into lists.
func splitLists(k *koanf.Koanf, paths ...string) error {
	for _, p := range paths {
		s, ok := k.Get(p).(string)
		if !ok {
			continue
		}
		if err := k.Set(p, SplitList(s)); err != nil {
			return fmt.Errorf("set %s: %w", p, err)
		}
	}
	return nil
}

// SplitList splits a comma-separated list, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("koanf"), ",")
			return name
		})
	})
	return validate
}

// Validate fills derived directories and checks every field.
func (c *Config) Validate() error {
	if c.CacheDir != "" {
		if c.SharingDir == "" {
			c.SharingDir = filepath.Join(c.CacheDir, "sharing")
		}
		if c.SummaryDir == "" {
			c.SummaryDir = filepath.Join(c.CacheDir, summarize.SummaryDirName)
		}
	}

	if err := getValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, describe(fe))
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}

	if _, err := workers.ResolveLocal(c.Workers); err != nil {
		return fmt.Errorf("invalid configuration: workers: %w", err)
	}
	if filepath.Clean(c.SharingDir) == filepath.Clean(c.SummaryDir) {
		return errors.New("invalid configuration: sharing_dir and summary_dir must differ")
	}
	return nil
}

func describe(fe validator.FieldError) string {
	// Namespace is "Config.bundle.batch_size"; drop the root.
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "ne":
		return fmt.Sprintf("%s must not be %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", field, fe.Param())
	case "url":
		return field + " must be a URL"
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", field, fe.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// BundleOptions returns bundler options for this configuration.
func (c *Config) BundleOptions() bundle.Options {
	opts := bundle.DefaultOptions(c.CacheDir)
	opts.SharingDir = c.SharingDir
	opts.BlobHeadLength = c.Bundle.BlobHeadLength
	opts.BatchSize = c.Bundle.BatchSize
	opts.Workers = c.Workers
	opts.ExportBlobIndex = c.Bundle.ExportBlobIndex
	opts.AllowActive = c.Bundle.AllowActive
	return opts
}

// SummarizeOptions returns summarizer options for this configuration.
func (c *Config) SummarizeOptions() summarize.Options {
	return summarize.Options{
		CacheRoot:  c.CacheDir,
		SummaryDir: c.SummaryDir,
		Pick:       c.Summaries.Pick,
		Skip:       c.Summaries.Skip,
		Workers:    c.Workers,
	}
}

// APIConfig returns the metadata API client configuration.
func (c *Config) APIConfig() metadata.APIConfig {
	api := metadata.DefaultAPIConfig()
	api.BaseURL = c.Metadata.APIURL
	api.RequestsPerSecond = c.Metadata.RequestsPerSecond
	api.Timeout = c.Metadata.Timeout
	return api
}

// UploadConfig returns the upload configuration.
func (c *Config) UploadConfig() publish.Config {
	pc := publish.DefaultConfig()
	pc.Concurrency = c.Publish.Concurrency
	return pc
}
