// Package metrics holds the Prometheus metrics of a pipeline run.
//
// Metrics live on a private registry and are written as a node-exporter
// textfile at the end of a command; there is no scrape endpoint.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "s3access"

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	Registry *prometheus.Registry

	FilesTotal      *prometheus.CounterVec
	RecordsTotal    *prometheus.CounterVec
	DefectsTotal    *prometheus.CounterVec
	BlobsAssigned   prometheus.Counter
	BlobIndexSize   prometheus.Gauge
	PartitionsTotal prometheus.Counter
	DatasetsTotal   *prometheus.CounterVec
	EventsTotal     *prometheus.CounterVec
	PhaseSeconds    *prometheus.HistogramVec
	LastSuccess     *prometheus.GaugeVec
}

// New creates the metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		FilesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "files_total",
			Help:      "Extraction files seen by the bundler, by outcome.",
		}, []string{"outcome"}), // outcome: bundled, unchanged, defect
		RecordsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "records_total",
			Help:      "Extraction records processed by the bundler, by outcome.",
		}, []string{"outcome"}), // outcome: read, written, unindexed_ip
		DefectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "defects_total",
			Help:      "Input files skipped as defective, by reason.",
		}, []string{"reason"}),
		BlobsAssigned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blob_index",
			Name:      "assigned_total",
			Help:      "Blob indices newly assigned.",
		}),
		BlobIndexSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "blob_index",
			Name:      "size",
			Help:      "Number of entries in the blob index table.",
		}),
		PartitionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bundle",
			Name:      "shards_written_total",
			Help:      "Parquet shards written.",
		}),
		DatasetsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "summarize",
			Name:      "datasets_total",
			Help:      "Datasets handled by the summarizer, by outcome.",
		}, []string{"outcome"}), // outcome: summarized, empty, failed, skipped
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "summarize",
			Name:      "records_total",
			Help:      "Extraction records read by the summarizer, by outcome.",
		}, []string{"outcome"}), // outcome: resolved, unresolved
		PhaseSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of pipeline phases.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"phase"}),
		LastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful command, by command.",
		}, []string{"command"}),
	}
}

// WriteTextfile writes all metrics to path in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
