package logging

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// ProgressTracker tracks progress over a fixed set of units (files, batches,
// datasets) with ETA calculation. It is safe for concurrent use.
type ProgressTracker struct {
	total     int64
	completed atomic.Int64
	skipped   atomic.Int64
	startTime time.Time
	log       zerolog.Logger
	phase     string

	mu              sync.Mutex
	recentDurations []time.Duration
	maxRecent       int
}

// NewProgressTracker creates a new progress tracker.
func NewProgressTracker(phase string, total int64, log zerolog.Logger) *ProgressTracker {
	return &ProgressTracker{
		total:           total,
		startTime:       time.Now(),
		log:             log,
		phase:           phase,
		recentDurations: make([]time.Duration, 0, 10),
		maxRecent:       10,
	}
}

// RecordCompletion records that a unit completed with the given duration.
func (pt *ProgressTracker) RecordCompletion(d time.Duration) {
	pt.completed.Add(1)

	pt.mu.Lock()
	if len(pt.recentDurations) >= pt.maxRecent {
		pt.recentDurations = pt.recentDurations[1:]
	}
	pt.recentDurations = append(pt.recentDurations, d)
	pt.mu.Unlock()
}

// RecordSkip records that a unit was skipped.
func (pt *ProgressTracker) RecordSkip() {
	pt.skipped.Add(1)
}

// Progress returns current progress stats.
func (pt *ProgressTracker) Progress() (completed, skipped, total int64) {
	return pt.completed.Load(), pt.skipped.Load(), pt.total
}

// ProgressPct returns the progress percentage (0-100).
func (pt *ProgressTracker) ProgressPct() float64 {
	if pt.total == 0 {
		return 100.0
	}
	done := pt.completed.Load() + pt.skipped.Load()
	return float64(done) * 100.0 / float64(pt.total)
}

// ETA estimates the remaining time from the moving average of recent units.
func (pt *ProgressTracker) ETA() time.Duration {
	completed := pt.completed.Load()
	if completed == 0 {
		return 0
	}

	remaining := pt.Remaining()
	if remaining <= 0 {
		return 0
	}

	pt.mu.Lock()
	var avg time.Duration
	if len(pt.recentDurations) > 0 {
		var sum time.Duration
		for _, d := range pt.recentDurations {
			sum += d
		}
		avg = sum / time.Duration(len(pt.recentDurations))
	} else {
		avg = time.Since(pt.startTime) / time.Duration(completed)
	}
	pt.mu.Unlock()

	return avg * time.Duration(remaining)
}

// Elapsed returns time since tracking started.
func (pt *ProgressTracker) Elapsed() time.Duration {
	return time.Since(pt.startTime)
}

// Remaining returns how many units are remaining.
func (pt *ProgressTracker) Remaining() int64 {
	return pt.total - pt.completed.Load() - pt.skipped.Load()
}

// LogProgress emits a debug-level progress line for the tracked phase.
func (pt *ProgressTracker) LogProgress(unit string) {
	completed, skipped, total := pt.Progress()
	e := pt.log.Debug().
		Str("event", "unit_progress").
		Str("phase", pt.phase).
		Str("unit", unit).
		Int64("completed", completed).
		Int64("skipped", skipped).
		Int64("total", total).
		Float64("progress_pct", pt.ProgressPct())
	if eta := pt.ETA(); eta > 0 {
		e = e.Int64("eta_ms", eta.Milliseconds())
	}
	e.Msg("progress")
}

// CompletionEvent helps build consistent completion log events.
type CompletionEvent struct {
	log     zerolog.Logger
	event   string
	phase   string
	elapsed time.Duration
	keys    []string
	fields  map[string]interface{}
}

// NewCompletionEvent creates a new completion event builder.
func NewCompletionEvent(log zerolog.Logger, event, phase string, elapsed time.Duration) *CompletionEvent {
	return &CompletionEvent{
		log:     log,
		event:   event,
		phase:   phase,
		elapsed: elapsed,
		fields:  make(map[string]interface{}),
	}
}

func (ce *CompletionEvent) set(key string, val interface{}) *CompletionEvent {
	if _, ok := ce.fields[key]; !ok {
		ce.keys = append(ce.keys, key)
	}
	ce.fields[key] = val
	return ce
}

// Str adds a string field.
func (ce *CompletionEvent) Str(key, val string) *CompletionEvent {
	return ce.set(key, val)
}

// Int adds an int field.
func (ce *CompletionEvent) Int(key string, val int) *CompletionEvent {
	return ce.set(key, val)
}

// Int64 adds an int64 field.
func (ce *CompletionEvent) Int64(key string, val int64) *CompletionEvent {
	return ce.set(key, val)
}

// Bytes adds a byte count with a human-readable companion in pretty mode.
func (ce *CompletionEvent) Bytes(key string, n uint64) *CompletionEvent {
	ce.set(key, n)
	if IsPrettyMode() {
		ce.set(key+"_h", humanize.IBytes(n))
	}
	return ce
}

// Count adds a count with a human-readable companion in pretty mode.
func (ce *CompletionEvent) Count(key string, n int64) *CompletionEvent {
	ce.set(key, n)
	if IsPrettyMode() {
		ce.set(key+"_h", humanize.Comma(n))
	}
	return ce
}

// ProgressFromTracker adds progress fields from a ProgressTracker.
func (ce *CompletionEvent) ProgressFromTracker(pt *ProgressTracker) *CompletionEvent {
	completed, skipped, total := pt.Progress()
	ce.set("completed", completed)
	ce.set("skipped", skipped)
	ce.set("total", total)
	return ce.set("progress_pct", pt.ProgressPct())
}

// Log emits the completion event at info level.
func (ce *CompletionEvent) Log(msg string) {
	ce.emit(ce.log.Info(), msg)
}

// LogDebug emits the completion event at debug level.
func (ce *CompletionEvent) LogDebug(msg string) {
	ce.emit(ce.log.Debug(), msg)
}

func (ce *CompletionEvent) emit(e *zerolog.Event, msg string) {
	e = e.Str("event", ce.event).
		Str("phase", ce.phase).
		Int64("duration_ms", ce.elapsed.Milliseconds())

	if IsPrettyMode() {
		e = e.Str("duration_h", ce.elapsed.Round(time.Millisecond).String())
	}

	for _, k := range ce.keys {
		e = e.Interface(k, ce.fields[k])
	}

	e.Msg(msg)
}

// PhaseComplete starts a phase completion event.
func PhaseComplete(log zerolog.Logger, phase string, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "phase_completed", phase, elapsed)
}

// UnitComplete starts a completion event for one unit of work
// (a bundling batch or a dataset).
func UnitComplete(log zerolog.Logger, phase string, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "unit_completed", phase, elapsed)
}

// FileCreated starts a file creation completion event.
func FileCreated(log zerolog.Logger, phase string, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "file_created", phase, elapsed)
}
