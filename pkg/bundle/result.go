package bundle

import (
	"errors"
	"fmt"
	"time"

	"github.com/eunmann/s3-access-db/pkg/checkpoint"
)

// Defect reasons.
const (
	ReasonUnreadable = "unreadable_file"
	ReasonMalformed  = "malformed_file"
	ReasonRewritten  = "rewritten_file"
	// ReasonShardWrite marks files whose rows could not be written. Their
	// offsets stay put and the next run retries them.
	ReasonShardWrite = "shard_write"
)

// DropUnindexedIP counts records whose address has no handle yet.
const DropUnindexedIP = "unindexed_ip"

var (
	// ErrExtractionActive is returned when an extraction round is writing to the cache.
	ErrExtractionActive = errors.New("extraction in progress")
)

// Defect is an input file skipped by a run. File is the file's name below
// the extraction directory.
type Defect struct {
	File      string
	ObjectKey string
	Reason    string
	Err       error
}

func (d Defect) Error() string {
	return fmt.Sprintf("%s: %s: %v", d.File, d.Reason, d.Err)
}

func (d Defect) Unwrap() error {
	return d.Err
}

// Result summarizes a bundling run.
type Result struct {
	RunID          string
	Batches        int
	FilesScanned   int
	FilesBundled   int
	FilesUnchanged int
	RecordsRead    int64
	RecordsWritten int64
	BytesSent      uint64
	Dropped        map[string]int64
	Defects        []Defect
	BlobsAssigned  int
	BlobIndexSize  int
	ShardsWritten  int
	OrphansRemoved int
	// PreviousRun is the last run recorded before this one, if any.
	PreviousRun    *checkpoint.Run
	Interrupted    bool
	Duration       time.Duration
}

func newResult(runID string) *Result {
	return &Result{RunID: runID, Dropped: make(map[string]int64)}
}

// DefectsByReason counts defects per reason.
func (r *Result) DefectsByReason() map[string]int {
	out := make(map[string]int)
	for _, d := range r.Defects {
		out[d.Reason]++
	}
	return out
}
