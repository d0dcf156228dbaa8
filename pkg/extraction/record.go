package extraction

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/eunmann/s3-access-db/pkg/assets"
)

// ErrMalformed indicates a line that cannot be parsed.
var ErrMalformed = errors.New("malformed record")

// Record is a single access extracted from a server log line. BlobID comes
// from the line when it carries one and from the object key otherwise.
type Record struct {
	ObjectKey string
	AssetType assets.Type
	BlobID    string
	Timestamp time.Time
	BytesSent uint64
	IP        string
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an extraction timestamp. Naive times are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC().Truncate(time.Second), nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q: %w", s, ErrMalformed)
}

// Line is one parsed extraction line. BlobID is empty unless the line names
// its blob in the optional fourth column.
type Line struct {
	Timestamp time.Time
	BytesSent uint64
	IP        string
	BlobID    string
}

// ParseLine parses one line without its trailing newline.
func ParseLine(line []byte) (Line, error) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	fields := bytes.Split(line, []byte{'\t'})
	if len(fields) != 3 && len(fields) != 4 {
		return Line{}, fmt.Errorf("%d fields, want 3 or 4: %w", len(fields), ErrMalformed)
	}

	ts, err := ParseTimestamp(string(fields[0]))
	if err != nil {
		return Line{}, err
	}

	sent, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return Line{}, fmt.Errorf("bytes_sent %q: %w", fields[1], ErrMalformed)
	}

	ip := string(bytes.TrimSpace(fields[2]))
	if ip == "" {
		return Line{}, fmt.Errorf("empty ip: %w", ErrMalformed)
	}

	l := Line{Timestamp: ts, BytesSent: sent, IP: ip}
	if len(fields) == 4 {
		l.BlobID = string(bytes.TrimSpace(fields[3]))
	}
	return l, nil
}

// FormatLine renders a record in extraction file form, including the newline.
func FormatLine(ts time.Time, bytesSent uint64, ip string) string {
	return ts.UTC().Format(time.RFC3339) + "\t" + strconv.FormatUint(bytesSent, 10) + "\t" + ip + "\n"
}

// FormatBlobLine is FormatLine with the blob identifier column.
func FormatBlobLine(ts time.Time, bytesSent uint64, ip, blobID string) string {
	return ts.UTC().Format(time.RFC3339) + "\t" + strconv.FormatUint(bytesSent, 10) + "\t" + ip + "\t" + blobID + "\n"
}
