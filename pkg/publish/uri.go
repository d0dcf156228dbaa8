package publish

import (
	"errors"
	"path"
	"strings"
)

// Target is an S3 destination prefix.
type Target struct {
	Bucket string
	Prefix string
}

// ParseS3URI parses an S3 URI (s3://bucket/key) into bucket and key components.
func ParseS3URI(uri string) (bucket, key string, err error) {
	if !strings.HasPrefix(uri, "s3://") {
		return "", "", errors.New("invalid S3 URI: must start with s3://")
	}

	rest := strings.TrimPrefix(uri, "s3://")
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", errors.New("invalid S3 URI: missing bucket name")
	}
	return bucket, key, nil
}

// ParseTarget parses s3://bucket[/prefix].
func ParseTarget(uri string) (Target, error) {
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return Target{}, err
	}
	return Target{Bucket: bucket, Prefix: strings.Trim(key, "/")}, nil
}

// Key returns the object key for a slash-separated path relative to the
// published directory.
func (t Target) Key(rel string) string {
	if t.Prefix == "" {
		return rel
	}
	return path.Join(t.Prefix, rel)
}

func (t Target) String() string {
	if t.Prefix == "" {
		return "s3://" + t.Bucket
	}
	return "s3://" + t.Bucket + "/" + t.Prefix
}
