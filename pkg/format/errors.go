package format

import "errors"

var (
	// ErrInvalidShardPath indicates a file in the database directory that is not a shard.
	ErrInvalidShardPath = errors.New("invalid shard path")
	// ErrChecksumMismatch indicates a shard whose content does not match the manifest.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrVersionMismatch indicates an unsupported manifest version.
	ErrVersionMismatch = errors.New("unsupported manifest version")
)
