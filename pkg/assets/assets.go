// Package assets defines asset types and object key parsing for the extraction cache.
package assets

import (
	"fmt"
	"strings"
)

// Type represents a logical asset type.
type Type uint8

// Asset types, in the order they are stored in the bundled database.
const (
	Blob Type = iota
	Zarr
	Other
	NumTypes // Sentinel value for array sizing
)

// Info describes an asset type.
type Info struct {
	Type      Type   `json:"type"`
	Name      string `json:"name"`
	KeyPrefix string `json:"key_prefix"`
}

// AllTypes contains information about all supported asset types.
var AllTypes = []Info{
	{Blob, "blob", "blobs/"},
	{Zarr, "zarr", "zarr/"},
	{Other, "other", ""},
}

// String returns the stable name of the asset type.
func (t Type) String() string {
	if int(t) < len(AllTypes) {
		return AllTypes[t].Name
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Parse returns the asset type for a name such as "blob" or "zarr".
func Parse(name string) (Type, error) {
	for _, info := range AllTypes {
		if strings.EqualFold(info.Name, name) {
			return info.Type, nil
		}
	}
	return 0, fmt.Errorf("unknown asset type %q", name)
}

// FromObjectKey classifies an object key and returns its blob identifier.
//
// Blob keys look like "blobs/abc/def/<id>" and zarr keys like "zarr/<id>/..."
// (the extraction cache abbreviates zarr stores to their top-most level).
// Any other key is its own identifier.
func FromObjectKey(key string) (Type, string) {
	key = strings.Trim(key, "/")

	if rest, ok := strings.CutPrefix(key, "blobs/"); ok {
		parts := strings.Split(rest, "/")
		if id := parts[len(parts)-1]; id != "" {
			return Blob, id
		}
	}
	if rest, ok := strings.CutPrefix(key, "zarr/"); ok {
		id, _, _ := strings.Cut(rest, "/")
		if id != "" {
			return Zarr, id
		}
	}
	return Other, key
}

// Head returns the partition prefix for a blob identifier.
// The prefix is lowercased and any character outside [0-9a-z] becomes '_'
// so it is always safe as a directory name.
func Head(id string, n int) string {
	if n <= 0 {
		n = 1
	}
	var b strings.Builder
	b.Grow(n)
	for _, r := range strings.ToLower(id) {
		if b.Len() >= n {
			break
		}
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	for b.Len() < n {
		b.WriteByte('_')
	}
	return b.String()
}
