// Package ipindex maps raw IP addresses to opaque integer handles.
//
// Handles are the only form of an address that leaves the cache: the bundled
// database stores handles, and regions are looked up by handle.
package ipindex

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/eunmann/s3-access-db/pkg/fileutil"
)

const (
	// DirName is the IP directory under the cache root.
	DirName = "ips"
	// IndexFileName maps raw address to handle.
	IndexFileName = "indexed_ips.yaml"
	// RegionFileName maps handle to region, written by the geolocation step.
	RegionFileName = "index_to_region.yaml"

	// UnknownRegion is reported for handles without a region.
	UnknownRegion = "unknown"
)

// Index is a read-only view of the IP anonymization tables.
type Index struct {
	handles map[string]int64
	regions map[int64]string
	used    map[int64]struct{}
}

// Dir returns the IP directory for a cache root.
func Dir(cacheRoot string) string {
	return filepath.Join(cacheRoot, DirName)
}

// New returns an empty index.
func New() *Index {
	return &Index{
		handles: make(map[string]int64),
		regions: make(map[int64]string),
		used:    make(map[int64]struct{}),
	}
}

// Load reads the index and optional region table under cacheRoot.
// Missing files yield empty tables.
func Load(cacheRoot string) (*Index, error) {
	x := New()
	if err := readYAML(filepath.Join(Dir(cacheRoot), IndexFileName), &x.handles); err != nil {
		return nil, err
	}
	if err := readYAML(filepath.Join(Dir(cacheRoot), RegionFileName), &x.regions); err != nil {
		return nil, err
	}
	if x.handles == nil {
		x.handles = make(map[string]int64)
	}
	if x.regions == nil {
		x.regions = make(map[int64]string)
	}
	for ip, h := range x.handles {
		if _, dup := x.used[h]; dup {
			return nil, fmt.Errorf("handle %d assigned twice (last %s)", h, ip)
		}
		x.used[h] = struct{}{}
	}
	return x, nil
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Len returns the number of indexed addresses.
func (x *Index) Len() int {
	return len(x.handles)
}

// Lookup returns the handle for a raw address.
func (x *Index) Lookup(ip string) (int64, bool) {
	h, ok := x.handles[ip]
	return h, ok
}

// Region returns the region of a handle, or UnknownRegion.
func (x *Index) Region(handle int64) string {
	if r, ok := x.regions[handle]; ok && r != "" {
		return r
	}
	return UnknownRegion
}

// RegionOf returns the region of a raw address, or UnknownRegion.
func (x *Index) RegionOf(ip string) string {
	h, ok := x.handles[ip]
	if !ok {
		return UnknownRegion
	}
	return x.Region(h)
}

// SetRegion records the region of a handle.
func (x *Index) SetRegion(handle int64, region string) {
	x.regions[handle] = region
}

// Save writes both tables under cacheRoot atomically.
func (x *Index) Save(cacheRoot string) error {
	dir := Dir(cacheRoot)
	data, err := yaml.Marshal(x.handles)
	if err != nil {
		return fmt.Errorf("marshal ip index: %w", err)
	}
	if err := fileutil.WriteFileAtomic(filepath.Join(dir, IndexFileName), data); err != nil {
		return fmt.Errorf("write ip index: %w", err)
	}
	if len(x.regions) == 0 {
		return nil
	}
	data, err = yaml.Marshal(x.regions)
	if err != nil {
		return fmt.Errorf("marshal regions: %w", err)
	}
	if err := fileutil.WriteFileAtomic(filepath.Join(dir, RegionFileName), data); err != nil {
		return fmt.Errorf("write regions: %w", err)
	}
	return nil
}
