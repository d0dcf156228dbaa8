package metadata

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/eunmann/s3-access-db/pkg/assets"
)

// FileCatalog is a static catalog read from a YAML file:
//
//	datasets:
//	  "000003":
//	    - path: sub-01/sub-01.nwb
//	      blob: 0a1b2c...
//	    - path: sub-01/image.ome.zarr
//	      zarr: 9f8e7d...
type FileCatalog struct {
	datasets map[string][]Asset
}

type fileAsset struct {
	Path string `yaml:"path"`
	Blob string `yaml:"blob,omitempty"`
	Zarr string `yaml:"zarr,omitempty"`
}

type fileDoc struct {
	Datasets map[string][]fileAsset `yaml:"datasets"`
}

// LoadFileCatalog reads a catalog file.
func LoadFileCatalog(path string) (*FileCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}

	c := &FileCatalog{datasets: make(map[string][]Asset, len(doc.Datasets))}
	for ds, list := range doc.Datasets {
		out := make([]Asset, 0, len(list))
		for i, fa := range list {
			a, err := fa.asset()
			if err != nil {
				return nil, fmt.Errorf("dataset %s asset %d: %w", ds, i, err)
			}
			out = append(out, a)
		}
		c.datasets[ds] = dedupeAssets(out)
	}
	return c, nil
}

func (fa fileAsset) asset() (Asset, error) {
	switch {
	case fa.Path == "":
		return Asset{}, fmt.Errorf("missing path")
	case fa.Blob != "" && fa.Zarr != "":
		return Asset{}, fmt.Errorf("%s: both blob and zarr set", fa.Path)
	case fa.Blob != "":
		return Asset{Path: fa.Path, BlobID: fa.Blob, Type: assets.Blob}, nil
	case fa.Zarr != "":
		return Asset{Path: fa.Path, BlobID: fa.Zarr, Type: assets.Zarr}, nil
	default:
		return Asset{}, fmt.Errorf("%s: neither blob nor zarr set", fa.Path)
	}
}

// NewFileCatalog builds a catalog from memory.
func NewFileCatalog(datasets map[string][]Asset) *FileCatalog {
	c := &FileCatalog{datasets: make(map[string][]Asset, len(datasets))}
	for ds, list := range datasets {
		c.datasets[ds] = dedupeAssets(append([]Asset(nil), list...))
	}
	return c
}

// Datasets returns all dataset identifiers, sorted.
func (c *FileCatalog) Datasets(_ context.Context) ([]string, error) {
	out := make([]string, 0, len(c.datasets))
	for ds := range c.datasets {
		out = append(out, ds)
	}
	sort.Strings(out)
	return out, nil
}

// Assets returns the assets of a dataset.
func (c *FileCatalog) Assets(_ context.Context, dataset string) ([]Asset, error) {
	list, ok := c.datasets[dataset]
	if !ok {
		return nil, fmt.Errorf("dataset %s: %w", dataset, ErrNotFound)
	}
	return list, nil
}
