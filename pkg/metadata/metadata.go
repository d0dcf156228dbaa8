// Package metadata resolves blob identifiers to the datasets and asset paths
// that reference them.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/eunmann/s3-access-db/pkg/assets"
)

// ErrNotFound is returned for an unknown dataset.
var ErrNotFound = errors.New("not found")

// Asset is one file of a dataset version.
type Asset struct {
	Path   string
	BlobID string
	Type   assets.Type
}

// Catalog lists datasets and their assets.
type Catalog interface {
	// Datasets returns all dataset identifiers, sorted.
	Datasets(ctx context.Context) ([]string, error)
	// Assets returns the assets of every published or draft version of a dataset,
	// without duplicates.
	Assets(ctx context.Context, dataset string) ([]Asset, error)
}

// Location is a place where a blob is published.
type Location struct {
	Dataset string
	Path    string
	Type    assets.Type
}

// Resolver maps blob identifiers to locations. Add is not safe for
// concurrent use; Resolve is once adding is done.
type Resolver struct {
	byBlob map[string][]Location
}

// NewResolver returns a resolver that knows no dataset yet.
func NewResolver() *Resolver {
	return &Resolver{byBlob: make(map[string][]Location)}
}

// LoadResolver loads the assets of the given datasets (all datasets if empty).
func LoadResolver(ctx context.Context, cat Catalog, datasets []string) (*Resolver, error) {
	if len(datasets) == 0 {
		var err error
		if datasets, err = cat.Datasets(ctx); err != nil {
			return nil, fmt.Errorf("list datasets: %w", err)
		}
	}

	r := NewResolver()
	for _, ds := range datasets {
		list, err := cat.Assets(ctx, ds)
		if err != nil {
			return nil, fmt.Errorf("assets of %s: %w", ds, err)
		}
		r.Add(ds, list)
	}
	return r, nil
}

// Add registers the assets of one dataset. Locations of a blob stay sorted
// by dataset, then path.
func (r *Resolver) Add(dataset string, list []Asset) {
	touched := make(map[string]struct{})
	for _, a := range list {
		r.byBlob[a.BlobID] = append(r.byBlob[a.BlobID], Location{Dataset: dataset, Path: a.Path, Type: a.Type})
		touched[a.BlobID] = struct{}{}
	}
	for id := range touched {
		locs := r.byBlob[id]
		sort.Slice(locs, func(i, j int) bool {
			if locs[i].Dataset != locs[j].Dataset {
				return locs[i].Dataset < locs[j].Dataset
			}
			return locs[i].Path < locs[j].Path
		})
	}
}

// Resolve returns every location of a blob. ok is false when the blob is not
// part of any published or draft version.
func (r *Resolver) Resolve(blobID string) ([]Location, bool) {
	locs, ok := r.byBlob[blobID]
	return locs, ok && len(locs) > 0
}

// Len returns the number of resolvable blobs.
func (r *Resolver) Len() int {
	return len(r.byBlob)
}

func dedupeAssets(list []Asset) []Asset {
	type key struct{ path, blob string }
	seen := make(map[key]struct{}, len(list))
	out := list[:0]
	for _, a := range list {
		k := key{a.Path, a.BlobID}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].BlobID < out[j].BlobID
	})
	return out
}
