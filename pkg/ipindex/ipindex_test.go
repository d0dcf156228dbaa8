package ipindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/eunmann/s3-access-db/pkg/extraction"
)

func writeExtraction(t *testing.T, cache, key string, ips ...string) {
	t.Helper()
	path := extraction.FileFor(cache, key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var content string
	for _, ip := range ips {
		content += extraction.FormatLine(ts, 10, ip)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestBuildReproducible(t *testing.T) {
	ctx := context.Background()
	caches := []string{t.TempDir(), t.TempDir()}
	for _, cache := range caches {
		writeExtraction(t, cache, "blobs/abc/def/one", "1.1.1.1", "2.2.2.2", "1.1.1.1")
		writeExtraction(t, cache, "zarr/two", "3.3.3.3")
	}

	var tables []map[string]int64
	for _, cache := range caches {
		res, err := Build(ctx, cache, 0)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if res.Assigned != 3 || res.Total != 3 {
			t.Errorf("Assigned = %d, Total = %d, want 3, 3", res.Assigned, res.Total)
		}
		x, err := Load(cache)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		tables = append(tables, x.handles)
	}

	if diff := cmp.Diff(tables[0], tables[1]); diff != "" {
		t.Errorf("same seed produced different handles (-a +b):\n%s", diff)
	}

	seen := make(map[int64]bool)
	for ip, h := range tables[0] {
		if h < 0 || h >= MaxHandle {
			t.Errorf("handle %d for %s outside [0, %d)", h, ip, int64(MaxHandle))
		}
		if seen[h] {
			t.Errorf("handle %d reused", h)
		}
		seen[h] = true
	}
}

func TestBuildKeepsExistingHandles(t *testing.T) {
	ctx := context.Background()
	cache := t.TempDir()
	writeExtraction(t, cache, "blobs/abc/def/one", "1.1.1.1")

	if _, err := Build(ctx, cache, 7); err != nil {
		t.Fatal(err)
	}
	before, _ := Load(cache)
	h1, _ := before.Lookup("1.1.1.1")

	writeExtraction(t, cache, "blobs/abc/def/two", "4.4.4.4")
	res, err := Build(ctx, cache, 7)
	if err != nil {
		t.Fatal(err)
	}
	if res.Assigned != 1 {
		t.Errorf("Assigned = %d, want 1", res.Assigned)
	}

	after, _ := Load(cache)
	if h, _ := after.Lookup("1.1.1.1"); h != h1 {
		t.Errorf("existing handle changed from %d to %d", h1, h)
	}
	if _, ok := after.Lookup("4.4.4.4"); !ok {
		t.Error("new address not indexed")
	}
}

func TestRegions(t *testing.T) {
	cache := t.TempDir()
	x := New()
	x.assign(map[string]struct{}{"1.1.1.1": {}, "2.2.2.2": {}}, 1)

	h, ok := x.Lookup("1.1.1.1")
	if !ok {
		t.Fatal("1.1.1.1 not indexed")
	}
	x.SetRegion(h, "US/California")
	if err := x.Save(cache); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(cache)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := loaded.RegionOf("1.1.1.1"); got != "US/California" {
		t.Errorf("RegionOf(1.1.1.1) = %q, want US/California", got)
	}
	if got := loaded.RegionOf("2.2.2.2"); got != UnknownRegion {
		t.Errorf("RegionOf(2.2.2.2) = %q, want %q", got, UnknownRegion)
	}
	if got := loaded.RegionOf("9.9.9.9"); got != UnknownRegion {
		t.Errorf("RegionOf(9.9.9.9) = %q, want %q", got, UnknownRegion)
	}
}

func TestLoadMissing(t *testing.T) {
	x, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if x.Len() != 0 {
		t.Errorf("Len() = %d, want 0", x.Len())
	}
	if _, ok := x.Lookup("1.1.1.1"); ok {
		t.Error("Lookup found an address in an empty index")
	}
}
