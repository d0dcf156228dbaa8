package metadata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/eunmann/s3-access-db/pkg/assets"
)

func newArchiveServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/api/dandisets/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/dandisets/")
		switch {
		case path == "" && r.URL.Query().Get("page") == "":
			fmt.Fprintf(w, `{"count":2,"next":%q,"results":[{"identifier":"000001"}]}`, srv.URL+"/api/dandisets/?page=2")
		case path == "":
			fmt.Fprint(w, `{"count":2,"next":null,"results":[{"identifier":"000002"}]}`)
		case path == "000001/versions/":
			fmt.Fprint(w, `{"count":2,"next":null,"results":[{"version":"0.1.0"},{"version":"draft"}]}`)
		case path == "000001/versions/0.1.0/assets/":
			fmt.Fprint(w, `{"count":1,"next":null,"results":[{"asset_id":"a1","path":"sub-1/a.nwb","blob":"blob-a","zarr":null}]}`)
		case path == "000001/versions/draft/assets/":
			fmt.Fprint(w, `{"count":2,"next":null,"results":[`+
				`{"asset_id":"a1","path":"sub-1/a.nwb","blob":"blob-a","zarr":null},`+
				`{"asset_id":"a2","path":"sub-1/b.zarr","blob":null,"zarr":"zarr-b"}]}`)
		case path == "000002/versions/":
			fmt.Fprint(w, `{"count":1,"next":null,"results":[{"version":"draft"}]}`)
		case path == "000002/versions/draft/assets/":
			fmt.Fprint(w, `{"count":1,"next":null,"results":[{"asset_id":"a3","path":"shared.nwb","blob":"blob-a","zarr":null}]}`)
		default:
			http.NotFound(w, r)
		}
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, baseURL string) *APIClient {
	t.Helper()
	cfg := DefaultAPIConfig()
	cfg.BaseURL = baseURL
	cfg.RequestsPerSecond = 0
	c, err := NewAPIClient(cfg)
	if err != nil {
		t.Fatalf("NewAPIClient failed: %v", err)
	}
	return c
}

func TestAPIClientPaginates(t *testing.T) {
	srv := newArchiveServer(t)
	c := newTestClient(t, srv.URL+"/api")

	got, err := c.Datasets(context.Background())
	if err != nil {
		t.Fatalf("Datasets failed: %v", err)
	}
	if diff := cmp.Diff([]string{"000001", "000002"}, got); diff != "" {
		t.Errorf("Datasets mismatch (-want +got):\n%s", diff)
	}
}

func TestAPIClientAssetsUnionOfVersions(t *testing.T) {
	srv := newArchiveServer(t)
	c := newTestClient(t, srv.URL+"/api")

	got, err := c.Assets(context.Background(), "000001")
	if err != nil {
		t.Fatalf("Assets failed: %v", err)
	}
	want := []Asset{
		{Path: "sub-1/a.nwb", BlobID: "blob-a", Type: assets.Blob},
		{Path: "sub-1/b.zarr", BlobID: "zarr-b", Type: assets.Zarr},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Assets mismatch (-want +got):\n%s", diff)
	}

	if _, err := c.Assets(context.Background(), "999999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown dataset: got %v, want ErrNotFound", err)
	}
}

func TestAPIClientCircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()
	for range 5 {
		if _, err := c.Datasets(ctx); err == nil {
			t.Fatal("Datasets succeeded against a failing server")
		}
	}
	_, err := c.Datasets(ctx)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("got %v, want ErrOpenState", err)
	}
	if n := calls.Load(); n != 5 {
		t.Errorf("server saw %d calls, want 5", n)
	}
}

func TestResolver(t *testing.T) {
	srv := newArchiveServer(t)
	c := newTestClient(t, srv.URL+"/api")

	r, err := LoadResolver(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("LoadResolver failed: %v", err)
	}

	locs, ok := r.Resolve("blob-a")
	if !ok {
		t.Fatal("blob-a unresolved")
	}
	want := []Location{
		{Dataset: "000001", Path: "sub-1/a.nwb", Type: assets.Blob},
		{Dataset: "000002", Path: "shared.nwb", Type: assets.Blob},
	}
	if diff := cmp.Diff(want, locs); diff != "" {
		t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
	}

	if _, ok := r.Resolve("orphan"); ok {
		t.Error("orphan blob resolved")
	}
}

func TestResolverAdd(t *testing.T) {
	r := NewResolver()
	r.Add("000002", []Asset{{Path: "z.nwb", BlobID: "h1", Type: assets.Blob}})
	r.Add("000001", []Asset{
		{Path: "b.nwb", BlobID: "h1", Type: assets.Blob},
		{Path: "a.nwb", BlobID: "h1", Type: assets.Blob},
	})
	r.Add("000003", nil)

	locs, ok := r.Resolve("h1")
	if !ok {
		t.Fatal("h1 unresolved")
	}
	want := []Location{
		{Dataset: "000001", Path: "a.nwb", Type: assets.Blob},
		{Dataset: "000001", Path: "b.nwb", Type: assets.Blob},
		{Dataset: "000002", Path: "z.nwb", Type: assets.Blob},
	}
	if diff := cmp.Diff(want, locs); diff != "" {
		t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestFileCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := `datasets:
  "000003":
    - path: sub-01/sub-01.nwb
      blob: b1
    - path: sub-01/image.zarr
      zarr: z1
    - path: sub-01/sub-01.nwb
      blob: b1
  "000004": []
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadFileCatalog(path)
	if err != nil {
		t.Fatalf("LoadFileCatalog failed: %v", err)
	}

	ctx := context.Background()
	ds, _ := c.Datasets(ctx)
	if diff := cmp.Diff([]string{"000003", "000004"}, ds); diff != "" {
		t.Errorf("Datasets mismatch (-want +got):\n%s", diff)
	}

	got, err := c.Assets(ctx, "000003")
	if err != nil {
		t.Fatal(err)
	}
	want := []Asset{
		{Path: "sub-01/image.zarr", BlobID: "z1", Type: assets.Zarr},
		{Path: "sub-01/sub-01.nwb", BlobID: "b1", Type: assets.Blob},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Assets mismatch (-want +got):\n%s", diff)
	}

	if _, err := c.Assets(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestFileCatalogRejectsAmbiguousAsset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := "datasets:\n  \"1\":\n    - path: x\n      blob: a\n      zarr: b\n"
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFileCatalog(path); err == nil {
		t.Error("LoadFileCatalog accepted an asset with both blob and zarr")
	}
}
