package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/eunmann/s3-access-db/pkg/assets"
	"github.com/eunmann/s3-access-db/pkg/logging"
)

// DefaultAPIURL is the public archive API.
const DefaultAPIURL = "https://api.dandiarchive.org/api"

// APIConfig configures the archive API client.
type APIConfig struct {
	// BaseURL is the API root, e.g. DefaultAPIURL.
	BaseURL string
	// RequestsPerSecond caps the request rate. Zero disables limiting.
	RequestsPerSecond float64
	// Timeout bounds each HTTP request.
	Timeout time.Duration
	// PageSize is the page size requested from list endpoints.
	PageSize int
	// HTTPClient overrides the HTTP client.
	HTTPClient *http.Client
}

// DefaultAPIConfig returns the default client configuration.
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		BaseURL:           DefaultAPIURL,
		RequestsPerSecond: 10,
		Timeout:           30 * time.Second,
		PageSize:          1000,
	}
}

// APIClient reads datasets and assets from the archive REST API.
type APIClient struct {
	base    string
	cfg     APIConfig
	http    *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[[]byte]
}

// NewAPIClient creates an API client.
func NewAPIClient(cfg APIConfig) (*APIClient, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAPIURL
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid api url %q: %w", cfg.BaseURL, err)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultAPIConfig().PageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAPIConfig().Timeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	log := logging.WithPhase("metadata_api")
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "archive-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	return &APIClient{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
		cb:      cb,
	}, nil
}

type page[T any] struct {
	Count   int     `json:"count"`
	Next    *string `json:"next"`
	Results []T     `json:"results"`
}

type apiDataset struct {
	Identifier string `json:"identifier"`
}

type apiVersion struct {
	Version string `json:"version"`
	Status  string `json:"status"`
}

type apiAsset struct {
	AssetID string  `json:"asset_id"`
	Path    string  `json:"path"`
	Blob    *string `json:"blob"`
	Zarr    *string `json:"zarr"`
}

// Datasets returns all dataset identifiers, sorted by the API.
func (c *APIClient) Datasets(ctx context.Context) ([]string, error) {
	list, err := paginate[apiDataset](ctx, c, c.endpoint("dandisets/"))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list))
	for _, d := range list {
		out = append(out, d.Identifier)
	}
	return out, nil
}

// Versions returns the version names of a dataset, including "draft".
func (c *APIClient) Versions(ctx context.Context, dataset string) ([]string, error) {
	list, err := paginate[apiVersion](ctx, c, c.endpoint("dandisets/"+url.PathEscape(dataset)+"/versions/"))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		out = append(out, v.Version)
	}
	return out, nil
}

// Assets returns the union of assets over all versions of a dataset.
func (c *APIClient) Assets(ctx context.Context, dataset string) ([]Asset, error) {
	versions, err := c.Versions(ctx, dataset)
	if err != nil {
		return nil, err
	}

	var out []Asset
	for _, v := range versions {
		u := c.endpoint("dandisets/" + url.PathEscape(dataset) + "/versions/" + url.PathEscape(v) + "/assets/")
		list, err := paginate[apiAsset](ctx, c, u)
		if err != nil {
			return nil, fmt.Errorf("version %s: %w", v, err)
		}
		for _, a := range list {
			switch {
			case a.Blob != nil && *a.Blob != "":
				out = append(out, Asset{Path: a.Path, BlobID: *a.Blob, Type: assets.Blob})
			case a.Zarr != nil && *a.Zarr != "":
				out = append(out, Asset{Path: a.Path, BlobID: *a.Zarr, Type: assets.Zarr})
			}
		}
	}
	return dedupeAssets(out), nil
}

func (c *APIClient) endpoint(path string) string {
	return c.base + "/" + path + "?page_size=" + strconv.Itoa(c.cfg.PageSize)
}

func paginate[T any](ctx context.Context, c *APIClient, u string) ([]T, error) {
	var out []T
	for u != "" {
		body, err := c.get(ctx, u)
		if err != nil {
			return nil, err
		}
		var p page[T]
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", u, err)
		}
		out = append(out, p.Results...)
		u = ""
		if p.Next != nil {
			u = *p.Next
		}
	}
	return out, nil
}

// get fetches one URL through the rate limiter and the circuit breaker.
func (c *APIClient) get(ctx context.Context, u string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.cb.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", u, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", u, err)
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, fmt.Errorf("get %s: %w", u, ErrNotFound)
		case resp.StatusCode >= 300:
			return nil, fmt.Errorf("get %s: unexpected status %s", u, resp.Status)
		}
		return body, nil
	})
}
