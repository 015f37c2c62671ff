// Package arcgis implements the portal client contract for ArcGIS Hub
// portals. The canonical dataset shape is synthesized from three endpoints:
// the OGC Records search API, the Hub v3 dataset API and the Downloads API.
package arcgis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jonesrussell/godata/internal/logger"
	"github.com/jonesrussell/godata/internal/portal"
	"github.com/jonesrussell/godata/internal/retry"
)

const defaultSearchPageSize = 100

// Options configures an ArcGIS Hub client.
type Options struct {
	HTTPClient *http.Client
	Retry      retry.Config
	RateLimit  float64
	Logger     logger.Logger
}

// Client talks to one ArcGIS Hub portal.
type Client struct {
	cfg     portal.Config
	baseURL string
	http    *http.Client
	retry   retry.Config
	limiter *rate.Limiter
	logger  logger.Logger
}

// New creates a client for the portal described by cfg.
func New(cfg portal.Config, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	retryCfg := opts.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig()
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}

	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		retry:   retryCfg,
		limiter: limiter,
		logger:  log.With(logger.String("portal", cfg.ID)),
	}
}

// getJSON issues one rate-limited GET and decodes the JSON response into out,
// retrying transient failures.
func (c *Client) getJSON(ctx context.Context, reqURL string, out any) error {
	return retry.Do(ctx, c.retry, func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limiter: %w", err)
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("GET %s: %w", reqURL, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &retry.HTTPStatusError{StatusCode: resp.StatusCode, URL: reqURL}
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", reqURL, err)
		}
		return nil
	})
}

// ogcSearchPage is the OGC Records API response shape.
type ogcSearchPage struct {
	NumberMatched int `json:"numberMatched"`
	Features      []struct {
		ID         string        `json:"id"`
		Properties hubAttributes `json:"properties"`
	} `json:"features"`
}

// hubAttributes is the common attribute shape shared by the OGC Records
// properties object and the Hub v3 dataset attributes object.
type hubAttributes struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Snippet         string   `json:"snippet"`
	Modified        string   `json:"modified"`
	Tags            []string `json:"tags"`
	URL             string   `json:"url"`
	UpdateFrequency string   `json:"updateFrequency"`
	License         string   `json:"license"`
	RecordCount     int64    `json:"recordCount"`
}

// Search runs an OGC Records query and synthesizes canonical datasets.
// Tags may be absent on the wire; the normalized shape still carries an
// empty, non-nil set.
func (c *Client) Search(ctx context.Context, opts portal.SearchOptions) (*portal.SearchResult, error) {
	params := url.Values{}
	rows := opts.Rows
	if rows <= 0 {
		rows = defaultSearchPageSize
	}
	params.Set("limit", strconv.Itoa(rows))
	if opts.Start > 0 {
		// OGC Records uses a 1-based startindex.
		params.Set("startindex", strconv.Itoa(opts.Start))
	}
	if opts.Query != "" && opts.Query != "*:*" {
		params.Set("q", opts.Query)
	}

	var page ogcSearchPage
	searchURL := c.baseURL + "/api/search/v1/collections/all/items?" + params.Encode()
	if err := c.getJSON(ctx, searchURL, &page); err != nil {
		return nil, err
	}

	datasets := make([]portal.Dataset, 0, len(page.Features))
	for _, feat := range page.Features {
		attrs := feat.Properties
		if attrs.ID == "" {
			attrs.ID = feat.ID
		}
		datasets = append(datasets, c.normalize(attrs))
	}

	total := page.NumberMatched
	if total == 0 {
		total = len(datasets)
	}
	return &portal.SearchResult{Total: total, Datasets: datasets}, nil
}

// SearchAll paginates the OGC Records search until the reported match count
// is reached, de-duplicating by dataset id.
func (c *Client) SearchAll(ctx context.Context, opts portal.SearchOptions) ([]portal.Dataset, error) {
	pageSize := opts.Rows
	if pageSize <= 0 {
		pageSize = defaultSearchPageSize
	}

	var all []portal.Dataset
	seen := make(map[string]struct{})
	start := opts.Start
	fetched := 0

	for {
		pageOpts := opts
		pageOpts.Rows = pageSize
		pageOpts.Start = start

		page, err := c.Search(ctx, pageOpts)
		if err != nil {
			return nil, err
		}
		if len(page.Datasets) == 0 {
			break
		}

		for _, ds := range page.Datasets {
			if _, dup := seen[ds.ID]; dup {
				continue
			}
			seen[ds.ID] = struct{}{}
			all = append(all, ds)
		}

		fetched += len(page.Datasets)
		if fetched >= page.Total {
			break
		}
		start += pageSize
	}

	return all, nil
}

// hubDatasetResponse is the Hub v3 dataset detail envelope.
type hubDatasetResponse struct {
	Data struct {
		ID         string        `json:"id"`
		Attributes hubAttributes `json:"attributes"`
	} `json:"data"`
}

// GetDataset fetches dataset detail from the Hub v3 API.
func (c *Client) GetDataset(ctx context.Context, id string) (*portal.Dataset, error) {
	var resp hubDatasetResponse
	detailURL := c.baseURL + "/api/v3/datasets/" + url.PathEscape(id)
	if err := c.getJSON(ctx, detailURL, &resp); err != nil {
		var statusErr *retry.HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, &portal.NotFoundError{Kind: "dataset", ID: id}
		}
		return nil, err
	}

	attrs := resp.Data.Attributes
	if attrs.ID == "" {
		attrs.ID = resp.Data.ID
	}
	if attrs.ID == "" {
		attrs.ID = id
	}
	ds := c.normalize(attrs)
	return &ds, nil
}

// GetResource synthesizes resource metadata from the owning dataset.
// ArcGIS Hub resource ids have the form {itemId}_{layerIndex} and equal the
// Hub dataset id, so the dataset lookup uses the id as-is.
func (c *Client) GetResource(ctx context.Context, id string) (*portal.Resource, error) {
	ds, err := c.GetDataset(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range ds.Resources {
		if ds.Resources[i].ID == id {
			return &ds.Resources[i], nil
		}
	}
	return &portal.Resource{
		ID:        id,
		DatasetID: ds.ID,
		Name:      ds.Title,
		Format:    "FEATURE SERVICE",
	}, nil
}

// QueryStructuredData is not available on ArcGIS Hub: there is no remote
// datastore API. Callers get a structured unsupported result with the
// compensating workflow.
func (c *Client) QueryStructuredData(ctx context.Context, resourceID string, pageSize int) ([]portal.Record, error) {
	return nil, &portal.UnsupportedOperationError{
		Portal:     c.cfg.ID,
		Op:         "remote structured query",
		Suggestion: "download the resource first, then query the local cache",
	}
}

// ListOrganizations returns the portal's single synthetic organization.
// Hub portals are single-publisher; there is no organizations endpoint.
func (c *Client) ListOrganizations(ctx context.Context) ([]portal.Organization, error) {
	return []portal.Organization{{
		Name:        c.cfg.OrgName,
		Title:       c.cfg.OrgTitle,
		Description: fmt.Sprintf("Single-org portal; all datasets belong to %s.", c.cfg.OrgTitle),
	}}, nil
}

// ListTags returns an empty set: ArcGIS Hub has no tags endpoint, and
// fan-out callers degrade gracefully on an empty result.
func (c *Client) ListTags(ctx context.Context, query string) ([]portal.Tag, error) {
	return []portal.Tag{}, nil
}

// Close releases per-client resources. The HTTP transport is shared and
// stays open.
func (c *Client) Close() error {
	return nil
}

// normalize maps Hub attributes onto the canonical dataset shape.
func (c *Client) normalize(attrs hubAttributes) portal.Dataset {
	tags := attrs.Tags
	if tags == nil {
		tags = []string{}
	}

	description := attrs.Description
	if description == "" {
		description = attrs.Snippet
	}

	name := attrs.Name
	if name == "" {
		name = slugify(attrs.Title)
	}

	freq := attrs.UpdateFrequency
	if freq == "" {
		freq = "unknown"
	}

	license := attrs.License
	if license == "" {
		license = c.cfg.License
	}

	resources := []portal.Resource{}
	if attrs.URL != "" {
		resources = append(resources, portal.Resource{
			ID:        attrs.ID,
			DatasetID: attrs.ID,
			Name:      attrs.Title,
			Format:    "FEATURE SERVICE",
			URL:       attrs.URL,
			Datastore: false,
			Size:      attrs.RecordCount,
		})
	}

	return portal.Dataset{
		ID:          attrs.ID,
		Name:        name,
		Title:       attrs.Title,
		Description: description,
		Organization: portal.Organization{
			Name:  c.cfg.OrgName,
			Title: c.cfg.OrgTitle,
		},
		Tags:            tags,
		Resources:       resources,
		LastModified:    parseHubTime(attrs.Modified),
		UpdateFrequency: freq,
		License:         license,
	}
}

// parseHubTime handles the timestamp shapes Hub emits: RFC 3339 strings or
// bare dates.
func parseHubTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func slugify(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	slug := b.String()
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	slug = strings.Trim(slug, "-")
	if len(slug) > 80 {
		slug = slug[:80]
	}
	return slug
}
