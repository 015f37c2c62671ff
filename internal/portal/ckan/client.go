// Package ckan implements the portal client contract for the CKAN Action API.
package ckan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/jonesrussell/godata/internal/logger"
	"github.com/jonesrussell/godata/internal/portal"
	"github.com/jonesrussell/godata/internal/retry"
)

const (
	defaultSearchPageSize    = 100
	defaultDatastorePageSize = 1000
)

// Options configures a CKAN client.
type Options struct {
	HTTPClient *http.Client
	Retry      retry.Config
	// RateLimit caps requests per second to this portal. Zero disables limiting.
	RateLimit float64
	Logger    logger.Logger
}

// Client talks to one CKAN portal's Action API.
type Client struct {
	cfg     portal.Config
	apiURL  string
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
		apiURL:  strings.TrimRight(cfg.BaseURL, "/") + "/api/3/action",
		http:    httpClient,
		retry:   retryCfg,
		limiter: limiter,
		logger:  log.With(logger.String("portal", cfg.ID)),
	}
}

// envelope is the CKAN Action API response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   struct {
		Message string `json:"message"`
		Type    string `json:"__type"`
	} `json:"error"`
}

// request issues one rate-limited GET against an Action API endpoint,
// retrying transient failures with backoff. Non-retryable HTTP statuses and
// envelope errors surface immediately.
func (c *Client) request(ctx context.Context, action string, params url.Values) (json.RawMessage, error) {
	reqURL := c.apiURL + "/" + action
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var result json.RawMessage
	err := retry.Do(ctx, c.retry, func() error {
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
			return fmt.Errorf("GET %s: %w", action, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &retry.HTTPStatusError{StatusCode: resp.StatusCode, URL: reqURL}
		}

		var env envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return fmt.Errorf("decode %s response: %w", action, err)
		}
		if !env.Success {
			return &portal.APIError{Portal: c.cfg.ID, Action: action, Message: env.Error.Message}
		}

		result = env.Result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Search runs package_search and returns one normalized result page.
func (c *Client) Search(ctx context.Context, opts portal.SearchOptions) (*portal.SearchResult, error) {
	params := url.Values{}
	query := opts.Query
	if query == "" {
		query = "*:*"
	}
	params.Set("q", query)
	rows := opts.Rows
	if rows <= 0 {
		rows = defaultSearchPageSize
	}
	params.Set("rows", strconv.Itoa(rows))
	if opts.Start > 0 {
		params.Set("start", strconv.Itoa(opts.Start))
	}
	if opts.Sort != "" {
		params.Set("sort", opts.Sort)
	}
	if len(opts.Filters) > 0 {
		fq := make([]string, 0, len(opts.Filters))
		for k, v := range opts.Filters {
			fq = append(fq, k+":"+v)
		}
		params.Set("fq", strings.Join(fq, " "))
	}

	raw, err := c.request(ctx, "package_search", params)
	if err != nil {
		return nil, err
	}

	var page searchPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode search result: %w", err)
	}

	datasets := make([]portal.Dataset, 0, len(page.Results))
	for i := range page.Results {
		datasets = append(datasets, page.Results[i].normalize())
	}

	return &portal.SearchResult{Total: page.Count, Datasets: datasets}, nil
}

// SearchAll paginates package_search until the reported total is reached.
// Pages keep provider order; duplicates within the paginated sequence are
// dropped by dataset id.
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

// GetDataset runs package_show.
func (c *Client) GetDataset(ctx context.Context, id string) (*portal.Dataset, error) {
	raw, err := c.request(ctx, "package_show", url.Values{"id": {id}})
	if err != nil {
		if isMissing(err) {
			return nil, &portal.NotFoundError{Kind: "dataset", ID: id}
		}
		return nil, err
	}

	var pkg ckanPackage
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	ds := pkg.normalize()
	return &ds, nil
}

// GetResource runs resource_show.
func (c *Client) GetResource(ctx context.Context, id string) (*portal.Resource, error) {
	raw, err := c.request(ctx, "resource_show", url.Values{"id": {id}})
	if err != nil {
		if isMissing(err) {
			return nil, &portal.NotFoundError{Kind: "resource", ID: id}
		}
		return nil, err
	}

	var res ckanResource
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	r := res.normalize("")
	return &r, nil
}

// QueryStructuredData pages datastore_search until the reported total is
// reached and returns all rows with CKAN bookkeeping columns stripped.
func (c *Client) QueryStructuredData(ctx context.Context, resourceID string, pageSize int) ([]portal.Record, error) {
	if pageSize <= 0 {
		pageSize = defaultDatastorePageSize
	}

	var all []portal.Record
	offset := 0
	total := -1

	for {
		params := url.Values{
			"resource_id": {resourceID},
			"limit":       {strconv.Itoa(pageSize)},
			"offset":      {strconv.Itoa(offset)},
		}
		raw, err := c.request(ctx, "datastore_search", params)
		if err != nil {
			if isMissing(err) {
				return nil, &portal.UnsupportedOperationError{
					Portal:     c.cfg.ID,
					Op:         "structured query on resource " + resourceID,
					Suggestion: "the resource has no datastore; download it and query the local cache instead",
				}
			}
			return nil, err
		}

		var page datastorePage
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decode datastore page: %w", err)
		}

		if total < 0 {
			total = page.Total
		}
		for _, rec := range page.Records {
			all = append(all, stripInternalFields(rec))
		}

		if len(page.Records) == 0 || len(all) >= total {
			break
		}
		offset += pageSize
	}

	return all, nil
}

// RemoteSQL runs a read-only SQL statement against the portal's datastore
// via datastore_search_sql. A CKAN-only capability.
func (c *Client) RemoteSQL(ctx context.Context, sql string) ([]portal.Record, error) {
	raw, err := c.request(ctx, "datastore_search_sql", url.Values{"sql": {sql}})
	if err != nil {
		return nil, err
	}

	var page datastorePage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode datastore sql result: %w", err)
	}

	records := make([]portal.Record, 0, len(page.Records))
	for _, rec := range page.Records {
		records = append(records, stripInternalFields(rec))
	}
	return records, nil
}

// ListOrganizations runs organization_list with full fields.
func (c *Client) ListOrganizations(ctx context.Context) ([]portal.Organization, error) {
	params := url.Values{
		"all_fields":            {"true"},
		"include_dataset_count": {"true"},
		"sort":                  {"package_count desc"},
	}
	raw, err := c.request(ctx, "organization_list", params)
	if err != nil {
		return nil, err
	}

	var orgs []ckanOrganization
	if err := json.Unmarshal(raw, &orgs); err != nil {
		return nil, fmt.Errorf("decode organizations: %w", err)
	}

	out := make([]portal.Organization, 0, len(orgs))
	for _, o := range orgs {
		out = append(out, portal.Organization{
			Name:         o.Name,
			Title:        o.Title,
			Description:  o.Description,
			DatasetCount: o.PackageCount,
		})
	}
	return out, nil
}

// ListGroups runs group_list with full fields. Groups are CKAN's thematic
// dataset collections.
func (c *Client) ListGroups(ctx context.Context) ([]portal.Group, error) {
	params := url.Values{
		"all_fields":            {"true"},
		"include_dataset_count": {"true"},
	}
	raw, err := c.request(ctx, "group_list", params)
	if err != nil {
		return nil, err
	}

	var groups []ckanOrganization
	if err := json.Unmarshal(raw, &groups); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}

	out := make([]portal.Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, portal.Group{
			Name:         g.Name,
			Title:        g.Title,
			Description:  g.Description,
			DatasetCount: g.PackageCount,
		})
	}
	return out, nil
}

// ListDatasetNames runs package_list, returning every dataset name on the
// portal. Cheaper than a full search when only names are needed.
func (c *Client) ListDatasetNames(ctx context.Context) ([]string, error) {
	raw, err := c.request(ctx, "package_list", nil)
	if err != nil {
		return nil, err
	}

	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, fmt.Errorf("decode dataset names: %w", err)
	}
	return names, nil
}

// SearchResources runs resource_search against one resource field, e.g.
// "format:CSV" or "name:water".
func (c *Client) SearchResources(ctx context.Context, query string) ([]portal.Resource, error) {
	raw, err := c.request(ctx, "resource_search", url.Values{"query": {query}})
	if err != nil {
		return nil, err
	}

	var page struct {
		Count   int            `json:"count"`
		Results []ckanResource `json:"results"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode resource search result: %w", err)
	}

	out := make([]portal.Resource, 0, len(page.Results))
	for i := range page.Results {
		out = append(out, page.Results[i].normalize(""))
	}
	return out, nil
}

// ListTags runs tag_list. CKAN may answer with bare strings or full objects
// depending on all_fields support, so both shapes are accepted.
func (c *Client) ListTags(ctx context.Context, query string) ([]portal.Tag, error) {
	params := url.Values{"all_fields": {"true"}}
	if query != "" {
		params.Set("query", query)
	}
	raw, err := c.request(ctx, "tag_list", params)
	if err != nil {
		return nil, err
	}

	var full []ckanTag
	if err := json.Unmarshal(raw, &full); err == nil {
		out := make([]portal.Tag, 0, len(full))
		for _, t := range full {
			out = append(out, portal.Tag{Name: t.Name, Count: t.Count})
		}
		return out, nil
	}

	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	out := make([]portal.Tag, 0, len(names))
	for _, n := range names {
		out = append(out, portal.Tag{Name: n})
	}
	return out, nil
}

// Close releases per-client resources. The HTTP transport is shared and
// stays open.
func (c *Client) Close() error {
	return nil
}

// isMissing reports whether the error indicates a missing remote object:
// an HTTP 404 or a CKAN "Not Found" envelope error.
func isMissing(err error) bool {
	var statusErr *retry.HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return true
	}
	var apiErr *portal.APIError
	if errors.As(err, &apiErr) {
		return strings.Contains(strings.ToLower(apiErr.Message), "not found")
	}
	return false
}

// stripInternalFields drops CKAN bookkeeping columns (_id, _full_text, ...)
// from a datastore record.
func stripInternalFields(rec portal.Record) portal.Record {
	clean := make(portal.Record, len(rec))
	for k, v := range rec {
		if strings.HasPrefix(k, "_") {
			continue
		}
		clean[k] = v
	}
	return clean
}
