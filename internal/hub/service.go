// Package hub is the collaborator-facing surface of the catalogue: one
// service composing the portal registry, the fan-out aggregator, the local
// cache and the download orchestrator. Handlers and tools call this and
// nothing below it.
package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonesrussell/godata/internal/aggregator"
	"github.com/jonesrussell/godata/internal/cache"
	"github.com/jonesrussell/godata/internal/download"
	"github.com/jonesrussell/godata/internal/logger"
	"github.com/jonesrussell/godata/internal/portal"
)

// remoteSQLQuerier is the optional portal capability for server-side SQL.
// The CKAN client implements it via datastore_search_sql.
type remoteSQLQuerier interface {
	RemoteSQL(ctx context.Context, query string) ([]portal.Record, error)
}

// Service is immutable after construction.
type Service struct {
	registry   *portal.Registry
	aggregator *aggregator.Aggregator
	cache      *cache.Manager
	downloader *download.Downloader
	logger     logger.Logger
}

// New wires the service together.
func New(
	registry *portal.Registry,
	agg *aggregator.Aggregator,
	cacheMgr *cache.Manager,
	downloader *download.Downloader,
	log logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		registry:   registry,
		aggregator: agg,
		cache:      cacheMgr,
		downloader: downloader,
		logger:     log,
	}
}

// Portals lists the configured portal ids in registry order.
func (s *Service) Portals() []string {
	return s.registry.IDs()
}

// Search queries one portal or fans out to all of them. Dataset ids in the
// result are always portal-qualified.
func (s *Service) Search(ctx context.Context, opts portal.SearchOptions, portalIDs ...string) (*aggregator.SearchResult, error) {
	return s.aggregator.Search(ctx, opts, portalIDs...)
}

// SearchAll is the exhaustive variant of Search: every target portal is
// paginated to completion, so the result holds the full match set.
func (s *Service) SearchAll(ctx context.Context, opts portal.SearchOptions, portalIDs ...string) (*aggregator.SearchResult, error) {
	return s.aggregator.SearchAll(ctx, opts, portalIDs...)
}

// Dataset resolves a qualified dataset id to its full metadata.
func (s *Service) Dataset(ctx context.Context, qualifiedID string) (*portal.Dataset, error) {
	portalID, localID, err := s.split(qualifiedID)
	if err != nil {
		return nil, err
	}
	client, err := s.registry.Client(portalID)
	if err != nil {
		return nil, err
	}
	ds, err := client.GetDataset(ctx, localID)
	if err != nil {
		return nil, err
	}
	qualified := qualifyDataset(portalID, *ds)
	return &qualified, nil
}

// Download caches the resource locally and returns its cache entry.
func (s *Service) Download(ctx context.Context, qualifiedResourceID string, forceRefresh bool) (*download.Result, error) {
	portalID, localID, err := s.split(qualifiedResourceID)
	if err != nil {
		return nil, err
	}
	return s.downloader.Download(ctx, portalID, localID, forceRefresh)
}

// QueryCached runs a guarded read-only SQL statement against the cache.
func (s *Service) QueryCached(ctx context.Context, query string, maxRows int) (*cache.QueryResult, error) {
	return s.cache.Query(ctx, query, maxRows)
}

// CacheInfo summarizes the cache contents.
type CacheInfo struct {
	Entries []cache.Entry `json:"entries"`
	Stats   cache.Stats   `json:"stats"`
}

// Cache reports every cached resource and aggregate statistics.
func (s *Service) Cache(ctx context.Context) (*CacheInfo, error) {
	entries, err := s.cache.ListCached(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := s.cache.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &CacheInfo{Entries: entries, Stats: *stats}, nil
}

// Evict removes one cached resource. Evicting an absent resource succeeds.
func (s *Service) Evict(ctx context.Context, qualifiedResourceID string) error {
	return s.cache.RemoveResource(ctx, qualifiedResourceID)
}

// EvictAll clears the whole cache.
func (s *Service) EvictAll(ctx context.Context) error {
	return s.cache.RemoveAll(ctx)
}

// ResourceFreshness is the verdict for one cached resource of a dataset.
type ResourceFreshness struct {
	ResourceID   string        `json:"resource_id"`
	DownloadedAt time.Time     `json:"downloaded_at"`
	Age          string        `json:"age"`
	Verdict      cache.Verdict `json:"verdict"`
}

// FreshnessReport judges every cached resource of a dataset against its
// declared update frequency. Detection only: nothing is refreshed.
type FreshnessReport struct {
	DatasetID       string              `json:"dataset_id"`
	UpdateFrequency string              `json:"update_frequency"`
	Resources       []ResourceFreshness `json:"resources"`
}

// CheckFreshness reports how stale the cached copies of a dataset are. The
// update frequency comes from the cached metadata blob when present, the
// live portal otherwise.
func (s *Service) CheckFreshness(ctx context.Context, qualifiedDatasetID string) (*FreshnessReport, error) {
	portalID, localID, err := s.split(qualifiedDatasetID)
	if err != nil {
		return nil, err
	}

	frequency, err := s.datasetFrequency(ctx, portalID, localID, qualifiedDatasetID)
	if err != nil {
		return nil, err
	}

	entries, err := s.cache.ListCached(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	report := &FreshnessReport{
		DatasetID:       qualifiedDatasetID,
		UpdateFrequency: frequency,
		Resources:       []ResourceFreshness{},
	}
	for _, entry := range entries {
		if entry.DatasetID != qualifiedDatasetID {
			continue
		}
		report.Resources = append(report.Resources, ResourceFreshness{
			ResourceID:   entry.ResourceID,
			DownloadedAt: entry.DownloadedAt,
			Age:          now.Sub(entry.DownloadedAt).Round(time.Minute).String(),
			Verdict:      cache.Freshness(frequency, entry.DownloadedAt, now),
		})
	}
	return report, nil
}

func (s *Service) datasetFrequency(ctx context.Context, portalID, localID, qualifiedID string) (string, error) {
	var cached portal.Dataset
	if _, err := s.cache.DatasetMetadata(ctx, qualifiedID, &cached); err == nil {
		return cached.UpdateFrequency, nil
	} else if !errors.Is(err, cache.ErrNotCached) {
		return "", err
	}

	client, err := s.registry.Client(portalID)
	if err != nil {
		return "", err
	}
	ds, err := client.GetDataset(ctx, localID)
	if err != nil {
		return "", err
	}
	return ds.UpdateFrequency, nil
}

// Organizations lists publishing organizations across portals.
func (s *Service) Organizations(ctx context.Context, portalIDs ...string) (*aggregator.OrganizationsResult, error) {
	return s.aggregator.Organizations(ctx, portalIDs...)
}

// Tags merges tag vocabularies across portals.
func (s *Service) Tags(ctx context.Context, query string, portalIDs ...string) (*aggregator.TagsResult, error) {
	return s.aggregator.Tags(ctx, query, portalIDs...)
}

// RemoteQuery runs SQL on the portal's own datastore. Portals without a
// remote SQL endpoint return a structured unsupported result.
func (s *Service) RemoteQuery(ctx context.Context, portalID, query string) ([]portal.Record, error) {
	client, err := s.registry.Client(portalID)
	if err != nil {
		return nil, err
	}
	querier, ok := client.(remoteSQLQuerier)
	if !ok {
		return nil, &portal.UnsupportedOperationError{
			Portal:     portalID,
			Op:         "remote SQL",
			Suggestion: "download the resource first, then query the local cache",
		}
	}
	return querier.RemoteSQL(ctx, query)
}

// Preview returns the first rows of a resource, downloading it into the
// cache first when needed.
func (s *Service) Preview(ctx context.Context, qualifiedResourceID string, rows int) (*cache.QueryResult, error) {
	if rows <= 0 {
		rows = 10
	}

	result, err := s.Download(ctx, qualifiedResourceID, false)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT * FROM "%s" LIMIT %d`, result.Entry.TableName, rows)
	return s.cache.Query(ctx, query, rows)
}

func (s *Service) split(qualifiedID string) (string, string, error) {
	known := func(id string) bool {
		_, err := s.registry.Config(id)
		return err == nil
	}
	portalID, localID := portal.SplitQualifiedID(qualifiedID, known)
	if portalID == "" {
		return "", "", fmt.Errorf("id %q is not qualified with a configured portal (%s)",
			qualifiedID, strings.Join(s.registry.IDs(), ", "))
	}
	return portalID, localID, nil
}

func qualifyDataset(portalID string, ds portal.Dataset) portal.Dataset {
	ds.ID = portal.QualifiedID(portalID, ds.ID)
	for i := range ds.Resources {
		ds.Resources[i].ID = portal.QualifiedID(portalID, ds.Resources[i].ID)
		ds.Resources[i].DatasetID = ds.ID
	}
	return ds
}
