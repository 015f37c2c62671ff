// Package download fetches portal resources, parses them into tabular form
// and lands them in the local cache. One download of a resource serves all
// concurrent requesters.
package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jonesrussell/godata/internal/cache"
	"github.com/jonesrussell/godata/internal/geo"
	"github.com/jonesrussell/godata/internal/logger"
	"github.com/jonesrussell/godata/internal/portal"
)

// maxPayloadBytes caps a single resource fetch at 512 MiB.
const maxPayloadBytes = 512 << 20

// featureDownloader is the optional portal capability for portals whose
// data lives behind export and feature-query endpoints instead of flat file
// URLs. The ArcGIS Hub client implements it.
type featureDownloader interface {
	ResolveCSVDownload(ctx context.Context, datasetID string) (string, error)
	FetchFeatures(ctx context.Context, serviceURL string, pageSize int) ([]portal.Record, error)
}

// Result reports where a download landed and whether an existing copy
// satisfied it.
type Result struct {
	Entry     *cache.Entry `json:"entry"`
	FromCache bool         `json:"from_cache"`
}

// Downloader orchestrates fetch, parse and store for one resource at a time
// per resource id.
type Downloader struct {
	registry *portal.Registry
	cache    *cache.Manager
	http     *http.Client
	logger   logger.Logger
	group    singleflight.Group
	pageSize int
}

// New creates a downloader. httpClient handles the flat-file fetches;
// API-backed fetches go through the portal client.
func New(registry *portal.Registry, cacheMgr *cache.Manager, httpClient *http.Client, log logger.Logger) *Downloader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Downloader{
		registry: registry,
		cache:    cacheMgr,
		http:     httpClient,
		logger:   log,
		pageSize: 1000,
	}
}

// Download ensures the resource is cached and returns its cache entry.
// Without forceRefresh an existing copy is returned untouched; concurrent
// downloads of the same resource share one fetch.
func (d *Downloader) Download(ctx context.Context, portalID, resourceID string, forceRefresh bool) (*Result, error) {
	qualified := portal.QualifiedID(portalID, resourceID)

	if !forceRefresh {
		entry, err := d.cache.Get(ctx, qualified)
		if err == nil {
			return &Result{Entry: entry, FromCache: true}, nil
		}
		if !errors.Is(err, cache.ErrNotCached) {
			return nil, err
		}
	}

	v, err, _ := d.group.Do(qualified, func() (any, error) {
		return d.fetchAndStore(ctx, portalID, resourceID, qualified)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (d *Downloader) fetchAndStore(ctx context.Context, portalID, resourceID, qualified string) (*Result, error) {
	client, err := d.registry.Client(portalID)
	if err != nil {
		return nil, err
	}

	resource, err := client.GetResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	dataset, err := client.GetDataset(ctx, resource.DatasetID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	table, sourceURL, sizeBytes, err := d.fetch(ctx, client, resource, dataset)
	if err != nil {
		return nil, err
	}

	geospatial := tableHasGeometry(table)
	if sizeBytes == 0 {
		sizeBytes = approximateSize(table)
	}

	entry := cache.Entry{
		ResourceID:   qualified,
		DatasetID:    portal.QualifiedID(portalID, dataset.ID),
		TableName:    cache.TableNameFor(portalID, dataset.Name, resourceID, geospatial),
		DownloadedAt: time.Now().UTC(),
		SizeBytes:    sizeBytes,
		SourceURL:    sourceURL,
	}

	if err := d.cache.StoreResource(ctx, entry, table.Columns, table.Rows); err != nil {
		return nil, err
	}
	if err := d.cache.StoreDatasetMetadata(ctx, entry.DatasetID, dataset); err != nil {
		d.logger.Warn("dataset metadata not cached",
			logger.String("dataset_id", entry.DatasetID), logger.Error(err))
	}

	stored, err := d.cache.Get(ctx, qualified)
	if err != nil {
		return nil, err
	}

	d.logger.Info("resource downloaded",
		logger.String("resource_id", qualified),
		logger.String("table", entry.TableName),
		logger.Int("rows", len(table.Rows)),
		logger.Duration("elapsed", time.Since(start)))
	return &Result{Entry: stored, FromCache: false}, nil
}

// fetch picks the cheapest route to the rows: the portal's datastore API,
// an export URL or feature queries for feature services, or a direct fetch
// of the resource URL parsed by declared format.
func (d *Downloader) fetch(ctx context.Context, client portal.Client, resource *portal.Resource, dataset *portal.Dataset) (*Table, string, int64, error) {
	if resource.Datastore {
		records, err := client.QueryStructuredData(ctx, resource.ID, d.pageSize)
		if err != nil {
			return nil, "", 0, err
		}
		return TableFromRecords(records), resource.URL, 0, nil
	}

	if fd, ok := client.(featureDownloader); ok {
		return d.fetchFeatureService(ctx, fd, resource, dataset)
	}

	if resource.URL == "" {
		return nil, "", 0, fmt.Errorf("resource %s has no download URL", resource.ID)
	}
	if !FormatSupported(resource.Format) {
		return nil, "", 0, &UnsupportedFormatError{Format: resource.Format}
	}
	payload, err := d.fetchURL(ctx, resource.URL)
	if err != nil {
		return nil, "", 0, err
	}
	table, err := parsePayload(resource.Format, payload)
	if err != nil {
		return nil, "", 0, err
	}
	return table, resource.URL, int64(len(payload)), nil
}

// fetchFeatureService prefers a prepared CSV export and falls back exactly
// once to paginated feature queries when no export is available.
func (d *Downloader) fetchFeatureService(ctx context.Context, fd featureDownloader, resource *portal.Resource, dataset *portal.Dataset) (*Table, string, int64, error) {
	exportURL, err := fd.ResolveCSVDownload(ctx, dataset.ID)
	if err != nil {
		return nil, "", 0, err
	}
	if exportURL != "" {
		payload, err := d.fetchURL(ctx, exportURL)
		if err == nil {
			table, perr := parseCSV(payload)
			if perr == nil {
				return table, exportURL, int64(len(payload)), nil
			}
			d.logger.Warn("export payload unreadable, querying features directly",
				logger.String("resource_id", resource.ID), logger.Error(perr))
		} else {
			d.logger.Warn("export fetch failed, querying features directly",
				logger.String("resource_id", resource.ID), logger.Error(err))
		}
	}

	if resource.URL == "" {
		return nil, "", 0, fmt.Errorf("resource %s has no feature service URL", resource.ID)
	}
	records, err := fd.FetchFeatures(ctx, resource.URL, d.pageSize)
	if err != nil {
		return nil, "", 0, err
	}
	return TableFromRecords(records), resource.URL, 0, nil
}

func (d *Downloader) fetchURL(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if len(payload) > maxPayloadBytes {
		return nil, fmt.Errorf("resource at %s exceeds the %d byte limit", rawURL, maxPayloadBytes)
	}
	return payload, nil
}

func tableHasGeometry(table *Table) bool {
	for _, col := range table.Columns {
		if col == geo.WKTColumn {
			return true
		}
	}
	return false
}

// approximateSize estimates the payload size of API-sourced rows, which
// never arrive as one measurable file.
func approximateSize(table *Table) int64 {
	var total int64
	for _, row := range table.Rows {
		if encoded, err := json.Marshal(row); err == nil {
			total += int64(len(encoded))
		}
	}
	return total
}

// FormatSupported reports whether the downloader can parse the format.
func FormatSupported(format string) bool {
	switch strings.ToUpper(strings.TrimSpace(format)) {
	case "CSV", "TXT", "TSV", "XLSX", "XLS", "JSON", "GEOJSON", "KML", "SHP", "ZIP", "SHAPEFILE":
		return true
	default:
		return false
	}
}
