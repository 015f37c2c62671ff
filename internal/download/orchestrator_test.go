package download_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/godata/internal/download"
	"github.com/jonesrussell/godata/internal/logger"
	"github.com/jonesrussell/godata/internal/portal"
	"github.com/jonesrussell/godata/internal/portal/arcgis"
	"github.com/jonesrussell/godata/internal/portal/ckan"
	"github.com/jonesrussell/godata/internal/retry"
	"github.com/jonesrussell/godata/internal/testhelpers"
)

func newRegistry(ckanURL, arcgisURL string) *portal.Registry {
	configs := []portal.Config{}
	if ckanURL != "" {
		configs = append(configs, portal.Config{
			ID: "ontario", Type: portal.TypeCKAN, BaseURL: ckanURL,
		})
	}
	if arcgisURL != "" {
		configs = append(configs, portal.Config{
			ID: "ottawa", Type: portal.TypeArcGISHub, BaseURL: arcgisURL,
			OrgName: "ottawa", OrgTitle: "City of Ottawa",
		})
	}

	opts := retry.Config{MaxAttempts: 1}
	return portal.NewRegistry(configs, func(cfg portal.Config) (portal.Client, error) {
		switch cfg.Type {
		case portal.TypeCKAN:
			return ckan.New(cfg, ckan.Options{Retry: opts}), nil
		default:
			return arcgis.New(cfg, arcgis.Options{Retry: opts}), nil
		}
	})
}

func ckanDatastoreFixture(t *testing.T) *testhelpers.FakeCKAN {
	t.Helper()

	fake := testhelpers.NewFakeCKAN(t)
	fake.Datasets = []map[string]any{{
		"id":    "ds1",
		"name":  "drinking-water-tests",
		"title": "Drinking Water Tests",
		"resources": []map[string]any{{
			"id":               "res-1",
			"package_id":       "ds1",
			"name":             "Readings",
			"format":           "csv",
			"url":              "https://example.org/readings.csv",
			"datastore_active": true,
		}},
	}}
	fake.Records["res-1"] = []map[string]any{
		{"_id": 1, "station": "ST-001", "lead_ppb": 0.4},
		{"_id": 2, "station": "ST-002", "lead_ppb": 1.2},
	}
	return fake
}

func TestDownloadDatastoreResource(t *testing.T) {
	fake := ckanDatastoreFixture(t)
	registry := newRegistry(fake.URL, "")
	cacheMgr := testhelpers.NewTempCache(t)
	d := download.New(registry, cacheMgr, nil, logger.NewNop())

	result, err := d.Download(context.Background(), "ontario", "res-1", false)
	require.NoError(t, err)

	assert.False(t, result.FromCache)
	assert.Equal(t, "ontario:res-1", result.Entry.ResourceID)
	assert.Equal(t, "ontario:ds1", result.Entry.DatasetID)
	assert.EqualValues(t, 2, result.Entry.RowCount)
	assert.True(t, strings.HasPrefix(result.Entry.TableName, "ds_ontario_drinking_water_tests_"))

	// Internal datastore columns never reach the cache.
	q, err := cacheMgr.Query(context.Background(),
		"SELECT station, lead_ppb FROM "+result.Entry.TableName+" ORDER BY station", 0)
	require.NoError(t, err)
	require.Len(t, q.Rows, 2)
	assert.Equal(t, "ST-001", q.Rows[0][0])

	// The dataset metadata blob lands alongside the rows.
	var ds portal.Dataset
	_, err = cacheMgr.DatasetMetadata(context.Background(), "ontario:ds1", &ds)
	require.NoError(t, err)
	assert.Equal(t, "Drinking Water Tests", ds.Title)
}

func TestDownloadIsIdempotent(t *testing.T) {
	fake := ckanDatastoreFixture(t)
	registry := newRegistry(fake.URL, "")
	cacheMgr := testhelpers.NewTempCache(t)
	d := download.New(registry, cacheMgr, nil, logger.NewNop())
	ctx := context.Background()

	first, err := d.Download(ctx, "ontario", "res-1", false)
	require.NoError(t, err)
	fetches := fake.Requests["datastore_search"]

	second, err := d.Download(ctx, "ontario", "res-1", false)
	require.NoError(t, err)

	assert.True(t, second.FromCache)
	assert.Equal(t, first.Entry.TableName, second.Entry.TableName)
	assert.Equal(t, fetches, fake.Requests["datastore_search"], "cached download must not refetch")
}

func TestConcurrentDownloadsCoalesce(t *testing.T) {
	fake := ckanDatastoreFixture(t)
	fake.Delay = 50 * time.Millisecond
	registry := newRegistry(fake.URL, "")
	cacheMgr := testhelpers.NewTempCache(t)
	d := download.New(registry, cacheMgr, nil, logger.NewNop())
	ctx := context.Background()

	results := make([]*download.Result, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = d.Download(ctx, "ontario", "res-1", false)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i].Entry)
	}
	assert.Equal(t, results[0].Entry.TableName, results[1].Entry.TableName)

	// One fetch sequence serves both callers.
	assert.Equal(t, 1, fake.Requests["datastore_search"])
	assert.Equal(t, 1, fake.Requests["resource_show"])
}

func TestDownloadForceRefreshReplaces(t *testing.T) {
	fake := ckanDatastoreFixture(t)
	registry := newRegistry(fake.URL, "")
	cacheMgr := testhelpers.NewTempCache(t)
	d := download.New(registry, cacheMgr, nil, logger.NewNop())
	ctx := context.Background()

	_, err := d.Download(ctx, "ontario", "res-1", false)
	require.NoError(t, err)

	fake.Records["res-1"] = append(fake.Records["res-1"],
		map[string]any{"_id": 3, "station": "ST-003", "lead_ppb": 0.1})

	result, err := d.Download(ctx, "ontario", "res-1", true)
	require.NoError(t, err)

	assert.False(t, result.FromCache)
	assert.EqualValues(t, 3, result.Entry.RowCount)

	entries, err := cacheMgr.ListCached(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "refresh replaces, never duplicates")
}

func arcgisFixture(t *testing.T) *testhelpers.FakeArcGIS {
	t.Helper()

	fake := testhelpers.NewFakeArcGIS(t)
	fake.Datasets["abc123_0"] = map[string]any{
		"id":    "abc123_0",
		"title": "Water Quality Monitoring",
		"url":   fake.FeatureServiceURL(),
	}
	return fake
}

func TestDownloadFeatureServiceUsesExport(t *testing.T) {
	fake := arcgisFixture(t)
	fake.Downloads["abc123_0"] = []map[string]any{
		{"format": "csv", "contentUrl": fake.ExportURL()},
	}
	fake.CSV = "station,ph\nST-001,7.1\nST-002,6.8\n"

	registry := newRegistry("", fake.URL)
	cacheMgr := testhelpers.NewTempCache(t)
	d := download.New(registry, cacheMgr, nil, logger.NewNop())

	result, err := d.Download(context.Background(), "ottawa", "abc123_0", false)
	require.NoError(t, err)

	assert.EqualValues(t, 2, result.Entry.RowCount)
	assert.Equal(t, fake.ExportURL(), result.Entry.SourceURL)
	assert.Equal(t, 1, fake.Requests["export"])
	assert.Equal(t, 0, fake.Requests["query"], "export satisfied the download, no feature queries")
	assert.True(t, strings.HasPrefix(result.Entry.TableName, "ds_ottawa_"))
}

func TestDownloadFeatureServiceFallsBackToQueries(t *testing.T) {
	fake := arcgisFixture(t)
	fake.Features = []map[string]any{
		{
			"properties": map[string]any{"station": "ST-001", "ph": 7.1},
			"geometry":   map[string]any{"type": "Point", "coordinates": []float64{-75.69, 45.42}},
		},
	}

	registry := newRegistry("", fake.URL)
	cacheMgr := testhelpers.NewTempCache(t)
	d := download.New(registry, cacheMgr, nil, logger.NewNop())

	result, err := d.Download(context.Background(), "ottawa", "abc123_0", false)
	require.NoError(t, err)

	assert.Equal(t, 1, fake.Requests["downloads"], "export resolution attempted once")
	assert.GreaterOrEqual(t, fake.Requests["query"], 1)
	assert.EqualValues(t, 1, result.Entry.RowCount)
	assert.True(t, strings.HasPrefix(result.Entry.TableName, "geo_ds_ottawa_"),
		"flattened geometry marks the table geospatial")

	q, err := cacheMgr.Query(context.Background(),
		"SELECT geometry_type, geometry_wkt FROM "+result.Entry.TableName, 0)
	require.NoError(t, err)
	require.Len(t, q.Rows, 1)
	assert.Equal(t, "Point", q.Rows[0][0])
}

func TestDownloadUnsupportedFormat(t *testing.T) {
	fake := testhelpers.NewFakeCKAN(t)
	fake.Datasets = []map[string]any{{
		"id":    "ds1",
		"name":  "report",
		"title": "Annual Report",
		"resources": []map[string]any{{
			"id":         "res-pdf",
			"package_id": "ds1",
			"format":     "pdf",
			"url":        "https://example.org/report.pdf",
		}},
	}}
	registry := newRegistry(fake.URL, "")
	cacheMgr := testhelpers.NewTempCache(t)
	d := download.New(registry, cacheMgr, nil, logger.NewNop())

	_, err := d.Download(context.Background(), "ontario", "res-pdf", false)
	require.Error(t, err)

	var unsupported *download.UnsupportedFormatError
	require.ErrorAs(t, err, &unsupported)
}
