package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/godata/internal/logger"
	"github.com/jonesrussell/godata/internal/portal"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	mgr, err := Open(filepath.Join(t.TempDir(), "cache.db"), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func testEntry(resourceID, table string) Entry {
	return Entry{
		ResourceID:   resourceID,
		DatasetID:    "ontario:parks",
		TableName:    table,
		DownloadedAt: time.Now().UTC(),
		SizeBytes:    1024,
		SourceURL:    "https://data.ontario.ca/datastore",
	}
}

func TestStoreResourceRoundTrip(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	columns := []string{"park_name", "area_ha", "established"}
	rows := []portal.Record{
		{"park_name": "Algonquin", "area_ha": 772300.5, "established": int64(1893)},
		{"park_name": "Killarney", "area_ha": 64500.0, "established": int64(1964)},
		{"park_name": "Quetico", "area_ha": nil, "established": int64(1913)},
	}

	err := mgr.StoreResource(ctx, testEntry("ontario:res-1", "ds_ontario_parks_abcd1234"), columns, rows)
	require.NoError(t, err)

	cached, err := mgr.IsCached(ctx, "ontario:res-1")
	require.NoError(t, err)
	assert.True(t, cached)

	entry, err := mgr.Get(ctx, "ontario:res-1")
	require.NoError(t, err)
	assert.Equal(t, "ds_ontario_parks_abcd1234", entry.TableName)
	assert.EqualValues(t, 3, entry.RowCount)

	result, err := mgr.Query(ctx, `SELECT park_name, area_ha FROM ds_ontario_parks_abcd1234 ORDER BY park_name`, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"park_name", "area_ha"}, result.Columns)
	require.Len(t, result.Rows, 3)
	assert.Equal(t, "Algonquin", result.Rows[0][0])
}

func TestStoreResourceReplacesPreviousCopy(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	first := []portal.Record{{"n": int64(1)}, {"n": int64(2)}}
	require.NoError(t, mgr.StoreResource(ctx,
		testEntry("ontario:res-1", "ds_ontario_parks_abcd1234"), []string{"n"}, first))

	second := []portal.Record{{"n": int64(10)}}
	require.NoError(t, mgr.StoreResource(ctx,
		testEntry("ontario:res-1", "ds_ontario_parks_abcd1234"), []string{"n"}, second))

	entry, err := mgr.Get(ctx, "ontario:res-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, entry.RowCount)

	result, err := mgr.Query(ctx, `SELECT n FROM ds_ontario_parks_abcd1234`, 0)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.EqualValues(t, 10, result.Rows[0][0])

	stats, err := mgr.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TableCount)
}

func TestStoreResourceHandlesRenamedTable(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.StoreResource(ctx,
		testEntry("ontario:res-1", "ds_ontario_parks_old11111"), []string{"n"}, []portal.Record{{"n": int64(1)}}))
	require.NoError(t, mgr.StoreResource(ctx,
		testEntry("ontario:res-1", "ds_ontario_parks_new22222"), []string{"n"}, []portal.Record{{"n": int64(2)}}))

	// The old table is gone along with its metadata row.
	_, err := mgr.Query(ctx, `SELECT * FROM ds_ontario_parks_old11111`, 0)
	require.Error(t, err)

	entries, err := mgr.ListCached(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ds_ontario_parks_new22222", entries[0].TableName)
}

func TestQueryRejectsWrites(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.StoreResource(ctx,
		testEntry("ontario:res-1", "ds_ontario_parks_abcd1234"), []string{"n"}, []portal.Record{{"n": int64(1)}}))

	_, err := mgr.Query(ctx, `DROP TABLE ds_ontario_parks_abcd1234`, 0)
	require.Error(t, err)
	var invalid *InvalidQueryError
	require.ErrorAs(t, err, &invalid)

	// The guarded statement never reached sqlite.
	result, err := mgr.Query(ctx, `SELECT COUNT(*) FROM ds_ontario_parks_abcd1234`, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Rows[0][0])
}

func TestQueryCapsRows(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	rows := make([]portal.Record, 50)
	for i := range rows {
		rows[i] = portal.Record{"n": int64(i)}
	}
	require.NoError(t, mgr.StoreResource(ctx,
		testEntry("ontario:res-1", "ds_ontario_parks_abcd1234"), []string{"n"}, rows))

	result, err := mgr.Query(ctx, `SELECT n FROM ds_ontario_parks_abcd1234`, 7)
	require.NoError(t, err)
	assert.Len(t, result.Rows, 7)
}

func TestRemoveResource(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.StoreResource(ctx,
		testEntry("ontario:res-1", "ds_ontario_parks_abcd1234"), []string{"n"}, []portal.Record{{"n": int64(1)}}))

	require.NoError(t, mgr.RemoveResource(ctx, "ontario:res-1"))

	cached, err := mgr.IsCached(ctx, "ontario:res-1")
	require.NoError(t, err)
	assert.False(t, cached)

	// Removing an absent resource succeeds.
	require.NoError(t, mgr.RemoveResource(ctx, "ontario:res-1"))
	require.NoError(t, mgr.RemoveResource(ctx, "never-existed"))
}

func TestRemoveAll(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.StoreResource(ctx,
		testEntry("ontario:res-1", "ds_ontario_parks_abcd1234"), []string{"n"}, []portal.Record{{"n": int64(1)}}))
	require.NoError(t, mgr.StoreResource(ctx,
		testEntry("ontario:res-2", "ds_ontario_trails_ffff0000"), []string{"n"}, []portal.Record{{"n": int64(2)}}))

	require.NoError(t, mgr.RemoveAll(ctx))

	stats, err := mgr.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TableCount)
	assert.EqualValues(t, 0, stats.TotalRows)
}

func TestDatasetMetadataRoundTrip(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	in := portal.Dataset{
		ID:              "ontario:parks",
		Title:           "Provincial Parks",
		UpdateFrequency: "yearly",
		Tags:            []string{"parks", "recreation"},
	}
	require.NoError(t, mgr.StoreDatasetMetadata(ctx, in.ID, in))

	var out portal.Dataset
	cachedAt, err := mgr.DatasetMetadata(ctx, "ontario:parks", &out)
	require.NoError(t, err)
	assert.False(t, cachedAt.IsZero())
	assert.Equal(t, in.Title, out.Title)
	assert.Equal(t, in.UpdateFrequency, out.UpdateFrequency)

	_, err = mgr.DatasetMetadata(ctx, "ontario:missing", nil)
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestTableNameFor(t *testing.T) {
	name := TableNameFor("ontario", "Provincial Parks (2024)", "res-123", false)
	assert.Regexp(t, `^ds_ontario_provincial_parks_2024_[0-9a-f]{8}$`, name)

	geoName := TableNameFor("ottawa", "Bike Routes", "abc_0", true)
	assert.Regexp(t, `^geo_ds_ottawa_bike_routes_[0-9a-f]{8}$`, geoName)

	// Same inputs, same name; different resource, different name.
	assert.Equal(t, name, TableNameFor("ontario", "Provincial Parks (2024)", "res-123", false))
	assert.NotEqual(t, name, TableNameFor("ontario", "Provincial Parks (2024)", "res-124", false))
}

func TestSanitizeColumns(t *testing.T) {
	got := sanitizeColumns([]string{"Park Name", "Area (ha)", "park name", "2024 visits", ""})
	assert.Equal(t, []string{"park_name", "area_ha", "park_name_1", "c_2024_visits", "column"}, got)
}
