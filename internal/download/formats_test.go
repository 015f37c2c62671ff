package download

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestParseCSV(t *testing.T) {
	payload := []byte("station,reading,notes\nST-001,7.2,ok\nST-002,6.9,\nST-003,,flagged\n")

	table, err := parseCSV(payload)
	require.NoError(t, err)

	assert.Equal(t, []string{"station", "reading", "notes"}, table.Columns)
	require.Len(t, table.Rows, 3)

	assert.Equal(t, "ST-001", table.Rows[0]["station"])
	assert.Equal(t, 7.2, table.Rows[0]["reading"])
	assert.Nil(t, table.Rows[1]["notes"])
	assert.Nil(t, table.Rows[2]["reading"])
}

func TestParseCSVCoercesIntegers(t *testing.T) {
	payload := []byte("year,count\n2024,120\n2025,98\n")

	table, err := parseCSV(payload)
	require.NoError(t, err)

	assert.Equal(t, int64(2024), table.Rows[0]["year"])
	assert.Equal(t, int64(120), table.Rows[0]["count"])
}

func TestParseCSVStripsBOM(t *testing.T) {
	payload := []byte("\uFEFFname\nvalue\n")

	table, err := parseCSV(payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, table.Columns)
}

func TestParseCSVTabDelimited(t *testing.T) {
	payload := []byte("a\tb\n1\t2\n")

	table, err := parseCSV(payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, table.Columns)
	assert.Equal(t, int64(1), table.Rows[0]["a"])
}

func TestParseCSVDuplicateHeaders(t *testing.T) {
	payload := []byte("id,name,name,id\n1,east,west,9\n")

	table, err := parseCSV(payload)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "name", "name_1", "id_1"}, table.Columns)
	require.Len(t, table.Rows, 1)

	// Each repeated column keeps its own cell.
	assert.Equal(t, int64(1), table.Rows[0]["id"])
	assert.Equal(t, "east", table.Rows[0]["name"])
	assert.Equal(t, "west", table.Rows[0]["name_1"])
	assert.Equal(t, int64(9), table.Rows[0]["id_1"])
}

func TestParseXLSXDuplicateHeaders(t *testing.T) {
	wb := excelize.NewFile()
	sheet := wb.GetSheetName(0)
	require.NoError(t, wb.SetSheetRow(sheet, "A1", &[]any{"name", "name", "count"}))
	require.NoError(t, wb.SetSheetRow(sheet, "A2", &[]any{"east", "west", 4}))

	buf, err := wb.WriteToBuffer()
	require.NoError(t, err)

	table, err := parseXLSX(buf.Bytes())
	require.NoError(t, err)

	assert.Equal(t, []string{"name", "name_1", "count"}, table.Columns)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, "east", table.Rows[0]["name"])
	assert.Equal(t, "west", table.Rows[0]["name_1"])
}

func TestDedupHeaderAvoidsExistingNames(t *testing.T) {
	got := dedupHeader([]string{"a", "a_1", "a"})
	assert.Equal(t, []string{"a", "a_1", "a_2"}, got)
}

func TestParseJSONArray(t *testing.T) {
	payload := []byte(`[{"b": 2, "a": 1}, {"a": 3, "c": "x"}]`)

	table, err := parseJSON(payload)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, table.Columns)
	assert.Len(t, table.Rows, 2)
}

func TestParseJSONWrapped(t *testing.T) {
	payload := []byte(`{"records": [{"a": 1}], "总": "ignored"}`)

	table, err := parseJSON(payload)
	require.NoError(t, err)
	require.Len(t, table.Rows, 1)
	assert.EqualValues(t, 1, table.Rows[0]["a"])
}

func TestParseJSONRejectsScalars(t *testing.T) {
	_, err := parseJSON([]byte(`{"just": "an object"}`))
	assert.Error(t, err)
}

func TestParseGeoJSON(t *testing.T) {
	payload := []byte(`{
		"type": "FeatureCollection",
		"features": [
			{
				"type": "Feature",
				"properties": {"name": "Station A", "ph": 7.1},
				"geometry": {"type": "Point", "coordinates": [-79.38, 43.65]}
			},
			{
				"type": "Feature",
				"properties": {"name": "No geometry"},
				"geometry": null
			}
		]
	}`)

	table, err := parseGeoJSON(payload)
	require.NoError(t, err)

	require.Len(t, table.Rows, 2)
	assert.Contains(t, table.Rows[0]["geometry_wkt"], "POINT")
	assert.Equal(t, "Point", table.Rows[0]["geometry_type"])
	assert.NotContains(t, table.Rows[1], "geometry_wkt")

	// Geometry columns sit at the end.
	last := table.Columns[len(table.Columns)-2:]
	assert.ElementsMatch(t, []string{"geometry_wkt", "geometry_type"}, last)
}

func TestParseKML(t *testing.T) {
	payload := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2">
  <Document>
    <Folder>
      <Placemark>
        <name>Rink 1</name>
        <ExtendedData>
          <Data name="surface"><value>ice</value></Data>
        </ExtendedData>
        <Point><coordinates>-75.69,45.42,0</coordinates></Point>
      </Placemark>
      <Placemark>
        <name>Trail 1</name>
        <LineString><coordinates>-75.1,45.1 -75.2,45.2</coordinates></LineString>
      </Placemark>
    </Folder>
  </Document>
</kml>`)

	table, err := parseKML(payload)
	require.NoError(t, err)

	require.Len(t, table.Rows, 2)
	assert.Equal(t, "Rink 1", table.Rows[0]["name"])
	assert.Equal(t, "ice", table.Rows[0]["surface"])
	assert.Equal(t, "Point", table.Rows[0]["geometry_type"])
	assert.Equal(t, "LineString", table.Rows[1]["geometry_type"])
	assert.Contains(t, table.Rows[1]["geometry_wkt"], "LINESTRING")
}

func TestParsePayloadUnsupportedFormat(t *testing.T) {
	_, err := parsePayload("PDF", []byte("%PDF-1.7"))
	require.Error(t, err)

	var unsupported *UnsupportedFormatError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "PDF", unsupported.Format)
}

func TestFormatSupported(t *testing.T) {
	assert.True(t, FormatSupported("csv"))
	assert.True(t, FormatSupported(" GeoJSON "))
	assert.True(t, FormatSupported("XLSX"))
	assert.False(t, FormatSupported("PDF"))
	assert.False(t, FormatSupported("HTML"))
}
