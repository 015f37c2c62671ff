package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// FakeArcGIS is an in-memory ArcGIS Hub plus feature service. Tests
// populate the exported fields and point a client at URL.
type FakeArcGIS struct {
	Server *httptest.Server
	URL    string

	// Items are OGC Records features: {"id": ..., "properties": {...}}.
	Items []map[string]any
	// Datasets backs the Hub v3 detail endpoint, keyed by dataset id; the
	// value is the attributes object.
	Datasets map[string]map[string]any
	// Downloads backs the Downloads API per dataset id. Entries are
	// attribute objects ({"format": "csv", "contentUrl": ...}). A missing
	// key answers 404.
	Downloads map[string][]map[string]any
	// CSV is served at /export.csv.
	CSV string
	// Features backs the feature service query endpoint as GeoJSON
	// features ({"properties": {...}, "geometry": {...}}).
	Features []map[string]any
	// MaxRecordCount caps each feature query response regardless of the
	// requested resultRecordCount, like a real layer's server-side limit.
	// Zero means uncapped.
	MaxRecordCount int
	// Requests counts calls per endpoint label.
	Requests map[string]int
}

// NewFakeArcGIS starts the fake server and registers its shutdown with the
// test.
func NewFakeArcGIS(t *testing.T) *FakeArcGIS {
	t.Helper()

	f := &FakeArcGIS{
		Datasets:  map[string]map[string]any{},
		Downloads: map[string][]map[string]any{},
		Requests:  map[string]int{},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	f.URL = f.Server.URL
	t.Cleanup(f.Server.Close)
	return f
}

// FeatureServiceURL is the layer endpoint tests should put in resource
// URLs.
func (f *FakeArcGIS) FeatureServiceURL() string {
	return f.URL + "/FeatureServer/0"
}

// ExportURL is where the fake serves its CSV payload.
func (f *FakeArcGIS) ExportURL() string {
	return f.URL + "/export.csv"
}

func (f *FakeArcGIS) handle(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/api/search/v1/collections/all/items":
		f.Requests["search"]++
		f.search(w, r)
	case strings.HasPrefix(path, "/api/v3/datasets/") && strings.HasSuffix(path, "/downloads"):
		f.Requests["downloads"]++
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/api/v3/datasets/"), "/downloads")
		f.downloads(w, r, id)
	case strings.HasPrefix(path, "/api/v3/datasets/"):
		f.Requests["dataset"]++
		f.dataset(w, r, strings.TrimPrefix(path, "/api/v3/datasets/"))
	case path == "/FeatureServer/0/query":
		f.Requests["query"]++
		f.query(w, r)
	case path == "/export.csv":
		f.Requests["export"]++
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte(f.CSV))
	default:
		http.NotFound(w, r)
	}
}

func (f *FakeArcGIS) search(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r, "limit", 10)
	start := intParam(r, "startindex", 0)

	end := start + limit
	if start > len(f.Items) {
		start = len(f.Items)
	}
	if end > len(f.Items) {
		end = len(f.Items)
	}

	writeJSON(w, map[string]any{
		"numberMatched": len(f.Items),
		"features":      f.Items[start:end],
	})
}

func (f *FakeArcGIS) dataset(w http.ResponseWriter, r *http.Request, id string) {
	attrs, ok := f.Datasets[id]
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]any{
		"data": map[string]any{"id": id, "attributes": attrs},
	})
}

func (f *FakeArcGIS) downloads(w http.ResponseWriter, r *http.Request, id string) {
	entries, ok := f.Downloads[id]
	if !ok {
		http.NotFound(w, r)
		return
	}
	data := make([]map[string]any, len(entries))
	for i, attrs := range entries {
		data[i] = map[string]any{"id": id, "attributes": attrs}
	}
	writeJSON(w, map[string]any{"data": data})
}

func (f *FakeArcGIS) query(w http.ResponseWriter, r *http.Request) {
	offset := intParam(r, "resultOffset", 0)
	count := intParam(r, "resultRecordCount", 1000)
	if f.MaxRecordCount > 0 && count > f.MaxRecordCount {
		count = f.MaxRecordCount
	}

	end := offset + count
	if offset > len(f.Features) {
		offset = len(f.Features)
	}
	if end > len(f.Features) {
		end = len(f.Features)
	}

	writeJSON(w, map[string]any{
		"type":     "FeatureCollection",
		"features": f.Features[offset:end],
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
