package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// FakeCKAN is an in-memory CKAN Action API server. Tests populate the
// exported fields and point a client at URL.
type FakeCKAN struct {
	Server *httptest.Server
	URL    string

	// Datasets are raw package dicts as CKAN would return them.
	Datasets []map[string]any
	// Records backs datastore_search, keyed by resource id.
	Records map[string][]map[string]any
	// SQLResults backs datastore_search_sql, keyed by the exact statement.
	SQLResults map[string][]map[string]any
	// Organizations backs organization_list with all_fields.
	Organizations []map[string]any
	// Groups backs group_list with all_fields.
	Groups []map[string]any
	// Tags backs tag_list.
	Tags []string
	// FailActions forces an HTTP status per action name.
	FailActions map[string]int
	// Delay is added to every response, for overlapping-request tests.
	Delay time.Duration
	// Requests counts calls per action.
	Requests map[string]int

	mu sync.Mutex
}

// NewFakeCKAN starts the fake server and registers its shutdown with the
// test.
func NewFakeCKAN(t *testing.T) *FakeCKAN {
	t.Helper()

	f := &FakeCKAN{
		Records:     map[string][]map[string]any{},
		SQLResults:  map[string][]map[string]any{},
		FailActions: map[string]int{},
		Requests:    map[string]int{},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	f.URL = f.Server.URL
	t.Cleanup(f.Server.Close)
	return f
}

func (f *FakeCKAN) handle(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/3/action/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	action := strings.TrimPrefix(r.URL.Path, prefix)
	f.mu.Lock()
	f.Requests[action]++
	f.mu.Unlock()

	if f.Delay > 0 {
		time.Sleep(f.Delay)
	}

	if status, ok := f.FailActions[action]; ok {
		http.Error(w, http.StatusText(status), status)
		return
	}

	switch action {
	case "package_search":
		f.packageSearch(w, r)
	case "package_show":
		f.packageShow(w, r)
	case "resource_show":
		f.resourceShow(w, r)
	case "datastore_search":
		f.datastoreSearch(w, r)
	case "datastore_search_sql":
		f.datastoreSearchSQL(w, r)
	case "organization_list":
		writeEnvelope(w, f.Organizations)
	case "group_list":
		writeEnvelope(w, f.Groups)
	case "package_list":
		f.packageList(w)
	case "resource_search":
		f.resourceSearch(w, r)
	case "tag_list":
		writeEnvelope(w, f.Tags)
	default:
		writeCKANError(w, http.StatusBadRequest, "unknown action "+action)
	}
}

func (f *FakeCKAN) packageSearch(w http.ResponseWriter, r *http.Request) {
	rows := intParam(r, "rows", 10)
	start := intParam(r, "start", 0)

	end := start + rows
	if start > len(f.Datasets) {
		start = len(f.Datasets)
	}
	if end > len(f.Datasets) {
		end = len(f.Datasets)
	}

	writeEnvelope(w, map[string]any{
		"count":   len(f.Datasets),
		"results": f.Datasets[start:end],
	})
}

func (f *FakeCKAN) packageShow(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	for _, ds := range f.Datasets {
		if ds["id"] == id || ds["name"] == id {
			writeEnvelope(w, ds)
			return
		}
	}
	writeCKANError(w, http.StatusNotFound, "Not found: "+id)
}

func (f *FakeCKAN) resourceShow(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	for _, ds := range f.Datasets {
		resources, _ := ds["resources"].([]map[string]any)
		for _, res := range resources {
			if res["id"] == id {
				writeEnvelope(w, res)
				return
			}
		}
	}
	writeCKANError(w, http.StatusNotFound, "Not found: "+id)
}

func (f *FakeCKAN) packageList(w http.ResponseWriter) {
	names := make([]string, 0, len(f.Datasets))
	for _, ds := range f.Datasets {
		if name, ok := ds["name"].(string); ok {
			names = append(names, name)
		}
	}
	writeEnvelope(w, names)
}

// resourceSearch matches a single "field:term" query against the dataset
// resources, the way CKAN's resource_search does.
func (f *FakeCKAN) resourceSearch(w http.ResponseWriter, r *http.Request) {
	field, term, _ := strings.Cut(r.URL.Query().Get("query"), ":")

	var matches []map[string]any
	for _, ds := range f.Datasets {
		resources, _ := ds["resources"].([]map[string]any)
		for _, res := range resources {
			val, _ := res[field].(string)
			if strings.Contains(strings.ToLower(val), strings.ToLower(term)) {
				matches = append(matches, res)
			}
		}
	}

	writeEnvelope(w, map[string]any{
		"count":   len(matches),
		"results": matches,
	})
}

func (f *FakeCKAN) datastoreSearch(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("resource_id")
	records, ok := f.Records[id]
	if !ok {
		writeCKANError(w, http.StatusNotFound, "Resource \""+id+"\" was not found.")
		return
	}

	limit := intParam(r, "limit", 100)
	offset := intParam(r, "offset", 0)

	end := offset + limit
	if offset > len(records) {
		offset = len(records)
	}
	if end > len(records) {
		end = len(records)
	}

	writeEnvelope(w, map[string]any{
		"total":   len(records),
		"records": records[offset:end],
	})
}

func (f *FakeCKAN) datastoreSearchSQL(w http.ResponseWriter, r *http.Request) {
	sql := r.URL.Query().Get("sql")
	records, ok := f.SQLResults[sql]
	if !ok {
		writeCKANError(w, http.StatusBadRequest, "query error")
		return
	}
	writeEnvelope(w, map[string]any{"records": records})
}

func writeEnvelope(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"result":  result,
	})
}

func writeCKANError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   map[string]any{"message": message},
	})
}

func intParam(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
