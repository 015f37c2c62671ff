package portal

import "time"

// Dataset is the canonical catalogue entry shape. Both portal variants
// normalize their wire formats into it. Tags and Resources are never nil.
type Dataset struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	Organization    Organization `json:"organization"`
	Tags            []string     `json:"tags"`
	Resources       []Resource   `json:"resources"`
	LastModified    time.Time    `json:"last_modified"`
	UpdateFrequency string       `json:"update_frequency"`
	License         string       `json:"license"`
}

// Resource is the canonical shape for one downloadable item of a dataset.
type Resource struct {
	ID        string `json:"id"`
	DatasetID string `json:"dataset_id"`
	Name      string `json:"name"`
	Format    string `json:"format"`
	URL       string `json:"url"`
	// Datastore reports whether the portal exposes server-side structured
	// query for this resource.
	Datastore bool  `json:"datastore"`
	Size      int64 `json:"size,omitempty"`
}

// Organization identifies the publisher of a dataset.
type Organization struct {
	Name         string `json:"name"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	DatasetCount int    `json:"dataset_count,omitempty"`
}

// Group is a thematic grouping of datasets. Not every portal variant
// exposes groups.
type Group struct {
	Name         string `json:"name"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	DatasetCount int    `json:"dataset_count,omitempty"`
}

// Tag is one catalogue topic with a usage count where the portal reports one.
type Tag struct {
	Name  string `json:"name"`
	Count int    `json:"count,omitempty"`
}

// SearchResult is one page of catalogue search results.
// Total is the portal-reported number of matches, which may exceed
// len(Datasets) when the page is smaller than the match set.
type SearchResult struct {
	Total    int       `json:"total"`
	Datasets []Dataset `json:"datasets"`
}

// Record is one row of structured (datastore) data.
type Record = map[string]any

// SearchOptions parameterizes a catalogue search.
type SearchOptions struct {
	Query   string
	Filters map[string]string
	Sort    string
	Rows    int
	Start   int
}
