package ckan

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/jonesrussell/godata/internal/portal"
)

// Wire shapes for the CKAN Action API. Only the fields the normalizer reads
// are declared; everything else is dropped.

type searchPage struct {
	Count   int           `json:"count"`
	Results []ckanPackage `json:"results"`
}

type ckanPackage struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Title            string           `json:"title"`
	Notes            string           `json:"notes"`
	MetadataModified string           `json:"metadata_modified"`
	UpdateFrequency  string           `json:"update_frequency"`
	LicenseTitle     string           `json:"license_title"`
	Organization     ckanOrganization `json:"organization"`
	Tags             []ckanTag        `json:"tags"`
	Resources        []ckanResource   `json:"resources"`
}

type ckanOrganization struct {
	Name         string `json:"name"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	PackageCount int    `json:"package_count"`
}

type ckanTag struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type ckanResource struct {
	ID              string   `json:"id"`
	PackageID       string   `json:"package_id"`
	Name            string   `json:"name"`
	Format          string   `json:"format"`
	URL             string   `json:"url"`
	DatastoreActive bool     `json:"datastore_active"`
	Size            flexSize `json:"size"`
}

type datastorePage struct {
	Total   int             `json:"total"`
	Records []portal.Record `json:"records"`
	Fields  []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"fields"`
}

// flexSize tolerates the size field arriving as a number, a numeric string,
// or null, all of which occur across CKAN deployments.
type flexSize int64

func (s *flexSize) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == `""` {
		*s = 0
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		n, err := strconv.ParseInt(strings.TrimSpace(str), 10, 64)
		if err != nil {
			*s = 0
			return nil
		}
		*s = flexSize(n)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	i, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return err
		}
		i = int64(f)
	}
	*s = flexSize(i)
	return nil
}

func (p *ckanPackage) normalize() portal.Dataset {
	tags := make([]string, 0, len(p.Tags))
	for _, t := range p.Tags {
		tags = append(tags, t.Name)
	}

	resources := make([]portal.Resource, 0, len(p.Resources))
	for i := range p.Resources {
		resources = append(resources, p.Resources[i].normalize(p.ID))
	}

	return portal.Dataset{
		ID:          p.ID,
		Name:        p.Name,
		Title:       p.Title,
		Description: p.Notes,
		Organization: portal.Organization{
			Name:  p.Organization.Name,
			Title: p.Organization.Title,
		},
		Tags:            tags,
		Resources:       resources,
		LastModified:    parseCKANTime(p.MetadataModified),
		UpdateFrequency: p.UpdateFrequency,
		License:         p.LicenseTitle,
	}
}

func (r *ckanResource) normalize(datasetID string) portal.Resource {
	if datasetID == "" {
		datasetID = r.PackageID
	}
	return portal.Resource{
		ID:        r.ID,
		DatasetID: datasetID,
		Name:      r.Name,
		Format:    strings.ToUpper(r.Format),
		URL:       r.URL,
		Datastore: r.DatastoreActive,
		Size:      int64(r.Size),
	}
}

// parseCKANTime handles the timestamp layouts CKAN emits: ISO 8601 with or
// without fractional seconds, usually without a zone designator.
func parseCKANTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05.000000",
		"2006-01-02T15:04:05",
		time.RFC3339,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
