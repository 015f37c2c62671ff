package arcgis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/jonesrussell/godata/internal/geo"
	"github.com/jonesrussell/godata/internal/logger"
	"github.com/jonesrussell/godata/internal/portal"
	"github.com/jonesrussell/godata/internal/retry"
)

const defaultFeaturePageSize = 1000

// downloadsResponse is the Hub Downloads API envelope.
type downloadsResponse struct {
	Data []struct {
		ID         string `json:"id"`
		Attributes struct {
			Format      string `json:"format"`
			ContentURL  string `json:"contentUrl"`
			DownloadURL string `json:"url"`
			Status      string `json:"status"`
		} `json:"attributes"`
	} `json:"data"`
}

// ResolveCSVDownload asks the Hub Downloads API for a ready CSV export of
// the dataset in WGS 84. An empty string means the portal has no usable
// export and the caller should fall back to direct feature queries.
func (c *Client) ResolveCSVDownload(ctx context.Context, datasetID string) (string, error) {
	params := url.Values{}
	params.Set("spatialRefId", "4326")
	params.Set("format", "csv")
	dlURL := c.baseURL + "/api/v3/datasets/" + url.PathEscape(datasetID) + "/downloads?" + params.Encode()

	var resp downloadsResponse
	if err := c.getJSON(ctx, dlURL, &resp); err != nil {
		var statusErr *retry.HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return "", nil
		}
		return "", err
	}

	for _, entry := range resp.Data {
		attrs := entry.Attributes
		if attrs.Format != "" && attrs.Format != "csv" && attrs.Format != "CSV" {
			continue
		}
		if attrs.ContentURL != "" {
			return attrs.ContentURL, nil
		}
		if attrs.DownloadURL != "" {
			return attrs.DownloadURL, nil
		}
	}
	return "", nil
}

// featurePage is the f=geojson feature service query response.
type featurePage struct {
	Features []struct {
		Properties map[string]any  `json:"properties"`
		Geometry   json.RawMessage `json:"geometry"`
	} `json:"features"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// FetchFeatures pages through a feature service layer with resultOffset and
// flattens every feature into a tabular record. Geometry lands in the shared
// geometry_wkt and geometry_type columns so the cached table stays plain SQL.
func (c *Client) FetchFeatures(ctx context.Context, serviceURL string, pageSize int) ([]portal.Record, error) {
	if pageSize <= 0 {
		pageSize = defaultFeaturePageSize
	}

	var records []portal.Record
	offset := 0

	for {
		params := url.Values{}
		params.Set("where", "1=1")
		params.Set("outFields", "*")
		params.Set("outSR", "4326")
		params.Set("f", "geojson")
		params.Set("resultOffset", strconv.Itoa(offset))
		params.Set("resultRecordCount", strconv.Itoa(pageSize))
		queryURL := serviceURL + "/query?" + params.Encode()

		var page featurePage
		if err := c.getJSON(ctx, queryURL, &page); err != nil {
			return nil, err
		}
		if page.Error != nil {
			return nil, &portal.APIError{
				Portal:  c.cfg.ID,
				Action:  "feature query",
				Message: page.Error.Message,
			}
		}
		if len(page.Features) == 0 {
			break
		}

		for _, feat := range page.Features {
			rec := make(portal.Record, len(feat.Properties)+2)
			for k, v := range feat.Properties {
				rec[k] = v
			}
			if len(feat.Geometry) > 0 && string(feat.Geometry) != "null" {
				wktStr, geomType, err := geo.FromGeoJSON(feat.Geometry)
				if err != nil {
					c.logger.Warn("skipping unreadable geometry", logger.Error(err))
				} else {
					rec[geo.WKTColumn] = wktStr
					rec[geo.TypeColumn] = geomType
				}
			}
			records = append(records, rec)
		}

		// A short page does not mean the end of the layer: servers cap each
		// response at their own maxRecordCount, which may be smaller than the
		// requested resultRecordCount. Only an empty page terminates.
		offset += len(page.Features)
	}

	return records, nil
}
