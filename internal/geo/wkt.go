// Package geo converts vendor geometry encodings into well-known text so
// cached tables stay queryable with plain SQL. Every format converges on the
// same pair of columns: geometry_wkt and geometry_type.
package geo

import (
	"encoding/json"
	"fmt"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkt"
)

// WKTColumn and TypeColumn are the flattened geometry column names shared by
// every download format.
const (
	WKTColumn  = "geometry_wkt"
	TypeColumn = "geometry_type"
)

// FromGeoJSON decodes a raw GeoJSON geometry and re-encodes it as WKT,
// returning the text and the geometry type name.
func FromGeoJSON(raw json.RawMessage) (string, string, error) {
	var g geom.T
	if err := geojson.Unmarshal(raw, &g); err != nil {
		return "", "", fmt.Errorf("decode geojson geometry: %w", err)
	}
	return Encode(g)
}

// Encode renders a geometry as WKT with its type name.
func Encode(g geom.T) (string, string, error) {
	s, err := wkt.Marshal(g)
	if err != nil {
		return "", "", fmt.Errorf("encode wkt: %w", err)
	}
	return s, TypeName(g), nil
}

// TypeName reports the WKT-style type name for a geometry value.
func TypeName(g geom.T) string {
	switch g.(type) {
	case *geom.Point:
		return "Point"
	case *geom.MultiPoint:
		return "MultiPoint"
	case *geom.LineString:
		return "LineString"
	case *geom.MultiLineString:
		return "MultiLineString"
	case *geom.Polygon:
		return "Polygon"
	case *geom.MultiPolygon:
		return "MultiPolygon"
	case *geom.GeometryCollection:
		return "GeometryCollection"
	default:
		return "Geometry"
	}
}
