package download

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	shp "github.com/jonas-p/go-shp"
	"github.com/twpayne/go-geom"

	"github.com/jonesrussell/godata/internal/geo"
	"github.com/jonesrussell/godata/internal/portal"
)

// moveGeometryLast keeps the flattened geometry columns at the end of the
// column list so previews read attribute-first.
func moveGeometryLast(columns []string) {
	sort.SliceStable(columns, func(i, j int) bool {
		gi := columns[i] == geo.WKTColumn || columns[i] == geo.TypeColumn
		gj := columns[j] == geo.WKTColumn || columns[j] == geo.TypeColumn
		return !gi && gj
	})
}

// geoJSONCollection is the subset of a FeatureCollection the flattener
// needs; geometries stay raw until conversion.
type geoJSONCollection struct {
	Features []struct {
		Properties map[string]any  `json:"properties"`
		Geometry   json.RawMessage `json:"geometry"`
	} `json:"features"`
}

// parseGeoJSON flattens a FeatureCollection: one row per feature, feature
// properties as columns, geometry re-encoded as WKT.
func parseGeoJSON(payload []byte) (*Table, error) {
	var fc geoJSONCollection
	if err := json.Unmarshal(payload, &fc); err != nil {
		return nil, fmt.Errorf("decode geojson: %w", err)
	}

	records := make([]portal.Record, 0, len(fc.Features))
	for _, feat := range fc.Features {
		rec := make(portal.Record, len(feat.Properties)+2)
		for k, v := range feat.Properties {
			rec[k] = v
		}
		if len(feat.Geometry) > 0 && string(feat.Geometry) != "null" {
			wktStr, geomType, err := geo.FromGeoJSON(feat.Geometry)
			if err != nil {
				return nil, err
			}
			rec[geo.WKTColumn] = wktStr
			rec[geo.TypeColumn] = geomType
		}
		records = append(records, rec)
	}
	return TableFromRecords(records), nil
}

type kmlPlacemark struct {
	Name         string `xml:"name"`
	Description  string `xml:"description"`
	ExtendedData struct {
		Data []struct {
			Name  string `xml:"name,attr"`
			Value string `xml:"value"`
		} `xml:"Data"`
		SchemaData struct {
			SimpleData []struct {
				Name  string `xml:"name,attr"`
				Value string `xml:",chardata"`
			} `xml:"SimpleData"`
		} `xml:"SchemaData"`
	} `xml:"ExtendedData"`
	Point *struct {
		Coordinates string `xml:"coordinates"`
	} `xml:"Point"`
	LineString *struct {
		Coordinates string `xml:"coordinates"`
	} `xml:"LineString"`
	Polygon *struct {
		Outer struct {
			LinearRing struct {
				Coordinates string `xml:"coordinates"`
			} `xml:"LinearRing"`
		} `xml:"outerBoundaryIs"`
		Inner []struct {
			LinearRing struct {
				Coordinates string `xml:"coordinates"`
			} `xml:"LinearRing"`
		} `xml:"innerBoundaryIs"`
	} `xml:"Polygon"`
}

// parseKML walks the document for Placemark elements at any nesting depth
// and flattens each into a row. Extended data fields become columns.
func parseKML(payload []byte) (*Table, error) {
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	var records []portal.Record

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse kml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "Placemark" {
			continue
		}

		var pm kmlPlacemark
		if err := decoder.DecodeElement(&pm, &start); err != nil {
			return nil, fmt.Errorf("decode placemark: %w", err)
		}

		rec := portal.Record{}
		if pm.Name != "" {
			rec["name"] = pm.Name
		}
		if pm.Description != "" {
			rec["description"] = strings.TrimSpace(pm.Description)
		}
		for _, d := range pm.ExtendedData.Data {
			rec[d.Name] = d.Value
		}
		for _, d := range pm.ExtendedData.SchemaData.SimpleData {
			rec[d.Name] = strings.TrimSpace(d.Value)
		}

		g, err := placemarkGeometry(&pm)
		if err != nil {
			return nil, err
		}
		if g != nil {
			wktStr, geomType, err := geo.Encode(g)
			if err != nil {
				return nil, err
			}
			rec[geo.WKTColumn] = wktStr
			rec[geo.TypeColumn] = geomType
		}
		records = append(records, rec)
	}
	return TableFromRecords(records), nil
}

func placemarkGeometry(pm *kmlPlacemark) (geom.T, error) {
	switch {
	case pm.Point != nil:
		coords, err := parseKMLCoords(pm.Point.Coordinates)
		if err != nil || len(coords) == 0 {
			return nil, err
		}
		return geom.NewPoint(geom.XY).SetCoords(coords[0])
	case pm.LineString != nil:
		coords, err := parseKMLCoords(pm.LineString.Coordinates)
		if err != nil || len(coords) == 0 {
			return nil, err
		}
		return geom.NewLineString(geom.XY).SetCoords(coords)
	case pm.Polygon != nil:
		rings := [][]geom.Coord{}
		outer, err := parseKMLCoords(pm.Polygon.Outer.LinearRing.Coordinates)
		if err != nil {
			return nil, err
		}
		if len(outer) == 0 {
			return nil, nil
		}
		rings = append(rings, outer)
		for _, inner := range pm.Polygon.Inner {
			ring, err := parseKMLCoords(inner.LinearRing.Coordinates)
			if err != nil {
				return nil, err
			}
			if len(ring) > 0 {
				rings = append(rings, ring)
			}
		}
		return geom.NewPolygon(geom.XY).SetCoords(rings)
	default:
		return nil, nil
	}
}

// parseKMLCoords reads KML's "lon,lat[,alt]" whitespace-separated tuples.
func parseKMLCoords(s string) ([]geom.Coord, error) {
	var coords []geom.Coord
	for _, tuple := range strings.Fields(s) {
		parts := strings.Split(tuple, ",")
		if len(parts) < 2 {
			return nil, fmt.Errorf("malformed kml coordinate %q", tuple)
		}
		lon, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed kml longitude %q", parts[0])
		}
		lat, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed kml latitude %q", parts[1])
		}
		coords = append(coords, geom.Coord{lon, lat})
	}
	return coords, nil
}

// parseShapefileZip extracts a zipped shapefile to a scratch directory and
// flattens its shapes and attributes into rows.
func parseShapefileZip(payload []byte) (*Table, error) {
	archive, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("open shapefile archive: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "godata-shp-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	var shpPath string
	for _, f := range archive.File {
		name := filepath.Base(f.Name)
		if name == "" || strings.HasPrefix(name, ".") {
			continue
		}
		dest := filepath.Join(tmpDir, name)
		if err := extractZipFile(f, dest); err != nil {
			return nil, err
		}
		if strings.EqualFold(filepath.Ext(name), ".shp") {
			shpPath = dest
		}
	}
	if shpPath == "" {
		return nil, fmt.Errorf("archive contains no .shp file")
	}

	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, fmt.Errorf("open shapefile: %w", err)
	}
	defer reader.Close()

	fields := reader.Fields()
	var records []portal.Record
	for reader.Next() {
		row, shape := reader.Shape()

		rec := make(portal.Record, len(fields)+2)
		for i, field := range fields {
			rec[field.String()] = coerceCell(reader.ReadAttribute(row, i))
		}

		g, err := shapeToGeom(shape)
		if err != nil {
			return nil, err
		}
		if g != nil {
			wktStr, geomType, err := geo.Encode(g)
			if err != nil {
				return nil, err
			}
			rec[geo.WKTColumn] = wktStr
			rec[geo.TypeColumn] = geomType
		}
		records = append(records, rec)
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("read shapefile: %w", err)
	}
	return TableFromRecords(records), nil
}

func extractZipFile(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open archive member %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return nil
}

// shapeToGeom converts the shape types open portals actually publish.
// Polylines and polygons rebuild their part structure from the flat point
// array.
func shapeToGeom(shape shp.Shape) (geom.T, error) {
	switch s := shape.(type) {
	case *shp.Point:
		return geom.NewPoint(geom.XY).SetCoords(geom.Coord{s.X, s.Y})
	case *shp.PointZ:
		return geom.NewPoint(geom.XY).SetCoords(geom.Coord{s.X, s.Y})
	case *shp.PointM:
		return geom.NewPoint(geom.XY).SetCoords(geom.Coord{s.X, s.Y})
	case *shp.PolyLine:
		parts := splitParts(s.Parts, s.Points)
		if len(parts) == 1 {
			return geom.NewLineString(geom.XY).SetCoords(parts[0])
		}
		return geom.NewMultiLineString(geom.XY).SetCoords(parts)
	case *shp.Polygon:
		parts := splitParts(s.Parts, s.Points)
		return geom.NewPolygon(geom.XY).SetCoords(parts)
	case *shp.MultiPoint:
		coords := make([]geom.Coord, len(s.Points))
		for i, p := range s.Points {
			coords[i] = geom.Coord{p.X, p.Y}
		}
		return geom.NewMultiPoint(geom.XY).SetCoords(coords)
	case *shp.Null:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported shape type %T", shape)
	}
}

func splitParts(parts []int32, points []shp.Point) [][]geom.Coord {
	if len(parts) == 0 {
		parts = []int32{0}
	}
	out := make([][]geom.Coord, 0, len(parts))
	for i, start := range parts {
		end := len(points)
		if i+1 < len(parts) {
			end = int(parts[i+1])
		}
		coords := make([]geom.Coord, 0, end-int(start))
		for _, p := range points[start:end] {
			coords = append(coords, geom.Coord{p.X, p.Y})
		}
		out = append(out, coords)
	}
	return out
}
