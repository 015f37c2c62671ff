package download

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/jonesrussell/godata/internal/portal"
)

// UnsupportedFormatError reports a resource format no parser handles.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported resource format %q", e.Format)
}

// Table is the parsed tabular form of a resource: ordered columns plus rows
// keyed by those columns.
type Table struct {
	Columns []string
	Rows    []portal.Record
}

// parsePayload dispatches a fetched payload to the parser for its declared
// format.
func parsePayload(format string, payload []byte) (*Table, error) {
	switch strings.ToUpper(strings.TrimSpace(format)) {
	case "CSV", "TXT", "TSV":
		return parseCSV(payload)
	case "XLSX", "XLS":
		return parseXLSX(payload)
	case "JSON":
		return parseJSON(payload)
	case "GEOJSON":
		return parseGeoJSON(payload)
	case "KML":
		return parseKML(payload)
	case "SHP", "ZIP", "SHAPEFILE":
		return parseShapefileZip(payload)
	default:
		return nil, &UnsupportedFormatError{Format: format}
	}
}

// parseCSV reads a delimited payload, using the first row as the header.
// Cells are coerced to integers or floats where they parse cleanly so the
// cached table gets numeric affinity.
func parseCSV(payload []byte) (*Table, error) {
	reader := csv.NewReader(bytes.NewReader(payload))
	reader.FieldsPerRecord = -1
	if bytes.IndexByte(payload, '\t') >= 0 && bytes.IndexByte(payload, ',') < 0 {
		reader.Comma = '\t'
	}

	header, err := reader.Read()
	if err == io.EOF {
		return emptyTable(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimPrefix(strings.TrimSpace(header[i]), "\uFEFF")
	}
	header = dedupHeader(header)

	table := &Table{Columns: header, Rows: []portal.Record{}}
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}

		rec := make(portal.Record, len(header))
		for i, col := range header {
			if i >= len(fields) {
				rec[col] = nil
				continue
			}
			rec[col] = coerceCell(fields[i])
		}
		table.Rows = append(table.Rows, rec)
	}
	return table, nil
}

// parseXLSX reads the first sheet of a workbook, first row as header.
func parseXLSX(payload []byte) (*Table, error) {
	wb, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return emptyTable(), nil
	}

	rows, err := wb.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return emptyTable(), nil
	}

	header := make([]string, len(rows[0]))
	for i, cell := range rows[0] {
		header[i] = strings.TrimSpace(cell)
		if header[i] == "" {
			header[i] = fmt.Sprintf("column_%d", i+1)
		}
	}
	header = dedupHeader(header)

	table := &Table{Columns: header, Rows: []portal.Record{}}
	for _, cells := range rows[1:] {
		rec := make(portal.Record, len(header))
		for i, col := range header {
			if i >= len(cells) {
				rec[col] = nil
				continue
			}
			rec[col] = coerceCell(cells[i])
		}
		table.Rows = append(table.Rows, rec)
	}
	return table, nil
}

// parseJSON accepts either a bare array of objects or an object wrapping
// one under a records/data/results key.
func parseJSON(payload []byte) (*Table, error) {
	var records []map[string]any
	if err := json.Unmarshal(payload, &records); err != nil {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(payload, &wrapper); err != nil {
			return nil, fmt.Errorf("decode json payload: %w", err)
		}
		found := false
		for _, key := range []string{"records", "data", "results", "rows"} {
			raw, ok := wrapper[key]
			if !ok {
				continue
			}
			if err := json.Unmarshal(raw, &records); err == nil {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("json payload is not an array of objects")
		}
	}

	table := &Table{Columns: []string{}, Rows: make([]portal.Record, 0, len(records))}
	seen := make(map[string]struct{})
	for _, rec := range records {
		for k := range rec {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				table.Columns = append(table.Columns, k)
			}
		}
		table.Rows = append(table.Rows, portal.Record(rec))
	}
	// Decoded map key order is random; sort for a deterministic table.
	sort.Strings(table.Columns)
	return table, nil
}

// TableFromRecords builds a Table from API-sourced records, deriving the
// column set as the union of keys in stable lexicographic order with the
// geometry columns kept last.
func TableFromRecords(records []portal.Record) *Table {
	seen := make(map[string]struct{})
	columns := []string{}
	for _, rec := range records {
		for k := range rec {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)
	moveGeometryLast(columns)
	return &Table{Columns: columns, Rows: records}
}

// dedupHeader makes header names unique positionally, so a repeated column
// keeps its own cells instead of overwriting an earlier column in the row
// map.
func dedupHeader(header []string) []string {
	seen := make(map[string]int, len(header))
	for i, name := range header {
		if _, dup := seen[name]; !dup {
			seen[name] = 0
			continue
		}
		for {
			seen[name]++
			candidate := fmt.Sprintf("%s_%d", name, seen[name])
			if _, taken := seen[candidate]; !taken {
				seen[candidate] = 0
				header[i] = candidate
				break
			}
		}
	}
	return header
}

// coerceCell converts a textual cell to the narrowest value that round-trips.
func coerceCell(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	return s
}

func emptyTable() *Table {
	return &Table{Columns: []string{}, Rows: []portal.Record{}}
}
