// Package cache persists downloaded resources into a local sqlite file, one
// table per resource plus two metadata tables, and answers read-only SQL
// against them.
package cache

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jonesrussell/godata/internal/logger"
	"github.com/jonesrussell/godata/internal/portal"
)

// ErrNotCached is returned when a lookup names a resource the cache does
// not hold.
var ErrNotCached = errors.New("resource not cached")

// StorageError wraps a failure inside the cache database.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Entry describes one cached resource.
type Entry struct {
	ResourceID   string    `db:"resource_id" json:"resource_id"`
	DatasetID    string    `db:"dataset_id" json:"dataset_id"`
	TableName    string    `db:"table_name" json:"table_name"`
	DownloadedAt time.Time `db:"downloaded_at" json:"downloaded_at"`
	RowCount     int64     `db:"row_count" json:"row_count"`
	SizeBytes    int64     `db:"size_bytes" json:"size_bytes"`
	SourceURL    string    `db:"source_url" json:"source_url"`
}

// Stats summarizes the cache contents.
type Stats struct {
	TableCount     int   `db:"table_count" json:"table_count"`
	TotalRows      int64 `db:"total_rows" json:"total_rows"`
	TotalSizeBytes int64 `db:"total_size_bytes" json:"total_size_bytes"`
}

// QueryResult carries rows from a read-only query in column order.
type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

const schema = `
CREATE TABLE IF NOT EXISTS _cache_metadata (
	resource_id   TEXT PRIMARY KEY,
	dataset_id    TEXT NOT NULL,
	table_name    TEXT NOT NULL,
	downloaded_at TIMESTAMP NOT NULL,
	row_count     INTEGER NOT NULL,
	size_bytes    INTEGER NOT NULL,
	source_url    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS _dataset_metadata (
	dataset_id TEXT PRIMARY KEY,
	metadata   TEXT NOT NULL,
	cached_at  TIMESTAMP NOT NULL
);
`

// Manager owns the cache database.
type Manager struct {
	db     *sqlx.DB
	logger logger.Logger

	// serializes table replacement so two downloads of the same resource
	// cannot interleave their drop/create sequences
	storeMu sync.Mutex
}

// Open creates the cache directory if needed, opens the sqlite file and
// ensures the metadata tables exist.
func Open(path string, log logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &StorageError{Op: "create directory", Err: err}
	}

	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &StorageError{Op: "create schema", Err: err}
	}

	log.Info("cache opened", logger.String("path", path))
	return &Manager{db: db, logger: log}, nil
}

// Close closes the underlying database.
func (m *Manager) Close() error {
	return m.db.Close()
}

// TableNameFor derives the deterministic cache table name for a resource:
// a portal-prefixed slug of the dataset name plus a short hash of the
// resource id, with a geo_ marker for geospatial content.
func TableNameFor(portalID, datasetName, resourceID string, geospatial bool) string {
	sum := sha1.Sum([]byte(resourceID))
	prefix := "ds"
	if geospatial {
		prefix = "geo_ds"
	}
	return fmt.Sprintf("%s_%s_%s_%s", prefix, slugify(portalID), slugify(datasetName), hex.EncodeToString(sum[:4]))
}

func slugify(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(s) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	slug := strings.Trim(b.String(), "_")
	if slug == "" {
		slug = "x"
	}
	if len(slug) > 40 {
		slug = slug[:40]
	}
	return slug
}

// StoreResource replaces the cached copy of a resource in one transaction:
// the previous table and metadata row go away, the new table is created and
// filled, and the metadata row is written. A failure anywhere rolls back and
// leaves any prior entry intact.
func (m *Manager) StoreResource(ctx context.Context, entry Entry, columns []string, rows []portal.Record) error {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	safeColumns := sanitizeColumns(columns)

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "begin transaction", Err: err}
	}
	defer tx.Rollback()

	// Tear down whatever this resource previously mapped to, which may be
	// a differently named table when the dataset was renamed upstream.
	var prevTable string
	err = tx.GetContext(ctx, &prevTable,
		`SELECT table_name FROM _cache_metadata WHERE resource_id = ?`, entry.ResourceID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return &StorageError{Op: "lookup previous table", Err: err}
	}
	if prevTable != "" {
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(prevTable)); err != nil {
			return &StorageError{Op: "drop previous table", Err: err}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM _cache_metadata WHERE resource_id = ?`, entry.ResourceID); err != nil {
			return &StorageError{Op: "delete previous metadata", Err: err}
		}
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(entry.TableName)); err != nil {
		return &StorageError{Op: "drop table", Err: err}
	}

	if err := createTable(ctx, tx, entry.TableName, safeColumns, columns, rows); err != nil {
		return err
	}
	if err := insertRows(ctx, tx, entry.TableName, safeColumns, columns, rows); err != nil {
		return err
	}

	entry.RowCount = int64(len(rows))
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO _cache_metadata
			(resource_id, dataset_id, table_name, downloaded_at, row_count, size_bytes, source_url)
		VALUES
			(:resource_id, :dataset_id, :table_name, :downloaded_at, :row_count, :size_bytes, :source_url)`,
		entry)
	if err != nil {
		return &StorageError{Op: "write metadata", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "commit", Err: err}
	}

	m.logger.Info("resource cached",
		logger.String("resource_id", entry.ResourceID),
		logger.String("table", entry.TableName),
		logger.Int64("rows", entry.RowCount))
	return nil
}

// createTable builds the dynamic table, typing each column from the first
// value observed for it.
func createTable(ctx context.Context, tx *sqlx.Tx, table string, safeColumns, originals []string, rows []portal.Record) error {
	defs := make([]string, len(safeColumns))
	for i, col := range safeColumns {
		defs[i] = quoteIdent(col) + " " + columnType(originals[i], rows)
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return &StorageError{Op: "create table", Err: err}
	}
	return nil
}

// columnType picks a sqlite affinity from the first non-nil value in the
// column.
func columnType(column string, rows []portal.Record) string {
	for _, row := range rows {
		v, ok := row[column]
		if !ok || v == nil {
			continue
		}
		switch v.(type) {
		case float64, float32:
			return "REAL"
		case int, int32, int64:
			return "INTEGER"
		case bool:
			return "INTEGER"
		default:
			return "TEXT"
		}
	}
	return "TEXT"
}

func insertRows(ctx context.Context, tx *sqlx.Tx, table string, safeColumns, originals []string, rows []portal.Record) error {
	if len(rows) == 0 {
		return nil
	}

	quoted := make([]string, len(safeColumns))
	for i, col := range safeColumns {
		quoted[i] = quoteIdent(col)
	}
	placeholders := strings.TrimRight(strings.Repeat("?, ", len(safeColumns)), ", ")
	stmt, err := tx.PreparexContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(quoted, ", "), placeholders))
	if err != nil {
		return &StorageError{Op: "prepare insert", Err: err}
	}
	defer stmt.Close()

	args := make([]any, len(safeColumns))
	for _, row := range rows {
		for i, col := range originals {
			args[i] = bindValue(row[col])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return &StorageError{Op: "insert row", Err: err}
		}
	}
	return nil
}

// bindValue coerces values the sqlite driver cannot bind directly (nested
// objects, arrays) into JSON text.
func bindValue(v any) any {
	switch v.(type) {
	case nil, string, int, int32, int64, float32, float64, bool, []byte, time.Time:
		return v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

// sanitizeColumns maps arbitrary upstream column names onto safe sqlite
// identifiers, de-duplicating collisions positionally.
func sanitizeColumns(columns []string) []string {
	out := make([]string, len(columns))
	seen := make(map[string]int)
	for i, col := range columns {
		name := slugifyColumn(col)
		base := name
		for {
			n, dup := seen[name]
			if !dup {
				break
			}
			seen[base] = n + 1
			name = fmt.Sprintf("%s_%d", base, n+1)
		}
		seen[name] = 0
		out[i] = name
	}
	return out
}

func slugifyColumn(col string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(col) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore {
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		name = "column"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "c_" + name
	}
	return name
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// IsCached reports whether the resource has a cached copy.
func (m *Manager) IsCached(ctx context.Context, resourceID string) (bool, error) {
	var n int
	err := m.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM _cache_metadata WHERE resource_id = ?`, resourceID)
	if err != nil {
		return false, &StorageError{Op: "check cached", Err: err}
	}
	return n > 0, nil
}

// Get returns the cache entry for a resource, or ErrNotCached.
func (m *Manager) Get(ctx context.Context, resourceID string) (*Entry, error) {
	var entry Entry
	err := m.db.GetContext(ctx, &entry,
		`SELECT * FROM _cache_metadata WHERE resource_id = ?`, resourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, &StorageError{Op: "get entry", Err: err}
	}
	return &entry, nil
}

// ListCached returns every cache entry, newest first.
func (m *Manager) ListCached(ctx context.Context) ([]Entry, error) {
	entries := []Entry{}
	err := m.db.SelectContext(ctx, &entries,
		`SELECT * FROM _cache_metadata ORDER BY downloaded_at DESC`)
	if err != nil {
		return nil, &StorageError{Op: "list entries", Err: err}
	}
	return entries, nil
}

// RemoveResource drops a cached resource and its metadata. Removing an
// absent resource is a no-op.
func (m *Manager) RemoveResource(ctx context.Context, resourceID string) error {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	entry, err := m.Get(ctx, resourceID)
	if errors.Is(err, ErrNotCached) {
		return nil
	}
	if err != nil {
		return err
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "begin transaction", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(entry.TableName)); err != nil {
		return &StorageError{Op: "drop table", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM _cache_metadata WHERE resource_id = ?`, resourceID); err != nil {
		return &StorageError{Op: "delete metadata", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "commit", Err: err}
	}

	m.logger.Info("resource evicted", logger.String("resource_id", resourceID))
	return nil
}

// RemoveAll evicts every cached resource and both metadata stores.
func (m *Manager) RemoveAll(ctx context.Context) error {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	entries, err := m.ListCached(ctx)
	if err != nil {
		return err
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "begin transaction", Err: err}
	}
	defer tx.Rollback()

	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(entry.TableName)); err != nil {
			return &StorageError{Op: "drop table", Err: err}
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM _cache_metadata`); err != nil {
		return &StorageError{Op: "clear metadata", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM _dataset_metadata`); err != nil {
		return &StorageError{Op: "clear dataset metadata", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "commit", Err: err}
	}

	m.logger.Info("cache cleared", logger.Int("evicted", len(entries)))
	return nil
}

// Stats summarizes table count, total rows and total payload size.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	err := m.db.GetContext(ctx, &stats, `
		SELECT COUNT(*) AS table_count,
		       COALESCE(SUM(row_count), 0) AS total_rows,
		       COALESCE(SUM(size_bytes), 0) AS total_size_bytes
		FROM _cache_metadata`)
	if err != nil {
		return nil, &StorageError{Op: "stats", Err: err}
	}
	return &stats, nil
}

// Query runs a guarded read-only statement against the cache and returns up
// to maxRows rows.
func (m *Manager) Query(ctx context.Context, query string, maxRows int) (*QueryResult, error) {
	if err := ValidateReadOnly(query); err != nil {
		return nil, err
	}
	if maxRows <= 0 {
		maxRows = 10000
	}

	rows, err := m.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, &StorageError{Op: "query", Err: err}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, &StorageError{Op: "read columns", Err: err}
	}

	result := &QueryResult{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		if len(result.Rows) >= maxRows {
			break
		}
		row, err := rows.SliceScan()
		if err != nil {
			return nil, &StorageError{Op: "scan row", Err: err}
		}
		for i, v := range row {
			if b, ok := v.([]byte); ok {
				row[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "iterate rows", Err: err}
	}
	return result, nil
}

// StoreDatasetMetadata caches a dataset's descriptive metadata as a JSON
// blob, replacing any previous copy.
func (m *Manager) StoreDatasetMetadata(ctx context.Context, datasetID string, metadata any) error {
	blob, err := json.Marshal(metadata)
	if err != nil {
		return &StorageError{Op: "encode metadata", Err: err}
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO _dataset_metadata (dataset_id, metadata, cached_at)
		VALUES (?, ?, ?)
		ON CONFLICT(dataset_id) DO UPDATE SET metadata = excluded.metadata, cached_at = excluded.cached_at`,
		datasetID, string(blob), time.Now().UTC())
	if err != nil {
		return &StorageError{Op: "store dataset metadata", Err: err}
	}
	return nil
}

// DatasetMetadata loads a cached metadata blob into out and returns when it
// was cached, or ErrNotCached.
func (m *Manager) DatasetMetadata(ctx context.Context, datasetID string, out any) (time.Time, error) {
	var row struct {
		Metadata string    `db:"metadata"`
		CachedAt time.Time `db:"cached_at"`
	}
	err := m.db.GetContext(ctx, &row,
		`SELECT metadata, cached_at FROM _dataset_metadata WHERE dataset_id = ?`, datasetID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotCached
	}
	if err != nil {
		return time.Time{}, &StorageError{Op: "get dataset metadata", Err: err}
	}
	if out != nil {
		if err := json.Unmarshal([]byte(row.Metadata), out); err != nil {
			return time.Time{}, &StorageError{Op: "decode dataset metadata", Err: err}
		}
	}
	return row.CachedAt, nil
}
