// Package postgis is the database destination: existence checks, live column
// introspection and the metadata table.
package postgis

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/kmproj/jpksj-to-sql/internal/mapping"
	"github.com/kmproj/jpksj-to-sql/internal/metadata"
	"github.com/kmproj/jpksj-to-sql/internal/schema"
)

const defaultSchema = "public"

const metadataTableSQL = `
CREATE TABLE IF NOT EXISTS datasets (
    table_name  TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    metadata    JSONB NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);`

const columnsSQL = `
SELECT
    cols.column_name,
    cols.udt_name,
    gc.type,
    gc.srid
FROM information_schema.columns cols
LEFT JOIN public.geometry_columns gc
    ON gc.f_table_schema = cols.table_schema
    AND gc.f_table_name = cols.table_name
    AND gc.f_geometry_column = cols.column_name
WHERE cols.table_schema = $1
AND cols.table_name = $2
ORDER BY cols.ordinal_position;`

// DB wraps a PostGIS connection pool.
type DB struct {
	db     *sql.DB
	schema string
	logger *slog.Logger
}

// ConnInfo turns a postgres:// URL into the key=value form both lib/pq and the
// GDAL PostgreSQL driver accept. Other strings are returned unchanged.
func ConnInfo(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		kv, err := pq.ParseURL(dsn)
		if err != nil {
			return "", fmt.Errorf("parse database url: %w", err)
		}
		return kv, nil
	}
	return dsn, nil
}

// Open connects, pings and makes sure the metadata table exists.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	conn, err := ConnInfo(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, metadataTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create metadata table: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger.Debug("Connected to destination database.")
	return &DB{db: db, schema: defaultSchema, logger: logger}, nil
}

func (d *DB) Close() error { return d.db.Close() }

// HasTable reports whether the destination schema has the table.
func (d *DB) HasTable(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		d.schema, table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return exists, nil
}

// Columns introspects a loaded table, joining geometry_columns for geometry type
// and SRID.
func (d *DB) Columns(ctx context.Context, table string) (schema.Table, error) {
	rows, err := d.db.QueryContext(ctx, columnsSQL, d.schema, table)
	if err != nil {
		return schema.Table{}, fmt.Errorf("query columns of %s: %w", table, err)
	}
	defer rows.Close()

	tbl := schema.Table{Name: table}
	for rows.Next() {
		var (
			name, udt string
			geomType  sql.NullString
			srid      sql.NullInt64
		)
		if err := rows.Scan(&name, &udt, &geomType, &srid); err != nil {
			return schema.Table{}, fmt.Errorf("scan column of %s: %w", table, err)
		}
		tbl.Columns = append(tbl.Columns, column(name, udt, geomType, srid))
	}
	if err := rows.Err(); err != nil {
		return schema.Table{}, fmt.Errorf("iterate columns of %s: %w", table, err)
	}
	if len(tbl.Columns) == 0 {
		return schema.Table{}, fmt.Errorf("table %s has no columns", table)
	}
	return tbl, nil
}

func column(name, udt string, geomType sql.NullString, srid sql.NullInt64) schema.Column {
	c := schema.Column{Name: name, UnderlyingType: udt}
	if geomType.Valid && geomType.String != "" {
		c.GeometryType = schema.PromoteToMulti(geomType.String)
		c.SRID = int(srid.Int64)
	}
	return c
}

// Exists is the destination existence check for a mapping.
func (d *DB) Exists(ctx context.Context, m mapping.OutputMapping) (bool, error) {
	return d.HasTable(ctx, m.TableName())
}

// Schema is the live column list of a mapping's table.
func (d *DB) Schema(ctx context.Context, m mapping.OutputMapping) (schema.Table, error) {
	return d.Columns(ctx, m.TableName())
}

// UpsertMetadata stores the metadata document under key, replacing an older one.
func (d *DB) UpsertMetadata(ctx context.Context, key string, t metadata.Table) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal metadata %s: %w", key, err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO datasets (table_name, name, metadata, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (table_name) DO UPDATE
		SET name = EXCLUDED.name, metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at`,
		key, t.Name, string(doc))
	if err != nil {
		return fmt.Errorf("upsert metadata %s: %w", key, err)
	}
	d.logger.Debug("Stored table metadata.", slog.String("table", key))
	return nil
}

// ReplaceCodeTable creates a text table keyed by its first column and replaces its
// rows in one transaction. Empty cells are stored as NULL and rows repeating a
// key are dropped.
func (d *DB) ReplaceCodeTable(ctx context.Context, table string, columns []string, rows [][]string) error {
	if len(columns) == 0 {
		return fmt.Errorf("code table %s has no columns", table)
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", table, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, codeTableSQL(table, columns)); err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+pq.QuoteIdentifier(table)); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	stmt, err := tx.PrepareContext(ctx, codeInsertSQL(table, columns))
	if err != nil {
		return fmt.Errorf("prepare insert into %s: %w", table, err)
	}
	defer stmt.Close()

	args := make([]any, len(columns))
	for n, row := range rows {
		for i := range columns {
			args[i] = nullable(row, i)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert row %d into %s: %w", n, table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", table, err)
	}
	d.logger.Debug("Replaced code table.", slog.String("table", table), slog.Int("rows", len(rows)))
	return nil
}

func codeTableSQL(table string, columns []string) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = pq.QuoteIdentifier(c) + " TEXT"
	}
	defs[0] += " PRIMARY KEY"
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", pq.QuoteIdentifier(table), strings.Join(defs, ", "))
}

func codeInsertSQL(table string, columns []string) string {
	names := make([]string, len(columns))
	params := make([]string, len(columns))
	for i, c := range columns {
		names[i] = pq.QuoteIdentifier(c)
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		pq.QuoteIdentifier(table), strings.Join(names, ", "), strings.Join(params, ", "), names[0])
}

func nullable(row []string, i int) any {
	if i >= len(row) || row[i] == "" {
		return nil
	}
	return row[i]
}
