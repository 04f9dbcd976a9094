package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kmproj/jpksj-to-sql/internal/metadata"
)

// ColumnRow is one stored column description, flattened for export.
type ColumnRow struct {
	TableKey      string
	TableName     string
	Position      int32
	Column        string
	DataType      string
	Description   string
	ForeignTable  string
	ForeignColumn string
	EnumValues    string // JSON array of {value, desc}
}

// UpsertTableMetadata replaces the stored document and column rows of one table.
func UpsertTableMetadata(ctx context.Context, db *sql.DB, key string, t metadata.Table) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal metadata %s: %w", key, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metadata tx for %s: %w", key, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO table_metadata (table_key, name, document, updated_at) VALUES (?, ?, ?, ?);`,
		key, t.Name, string(doc), time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert table metadata %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM column_metadata WHERE table_key = ?;`, key); err != nil {
		return fmt.Errorf("clear column metadata %s: %w", key, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO column_metadata (table_key, position, column_name, data_type, description, foreign_table, foreign_column, enum_values)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("prepare column metadata insert: %w", err)
	}
	defer stmt.Close()

	for i, c := range t.Columns {
		var fkTable, fkColumn sql.NullString
		if c.ForeignKey != nil {
			fkTable = sql.NullString{String: c.ForeignKey.Table, Valid: true}
			fkColumn = sql.NullString{String: c.ForeignKey.Column, Valid: true}
		}
		var enum sql.NullString
		if len(c.Enum) > 0 {
			b, err := json.Marshal(c.Enum)
			if err != nil {
				return fmt.Errorf("marshal enum values of %s.%s: %w", key, c.Name, err)
			}
			enum = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, key, i+1, c.Name, c.DataType,
			sql.NullString{String: c.Desc, Valid: c.Desc != ""}, fkTable, fkColumn, enum); err != nil {
			return fmt.Errorf("insert column metadata %s.%s: %w", key, c.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metadata %s: %w", key, err)
	}
	return nil
}

// UpsertMetadata stores table metadata in the local state database.
func (l *EventLog) UpsertMetadata(ctx context.Context, key string, t metadata.Table) error {
	if err := UpsertTableMetadata(ctx, l.db, key, t); err != nil {
		return err
	}
	l.logger.Debug("Stored table metadata locally.", slog.String("table", key), slog.Int("columns", len(t.Columns)))
	return nil
}

// ListColumnMetadata returns every stored column ordered by table and position.
func ListColumnMetadata(ctx context.Context, db *sql.DB) ([]ColumnRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.table_key, t.name, c.position, c.column_name, c.data_type,
		       c.description, c.foreign_table, c.foreign_column, c.enum_values
		FROM column_metadata c
		JOIN table_metadata t ON t.table_key = c.table_key
		ORDER BY c.table_key, c.position;`)
	if err != nil {
		return nil, fmt.Errorf("query column metadata: %w", err)
	}
	defer rows.Close()

	var out []ColumnRow
	for rows.Next() {
		var r ColumnRow
		var desc, fkTable, fkColumn, enum sql.NullString
		if err := rows.Scan(&r.TableKey, &r.TableName, &r.Position, &r.Column, &r.DataType,
			&desc, &fkTable, &fkColumn, &enum); err != nil {
			return nil, fmt.Errorf("scan column metadata: %w", err)
		}
		r.Description, r.ForeignTable, r.ForeignColumn, r.EnumValues = desc.String, fkTable.String, fkColumn.String, enum.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column metadata: %w", err)
	}
	return out, nil
}
