// Package inspector summarizes Parquet outputs (Parquet driver tables and the
// metadata export) with DuckDB: schema and row count per file.
package inspector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb"
)

// ColumnInfo is one row of DuckDB's DESCRIBE output.
type ColumnInfo struct {
	Name     string
	Type     string
	Nullable string
}

// FileSummary describes one Parquet file.
type FileSummary struct {
	Path    string
	Rows    int64
	Columns []ColumnInfo
	Err     error
}

// IsParquet reports whether path names a Parquet file.
func IsParquet(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".parquet")
}

// SummarizeParquet describes each file. A file that cannot be read is reported in
// its summary and in the joined error; the others are still summarized.
func SummarizeParquet(ctx context.Context, db *sql.DB, logger *slog.Logger, paths ...string) ([]FileSummary, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `INSTALL parquet; LOAD parquet;`); err != nil {
		logger.Warn("Failed install/load parquet extension.", slog.Any("error", err))
	}

	var (
		out  []FileSummary
		errs error
	)
	for _, p := range paths {
		s := FileSummary{Path: p}
		s.Columns, s.Err = describe(ctx, conn, p)
		if s.Err == nil {
			s.Err = conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM read_parquet(%s);`, literal(p))).Scan(&s.Rows)
			if s.Err != nil {
				s.Err = fmt.Errorf("count rows of %s: %w", p, s.Err)
			}
		}
		if s.Err != nil {
			logger.Error("Failed to summarize parquet file.", slog.String("file", p), slog.Any("error", s.Err))
			errs = errors.Join(errs, s.Err)
		}
		out = append(out, s)
	}
	return out, errs
}

func describe(ctx context.Context, conn *sql.Conn, path string) ([]ColumnInfo, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`DESCRIBE SELECT * FROM read_parquet(%s);`, literal(path)))
	if err != nil {
		return nil, fmt.Errorf("query schema for %s: %w", path, err)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var name, typ, null, key, def, extra sql.NullString
		if err := rows.Scan(&name, &typ, &null, &key, &def, &extra); err != nil {
			return nil, fmt.Errorf("scan schema row for %s: %w", path, err)
		}
		cols = append(cols, ColumnInfo{Name: name.String, Type: typ.String, Nullable: null.String})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema rows for %s: %w", path, err)
	}
	return cols, nil
}

// literal quotes a path as a DuckDB string literal.
func literal(path string) string {
	p := strings.ReplaceAll(filepath.ToSlash(path), "'", "''")
	return "'" + p + "'"
}

// Print writes the summaries as fixed-width tables.
func Print(w io.Writer, summaries []FileSummary) {
	for _, s := range summaries {
		fmt.Fprintf(w, "\n=== %s ===\n", s.Path)
		if s.Err != nil {
			fmt.Fprintf(w, "  ERROR: %v\n", s.Err)
			continue
		}
		fmt.Fprintf(w, "  %-30s | %-30s | %s\n", "Column Name", "Column Type", "Null")
		fmt.Fprintln(w, "  "+strings.Repeat("-", 72))
		for _, c := range s.Columns {
			fmt.Fprintf(w, "  %-30s | %-30s | %s\n", c.Name, c.Type, c.Nullable)
		}
		fmt.Fprintf(w, "  (%d rows)\n", s.Rows)
	}
}
