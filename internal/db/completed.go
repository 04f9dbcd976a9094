package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// CompletedMappings returns the mapping identifiers that have ever finished
// loading, in any run, with the time of their latest load_end.
func CompletedMappings(ctx context.Context, db *sql.DB, logger *slog.Logger) (map[string]string, error) {
	logger.Debug("Querying database for completed mappings...")
	completed := make(map[string]string)

	query := `
		SELECT mapping, max(event_timestamp)
		FROM load_event_log
		WHERE event = ? AND mapping IS NOT NULL
		GROUP BY mapping;
	`
	rows, err := db.QueryContext(ctx, query, EventLoadEnd)
	if err != nil {
		logger.Error("Failed to query for completed mappings", "error", err, "event", EventLoadEnd)
		return nil, fmt.Errorf("query completed mappings: %w", err)
	}
	defer rows.Close()

	var scanErrors error
	for rows.Next() {
		var (
			identifier string
			finished   sql.NullTime
		)
		if err := rows.Scan(&identifier, &finished); err != nil {
			scanErrors = errors.Join(scanErrors, fmt.Errorf("scan completed mapping: %w", err))
			continue
		}
		if identifier != "" {
			completed[identifier] = finished.Time.Format("2006-01-02 15:04:05")
		}
	}
	if err := rows.Err(); err != nil {
		scanErrors = errors.Join(scanErrors, fmt.Errorf("iterate completed mappings: %w", err))
		return completed, scanErrors
	}

	logger.Info("Found completed mappings in DB.", slog.Int("count", len(completed)))
	return completed, scanErrors
}
