package db

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb" // Driver
)

// Load events.
const (
	EventLoadStart  = "load_start"
	EventLoadEnd    = "load_end"
	EventSkipExists = "skip_exists"
	EventFallback   = "fallback"
	EventError      = "error"
)

const schemaSequenceSQL = `CREATE SEQUENCE IF NOT EXISTS load_event_id_seq;`
const schemaTableSQL = `
CREATE TABLE IF NOT EXISTS load_event_log (
    log_id          BIGINT PRIMARY KEY DEFAULT nextval('load_event_id_seq'),
    run_id          VARCHAR NOT NULL,
    dataset         VARCHAR NOT NULL,      -- catalog identifier
    mapping         VARCHAR,               -- output identifier, empty for dataset-level events
    event           VARCHAR NOT NULL,
    event_timestamp TIMESTAMP NOT NULL,
    destination     VARCHAR,               -- output file path or table name
    message         VARCHAR,
    duration_ms     BIGINT
);
CREATE INDEX IF NOT EXISTS idx_load_event_log_mapping ON load_event_log (mapping, event);
CREATE INDEX IF NOT EXISTS idx_load_event_log_run ON load_event_log (run_id, event_timestamp);

CREATE TABLE IF NOT EXISTS table_metadata (
    table_key   VARCHAR PRIMARY KEY,
    name        VARCHAR NOT NULL,
    document    VARCHAR NOT NULL,          -- JSON
    updated_at  TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS column_metadata (
    table_key      VARCHAR NOT NULL,
    position       INTEGER NOT NULL,
    column_name    VARCHAR NOT NULL,
    data_type      VARCHAR NOT NULL,
    description    VARCHAR,
    foreign_table  VARCHAR,
    foreign_column VARCHAR,
    enum_values    VARCHAR                 -- JSON array
);
`

// InitializeSchema creates the sequence and tables in the correct order.
func InitializeSchema(db *sql.DB) error {
	_, err := db.Exec(schemaSequenceSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute sequence setup: %w", err)
	}
	_, err = db.Exec(schemaTableSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute table/index setup: %w", err)
	}
	return nil
}

// Event is one row of the load event log.
type Event struct {
	Dataset     string
	Mapping     string
	Event       string
	Destination string
	Message     string
	Duration    time.Duration // zero means not measured
}

// EventLog records the events of one run.
type EventLog struct {
	db     *sql.DB
	runID  string
	logger *slog.Logger
}

func NewEventLog(db *sql.DB, runID string, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &EventLog{db: db, runID: runID, logger: logger}
}

func (l *EventLog) RunID() string { return l.runID }

// Record inserts an event stamped with the run id and the current time.
func (l *EventLog) Record(ctx context.Context, e Event) error {
	query := `
        INSERT INTO load_event_log (run_id, dataset, mapping, event, event_timestamp, destination, message, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?);
    `
	var durationMs sql.NullInt64
	if e.Duration > 0 {
		durationMs = sql.NullInt64{Int64: e.Duration.Milliseconds(), Valid: true}
	}
	_, err := l.db.ExecContext(ctx, query,
		l.runID,
		e.Dataset,
		sql.NullString{String: e.Mapping, Valid: e.Mapping != ""},
		e.Event,
		time.Now().UTC(),
		sql.NullString{String: e.Destination, Valid: e.Destination != ""},
		sql.NullString{String: e.Message, Valid: e.Message != ""},
		durationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to log event '%s' for '%s': %w", e.Event, e.Dataset, err)
	}
	return nil
}

// HistoryFilter narrows DisplayLoadHistory. Empty fields match everything.
type HistoryFilter struct {
	Dataset string
	Event   string
	RunID   string
	Limit   int
}

// DisplayLoadHistory prints the most recent events as a fixed-width table.
func DisplayLoadHistory(ctx context.Context, w io.Writer, db *sql.DB, f HistoryFilter) error {
	query := `
        SELECT run_id, dataset, mapping, event, event_timestamp, duration_ms, destination, message
        FROM load_event_log
    `
	conditions := []string{}
	args := []any{}
	argCounter := 1

	for _, c := range []struct{ column, value string }{
		{"dataset", f.Dataset},
		{"event", f.Event},
		{"run_id", f.RunID},
	} {
		if c.value == "" {
			continue
		}
		conditions = append(conditions, fmt.Sprintf("%s = $%d", c.column, argCounter))
		args = append(args, c.value)
		argCounter++
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" ORDER BY event_timestamp DESC, log_id DESC LIMIT $%d", argCounter)
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query event log: %w", err)
	}
	defer rows.Close()

	fmt.Fprintf(w, "--- Load History (Limit %d) ---\n", limit)
	fmt.Fprintf(w, "%-8s | %-10s | %-16s | %-12s | %-25s | %-10s | %s\n",
		"Run", "Dataset", "Mapping", "Event", "Timestamp (UTC)", "DurationMS", "Details")
	fmt.Fprintln(w, strings.Repeat("-", 130))

	count := 0
	for rows.Next() {
		var runID, dataset, event string
		var timestamp time.Time
		var mapping, destination, message sql.NullString
		var durationMs sql.NullInt64
		if err := rows.Scan(&runID, &dataset, &mapping, &event, &timestamp, &durationMs, &destination, &message); err != nil {
			return fmt.Errorf("failed to scan event log row: %w", err)
		}

		durationStr := ""
		if durationMs.Valid {
			durationStr = fmt.Sprintf("%d", durationMs.Int64)
		}
		details := message.String
		if destination.Valid {
			details = strings.TrimSpace(details + fmt.Sprintf(" (Output: %s)", destination.String))
		}

		fmt.Fprintf(w, "%-8s | %-10s | %-16s | %-12s | %-25s | %-10s | %s\n",
			shortRun(runID), dataset, mapping.String, event, timestamp.Format(time.RFC3339), durationStr, details)
		count++
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("error iterating event log rows: %w", err)
	}
	fmt.Fprintf(w, "Displayed %d records.\n", count)
	return nil
}

func shortRun(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
