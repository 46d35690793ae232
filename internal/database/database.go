// Package database provides SQLite database operations for the application
package database

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"scenery-downloader/pkg/models"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema
func New(dbPath string) (*DB, error) {
	connString := dbPath
	if dbPath != ":memory:" {
		connString = dbPath + "?_busy_timeout=30000&_journal_mode=WAL&_synchronous=NORMAL"
	}

	conn, err := sql.Open("sqlite", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't handle concurrent writes well
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_history (
		task_id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		scenery_id INTEGER NOT NULL,
		airport_icao TEXT NOT NULL,
		artist TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		error_kind TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		bytes_read INTEGER DEFAULT 0,
		install_path TEXT NOT NULL DEFAULT '',
		partially_installed BOOLEAN DEFAULT FALSE,
		submitted_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_history_state ON task_history(state);
	CREATE INDEX IF NOT EXISTS idx_task_history_finished_at ON task_history(finished_at);
	CREATE INDEX IF NOT EXISTS idx_task_history_scenery_id ON task_history(scenery_id);
	`

	_, err := db.conn.Exec(schema)
	return err
}

const historyColumns = `task_id, seq, scenery_id, airport_icao, artist, version, state,
		   attempts, error_kind, error_message, bytes_read, install_path,
		   partially_installed, submitted_at, started_at, finished_at`

// RecordTask stores a finished task, replacing an earlier record of the same task
func (db *DB) RecordTask(entry *models.HistoryEntry) error {
	query := `
	INSERT OR REPLACE INTO task_history (` + historyColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var startedAt *time.Time
	if entry.StartedAt != nil {
		s := entry.StartedAt.UTC()
		startedAt = &s
	}

	_, err := db.conn.Exec(query,
		entry.TaskID, entry.Seq, entry.SceneryID, entry.AirportICAO,
		entry.Artist, entry.Version, entry.State, entry.Attempts,
		entry.ErrorKind, entry.ErrorMessage, entry.BytesRead, entry.InstallPath,
		entry.PartiallyInstalled, entry.SubmittedAt.UTC(), startedAt, entry.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record task: %w", err)
	}

	return nil
}

// GetTask retrieves a history entry by task ID
func (db *DB) GetTask(taskID string) (*models.HistoryEntry, error) {
	query := `SELECT ` + historyColumns + ` FROM task_history WHERE task_id = ?`

	entry, err := scanEntry(db.conn.QueryRow(query, taskID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("task not found")
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return entry, nil
}

// ListHistory retrieves history entries, most recently finished first
func (db *DB) ListHistory(limit, offset int) ([]*models.HistoryEntry, error) {
	query := `
	SELECT ` + historyColumns + `
	FROM task_history
	ORDER BY finished_at DESC, seq DESC
	LIMIT ? OFFSET ?
	`

	rows, err := db.conn.Query(query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// SearchHistory matches the search term against airport, artist and error text,
// restricted to the given states. An empty state list returns every state.
func (db *DB) SearchHistory(searchTerm string, states []string, sortOrder string, limit, offset int) ([]*models.HistoryEntry, error) {
	query := `
	SELECT ` + historyColumns + `
	FROM task_history
	WHERE 1=1`

	args := []interface{}{}

	if searchTerm != "" {
		words := strings.Fields(strings.ToLower(searchTerm))
		var conditions []string
		for _, word := range words {
			pattern := "%" + word + "%"
			conditions = append(conditions, "(LOWER(airport_icao) LIKE ? OR LOWER(artist) LIKE ? OR LOWER(error_message) LIKE ? OR CAST(scenery_id AS TEXT) LIKE ?)")
			args = append(args, pattern, pattern, pattern, pattern)
		}
		if len(conditions) > 0 {
			query += ` AND (` + strings.Join(conditions, " OR ") + `)`
		}
	}

	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, state := range states {
			placeholders[i] = "?"
			args = append(args, state)
		}
		query += ` AND state IN (` + strings.Join(placeholders, ",") + `)`
	}

	if sortOrder == "asc" {
		query += ` ORDER BY finished_at ASC, seq ASC`
	} else {
		query += ` ORDER BY finished_at DESC, seq DESC`
	}

	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search history: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// DeleteTask removes a single history entry
func (db *DB) DeleteTask(taskID string) error {
	_, err := db.conn.Exec("DELETE FROM task_history WHERE task_id = ?", taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// DeleteOldHistory removes entries that finished before the retention window
func (db *DB) DeleteOldHistory(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC()

	result, err := db.conn.Exec("DELETE FROM task_history WHERE finished_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old history: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		slog.Info("Deleted old task history", "count", rowsAffected, "cutoff", cutoff)
	}

	return rowsAffected, nil
}

// GetHistoryStats counts history entries by final state
func (db *DB) GetHistoryStats() (map[string]int, error) {
	rows, err := db.conn.Query(`SELECT state, COUNT(*) FROM task_history GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to get history stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan history stats: %w", err)
		}
		stats[state] = count
	}

	return stats, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*models.HistoryEntry, error) {
	var e models.HistoryEntry
	err := row.Scan(
		&e.TaskID, &e.Seq, &e.SceneryID, &e.AirportICAO, &e.Artist, &e.Version,
		&e.State, &e.Attempts, &e.ErrorKind, &e.ErrorMessage, &e.BytesRead,
		&e.InstallPath, &e.PartiallyInstalled, &e.SubmittedAt, &e.StartedAt,
		&e.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*models.HistoryEntry, error) {
	var entries []*models.HistoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
