package migration

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// History is the append-only step/event log, kept separate from the job
// records so it can grow and be pruned independently.
type History struct {
	db *sql.DB
}

// Event is one recorded job transition or step log line.
type Event struct {
	JobID   string    `json:"job_id"`
	Status  Status    `json:"status"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

func OpenHistory(stateDir string) (*History, error) {
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return nil, err
	}
	path := filepath.Join(stateDir, "history.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS job_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	status TEXT NOT NULL,
	message TEXT NOT NULL,
	at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id);
CREATE INDEX IF NOT EXISTS idx_job_events_at ON job_events(at);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &History{db: db}, nil
}

func (h *History) Append(jobID string, status Status, message string) error {
	_, err := h.db.Exec(
		`INSERT INTO job_events (job_id, status, message, at) VALUES (?, ?, ?, ?)`,
		jobID, string(status), message, time.Now().UnixMilli(),
	)
	return err
}

// Events returns a job's history oldest first.
func (h *History) Events(jobID string) ([]Event, error) {
	rows, err := h.db.Query(
		`SELECT job_id, status, message, at FROM job_events WHERE job_id = ? ORDER BY id`,
		jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var at int64
		if err := rows.Scan(&e.JobID, (*string)(&e.Status), &e.Message, &at); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune drops events older than the retention window.
func (h *History) Prune(olderThan time.Duration) (int64, error) {
	res, err := h.db.Exec(`DELETE FROM job_events WHERE at < ?`,
		time.Now().Add(-olderThan).UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (h *History) Close() error {
	return h.db.Close()
}
