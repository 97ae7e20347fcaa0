// Package audit persists a write-only record of every pipeline event to
// SQLite. It is a journal, not a store: there is deliberately no query or
// resume path back out of it. A run that crashes starts over from the
// planning stage rather than trying to replay state out of the journal.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kugutsu/pipeline/internal/events"
)

// Journal appends one row per event delivered to it. Safe for concurrent
// Record calls: the underlying *sql.DB serializes writers on its own.
type Journal struct {
	db *sql.DB
}

// Open creates (or appends to) a SQLite journal at path. Parent directories
// are created as needed.
func Open(ctx context.Context, path string) (*Journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	j := &Journal{db: db}
	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing journal schema: %w", err)
	}
	return j, nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS pipeline_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		occurred_at DATETIME NOT NULL,
		payload TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pipeline_events_task_id ON pipeline_events(task_id);
	`
	_, err := j.db.ExecContext(ctx, schema)
	return err
}

// Record appends one event row. The payload is a best-effort JSON rendering
// of the event; marshal failures are recorded with the error message rather
// than dropping the row, since the journal's job is to never lose a beat.
func (j *Journal) Record(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO pipeline_events (task_id, kind, occurred_at, payload)
		VALUES (?, ?, ?, ?)
	`, ev.TaskID(), string(ev.Kind()), ev.OccurredAt(), string(payload))
	if err != nil {
		return fmt.Errorf("recording event %s(%s): %w", ev.Kind(), ev.TaskID(), err)
	}
	return nil
}

// Subscribe wires j to record every event the bus delivers. The returned
// Registration can be used to stop journaling (e.g. on shutdown) but the
// journal itself is never read back from within the process.
func (j *Journal) Subscribe(bus *events.Bus) *events.Registration {
	return bus.SubscribeAll(func(ev events.Event) {
		if err := j.Record(context.Background(), ev); err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: audit journal: %v\n", err)
		}
	})
}

// Close closes the underlying database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
