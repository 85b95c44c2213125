// Package queue provides the durable local store for pending mutations.
//
// The store is an embedded SQLite database in WAL mode, shared between the
// foreground CLI process and the background sync daemon. Its contents at
// any instant are exactly the operations not yet confirmed by the server:
// records are inserted by Enqueue, read back in insertion order by ListAll,
// and removed only by ClearBatch after a confirmed batch flush. The clear
// is scoped to the flushed batch, so a record enqueued by another process
// while the batch was on the wire is never dropped unsent.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/regdesk/regsync/internal/record"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrStorageUnavailable indicates that local persistence failed and the
// operation was NOT queued. Callers must surface this to the user rather
// than drop the action silently.
var ErrStorageUnavailable = errors.New("queue storage unavailable")

// Store wraps the SQLite connection holding pending mutation records.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the queue database at the specified path.
//
// The database is opened in WAL mode with a busy timeout so that the CLI
// and the daemon can use it concurrently. The caller MUST call Close()
// when done.
//
// Example:
//
//	store, err := queue.Open(filepath.Join(stateDir, "queue.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create state directory: %v", ErrStorageUnavailable, err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrStorageUnavailable, err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", ErrStorageUnavailable, err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	// WAL allows the daemon to list while the CLI enqueues.
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: failed to enable WAL mode: %v", ErrStorageUnavailable, err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: failed to set busy timeout: %v", ErrStorageUnavailable, err)
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection after a WAL checkpoint.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close queue store: %w", err)
	}

	s.conn = nil
	return nil
}

// Path returns the on-disk location of the store.
func (s *Store) Path() string {
	return s.path
}

// initSchema creates the pending table if it doesn't exist. Idempotent.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		kind       TEXT NOT NULL,
		owner_id   TEXT NOT NULL,
		payload    TEXT NOT NULL,  -- full record JSON
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_owner ON pending(owner_id);
	`

	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("%w: failed to initialize schema: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Enqueue durably persists a mutation record.
//
// The record is committed to disk before Enqueue returns, so it survives
// an immediate crash. A persistence failure (quota, locked volume, ...)
// is reported as ErrStorageUnavailable and the record is NOT queued.
func (s *Store) Enqueue(ctx context.Context, rec *record.Record) error {
	payload, err := rec.Marshal()
	if err != nil {
		return fmt.Errorf("cannot enqueue: %w", err)
	}

	query := `
	INSERT INTO pending (id, kind, owner_id, payload, created_at)
	VALUES (?, ?, ?, ?, ?)
	`

	_, err = s.conn.ExecContext(ctx, query,
		rec.ID,
		string(rec.Kind),
		rec.OwnerID,
		string(payload),
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to enqueue record %s: %v", ErrStorageUnavailable, rec.ID, err)
	}

	return nil
}

// ListAll returns every pending record in insertion order.
func (s *Store) ListAll(ctx context.Context) ([]*record.Record, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT payload FROM pending ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list pending records: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var records []*record.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("%w: failed to scan record: %v", ErrStorageUnavailable, err)
		}

		rec, err := record.Unmarshal([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("corrupt record in queue: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating records: %v", ErrStorageUnavailable, err)
	}

	return records, nil
}

// ClearBatch removes the given records in one atomic statement.
//
// Only the flushing context calls this, and only after the server has
// acknowledged the whole batch. Records not in the batch — enqueued
// while it was in flight — are untouched.
func (s *Store) ClearBatch(ctx context.Context, records []*record.Record) error {
	if len(records) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(records)), ",")
	args := make([]any, len(records))
	for i, rec := range records {
		args[i] = rec.ID
	}

	query := `DELETE FROM pending WHERE id IN (` + placeholders + `)`
	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: failed to clear flushed batch: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Count returns the number of pending records, for queue indicators.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count pending records: %v", ErrStorageUnavailable, err)
	}
	return count, nil
}
