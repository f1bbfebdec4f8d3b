package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// sqliteTime is fixed width so timestamps sort lexically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists checkpoints in a SQLite table with gzip-compressed
// state blobs. It works with any registered SQLite driver.
type SQLiteStore struct {
	db     *sql.DB
	ownsDB bool
}

// OpenSQLite opens (creating if needed) a SQLite database at path with
// the named driver and returns a store that closes it on Close. The
// caller must import the driver.
func OpenSQLite(driver, path string) (*SQLiteStore, error) {
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLiteStore creates a checkpoint store using the given database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			message_count INTEGER NOT NULL,
			byte_size INTEGER NOT NULL,
			state_gz BLOB NOT NULL,
			UNIQUE (thread_id, version)
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_created
			ON checkpoints(created_at DESC);
	`)
	return err
}

// Append stores data as the thread's next version and trims versions
// beyond KeepVersions.
func (s *SQLiteStore) Append(ctx context.Context, threadID string, data []byte, messageCount int) (*Checkpoint, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM checkpoints WHERE thread_id = ?`, threadID,
	).Scan(&current); err != nil {
		return nil, fmt.Errorf("current version: %w", err)
	}

	rec, err := newRecord(threadID, int(current.Int64)+1, data, messageCount)
	if err != nil {
		return nil, err
	}
	if err := insertRecord(ctx, tx, rec); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE thread_id = ? AND version <= ?`,
		threadID, rec.Version-KeepVersions,
	); err != nil {
		return nil, fmt.Errorf("trim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return rec.checkpoint(false)
}

// Put overwrites the latest version in place.
func (s *SQLiteStore) Put(ctx context.Context, threadID string, data []byte, messageCount int) (*Checkpoint, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM checkpoints WHERE thread_id = ?`, threadID,
	).Scan(&current); err != nil {
		return nil, fmt.Errorf("current version: %w", err)
	}
	version := int(current.Int64)
	if !current.Valid {
		version = 1
	}

	rec, err := newRecord(threadID, version, data, messageCount)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE thread_id = ? AND version = ?`, threadID, version,
	); err != nil {
		return nil, fmt.Errorf("replace: %w", err)
	}
	if err := insertRecord(ctx, tx, rec); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return rec.checkpoint(false)
}

func insertRecord(ctx context.Context, tx *sql.Tx, rec *record) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (id, thread_id, version, created_at, message_count, byte_size, state_gz)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID.String(), rec.ThreadID, rec.Version, rec.CreatedAt.Format(sqliteTime),
		rec.MessageCount, len(rec.StateGz), rec.StateGz)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

// Latest returns the newest checkpoint for the thread, including state.
func (s *SQLiteStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, version, created_at, message_count, state_gz
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY version DESC
		LIMIT 1
	`, threadID)

	var (
		rec        record
		idStr      string
		createdStr string
	)
	err := row.Scan(&idStr, &rec.ThreadID, &rec.Version, &createdStr, &rec.MessageCount, &rec.StateGz)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	rec.ID, _ = uuid.Parse(idStr)
	rec.CreatedAt, _ = time.Parse(sqliteTime, createdStr)
	return rec.checkpoint(true)
}

// Threads lists threads, most recently updated first.
func (s *SQLiteStore) Threads(ctx context.Context, limit int) ([]Thread, error) {
	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as unbounded
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.thread_id, c.version, c.message_count, c.created_at
		FROM checkpoints c
		JOIN (
			SELECT thread_id, MAX(version) AS version
			FROM checkpoints
			GROUP BY thread_id
		) latest ON latest.thread_id = c.thread_id AND latest.version = c.version
		ORDER BY c.created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		var t Thread
		var createdStr string
		if err := rows.Scan(&t.ID, &t.Version, &t.MessageCount, &createdStr); err != nil {
			return nil, err
		}
		t.UpdatedAt, _ = time.Parse(sqliteTime, createdStr)
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// Delete removes every version of a thread.
func (s *SQLiteStore) Delete(ctx context.Context, threadID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Prune removes threads whose newest checkpoint is older than olderThan.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(sqliteTime)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	const stale = `SELECT thread_id FROM checkpoints GROUP BY thread_id HAVING MAX(created_at) < ?`

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM (`+stale+`)`, cutoff).Scan(&count); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	if count == 0 {
		return 0, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id IN (`+stale+`)`, cutoff); err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return count, nil
}

// Close closes the database if the store opened it.
func (s *SQLiteStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
