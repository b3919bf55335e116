package uploadqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores records as rows; Save replaces the set inside one transaction
// so a crash mid-write leaves the previous set intact.
type SQLiteBackend struct {
	db *sql.DB
}

func OpenSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_uploads (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		snapshot JSON NOT NULL,
		created_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TEXT
	);
	`
	_, err := b.db.Exec(schema)
	return err
}

func (b *SQLiteBackend) Load(ctx context.Context) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, snapshot, created_at, attempts, last_attempt_at
		FROM pending_uploads
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending uploads: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec           Record
			snapshot      []byte
			createdAt     string
			lastAttemptAt sql.NullString
		)
		if err := rows.Scan(&rec.ID, &snapshot, &createdAt, &rec.Attempts, &lastAttemptAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending upload: %w", err)
		}
		if err := json.Unmarshal(snapshot, &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("%w: record %s: %v", ErrCorruptState, rec.ID, err)
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("%w: record %s: %v", ErrCorruptState, rec.ID, err)
		}
		if lastAttemptAt.Valid {
			ts, err := time.Parse(time.RFC3339Nano, lastAttemptAt.String)
			if err != nil {
				return nil, fmt.Errorf("%w: record %s: %v", ErrCorruptState, rec.ID, err)
			}
			rec.LastAttemptAt = &ts
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Save(ctx context.Context, records []Record) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_uploads`); err != nil {
		return fmt.Errorf("failed to clear pending uploads: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pending_uploads (id, snapshot, created_at, attempts, last_attempt_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		snapshot, err := json.Marshal(rec.Snapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot %s: %w", rec.ID, err)
		}
		var lastAttemptAt sql.NullString
		if rec.LastAttemptAt != nil {
			lastAttemptAt = sql.NullString{String: rec.LastAttemptAt.UTC().Format(time.RFC3339Nano), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, rec.ID, string(snapshot), rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.Attempts, lastAttemptAt); err != nil {
			return fmt.Errorf("failed to insert pending upload %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pending uploads: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
