package receipts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const receiptColumns = `invocation_id, kapsule_id, kapsule_type, version, cid, entry_point, status, stage, code, result, duration_ns, timestamp, attestation`

// timeLayout has a fixed-width fraction so timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore keeps receipts in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the receipts table if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("receipts: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS receipts (
		invocation_id TEXT PRIMARY KEY,
		kapsule_id TEXT NOT NULL,
		kapsule_type TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		cid TEXT NOT NULL DEFAULT '',
		entry_point TEXT NOT NULL,
		status TEXT NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		code TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		duration_ns INTEGER NOT NULL DEFAULT 0,
		timestamp TEXT NOT NULL,
		attestation TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS receipts_kapsule ON receipts (kapsule_id, timestamp);`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Store inserts r; a receipt with the same invocation id is kept as is.
func (s *SQLiteStore) Store(ctx context.Context, r *Receipt) error {
	query := `INSERT OR IGNORE INTO receipts (` + receiptColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		r.InvocationID, r.KapsuleID, r.KapsuleType, r.Version, r.CID, r.EntryPoint,
		string(r.Status), r.Stage, r.Code, r.Result, int64(r.Duration),
		r.Timestamp.UTC().Format(timeLayout), r.Attestation,
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, invocationID string) (*Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE invocation_id = ?`
	r, err := scanReceipt(s.db.QueryRowContext(ctx, query, invocationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *SQLiteStore) List(ctx context.Context, kapsuleID string, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + receiptColumns + ` FROM receipts
	WHERE (? = '' OR kapsule_id = ?)
	ORDER BY timestamp DESC, rowid DESC
	LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, kapsuleID, kapsuleID, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (s *SQLiteStore) Versions(ctx context.Context, kapsuleID string) ([]string, error) {
	query := `SELECT DISTINCT version FROM receipts
	WHERE kapsule_id = ? AND status = ? AND version != ''
	ORDER BY version`
	rows, err := s.db.QueryContext(ctx, query, kapsuleID, string(StatusOK))
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	var (
		r         Receipt
		status    string
		duration  int64
		timestamp string
	)
	err := row.Scan(&r.InvocationID, &r.KapsuleID, &r.KapsuleType, &r.Version, &r.CID, &r.EntryPoint,
		&status, &r.Stage, &r.Code, &r.Result, &duration, &timestamp, &r.Attestation)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.Duration = time.Duration(duration)
	r.Timestamp = parseTime(timestamp)
	return &r, nil
}

func collect(rows *sql.Rows) ([]*Receipt, error) {
	defer func() { _ = rows.Close() }()
	var out []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
