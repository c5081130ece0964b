package receipts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore keeps receipts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the receipts table if needed.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS receipts (
		invocation_id UUID PRIMARY KEY,
		kapsule_id TEXT NOT NULL,
		kapsule_type TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		cid TEXT NOT NULL DEFAULT '',
		entry_point TEXT NOT NULL,
		status TEXT NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		code TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		duration_ns BIGINT NOT NULL DEFAULT 0,
		timestamp TIMESTAMPTZ NOT NULL,
		attestation TEXT NOT NULL DEFAULT ''
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("receipts: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Store(ctx context.Context, r *Receipt) error {
	query := `
		INSERT INTO receipts (` + receiptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (invocation_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		r.InvocationID, r.KapsuleID, r.KapsuleType, r.Version, r.CID, r.EntryPoint,
		string(r.Status), r.Stage, r.Code, r.Result, int64(r.Duration),
		r.Timestamp.UTC(), r.Attestation,
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, invocationID string) (*Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE invocation_id = $1`
	r, err := scanPGReceipt(s.db.QueryRowContext(ctx, query, invocationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) List(ctx context.Context, kapsuleID string, limit int) ([]*Receipt, error) {
	query := `
		SELECT ` + receiptColumns + `
		FROM receipts
		WHERE ($1 = '' OR kapsule_id = $1)
		ORDER BY timestamp DESC
		LIMIT $2
	`
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.QueryContext(ctx, query, kapsuleID, lim)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Receipt
	for rows.Next() {
		r, err := scanPGReceipt(rows)
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

func (s *PostgresStore) Versions(ctx context.Context, kapsuleID string) ([]string, error) {
	query := `
		SELECT DISTINCT version FROM receipts
		WHERE kapsule_id = $1 AND status = $2 AND version <> ''
		ORDER BY version
	`
	rows, err := s.db.QueryContext(ctx, query, kapsuleID, string(StatusOK))
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

func scanPGReceipt(row rowScanner) (*Receipt, error) {
	var (
		r        Receipt
		status   string
		duration int64
	)
	err := row.Scan(&r.InvocationID, &r.KapsuleID, &r.KapsuleType, &r.Version, &r.CID, &r.EntryPoint,
		&status, &r.Stage, &r.Code, &r.Result, &duration, &r.Timestamp, &r.Attestation)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.Duration = time.Duration(duration)
	return &r, nil
}
