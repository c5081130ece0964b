package receipts

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Open connects to the receipt database named by dsn:
//
//	sqlite://:memory:
//	sqlite:///var/lib/kapsule/receipts.db
//	postgres://user@host:5432/db?sslmode=disable
//
// The caller closes the returned *sql.DB.
func Open(ctx context.Context, dsn string) (Store, *sql.DB, error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, nil, fmt.Errorf("receipts: open sqlite: %w", err)
		}
		if path == ":memory:" {
			// Each connection would otherwise see its own empty database.
			db.SetMaxOpenConns(1)
		}
		s, err := NewSQLiteStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("receipts: open postgres: %w", err)
		}
		s := NewPostgresStore(db)
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db, nil
	}
	return nil, nil, fmt.Errorf("receipts: unsupported dsn %q", dsn)
}
