package receipts

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(id, version string, status Status, at time.Time) *Receipt {
	r := &Receipt{
		InvocationID: NewInvocationID(),
		KapsuleID:    id,
		KapsuleType:  "math",
		Version:      version,
		CID:          "bafkreiexample",
		EntryPoint:   "add",
		Status:       status,
		Result:       "[i32:5]",
		Duration:     3 * time.Millisecond,
		Timestamp:    at,
	}
	if status == StatusFailed {
		r.Stage, r.Code, r.Result = "invoke", "TRAP", "unreachable"
	}
	return r
}

func openSQLite(t *testing.T) Store {
	t.Helper()
	s, db, err := Open(context.Background(), "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return s
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{"sqlite": openSQLite(t), "memory": NewMemoryStore()}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			first := sample("calc", "1.0.0", StatusOK, base)
			second := sample("calc", "1.1.0", StatusFailed, base.Add(time.Second))
			other := sample("other", "", StatusOK, base.Add(2*time.Second))
			for _, r := range []*Receipt{first, second, other} {
				require.NoError(t, s.Store(ctx, r))
			}
			require.NoError(t, s.Store(ctx, first), "storing twice is a no-op")

			got, err := s.Get(ctx, second.InvocationID)
			require.NoError(t, err)
			assert.Equal(t, second, got)

			_, err = s.Get(ctx, NewInvocationID())
			assert.ErrorIs(t, err, ErrNotFound)

			all, err := s.List(ctx, "", 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, other.InvocationID, all[0].InvocationID, "newest first")

			calc, err := s.List(ctx, "calc", 1)
			require.NoError(t, err)
			require.Len(t, calc, 1)
			assert.Equal(t, second.InvocationID, calc[0].InvocationID)

			versions, err := s.Versions(ctx, "calc")
			require.NoError(t, err)
			assert.Equal(t, []string{"1.0.0"}, versions, "failed runs do not count")
		})
	}
}

func TestSQLiteStore_SubsecondOrdering(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	base := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	a := sample("calc", "", StatusOK, base.Add(100*time.Millisecond))
	b := sample("calc", "", StatusOK, base.Add(120*time.Millisecond))
	require.NoError(t, s.Store(ctx, b))
	require.NoError(t, s.Store(ctx, a))

	got, err := s.List(ctx, "calc", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b.InvocationID, got[0].InvocationID)
}

func TestVersionStore_Highest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	vs := NewVersionStore(s)

	v, err := vs.Highest(ctx, "calc")
	require.NoError(t, err)
	assert.Nil(t, v)

	now := time.Now()
	for _, r := range []*Receipt{
		sample("calc", "1.10.0", StatusOK, now),
		sample("calc", "1.9.0", StatusOK, now),
		sample("calc", "2.0.0", StatusFailed, now),
		sample("calc", "not-semver", StatusOK, now),
	} {
		require.NoError(t, s.Store(ctx, r))
	}
	v, err = vs.Highest(ctx, "calc")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", v.String())
	assert.NoError(t, vs.Record(ctx, "calc", v))
}

func TestOpen_Unsupported(t *testing.T) {
	_, _, err := Open(context.Background(), "mysql://root@db/receipts")
	assert.Error(t, err)
}

func TestPostgresStore_Store(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := sample("calc", "1.0.0", StatusOK, time.Now())
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO receipts")).
		WithArgs(r.InvocationID, "calc", "math", "1.0.0", r.CID, "add", "OK", "", "", "[i32:5]",
			int64(3*time.Millisecond), sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewPostgresStore(db).Store(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cols := strings.Split(strings.ReplaceAll(receiptColumns, " ", ""), ",")
	mock.ExpectQuery("SELECT .* FROM receipts WHERE invocation_id = \\$1").
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"inv-1", "calc", "math", "1.0.0", "bafk", "add", "FAILED", "invoke", "TIMEOUT", "deadline",
			int64(2*time.Second), at, ""))
	mock.ExpectQuery("SELECT .* FROM receipts WHERE invocation_id = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	s := NewPostgresStore(db)
	got, err := s.Get(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "TIMEOUT", got.Code)
	assert.Equal(t, 2*time.Second, got.Duration)
	assert.Equal(t, at, got.Timestamp)

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListAndVersions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cols := strings.Split(strings.ReplaceAll(receiptColumns, " ", ""), ",")
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT .* FROM receipts").
		WithArgs("calc", 10).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("b", "calc", "math", "", "", "add", "OK", "", "", "[]", int64(1), now, "").
			AddRow("a", "calc", "math", "", "", "add", "OK", "", "", "[]", int64(1), now, ""))
	mock.ExpectQuery("SELECT DISTINCT version FROM receipts").
		WithArgs("calc", "OK").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("1.0.0").AddRow("1.2.0"))

	s := NewPostgresStore(db)
	list, err := s.List(context.Background(), "calc", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].InvocationID)

	v, err := NewVersionStore(s).Highest(context.Background(), "calc")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", v.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS receipts").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, NewPostgresStore(db).Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAttestor(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	a := NewAttestor(priv)

	r := sample("calc", "1.0.0", StatusOK, time.Now())
	require.NoError(t, a.Attest(r))
	require.NotEmpty(t, r.Attestation)
	assert.Equal(t, 2, strings.Count(r.Attestation, "."))

	claims, err := VerifyAttestation(r, a.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, "calc", claims.Subject)
	assert.Equal(t, r.InvocationID, claims.ID)
	assert.Equal(t, int64(3), claims.DurationMs)

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = VerifyAttestation(r, otherPub)
	assert.Error(t, err, "wrong key")

	tampered := *r
	tampered.Result = "[i32:6]"
	_, err = VerifyAttestation(&tampered, a.PublicKey())
	assert.ErrorContains(t, err, "does not match")

	_, err = VerifyAttestation(sample("calc", "", StatusOK, time.Now()), a.PublicKey())
	assert.Error(t, err)
}
