package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kohakuhub/hub/internal/config"
)

// openTestDB opens a fresh in-memory SQLite database, serialized to a
// single connection so the shared in-memory store is visible across
// every statement the test issues (mattn/go-sqlite3's ":memory:" DSN is
// otherwise per-connection).
func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(context.Background(), config.App{
		DBBackend:   "sqlite",
		DatabaseURL: "file::memory:?cache=shared",
	})
	require.NoError(t, err)
	d.SetMaxOpenConns(1)
	require.NoError(t, d.Migrate(context.Background()))
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestRebindSQLitePassesPlaceholdersThrough(t *testing.T) {
	d := &DB{Backend: "sqlite"}
	query := "SELECT * FROM repository WHERE namespace = ? AND name = ?"
	if got := d.Rebind(query); got != query {
		t.Fatalf("Rebind(sqlite) = %q, want unchanged %q", got, query)
	}
}

func TestRebindPostgresNumbersPlaceholders(t *testing.T) {
	d := &DB{Backend: "postgres"}
	got := d.Rebind("SELECT * FROM repository WHERE namespace = ? AND name = ?")
	want := "SELECT * FROM repository WHERE namespace = $1 AND name = $2"
	if got != want {
		t.Fatalf("Rebind(postgres) = %q, want %q", got, want)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, d.Migrate(context.Background()))
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, d.Rebind(`INSERT INTO organization (name, created_at) VALUES (?, ?)`), "acme", "2026-01-01T00:00:00Z")
		return execErr
	})
	require.NoError(t, err)

	org, err := d.GetOrganizationByName(ctx, "acme")
	require.NoError(t, err)
	assert.NotNil(t, org)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		if _, execErr := tx.ExecContext(ctx, d.Rebind(`INSERT INTO organization (name, created_at) VALUES (?, ?)`), "rolled-back", "2026-01-01T00:00:00Z"); execErr != nil {
			return execErr
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	org, err := d.GetOrganizationByName(ctx, "rolled-back")
	require.NoError(t, err)
	assert.Nil(t, org)
}
