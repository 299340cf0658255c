package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// HasLiked reports whether a user already likes a repository.
func (d *DB) HasLiked(ctx context.Context, repoID, userID int64) (bool, error) {
	row := d.QueryRow(ctx, `SELECT 1 FROM repositorylike WHERE repository_id = ? AND user_id = ?`, repoID, userID)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Like atomically inserts a RepositoryLike row and increments the
// repository's denormalized likes_count, or returns an error if the
// caller already liked the repo (unique constraint violation).
func (d *DB) Like(ctx context.Context, repoID, userID int64) error {
	return d.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, d.Rebind(`INSERT INTO repositorylike (repository_id, user_id, created_at) VALUES (?, ?, ?)`),
			repoID, userID, time.Now().UTC()); err != nil {
			return fmt.Errorf("insert like: %w", err)
		}
		return d.IncrementLikes(ctx, tx, repoID, 1)
	})
}

// Unlike atomically deletes the like row and decrements the counter, or
// returns a "not liked" error if the caller had no like on the repo.
func (d *DB) Unlike(ctx context.Context, repoID, userID int64) error {
	return d.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, d.Rebind(`DELETE FROM repositorylike WHERE repository_id = ? AND user_id = ?`), repoID, userID)
		if err != nil {
			return fmt.Errorf("delete like: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("not liked")
		}
		return d.IncrementLikes(ctx, tx, repoID, -1)
	})
}

// ListLikers returns the user ids who like a repository.
func (d *DB) ListLikers(ctx context.Context, repoID int64) ([]int64, error) {
	rows, err := d.Query(ctx, `SELECT user_id FROM repositorylike WHERE repository_id = ? ORDER BY created_at`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
