package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kohakuhub/hub/internal/models"
)

// GetDownloadSession looks up the dedup row for (repo, session, bucket).
func (d *DB) GetDownloadSession(ctx context.Context, repoID int64, sessionID string, timeBucket int64) (*models.DownloadSession, error) {
	row := d.QueryRow(ctx, `SELECT id, repository_id, session_id, time_bucket, file_count, first_file_path,
		first_download_at, last_download_at, user_id
		FROM downloadsession WHERE repository_id = ? AND session_id = ? AND time_bucket = ?`, repoID, sessionID, timeBucket)
	var s models.DownloadSession
	var userID sql.NullInt64
	if err := row.Scan(&s.ID, &s.RepositoryID, &s.SessionID, &s.TimeBucket, &s.FileCount, &s.FirstFilePath,
		&s.FirstDownloadAt, &s.LastDownloadAt, &userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get download session: %w", err)
	}
	if userID.Valid {
		v := userID.Int64
		s.UserID = &v
	}
	return &s, nil
}

// IncrementDownloadSessionFiles bumps file_count and last_download_at for
// an existing session row.
func (d *DB) IncrementDownloadSessionFiles(ctx context.Context, id int64) error {
	_, err := d.Exec(ctx, `UPDATE downloadsession SET file_count = file_count + 1, last_download_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	return err
}

// IncrementTodayTotalFiles bumps the real-time total_files counter for
// today's DailyRepoStats row.
func (d *DB) IncrementTodayTotalFiles(ctx context.Context, repoID int64, today time.Time) error {
	_, err := d.Exec(ctx, `UPDATE dailyrepostats SET total_files = total_files + 1 WHERE repository_id = ? AND date = ?`,
		repoID, today)
	return err
}

// CreateDownloadSessionAndUpsertDailyStats performs the new-session
// transaction: insert the session row, increment Repository.downloads,
// and upsert today's DailyRepoStats row — mirroring the Python
// implementation's single db.atomic() block exactly.
func (d *DB) CreateDownloadSessionAndUpsertDailyStats(ctx context.Context, repoID int64, sessionID string, timeBucket int64, firstPath string, userID *int64, today time.Time) error {
	return d.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, d.Rebind(`
			INSERT INTO downloadsession (repository_id, session_id, time_bucket, file_count, first_file_path, first_download_at, last_download_at, user_id)
			VALUES (?, ?, ?, 1, ?, ?, ?, ?)
		`), repoID, sessionID, timeBucket, firstPath, now, now, userID); err != nil {
			return fmt.Errorf("insert download session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, d.Rebind(`UPDATE repository SET downloads = downloads + 1 WHERE id = ?`), repoID); err != nil {
			return fmt.Errorf("increment downloads: %w", err)
		}

		authInc, anonInc := 0, 1
		if userID != nil {
			authInc, anonInc = 1, 0
		}
		res, err := tx.ExecContext(ctx, d.Rebind(`
			UPDATE dailyrepostats SET download_sessions = download_sessions + 1,
				authenticated_downloads = authenticated_downloads + ?,
				anonymous_downloads = anonymous_downloads + ?,
				total_files = total_files + 1
			WHERE repository_id = ? AND date = ?
		`), authInc, anonInc, repoID, today)
		if err != nil {
			return fmt.Errorf("update daily stats: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := tx.ExecContext(ctx, d.Rebind(`
				INSERT INTO dailyrepostats (repository_id, date, download_sessions, authenticated_downloads, anonymous_downloads, total_files)
				VALUES (?, ?, 1, ?, ?, 1)
			`), repoID, today, authInc, anonInc); err != nil {
				return fmt.Errorf("insert daily stats: %w", err)
			}
		}
		return nil
	})
}

// CountRepositorySessions reports the total DownloadSession row count for
// a repository, used to decide whether cleanup should trigger.
func (d *DB) CountRepositorySessions(ctx context.Context, repoID int64) (int64, error) {
	row := d.QueryRow(ctx, `SELECT COUNT(*) FROM downloadsession WHERE repository_id = ?`, repoID)
	var n int64
	err := row.Scan(&n)
	return n, err
}

// LatestDailyStatDate returns the most recent DailyRepoStats.date for a
// repository, or the zero time if none exist.
func (d *DB) LatestDailyStatDate(ctx context.Context, repoID int64) (time.Time, bool, error) {
	row := d.QueryRow(ctx, `SELECT date FROM dailyrepostats WHERE repository_id = ? ORDER BY date DESC LIMIT 1`, repoID)
	var t time.Time
	if err := row.Scan(&t); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return t, true, nil
}

// SessionsInRange returns DownloadSession rows whose first_download_at
// falls within [start, end] (inclusive), ordered by first_download_at.
func (d *DB) SessionsInRange(ctx context.Context, repoID int64, start *time.Time, end time.Time) ([]*models.DownloadSession, error) {
	query := `SELECT id, repository_id, session_id, time_bucket, file_count, first_file_path,
		first_download_at, last_download_at, user_id FROM downloadsession WHERE repository_id = ?`
	args := []interface{}{repoID}
	if start != nil {
		query += ` AND first_download_at >= ?`
		args = append(args, *start)
	}
	query += ` AND first_download_at <= ? ORDER BY first_download_at`
	args = append(args, end)

	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.DownloadSession
	for rows.Next() {
		var s models.DownloadSession
		var userID sql.NullInt64
		if err := rows.Scan(&s.ID, &s.RepositoryID, &s.SessionID, &s.TimeBucket, &s.FileCount, &s.FirstFilePath,
			&s.FirstDownloadAt, &s.LastDownloadAt, &userID); err != nil {
			return nil, err
		}
		if userID.Valid {
			v := userID.Int64
			s.UserID = &v
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// UpsertDailyStat writes an absolute (not incremental) daily stats row,
// used by the historical rollup which recomputes each day from scratch.
func (d *DB) UpsertDailyStat(ctx context.Context, repoID int64, date time.Time, sessions, auth, anon, files int64) error {
	res, err := d.Exec(ctx, `UPDATE dailyrepostats SET download_sessions = ?, authenticated_downloads = ?,
		anonymous_downloads = ?, total_files = ? WHERE repository_id = ? AND date = ?`,
		sessions, auth, anon, files, repoID, date)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = d.Exec(ctx, `INSERT INTO dailyrepostats (repository_id, date, download_sessions, authenticated_downloads, anonymous_downloads, total_files)
		VALUES (?, ?, ?, ?, ?, ?)`, repoID, date, sessions, auth, anon, files)
	return err
}

// DeleteSessionsOlderThan removes sessions whose first_download_at
// predates cutoff, called only after the historical rollup has absorbed them.
func (d *DB) DeleteSessionsOlderThan(ctx context.Context, repoID int64, cutoff time.Time) (int64, error) {
	res, err := d.Exec(ctx, `DELETE FROM downloadsession WHERE repository_id = ? AND first_download_at < ?`, repoID, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
