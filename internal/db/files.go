package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kohakuhub/hub/internal/models"
)

// GetFile fetches a non-deleted File row by (repository, path).
func (d *DB) GetFile(ctx context.Context, repoID int64, path string) (*models.File, error) {
	row := d.QueryRow(ctx, `SELECT id, repository_id, path_in_repo, size, checksum, lfs, is_deleted, updated_at
		FROM file WHERE repository_id = ? AND path_in_repo = ? AND is_deleted = FALSE`, repoID, path)
	var f models.File
	if err := row.Scan(&f.ID, &f.RepositoryID, &f.Path, &f.Size, &f.Checksum, &f.LFS, &f.IsDeleted, &f.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get file: %w", err)
	}
	return &f, nil
}

// GetFileBySHA256 finds any non-deleted LFS File, in any repository,
// whose checksum matches, used for the LFS-batch global dedup checks.
func (d *DB) GetFileBySHA256(ctx context.Context, sha256 string) (*models.File, error) {
	row := d.QueryRow(ctx, `SELECT id, repository_id, path_in_repo, size, checksum, lfs, is_deleted, updated_at
		FROM file WHERE checksum = ? AND lfs = TRUE AND is_deleted = FALSE LIMIT 1`, sha256)
	var f models.File
	if err := row.Scan(&f.ID, &f.RepositoryID, &f.Path, &f.Size, &f.Checksum, &f.LFS, &f.IsDeleted, &f.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get file by sha256: %w", err)
	}
	return &f, nil
}

// UpsertFile inserts or replaces the File row for (repository, path)
// within an existing transaction, as used by commit promotion.
func (d *DB) UpsertFile(ctx context.Context, tx *sql.Tx, f *models.File) error {
	f.UpdatedAt = time.Now().UTC()
	_, err := tx.ExecContext(ctx, d.Rebind(`
		INSERT INTO file (repository_id, path_in_repo, size, checksum, lfs, is_deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, FALSE, ?)
	`), f.RepositoryID, f.Path, f.Size, f.Checksum, f.LFS, f.UpdatedAt)
	if err == nil {
		return nil
	}
	// Unique (repository_id, path_in_repo) violated: fall back to update.
	_, uerr := tx.ExecContext(ctx, d.Rebind(`
		UPDATE file SET size = ?, checksum = ?, lfs = ?, is_deleted = FALSE, updated_at = ?
		WHERE repository_id = ? AND path_in_repo = ?
	`), f.Size, f.Checksum, f.LFS, f.UpdatedAt, f.RepositoryID, f.Path)
	if uerr != nil {
		return fmt.Errorf("upsert file: insert failed (%v), update failed: %w", err, uerr)
	}
	return nil
}

// MarkFileDeleted soft-deletes a File row.
func (d *DB) MarkFileDeleted(ctx context.Context, tx *sql.Tx, repoID int64, path string) error {
	_, err := tx.ExecContext(ctx, d.Rebind(`UPDATE file SET is_deleted = TRUE, updated_at = ? WHERE repository_id = ? AND path_in_repo = ?`),
		time.Now().UTC(), repoID, path)
	return err
}

// ListFiles lists non-deleted files in a repository, used for usage
// accounting when recalculating storage for the current branch.
func (d *DB) ListFiles(ctx context.Context, repoID int64) ([]*models.File, error) {
	rows, err := d.Query(ctx, `SELECT id, repository_id, path_in_repo, size, checksum, lfs, is_deleted, updated_at
		FROM file WHERE repository_id = ? AND is_deleted = FALSE`, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.File
	for rows.Next() {
		var f models.File
		if err := rows.Scan(&f.ID, &f.RepositoryID, &f.Path, &f.Size, &f.Checksum, &f.LFS, &f.IsDeleted, &f.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// InsertLFSObjectHistory appends a history row linking a commit to an LFS blob.
func (d *DB) InsertLFSObjectHistory(ctx context.Context, tx *sql.Tx, h *models.LFSObjectHistory) error {
	h.CreatedAt = time.Now().UTC()
	_, err := tx.ExecContext(ctx, d.Rebind(`
		INSERT INTO lfsobjecthistory (repository_id, path_in_repo, sha256, size, commit_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), h.RepositoryID, h.Path, h.SHA256, h.Size, h.CommitID, h.CreatedAt)
	return err
}

// SumLFSHistoryBytes returns the sum of all LFS history row sizes for a
// repository (not deduplicated) and the sum deduplicated by sha256+size,
// per the quota engine's "total" vs. "unique" accounting.
func (d *DB) SumLFSHistoryBytes(ctx context.Context, repoID int64) (total int64, unique int64, err error) {
	row := d.QueryRow(ctx, `SELECT COALESCE(SUM(size), 0) FROM lfsobjecthistory WHERE repository_id = ?`, repoID)
	if err = row.Scan(&total); err != nil {
		return 0, 0, fmt.Errorf("sum lfs history total: %w", err)
	}
	row = d.QueryRow(ctx, `SELECT COALESCE(SUM(size), 0) FROM (
		SELECT DISTINCT sha256, size FROM lfsobjecthistory WHERE repository_id = ?
	) u`, repoID)
	if err = row.Scan(&unique); err != nil {
		return 0, 0, fmt.Errorf("sum lfs history unique: %w", err)
	}
	return total, unique, nil
}

// InsertStagingUpload records (or overwrites by natural key) an in-flight upload.
func (d *DB) InsertStagingUpload(ctx context.Context, s *models.StagingUpload) error {
	s.CreatedAt = time.Now().UTC()
	_, err := d.Exec(ctx, `
		INSERT INTO stagingupload (repository_id, branch, path_in_repo, sha256, size, storage_key, lfs, multipart_id, uploader_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.RepositoryID, s.Branch, s.Path, s.SHA256, s.Size, s.StorageKey, s.LFS, s.MultipartID, s.UploaderID, s.CreatedAt)
	if err == nil {
		return nil
	}
	_, err = d.Exec(ctx, `
		UPDATE stagingupload SET sha256 = ?, size = ?, storage_key = ?, lfs = ?, multipart_id = ?, uploader_id = ?, created_at = ?
		WHERE repository_id = ? AND branch = ? AND path_in_repo = ?
	`, s.SHA256, s.Size, s.StorageKey, s.LFS, s.MultipartID, s.UploaderID, s.CreatedAt, s.RepositoryID, s.Branch, s.Path)
	return err
}

// DeleteStagingUpload removes a staging row on promotion or abort.
func (d *DB) DeleteStagingUpload(ctx context.Context, repoID int64, branch, path string) error {
	_, err := d.Exec(ctx, `DELETE FROM stagingupload WHERE repository_id = ? AND branch = ? AND path_in_repo = ?`, repoID, branch, path)
	return err
}

// InsertCommit records a Commit row bound to the authoring principal,
// within an existing transaction.
func (d *DB) InsertCommit(ctx context.Context, tx *sql.Tx, c *models.Commit) error {
	c.CreatedAt = time.Now().UTC()
	_, err := tx.ExecContext(ctx, d.Rebind(`
		INSERT INTO "commit" (commit_id, repository_id, branch, author_id, author_username, message, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), c.CommitID, c.RepositoryID, c.Branch, c.AuthorID, c.AuthorUsername, c.Message, c.Description, c.CreatedAt)
	return err
}

// InsertCommitStandalone records a Commit row outside of any
// transaction, used after the store commit (issued last, once the
// promotion's own DB transaction has already closed).
func (d *DB) InsertCommitStandalone(ctx context.Context, c *models.Commit) error {
	c.CreatedAt = time.Now().UTC()
	_, err := d.Exec(ctx, `
		INSERT INTO "commit" (commit_id, repository_id, branch, author_id, author_username, message, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.CommitID, c.RepositoryID, c.Branch, c.AuthorID, c.AuthorUsername, c.Message, c.Description, c.CreatedAt)
	return err
}
