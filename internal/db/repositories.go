package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kohakuhub/hub/internal/models"
)

func scanRepository(row interface {
	Scan(dest ...interface{}) error
}) (*models.Repository, error) {
	var r models.Repository
	var ownerKind string
	var lfsThreshold, lfsKeep, quotaBytes sql.NullInt64
	var suffixRules sql.NullString
	if err := row.Scan(&r.ID, &r.Type, &r.Namespace, &r.Name, &r.Private, &ownerKind, &r.OwnerPrincipal.ID,
		&lfsThreshold, &lfsKeep, &suffixRules, &quotaBytes, &r.UsedBytes, &r.Downloads, &r.LikesCount, &r.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan repository: %w", err)
	}
	r.OwnerPrincipal.Kind = models.PrincipalKind(ownerKind)
	if lfsThreshold.Valid {
		v := lfsThreshold.Int64
		r.LFSThreshold = &v
	}
	if lfsKeep.Valid {
		v := int(lfsKeep.Int64)
		r.LFSKeepVersions = &v
	}
	if quotaBytes.Valid {
		v := quotaBytes.Int64
		r.QuotaBytes = &v
	}
	if suffixRules.Valid && suffixRules.String != "" {
		_ = json.Unmarshal([]byte(suffixRules.String), &r.LFSSuffixRules)
	}
	return &r, nil
}

const repoColumns = `id, repo_type, namespace, name, private, owner_kind, owner_id,
	lfs_threshold_bytes, lfs_keep_versions, lfs_suffix_rules, quota_bytes, used_bytes,
	downloads, likes_count, created_at`

// GetRepository fetches a repository by its natural key.
func (d *DB) GetRepository(ctx context.Context, repoType models.RepoType, namespace, name string) (*models.Repository, error) {
	row := d.QueryRow(ctx, `SELECT `+repoColumns+` FROM repository
		WHERE repo_type = ? AND namespace = ? AND name = ?`, string(repoType), namespace, name)
	return scanRepository(row)
}

// GetRepositoryAnyType tries all three repo types, mirroring the Git
// Smart HTTP endpoints whose URL does not disambiguate the repo type.
func (d *DB) GetRepositoryAnyType(ctx context.Context, namespace, name string) (*models.Repository, error) {
	for _, t := range []models.RepoType{models.RepoTypeModel, models.RepoTypeDataset, models.RepoTypeSpace} {
		r, err := d.GetRepository(ctx, t, namespace, name)
		if err != nil {
			return nil, err
		}
		if r != nil {
			return r, nil
		}
	}
	return nil, nil
}

// InsertRepository creates the repository row.
func (d *DB) InsertRepository(ctx context.Context, r *models.Repository) (int64, error) {
	suffixJSON := "[]"
	if len(r.LFSSuffixRules) > 0 {
		b, _ := json.Marshal(r.LFSSuffixRules)
		suffixJSON = string(b)
	}
	r.CreatedAt = time.Now().UTC()
	res, err := d.Exec(ctx, `INSERT INTO repository (repo_type, namespace, name, private, owner_kind, owner_id,
		lfs_threshold_bytes, lfs_keep_versions, lfs_suffix_rules, quota_bytes, used_bytes, downloads, likes_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?)`,
		string(r.Type), r.Namespace, r.Name, r.Private, string(r.OwnerPrincipal.Kind), r.OwnerPrincipal.ID,
		r.LFSThreshold, r.LFSKeepVersions, suffixJSON, r.QuotaBytes, r.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert repository: %w", err)
	}
	return res.LastInsertId()
}

// DeleteRepositoryCascade removes a repository and every row that the
// spec's ownership summary says cascades off it, inside one transaction.
func (d *DB) DeleteRepositoryCascade(ctx context.Context, repoID int64) error {
	return d.WithTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM file WHERE repository_id = ?`,
			`DELETE FROM stagingupload WHERE repository_id = ?`,
			`DELETE FROM "commit" WHERE repository_id = ?`,
			`DELETE FROM lfsobjecthistory WHERE repository_id = ?`,
			`DELETE FROM repositorylike WHERE repository_id = ?`,
			`DELETE FROM downloadsession WHERE repository_id = ?`,
			`DELETE FROM dailyrepostats WHERE repository_id = ?`,
			`DELETE FROM repository WHERE id = ?`,
		}
		for _, s := range stmts {
			if _, err := tx.ExecContext(ctx, d.Rebind(s), repoID); err != nil {
				return fmt.Errorf("cascade delete (%s): %w", s, err)
			}
		}
		return nil
	})
}

// RenameRepository updates the namespace/name of a repository row.
func (d *DB) RenameRepository(ctx context.Context, repoID int64, newNamespace, newName string) error {
	_, err := d.Exec(ctx, `UPDATE repository SET namespace = ?, name = ? WHERE id = ?`, newNamespace, newName, repoID)
	return err
}

// ListRepositoriesVisibleTo lists repositories of repoType visible to the
// given viewer: public repos, plus the viewer's own, plus repos owned by
// orgs the viewer belongs to. A nil viewer sees only public repos.
func (d *DB) ListRepositoriesVisibleTo(ctx context.Context, repoType models.RepoType, viewerUserID *int64, limit int) ([]*models.Repository, error) {
	query := `SELECT ` + repoColumns + ` FROM repository WHERE repo_type = ? AND (private = FALSE`
	args := []interface{}{string(repoType)}
	if viewerUserID != nil {
		query += ` OR (owner_kind = 'user' AND owner_id = ?)
			OR (owner_kind = 'organization' AND owner_id IN (SELECT org_id FROM membership WHERE user_id = ?))`
		args = append(args, *viewerUserID, *viewerUserID)
	}
	query += `) ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var out []*models.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddRepositoryUsedBytes applies a signed delta to the repository's used-bytes
// counter, clamping at zero as the quota engine requires.
func (d *DB) AddRepositoryUsedBytes(ctx context.Context, repoID, delta int64) error {
	_, err := d.Exec(ctx, `UPDATE repository SET used_bytes = MAX(0, used_bytes + ?) WHERE id = ?`, delta, repoID)
	return err
}

// IncrementDownloads bumps the repository's denormalized download counter.
func (d *DB) IncrementDownloads(ctx context.Context, repoID int64) error {
	_, err := d.Exec(ctx, `UPDATE repository SET downloads = downloads + 1 WHERE id = ?`, repoID)
	return err
}

// IncrementLikes applies a signed delta (+1/-1) to the likes counter.
func (d *DB) IncrementLikes(ctx context.Context, tx *sql.Tx, repoID int64, delta int) error {
	_, err := tx.ExecContext(ctx, d.Rebind(`UPDATE repository SET likes_count = likes_count + ? WHERE id = ?`), delta, repoID)
	return err
}

// NamespaceRepositoryIDs lists repository ids owned by a namespace,
// split by privacy, used by quota recalculation.
func (d *DB) NamespaceRepositoryIDs(ctx context.Context, ownerKind models.PrincipalKind, ownerID int64, private bool) ([]int64, error) {
	rows, err := d.Query(ctx, `SELECT id FROM repository WHERE owner_kind = ? AND owner_id = ? AND private = ?`,
		string(ownerKind), ownerID, private)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ParseSuffixRules is a small helper shared by the registry package to
// parse the JSON-encoded suffix rule override stored on a repository.
func ParseSuffixRules(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
