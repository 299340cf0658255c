package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kohakuhub/hub/internal/models"
)

func scanQuota(limit sql.NullInt64, used int64) models.Quota {
	q := models.Quota{UsedBytes: used}
	if limit.Valid {
		v := limit.Int64
		q.LimitBytes = &v
	}
	return q
}

// GetUserByUsername fetches a user by case-folded username.
func (d *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	row := d.QueryRow(ctx, `SELECT id, username, email, password_hash, email_verified, active,
		private_quota_bytes, private_used_bytes, public_quota_bytes, public_used_bytes, created_at
		FROM "user" WHERE username = ?`, username)
	var u models.User
	var privLimit, pubLimit sql.NullInt64
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.EmailVerified, &u.Active,
		&privLimit, &u.PrivateQuota.UsedBytes, &pubLimit, &u.PublicQuota.UsedBytes, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get user %q: %w", username, err)
	}
	u.PrivateQuota = scanQuota(privLimit, u.PrivateQuota.UsedBytes)
	u.PublicQuota = scanQuota(pubLimit, u.PublicQuota.UsedBytes)
	return &u, nil
}

// ListNamespaceNames returns every username (isOrg false) or organization
// name (isOrg true), for the recalc-quota CLI sweep.
func (d *DB) ListNamespaceNames(ctx context.Context, isOrg bool) ([]string, error) {
	table, column := `"user"`, "username"
	if isOrg {
		table, column = "organization", "name"
	}
	rows, err := d.Query(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY id ASC`, column, table))
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// GetOrganizationByName fetches an organization by case-folded name.
func (d *DB) GetOrganizationByName(ctx context.Context, name string) (*models.Organization, error) {
	row := d.QueryRow(ctx, `SELECT id, name, description, private_quota_bytes, private_used_bytes,
		public_quota_bytes, public_used_bytes, created_at FROM organization WHERE name = ?`, name)
	var o models.Organization
	var privLimit, pubLimit sql.NullInt64
	if err := row.Scan(&o.ID, &o.Name, &o.Description, &privLimit, &o.PrivateQuota.UsedBytes,
		&pubLimit, &o.PublicQuota.UsedBytes, &o.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get org %q: %w", name, err)
	}
	o.PrivateQuota = scanQuota(privLimit, o.PrivateQuota.UsedBytes)
	o.PublicQuota = scanQuota(pubLimit, o.PublicQuota.UsedBytes)
	return &o, nil
}

// GetMembership returns the membership role a user holds in an org, if any.
func (d *DB) GetMembership(ctx context.Context, userID, orgID int64) (models.MembershipRole, bool, error) {
	row := d.QueryRow(ctx, `SELECT role FROM membership WHERE user_id = ? AND org_id = ?`, userID, orgID)
	var role string
	if err := row.Scan(&role); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get membership: %w", err)
	}
	return models.MembershipRole(role), true, nil
}

// GetSession resolves a session cookie id to its principal. The row is
// returned whether or not it has expired; ExpiresAt is left for the caller.
func (d *DB) GetSession(ctx context.Context, sessionID string) (*models.Session, models.PrincipalKind, error) {
	row := d.QueryRow(ctx, `SELECT id, principal_kind, principal_id, expires_at, created_at
		FROM session WHERE id = ?`, sessionID)
	var s models.Session
	var kind string
	if err := row.Scan(&s.ID, &kind, &s.PrincipalID, &s.ExpiresAt, &s.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("get session: %w", err)
	}
	return &s, models.PrincipalKind(kind), nil
}

// CreateSession inserts a new session row.
func (d *DB) CreateSession(ctx context.Context, id string, kind models.PrincipalKind, principalID int64, expiresAt time.Time) error {
	_, err := d.Exec(ctx, `INSERT INTO session (id, principal_kind, principal_id, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)`, id, string(kind), principalID, expiresAt, time.Now().UTC())
	return err
}

// GetTokenByHash resolves a hashed bearer secret to its owning principal.
func (d *DB) GetTokenByHash(ctx context.Context, tokenHash string) (*models.Token, models.PrincipalKind, error) {
	row := d.QueryRow(ctx, `SELECT id, principal_kind, principal_id, token_hash, name, last_used, created_at
		FROM token WHERE token_hash = ?`, tokenHash)
	var t models.Token
	var kind string
	var lastUsed sql.NullTime
	if err := row.Scan(&t.ID, &kind, &t.PrincipalID, &t.TokenHash, &t.Name, &lastUsed, &t.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("get token: %w", err)
	}
	if lastUsed.Valid {
		t.LastUsed = &lastUsed.Time
	}
	return &t, models.PrincipalKind(kind), nil
}

// TouchTokenLastUsed updates the best-effort last-used timestamp.
func (d *DB) TouchTokenLastUsed(ctx context.Context, tokenID int64) error {
	_, err := d.Exec(ctx, `UPDATE token SET last_used = ? WHERE id = ?`, time.Now().UTC(), tokenID)
	return err
}

// SetPrincipalUsedBytes writes the used-bytes counters back for a principal.
func (d *DB) SetPrincipalUsedBytes(ctx context.Context, kind models.PrincipalKind, id int64, privateUsed, publicUsed int64) error {
	table := `"user"`
	if kind == models.PrincipalOrg {
		table = "organization"
	}
	_, err := d.Exec(ctx, fmt.Sprintf(`UPDATE %s SET private_used_bytes = ?, public_used_bytes = ? WHERE id = ?`, table),
		privateUsed, publicUsed, id)
	return err
}
