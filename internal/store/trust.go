package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"
)

// TrustGrant is one trusted working directory.
type TrustGrant struct {
	Path      string
	GrantedAt time.Time
	GrantedBy string
}

// TrustRepo is the durable allow-list of trusted workspaces, keyed by
// canonical absolute path.
type TrustRepo struct {
	db *sql.DB
}

// CanonicalPath normalizes a workspace path for exact-match lookup.
func CanonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("canonicalize path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return filepath.Clean(abs), nil
}

// Grant records (or refreshes) trust for a path.
func (r *TrustRepo) Grant(path, grantedBy string) error {
	canonical, err := CanonicalPath(path)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(
		`INSERT INTO workspace_trust (path, granted_at, granted_by) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET granted_at = excluded.granted_at, granted_by = excluded.granted_by`,
		canonical, FormatTime(time.Now()), grantedBy,
	)
	if err != nil {
		return fmt.Errorf("grant trust: %w", err)
	}
	return nil
}

// Revoke removes trust for a path. Revoking an unknown path is not an
// error.
func (r *TrustRepo) Revoke(path string) error {
	canonical, err := CanonicalPath(path)
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(`DELETE FROM workspace_trust WHERE path = ?`, canonical); err != nil {
		return fmt.Errorf("revoke trust: %w", err)
	}
	return nil
}

// IsTrusted reports whether a path is on the allow-list.
func (r *TrustRepo) IsTrusted(path string) (bool, error) {
	canonical, err := CanonicalPath(path)
	if err != nil {
		return false, err
	}
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM workspace_trust WHERE path = ?`, canonical).Scan(&count); err != nil {
		return false, fmt.Errorf("check trust: %w", err)
	}
	return count > 0, nil
}

// List returns all grants, newest first.
func (r *TrustRepo) List() ([]TrustGrant, error) {
	rows, err := r.db.Query(`SELECT path, granted_at, granted_by FROM workspace_trust ORDER BY granted_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list trust grants: %w", err)
	}
	defer rows.Close()

	var grants []TrustGrant
	for rows.Next() {
		var (
			g       TrustGrant
			granted string
		)
		if err := rows.Scan(&g.Path, &granted, &g.GrantedBy); err != nil {
			return nil, fmt.Errorf("scan trust grant: %w", err)
		}
		if t, err := ParseTime(granted); err == nil {
			g.GrantedAt = t
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
