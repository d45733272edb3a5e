package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campus/auth/internal/model"
)

// Store is the Postgres persistence layer. Every method acquires a pooled
// connection for the duration of one statement and releases it on all exit
// paths; there are no multi-statement transactions on the auth path.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

const identityColumns = `id, username, display_name, role, status, password_hash, second_factor_on, global_admin, created_at, updated_at`

func scanIdentity(row pgx.Row) (model.Identity, error) {
	var identity model.Identity
	err := row.Scan(
		&identity.ID,
		&identity.Username,
		&identity.DisplayName,
		&identity.Role,
		&identity.Status,
		&identity.PasswordHash,
		&identity.SecondFactorOn,
		&identity.GlobalAdmin,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	return identity, err
}

func (s *Store) GetIdentityByUsername(ctx context.Context, username string) (model.Identity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+identityColumns+`
		FROM identities
		WHERE username = $1
	`, username)
	return scanIdentity(row)
}

func (s *Store) GetIdentityByID(ctx context.Context, identityID string) (model.Identity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+identityColumns+`
		FROM identities
		WHERE id = $1
	`, identityID)
	return scanIdentity(row)
}

func (s *Store) CreateIdentity(ctx context.Context, identity model.Identity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO identities (id, username, display_name, role, status, password_hash, second_factor_on, global_admin, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, identity.ID, identity.Username, identity.DisplayName, identity.Role, identity.Status, identity.PasswordHash, identity.SecondFactorOn, identity.GlobalAdmin, identity.CreatedAt, identity.UpdatedAt)
	return err
}

// UpdateIdentityStatus performs the soft status transition; identities are
// never hard-deleted while historical records reference them.
func (s *Store) UpdateIdentityStatus(ctx context.Context, identityID string, status model.Status) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE identities SET status = $1, updated_at = $2 WHERE id = $3
	`, status, time.Now().UTC(), identityID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, identityID, hash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE identities SET password_hash = $1, updated_at = $2 WHERE id = $3
	`, hash, time.Now().UTC(), identityID)
	return err
}

func (s *Store) SetSecondFactorEnabled(ctx context.Context, identityID string, enabled bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE identities SET second_factor_on = $1, updated_at = $2 WHERE id = $3
	`, enabled, time.Now().UTC(), identityID)
	return err
}

func (s *Store) SetGlobalAdmin(ctx context.Context, identityID string, admin bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE identities SET global_admin = $1, updated_at = $2 WHERE id = $3
	`, admin, time.Now().UTC(), identityID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, session model.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, identity_id, created_at)
		VALUES ($1, $2, $3)
	`, session.ID, session.IdentityID, session.CreatedAt)
	return err
}

func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)
	`, sessionID).Scan(&exists)
	return exists, err
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	return err
}

func (s *Store) DeleteSessionsByIdentity(ctx context.Context, identityID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE identity_id = $1`, identityID)
	return err
}

func (s *Store) CreateSecondFactorCredential(ctx context.Context, cred model.SecondFactorCredential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO second_factor_credentials (id, identity_id, secret, alias, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, cred.ID, cred.IdentityID, cred.Secret, cred.Alias, cred.Verified, cred.CreatedAt)
	return err
}

func (s *Store) GetSecondFactorCredential(ctx context.Context, credentialID string) (model.SecondFactorCredential, error) {
	var cred model.SecondFactorCredential
	row := s.pool.QueryRow(ctx, `
		SELECT id, identity_id, secret, alias, verified, created_at
		FROM second_factor_credentials
		WHERE id = $1
	`, credentialID)
	err := row.Scan(&cred.ID, &cred.IdentityID, &cred.Secret, &cred.Alias, &cred.Verified, &cred.CreatedAt)
	return cred, err
}

func (s *Store) ListSecondFactorCredentials(ctx context.Context, identityID string) ([]model.SecondFactorCredential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, identity_id, secret, alias, verified, created_at
		FROM second_factor_credentials
		WHERE identity_id = $1
		ORDER BY created_at
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []model.SecondFactorCredential
	for rows.Next() {
		var cred model.SecondFactorCredential
		if err := rows.Scan(&cred.ID, &cred.IdentityID, &cred.Secret, &cred.Alias, &cred.Verified, &cred.CreatedAt); err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

func (s *Store) SetSecondFactorVerified(ctx context.Context, credentialID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE second_factor_credentials SET verified = true WHERE id = $1
	`, credentialID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *Store) DeleteSecondFactorCredential(ctx context.Context, credentialID, identityID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM second_factor_credentials WHERE id = $1 AND identity_id = $2
	`, credentialID, identityID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *Store) CountSecondFactorCredentials(ctx context.Context, identityID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM second_factor_credentials WHERE identity_id = $1
	`, identityID).Scan(&count)
	return count, err
}

func (s *Store) GetGrantsByIdentity(ctx context.Context, identityID string) ([]model.PermissionGrant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT identity_id, category, level
		FROM permission_grants
		WHERE identity_id = $1
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []model.PermissionGrant
	for rows.Next() {
		var grant model.PermissionGrant
		if err := rows.Scan(&grant.IdentityID, &grant.Category, &grant.Level); err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

func (s *Store) UpsertGrant(ctx context.Context, grant model.PermissionGrant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO permission_grants (identity_id, category, level)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity_id, category) DO UPDATE SET level = EXCLUDED.level
	`, grant.IdentityID, grant.Category, grant.Level)
	return err
}
