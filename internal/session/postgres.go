package session

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore is the durable tier. Deactivation keeps the row for audit
// instead of deleting it; the retention job in ops clears old history.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle (pgx stdlib driver).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) Put(ctx context.Context, tok *Token) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sire_sessions(
			session_id, tenant_id, access_token, refresh_token, token_type, scope,
			credential_fingerprint, issued_at, expires_at, last_used_at, active)
		values ($1,$2,$3,nullif($4,''),nullif($5,''),nullif($6,''),nullif($7,''),$8,$9,$10,$11)
	`, tok.SessionID, tok.TenantID, tok.AccessToken, tok.RefreshToken, tok.TokenType,
		tok.Scope, tok.CredentialFingerprint, tok.IssuedAt, tok.ExpiresAt, tok.LastUsedAt, tok.Active)
	return err
}

func (s *PostgresStore) FindActive(ctx context.Context, tenantID string, now time.Time) (*Token, error) {
	row := s.db.QueryRowContext(ctx, `
		select session_id, tenant_id, access_token, coalesce(refresh_token,''),
			coalesce(token_type,''), coalesce(scope,''), coalesce(credential_fingerprint,''),
			issued_at, expires_at, last_used_at, active
		from sire_sessions
		where tenant_id=$1 and active and expires_at > $2
		order by issued_at desc
		limit 1
	`, tenantID, now)
	var tok Token
	err := row.Scan(&tok.SessionID, &tok.TenantID, &tok.AccessToken, &tok.RefreshToken,
		&tok.TokenType, &tok.Scope, &tok.CredentialFingerprint,
		&tok.IssuedAt, &tok.ExpiresAt, &tok.LastUsedAt, &tok.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tok.IssuedAt = tok.IssuedAt.UTC()
	tok.ExpiresAt = tok.ExpiresAt.UTC()
	tok.LastUsedAt = tok.LastUsedAt.UTC()
	return &tok, nil
}

func (s *PostgresStore) Touch(ctx context.Context, sessionID string, usedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update sire_sessions set last_used_at=$2 where session_id=$1`, sessionID, usedAt)
	return err
}

func (s *PostgresStore) Deactivate(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`update sire_sessions set active=false where session_id=$1`, sessionID)
	return err
}

func (s *PostgresStore) DeactivateTenant(ctx context.Context, tenantID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`update sire_sessions set active=false where tenant_id=$1 and active`, tenantID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, tenantID string, now time.Time) (int, error) {
	query := `update sire_sessions set active=false where active and expires_at <= $1`
	args := []any{now}
	if tenantID != "" {
		query += ` and tenant_id = $2`
		args = append(args, tenantID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
