package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "plume/internal/errors"
)

// PostgresStore persists users and API keys in the users/api_keys tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing pool; the schema is owned by the
// task store's migrations.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	if u.Role == "" {
		u.Role = RoleOperator
	}
	err := s.pool.QueryRow(ctx, `
INSERT INTO users (username, role) VALUES ($1, $2)
RETURNING id, created_at`, u.Username, string(u.Role)).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.NewConflict(fmt.Errorf("username %q taken", u.Username))
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	var role string
	err := s.pool.QueryRow(ctx, `
SELECT id, username, role, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &role, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFound("user", fmt.Sprint(id))
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = Role(role)
	return &u, nil
}

func (s *PostgresStore) GetUserByName(ctx context.Context, username string) (*User, error) {
	var u User
	var role string
	err := s.pool.QueryRow(ctx, `
SELECT id, username, role, created_at FROM users WHERE username = $1`, username).
		Scan(&u.ID, &u.Username, &role, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFound("user", username)
	}
	if err != nil {
		return nil, fmt.Errorf("get user by name: %w", err)
	}
	u.Role = Role(role)
	return &u, nil
}

func (s *PostgresStore) CreateKey(ctx context.Context, k *APIKey) error {
	perms := make([]string, len(k.Permissions))
	for i, p := range k.Permissions {
		perms[i] = string(p)
	}
	err := s.pool.QueryRow(ctx, `
INSERT INTO api_keys (user_id, key_hash, permissions, active)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at`, k.UserID, k.KeyHash, perms, k.Active).Scan(&k.ID, &k.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.NewConflict(fmt.Errorf("key fingerprint already stored"))
		}
		return fmt.Errorf("create key: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindActiveKey(ctx context.Context, keyHash string) (*APIKey, error) {
	var k APIKey
	var perms []string
	err := s.pool.QueryRow(ctx, `
SELECT id, user_id, key_hash, permissions, active, last_used_at, created_at
FROM api_keys WHERE key_hash = $1 AND active`, keyHash).
		Scan(&k.ID, &k.UserID, &k.KeyHash, &perms, &k.Active, &k.LastUsedAt, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFound("api key", "active")
	}
	if err != nil {
		return nil, fmt.Errorf("find key: %w", err)
	}
	k.Permissions = toPermissions(perms)
	return &k, nil
}

func (s *PostgresStore) TouchKey(ctx context.Context, keyID int64, usedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, keyID, usedAt.UTC())
	if err != nil {
		return fmt.Errorf("touch key: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeKey(ctx context.Context, keyID int64) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE api_keys SET active = false WHERE id = $1 AND active`, keyID)
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFound("api key", fmt.Sprint(keyID))
	}
	return nil
}

func (s *PostgresStore) ListKeys(ctx context.Context, userID int64) ([]*APIKey, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, key_hash, permissions, active, last_used_at, created_at
FROM api_keys WHERE user_id = $1 ORDER BY id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		var k APIKey
		var perms []string
		if err := rows.Scan(&k.ID, &k.UserID, &k.KeyHash, &perms, &k.Active, &k.LastUsedAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		k.Permissions = toPermissions(perms)
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func toPermissions(perms []string) []Permission {
	out := make([]Permission, len(perms))
	for i, p := range perms {
		out[i] = Permission(p)
	}
	return out
}
