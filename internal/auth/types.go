package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the coarse account role. Admins may mutate projects and keys,
// operators drive the task surface, viewers only read.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// Permission gates individual control-surface operations.
type Permission string

const (
	PermRead    Permission = "read"
	PermWrite   Permission = "write"
	PermExecute Permission = "execute"
	PermAdmin   Permission = "admin"
)

// User is an account that owns projects and API keys.
type User struct {
	ID        int64
	Username  string
	Role      Role
	CreatedAt time.Time
}

// APIKey is a stored credential. Only the SHA-256 fingerprint of the
// plaintext key is persisted; the plaintext is shown once at issuance.
type APIKey struct {
	ID          int64
	UserID      int64
	KeyHash     string
	Permissions []Permission
	Active      bool
	LastUsedAt  *time.Time
	CreatedAt   time.Time
}

// Has reports whether the key carries the permission. Admin implies all.
func (k *APIKey) Has(p Permission) bool {
	for _, have := range k.Permissions {
		if have == p || have == PermAdmin {
			return true
		}
	}
	return false
}

const keyPrefix = "plume_"

// FingerprintKey returns a deterministic fingerprint for an API key.
// The fingerprint is safe to store and index without revealing the key.
func FingerprintKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateKey mints a fresh plaintext API key.
func GenerateKey() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return keyPrefix + raw
}

// Store persists users and API keys.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByName(ctx context.Context, username string) (*User, error)

	CreateKey(ctx context.Context, k *APIKey) error
	// FindActiveKey resolves a fingerprint to its active key, or a not
	// found error when no active key matches.
	FindActiveKey(ctx context.Context, keyHash string) (*APIKey, error)
	TouchKey(ctx context.Context, keyID int64, usedAt time.Time) error
	RevokeKey(ctx context.Context, keyID int64) error
	ListKeys(ctx context.Context, userID int64) ([]*APIKey, error)
}
