package auth

import (
	"context"
	"fmt"
	"time"

	apperrors "plume/internal/errors"
	"plume/internal/logging"
)

// Service authenticates API keys and handles issuance. Lookups go through
// the fingerprint so plaintext keys never touch storage.
type Service struct {
	store  Store
	logger logging.Logger
}

// NewService creates an auth service over the given store.
func NewService(store Store, logger logging.Logger) *Service {
	return &Service{store: store, logger: logging.OrNop(logger)}
}

// Issued pairs a stored key with its one-time plaintext.
type Issued struct {
	Key       *APIKey
	Plaintext string
}

// IssueKey mints a key for the user with the given permissions. The
// plaintext is returned exactly once and never persisted.
func (s *Service) IssueKey(ctx context.Context, userID int64, perms []Permission) (*Issued, error) {
	if len(perms) == 0 {
		return nil, apperrors.NewInvalidInput("permissions", "empty")
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("issue key: %w", err)
	}

	plaintext := GenerateKey()
	key := &APIKey{
		UserID:      userID,
		KeyHash:     FingerprintKey(plaintext),
		Permissions: perms,
		Active:      true,
	}
	if err := s.store.CreateKey(ctx, key); err != nil {
		return nil, fmt.Errorf("issue key: %w", err)
	}
	s.logger.Info("issued api key %d for user %d", key.ID, userID)
	return &Issued{Key: key, Plaintext: plaintext}, nil
}

// Authenticate resolves a plaintext key to its owner and key record.
// Unknown or revoked keys return a not found error; callers must not
// distinguish the two cases to the client.
func (s *Service) Authenticate(ctx context.Context, plaintext string) (*User, *APIKey, error) {
	if plaintext == "" {
		return nil, nil, apperrors.NewInvalidInput("api_key", "empty")
	}
	key, err := s.store.FindActiveKey(ctx, FingerprintKey(plaintext))
	if err != nil {
		return nil, nil, err
	}
	user, err := s.store.GetUser(ctx, key.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve key owner: %w", err)
	}
	if err := s.store.TouchKey(ctx, key.ID, time.Now().UTC()); err != nil {
		// Authentication already succeeded; last_used is best effort.
		s.logger.Warn("touch api key %d: %v", key.ID, err)
	}
	return user, key, nil
}

// Revoke deactivates a key. Revoked keys fail authentication immediately.
func (s *Service) Revoke(ctx context.Context, keyID int64) error {
	if err := s.store.RevokeKey(ctx, keyID); err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	s.logger.Info("revoked api key %d", keyID)
	return nil
}
