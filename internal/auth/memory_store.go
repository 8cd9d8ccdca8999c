package auth

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "plume/internal/errors"
)

// MemoryStore is the in-memory Store used by tests and databaseless runs.
type MemoryStore struct {
	mu         sync.Mutex
	nextUserID int64
	nextKeyID  int64
	users      map[int64]*User
	keys       map[int64]*APIKey
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[int64]*User),
		keys:  make(map[int64]*APIKey),
	}
}

func (s *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Username == u.Username {
			return apperrors.NewConflict(fmt.Errorf("username %q taken", u.Username))
		}
	}
	if u.Role == "" {
		u.Role = RoleOperator
	}
	s.nextUserID++
	u.ID = s.nextUserID
	u.CreatedAt = time.Now().UTC()
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id int64) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, apperrors.NewNotFound("user", fmt.Sprint(id))
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByName(ctx context.Context, username string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperrors.NewNotFound("user", username)
}

func (s *MemoryStore) CreateKey(ctx context.Context, k *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.keys {
		if existing.KeyHash == k.KeyHash {
			return apperrors.NewConflict(fmt.Errorf("key fingerprint already stored"))
		}
	}
	s.nextKeyID++
	k.ID = s.nextKeyID
	k.CreatedAt = time.Now().UTC()
	cp := *k
	cp.Permissions = append([]Permission(nil), k.Permissions...)
	s.keys[k.ID] = &cp
	return nil
}

func (s *MemoryStore) FindActiveKey(ctx context.Context, keyHash string) (*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keys {
		if k.KeyHash == keyHash && k.Active {
			cp := *k
			cp.Permissions = append([]Permission(nil), k.Permissions...)
			return &cp, nil
		}
	}
	return nil, apperrors.NewNotFound("api key", "active")
}

func (s *MemoryStore) TouchKey(ctx context.Context, keyID int64, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok {
		return apperrors.NewNotFound("api key", fmt.Sprint(keyID))
	}
	at := usedAt.UTC()
	k.LastUsedAt = &at
	return nil
}

func (s *MemoryStore) RevokeKey(ctx context.Context, keyID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[keyID]
	if !ok || !k.Active {
		return apperrors.NewNotFound("api key", fmt.Sprint(keyID))
	}
	k.Active = false
	return nil
}

func (s *MemoryStore) ListKeys(ctx context.Context, userID int64) ([]*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*APIKey
	for _, k := range s.keys {
		if k.UserID == userID {
			cp := *k
			cp.Permissions = append([]Permission(nil), k.Permissions...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
