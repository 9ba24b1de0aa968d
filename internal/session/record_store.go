package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/ovaphlow/pitchfork/service-auth/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user/repo"
)

// Records is the part of the user repository the record store needs.
type Records interface {
	FindByID(ctx context.Context, id string) (*entity.User, error)
	UpdateRefreshToken(ctx context.Context, id, token string) error
}

// RecordStore keeps the refresh token on the user row itself.
type RecordStore struct {
	users Records
}

func NewRecordStore(users Records) *RecordStore {
	return &RecordStore{users: users}
}

func (s *RecordStore) Current(ctx context.Context, userID string) (string, error) {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", ErrUnknownUser
		}
		return "", fmt.Errorf("load session: %w", err)
	}
	return u.RefreshToken, nil
}

// CurrentOf reads the token from an already loaded row.
func (s *RecordStore) CurrentOf(u *entity.User) string {
	return u.RefreshToken
}

func (s *RecordStore) Replace(ctx context.Context, userID, token string) error {
	return s.write(ctx, userID, token)
}

// Clear is idempotent; clearing an empty slot succeeds.
func (s *RecordStore) Clear(ctx context.Context, userID string) error {
	return s.write(ctx, userID, "")
}

func (s *RecordStore) write(ctx context.Context, userID, token string) error {
	if err := s.users.UpdateRefreshToken(ctx, userID, token); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrUnknownUser
		}
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}
