// Package session keeps the single active refresh token of each user.
// Every write overwrites the previous value, so issuing a new refresh token
// ends any older session of the same user.
package session

import (
	"context"
	"errors"

	"github.com/ovaphlow/pitchfork/service-auth/internal/user/entity"
)

var ErrUnknownUser = errors.New("session: unknown user")

// Store reads and writes the current refresh token of a user. An empty
// string means the user has no active session.
type Store interface {
	Current(ctx context.Context, userID string) (string, error)
	Replace(ctx context.Context, userID, token string) error
	Clear(ctx context.Context, userID string) error
}

// RecordReader is implemented by stores that keep the token on the user
// row. A caller that already loaded the row reads the token from it
// instead of querying again.
type RecordReader interface {
	CurrentOf(u *entity.User) string
}
