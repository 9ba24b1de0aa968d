package user

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-auth/internal/user/repo"
)

const (
	AccessCookie  = "accessToken"
	RefreshCookie = "refreshToken"
)

type currentUserKey struct{}

// CurrentUser returns the user the Guard attached to ctx.
func CurrentUser(ctx context.Context) (*entity.User, bool) {
	u, ok := ctx.Value(currentUserKey{}).(*entity.User)
	return u, ok && u != nil
}

// WithCurrentUser stores u in ctx the way the Guard does.
func WithCurrentUser(ctx context.Context, u *entity.User) context.Context {
	return context.WithValue(ctx, currentUserKey{}, u)
}

// IdentityFinder resolves a verified user id.
type IdentityFinder interface {
	FindByID(ctx context.Context, id string) (*entity.User, error)
}

// AccessVerifier checks access tokens.
type AccessVerifier interface {
	Verify(signed string, class token.Class) (*token.Verified, error)
}

// Guard rejects requests without a valid access token for a known user.
// Every rejection carries the same message so clients cannot tell which
// check failed. Store faults are internal errors, not rejections.
type Guard struct {
	verifier AccessVerifier
	users    IdentityFinder
	logger   *zap.SugaredLogger
}

func NewGuard(verifier AccessVerifier, users IdentityFinder, logger *zap.SugaredLogger) *Guard {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Guard{verifier: verifier, users: users, logger: logger}
}

// Authenticate resolves the user behind the access token of r.
func (g *Guard) Authenticate(r *http.Request) (*entity.User, error) {
	raw := accessTokenFrom(r)
	if raw == "" {
		return nil, authErr(MsgUnauthorized, nil)
	}
	claims, err := g.verifier.Verify(raw, token.Access)
	if err != nil {
		g.logger.Debugw("access token rejected", "expired", errors.Is(err, token.ErrExpired), "err", err)
		return nil, authErr(MsgUnauthorized, err)
	}
	u, err := g.users.FindByID(r.Context(), claims.UserID)
	if errors.Is(err, userrepo.ErrNotFound) || (err == nil && u == nil) {
		return nil, authErr(MsgUnauthorized, err)
	}
	if err != nil {
		g.logger.Warnw("guard user lookup failed", "user_id", claims.UserID, "err", err)
		return nil, internalErr(MsgInternal, err)
	}
	return u, nil
}

// Middleware runs Authenticate before next and attaches the user to the
// request context.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := g.Authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCurrentUser(r.Context(), u)))
	})
}

// accessTokenFrom prefers the access cookie over the Authorization header.
func accessTokenFrom(r *http.Request) string {
	if c, err := r.Cookie(AccessCookie); err == nil && c.Value != "" {
		return c.Value
	}
	const bearer = "bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(bearer) || !strings.EqualFold(auth[:len(bearer)], bearer) {
		return ""
	}
	return strings.TrimSpace(auth[len(bearer):])
}
