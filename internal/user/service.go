package user

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth/internal/session"
	"github.com/ovaphlow/pitchfork/service-auth/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-auth/internal/user/repo"
)

// Store is the identity store the service runs on. Absent records are
// reported as userrepo.ErrNotFound.
type Store interface {
	FindByUsernameOrEmail(ctx context.Context, username, email string) (*entity.User, error)
	FindByID(ctx context.Context, id string) (*entity.User, error)
	FindByEmail(ctx context.Context, email string) (*entity.User, error)
	Create(ctx context.Context, u *entity.User) (*entity.User, error)
	UpdateRefreshToken(ctx context.Context, id, token string) error
}

// Tokens issues and verifies signed tokens; *token.Manager implements it.
type Tokens interface {
	IssueAccessToken(userID string) (string, error)
	IssueRefreshToken(userID string) (string, error)
	Verify(signed string, class token.Class) (*token.Verified, error)
}

// Options are the policy switches of the service.
type Options struct {
	// RotateRefreshToken issues a new refresh token on every refresh.
	// When false the presented refresh token stays valid and only the
	// access token is renewed.
	RotateRefreshToken bool
	// CollapseLoginErrors reports unknown email and wrong password with
	// the same message.
	CollapseLoginErrors bool
}

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// AuthResult is returned by Register and Login.
type AuthResult struct {
	User   entity.Profile `json:"user"`
	Tokens TokenPair      `json:"tokens"`
}

type RegisterInput struct {
	Username string `json:"username"`
	Fullname string `json:"fullname"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Service orchestrates registration, login, logout and refresh. A user has
// at most one active refresh token; every login or rotation replaces it.
type Service struct {
	store    Store
	sessions session.Store
	hasher   PasswordHasher
	tokens   Tokens
	opts     Options
	logger   *zap.SugaredLogger
}

// NewService wires the service. A nil sessions keeps refresh tokens on the
// user record, a nil hasher uses bcrypt at cost 10.
func NewService(store Store, sessions session.Store, hasher PasswordHasher, tokens Tokens, opts Options, logger *zap.SugaredLogger) *Service {
	if sessions == nil {
		sessions = session.NewRecordStore(store)
	}
	if hasher == nil {
		hasher = BcryptHasher{Cost: 10}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{store: store, sessions: sessions, hasher: hasher, tokens: tokens, opts: opts, logger: logger}
}

// Register creates a user and logs it in.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	username := entity.NormalizeKey(in.Username)
	fullname := strings.TrimSpace(in.Fullname)
	email := entity.NormalizeKey(in.Email)

	switch {
	case username == "":
		return nil, validationErr("Username is required")
	case fullname == "":
		return nil, validationErr("Fullname is required")
	case email == "":
		return nil, validationErr("Email is required")
	case in.Password == "":
		return nil, validationErr("Password is required")
	}

	existing, err := s.store.FindByUsernameOrEmail(ctx, username, email)
	if err != nil && !errors.Is(err, userrepo.ErrNotFound) {
		return nil, s.internal("lookup user", MsgInternal, err)
	}
	if err == nil && existing != nil {
		return nil, &Error{Kind: KindConflict, Message: MsgUserExists}
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, s.internal("hash password", MsgInternal, err)
	}

	created, err := s.store.Create(ctx, &entity.User{
		Username:     username,
		Email:        email,
		Fullname:     fullname,
		PasswordHash: hash,
	})
	if err != nil {
		if errors.Is(err, userrepo.ErrDuplicate) {
			return nil, &Error{Kind: KindConflict, Message: MsgUserExists, Err: err}
		}
		return nil, s.internal("create user", MsgInternal, err)
	}

	pair, err := s.issuePair(ctx, created.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("user registered", "user_id", created.ID)
	return &AuthResult{User: created.Profile(), Tokens: *pair}, nil
}

// Login checks the password of the user holding email and starts a new
// session, ending any previous one.
func (s *Service) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = entity.NormalizeKey(email)
	if email == "" {
		return nil, validationErr("Email is required")
	}
	if password == "" {
		return nil, validationErr("Password is required")
	}

	u, err := s.store.FindByEmail(ctx, email)
	if errors.Is(err, userrepo.ErrNotFound) || (err == nil && u == nil) {
		s.logger.Debugw("login rejected", "reason", "unknown email")
		return nil, authErr(s.loginMessage(MsgUnknownIdentity), nil)
	}
	if err != nil {
		return nil, s.internal("lookup user", MsgInternal, err)
	}

	ok, err := s.hasher.Verify(u.PasswordHash, password)
	if err != nil {
		return nil, s.internal("verify password", MsgInternal, err)
	}
	if !ok {
		s.logger.Debugw("login rejected", "reason", "wrong password", "user_id", u.ID)
		return nil, authErr(s.loginMessage(MsgIncorrectPassword), nil)
	}

	pair, err := s.issuePair(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return &AuthResult{User: u.Profile(), Tokens: *pair}, nil
}

// Logout ends the session of an already authenticated user. Logging out
// twice is not an error.
func (s *Service) Logout(ctx context.Context, userID string) error {
	if userID == "" {
		return authErr(MsgUnauthorized, nil)
	}
	if err := s.sessions.Clear(ctx, userID); err != nil && !errors.Is(err, session.ErrUnknownUser) {
		return s.internal("clear session", MsgInternal, err)
	}
	return nil
}

// Refresh exchanges the current refresh token of a user for a new pair.
// A token that verifies but is not the stored one ends the session.
func (s *Service) Refresh(ctx context.Context, presented string) (*TokenPair, error) {
	if presented == "" {
		return nil, authErr(MsgNoToken, nil)
	}

	claims, err := s.tokens.Verify(presented, token.Refresh)
	if err != nil {
		s.logger.Debugw("refresh rejected", "expired", errors.Is(err, token.ErrExpired), "err", err)
		return nil, authErr(MsgUnauthorized, err)
	}

	u, err := s.store.FindByID(ctx, claims.UserID)
	if errors.Is(err, userrepo.ErrNotFound) || (err == nil && u == nil) {
		return nil, authErr(MsgUnauthorized, err)
	}
	if err != nil {
		return nil, s.internal("lookup user", MsgInternal, err)
	}

	current, err := s.currentSession(ctx, u)
	if errors.Is(err, session.ErrUnknownUser) {
		return nil, authErr(MsgUnauthorized, err)
	}
	if err != nil {
		return nil, s.internal("load session", MsgInternal, err)
	}
	if subtle.ConstantTimeCompare([]byte(current), []byte(presented)) != 1 {
		s.logger.Warnw("refresh token reuse detected", "user_id", u.ID)
		if err := s.sessions.Clear(ctx, u.ID); err != nil {
			s.logger.Errorw("clear session after reuse", "user_id", u.ID, "err", err)
		}
		return nil, authErr(MsgTokenReuse, nil)
	}

	if s.opts.RotateRefreshToken {
		return s.issuePair(ctx, u.ID)
	}
	access, err := s.tokens.IssueAccessToken(u.ID)
	if err != nil {
		return nil, s.internal("issue access token", MsgTokenGeneration, err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: presented}, nil
}

// currentSession reuses the loaded row when the session lives on it.
func (s *Service) currentSession(ctx context.Context, u *entity.User) (string, error) {
	if rr, ok := s.sessions.(session.RecordReader); ok {
		return rr.CurrentOf(u), nil
	}
	return s.sessions.Current(ctx, u.ID)
}

// issuePair mints both tokens and stores the refresh token. If the store
// write fails no token is returned.
func (s *Service) issuePair(ctx context.Context, userID string) (*TokenPair, error) {
	access, err := s.tokens.IssueAccessToken(userID)
	if err != nil {
		return nil, s.internal("issue access token", MsgTokenGeneration, err)
	}
	refresh, err := s.tokens.IssueRefreshToken(userID)
	if err != nil {
		return nil, s.internal("issue refresh token", MsgTokenGeneration, err)
	}
	if err := s.sessions.Replace(ctx, userID, refresh); err != nil {
		return nil, s.internal("store refresh token", MsgTokenGeneration, err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Service) loginMessage(msg string) string {
	if s.opts.CollapseLoginErrors {
		return MsgInvalidCredentials
	}
	return msg
}

func (s *Service) internal(op, msg string, err error) error {
	s.logger.Warnw(op+" failed", "err", err)
	return internalErr(msg, err)
}
