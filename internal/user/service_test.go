package user

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-auth/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-auth/internal/user/repo"
)

// memStore is an in-memory Store.
type memStore struct {
	mu        sync.Mutex
	users     map[string]*entity.User
	nextID    int
	creates   int
	updates   int
	idLookups int
	findErr   error
	createErr error
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{users: map[string]*entity.User{}}
}

func (m *memStore) find(match func(*entity.User) bool) (*entity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, u := range m.users {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, userrepo.ErrNotFound
}

func (m *memStore) FindByUsernameOrEmail(_ context.Context, username, email string) (*entity.User, error) {
	return m.find(func(u *entity.User) bool { return u.Username == username || u.Email == email })
}

func (m *memStore) FindByID(_ context.Context, id string) (*entity.User, error) {
	m.mu.Lock()
	m.idLookups++
	m.mu.Unlock()
	return m.find(func(u *entity.User) bool { return u.ID == id })
}

func (m *memStore) FindByEmail(_ context.Context, email string) (*entity.User, error) {
	return m.find(func(u *entity.User) bool { return u.Email == email })
}

func (m *memStore) Create(_ context.Context, u *entity.User) (*entity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.nextID++
	cp := *u
	cp.ID = fmt.Sprintf("%d", m.nextID)
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.users[cp.ID] = &cp
	m.creates++
	out := cp
	return &out, nil
}

func (m *memStore) UpdateRefreshToken(_ context.Context, id, tok string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	u, ok := m.users[id]
	if !ok {
		return userrepo.ErrNotFound
	}
	u.RefreshToken = tok
	u.UpdatedAt = time.Now()
	m.updates++
	return nil
}

func (m *memStore) refreshTokenOf(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id].RefreshToken
}

func newManager(t *testing.T) *token.Manager {
	t.Helper()
	mgr, err := token.NewManager(token.Config{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		AccessTTL:     time.Minute,
		RefreshTTL:    24 * time.Hour,
	})
	require.NoError(t, err)
	return mgr
}

func newTestService(t *testing.T, opts Options) (*Service, *memStore, *token.Manager) {
	t.Helper()
	store := newMemStore()
	mgr := newManager(t)
	return NewService(store, nil, BcryptHasher{Cost: bcrypt.MinCost}, mgr, opts, nil), store, mgr
}

var ana = RegisterInput{Username: "ana", Fullname: "Ana Lee", Email: "ana@x.com", Password: "secret1"}

func requireKind(t *testing.T, err error, kind Kind, msg string) {
	t.Helper()
	require.Error(t, err)
	var e *Error
	require.True(t, errors.As(err, &e), "not a *user.Error: %v", err)
	assert.Equal(t, kind, e.Kind)
	if msg != "" {
		assert.Equal(t, msg, e.Message)
	}
}

func TestRegister_Success(t *testing.T) {
	svc, store, mgr := newTestService(t, Options{RotateRefreshToken: true})

	res, err := svc.Register(context.Background(), ana)
	require.NoError(t, err)

	assert.Equal(t, "ana", res.User.Username)
	assert.Equal(t, "Ana Lee", res.User.Fullname)
	assert.Equal(t, "ana@x.com", res.User.Email)
	assert.NotEmpty(t, res.User.ID)
	assert.Equal(t, 1, store.creates)

	stored, err := store.FindByID(context.Background(), res.User.ID)
	require.NoError(t, err)
	assert.NotEqual(t, ana.Password, stored.PasswordHash)
	ok, err := BcryptHasher{}.Verify(stored.PasswordHash, ana.Password)
	require.NoError(t, err)
	assert.True(t, ok)

	access, err := mgr.Verify(res.Tokens.AccessToken, token.Access)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, access.UserID)
	refresh, err := mgr.Verify(res.Tokens.RefreshToken, token.Refresh)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, refresh.UserID)
	assert.Equal(t, res.Tokens.RefreshToken, stored.RefreshToken)
}

func TestRegister_NormalizesKeys(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})

	res, err := svc.Register(context.Background(), RegisterInput{
		Username: "  Ana ", Fullname: " Ana Lee ", Email: " ANA@X.com", Password: "secret1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ana", res.User.Username)
	assert.Equal(t, "ana@x.com", res.User.Email)
	assert.Equal(t, "Ana Lee", res.User.Fullname)
}

func TestRegister_FirstMissingFieldWins(t *testing.T) {
	cases := []struct {
		name string
		in   RegisterInput
		msg  string
	}{
		{"all empty", RegisterInput{}, "Username is required"},
		{"no username", RegisterInput{Fullname: "A", Email: "a@x", Password: "p"}, "Username is required"},
		{"no fullname", RegisterInput{Username: "a", Email: "a@x"}, "Fullname is required"},
		{"blank fullname", RegisterInput{Username: "a", Fullname: "  ", Email: "a@x", Password: "p"}, "Fullname is required"},
		{"no email", RegisterInput{Username: "a", Fullname: "A", Password: "p"}, "Email is required"},
		{"no password", RegisterInput{Username: "a", Fullname: "A", Email: "a@x"}, "Password is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, store, _ := newTestService(t, Options{})
			_, err := svc.Register(context.Background(), tc.in)
			requireKind(t, err, KindValidation, tc.msg)
			assert.Zero(t, store.creates)
		})
	}
}

func TestRegister_Conflict(t *testing.T) {
	for name, in := range map[string]RegisterInput{
		"same username": {Username: "ANA", Fullname: "Other", Email: "other@x.com", Password: "pw"},
		"same email":    {Username: "other", Fullname: "Other", Email: "Ana@X.com", Password: "pw"},
	} {
		t.Run(name, func(t *testing.T) {
			svc, store, _ := newTestService(t, Options{})
			_, err := svc.Register(context.Background(), ana)
			require.NoError(t, err)

			_, err = svc.Register(context.Background(), in)
			requireKind(t, err, KindConflict, MsgUserExists)
			assert.Equal(t, 1, store.creates)
		})
	}
}

func TestRegister_InsertRaceIsConflict(t *testing.T) {
	svc, store, _ := newTestService(t, Options{})
	store.createErr = userrepo.ErrDuplicate

	_, err := svc.Register(context.Background(), ana)
	requireKind(t, err, KindConflict, MsgUserExists)
}

func TestRegister_StoreFault(t *testing.T) {
	svc, store, _ := newTestService(t, Options{})
	store.findErr = errors.New("db down")

	_, err := svc.Register(context.Background(), ana)
	requireKind(t, err, KindInternal, "")
	assert.Zero(t, store.creates)
}

func TestRegister_TokenPersistFailure(t *testing.T) {
	svc, store, _ := newTestService(t, Options{})
	store.updateErr = errors.New("write failed")

	res, err := svc.Register(context.Background(), ana)
	requireKind(t, err, KindInternal, MsgTokenGeneration)
	assert.Nil(t, res)
}

func TestLogin_Success(t *testing.T) {
	svc, store, mgr := newTestService(t, Options{})
	reg, err := svc.Register(context.Background(), ana)
	require.NoError(t, err)

	res, err := svc.Login(context.Background(), " ANA@x.com ", "secret1")
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, res.User.ID)

	v, err := mgr.Verify(res.Tokens.AccessToken, token.Access)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, v.UserID)
	assert.Equal(t, res.Tokens.RefreshToken, store.refreshTokenOf(reg.User.ID))
}

func TestLogin_WrongPasswordHasNoSideEffects(t *testing.T) {
	svc, store, _ := newTestService(t, Options{})
	reg, err := svc.Register(context.Background(), ana)
	require.NoError(t, err)
	updatesBefore := store.updates

	res, err := svc.Login(context.Background(), "ana@x.com", "wrong")
	requireKind(t, err, KindAuth, MsgIncorrectPassword)
	assert.Nil(t, res)
	assert.Equal(t, updatesBefore, store.updates)
	assert.Equal(t, reg.Tokens.RefreshToken, store.refreshTokenOf(reg.User.ID))
}

func TestLogin_UnknownIdentity(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	_, err := svc.Login(context.Background(), "ghost@x.com", "pw")
	requireKind(t, err, KindAuth, MsgUnknownIdentity)
}

func TestLogin_CollapsedMessages(t *testing.T) {
	svc, _, _ := newTestService(t, Options{CollapseLoginErrors: true})
	_, err := svc.Register(context.Background(), ana)
	require.NoError(t, err)

	_, err = svc.Login(context.Background(), "ghost@x.com", "pw")
	requireKind(t, err, KindAuth, MsgInvalidCredentials)
	_, err = svc.Login(context.Background(), "ana@x.com", "wrong")
	requireKind(t, err, KindAuth, MsgInvalidCredentials)
}

func TestLogin_Validation(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	_, err := svc.Login(context.Background(), "", "pw")
	requireKind(t, err, KindValidation, "Email is required")
	_, err = svc.Login(context.Background(), "a@x", "")
	requireKind(t, err, KindValidation, "Password is required")
}

func TestLogin_RotatesAndInvalidatesPreviousRefreshToken(t *testing.T) {
	svc, _, _ := newTestService(t, Options{RotateRefreshToken: true})
	_, err := svc.Register(context.Background(), ana)
	require.NoError(t, err)

	first, err := svc.Login(context.Background(), "ana@x.com", "secret1")
	require.NoError(t, err)
	second, err := svc.Login(context.Background(), "ana@x.com", "secret1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Tokens.RefreshToken, second.Tokens.RefreshToken)

	_, err = svc.Refresh(context.Background(), first.Tokens.RefreshToken)
	requireKind(t, err, KindAuth, MsgTokenReuse)
}

func TestRefresh_ReuseEndsSession(t *testing.T) {
	svc, store, _ := newTestService(t, Options{RotateRefreshToken: true})
	reg, err := svc.Register(context.Background(), ana)
	require.NoError(t, err)

	rotated, err := svc.Refresh(context.Background(), reg.Tokens.RefreshToken)
	require.NoError(t, err)

	// the old token shows up again
	_, err = svc.Refresh(context.Background(), reg.Tokens.RefreshToken)
	requireKind(t, err, KindAuth, MsgTokenReuse)
	assert.Empty(t, store.refreshTokenOf(reg.User.ID))

	_, err = svc.Refresh(context.Background(), rotated.RefreshToken)
	requireKind(t, err, KindAuth, MsgTokenReuse)
}

func TestRefresh_Rotates(t *testing.T) {
	svc, store, mgr := newTestService(t, Options{RotateRefreshToken: true})
	reg, err := svc.Register(context.Background(), ana)
	require.NoError(t, err)

	pair, err := svc.Refresh(context.Background(), reg.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, reg.Tokens.RefreshToken, pair.RefreshToken)
	assert.NotEqual(t, reg.Tokens.AccessToken, pair.AccessToken)
	assert.Equal(t, pair.RefreshToken, store.refreshTokenOf(reg.User.ID))

	v, err := mgr.Verify(pair.AccessToken, token.Access)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, v.UserID)

	// the rotated token works in turn
	_, err = svc.Refresh(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
}

func TestRefresh_KeepsRefreshTokenWhenNotRotating(t *testing.T) {
	svc, store, _ := newTestService(t, Options{RotateRefreshToken: false})
	reg, err := svc.Register(context.Background(), ana)
	require.NoError(t, err)

	pair, err := svc.Refresh(context.Background(), reg.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, reg.Tokens.RefreshToken, pair.RefreshToken)
	assert.NotEqual(t, reg.Tokens.AccessToken, pair.AccessToken)
	assert.Equal(t, reg.Tokens.RefreshToken, store.refreshTokenOf(reg.User.ID))

	_, err = svc.Refresh(context.Background(), reg.Tokens.RefreshToken)
	require.NoError(t, err)
}

func TestRefresh_NoToken(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	_, err := svc.Refresh(context.Background(), "")
	requireKind(t, err, KindAuth, MsgNoToken)
}

func TestRefresh_Malformed(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	_, err := svc.Refresh(context.Background(), "garbage")
	requireKind(t, err, KindAuth, MsgUnauthorized)
	assert.ErrorIs(t, err, token.ErrMalformed)
}

func TestRefresh_AccessTokenRejected(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	reg, err := svc.Register(context.Background(), ana)
	require.NoError(t, err)

	_, err = svc.Refresh(context.Background(), reg.Tokens.AccessToken)
	requireKind(t, err, KindAuth, MsgUnauthorized)
	assert.ErrorIs(t, err, token.ErrMalformed)
}

func TestRefresh_Expired(t *testing.T) {
	store := newMemStore()
	start := time.Now()
	mgr := newManager(t).WithClock(func() time.Time { return start })
	svc := NewService(store, nil, BcryptHasher{Cost: bcrypt.MinCost}, mgr, Options{RotateRefreshToken: true}, nil)

	reg, err := svc.Register(context.Background(), ana)
	require.NoError(t, err)

	later := NewService(store, nil, BcryptHasher{Cost: bcrypt.MinCost},
		mgr.WithClock(func() time.Time { return start.Add(48 * time.Hour) }), Options{RotateRefreshToken: true}, nil)
	_, err = later.Refresh(context.Background(), reg.Tokens.RefreshToken)
	requireKind(t, err, KindAuth, MsgUnauthorized)
	assert.ErrorIs(t, err, token.ErrExpired)
}

func TestRefresh_DeletedIdentity(t *testing.T) {
	svc, store, _ := newTestService(t, Options{})
	reg, err := svc.Register(context.Background(), ana)
	require.NoError(t, err)

	store.mu.Lock()
	delete(store.users, reg.User.ID)
	store.mu.Unlock()

	_, err = svc.Refresh(context.Background(), reg.Tokens.RefreshToken)
	requireKind(t, err, KindAuth, MsgUnauthorized)
}

func TestRefresh_AfterLogout(t *testing.T) {
	svc, _, _ := newTestService(t, Options{RotateRefreshToken: true})
	reg, err := svc.Register(context.Background(), ana)
	require.NoError(t, err)
	require.NoError(t, svc.Logout(context.Background(), reg.User.ID))

	_, err = svc.Refresh(context.Background(), reg.Tokens.RefreshToken)
	requireKind(t, err, KindAuth, MsgTokenReuse)
}

func TestLogout_Idempotent(t *testing.T) {
	svc, store, _ := newTestService(t, Options{})
	reg, err := svc.Register(context.Background(), ana)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(context.Background(), reg.User.ID))
	require.NoError(t, svc.Logout(context.Background(), reg.User.ID))
	assert.Empty(t, store.refreshTokenOf(reg.User.ID))
}

func TestLogout_StoreFault(t *testing.T) {
	svc, store, _ := newTestService(t, Options{})
	reg, err := svc.Register(context.Background(), ana)
	require.NoError(t, err)
	store.updateErr = errors.New("db down")

	err = svc.Logout(context.Background(), reg.User.ID)
	requireKind(t, err, KindInternal, "")
}

type failingTokens struct {
	*token.Manager
	refreshErr error
}

func (f failingTokens) IssueRefreshToken(string) (string, error) { return "", f.refreshErr }

func TestLogin_SigningFailureIssuesNothing(t *testing.T) {
	store := newMemStore()
	mgr := newManager(t)
	ok := NewService(store, nil, BcryptHasher{Cost: bcrypt.MinCost}, mgr, Options{}, nil)
	_, err := ok.Register(context.Background(), ana)
	require.NoError(t, err)
	updatesBefore := store.updates

	broken := NewService(store, nil, BcryptHasher{Cost: bcrypt.MinCost}, failingTokens{Manager: mgr, refreshErr: token.ErrSigning}, Options{}, nil)
	res, err := broken.Login(context.Background(), "ana@x.com", "secret1")
	requireKind(t, err, KindInternal, MsgTokenGeneration)
	assert.ErrorIs(t, err, token.ErrSigning)
	assert.Nil(t, res)
	assert.Equal(t, updatesBefore, store.updates)
}

func TestRefresh_LoadsUserRowOnce(t *testing.T) {
	svc, store, _ := newTestService(t, Options{RotateRefreshToken: true})
	reg, err := svc.Register(context.Background(), ana)
	require.NoError(t, err)

	store.mu.Lock()
	store.idLookups = 0
	store.mu.Unlock()

	_, err = svc.Refresh(context.Background(), reg.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, 1, store.idLookups)
}

// mapSessions is a Store that keeps tokens apart from the user row.
type mapSessions struct {
	mu     sync.Mutex
	tokens map[string]string
	reads  int
}

func (m *mapSessions) Current(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	return m.tokens[userID], nil
}

func (m *mapSessions) Replace(_ context.Context, userID, tok string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[userID] = tok
	return nil
}

func (m *mapSessions) Clear(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, userID)
	return nil
}

func TestRefresh_SeparateSessionStore(t *testing.T) {
	store := newMemStore()
	sessions := &mapSessions{tokens: map[string]string{}}
	svc := NewService(store, sessions, BcryptHasher{Cost: bcrypt.MinCost}, newManager(t), Options{RotateRefreshToken: true}, nil)

	reg, err := svc.Register(context.Background(), ana)
	require.NoError(t, err)
	assert.Empty(t, store.refreshTokenOf(reg.User.ID))

	pair, err := svc.Refresh(context.Background(), reg.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, 1, sessions.reads)
	assert.Equal(t, pair.RefreshToken, sessions.tokens[reg.User.ID])

	_, err = svc.Refresh(context.Background(), reg.Tokens.RefreshToken)
	requireKind(t, err, KindAuth, MsgTokenReuse)
	assert.NotContains(t, sessions.tokens, reg.User.ID)
}
