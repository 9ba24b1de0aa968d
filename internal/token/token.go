// Package token issues and verifies the signed access and refresh tokens
// of the auth service. Each class of token is signed with its own secret.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ovaphlow/pitchfork/service-auth/pkg/utilities"
)

// Class tells access tokens from refresh tokens.
type Class string

const (
	Access  Class = "access"
	Refresh Class = "refresh"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

var (
	// ErrSigning reports a missing or unusable signing secret.
	ErrSigning = errors.New("token signing failed")
	// ErrMalformed covers unparseable tokens and bad signatures.
	ErrMalformed = errors.New("token malformed")
	// ErrExpired is returned only for tokens whose signature is valid.
	ErrExpired = errors.New("token expired")
	// ErrWrongSecret marks a token signed with the other class's secret.
	// It matches ErrMalformed under errors.Is.
	ErrWrongSecret = fmt.Errorf("%w: signed for another token class", ErrMalformed)
)

// Config carries the secrets and lifetimes. Zero TTLs take the defaults.
type Config struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// Claims is the payload of both token classes; the subject is the user id.
type Claims struct {
	Type Class `json:"typ"`
	jwt.RegisteredClaims
}

// Verified is what a successful Verify yields.
type Verified struct {
	UserID    string
	ExpiresAt time.Time
}

// Manager signs and verifies tokens. It is immutable after NewManager and
// safe for concurrent use.
type Manager struct {
	secrets map[Class][]byte
	ttls    map[Class]time.Duration
	issuer  string
	now     func() time.Time
}

// NewManager rejects empty or shared secrets and negative lifetimes.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessSecret == "" {
		return nil, fmt.Errorf("%w: access secret is empty", ErrSigning)
	}
	if cfg.RefreshSecret == "" {
		return nil, fmt.Errorf("%w: refresh secret is empty", ErrSigning)
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, fmt.Errorf("%w: access and refresh secrets must differ", ErrSigning)
	}
	if cfg.AccessTTL < 0 || cfg.RefreshTTL < 0 {
		return nil, fmt.Errorf("%w: negative token lifetime", ErrSigning)
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	return &Manager{
		secrets: map[Class][]byte{
			Access:  []byte(cfg.AccessSecret),
			Refresh: []byte(cfg.RefreshSecret),
		},
		ttls: map[Class]time.Duration{
			Access:  cfg.AccessTTL,
			Refresh: cfg.RefreshTTL,
		},
		issuer: cfg.Issuer,
		now:    time.Now,
	}, nil
}

// WithClock returns a copy of m that reads the current time from now.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	cp := *m
	cp.now = now
	return &cp
}

// TTL returns the configured lifetime of class.
func (m *Manager) TTL(class Class) time.Duration {
	return m.ttls[class]
}

func (m *Manager) IssueAccessToken(userID string) (string, error) {
	return m.issue(userID, Access)
}

func (m *Manager) IssueRefreshToken(userID string) (string, error) {
	return m.issue(userID, Refresh)
}

func (m *Manager) issue(userID string, class Class) (string, error) {
	secret, ok := m.secrets[class]
	if !ok || len(secret) == 0 {
		return "", fmt.Errorf("%w: no secret for %s tokens", ErrSigning, class)
	}
	now := m.now()
	claims := Claims{
		Type: class,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttls[class])),
			// two tokens minted in the same second must still differ
			ID: utilities.NewKSUID(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return signed, nil
}

// Verify checks signature, expiry and class of signed. It never consults
// the user store; whether the subject still exists is the caller's concern.
func (m *Manager) Verify(signed string, class Class) (*Verified, error) {
	secret, ok := m.secrets[class]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token class %q", ErrMalformed, class)
	}
	claims, err := m.parse(signed, secret)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) && m.signedByOther(signed, class) {
			return nil, ErrWrongSecret
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if claims.Type != class {
		return nil, fmt.Errorf("%w: expected %s token, got %q", ErrMalformed, class, claims.Type)
	}
	if claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing subject or expiry", ErrMalformed)
	}
	return &Verified{UserID: claims.Subject, ExpiresAt: claims.ExpiresAt.Time}, nil
}

func (m *Manager) parse(signed string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	tok, err := parser.ParseWithClaims(signed, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func (m *Manager) signedByOther(signed string, class Class) bool {
	for other, secret := range m.secrets {
		if other == class {
			continue
		}
		claims := &Claims{}
		parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
		if _, err := parser.ParseWithClaims(signed, claims, func(*jwt.Token) (any, error) {
			return secret, nil
		}); err == nil {
			return true
		}
	}
	return false
}
