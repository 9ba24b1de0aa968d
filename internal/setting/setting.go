// Package setting loads the process-wide configuration of the auth service.
// A Setting is read once at startup and passed by value into constructors;
// nothing reads the environment after that.
package setting

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

var ErrInvalid = errors.New("invalid setting")

// Setting holds secrets, token lifetimes and the policy switches of the
// authentication service.
type Setting struct {
	AccessSecret    string        `env:"ACCESS_TOKEN_SECRET,required,notEmpty"`
	RefreshSecret   string        `env:"REFRESH_TOKEN_SECRET,required,notEmpty"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_EXPIRY,required,notEmpty"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_EXPIRY,required,notEmpty"`

	BcryptCost          int  `env:"BCRYPT_COST" envDefault:"10"`
	RotateRefreshToken  bool `env:"REFRESH_TOKEN_ROTATION" envDefault:"true"`
	CollapseLoginErrors bool `env:"LOGIN_COLLAPSE_ERRORS" envDefault:"false"`

	SessionBackend string `env:"SESSION_BACKEND" envDefault:"postgres"`
	RedisURL       string `env:"REDIS_URL"`
	RedisPrefix    string `env:"REDIS_PREFIX" envDefault:"pitchfork"`

	HTTPAddr     string `env:"HTTP_ADDR"`
	Port         string `env:"PORT" envDefault:"8000"`
	CookieSecure bool   `env:"COOKIE_SECURE" envDefault:"true"`
	BodyLimit    int64  `env:"BODY_LIMIT_BYTES" envDefault:"20480"`
}

// FromEnv reads the process environment.
func FromEnv() (Setting, error) {
	return parse(env.Options{})
}

// FromMap reads settings from the given variables only.
func FromMap(vars map[string]string) (Setting, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Setting, error) {
	opts.FuncMap = map[reflect.Type]env.ParserFunc{
		reflect.TypeOf(time.Duration(0)): func(v string) (any, error) {
			return ParseDuration(v)
		},
	}
	var s Setting
	if err := env.ParseWithOptions(&s, opts); err != nil {
		return Setting{}, fmt.Errorf("parse env: %w", err)
	}
	s.SessionBackend = strings.ToLower(strings.TrimSpace(s.SessionBackend))
	if err := s.Validate(); err != nil {
		return Setting{}, err
	}
	return s, nil
}

// Validate reports the first inconsistent field.
func (s Setting) Validate() error {
	switch {
	case s.AccessSecret == "" || s.RefreshSecret == "":
		return fmt.Errorf("%w: token secrets are required", ErrInvalid)
	case s.AccessSecret == s.RefreshSecret:
		return fmt.Errorf("%w: access and refresh secrets must differ", ErrInvalid)
	case s.AccessTokenTTL <= 0 || s.RefreshTokenTTL <= 0:
		return fmt.Errorf("%w: token expiries must be positive", ErrInvalid)
	case s.AccessTokenTTL >= s.RefreshTokenTTL:
		return fmt.Errorf("%w: access token expiry must be shorter than refresh token expiry", ErrInvalid)
	case s.BcryptCost < 4 || s.BcryptCost > 31:
		return fmt.Errorf("%w: bcrypt cost %d out of range 4..31", ErrInvalid, s.BcryptCost)
	case s.BodyLimit <= 0:
		return fmt.Errorf("%w: body limit must be positive", ErrInvalid)
	}
	switch s.SessionBackend {
	case BackendPostgres:
	case BackendRedis:
		if s.RedisURL == "" {
			return fmt.Errorf("%w: REDIS_URL is required for the redis session backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown session backend %q", ErrInvalid, s.SessionBackend)
	}
	return nil
}

// Addr is the listen address: HTTP_ADDR when set, otherwise all
// interfaces on PORT.
func (s Setting) Addr() string {
	if s.HTTPAddr != "" {
		return s.HTTPAddr
	}
	return "0.0.0.0:" + s.Port
}

// ParseDuration accepts time.ParseDuration syntax plus a whole or
// fractional day count such as "1d" or "1.5d".
func ParseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if days, ok := strings.CutSuffix(v, "d"); ok {
		n, err := strconv.ParseFloat(days, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		return time.Duration(n * float64(24*time.Hour)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}
