package user

import (
	"errors"
	"net/http"
)

// Kind classifies service failures for the transport layer.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindAuth:
		return "auth"
	default:
		return "internal"
	}
}

// Status maps a kind to its HTTP status code.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error is returned by every Service and Guard operation. Message is safe
// to show to clients; Err keeps the cause for logs and errors.Is.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Client-visible messages.
const (
	MsgUnknownIdentity    = "Unknown identity"
	MsgIncorrectPassword  = "Incorrect password"
	MsgInvalidCredentials = "Invalid credentials"
	MsgNoToken            = "No token"
	MsgUnauthorized       = "Unauthorized"
	MsgTokenReuse         = "Token reuse detected"
	MsgUserExists         = "User with email or username already exists"
	MsgTokenGeneration    = "Something went wrong while generating tokens"
	MsgInternal           = "Internal server error"
)

var ErrHashing = errors.New("password hashing failed")

func validationErr(msg string) error { return &Error{Kind: KindValidation, Message: msg} }

func authErr(msg string, cause error) error {
	return &Error{Kind: KindAuth, Message: msg, Err: cause}
}

func internalErr(msg string, cause error) error {
	return &Error{Kind: KindInternal, Message: msg, Err: cause}
}

// KindOf returns the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the client-visible message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return MsgInternal
}
