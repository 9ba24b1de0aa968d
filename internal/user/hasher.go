package user

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher hashes and checks passwords.
type PasswordHasher interface {
	Hash(pw string) (string, error)
	Verify(hash, pw string) (bool, error)
}

// BcryptHasher implementation. The salt lives inside the digest.
type BcryptHasher struct{ Cost int }

func (b BcryptHasher) cost() int {
	if b.Cost == 0 {
		return bcrypt.DefaultCost
	}
	return b.Cost
}

// prepare maps every password, whatever its length, to a 44-byte
// SHA-256 digest; bcrypt reads at most 72 bytes.
func prepare(pw string) []byte {
	sum := sha256.Sum256([]byte(pw))
	return []byte(base64.StdEncoding.EncodeToString(sum[:]))
}

func (b BcryptHasher) Hash(pw string) (string, error) {
	h, err := bcrypt.GenerateFromPassword(prepare(pw), b.cost())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHashing, err)
	}
	return string(h), nil
}

// Verify reports false for a wrong password and an error only when hash
// is not a bcrypt digest.
func (b BcryptHasher) Verify(hash, pw string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), prepare(pw))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrHashing, err)
	}
}
