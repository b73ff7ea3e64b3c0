// ABOUTME: Password hashing and comparison using bcrypt
// ABOUTME: Enforces bcrypt's 72-byte input limit instead of silently truncating

package auth

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// MaxPasswordBytes is bcrypt's input limit.
const MaxPasswordBytes = 72

// DefaultBcryptCost is the work factor used for new password hashes.
const DefaultBcryptCost = 12

// ErrPasswordTooLong is returned when a password exceeds MaxPasswordBytes.
var ErrPasswordTooLong = errors.New("password exceeds 72 bytes")

// dummyHashes are compared against when the user doesn't exist, so that
// unknown emails and wrong passwords take the same time. One per cost.
var (
	dummyMu     sync.Mutex
	dummyHashes = map[int][]byte{}
)

// HashPassword returns a bcrypt hash of password at the given cost.
func HashPassword(password string, cost int) (string, error) {
	if len(password) > MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// burnCompare performs a comparison at the given cost whose result is discarded.
func burnCompare(password string, cost int) {
	dummyMu.Lock()
	hash, ok := dummyHashes[cost]
	if !ok {
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), cost)
		if err != nil {
			dummyMu.Unlock()
			return
		}
		dummyHashes[cost] = hash
	}
	dummyMu.Unlock()

	if len(password) > MaxPasswordBytes {
		password = password[:MaxPasswordBytes]
	}
	_ = bcrypt.CompareHashAndPassword(hash, []byte(password))
}
