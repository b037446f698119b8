package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// bcryptCost is the salted one-way hash cost factor. Raising it slows both
// hashing and verification.
const bcryptCost = 10

const minPasswordLength = 6

// ErrPasswordTooShort is returned when a candidate password is below the
// minimum length.
var ErrPasswordTooShort = errors.New("password must be at least 6 characters")

// HashPassword returns a salted bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword validates a password against a stored bcrypt hash.
func CheckPassword(password, stored string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}

// ValidatePassword enforces the sign-up password policy.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}
