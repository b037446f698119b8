package app

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// verifyCodeTTL is how long an issued verification code stays valid.
const verifyCodeTTL = time.Hour

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{2,20}$`)

// newVerifyCode draws a 6-digit code uniformly from [100000, 999999].
func newVerifyCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate verification code: %w", err)
	}
	return strconv.FormatInt(n.Int64()+100000, 10), nil
}

func validateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return ErrUsernameInvalid
	}
	return nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return "", ErrEmailInvalid
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", ErrEmailInvalid
	}
	return email, nil
}
