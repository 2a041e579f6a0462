// Package auth implements email one-time-passcode sign in and the bearer
// sessions issued after a successful verification.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

var (
	ErrInvalidEmail    = errors.New("invalid email address")
	ErrInvalidCode     = errors.New("invalid code")
	ErrCodeExpired     = errors.New("code expired")
	ErrTooManyAttempts = errors.New("too many attempts")
	ErrDelivery        = errors.New("code delivery failed")
	ErrNotFound        = errors.New("not found")
)

// Messages returned to clients. Verification failures are deliberately not
// distinguished.
const (
	SendFailedMessage   = "Failed to send verification code. Please try again."
	VerifyFailedMessage = "Invalid or expired code. Please try again."
)

// Provider sends and verifies one-time passcodes.
type Provider interface {
	SendCode(ctx context.Context, email string) error
	VerifyCode(ctx context.Context, email, code string) error
}

// NormalizeEmail validates a bare address and lower-cases it.
func NormalizeEmail(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s || !strings.Contains(s, "@") {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, s)
	}
	return strings.ToLower(s), nil
}

// DisplayName is the part of the address before '@', or "User" when that is empty.
func DisplayName(email string) string {
	local, _, _ := strings.Cut(email, "@")
	if local == "" {
		return "User"
	}
	return local
}

// NewToken returns a random 256-bit hex token.
func NewToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// IsVerifyFailure reports whether err is one of the verification rejections
// that map to VerifyFailedMessage.
func IsVerifyFailure(err error) bool {
	return errors.Is(err, ErrInvalidCode) ||
		errors.Is(err, ErrCodeExpired) ||
		errors.Is(err, ErrTooManyAttempts) ||
		errors.Is(err, ErrInvalidEmail)
}
