// Package user owns the credential record: the authenticated subject with
// its identifier set, password hash and verification flags.
package user

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"sentra.dev/internal/errs"
)

// User is the authenticated subject. At least one of Email or Phone is
// present; both are stored normalized. The password hash never leaves this
// package in plaintext form.
type User struct {
	ID            string     `json:"id"`
	Email         string     `json:"email,omitempty"`
	Phone         string     `json:"phone,omitempty"`
	Username      string     `json:"username"`
	PasswordHash  string     `json:"-"`
	Nickname      string     `json:"nickname,omitempty"`
	IsActive      bool       `json:"is_active"`
	EmailVerified bool       `json:"email_verified"`
	PhoneVerified bool       `json:"phone_verified"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	// E.164: plus sign, country code 1-9, up to 15 digits total.
	phonePattern = regexp.MustCompile(`^\+[1-9][0-9]{1,14}$`)
	phoneStrip   = regexp.MustCompile(`[\s\-().]`)
)

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(email) {
		return "", fmt.Errorf("%w: invalid email format", errs.ErrValidation)
	}
	return email, nil
}

// NormalizePhone canonicalizes a phone number to E.164. Separator characters
// are stripped; the country prefix must already be present.
func NormalizePhone(phone string) (string, error) {
	phone = phoneStrip.ReplaceAllString(strings.TrimSpace(phone), "")
	if !phonePattern.MatchString(phone) {
		return "", fmt.Errorf("%w: invalid phone format, expected E.164", errs.ErrValidation)
	}
	return phone, nil
}

// IsEmail reports whether raw looks like an email address rather than a
// phone number.
func IsEmail(raw string) bool {
	return strings.Contains(raw, "@")
}

// NormalizeTarget canonicalizes an identifier that may be either an email
// address or a phone number.
func NormalizeTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: identifier is required", errs.ErrValidation)
	}
	if IsEmail(raw) {
		return NormalizeEmail(raw)
	}
	return NormalizePhone(raw)
}
