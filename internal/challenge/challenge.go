// Package challenge issues and verifies short-lived, attempt-limited
// verification codes bound to a (target, purpose) pair.
package challenge

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// Purpose states why a code was requested. A code verifies only against the
// purpose it was issued for.
type Purpose string

const (
	PurposeLogin         Purpose = "login"
	PurposeRegister      Purpose = "register"
	PurposeResetPassword Purpose = "reset_password"
	PurposeChangeEmail   Purpose = "change_email"
	PurposeChangePhone   Purpose = "change_phone"
	PurposeBindEmail     Purpose = "bind_email"
	PurposeBindPhone     Purpose = "bind_phone"
)

var validPurposes = map[Purpose]struct{}{
	PurposeLogin: {}, PurposeRegister: {}, PurposeResetPassword: {},
	PurposeChangeEmail: {}, PurposeChangePhone: {},
	PurposeBindEmail: {}, PurposeBindPhone: {},
}

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	_, ok := validPurposes[p]
	return ok
}

// Challenge is a persisted verification code. Single use; attempts never
// exceed MaxAttempts.
type Challenge struct {
	ID          string
	Target      string
	CodeHash    string
	Purpose     Purpose
	Attempts    int
	MaxAttempts int
	Used        bool
	ExpiresAt   time.Time
	RequestIP   string
	CreatedAt   time.Time
}

const (
	defaultTTL         = 5 * time.Minute
	defaultMaxAttempts = 3
	codeDigits         = 6
)

var codeSpace = func() *big.Int {
	n := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		n.Mul(n, big.NewInt(10))
	}
	return n
}()

// generateCode draws a fixed-length numeric code from crypto/rand.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}
