// Package token issues, rotates and revokes refresh credentials. A secret is
// handed to the caller exactly once; only its SHA-256 digest is stored, in a
// unique-indexed column that doubles as the lookup key.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"time"

	"sentra.dev/internal/audit"
)

// Record is a persisted refresh credential. The plaintext secret is never
// part of it.
type Record struct {
	ID         string     `json:"id"`
	SubjectID  string     `json:"subject_id"`
	TokenHash  string     `json:"-"`
	DeviceID   string     `json:"device_id,omitempty"`
	IP         string     `json:"ip,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	IsActive   bool       `json:"is_active"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

const (
	defaultRefreshTTL = 7 * 24 * time.Hour
	secretBytes       = 32
)

// Ledger manages the refresh-record lifecycle against PostgreSQL.
type Ledger struct {
	db     *sql.DB
	events audit.Recorder
	ttl    time.Duration
	now    func() time.Time
}

// Option configures Ledger behavior.
type Option func(*Ledger)

// WithRefreshTTL overrides the refresh credential lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.now = fn
		}
	}
}

func NewLedger(db *sql.DB, events audit.Recorder, opts ...Option) *Ledger {
	l := &Ledger{db: db, events: events, ttl: defaultRefreshTTL, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func newSecret() (plaintext, hash string, err error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	plaintext = base64.RawURLEncoding.EncodeToString(buf)
	return plaintext, hashSecret(plaintext), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
