package auth

import (
	"errors"
	"testing"
	"time"

	"sentra.dev/internal/errs"
	"sentra.dev/internal/user"
)

func testSigner(t *testing.T, opts ...SignerOption) *TokenSigner {
	t.Helper()
	s, err := NewTokenSigner("test-secret-0123456789", "sentra", opts...)
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}
	return s
}

func TestSignerRequiresSecret(t *testing.T) {
	if _, err := NewTokenSigner("  ", "sentra"); err == nil {
		t.Fatal("expected error for blank secret")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s := testSigner(t)
	u := &user.User{ID: "subj-1", Username: "alice", Email: "alice@example.com"}

	token, exp, err := s.Sign(u, []string{"user", "EDITOR"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Fatalf("expiry not in the future: %v", exp)
	}

	claims, err := s.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "subj-1" || claims.Username != "alice" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Roles) != 2 || claims.Roles[0] != "USER" || claims.Roles[1] != "EDITOR" {
		t.Fatalf("expected normalized role snapshot, got %v", claims.Roles)
	}
	if claims.ID == "" {
		t.Fatal("expected a token id")
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	s := testSigner(t)
	token, _, err := s.Sign(&user.User{ID: "subj-1", Username: "alice"}, nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	_, err = s.Verify(token + "x")
	if !errors.Is(err, errs.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	base := time.Now()
	clock := base
	s := testSigner(t, WithAccessTTL(time.Minute), WithSignerClock(func() time.Time { return clock }))

	token, _, err := s.Sign(&user.User{ID: "subj-1", Username: "alice"}, nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	clock = base.Add(2 * time.Minute)
	if _, err := s.Verify(token); !errors.Is(err, errs.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication for expired token, got %v", err)
	}
}

func TestVerifyRejectsForeignIssuer(t *testing.T) {
	other, err := NewTokenSigner("test-secret-0123456789", "someone-else")
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}
	token, _, err := other.Sign(&user.User{ID: "subj-1", Username: "alice"}, nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	s := testSigner(t)
	if _, err := s.Verify(token); !errors.Is(err, errs.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication for issuer mismatch, got %v", err)
	}
}
