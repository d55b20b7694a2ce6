package challenge

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"sentra.dev/internal/audit"
	"sentra.dev/internal/errs"
	"sentra.dev/internal/ids"
	"sentra.dev/internal/notify"
	"sentra.dev/internal/obs"
	"sentra.dev/internal/user"
)

// RateReserver claims a fixed rate-limit window for a target/source pair.
type RateReserver interface {
	Reserve(ctx context.Context, target, ip string) error
}

// Service runs the verification-code state machine against PostgreSQL.
type Service struct {
	db          *sql.DB
	limiter     RateReserver
	events      audit.Recorder
	dispatcher  notify.Dispatcher
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithTTL overrides the challenge lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMaxAttempts overrides the verification attempt bound.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(db *sql.DB, limiter RateReserver, events audit.Recorder, dispatcher notify.Dispatcher, opts ...Option) *Service {
	s := &Service{
		db:          db,
		limiter:     limiter,
		events:      events,
		dispatcher:  dispatcher,
		ttl:         defaultTTL,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send issues a fresh code for (target, purpose) and hands it to the
// delivery collaborator. The rate window is claimed atomically up front, so
// two concurrent sends for the same target cannot both pass.
func (s *Service) Send(ctx context.Context, rawTarget string, purpose Purpose, meta audit.RequestMeta) error {
	if !purpose.Valid() {
		return fmt.Errorf("%w: unknown purpose %q", errs.ErrValidation, purpose)
	}
	target, err := user.NormalizeTarget(rawTarget)
	if err != nil {
		return err
	}

	if err := s.limiter.Reserve(ctx, target, meta.IP); err != nil {
		obs.ChallengesTotal.WithLabelValues("send", "rate_limited").Inc()
		s.sendFailed(ctx, target, purpose, meta, "rate limited")
		return err
	}

	code, err := generateCode()
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		insert into verification_codes(id, target, code_hash, purpose, attempts, max_attempts, used, expires_at, request_ip)
		values ($1, $2, $3, $4, 0, $5, false, $6, nullif($7,''))
	`, ids.New(), target, string(hash), string(purpose), s.maxAttempts, s.now().Add(s.ttl), meta.IP)
	if err != nil {
		return err
	}

	if err := s.dispatcher.Deliver(ctx, target, code); err != nil {
		obs.ChallengesTotal.WithLabelValues("send", "failure").Inc()
		s.sendFailed(ctx, target, purpose, meta, "delivery failed")
		return fmt.Errorf("deliver code: %w", err)
	}

	obs.ChallengesTotal.WithLabelValues("send", "success").Inc()
	s.events.Record(ctx, audit.Event{
		Type:     audit.EventVerificationCodeSent,
		Target:   target,
		Meta:     meta,
		Metadata: map[string]any{"purpose": string(purpose)},
		Success:  true,
	})
	return nil
}

// Verify checks a presented code against the newest unused, unexpired
// challenge for (target, purpose). The caller cannot distinguish a missing
// challenge from an expired one.
func (s *Service) Verify(ctx context.Context, rawTarget, code string, purpose Purpose, meta audit.RequestMeta) (bool, error) {
	if !purpose.Valid() {
		return false, fmt.Errorf("%w: unknown purpose %q", errs.ErrValidation, purpose)
	}
	target, err := user.NormalizeTarget(rawTarget)
	if err != nil {
		return false, err
	}

	var ch Challenge
	err = s.db.QueryRowContext(ctx, `
		select id, code_hash, attempts, max_attempts
		from verification_codes
		where target = $1 and purpose = $2 and not used and expires_at > now()
		order by created_at desc
		limit 1
	`, target, string(purpose)).Scan(&ch.ID, &ch.CodeHash, &ch.Attempts, &ch.MaxAttempts)
	if err == sql.ErrNoRows {
		s.verifyFailed(ctx, target, purpose, meta, "code not found or expired")
		return false, fmt.Errorf("%w: invalid or expired code", errs.ErrAuthentication)
	}
	if err != nil {
		return false, err
	}

	if ch.Attempts >= ch.MaxAttempts {
		s.verifyFailed(ctx, target, purpose, meta, "max attempts exceeded")
		return false, fmt.Errorf("%w: too many failed attempts", errs.ErrAuthentication)
	}

	// Linearizable per row: the conditional increment enforces the bound
	// exactly even under concurrent verify calls.
	var attempts int
	err = s.db.QueryRowContext(ctx, `
		update verification_codes
		set attempts = attempts + 1
		where id = $1 and not used and attempts < max_attempts
		returning attempts
	`, ch.ID).Scan(&attempts)
	if err == sql.ErrNoRows {
		s.verifyFailed(ctx, target, purpose, meta, "max attempts exceeded")
		return false, fmt.Errorf("%w: too many failed attempts", errs.ErrAuthentication)
	}
	if err != nil {
		return false, err
	}

	if bcrypt.CompareHashAndPassword([]byte(ch.CodeHash), []byte(code)) != nil {
		obs.ChallengesTotal.WithLabelValues("verify", "failure").Inc()
		s.verifyFailed(ctx, target, purpose, meta, "code mismatch")
		return false, fmt.Errorf("%w: invalid or expired code", errs.ErrAuthentication)
	}

	err = s.db.QueryRowContext(ctx, `
		update verification_codes set used = true where id = $1 and not used returning id
	`, ch.ID).Scan(&ch.ID)
	if err == sql.ErrNoRows {
		s.verifyFailed(ctx, target, purpose, meta, "code already used")
		return false, fmt.Errorf("%w: invalid or expired code", errs.ErrAuthentication)
	}
	if err != nil {
		return false, err
	}

	obs.ChallengesTotal.WithLabelValues("verify", "success").Inc()
	s.events.Record(ctx, audit.Event{
		Type:     audit.EventVerificationCodeSuccess,
		Target:   target,
		Meta:     meta,
		Metadata: map[string]any{"purpose": string(purpose)},
		Success:  true,
	})
	return true, nil
}

// SweepExpired deletes challenges past expiry and returns the removed count.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from verification_codes where expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Service) sendFailed(ctx context.Context, target string, purpose Purpose, meta audit.RequestMeta, reason string) {
	s.events.Record(ctx, audit.Event{
		Type:         audit.EventVerificationCodeFailed,
		Target:       target,
		Meta:         meta,
		Metadata:     map[string]any{"purpose": string(purpose), "stage": "send"},
		Success:      false,
		ErrorMessage: reason,
	})
}

func (s *Service) verifyFailed(ctx context.Context, target string, purpose Purpose, meta audit.RequestMeta, reason string) {
	s.events.Record(ctx, audit.Event{
		Type:         audit.EventVerificationCodeFailed,
		Target:       target,
		Meta:         meta,
		Metadata:     map[string]any{"purpose": string(purpose), "stage": "verify"},
		Success:      false,
		ErrorMessage: reason,
	})
}
