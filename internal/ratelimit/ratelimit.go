// Package ratelimit throttles challenge issuance with fixed-window markers
// in a shared key-value store. Markers expire via TTL; reservation is a
// single atomic SET NX per key, so concurrent requests for the same key
// cannot both pass.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sentra.dev/internal/errs"
)

// Limiter reserves fixed rate-limit windows keyed by target and source IP.
type Limiter struct {
	client *redis.Client
	window time.Duration
}

func NewLimiter(client *redis.Client, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{client: client, window: window}
}

// Reserve claims the window for both the target and the source IP. The
// second request inside the window fails with ErrRateLimited. A claim made
// here is consumed even if the caller's operation later fails; the window
// bounds request frequency, not success frequency.
func (l *Limiter) Reserve(ctx context.Context, target, ip string) error {
	if err := l.reserveKey(ctx, "rl:target:"+target); err != nil {
		return err
	}
	if ip == "" {
		return nil
	}
	return l.reserveKey(ctx, "rl:ip:"+ip)
}

func (l *Limiter) reserveKey(ctx context.Context, key string) error {
	ok, err := l.client.SetNX(ctx, key, time.Now().Unix(), l.window).Result()
	if err != nil {
		return fmt.Errorf("rate limit store: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: please wait before requesting another code", errs.ErrRateLimited)
	}
	return nil
}

// Remaining reports how long the window for a target still has to run.
// Zero means the target is not currently limited.
func (l *Limiter) Remaining(ctx context.Context, target string) (time.Duration, error) {
	ttl, err := l.client.TTL(ctx, "rl:target:"+target).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limit store: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
