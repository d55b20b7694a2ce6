// Package notify is the delivery boundary for verification codes. Actual
// email/SMS transport lives outside this system.
package notify

import (
	"context"

	"sentra.dev/internal/obs"
)

// Dispatcher hands a verification code to an external delivery channel.
type Dispatcher interface {
	Deliver(ctx context.Context, target, code string) error
}

// LogDispatcher writes codes to the service log. Stand-in for a real
// email/SMS integration in development environments.
type LogDispatcher struct{}

func (LogDispatcher) Deliver(_ context.Context, target, code string) error {
	obs.Log("verification code issued", map[string]any{
		"target": target,
		"code":   code,
	})
	return nil
}
