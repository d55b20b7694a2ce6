// Package access makes per-operation authorization decisions. Requirements
// are declared statically at composition time; role membership is evaluated
// from the session token's embedded snapshot, never a fresh store lookup.
package access

import (
	"context"
	"fmt"
	"strings"

	"sentra.dev/internal/audit"
	"sentra.dev/internal/errs"
	"sentra.dev/internal/obs"
	"sentra.dev/internal/role"
)

// Level is the access gate applied to an operation.
type Level int

const (
	// LevelPublic bypasses all checks.
	LevelPublic Level = iota
	// LevelAuthenticated requires a valid session, any roles.
	LevelAuthenticated
	// LevelRole requires the session's role snapshot to intersect the
	// requirement's role set.
	LevelRole
)

// Requirement is a statically declared access rule for one operation.
type Requirement struct {
	Level Level
	Roles []string
}

// Public marks an operation as open.
func Public() Requirement { return Requirement{Level: LevelPublic} }

// Authenticated requires any valid session.
func Authenticated() Requirement { return Requirement{Level: LevelAuthenticated} }

// RequireRoles requires at least one of the named roles.
func RequireRoles(names ...string) Requirement {
	return Requirement{Level: LevelRole, Roles: role.NormalizeAll(names)}
}

// Subject is the authenticated caller as seen by the evaluator: identity
// plus the role snapshot carried in the signed session token.
type Subject struct {
	ID    string
	Roles []string
}

// ErrNoRolesAssigned is raised when a subject with an empty role snapshot
// hits a role-gated operation. Distinct from an insufficient-role denial.
var ErrNoRolesAssigned = fmt.Errorf("%w: no roles assigned", errs.ErrAuthorization)

// Evaluator decides allow/deny and emits the corresponding audit events.
type Evaluator struct {
	events audit.Recorder
}

func NewEvaluator(events audit.Recorder) *Evaluator {
	return &Evaluator{events: events}
}

// Authorize applies req to the subject for the named resource. A nil subject
// means the caller presented no valid session.
func (e *Evaluator) Authorize(ctx context.Context, sub *Subject, req Requirement, resource string, meta audit.RequestMeta) error {
	switch req.Level {
	case LevelPublic:
		return nil

	case LevelAuthenticated:
		if sub == nil {
			return fmt.Errorf("%w: session required", errs.ErrAuthentication)
		}
		return nil

	case LevelRole:
		if sub == nil {
			return fmt.Errorf("%w: session required", errs.ErrAuthentication)
		}
		held := role.NormalizeAll(sub.Roles)
		if len(held) == 0 {
			e.deny(ctx, sub.ID, resource, req.Roles, nil, meta)
			return ErrNoRolesAssigned
		}
		for _, h := range held {
			for _, r := range req.Roles {
				if h == r {
					e.allow(ctx, sub.ID, resource, held, meta)
					return nil
				}
			}
		}
		e.deny(ctx, sub.ID, resource, req.Roles, held, meta)
		return fmt.Errorf("%w: insufficient permission, required roles: %s, held roles: %s",
			errs.ErrAuthorization, strings.Join(req.Roles, ", "), strings.Join(held, ", "))

	default:
		return fmt.Errorf("%w: unknown access level %d", errs.ErrValidation, req.Level)
	}
}

func (e *Evaluator) deny(ctx context.Context, subjectID, resource string, required, held []string, meta audit.RequestMeta) {
	obs.AccessDecisionsTotal.WithLabelValues("denied").Inc()
	e.events.Record(ctx, audit.Event{
		SubjectID: subjectID,
		Type:      audit.EventPermissionDenied,
		Target:    resource,
		Meta:      meta,
		Metadata: map[string]any{
			"required_roles": required,
			"held_roles":     held,
		},
		Success: false,
	})
}

func (e *Evaluator) allow(ctx context.Context, subjectID, resource string, held []string, meta audit.RequestMeta) {
	obs.AccessDecisionsTotal.WithLabelValues("granted").Inc()
	e.events.Record(ctx, audit.Event{
		SubjectID: subjectID,
		Type:      audit.EventAccessGranted,
		Target:    resource,
		Meta:      meta,
		Metadata:  map[string]any{"held_roles": held},
		Success:   true,
	})
}
