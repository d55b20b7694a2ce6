// Package audit provides the append-only security event log. Recording is
// best effort: a persistence failure is logged locally and never surfaced to
// the caller, so audit problems cannot break primary business flows.
package audit

import (
	"context"
	"time"
)

// EventType enumerates security-relevant events.
type EventType string

const (
	EventLoginSuccess            EventType = "login_success"
	EventLoginFailed             EventType = "login_failed"
	EventRegisterSuccess         EventType = "register_success"
	EventRegisterFailed          EventType = "register_failed"
	EventVerificationCodeSent    EventType = "verification_code_sent"
	EventVerificationCodeFailed  EventType = "verification_code_failed"
	EventVerificationCodeSuccess EventType = "verification_code_success"
	EventPasswordReset           EventType = "password_reset"
	EventPasswordChange          EventType = "password_change"
	EventRefreshTokenUsed        EventType = "refresh_token_used"
	EventRefreshTokenRevoked     EventType = "refresh_token_revoked"
	EventRoleAssigned            EventType = "role_assigned"
	EventRoleRemoved             EventType = "role_removed"
	EventPermissionDenied        EventType = "permission_denied"
	EventAccessGranted           EventType = "access_granted"
)

// RequestMeta carries per-request context attached to audit events.
type RequestMeta struct {
	IP        string
	UserAgent string
	DeviceID  string
}

// Event is a single security event submitted for recording.
type Event struct {
	SubjectID    string
	Type         EventType
	Target       string
	Meta         RequestMeta
	Metadata     map[string]any
	Success      bool
	ErrorMessage string
}

// Record is a persisted audit entry. Immutable once written.
type Record struct {
	ID           string         `json:"id"`
	SubjectID    string         `json:"subject_id,omitempty"`
	Type         EventType      `json:"event_type"`
	Target       string         `json:"target,omitempty"`
	IP           string         `json:"ip,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	DeviceID     string         `json:"device_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Query bounds a newest-first scan of the log.
type Query struct {
	SubjectID  string
	EventTypes []EventType
	From       time.Time
	To         time.Time
	Limit      int
}

// Statistics summarizes access-control activity within a window.
type Statistics struct {
	PermissionDeniedCount int           `json:"permission_denied_count"`
	AccessGrantedCount    int           `json:"access_granted_count"`
	RoleChangesCount      int           `json:"role_changes_count"`
	TopDeniedTargets      []TargetCount `json:"top_denied_targets"`
}

// TargetCount pairs a denied target with its hit count.
type TargetCount struct {
	Target string `json:"target"`
	Count  int    `json:"count"`
}

// Recorder accepts events for recording. Implementations must not return
// errors to callers; delivery is best effort.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Store persists audit records.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	Query(ctx context.Context, q Query) ([]*Record, error)
	Statistics(ctx context.Context, windowDays int) (*Statistics, error)
}
