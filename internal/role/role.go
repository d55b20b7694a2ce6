// Package role manages named permission groups and subject-role assignment.
// A subject always holds at least one role; system-reserved roles cannot be
// deleted.
package role

import (
	"strings"
	"time"
)

// Role is a named permission group assignable to credentials.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Patch carries partial updates; nil fields are left untouched.
type Patch struct {
	Name        *string
	Description *string
	IsActive    *bool
}

// SystemRoles cannot be deleted.
var SystemRoles = map[string]struct{}{
	"ADMIN": {},
}

// Reserved reports whether name is a system-reserved role.
func Reserved(name string) bool {
	_, ok := SystemRoles[Normalize(name)]
	return ok
}

// Normalize canonicalizes a role name: trimmed, upper-cased.
func Normalize(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// NormalizeAll canonicalizes and deduplicates a name list, preserving order.
func NormalizeAll(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = Normalize(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Count pairs a role with the number of subjects holding it.
type Count struct {
	Role     Role `json:"role"`
	Subjects int  `json:"subjects"`
}
