package user

import "context"

// Store describes persistence operations for credential records.
type Store interface {
	Create(ctx context.Context, u *User) error
	FindByID(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	// FindByIdentifier resolves a normalized email or phone to a user.
	FindByIdentifier(ctx context.Context, email, phone string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	SetActive(ctx context.Context, userID string, active bool) error
	SoftDelete(ctx context.Context, userID string) error
}
