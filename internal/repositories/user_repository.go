package repositories

import (
	"context"
	"errors"

	"userhub/internal/models"
)

// ErrNotFound is returned when a requested row does not exist. Callers
// should match it with errors.Is since implementations wrap it with context.
var ErrNotFound = errors.New("record not found")

// UserRepository defines the interface for user data access.
type UserRepository interface {
	// Create persists the user together with its role grants atomically;
	// a user is never visible without its roles.
	Create(ctx context.Context, user *models.User) error
	// GetByID loads a user and its roles, returning ErrNotFound if absent.
	GetByID(ctx context.Context, id uint) (*models.User, error)
	// GetByEmail looks a user up by normalized email. A missing row is not
	// an error: it returns (nil, nil) so callers can use it as a pre-check.
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	// AddRole grants a role; the store's unique index rejects duplicates.
	AddRole(ctx context.Context, userID uint, role models.Role) error
	// RemoveRole revokes a role, returning ErrNotFound if it was not held.
	RemoveRole(ctx context.Context, userID uint, role models.Role) error
	// UpdateStatus persists a status transition.
	UpdateStatus(ctx context.Context, userID uint, status models.Status) error
	// Delete removes the user; role rows go with it via cascade.
	Delete(ctx context.Context, id uint) error
}
