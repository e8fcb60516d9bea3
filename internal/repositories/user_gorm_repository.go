package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"userhub/internal/models"
)

// GORMUserRepository is a GORM implementation of UserRepository.
type GORMUserRepository struct {
	db *gorm.DB
}

// NewGORMUserRepository creates a new instance of GORMUserRepository.
func NewGORMUserRepository(db *gorm.DB) *GORMUserRepository {
	return &GORMUserRepository{
		db: db,
	}
}

// Create inserts the user and its role grants in one transaction. GORM
// saves the Roles association alongside the parent row, so a partial
// aggregate is never observable. Constraint violations are returned
// unwrapped underneath the context message for the classifier to inspect.
func (r *GORMUserRepository) Create(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetByID retrieves a user and its roles by primary key.
func (r *GORMUserRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Preload("Roles").First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user by ID %d: %w", id, err)
	}
	if err := user.Validate(); err != nil {
		return nil, fmt.Errorf("stored user is invalid: %w", err)
	}
	return &user, nil
}

// GetByEmail retrieves a user by normalized email. Absence is reported as
// (nil, nil) rather than an error.
func (r *GORMUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Preload("Roles").First(&user, "email = ?", email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user by email %s: %w", email, err)
	}
	return &user, nil
}

// AddRole inserts a role grant. A duplicate (user, role) pair is rejected
// by the composite unique index and surfaces as a driver error.
func (r *GORMUserRepository) AddRole(ctx context.Context, userID uint, role models.Role) error {
	grant := models.UserRole{UserID: userID, Role: role}
	if err := r.db.WithContext(ctx).Create(&grant).Error; err != nil {
		return fmt.Errorf("failed to add role %s to user %d: %w", role, userID, err)
	}
	return nil
}

// RemoveRole deletes a role grant, reporting ErrNotFound when no row matched.
func (r *GORMUserRepository) RemoveRole(ctx context.Context, userID uint, role models.Role) error {
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND role = ?", userID, role).
		Delete(&models.UserRole{})
	if res.Error != nil {
		return fmt.Errorf("failed to remove role %s from user %d: %w", role, userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("role %s on user %d: %w", role, userID, ErrNotFound)
	}
	return nil
}

// UpdateStatus persists a status transition for an existing user.
func (r *GORMUserRepository) UpdateStatus(ctx context.Context, userID uint, status models.Status) error {
	res := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("failed to update status of user %d: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return nil
}

// Delete removes a user. Role rows are removed by the cascade constraint;
// on stores without enforced foreign keys the association is selected
// explicitly so the aggregate is deleted as a whole.
func (r *GORMUserRepository) Delete(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).
		Select("Roles").
		Delete(&models.User{ID: id})
	if res.Error != nil {
		return fmt.Errorf("failed to delete user %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return nil
}
