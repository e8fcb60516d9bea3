package models

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a user account, stored as text.
type Status string

const (
	StatusActive  Status = "Active"
	StatusBlocked Status = "Blocked"
)

// ParseStatus maps a stored label back to a Status. Unknown labels are
// rejected rather than defaulted, so corrupt rows surface on read.
func ParseStatus(label string) (Status, error) {
	switch Status(label) {
	case StatusActive, StatusBlocked:
		return Status(label), nil
	default:
		return "", fmt.Errorf("unknown user status %q", label)
	}
}

// Role is a capability grant on a user, stored as text.
type Role string

const (
	RoleBuyer         Role = "Buyer"
	RoleArtisan       Role = "Artisan"
	RoleSupport       Role = "Support"
	RoleAdministrator Role = "Administrator"
)

// ParseRole maps a stored label back to a Role, rejecting unknown labels.
func ParseRole(label string) (Role, error) {
	switch Role(label) {
	case RoleBuyer, RoleArtisan, RoleSupport, RoleAdministrator:
		return Role(label), nil
	default:
		return "", fmt.Errorf("unknown role %q", label)
	}
}

// DefaultRole is granted to every user at creation.
const DefaultRole = RoleBuyer

// User represents a registered user together with the roles it owns.
// The Roles slice is persisted by GORM but must only be mutated through
// AddRole/RemoveRole so the one-role-per-kind invariant holds.
type User struct {
	ID           uint       `json:"id" gorm:"primaryKey"`
	Username     string     `json:"username" gorm:"type:varchar(100);not null"`
	Email        string     `json:"email" gorm:"type:varchar(256);uniqueIndex;not null"`
	PasswordHash string     `json:"-" gorm:"type:varchar(256);not null"`
	Status       Status     `json:"status" gorm:"type:varchar(20);not null;default:'Active'"`
	Roles        []UserRole `json:"-" gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// UserRole is a single role grant owned by a User. The composite unique
// index keeps a user from holding the same role twice; the database is the
// authority even when application-level checks race.
type UserRole struct {
	ID     uint `json:"-" gorm:"primaryKey"`
	UserID uint `json:"-" gorm:"not null;uniqueIndex:idx_user_roles_user_role"`
	Role   Role `json:"role" gorm:"type:varchar(20);not null;uniqueIndex:idx_user_roles_user_role"`
}

// Validate checks that the stored status and role labels map to known
// variants, so unknown persisted labels fail the read instead of silently
// flowing onward.
func (u *User) Validate() error {
	if _, err := ParseStatus(string(u.Status)); err != nil {
		return fmt.Errorf("user %d: %w", u.ID, err)
	}
	for _, r := range u.Roles {
		if _, err := ParseRole(string(r.Role)); err != nil {
			return fmt.Errorf("user %d: %w", u.ID, err)
		}
	}
	return nil
}

// HasRole reports whether the user currently holds the given role.
func (u *User) HasRole(role Role) bool {
	for _, r := range u.Roles {
		if r.Role == role {
			return true
		}
	}
	return false
}

// AddRole appends a role grant, rejecting duplicates.
func (u *User) AddRole(role Role) error {
	if u.HasRole(role) {
		return fmt.Errorf("user already holds role %s", role)
	}
	u.Roles = append(u.Roles, UserRole{UserID: u.ID, Role: role})
	return nil
}

// RemoveRole drops a role grant, rejecting roles the user does not hold.
func (u *User) RemoveRole(role Role) error {
	for i, r := range u.Roles {
		if r.Role == role {
			u.Roles = append(u.Roles[:i], u.Roles[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("user does not hold role %s", role)
}

// RoleLabels returns a snapshot of the user's role labels. Mutating the
// returned slice does not affect the user.
func (u *User) RoleLabels() []string {
	labels := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		labels = append(labels, string(r.Role))
	}
	return labels
}

// Block transitions the user to Blocked. The transition is one-directional;
// blocking an already-blocked user is a no-op.
func (u *User) Block() {
	u.Status = StatusBlocked
}
