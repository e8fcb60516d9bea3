package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"userhub/internal/dberr"
	"userhub/internal/models"
	"userhub/internal/repositories"
)

// Sentinel errors forming the service's failure taxonomy. Handlers map
// them to status codes with errors.Is; anything else is an internal
// failure whose detail stays in the server logs.
var (
	ErrValidation       = errors.New("validation failed")
	ErrEmailTaken       = errors.New("email already registered")
	ErrUserNotFound     = errors.New("user not found")
	ErrRoleHeld         = errors.New("role already held")
	ErrRoleNotHeld      = errors.New("role not held")
	ErrStoreUnavailable = errors.New("user store unavailable")
)

// EventPublisher publishes user lifecycle events. A nil publisher disables
// publishing; publish failures never fail the request.
type EventPublisher interface {
	PublishUserEvent(event string, payload map[string]interface{}) error
}

// UserResponse is the response shape shared by every user-returning
// operation. Create and fetch return it field-for-field identical.
type UserResponse struct {
	ID       uint     `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Status   string   `json:"status"`
	Roles    []string `json:"roles"`
}

// UserService handles business logic for user registration and lookup.
type UserService struct {
	userRepo     repositories.UserRepository
	events       EventPublisher
	bcryptCost   int
	writeTimeout time.Duration
}

// NewUserService creates a new UserService. A bcryptCost of zero selects
// the library default; a zero writeTimeout selects five seconds.
func NewUserService(userRepo repositories.UserRepository, events EventPublisher, bcryptCost int, writeTimeout time.Duration) *UserService {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	if writeTimeout == 0 {
		writeTimeout = 5 * time.Second
	}
	return &UserService{
		userRepo:     userRepo,
		events:       events,
		bcryptCost:   bcryptCost,
		writeTimeout: writeTimeout,
	}
}

// Register creates a user with the default role. The email is normalized
// (trimmed, lowercased) before any lookup or write. The pre-check by email
// is an optimization only; the store's unique index is the authority, and a
// constraint violation that slips past the pre-check is still mapped to
// ErrEmailTaken.
func (s *UserService) Register(ctx context.Context, username, email, password string) (*UserResponse, error) {
	username = strings.TrimSpace(username)
	email = NormalizeEmail(email)
	if username == "" {
		return nil, fmt.Errorf("%w: username must not be blank", ErrValidation)
	}
	if email == "" {
		return nil, fmt.Errorf("%w: email must not be blank", ErrValidation)
	}
	if strings.TrimSpace(password) == "" {
		return nil, fmt.Errorf("%w: password must not be blank", ErrValidation)
	}

	if existing, err := s.userRepo.GetByEmail(ctx, email); err == nil && existing != nil {
		return nil, ErrEmailTaken
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hashed),
		Status:       models.StatusActive,
		Roles:        []models.UserRole{{Role: models.DefaultRole}},
	}

	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := s.userRepo.Create(wctx, user); err != nil {
		return nil, s.mapWriteFailure("user create", err)
	}

	s.publish("user.created", map[string]interface{}{
		"user_id": user.ID,
		"email":   user.Email,
	})
	return newUserResponse(user), nil
}

// GetUser fetches a user and its roles by id.
func (s *UserService) GetUser(ctx context.Context, id uint) (*UserResponse, error) {
	user, err := s.getUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return newUserResponse(user), nil
}

// AddRole grants an additional role to an existing user.
func (s *UserService) AddRole(ctx context.Context, id uint, roleLabel string) (*UserResponse, error) {
	role, err := models.ParseRole(roleLabel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	user, err := s.getUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := user.AddRole(role); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRoleHeld, role)
	}

	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := s.userRepo.AddRole(wctx, id, role); err != nil {
		// The in-memory check above can race with a concurrent grant; the
		// composite unique index settles it.
		if _, det := dberr.Classify(err); det.UniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrRoleHeld, role)
		}
		return nil, s.mapWriteFailure("role grant", err)
	}
	return newUserResponse(user), nil
}

// RemoveRole revokes a role from an existing user.
func (s *UserService) RemoveRole(ctx context.Context, id uint, roleLabel string) (*UserResponse, error) {
	role, err := models.ParseRole(roleLabel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	user, err := s.getUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := user.RemoveRole(role); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotHeld, role)
	}

	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := s.userRepo.RemoveRole(wctx, id, role); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRoleNotHeld, role)
		}
		return nil, s.mapWriteFailure("role revoke", err)
	}
	return newUserResponse(user), nil
}

// Block transitions a user to Blocked. The transition is one-way and
// idempotent: blocking an already-blocked user succeeds without change.
func (s *UserService) Block(ctx context.Context, id uint) (*UserResponse, error) {
	user, err := s.getUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if user.Status != models.StatusBlocked {
		user.Block()
		wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
		if err := s.userRepo.UpdateStatus(wctx, id, models.StatusBlocked); err != nil {
			// The user can be deleted between the load and this write.
			if errors.Is(err, repositories.ErrNotFound) {
				return nil, ErrUserNotFound
			}
			return nil, s.mapWriteFailure("user block", err)
		}
		s.publish("user.blocked", map[string]interface{}{"user_id": id})
	}
	return newUserResponse(user), nil
}

// DeleteUser removes a user; its role grants are deleted by cascade.
func (s *UserService) DeleteUser(ctx context.Context, id uint) error {
	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := s.userRepo.Delete(wctx, id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrUserNotFound
		}
		return s.mapWriteFailure("user delete", err)
	}
	s.publish("user.deleted", map[string]interface{}{"user_id": id})
	return nil
}

// NormalizeEmail trims surrounding whitespace and lowercases an email so
// lookups and uniqueness compare the canonical form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *UserService) getUser(ctx context.Context, id uint) (*models.User, error) {
	user, err := s.userRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user %d: %w", id, err)
	}
	return user, nil
}

// mapWriteFailure runs a failed write through the classifier and maps the
// category onto the service taxonomy. Unclassified diagnostics are logged
// server-side and never surfaced to the client beyond a generic message.
func (s *UserService) mapWriteFailure(op string, err error) error {
	category, det := dberr.Classify(err)
	switch category {
	case dberr.DuplicateEmail:
		return ErrEmailTaken
	case dberr.TransientTimeout:
		return fmt.Errorf("%s timed out: %w", op, ErrStoreUnavailable)
	default:
		log.Printf("Unclassified store failure during %s: code=%q constraint=%q table=%q detail=%q",
			op, det.Code, det.Constraint, det.Table, det.Detail)
		return fmt.Errorf("%s failed: %w", op, err)
	}
}

func (s *UserService) publish(event string, payload map[string]interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishUserEvent(event, payload); err != nil {
		log.Printf("Warning: failed to publish %s event: %v", event, err)
	}
}

func newUserResponse(u *models.User) *UserResponse {
	return &UserResponse{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
		Status:   string(u.Status),
		Roles:    u.RoleLabels(),
	}
}
