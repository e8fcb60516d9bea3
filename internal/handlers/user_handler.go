package handlers

import (
	"errors"
	"fmt"
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"userhub/internal/services"
)

// UserHandler handles HTTP requests for user registration and lookup.
type UserHandler struct {
	userService *services.UserService
	validate    *validator.Validate
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(userService *services.UserService) *UserHandler {
	return &UserHandler{
		userService: userService,
		validate:    validator.New(),
	}
}

// RegisterRoutes registers the user routes with the Fiber app.
func (h *UserHandler) RegisterRoutes(router fiber.Router) {
	users := router.Group("/users")
	users.Post("/", h.HandleCreateUser)
	users.Get("/:id", h.HandleGetUser)
	users.Delete("/:id", h.HandleDeleteUser)
	users.Post("/:id/roles", h.HandleAddRole)
	users.Delete("/:id/roles/:role", h.HandleRemoveRole)
	users.Post("/:id/block", h.HandleBlockUser)
}

// CreateUserRequest is the request body for user creation. No email-format
// rule here: the service normalizes the address before it is compared or
// stored, so a padded or mixed-case email is valid input.
type CreateUserRequest struct {
	Username string `json:"username" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,max=256"`
	Password string `json:"password" validate:"required,max=256"`
}

// AddRoleRequest is the request body for granting a role.
type AddRoleRequest struct {
	Role string `json:"role" validate:"required"`
}

// HandleCreateUser handles new user registration.
func (h *UserHandler) HandleCreateUser(c *fiber.Ctx) error {
	var req CreateUserRequest
	if err := c.BodyParser(&req); err != nil {
		log.Printf("Error parsing create user request body: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid request body",
			"error":   err.Error(),
		})
	}

	if err := h.validate.Struct(req); err != nil {
		validationErrors := err.(validator.ValidationErrors)
		errorMessages := make(map[string]string)
		for _, e := range validationErrors {
			errorMessages[e.Field()] = fmt.Sprintf("Field '%s' failed on the '%s' tag", e.Field(), e.Tag())
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Validation failed",
			"errors":  errorMessages,
		})
	}

	user, err := h.userService.Register(c.UserContext(), req.Username, req.Email, req.Password)
	if err != nil {
		return h.renderServiceError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(user)
}

// HandleGetUser returns a user and its roles by id.
func (h *UserHandler) HandleGetUser(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid user id",
		})
	}

	user, err := h.userService.GetUser(c.UserContext(), id)
	if err != nil {
		return h.renderServiceError(c, err)
	}
	return c.JSON(user)
}

// HandleDeleteUser removes a user and, by cascade, its roles.
func (h *UserHandler) HandleDeleteUser(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid user id",
		})
	}

	if err := h.userService.DeleteUser(c.UserContext(), id); err != nil {
		return h.renderServiceError(c, err)
	}
	return c.JSON(fiber.Map{"message": "User deleted successfully"})
}

// HandleAddRole grants a role to an existing user.
func (h *UserHandler) HandleAddRole(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid user id",
		})
	}

	var req AddRoleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid request body",
			"error":   err.Error(),
		})
	}
	if err := h.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Validation failed",
			"error":   "role is required",
		})
	}

	user, err := h.userService.AddRole(c.UserContext(), id, req.Role)
	if err != nil {
		return h.renderServiceError(c, err)
	}
	return c.JSON(user)
}

// HandleRemoveRole revokes a role from an existing user.
func (h *UserHandler) HandleRemoveRole(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid user id",
		})
	}

	user, err := h.userService.RemoveRole(c.UserContext(), id, c.Params("role"))
	if err != nil {
		return h.renderServiceError(c, err)
	}
	return c.JSON(user)
}

// HandleBlockUser transitions a user to Blocked.
func (h *UserHandler) HandleBlockUser(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid user id",
		})
	}

	user, err := h.userService.Block(c.UserContext(), id)
	if err != nil {
		return h.renderServiceError(c, err)
	}
	return c.JSON(user)
}

// renderServiceError maps the service failure taxonomy onto HTTP status
// codes. Unrecognized errors become a generic 500; their detail is logged
// here and never included in the response body.
func (h *UserHandler) renderServiceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrValidation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Validation failed",
			"error":   err.Error(),
		})
	case errors.Is(err, services.ErrEmailTaken):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"message": "Registration failed",
			"error":   "email already registered",
		})
	case errors.Is(err, services.ErrUserNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"message": "User not found",
		})
	case errors.Is(err, services.ErrRoleHeld):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"message": "Role already held",
		})
	case errors.Is(err, services.ErrRoleNotHeld):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"message": "Role not held",
		})
	case errors.Is(err, services.ErrStoreUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"message": "Service temporarily unavailable",
			"error":   "please retry later",
		})
	default:
		log.Printf("Internal error handling %s %s: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"message": "Could not process request",
		})
	}
}

func parseID(c *fiber.Ctx) (uint, error) {
	id, err := c.ParamsInt("id")
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid id %q", c.Params("id"))
	}
	return uint(id), nil
}
