package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"userhub/internal/handlers"
	"userhub/internal/models"
	"userhub/internal/repositories"
	"userhub/internal/services"
)

// setupApp sets up a Fiber app for testing backed by an in-memory SQLite
// database. Each test gets its own named shared-cache database so the
// schema survives across pooled connections without bleeding between tests.
func setupApp(t *testing.T) (*fiber.App, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to connect to in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.UserRole{}); err != nil {
		t.Fatalf("failed to auto-migrate database: %v", err)
	}

	userRepo := repositories.NewGORMUserRepository(db)
	userService := services.NewUserService(userRepo, nil, bcrypt.MinCost, 5*time.Second)
	userHandler := handlers.NewUserHandler(userService)

	app := fiber.New()
	api := app.Group("/api")
	userHandler.RegisterRoutes(api)
	return app, db
}

func postJSON(t *testing.T, app *fiber.App, path string, body interface{}) *http.Response {
	t.Helper()
	jsonBody, err := json.Marshal(body)
	assert.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(jsonBody))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	assert.NoError(t, err)
	return resp
}

func decodeUser(t *testing.T, resp *http.Response) services.UserResponse {
	t.Helper()
	var user services.UserResponse
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&user))
	resp.Body.Close()
	return user
}

func TestCreateAndFetchUser(t *testing.T) {
	app, db := setupApp(t)

	resp := postJSON(t, app, "/api/users", map[string]string{
		"username": "alice",
		"email":    " Alice@Example.COM ",
		"password": "s3cretpass",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeUser(t, resp)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "alice", created.Username)
	assert.Equal(t, "alice@example.com", created.Email)
	assert.Equal(t, "Active", created.Status)
	assert.Equal(t, []string{"Buyer"}, created.Roles)

	// Exactly one user row and its default role row were written.
	var userCount, roleCount int64
	db.Model(&models.User{}).Count(&userCount)
	db.Model(&models.UserRole{}).Count(&roleCount)
	assert.EqualValues(t, 1, userCount)
	assert.EqualValues(t, 1, roleCount)

	// The created user is immediately fetchable, field for field.
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/users/%d", created.ID), nil)
	getResp, err := app.Test(req, -1)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
	fetched := decodeUser(t, getResp)
	assert.Equal(t, created, fetched)

	// The stored hash verifies against the original plaintext.
	var stored models.User
	assert.NoError(t, db.First(&stored, "id = ?", created.ID).Error)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("s3cretpass")))
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	app, db := setupApp(t)

	resp := postJSON(t, app, "/api/users", map[string]string{
		"username": "first",
		"email":    "dup@example.com",
		"password": "password1",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// A differently-cased, padded spelling of the same address conflicts.
	resp = postJSON(t, app, "/api/users", map[string]string{
		"username": "second",
		"email":    " DUP@Example.com ",
		"password": "password2",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var body map[string]string
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "email already registered", body["error"])
	resp.Body.Close()

	var userCount int64
	db.Model(&models.User{}).Count(&userCount)
	assert.EqualValues(t, 1, userCount)
}

func TestCreateUserValidation(t *testing.T) {
	app, db := setupApp(t)

	cases := []map[string]string{
		{"username": "   ", "email": "a@example.com", "password": "password"},
		{"username": "bob", "email": "", "password": "password"},
		{"username": "bob", "email": "  ", "password": "password"},
		{"username": "bob", "email": "a@example.com", "password": " "},
		{"username": strings.Repeat("x", 101), "email": "a@example.com", "password": "password"},
	}
	for _, body := range cases {
		resp := postJSON(t, app, "/api/users", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	}

	// Nothing was written on any of the rejected requests.
	var userCount int64
	db.Model(&models.User{}).Count(&userCount)
	assert.EqualValues(t, 0, userCount)
}

func TestGetUserNotFound(t *testing.T) {
	app, _ := setupApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/users/9999", nil)
	resp, err := app.Test(req, -1)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	req = httptest.NewRequest(http.MethodGet, "/api/users/not-a-number", nil)
	resp, err = app.Test(req, -1)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestRoleLifecycle(t *testing.T) {
	app, _ := setupApp(t)

	resp := postJSON(t, app, "/api/users", map[string]string{
		"username": "carol",
		"email":    "carol@example.com",
		"password": "password",
	})
	created := decodeUser(t, resp)
	base := fmt.Sprintf("/api/users/%d", created.ID)

	// Grant a second role
	resp = postJSON(t, app, base+"/roles", map[string]string{"role": "Artisan"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	withArtisan := decodeUser(t, resp)
	assert.ElementsMatch(t, []string{"Buyer", "Artisan"}, withArtisan.Roles)

	// Granting it again conflicts
	resp = postJSON(t, app, base+"/roles", map[string]string{"role": "Artisan"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Unknown role labels fail closed
	resp = postJSON(t, app, base+"/roles", map[string]string{"role": "Wizard"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Revoke it
	req := httptest.NewRequest(http.MethodDelete, base+"/roles/Artisan", nil)
	delResp, err := app.Test(req, -1)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, delResp.StatusCode)
	afterRevoke := decodeUser(t, delResp)
	assert.Equal(t, []string{"Buyer"}, afterRevoke.Roles)

	// Revoking a role that is not held is a 404
	req = httptest.NewRequest(http.MethodDelete, base+"/roles/Artisan", nil)
	delResp, err = app.Test(req, -1)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, delResp.StatusCode)
	delResp.Body.Close()
}

func TestBlockUser(t *testing.T) {
	app, _ := setupApp(t)

	resp := postJSON(t, app, "/api/users", map[string]string{
		"username": "dave",
		"email":    "dave@example.com",
		"password": "password",
	})
	created := decodeUser(t, resp)
	base := fmt.Sprintf("/api/users/%d", created.ID)

	resp = postJSON(t, app, base+"/block", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	blocked := decodeUser(t, resp)
	assert.Equal(t, "Blocked", blocked.Status)

	// Blocking again stays Blocked
	resp = postJSON(t, app, base+"/block", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Blocked", decodeUser(t, resp).Status)

	// The transition is visible on fetch
	req := httptest.NewRequest(http.MethodGet, base, nil)
	getResp, err := app.Test(req, -1)
	assert.NoError(t, err)
	assert.Equal(t, "Blocked", decodeUser(t, getResp).Status)

	// Blocking an unknown user is a 404
	resp = postJSON(t, app, "/api/users/9999/block", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestGetUserRejectsUnknownStoredLabels(t *testing.T) {
	app, db := setupApp(t)

	resp := postJSON(t, app, "/api/users", map[string]string{
		"username": "frank",
		"email":    "frank@example.com",
		"password": "password",
	})
	created := decodeUser(t, resp)
	base := fmt.Sprintf("/api/users/%d", created.ID)

	// Corrupt the stored status behind the application's back. The read
	// must fail closed, not serve the unknown label.
	err := db.Model(&models.User{}).Where("id = ?", created.ID).
		Update("status", "Suspended").Error
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, base, nil)
	getResp, err := app.Test(req, -1)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, getResp.StatusCode)
	raw, err := io.ReadAll(getResp.Body)
	assert.NoError(t, err)
	getResp.Body.Close()
	assert.NotContains(t, string(raw), "Suspended")

	// Same for an unknown role label.
	err = db.Model(&models.User{}).Where("id = ?", created.ID).
		Update("status", string(models.StatusActive)).Error
	assert.NoError(t, err)
	err = db.Model(&models.UserRole{}).Where("user_id = ?", created.ID).
		Update("role", "Wizard").Error
	assert.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, base, nil)
	getResp, err = app.Test(req, -1)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, getResp.StatusCode)
	raw, err = io.ReadAll(getResp.Body)
	assert.NoError(t, err)
	getResp.Body.Close()
	assert.NotContains(t, string(raw), "Wizard")
}

// failingUserRepository fails every operation with a canned error, standing
// in for a store that is down or misbehaving.
type failingUserRepository struct {
	err error
}

func (r *failingUserRepository) Create(ctx context.Context, user *models.User) error {
	return r.err
}

func (r *failingUserRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	return nil, r.err
}

func (r *failingUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return nil, nil
}

func (r *failingUserRepository) AddRole(ctx context.Context, userID uint, role models.Role) error {
	return r.err
}

func (r *failingUserRepository) RemoveRole(ctx context.Context, userID uint, role models.Role) error {
	return r.err
}

func (r *failingUserRepository) UpdateStatus(ctx context.Context, userID uint, status models.Status) error {
	return r.err
}

func (r *failingUserRepository) Delete(ctx context.Context, id uint) error {
	return r.err
}

func TestCreateUserStoreFailureResponses(t *testing.T) {
	newApp := func(repoErr error) *fiber.App {
		userService := services.NewUserService(&failingUserRepository{err: repoErr}, nil, bcrypt.MinCost, 5*time.Second)
		app := fiber.New()
		api := app.Group("/api")
		handlers.NewUserHandler(userService).RegisterRoutes(api)
		return app
	}
	body := map[string]string{
		"username": "grace",
		"email":    "grace@example.com",
		"password": "password",
	}

	t.Run("timeout maps to 503", func(t *testing.T) {
		app := newApp(fmt.Errorf("failed to create user: %w", context.DeadlineExceeded))
		resp := postJSON(t, app, "/api/users", body)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		var payload map[string]string
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
		resp.Body.Close()
		assert.Equal(t, "please retry later", payload["error"])
	})

	t.Run("unclassified failure returns only a generic 500", func(t *testing.T) {
		app := newApp(fmt.Errorf("failed to create user: %w",
			errors.New("pq: tuple concurrently updated on relation users")))
		resp := postJSON(t, app, "/api/users", body)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		raw, err := io.ReadAll(resp.Body)
		assert.NoError(t, err)
		resp.Body.Close()
		assert.Contains(t, string(raw), "Could not process request")
		assert.NotContains(t, string(raw), "tuple concurrently updated")
		assert.NotContains(t, string(raw), "relation")
	})
}

func TestDeleteUserCascadesRoles(t *testing.T) {
	app, db := setupApp(t)

	resp := postJSON(t, app, "/api/users", map[string]string{
		"username": "erin",
		"email":    "erin@example.com",
		"password": "password",
	})
	created := decodeUser(t, resp)
	base := fmt.Sprintf("/api/users/%d", created.ID)

	resp = postJSON(t, app, base+"/roles", map[string]string{"role": "Support"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	req := httptest.NewRequest(http.MethodDelete, base, nil)
	delResp, err := app.Test(req, -1)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, delResp.StatusCode)
	delResp.Body.Close()

	req = httptest.NewRequest(http.MethodGet, base, nil)
	getResp, err := app.Test(req, -1)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
	getResp.Body.Close()

	// No orphaned role rows survive the delete.
	var roleCount int64
	db.Model(&models.UserRole{}).Where("user_id = ?", created.ID).Count(&roleCount)
	assert.EqualValues(t, 0, roleCount)
}
