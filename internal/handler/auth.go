package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/course-file-server/internal/logging"
	"github.com/iliyamo/course-file-server/internal/metrics"
	"github.com/iliyamo/course-file-server/internal/middleware"
	"github.com/iliyamo/course-file-server/internal/model"
	"github.com/iliyamo/course-file-server/internal/repository"
	"github.com/iliyamo/course-file-server/internal/utils"
)

const (
	minPasswordLen = 6
	// bcrypt only looks at the first 72 bytes; longer passwords are refused
	// rather than silently truncated.
	maxPasswordBytes = 72
	dbTimeout        = 5 * time.Second
)

// UserDirectory is the account store the auth endpoints need.
// *repository.UserRepo satisfies it.
type UserDirectory interface {
	Insert(ctx context.Context, username, email, passwordHash string) (uint64, error)
	FindByUsername(ctx context.Context, username string) (model.User, error)
}

// TokenMinter issues access tokens.  *utils.TokenIssuer satisfies it.
type TokenMinter interface {
	Issue(userID uint64, username string) (utils.AccessToken, error)
}

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	Users  UserDirectory
	Tokens TokenMinter
	Log    logging.Logger
}

func NewAuthHandler(u UserDirectory, t TokenMinter, log logging.Logger) *AuthHandler {
	return &AuthHandler{Users: u, Tokens: t, Log: log}
}

// ----- DTOs -----

type registerReq struct {
	Username string `json:"username" form:"username"`
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
}

type loginReq struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

type userPart struct {
	ID       uint64 `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type profilePart struct {
	userPart
	CreatedAt time.Time `json:"createdAt"`
}

type loginResp struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Token   string   `json:"token"`
	User    userPart `json:"user"`
}

// Register creates an account.  No token is returned; the client logs in
// afterwards.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return h.fail(c, invalid("Invalid request body"))
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)

	if err := validateRegistration(req); err != nil {
		return h.fail(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()

	// The unique index is what actually guarantees uniqueness; this lookup
	// only spares a bcrypt round for the common duplicate case.
	if _, err := h.Users.FindByUsername(ctx, req.Username); err == nil {
		return h.fail(c, repository.ErrUsernameTaken)
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return h.fail(c, err)
	}

	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		return h.fail(c, err)
	}
	id, err := h.Users.Insert(ctx, req.Username, req.Email, hash)
	if err != nil {
		return h.fail(c, err)
	}

	h.Log.Info(ctx, "user registered", "user_id", id, "username", req.Username)
	return c.JSON(http.StatusCreated, echo.Map{"success": true, "message": "Account created successfully!"})
}

func validateRegistration(req registerReq) error {
	if req.Username == "" || req.Email == "" || req.Password == "" {
		return invalid("Please fill all fields")
	}
	if len([]rune(req.Password)) < minPasswordLen {
		return invalid("Password must be at least %d characters", minPasswordLen)
	}
	if len(req.Password) > maxPasswordBytes {
		return invalid("Password must be at most %d bytes", maxPasswordBytes)
	}
	return nil
}

// Login verifies credentials and returns a 24h access token.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return h.fail(c, invalid("Invalid request body"))
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		return h.fail(c, invalid("Please enter username and password"))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()

	u, err := h.authenticate(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			metrics.LoginTotal.WithLabelValues("invalid").Inc()
		} else {
			metrics.LoginTotal.WithLabelValues("error").Inc()
		}
		return h.fail(c, err)
	}

	tok, err := h.Tokens.Issue(u.ID, u.Username)
	if err != nil {
		metrics.LoginTotal.WithLabelValues("error").Inc()
		return h.fail(c, err)
	}
	metrics.LoginTotal.WithLabelValues("success").Inc()

	return c.JSON(http.StatusOK, loginResp{
		Success: true,
		Message: "Login successful!",
		Token:   tok.Token,
		User:    userPart{ID: u.ID, Username: u.Username, Email: u.Email},
	})
}

// authenticate folds "no such user" and "wrong password" into
// ErrInvalidCredentials.
func (h *AuthHandler) authenticate(ctx context.Context, username, password string) (model.User, error) {
	u, err := h.Users.FindByUsername(ctx, username)
	if errors.Is(err, repository.ErrUserNotFound) {
		return model.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return model.User{}, err
	}
	ok, err := utils.VerifyPassword(u.PasswordHash, password)
	if err != nil {
		return model.User{}, err
	}
	if !ok {
		return model.User{}, ErrInvalidCredentials
	}
	return u, nil
}

// Profile returns the account behind the request's token.  It must sit
// behind middleware.JWTAuth.
func (h *AuthHandler) Profile(c echo.Context) error {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"success": false, "message": "You must be logged in"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()

	u, err := h.Users.FindByUsername(ctx, id.Username)
	if errors.Is(err, repository.ErrUserNotFound) {
		// Tokens outlive accounts; treat a vanished user as unauthenticated.
		return c.JSON(http.StatusUnauthorized, echo.Map{"success": false, "message": "Invalid token"})
	}
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"user": profilePart{
			userPart:  userPart{ID: u.ID, Username: u.Username, Email: u.Email},
			CreatedAt: u.CreatedAt,
		},
	})
}

func (h *AuthHandler) fail(c echo.Context, err error) error {
	code, msg := authStatus(err)
	if code >= http.StatusInternalServerError {
		h.Log.Error(c.Request().Context(), "auth request failed", "path", c.Path(), "err", err)
	}
	return c.JSON(code, echo.Map{"success": false, "message": msg})
}
