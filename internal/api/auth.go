package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fetalscan/fetalscan/internal/datastore"
	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/logger"
	"github.com/fetalscan/fetalscan/internal/observability/metrics"
	"github.com/fetalscan/fetalscan/internal/security"
)

const forgotPasswordMessage = "If an account with that email exists, a password reset link has been sent"

type signupRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

// UserView is the public part of an account.
type UserView struct {
	ID        uint      `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

func userView(u *datastore.User) UserView {
	return UserView{ID: u.ID, Username: u.Username, Email: u.Email, CreatedAt: u.CreatedAt}
}

// Signup handles POST /api/signup and logs the new user in.
func (c *Controller) Signup(ctx echo.Context) error {
	var body signupRequest
	if err := ctx.Bind(&body); err != nil {
		return c.HandleError(ctx, validationError("Invalid request body"))
	}
	if strings.TrimSpace(body.Username) == "" || strings.TrimSpace(body.Email) == "" ||
		body.Password == "" || body.ConfirmPassword == "" {
		c.recordAuth("signup", "invalid")
		return c.HandleError(ctx, validationError("All fields are required"))
	}
	if body.Password != body.ConfirmPassword {
		c.recordAuth("signup", "invalid")
		return c.HandleError(ctx, validationError("Passwords do not match"))
	}

	hash, err := security.HashPassword(body.Password, c.Settings.Security.BcryptCost)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	user := &datastore.User{Username: body.Username, Email: body.Email, Password: hash}
	if err := c.DS.CreateUser(ctx.Request().Context(), user); err != nil {
		c.recordAuth("signup", statusLabel(err))
		return c.HandleError(ctx, err)
	}
	if err := c.sessions.Login(ctx, user.ID); err != nil {
		return c.HandleError(ctx, err)
	}

	c.recordAuth("signup", metrics.StatusSuccess)
	c.log.Info("user signed up", logger.Uint64("user_id", uint64(user.ID)))
	return okMessage(ctx, http.StatusCreated, "User created successfully", userView(user))
}

// Login handles POST /api/login. Unknown accounts and wrong passwords get the same answer.
func (c *Controller) Login(ctx echo.Context) error {
	var body loginRequest
	if err := ctx.Bind(&body); err != nil {
		return c.HandleError(ctx, validationError("Invalid request body"))
	}
	if strings.TrimSpace(body.Email) == "" || body.Password == "" {
		c.recordAuth("login", "invalid")
		return c.HandleError(ctx, validationError("Email and password are required"))
	}

	user, err := c.DS.GetUserByLogin(ctx.Request().Context(), body.Email)
	if err != nil && !errors.IsNotFound(err) {
		c.recordAuth("login", metrics.StatusError)
		return c.HandleError(ctx, err)
	}
	if user == nil || !security.CheckPassword(user.Password, body.Password) {
		c.recordAuth("login", "rejected")
		c.log.Info("login rejected", logger.String("ip", ctx.RealIP()))
		return fail(ctx, http.StatusUnauthorized, "Invalid email or password")
	}

	if err := c.sessions.Login(ctx, user.ID); err != nil {
		return c.HandleError(ctx, err)
	}
	c.recordAuth("login", metrics.StatusSuccess)
	return okMessage(ctx, http.StatusOK, "Login successful", userView(user))
}

// Logout handles POST /api/logout
func (c *Controller) Logout(ctx echo.Context) error {
	if err := c.sessions.Logout(ctx); err != nil {
		return c.HandleError(ctx, err)
	}
	c.recordAuth("logout", metrics.StatusSuccess)
	return okMessage(ctx, http.StatusOK, "Logged out successfully", nil)
}

// AuthStatus handles GET /api/auth-status
func (c *Controller) AuthStatus(ctx echo.Context) error {
	status := map[string]any{"isAuthenticated": false}
	if id, ok := c.sessions.CurrentUserID(ctx); ok {
		status["isAuthenticated"] = true
		status["userId"] = id
	}
	return ok(ctx, status)
}

// CurrentUser handles GET /api/user; the route requires a session.
func (c *Controller) CurrentUser(ctx echo.Context) error {
	id, _ := c.sessions.CurrentUserID(ctx)
	user, err := c.DS.GetUserByID(ctx.Request().Context(), id)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ok(ctx, userView(user))
}

// ForgotPassword handles POST /api/forgot-password. The response never
// reveals whether the email belongs to an account.
func (c *Controller) ForgotPassword(ctx echo.Context) error {
	var body forgotPasswordRequest
	if err := ctx.Bind(&body); err != nil {
		return c.HandleError(ctx, validationError("Invalid request body"))
	}
	email := strings.TrimSpace(body.Email)
	if email == "" {
		return c.HandleError(ctx, validationError("Email is required"))
	}

	reqCtx := ctx.Request().Context()
	user, err := c.DS.GetUserByLogin(reqCtx, email)
	switch {
	case errors.IsNotFound(err):
		c.recordAuth("forgot_password", metrics.StatusNotFound)
		return okMessage(ctx, http.StatusOK, forgotPasswordMessage, nil)
	case err != nil:
		return c.HandleError(ctx, err)
	}

	token, expires := security.NewResetToken(c.now(), c.Settings.Security.ResetTokenTTL)
	if err := c.DS.CreatePasswordResetToken(reqCtx, &datastore.PasswordResetToken{
		UserID:    user.ID,
		Token:     token,
		ExpiresAt: expires,
	}); err != nil {
		return c.HandleError(ctx, err)
	}

	if c.mailer == nil || !c.mailer.Enabled() {
		c.log.Warn("password reset requested but mail delivery is disabled",
			logger.Uint64("user_id", uint64(user.ID)))
	} else if err := c.mailer.SendPasswordReset(reqCtx, user.Email, user.Username, token); err != nil {
		c.log.Error("failed to send password reset mail",
			logger.Uint64("user_id", uint64(user.ID)),
			logger.Error(err))
	}

	c.recordAuth("forgot_password", metrics.StatusSuccess)
	return okMessage(ctx, http.StatusOK, forgotPasswordMessage, nil)
}

// ResetPassword handles POST /api/reset-password/:token
func (c *Controller) ResetPassword(ctx echo.Context) error {
	var body resetPasswordRequest
	if err := ctx.Bind(&body); err != nil {
		return c.HandleError(ctx, validationError("Invalid request body"))
	}
	if body.Password == "" || body.ConfirmPassword == "" {
		return c.HandleError(ctx, validationError("All fields are required"))
	}
	if body.Password != body.ConfirmPassword {
		return c.HandleError(ctx, validationError("Passwords do not match"))
	}

	hash, err := security.HashPassword(body.Password, c.Settings.Security.BcryptCost)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	if err := c.DS.ResetPassword(ctx.Request().Context(), ctx.Param("token"), hash, c.now()); err != nil {
		c.recordAuth("reset_password", statusLabel(err))
		return c.HandleError(ctx, err)
	}
	c.recordAuth("reset_password", metrics.StatusSuccess)
	return okMessage(ctx, http.StatusOK, "Password has been reset", nil)
}

func (c *Controller) recordAuth(operation, status string) {
	if m := c.httpMetrics(); m != nil {
		m.RecordAuthOperation(operation, status)
	}
}

func statusLabel(err error) string {
	switch errors.CategoryOf(err) {
	case errors.CategoryValidation:
		return "invalid"
	case errors.CategoryConflict:
		return "conflict"
	case errors.CategoryNotFound:
		return metrics.StatusNotFound
	}
	return metrics.StatusError
}
