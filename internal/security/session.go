// Package security provides cookie sessions, password hashing and reset
// tokens for the web interface.
package security

import (
	"crypto/sha256"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"

	"github.com/fetalscan/fetalscan/internal/conf"
	"github.com/fetalscan/fetalscan/internal/errors"
	"github.com/fetalscan/fetalscan/internal/logger"
)

// ErrUnauthorized is returned by RequireSession when no user is logged in.
var ErrUnauthorized = echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized: Please log in")

// Manager issues and reads session cookies.
type Manager struct {
	store      sessions.Store
	cookieName string
	maxAge     time.Duration
	log        logger.Logger
}

// NewManager builds a cookie-backed session manager from the security settings.
func NewManager(settings conf.SecuritySettings) (*Manager, error) {
	log := logger.Global().Module("security")
	if settings.SessionSecret == "" {
		return nil, errors.Newf("session secret is required").
			Component("security").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if len(settings.SessionSecret) < MinSessionSecretLength {
		log.Warn("session secret is shorter than recommended",
			logger.Int("length", len(settings.SessionSecret)),
			logger.Int("recommended", MinSessionSecretLength))
	}

	maxAge := settings.SessionMaxAge
	if maxAge <= 0 {
		maxAge = DefaultSessionMaxAge
	}
	name := settings.CookieName
	if name == "" {
		name = DefaultCookieName
	}

	store := sessions.NewCookieStore(
		createSessionKey("auth:"+settings.SessionSecret),
		createSessionKey("enc:"+settings.SessionSecret),
	)
	store.Options = buildSessionOptions(settings.SecureCookie, int(maxAge.Seconds()))
	store.MaxAge(int(maxAge.Seconds()))

	return &Manager{store: store, cookieName: name, maxAge: maxAge, log: log}, nil
}

// createSessionKey derives a 32 byte key from a seed string
func createSessionKey(seed string) []byte {
	sum := sha256.Sum256([]byte(seed))
	return sum[:]
}

// buildSessionOptions creates session options with standard security settings.
func buildSessionOptions(secure bool, maxAge int) *sessions.Options {
	return &sessions.Options{
		Path:     "/",
		MaxAge:   maxAge,
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// Login stores userID in a fresh session cookie.
func (m *Manager) Login(c echo.Context, userID uint) error {
	sess, err := m.store.Get(c.Request(), m.cookieName)
	if err != nil {
		// a cookie signed with an old secret; start over
		m.log.Debug("discarding unreadable session", logger.Error(err))
	}
	sess.Values[sessionUserIDKey] = userID
	sess.Values[sessionLoggedInKey] = time.Now().Unix()
	if err := sess.Save(c.Request(), c.Response()); err != nil {
		return sessionError(err, "login")
	}
	return nil
}

// Logout expires the session cookie.
func (m *Manager) Logout(c echo.Context) error {
	sess, _ := m.store.Get(c.Request(), m.cookieName)
	sess.Values = map[any]any{}
	sess.Options.MaxAge = -1
	if err := sess.Save(c.Request(), c.Response()); err != nil {
		return sessionError(err, "logout")
	}
	return nil
}

// CurrentUserID returns the logged in user's ID, if any.
func (m *Manager) CurrentUserID(c echo.Context) (uint, bool) {
	sess, err := m.store.Get(c.Request(), m.cookieName)
	if err != nil || sess.IsNew {
		return 0, false
	}
	id, ok := sess.Values[sessionUserIDKey].(uint)
	if !ok || id == 0 {
		return 0, false
	}
	loggedIn, _ := sess.Values[sessionLoggedInKey].(int64)
	if loggedIn > 0 && time.Since(time.Unix(loggedIn, 0)) > m.maxAge {
		return 0, false
	}
	return id, true
}

// RequireSession rejects requests without a logged in user when enabled is true.
func (m *Manager) RequireSession(enabled bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !enabled {
				return next(c)
			}
			if _, ok := m.CurrentUserID(c); !ok {
				m.log.Debug("rejected unauthenticated request",
					logger.String("path", c.Path()),
					logger.String("client_ip", c.RealIP()))
				return ErrUnauthorized
			}
			return next(c)
		}
	}
}

func sessionError(err error, operation string) error {
	return errors.New(err).
		Component("security").
		Category(errors.CategoryAuth).
		Context("operation", operation).
		Build()
}
