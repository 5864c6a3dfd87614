package security

import "time"

// Security-related constants
const (
	// Session keys
	sessionUserIDKey   = "user_id"
	sessionLoggedInKey = "logged_in_at"

	// Session and cookie settings
	DefaultCookieName    = "fetalscan_session"
	DefaultSessionMaxAge = 24 * time.Hour

	// Cryptographic settings
	MinSessionSecretLength = 32
	DefaultBcryptCost      = 10

	// Password reset tokens
	DefaultResetTokenTTL = time.Hour
)
