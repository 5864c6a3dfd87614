package security

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewResetToken returns a random single-use token and its expiry.
func NewResetToken(now time.Time, ttl time.Duration) (string, time.Time) {
	if ttl <= 0 {
		ttl = DefaultResetTokenTTL
	}
	// two v4 UUIDs give 244 random bits
	token := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	return token, now.Add(ttl)
}
