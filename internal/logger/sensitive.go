package logger

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// secretPatterns find credentials inside free-form strings such as broker
// URLs and upstream error bodies.
var secretPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/]+=*`), "${1}" + redacted},
	{regexp.MustCompile(`(?i)((?:password|passwd|pwd|secret|token)\w*\s*[:=]\s*)[^\s;,&]{3,}`), "${1}" + redacted},
	{regexp.MustCompile(`(://[^:/@\s]+:)[^@/\s]+@`), "${1}" + redacted + "@"}, // user:pass@host
}

// secretKeys are field keys whose values are never written
var secretKeys = []string{"password", "secret", "token", "cookie", "authorization", "dsn"}

// RedactSensitiveData masks credentials embedded in s.
func RedactSensitiveData(s string) string {
	if s == "" {
		return s
	}
	for _, p := range secretPatterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, secret := range secretKeys {
		if strings.Contains(k, secret) {
			return true
		}
	}
	return false
}
