package shared

import (
	"regexp"
	"strings"
)

// Redacted replaces secret material in logs, audit rows and error messages.
const Redacted = "[REDACTED]"

// Each rule keeps its first group (the label) and drops the second (the value).
var secretRules = []*regexp.Regexp{
	regexp.MustCompile(`(?i)((?:api[_-]?key|auth[_-]?token|secret)\s*[:=]\s*)"?[A-Za-z0-9_\-./+=]{12,}"?`),
	regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{12,}`),
	regexp.MustCompile(`(?i)(x-api-key:\s*)[A-Za-z0-9_\-./+=]{12,}`),
}

var sensitiveKeyParts = []string{"api_key", "apikey", "secret", "token", "password", "authorization", "bearer"}

// Redact masks credential values found in s and leaves the rest intact.
func Redact(s string) string {
	for _, re := range secretRules {
		if re.MatchString(s) {
			s = re.ReplaceAllString(s, "${1}"+Redacted)
		}
	}
	return s
}

// SensitiveKey reports whether a field or variable named key holds a credential.
func SensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

// MaskKey shows only the last four characters of an API key.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
