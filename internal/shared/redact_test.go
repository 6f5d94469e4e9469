package shared

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	cases := map[string]struct{ in, want string }{
		"bearer":        {"Bearer abc123def456ghi789jkl0", "Bearer [REDACTED]"},
		"assignment":    {"api_key=abcdef1234567890abcdef", "api_key=[REDACTED]"},
		"quoted":        {`auth_token: "abcdef1234567890"`, "auth_token: [REDACTED]"},
		"header":        {"X-API-Key: planner-key-0123456789", "X-API-Key: [REDACTED]"},
		"short value":   {"secret=short", "secret=short"},
		"no secret":     {"claimed task 3f1c for conversation conv-1", "claimed task 3f1c for conversation conv-1"},
		"empty":         {"", ""},
		"several kinds": {"Bearer abcdefghijkl0123 then api-key=zyxwvutsrq9876", "Bearer [REDACTED] then api-key=[REDACTED]"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Redact(tc.in))
		})
	}
}

func TestSensitiveKey(t *testing.T) {
	for _, k := range []string{"TASKRELAY_AUTH_TOKEN", "password", "api_key", "Authorization"} {
		assert.True(t, SensitiveKey(k), k)
	}
	for _, k := range []string{"TASKRELAY_BIND_ADDR", "task_id", "", "  "} {
		assert.False(t, SensitiveKey(k), k)
	}
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****6789", MaskKey("planner-key-0123456789"))
	assert.Equal(t, "****", MaskKey("short"))
}
