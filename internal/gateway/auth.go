package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/basket/taskrelay/internal/audit"
	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/shared"
)

// RoleHeader declares the caller role when auth is disabled.
const RoleHeader = "X-Taskrelay-Role"

type authContextKey struct{}

// keyring is an immutable view of the configured keys. Keys are held as
// SHA-256 digests so every comparison runs over equal-length input.
type keyring struct {
	enabled bool
	digests [][sha256.Size]byte
	entries []config.APIKeyEntry
}

func newKeyring(cfg config.AuthConfig) *keyring {
	kr := &keyring{enabled: cfg.Enabled, entries: make([]config.APIKeyEntry, len(cfg.Keys))}
	copy(kr.entries, cfg.Keys)
	for _, e := range kr.entries {
		kr.digests = append(kr.digests, sha256.Sum256([]byte(e.Key)))
	}
	return kr
}

func (kr *keyring) find(candidate string) (*config.APIKeyEntry, bool) {
	sum := sha256.Sum256([]byte(candidate))
	found := -1
	for i := range kr.digests {
		// No early exit: the scan costs the same wherever the key sits.
		if subtle.ConstantTimeCompare(sum[:], kr.digests[i][:]) == 1 && found < 0 {
			found = i
		}
	}
	if found < 0 {
		return nil, false
	}
	e := kr.entries[found]
	return &e, true
}

// AuthMiddleware binds each request to the role of the API key it presents.
type AuthMiddleware struct {
	ring atomic.Pointer[keyring]
}

func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	am := &AuthMiddleware{}
	am.Update(cfg)
	return am
}

// Enabled reports whether requests must carry an API key.
func (am *AuthMiddleware) Enabled() bool {
	return am != nil && am.ring.Load().enabled
}

// Update swaps in the key set from a reloaded config.
func (am *AuthMiddleware) Update(cfg config.AuthConfig) {
	am.ring.Store(newKeyring(cfg))
}

// Wrap rejects requests without a known key. /healthz and /metrics stay open.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kr := am.ring.Load()
		if !kr.enabled || isOpenPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractAPIKey(r)
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing API key"})
			return
		}
		entry, ok := kr.find(key)
		if !ok {
			audit.Record(audit.Deny, "gateway.auth", "invalid_api_key", "", "remote="+clientHost(r))
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid API key"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authContextKey{}, entry)))
	})
}

func isOpenPath(path string) bool {
	switch path {
	case "/healthz", "/metrics":
		return true
	}
	return false
}

// ExtractAPIKey reads the key from the Authorization bearer token, then
// X-API-Key, then the api_key query parameter used by EventSource clients.
func ExtractAPIKey(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// KeyEntryFromContext returns the key that authenticated the request, if any.
func KeyEntryFromContext(ctx context.Context) *config.APIKeyEntry {
	entry, _ := ctx.Value(authContextKey{}).(*config.APIKeyEntry)
	return entry
}

// ResolveRole returns the caller role for r. An authenticated key decides.
// Otherwise the caller declares it through RoleHeader or ?role=, and an
// undeclared caller is admin.
func ResolveRole(r *http.Request) string {
	if entry := KeyEntryFromContext(r.Context()); entry != nil {
		return entry.Role
	}
	for _, declared := range []string{r.Header.Get(RoleHeader), r.URL.Query().Get("role")} {
		if role := strings.TrimSpace(declared); role != "" {
			return role
		}
	}
	return shared.RoleAdmin
}
