package gateway

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/basket/taskrelay/internal/config"
)

// DefaultMaxRequestBytes caps request bodies when no limit is configured.
const DefaultMaxRequestBytes = 4 << 20

var (
	defaultCORSMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	defaultCORSHeaders = []string{"Content-Type", "Authorization", "X-API-Key", RoleHeader, "Last-Event-ID"}
	// Browsers hide response headers from scripts unless they are exposed.
	corsExposed = "Retry-After"
)

type corsPolicy struct {
	anyOrigin bool
	origins   []string
	methods   string
	headers   string
	maxAge    string
}

func newCORSPolicy(cfg config.CORSConfig) corsPolicy {
	p := corsPolicy{
		anyOrigin: slices.Contains(cfg.AllowedOrigins, "*"),
		origins:   cfg.AllowedOrigins,
		methods:   strings.Join(orDefault(cfg.AllowedMethods, defaultCORSMethods), ", "),
		headers:   strings.Join(orDefault(cfg.AllowedHeaders, defaultCORSHeaders), ", "),
		maxAge:    "3600",
	}
	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(cfg.MaxAge)
	}
	return p
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

func (p corsPolicy) allows(origin string) bool {
	return origin != "" && (p.anyOrigin || slices.Contains(p.origins, origin))
}

// NewCORSMiddleware answers preflight requests and stamps CORS headers for
// allowed origins. Disabled config yields a pass-through.
func NewCORSMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	p := newCORSPolicy(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()
			h.Add("Vary", "Origin")
			if p.allows(origin) {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", p.methods)
				h.Set("Access-Control-Allow-Headers", p.headers)
				h.Set("Access-Control-Expose-Headers", corsExposed)
				h.Set("Access-Control-Max-Age", p.maxAge)
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestSizeLimitMiddleware makes body reads past maxBytes fail, which
// handlers report as 413.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRequestBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
