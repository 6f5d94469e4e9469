// Package gateway serves the task operations over WebSocket JSON-RPC and
// Server-Sent Events, plus health and metrics endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskrelay/internal/audit"
	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/policy"
	"github.com/basket/taskrelay/internal/service"
	"github.com/basket/taskrelay/internal/stream"
	"github.com/basket/taskrelay/internal/telemetry"
)

const defaultHeartbeat = 15 * time.Second

// Invoker runs named operations as streaming invocations.
type Invoker interface {
	Invoke(ctx context.Context, name string, params json.RawMessage, sink stream.Sink) (any, error)
	Has(name string) bool
	Operations() []service.OperationInfo
}

// StoreStatus is the part of the task store reported by /healthz.
type StoreStatus interface {
	Root() string
	IndexSize() (collections, tasks int)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Service Invoker
	Store   StoreStatus
	// Journal is nil when the transition journal is disabled.
	Journal Pinger
	Bus     *bus.Bus
	Policy  policy.Checker

	Auth            config.AuthConfig
	RateLimit       config.RateLimitConfig
	CORS            config.CORSConfig
	MaxRequestBytes int64

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
	Tracer         trace.Tracer
	Metrics        *otel.Metrics
	Logger         *slog.Logger

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string

	// Heartbeat is the SSE keepalive interval. Zero means 15s.
	Heartbeat time.Duration
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics

	auth    *AuthMiddleware
	limiter *RateLimitMiddleware

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.DiscardMetrics()
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	s := &Server{
		cfg:     cfg,
		logger:  telemetry.Component(cfg.Logger, "gateway"),
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
		auth:    NewAuthMiddleware(cfg.Auth),
		limiter: NewRateLimitMiddleware(cfg.RateLimit),
		clients: map[*client]struct{}{},
	}
	s.limiter.OnReject = func(r *http.Request) {
		s.metrics.RateLimitRejects.Add(r.Context(), 1)
		s.logger.Warn("rate limit exceeded", "path", r.URL.Path, "remote", clientHost(r))
	}
	return s
}

// Handler returns the routed handler wrapped in CORS, body size, rate limit
// and auth middleware, outermost first.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /api/v1/invoke/{operation}", s.handleInvoke)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/operations", s.handleOperations)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.cfg.MetricsHandler)
	}

	var h http.Handler = mux
	h = s.auth.Wrap(h)
	h = s.limiter.Wrap(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxRequestBytes)(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	return h
}

// UpdateAuth applies a reloaded key set to new and existing requests.
func (s *Server) UpdateAuth(cfg config.AuthConfig) {
	s.auth.Update(cfg)
}

// StartEviction drops idle rate limit buckets until ctx ends.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// CloseClients closes every WebSocket connection with StatusGoingAway.
// http.Server.Shutdown does not track hijacked connections.
func (s *Server) CloseClients(reason string) {
	s.clientsMu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c.conn)
	}
	s.clientsMu.RUnlock()
	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, reason)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	storeOK := true
	if info, err := os.Stat(s.cfg.Store.Root()); err != nil || !info.IsDir() {
		storeOK = false
	}
	journal := "disabled"
	journalOK := true
	if s.cfg.Journal != nil {
		journal = "ok"
		if err := s.cfg.Journal.Ping(ctx); err != nil {
			journal = "error"
			journalOK = false
			s.logger.Warn("journal ping failed", "error", err)
		}
	}
	policyVersion := ""
	if s.cfg.Policy != nil {
		policyVersion = s.cfg.Policy.PolicyVersion()
	}
	collections, tasks := s.cfg.Store.IndexSize()

	healthy := storeOK && journalOK
	payload := map[string]any{
		"healthy":             healthy,
		"store_ok":            storeOK,
		"journal":             journal,
		"collections":         collections,
		"tasks":               tasks,
		"policy_version":      policyVersion,
		"audit_denials":       audit.DenyCount(),
		"audit_denials_by_op": audit.DenyCounts(),
		"ws_clients":          s.ClientCount(),
		"config_fingerprint":  s.cfg.ConfigFingerprint,
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleOperations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"operations": s.cfg.Service.Operations()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	c.unsubscribe(s.cfg.Bus)

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}
