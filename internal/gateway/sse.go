package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/policy"
	"github.com/basket/taskrelay/internal/shared"
	"github.com/basket/taskrelay/internal/stream"
)

// sseWriter frames Server-Sent Events onto a flushing response.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

// event writes one frame. id and name are omitted when empty.
func (sw *sseWriter) event(id, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	if name != "" {
		fmt.Fprintf(&b, "event: %s\n", name)
	}
	fmt.Fprintf(&b, "data: %s\n\n", data)

	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := io.WriteString(sw.w, b.String()); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

func (sw *sseWriter) comment(text string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := fmt.Fprintf(sw.w, ": %s\n\n", text); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// handleInvoke runs one operation and streams its events as SSE frames named
// by event kind. The request body is the operation's JSON params.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("operation")
	if !s.cfg.Service.Has(name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown operation: " + name})
		return
	}
	params, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body: " + err.Error()})
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	ctx, span := otel.StartServerSpan(r.Context(), s.tracer, "gateway.invoke",
		otel.AttrTransport.String("sse"), otel.AttrOperation.String(name))
	ctx = shared.WithRole(ctx, ResolveRole(r))
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	var sink stream.Sink = stream.SinkFunc(func(_ context.Context, ev stream.Event) error {
		return sw.event(strconv.Itoa(ev.Seq), string(ev.Kind), ev)
	})
	if s.cfg.Bus != nil {
		sink = stream.Tee(sink, stream.BusSink(s.cfg.Bus))
	}
	_, err = s.cfg.Service.Invoke(ctx, name, params, sink)
	otel.EndSpan(span, err, stream.KindOf(err))
	if errors.Is(err, stream.ErrSinkClosed) {
		s.logger.Debug("sse client went away mid-invocation", "operation", name, "error", err)
	}
}

// handleEvents streams task lifecycle bus events. conversation_id narrows the
// feed to one conversation. stream=1 adds invocation events, limited to the
// operations the caller's role may invoke itself.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event bus unavailable"})
		return
	}
	role := ResolveRole(r)
	if !shared.IsKnownRole(role) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": fmt.Sprintf("role %q is not recognised", role)})
		return
	}
	conversationID := r.URL.Query().Get("conversation_id")
	withStream := r.URL.Query().Get("stream") == "1"

	sub := s.cfg.Bus.SubscribeBuffered("", 256)
	defer s.cfg.Bus.Unsubscribe(sub)

	sw, ok := newSSEWriter(w)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}
	ctx := r.Context()
	s.logger.Info("sse feed opened", "conversation_id", conversationID, "stream", withStream, "role", role)
	defer s.logger.Info("sse feed closed", "conversation_id", conversationID)

	if err := sw.comment("connected"); err != nil {
		return
	}
	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := sw.comment("keepalive"); err != nil {
				return
			}
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !feedWants(ev, conversationID, withStream, func(op string) bool { return s.roleMay(role, op) }) {
				continue
			}
			seq++
			if err := sw.event(strconv.FormatInt(seq, 10), ev.Topic, ev.Payload); err != nil {
				return
			}
		}
	}
}

// roleMay checks the live policy, or the default grants when none is wired.
func (s *Server) roleMay(role, operation string) bool {
	if s.cfg.Policy == nil {
		return policy.Default().Allow(role, operation)
	}
	return s.cfg.Policy.Allow(role, operation)
}

func feedWants(ev bus.Event, conversationID string, withStream bool, allow func(operation string) bool) bool {
	switch {
	case strings.HasPrefix(ev.Topic, "task."):
		if conversationID == "" {
			return true
		}
		return conversationOf(ev.Payload) == conversationID
	case ev.Topic == bus.TopicStreamEvent:
		if !withStream || conversationID != "" {
			return false
		}
		inv, ok := ev.Payload.(stream.Event)
		return ok && allow(inv.Operation)
	}
	return false
}
