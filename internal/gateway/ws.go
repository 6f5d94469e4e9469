package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/shared"
	"github.com/basket/taskrelay/internal/stream"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Failure kinds of an invocation.
	ErrCodeInvalid   = 1000
	ErrCodeForbidden = 4030
	ErrCodeNotFound  = 4040
	ErrCodeConflict  = 4090
	ErrCodeStorageIO = 5030
)

// RPC methods handled by the gateway itself. Every other method name is an
// operation.
const (
	MethodHello       = "system.hello"
	MethodOperations  = "system.operations"
	MethodSubscribe   = "events.subscribe"
	MethodUnsubscribe = "events.unsubscribe"

	// Server notifications.
	NotifyStreamEvent = "stream.event"
	NotifyTaskEvent   = "task.event"

	Protocol = "taskrelay.v1"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    *rpcErrorData `json:"data,omitempty"`
}

type rpcErrorData struct {
	Kind         string `json:"kind"`
	InvocationID string `json:"invocation_id,omitempty"`
	Details      any    `json:"details,omitempty"`
}

// TaskEventParams is the payload of a task.event notification.
type TaskEventParams struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

type client struct {
	conn *websocket.Conn

	mu            sync.Mutex
	handshaken    bool
	role          string
	authenticated bool

	// Lifecycle subscription for events.subscribe. An empty conversation id
	// matches every event.
	subMu         sync.Mutex
	conversations map[string]bool
	busSub        *bus.Subscription
	busCancel     context.CancelFunc
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		s.logger.Warn("ws accept failed", "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxRequestBytes)

	ctx, span := otel.StartServerSpan(r.Context(), s.tracer, "gateway.ws", otel.AttrTransport.String("websocket"))
	c := &client{
		conn:          conn,
		role:          ResolveRole(r),
		authenticated: KeyEntryFromContext(r.Context()) != nil,
	}
	s.addClient(c)
	s.logger.Info("ws client connected", "remote", clientHost(r), "role", c.role)
	defer func() {
		s.removeClient(c)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		otel.EndSpan(span, nil, "")
		s.logger.Info("ws client disconnected", "remote", clientHost(r))
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if ctx.Err() == nil {
					s.logger.Warn("ws read failed, closing", "error", err)
				}
			}
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = c.write(ctx, &rpcResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: ErrCodeParse, Message: "parse error: " + err.Error()},
			})
			continue
		}
		// Requests on one connection run to completion in arrival order.
		resp := s.handleRPC(ctx, c, req)
		if resp == nil {
			continue
		}
		if err := c.write(ctx, resp); err != nil {
			s.logger.Warn("ws write response failed", "method", req.Method, "error", err)
			return
		}
	}
}

func (s *Server) originPatterns() []string {
	if !s.cfg.CORS.Enabled {
		return nil
	}
	return s.cfg.CORS.AllowedOrigins
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	reply := func(result any, rpcErr *rpcError) *rpcResponse {
		if !hasID {
			return nil
		}
		if rpcErr != nil {
			return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
		}
		return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		return reply(nil, &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"})
	}
	if req.Method != MethodHello && !c.isHandshaken() {
		return reply(nil, &rpcError{Code: ErrCodeInvalidRequest, Message: "system.hello required first"})
	}

	switch req.Method {
	case MethodHello:
		return reply(s.hello(c, req.Params))
	case MethodOperations:
		return reply(map[string]any{"operations": s.cfg.Service.Operations()}, nil)
	case MethodSubscribe, MethodUnsubscribe:
		var p struct {
			ConversationID string `json:"conversation_id"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return reply(nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params: " + err.Error()})
			}
		}
		if s.cfg.Bus == nil {
			return reply(nil, &rpcError{Code: ErrCodeInternal, Message: "event bus unavailable"})
		}
		if req.Method == MethodSubscribe {
			s.subscribeClient(c, p.ConversationID)
			return reply(map[string]any{"subscribed": true, "conversation_id": p.ConversationID}, nil)
		}
		c.dropConversation(p.ConversationID)
		return reply(map[string]any{"subscribed": false, "conversation_id": p.ConversationID}, nil)
	}

	if !s.cfg.Service.Has(req.Method) {
		return reply(nil, &rpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)})
	}

	var invocationID string
	var sink stream.Sink = stream.SinkFunc(func(ctx context.Context, ev stream.Event) error {
		invocationID = ev.InvocationID
		return c.write(ctx, &rpcResponse{JSONRPC: "2.0", Method: NotifyStreamEvent, Params: ev})
	})
	if s.cfg.Bus != nil {
		sink = stream.Tee(sink, stream.BusSink(s.cfg.Bus))
	}
	ctx = shared.WithRole(ctx, c.currentRole())
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	result, err := s.cfg.Service.Invoke(ctx, req.Method, req.Params, sink)
	if err != nil {
		return reply(nil, rpcErrorFor(err, invocationID))
	}
	return reply(result, nil)
}

func (s *Server) hello(c *client, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		Role   string `json:"role"`
		Client string `json:"client"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params: " + err.Error()}
		}
	}
	c.mu.Lock()
	// A key-bound role cannot be changed by the caller.
	if p.Role != "" && !c.authenticated {
		c.role = p.Role
	}
	role := c.role
	c.mu.Unlock()

	if !shared.IsKnownRole(role) {
		return nil, &rpcError{
			Code:    ErrCodeForbidden,
			Message: fmt.Sprintf("role %q is not recognised", role),
			Data:    &rpcErrorData{Kind: stream.FailForbidden},
		}
	}
	c.markHandshaken()
	s.logger.Debug("ws hello", "role", role, "client", p.Client)

	policyVersion := ""
	if s.cfg.Policy != nil {
		policyVersion = s.cfg.Policy.PolicyVersion()
	}
	return map[string]any{
		"protocol":       Protocol,
		"role":           role,
		"policy_version": policyVersion,
		"operations":     s.cfg.Service.Operations(),
	}, nil
}

func rpcErrorFor(err error, invocationID string) *rpcError {
	info := stream.ErrorInfoFor(err)
	code := ErrCodeInternal
	switch info.Kind {
	case stream.FailValidation:
		code = ErrCodeInvalid
	case stream.FailForbidden:
		code = ErrCodeForbidden
	case stream.FailNotFound:
		code = ErrCodeNotFound
	case stream.FailConflict:
		code = ErrCodeConflict
	case stream.FailStorageIO:
		code = ErrCodeStorageIO
	}
	return &rpcError{
		Code:    code,
		Message: info.Message,
		Data:    &rpcErrorData{Kind: info.Kind, InvocationID: invocationID, Details: info.Details},
	}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) markHandshaken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshaken = true
}

func (c *client) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}

func (c *client) currentRole() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// subscribeClient adds conversationID to the client's lifecycle feed. The
// first subscription starts the bus listener.
func (s *Server) subscribeClient(c *client, conversationID string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.conversations == nil {
		c.conversations = make(map[string]bool)
	}
	c.conversations[conversationID] = true

	if c.busSub == nil {
		c.busSub = s.cfg.Bus.Subscribe("task.")
		var busCtx context.Context
		busCtx, c.busCancel = context.WithCancel(context.Background())
		go s.forwardBusEvents(busCtx, c, c.busSub)
	}
}

func (c *client) dropConversation(conversationID string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.conversations, conversationID)
}

func (c *client) wants(conversationID string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.conversations[""] || (conversationID != "" && c.conversations[conversationID])
}

func (c *client) unsubscribe(b *bus.Bus) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.busCancel != nil {
		c.busCancel()
	}
	if c.busSub != nil {
		b.Unsubscribe(c.busSub)
		c.busSub = nil
	}
}

// forwardBusEvents pushes task lifecycle events for subscribed conversations
// to the client as task.event notifications.
func (s *Server) forwardBusEvents(ctx context.Context, c *client, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !c.wants(conversationOf(ev.Payload)) {
				continue
			}
			if err := c.write(ctx, &rpcResponse{
				JSONRPC: "2.0",
				Method:  NotifyTaskEvent,
				Params:  TaskEventParams{Topic: ev.Topic, Payload: ev.Payload},
			}); err != nil {
				if ctx.Err() == nil {
					s.logger.Debug("ws task event write failed", "topic", ev.Topic, "error", err)
				}
				return
			}
		}
	}
}

// conversationOf returns the conversation a lifecycle payload belongs to, or
// "" when the payload does not carry one.
func conversationOf(payload any) string {
	switch p := payload.(type) {
	case bus.TaskCreatedEvent:
		return p.ConversationID
	case bus.TaskStateChangedEvent:
		return p.ConversationID
	}
	return ""
}
