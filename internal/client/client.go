// Package client speaks the gateway's WebSocket JSON-RPC protocol.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/stream"
)

const (
	methodHello     = "system.hello"
	methodSubscribe = "events.subscribe"
	notifyStream    = "stream.event"
	notifyTask      = "task.event"
)

type Options struct {
	APIKey string
	// Role is declared in the handshake. Servers with auth enabled ignore it.
	Role string
	Name string
}

type OperationInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type HelloResult struct {
	Protocol      string          `json:"protocol"`
	Role          string          `json:"role"`
	PolicyVersion string          `json:"policy_version"`
	Operations    []OperationInfo `json:"operations"`
}

// TaskEvent is a lifecycle notification delivered after Subscribe.
type TaskEvent struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// RPCError is a JSON-RPC error response. Kind is the invocation failure kind
// when the server reported one.
type RPCError struct {
	Code         int
	Message      string
	Kind         string
	InvocationID string
	Details      json.RawMessage
}

func (e *RPCError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Is lets callers test failure kinds with the store's sentinel errors.
func (e *RPCError) Is(target error) bool {
	switch e.Kind {
	case stream.FailValidation:
		return target == persistence.ErrValidation
	case stream.FailNotFound:
		return target == persistence.ErrNotFound
	case stream.FailConflict:
		return target == persistence.ErrConflict
	case stream.FailStorageIO:
		return target == persistence.ErrStorageIO
	case stream.FailForbidden:
		return target == stream.ErrForbidden
	}
	return false
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type message struct {
	ID     *int64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    *struct {
			Kind         string          `json:"kind"`
			InvocationID string          `json:"invocation_id"`
			Details      json.RawMessage `json:"details"`
		} `json:"data"`
	} `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Client runs one call at a time over a single connection.
type Client struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	nextID int64
	hello  HelloResult
}

// Dial connects to a gateway /ws endpoint and completes the handshake. url
// may use http(s) or ws(s) schemes.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	header := http.Header{}
	if opts.APIKey != "" {
		header.Set("Authorization", "Bearer "+opts.APIKey)
	}
	conn, resp, err := websocket.Dial(ctx, wsURL(url), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(16 << 20)

	c := &Client{conn: conn}
	params := map[string]string{}
	if opts.Role != "" {
		params["role"] = opts.Role
	}
	if opts.Name != "" {
		params["client"] = opts.Name
	}
	raw, err := c.Call(ctx, methodHello, params, nil)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if err := json.Unmarshal(raw, &c.hello); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, fmt.Errorf("decode handshake: %w", err)
	}
	return c, nil
}

func wsURL(url string) string {
	switch {
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case !strings.Contains(url, "://"):
		url = "ws://" + url
	}
	if !strings.HasSuffix(url, "/ws") {
		url = strings.TrimSuffix(url, "/") + "/ws"
	}
	return url
}

// Hello returns the handshake result.
func (c *Client) Hello() HelloResult { return c.hello }

func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// Call sends method with params and waits for its response. Stream events
// of the invocation are passed to onEvent in order when it is non-nil.
func (c *Client) Call(ctx context.Context, method string, params any, onEvent func(stream.Event)) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	if err := wsjson.Write(ctx, c.conn, request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	for {
		var msg message
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			return nil, fmt.Errorf("read %s: %w", method, err)
		}
		if msg.Method != "" {
			if msg.Method == notifyStream && onEvent != nil {
				var ev stream.Event
				if err := json.Unmarshal(msg.Params, &ev); err == nil {
					onEvent(ev)
				}
			}
			continue
		}
		if msg.ID == nil || *msg.ID != id {
			continue
		}
		if msg.Error != nil {
			rerr := &RPCError{Code: msg.Error.Code, Message: msg.Error.Message}
			if d := msg.Error.Data; d != nil {
				rerr.Kind = d.Kind
				rerr.InvocationID = d.InvocationID
				rerr.Details = d.Details
			}
			return nil, rerr
		}
		return msg.Result, nil
	}
}

// Invoke calls an operation and decodes its result into out when out is
// non-nil.
func (c *Client) Invoke(ctx context.Context, op string, params any, out any, onEvent func(stream.Event)) error {
	raw, err := c.Call(ctx, op, params, onEvent)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Watch subscribes to lifecycle events of conversationID ("" for all) and
// passes them to fn until ctx ends or the connection closes. The client
// cannot be used for other calls afterwards.
func (c *Client) Watch(ctx context.Context, conversationID string, fn func(TaskEvent)) error {
	if _, err := c.Call(ctx, methodSubscribe, map[string]string{"conversation_id": conversationID}, nil); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		var msg message
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("watch: %w", err)
		}
		if msg.Method != notifyTask {
			continue
		}
		var ev TaskEvent
		if err := json.Unmarshal(msg.Params, &ev); err != nil {
			continue
		}
		fn(ev)
	}
}
