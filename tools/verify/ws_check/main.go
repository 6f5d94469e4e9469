// ws_check exercises a running daemon's websocket surface: key enforcement, the
// handshake requirement and a read-only operation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskrelay/internal/client"
	"github.com/basket/taskrelay/internal/gateway"
	"github.com/basket/taskrelay/internal/service"
)

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	fmt.Println("VERDICT FAIL")
	os.Exit(1)
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:18790/ws", "websocket endpoint")
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	token := flag.String("token", "", "API key; when set a dial without it must be refused")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	key := strings.TrimSpace(*token)

	if key != "" {
		_, resp, err := websocket.Dial(ctx, *url, nil)
		if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
			fail("unauthenticated dial: want 401, got resp=%v err=%v", resp, err)
		}
		fmt.Println("auth: unauthenticated dial refused with 401")
	}

	if err := checkHandshakeRequired(ctx, *url, key); err != nil {
		fail("handshake check: %v", err)
	}
	fmt.Println("handshake: calls before system.hello are rejected")

	c, err := client.Dial(ctx, *url, client.Options{APIKey: key, Role: "inspector", Name: "ws_check"})
	if err != nil {
		fail("dial: %v", err)
	}
	defer c.Close()
	hello := c.Hello()
	fmt.Printf("hello: role=%s protocol=%s policy=%s operations=%d\n",
		hello.Role, hello.Protocol, hello.PolicyVersion, len(hello.Operations))

	var stats map[string]any
	if err := c.Invoke(ctx, service.OpTaskStats, map[string]any{}, &stats, nil); err != nil {
		fail("%s: %v", service.OpTaskStats, err)
	}
	fmt.Printf("stats: %v\n", stats)
	fmt.Println("VERDICT PASS")
}

// checkHandshakeRequired sends an operation on a fresh connection without
// system.hello and expects the invalid-request code back.
func checkHandshakeRequired(ctx context.Context, url, key string) error {
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if key != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+key)
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "check done")

	req := map[string]any{"jsonrpc": "2.0", "id": 1, "method": service.OpTaskStats, "params": map[string]any{}}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return err
	}
	for {
		var resp struct {
			Method string `json:"method"`
			Error  *struct {
				Code int `json:"code"`
			} `json:"error"`
		}
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			return err
		}
		if resp.Method != "" {
			continue
		}
		if resp.Error == nil {
			return errors.New("operation succeeded without a handshake")
		}
		if resp.Error.Code != gateway.ErrCodeInvalidRequest {
			return fmt.Errorf("error code %d, want %d", resp.Error.Code, gateway.ErrCodeInvalidRequest)
		}
		return nil
	}
}
