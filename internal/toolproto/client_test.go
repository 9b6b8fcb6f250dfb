package toolproto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

// fakeTransport echoes scripted responses keyed by request id.
type fakeTransport struct {
	respond func(req jsonRPCRequest) *jsonRPCResponse // nil response = stay silent
	inbox   chan json.RawMessage
	opened  bool
}

func newFakeTransport(respond func(req jsonRPCRequest) *jsonRPCResponse) *fakeTransport {
	return &fakeTransport{respond: respond, inbox: make(chan json.RawMessage, 16)}
}

func (f *fakeTransport) Open(context.Context) error {
	f.opened = true
	return nil
}

func (f *fakeTransport) Send(_ context.Context, msg json.RawMessage) error {
	var req jsonRPCRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return err
	}
	if resp := f.respond(req); resp != nil {
		b, _ := json.Marshal(resp)
		f.inbox <- b
	}
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case msg := <-f.inbox:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close() error { return nil }

func okTransport(result string) *fakeTransport {
	return newFakeTransport(func(req jsonRPCRequest) *jsonRPCResponse {
		return &jsonRPCResponse{JSONRPC: "2.0", Result: json.RawMessage(result), ID: req.ID}
	})
}

func TestCallTool_BeforeConnect(t *testing.T) {
	c := NewClient("shell", okTransport(`{}`), time.Second)
	if _, err := c.CallTool(context.Background(), "shell", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestCallTool_AfterClose(t *testing.T) {
	c := NewClient("shell", okTransport(`{}`), time.Second)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := c.CallTool(context.Background(), "shell", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestCallTool_Success(t *testing.T) {
	c := NewClient("shell", okTransport(`{"stdout":"hello"}`), time.Second)
	err := WithClient(context.Background(), c, func(c *Client) error {
		res, err := c.CallTool(context.Background(), "shell", json.RawMessage(`{"command":"echo hello"}`))
		if err != nil {
			return err
		}
		var out struct {
			Stdout string `json:"stdout"`
		}
		if err := json.Unmarshal(res, &out); err != nil {
			return err
		}
		if out.Stdout != "hello" {
			return fmt.Errorf("stdout = %q", out.Stdout)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	// WithClient must have closed the connection on exit.
	if _, err := c.CallTool(context.Background(), "shell", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("connection left open after WithClient: %v", err)
	}
}

func TestCallTool_Timeout(t *testing.T) {
	silent := newFakeTransport(func(jsonRPCRequest) *jsonRPCResponse { return nil })
	c := NewClient("shell", silent, 50*time.Millisecond)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	_, err := c.CallTool(context.Background(), "shell", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCallTool_RemoteError(t *testing.T) {
	failing := newFakeTransport(func(req jsonRPCRequest) *jsonRPCResponse {
		return &jsonRPCResponse{
			JSONRPC: "2.0",
			Error:   &ToolError{Code: -32000, Message: "tool exploded"},
			ID:      req.ID,
		}
	})
	c := NewClient("shell", failing, time.Second)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	_, err := c.CallTool(context.Background(), "shell", nil)
	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatalf("expected *ToolError, got %v", err)
	}
	if te.Code != -32000 || te.Message != "tool exploded" {
		t.Fatalf("tool error = %+v", te)
	}
	// Error classes stay distinct.
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrNotConnected) {
		t.Fatal("tool error must not match other classes")
	}
}

func TestCallTool_WireFormat(t *testing.T) {
	var captured jsonRPCRequest
	tr := newFakeTransport(func(req jsonRPCRequest) *jsonRPCResponse {
		captured = req
		return &jsonRPCResponse{JSONRPC: "2.0", Result: json.RawMessage(`{}`), ID: req.ID}
	})
	c := NewClient("deploy", tr, time.Second)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if _, err := c.CallTool(context.Background(), "deploy", json.RawMessage(`{"action":"status"}`)); err != nil {
		t.Fatalf("call: %v", err)
	}
	if captured.JSONRPC != "2.0" || captured.Method != "tools/call" {
		t.Fatalf("envelope = %+v", captured)
	}
	var params callParams
	if err := json.Unmarshal(captured.Params, &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.Name != "deploy" {
		t.Fatalf("params name = %q", params.Name)
	}
}
