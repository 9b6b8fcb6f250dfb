// Package toolproto implements the JSON-RPC call/response protocol between
// the agent runtime and remote tool backends, and gates every call behind
// the risk predicates and human approval.
package toolproto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Connection and protocol error classes. Callers branch on these, so they
// stay distinct: a timeout is never a connection error, and a remote tool
// error is neither.
var (
	ErrNotConnected = errors.New("toolproto: not connected")
	ErrTimeout      = errors.New("toolproto: call timed out")
)

// ToolError is a protocol-level error reported by the remote side.
type ToolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool error %d: %s", e.Code, e.Message)
}

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      int64           `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ToolError      `json:"error,omitempty"`
	ID      int64           `json:"id"`
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Client speaks JSON-RPC 2.0 to one tool backend over a Transport.
type Client struct {
	name      string
	transport Transport
	deadline  time.Duration
	nextID    int64

	mu        sync.Mutex
	connected bool
	pending   map[int64]chan jsonRPCResponse
}

// NewClient wraps a transport. deadline bounds each call; zero means 30s.
// The client is unusable until Connect.
func NewClient(name string, transport Transport, deadline time.Duration) *Client {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	return &Client{
		name:      name,
		transport: transport,
		deadline:  deadline,
		pending:   make(map[int64]chan jsonRPCResponse),
	}
}

// Connect opens the transport and starts the response listener. Calling
// Connect on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	if err := c.transport.Open(ctx); err != nil {
		return fmt.Errorf("open transport %s: %w", c.name, err)
	}
	c.connected = true
	go c.listen()
	return nil
}

// Close shuts the transport down. Pending calls fail with ErrNotConnected.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
	return c.transport.Close()
}

func (c *Client) listen() {
	for {
		msg, err := c.transport.Receive(context.Background())
		if err != nil {
			// Transport closed; Close cleans up pending waiters.
			return
		}
		var resp jsonRPCResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.ID == 0 {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
			ch <- resp
		}
		c.mu.Unlock()
	}
}

// CallTool invokes a remote tool by name with JSON arguments. It returns
// ErrNotConnected before Connect or after Close, ErrTimeout when the
// deadline passes without a response, and a *ToolError when the remote side
// reports a protocol-level error.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan jsonRPCResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	params, err := json.Marshal(callParams{Name: name, Arguments: args})
	if err != nil {
		c.drop(id)
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	req := jsonRPCRequest{JSONRPC: "2.0", Method: "tools/call", Params: params, ID: id}
	b, err := json.Marshal(req)
	if err != nil {
		c.drop(id)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	if err := c.transport.Send(ctx, b); err != nil {
		c.drop(id)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("send: %w", errors.Join(ErrNotConnected, err))
	}

	select {
	case <-ctx.Done():
		c.drop(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

func (c *Client) drop(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// WithClient runs fn against a freshly connected client and guarantees the
// connection is closed on every exit path, including a panic in fn.
func WithClient(ctx context.Context, c *Client, fn func(*Client) error) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}
