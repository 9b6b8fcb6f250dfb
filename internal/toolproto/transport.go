package toolproto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Transport is the framing layer beneath the JSON-RPC client.
type Transport interface {
	Open(ctx context.Context) error
	Send(ctx context.Context, msg json.RawMessage) error
	Receive(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// HTTPTransport frames each JSON-RPC exchange as one POST request. The
// response body is queued so the client's listener loop sees the same
// Send/Receive surface as a streaming transport.
type HTTPTransport struct {
	endpoint string
	client   *http.Client

	mu     sync.Mutex
	open   bool
	inbox  chan json.RawMessage
	closed chan struct{}
}

// NewHTTPTransport creates a transport POSTing to the given endpoint.
// httpClient may be nil to use http.DefaultClient.
func NewHTTPTransport(endpoint string, httpClient *http.Client) *HTTPTransport {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPTransport{endpoint: endpoint, client: httpClient}
}

func (t *HTTPTransport) Open(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open {
		return nil
	}
	t.inbox = make(chan json.RawMessage, 16)
	t.closed = make(chan struct{})
	t.open = true
	return nil
}

func (t *HTTPTransport) Send(ctx context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	inbox, closed := t.inbox, t.closed
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(msg))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", t.endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend status %d", resp.StatusCode)
	}

	select {
	case inbox <- json.RawMessage(body):
		return nil
	case <-closed:
		return fmt.Errorf("transport closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *HTTPTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	inbox, closed := t.inbox, t.closed
	t.mu.Unlock()

	select {
	case msg := <-inbox:
		return msg, nil
	case <-closed:
		return nil, fmt.Errorf("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return nil
	}
	t.open = false
	close(t.closed)
	return nil
}

// WSTransport carries JSON-RPC messages over a WebSocket connection.
type WSTransport struct {
	endpoint string

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSTransport creates a transport dialing the given ws(s):// endpoint.
func NewWSTransport(endpoint string) *WSTransport {
	return &WSTransport{endpoint: endpoint}
}

func (t *WSTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, t.endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.endpoint, err)
	}
	t.conn = conn
	return nil
}

func (t *WSTransport) Send(ctx context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport closed")
	}
	return conn.Write(ctx, websocket.MessageText, msg)
}

func (t *WSTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("transport closed")
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close(websocket.StatusNormalClosure, "bye")
	t.conn = nil
	return err
}
