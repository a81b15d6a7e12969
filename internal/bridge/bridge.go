package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// ErrNotRunning is returned when a bridge call is attempted while no
// bridge port has been published.
var ErrNotRunning = errors.New("bridge is not running")

// callTimeout bounds one bridge HTTP round trip.
const callTimeout = 30 * time.Second

// Address publishes the loopback port of the running bridge helper.
// Zero means not running. The composition root owns a single Address and
// injects it into both the bridge launcher and the command dispatcher.
type Address struct {
	port atomic.Uint32
}

// Set publishes a bridge port once the helper reports readiness.
func (a *Address) Set(port int) { a.port.Store(uint32(port)) } // #nosec G115 -- ports fit in uint32

// Reset marks the bridge as not running.
func (a *Address) Reset() { a.port.Store(0) }

// Port returns the published port, or 0 when the bridge is not running.
func (a *Address) Port() int { return int(a.port.Load()) }

// Client issues tool calls against the local bridge HTTP interface.
type Client struct {
	addr   *Address
	http   *http.Client
	logger *slog.Logger
}

func NewClient(addr *Address, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		addr:   addr,
		http:   &http.Client{Timeout: callTimeout},
		logger: logger,
	}
}

type callRequest struct {
	Server    string          `json:"server"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// Call POSTs a tool invocation to the bridge and returns its JSON
// response. A non-JSON body is wrapped as {"result": <text>} so callers
// always receive a JSON document.
func (c *Client) Call(ctx context.Context, server, tool string, arguments json.RawMessage) (json.RawMessage, error) {
	port := c.addr.Port()
	if port == 0 {
		return nil, ErrNotRunning
	}
	body, err := json.Marshal(callRequest{Server: server, Tool: tool, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/call", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read bridge response: %w", err)
	}
	if json.Valid(text) {
		return text, nil
	}
	wrapped, err := json.Marshal(map[string]string{"result": string(text)})
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}

// Tools fetches the bridge's tool inventory (GET /tools).
func (c *Client) Tools(ctx context.Context) (json.RawMessage, error) {
	port := c.addr.Port()
	if port == 0 {
		return nil, ErrNotRunning
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/tools", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// WaitReady polls a freshly spawned bridge on the given port until its
// /tools endpoint answers or ctx expires. It does not publish the port;
// the caller does that on success.
func (c *Client) WaitReady(ctx context.Context, port int, interval time.Duration) error {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/tools", port)
	probe := &http.Client{Timeout: 2 * time.Second}
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := probe.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("bridge not ready: %w", ctx.Err())
		case <-time.After(interval):
		}
	}
}
