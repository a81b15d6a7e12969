// Package conn holds the persistent coordinator session: it dials the
// WebSocket, performs the connect handshake, classifies inbound frames,
// answers keepalive pings, and routes desktop.command requests into the
// local dispatcher without ever blocking the receive loop.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loykin/agentnode/internal/metrics"
	"github.com/loykin/agentnode/internal/protocol"
)

// ErrNotConnected is returned by send operations with no live session.
var ErrNotConnected = errors.New("not connected")

// ErrHandshakeTimeout is returned when the server does not answer the
// connect frame within the fixed deadline.
var ErrHandshakeTimeout = errors.New("connection timeout: server did not respond within 15 seconds")

// ErrServerClosed is returned when the server drops the transport before
// acknowledging the handshake.
var ErrServerClosed = errors.New("connection failed: server closed connection")

// RejectedError carries the server's handshake rejection message verbatim.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string { return e.Message }

// handshakeTimeout is fixed and non-configurable; var only so tests can
// shorten it.
var handshakeTimeout = 15 * time.Second

// Event is what the caller's sink receives: pass-through frames, runtime
// errors, and synthetic "disconnected" notifications.
type Event struct {
	Type    string
	Payload json.RawMessage
}

// EventSink consumes pass-through events. It runs on the receive
// goroutine and must not block.
type EventSink func(Event)

// Executor runs one whitelisted local command (implemented by dispatch).
type Executor interface {
	Execute(ctx context.Context, fn string, args json.RawMessage) (json.RawMessage, error)
}

// ConnectResult is the outcome of a successful handshake.
type ConnectResult struct {
	SessionID string   `json:"sessionId"`
	DeviceID  string   `json:"deviceId"`
	Skills    []string `json:"skills"`
}

// Options are the connection parameters sent in the connect payload.
type Options struct {
	Mode      string
	AuthToken string
	APIKey    string
	Model     string
	Extras    map[string]any
}

// Capabilities is the fixed manifest announced via desktop.register
// after a successful handshake.
var Capabilities = []protocol.Capability{
	{Name: "run_shell", Description: "Execute a shell command and return exit code, stdout, and stderr"},
	{Name: "read_file", Description: "Read a file's contents"},
	{Name: "write_file", Description: "Write content to a file"},
	{Name: "list_directory", Description: "List directory contents"},
	{Name: "call_bridge_tool", Description: "Invoke a code-assistant tool on the local bridge"},
}

// handshake is the one-shot completion slot for the initial connect
// exchange. Resolve wins at most once; the receive loop uses the return
// value to tell an in-flight handshake apart from a runtime error.
type handshake struct {
	once sync.Once
	ch   chan handshakeOutcome
}

type handshakeOutcome struct {
	payload json.RawMessage
	err     string
	failed  bool
}

func newHandshake() *handshake {
	return &handshake{ch: make(chan handshakeOutcome, 1)}
}

func (h *handshake) resolve(o handshakeOutcome) bool {
	won := false
	h.once.Do(func() {
		h.ch <- o
		won = true
	})
	return won
}

// Client is the connection protocol state machine. At most one session is
// live at a time; Connect implicitly tears down the previous one.
type Client struct {
	mu        sync.Mutex // guards ws, connected, sessionID, cancel, done
	ws        *websocket.Conn
	connected bool
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}

	writeMu sync.Mutex // serializes writes on the shared socket

	exec     Executor
	sink     EventSink
	logger   *slog.Logger
	inflight sync.WaitGroup // per-command goroutines
}

func New(exec Executor, sink EventSink, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = func(Event) {}
	}
	return &Client{exec: exec, sink: sink, logger: logger}
}

// IsConnected reports whether a handshake has completed and the session
// has not been torn down.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SessionID returns the current session id, or "" when disconnected.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connect dials the coordinator, performs the handshake, and starts the
// receive loop. Any failure tears the session down before returning, so
// the client is never left half-connected.
func (c *Client) Connect(ctx context.Context, url string, opts Options) (ConnectResult, error) {
	c.Disconnect()

	c.logger.Info("connecting", "url", url, "mode", opts.Mode)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return ConnectResult{}, fmt.Errorf("dial %s: %w", url, err)
	}

	deviceID := "desktop-" + uuid.NewString()
	hs := newHandshake()
	rctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.ws = ws
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	// The receive loop must be running before the connect frame goes out
	// so no inbound frame can race the handshake.
	go c.readLoop(rctx, ws, hs, done)

	payload := protocol.ConnectPayload{
		Mode:      opts.Mode,
		DeviceID:  deviceID,
		AuthToken: opts.AuthToken,
		APIKey:    opts.APIKey,
		Model:     opts.Model,
		Extras:    opts.Extras,
	}
	if err := c.write(protocol.TypeConnect, payload); err != nil {
		c.Disconnect()
		return ConnectResult{}, fmt.Errorf("send connect: %w", err)
	}

	timer := time.NewTimer(handshakeTimeout)
	defer timer.Stop()

	var outcome handshakeOutcome
	select {
	case outcome = <-hs.ch:
	case <-done:
		// The loop may have resolved the slot just before exiting.
		select {
		case outcome = <-hs.ch:
		default:
			c.Disconnect()
			return ConnectResult{}, ErrServerClosed
		}
	case <-timer.C:
		c.Disconnect()
		return ConnectResult{}, ErrHandshakeTimeout
	}

	if outcome.failed {
		c.Disconnect()
		return ConnectResult{}, &RejectedError{Message: outcome.err}
	}

	var ack protocol.ConnectedPayload
	_ = json.Unmarshal(outcome.payload, &ack)

	c.mu.Lock()
	c.connected = true
	c.sessionID = ack.SessionID
	c.mu.Unlock()
	metrics.IncConnect()
	c.logger.Info("connected", "sessionId", ack.SessionID, "skills", ack.Skills)

	// Announce local capabilities; failure is logged, not fatal.
	go c.register(deviceID)

	return ConnectResult{SessionID: ack.SessionID, DeviceID: deviceID, Skills: ack.Skills}, nil
}

func (c *Client) register(deviceID string) {
	payload := protocol.RegisterPayload{DeviceID: deviceID, Capabilities: Capabilities}
	if err := c.write(protocol.TypeDesktopRegister, payload); err != nil {
		c.logger.Warn("capability announce failed", "error", err)
	}
}

// readLoop owns the read half of the socket exclusively. It runs until
// the transport closes or errors, or Disconnect cancels it.
func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn, hs *handshake, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return // local teardown, no event
			}
			reason := "error: " + err.Error()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "server_close"
			}
			raw, _ := json.Marshal(map[string]string{"reason": reason})
			c.sink(Event{Type: "disconnected", Payload: raw})
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		metrics.IncFrame(env.Type)

		switch {
		case env.Type == protocol.TypeConnected:
			hs.resolve(handshakeOutcome{payload: env.Payload})

		case env.Type == protocol.TypeError:
			var p protocol.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			if p.Message == "" {
				p.Message = "unknown error"
			}
			// During the handshake the error resolves the pending slot;
			// afterwards it is a runtime event and the session stays up.
			if !hs.resolve(handshakeOutcome{err: p.Message, failed: true}) {
				c.sink(Event{Type: protocol.TypeError, Payload: env.Payload})
			}

		case env.Type == protocol.TypeDesktopCommand:
			var p protocol.CommandPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				c.logger.Warn("malformed desktop.command", "error", err)
				continue
			}
			// The dispatcher may block on slow I/O or subprocesses, so
			// each command runs in its own goroutine.
			c.inflight.Add(1)
			go c.runCommand(p)

		case env.Type == protocol.TypePing:
			c.pong()

		case protocol.IsPassThrough(env.Type):
			c.sink(Event{Type: env.Type, Payload: env.Payload})

		default:
			// unrecognized frame type, ignore
		}
	}
}

// runCommand executes one desktop.command and writes the correlated
// desktop.result. If the session is gone by the time the command
// finishes, the result is dropped (deliberate orphaned-write policy).
func (c *Client) runCommand(p protocol.CommandPayload) {
	defer c.inflight.Done()
	res, err := c.exec.Execute(context.Background(), p.Command, p.Args)

	out := protocol.ResultPayload{CommandID: p.CommandID, Success: err == nil}
	if err != nil {
		out.Error = err.Error()
	} else {
		out.Data = res
	}
	if werr := c.write(protocol.TypeDesktopResult, out); werr != nil {
		c.logger.Warn("dropping command result", "commandId", p.CommandID, "error", werr)
	}
}

// pong answers a keepalive ping. Best-effort: if the write lock is
// contended the ping is dropped rather than blocking the receive loop.
func (c *Client) pong() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}
	if !c.writeMu.TryLock() {
		return
	}
	defer c.writeMu.Unlock()
	data, err := protocol.Encode(protocol.TypePong, nil)
	if err != nil {
		return
	}
	_ = ws.WriteMessage(websocket.TextMessage, data)
}

// write serializes and sends one frame under the shared write lock.
func (c *Client) write(typ string, payload any) error {
	data, err := protocol.Encode(typ, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}
	return nil
}

// send guards a fire-and-forget frame behind the connected flag.
func (c *Client) send(typ string, payload any) error {
	c.mu.Lock()
	ok := c.connected
	c.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	return c.write(typ, payload)
}

// SendChat submits a chat turn. The response streams back later as
// chat.chunk / chat.done pass-through events.
func (c *Client) SendChat(conversationID, content string, history []protocol.ChatMessage) error {
	return c.send(protocol.TypeChatSend, protocol.ChatSendPayload{
		ConversationID: conversationID,
		Content:        content,
		History:        history,
	})
}

// StopChat interrupts the in-flight chat generation.
func (c *Client) StopChat() error {
	return c.send(protocol.TypeChatStop, nil)
}

// RequestSkillList asks for the current skill list; the answer arrives
// as a skill.list.response event.
func (c *Client) RequestSkillList() error {
	return c.send(protocol.TypeSkillListRequest, nil)
}

// ToggleSkill enables or disables a skill by name.
func (c *Client) ToggleSkill(name string, enabled bool) error {
	return c.send(protocol.TypeSkillToggle, protocol.SkillTogglePayload{SkillName: name, Enabled: enabled})
}

// InstallSkill requests installation of a skill from the library.
func (c *Client) InstallSkill(name string) error {
	return c.send(protocol.TypeSkillInstall, protocol.SkillNamePayload{SkillName: name})
}

// UninstallSkill requests removal of an installed skill.
func (c *Client) UninstallSkill(name string) error {
	return c.send(protocol.TypeSkillUninstall, protocol.SkillNamePayload{SkillName: name})
}

// RequestSkillLibrary asks for the installable skill catalog.
func (c *Client) RequestSkillLibrary() error {
	return c.send(protocol.TypeSkillLibraryRequest, nil)
}

// GetSkillConfig requests a skill's configuration.
func (c *Client) GetSkillConfig(name string) error {
	return c.send(protocol.TypeSkillConfigGet, protocol.SkillNamePayload{SkillName: name})
}

// SetSkillConfig replaces a skill's configuration.
func (c *Client) SetSkillConfig(name string, config json.RawMessage) error {
	return c.send(protocol.TypeSkillConfigSet, protocol.SkillConfigSetPayload{SkillName: name, Config: config})
}

// Disconnect tears the session down. It aborts the receive loop, closes
// the transport, and clears connection state. In-flight command
// goroutines are abandoned; their result writes fail once the socket is
// gone. Always succeeds.
func (c *Client) Disconnect() {
	c.mu.Lock()
	ws := c.ws
	cancel := c.cancel
	done := c.done
	c.ws = nil
	c.cancel = nil
	c.done = nil
	c.connected = false
	c.sessionID = ""
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		// Best-effort close frame when the write lock is free; never
		// wait on a busy lock during teardown.
		if c.writeMu.TryLock() {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
		}
		_ = ws.Close()
	}
	if done != nil {
		<-done
	}
}

// WaitInflight blocks until every spawned command goroutine has finished.
// Teardown does not call this; it exists so tests can make the
// orphaned-write behavior deterministic.
func (c *Client) WaitInflight() {
	c.inflight.Wait()
}
