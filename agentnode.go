// Package agentnode wires the execution node together: the coordinator
// connection, the helper process supervisor, the local bridge, the
// command dispatcher, and the control API.
package agentnode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/agentnode/internal/bridge"
	"github.com/loykin/agentnode/internal/config"
	"github.com/loykin/agentnode/internal/conn"
	"github.com/loykin/agentnode/internal/dispatch"
	"github.com/loykin/agentnode/internal/logbuf"
	"github.com/loykin/agentnode/internal/metrics"
	"github.com/loykin/agentnode/internal/server"
	"github.com/loykin/agentnode/internal/store"
	"github.com/loykin/agentnode/internal/supervisor"
)

// Re-export the types external consumers need.

type Config = config.Config

type Event = conn.Event

type EventSink = conn.EventSink

type ConnectResult = conn.ConnectResult

type ProcStatus = supervisor.ProcStatus

// BridgeName is the supervisor entry the managed bridge runs under.
const BridgeName = "bridge"

// bridgeReadyPollInterval paces the readiness probe after launch.
const bridgeReadyPollInterval = 200 * time.Millisecond

// Node is the composition root. Create one with New, connect it, and
// shut it down once.
type Node struct {
	cfg    Config
	logger *slog.Logger

	super      *supervisor.Supervisor
	bridgeAddr *bridge.Address
	bridgeCli  *bridge.Client
	dispatcher *dispatch.Dispatcher
	client     *conn.Client
	audit      *store.Store
}

// New builds a node from config. sink receives pass-through coordinator
// events and may be nil. auditDSN enables the SQLite audit trail when
// non-empty.
func New(cfg Config, sink EventSink, auditDSN string, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}

	n := &Node{cfg: cfg, logger: logger}
	n.super = supervisor.New(logger)
	n.bridgeAddr = &bridge.Address{}
	if cfg.Bridge.Port > 0 {
		n.bridgeAddr.Set(cfg.Bridge.Port)
	}
	n.bridgeCli = bridge.NewClient(n.bridgeAddr, logger)
	n.dispatcher = dispatch.New(n.bridgeCli, logger)
	n.client = conn.New(n.dispatcher, sink, logger)

	if auditDSN != "" {
		audit, err := store.Open(auditDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		n.audit = audit
		n.dispatcher.SetRecorder(audit)
		n.super.SetRecorder(audit)
	}
	return n, nil
}

// Connect establishes the coordinator session.
func (n *Node) Connect(ctx context.Context) (ConnectResult, error) {
	return n.client.Connect(ctx, n.cfg.Server.URL, conn.Options{
		Mode:      n.cfg.Server.Mode,
		AuthToken: n.cfg.Server.AuthToken,
		APIKey:    n.cfg.Server.APIKey,
		Model:     n.cfg.Server.Model,
		Extras:    n.cfg.Server.Extras,
	})
}

// Disconnect tears the coordinator session down.
func (n *Node) Disconnect() { n.client.Disconnect() }

// IsConnected reports the coordinator session state.
func (n *Node) IsConnected() bool { return n.client.IsConnected() }

// SessionID returns the current coordinator session id.
func (n *Node) SessionID() string { return n.client.SessionID() }

// Execute runs one whitelisted command locally.
func (n *Node) Execute(ctx context.Context, fn string, args json.RawMessage) (json.RawMessage, error) {
	return n.dispatcher.Execute(ctx, fn, args)
}

// Spawn starts a named helper process under the supervisor.
func (n *Node) Spawn(name, command string, args, env []string) (int, error) {
	return n.super.Spawn(name, command, args, env)
}

// Kill stops a supervised helper process.
func (n *Node) Kill(name string) error { return n.super.Kill(name) }

// Processes lists supervised helper processes.
func (n *Node) Processes() []ProcStatus { return n.super.List() }

// Logs returns buffered output of a supervised process.
func (n *Node) Logs(name string, max int) ([]logbuf.Line, error) {
	return n.super.Logs(name, max)
}

// StartBridge launches the configured bridge helper, waits until it
// answers its tools probe, then publishes the port so call_bridge_tool
// starts delegating. With bridge.port 0 a free port is picked.
func (n *Node) StartBridge(ctx context.Context) (int, error) {
	if n.cfg.Bridge.Command == "" {
		return 0, fmt.Errorf("bridge.command not configured")
	}
	port := n.cfg.Bridge.Port
	if port == 0 {
		p, err := freePort()
		if err != nil {
			return 0, fmt.Errorf("pick bridge port: %w", err)
		}
		port = p
	}

	env := append([]string{}, n.cfg.Bridge.Env...)
	env = append(env, "BRIDGE_PORT="+strconv.Itoa(port))
	if _, err := n.super.Spawn(BridgeName, n.cfg.Bridge.Command, n.cfg.Bridge.Args, env); err != nil {
		return 0, err
	}

	wctx, cancel := context.WithTimeout(ctx, n.cfg.Bridge.ReadyTimeout)
	defer cancel()
	if err := n.bridgeCli.WaitReady(wctx, port, bridgeReadyPollInterval); err != nil {
		_ = n.super.Kill(BridgeName)
		return 0, fmt.Errorf("bridge did not become ready: %w", err)
	}

	n.bridgeAddr.Set(port)
	n.logger.Info("bridge ready", "port", port)
	return port, nil
}

// StopBridge kills the bridge process and marks it unavailable. Calls
// arriving afterwards fail fast instead of hitting a dead port.
func (n *Node) StopBridge() error {
	n.bridgeAddr.Reset()
	return n.super.Kill(BridgeName)
}

// BridgePort returns the published bridge port, 0 when not running.
func (n *Node) BridgePort() int { return n.bridgeAddr.Port() }

// ServeAPI starts the local control API on the configured listen
// address and returns the running server.
func (n *Node) ServeAPI() *http.Server {
	var history server.History
	if n.audit != nil {
		history = n.audit
	}
	return server.NewServer(n.cfg.API.Listen, "", n.client, n.super, n.dispatcher, history)
}

// Shutdown disconnects, stops every supervised process, and closes the
// audit store.
func (n *Node) Shutdown() {
	n.client.Disconnect()
	n.bridgeAddr.Reset()
	n.super.Shutdown()
	if n.audit != nil {
		if err := n.audit.Close(); err != nil {
			n.logger.Warn("audit store close failed", "error", err)
		}
	}
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port, nil
}
