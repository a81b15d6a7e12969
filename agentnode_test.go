package agentnode

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/agentnode/internal/config"
	"github.com/loykin/agentnode/internal/store"
)

func testConfig() Config {
	return Config{
		Server: config.ServerConfig{URL: "ws://127.0.0.1:1/ws", Mode: "cloud"},
		Bridge: config.BridgeConfig{ReadyTimeout: time.Second},
		API:    config.APIConfig{Listen: "127.0.0.1:0"},
	}
}

func TestExecuteThroughFacade(t *testing.T) {
	n, err := New(testConfig(), nil, "", nil)
	require.NoError(t, err)
	defer n.Shutdown()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o600))

	args, _ := json.Marshal(map[string]string{"path": dir})
	data, err := n.Execute(context.Background(), "list_directory", args)
	require.NoError(t, err)
	var out struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, 1, out.Count)
}

func TestAuditStoreWiring(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	n, err := New(testConfig(), nil, dbPath, nil)
	require.NoError(t, err)

	args, _ := json.Marshal(map[string]string{"path": t.TempDir()})
	_, err = n.Execute(context.Background(), "list_directory", args)
	require.NoError(t, err)
	n.Shutdown()

	s, err := store.Open(dbPath, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	recs, err := s.RecentCommands(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "list_directory", recs[0].Function)
	assert.True(t, recs[0].Success)
}

func TestSpawnAndLogs(t *testing.T) {
	n, err := New(testConfig(), nil, "", nil)
	require.NoError(t, err)
	defer n.Shutdown()

	_, err = n.Spawn("echoer", "/bin/sh", []string{"-c", "echo hi; sleep 30"}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		lines, err := n.Logs("echoer", 0)
		return err == nil && len(lines) > 0
	}, 3*time.Second, 20*time.Millisecond)

	procs := n.Processes()
	require.Len(t, procs, 1)
	assert.Equal(t, "echoer", procs[0].Name)

	require.NoError(t, n.Kill("echoer"))
	assert.Empty(t, n.Processes())
}

func TestStartBridgeRequiresCommand(t *testing.T) {
	n, err := New(testConfig(), nil, "", nil)
	require.NoError(t, err)
	defer n.Shutdown()

	_, err = n.StartBridge(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge.command")
}

func TestStartBridgeNotReadyKillsProcess(t *testing.T) {
	cfg := testConfig()
	cfg.Bridge.Command = "/bin/sh"
	cfg.Bridge.Args = []string{"-c", "sleep 30"}
	cfg.Bridge.ReadyTimeout = 500 * time.Millisecond

	n, err := New(cfg, nil, "", nil)
	require.NoError(t, err)
	defer n.Shutdown()

	_, err = n.StartBridge(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not become ready")
	assert.Empty(t, n.Processes())
	assert.Equal(t, 0, n.BridgePort())
}

func TestStartBridgePublishesPort(t *testing.T) {
	py, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tools"), []byte(`{"tools":[]}`), 0o600))

	cfg := testConfig()
	cfg.Bridge.Command = "/bin/sh"
	cfg.Bridge.Args = []string{"-c", `exec "` + py + `" -m http.server "$BRIDGE_PORT" --bind 127.0.0.1 -d "` + dir + `"`}
	cfg.Bridge.ReadyTimeout = 10 * time.Second

	n, err := New(cfg, nil, "", nil)
	require.NoError(t, err)
	defer n.Shutdown()

	port, err := n.StartBridge(context.Background())
	require.NoError(t, err)
	assert.Greater(t, port, 0)
	assert.Equal(t, port, n.BridgePort())

	require.NoError(t, n.StopBridge())
	assert.Equal(t, 0, n.BridgePort())
	assert.Empty(t, n.Processes())
}
