package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubBridge starts a loopback HTTP server and returns its port.
func stubBridge(t *testing.T, handler http.Handler) int {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	_, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestAddressZeroMeansNotRunning(t *testing.T) {
	var a Address
	assert.Equal(t, 0, a.Port())
	a.Set(8123)
	assert.Equal(t, 8123, a.Port())
	a.Reset()
	assert.Equal(t, 0, a.Port())
}

func TestCallWithoutBridgeFails(t *testing.T) {
	var a Address
	c := NewClient(&a, nil)
	_, err := c.Call(context.Background(), "fs", "read", nil)
	assert.True(t, errors.Is(err, ErrNotRunning))
	_, err = c.Tools(context.Background())
	assert.True(t, errors.Is(err, ErrNotRunning))
}

func TestCallForwardsRequestAndReturnsJSON(t *testing.T) {
	var got callRequest
	port := stubBridge(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/call", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	var a Address
	a.Set(port)
	c := NewClient(&a, nil)

	res, err := c.Call(context.Background(), "files", "read", json.RawMessage(`{"path":"/tmp/x"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res))
	assert.Equal(t, "files", got.Server)
	assert.Equal(t, "read", got.Tool)
	assert.JSONEq(t, `{"path":"/tmp/x"}`, string(got.Arguments))
}

func TestCallWrapsPlainTextResponse(t *testing.T) {
	port := stubBridge(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("plain text answer"))
	}))

	var a Address
	a.Set(port)
	c := NewClient(&a, nil)

	res, err := c.Call(context.Background(), "s", "t", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":"plain text answer"}`, string(res))
}

func TestTools(t *testing.T) {
	port := stubBridge(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tools", r.URL.Path)
		_, _ = w.Write([]byte(`{"tools":["read","write"]}`))
	}))

	var a Address
	a.Set(port)
	c := NewClient(&a, nil)

	res, err := c.Tools(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"tools":["read","write"]}`, string(res))
}

func TestWaitReady(t *testing.T) {
	port := stubBridge(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var a Address
	c := NewClient(&a, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx, port, 10*time.Millisecond))
}

func TestWaitReadyTimesOut(t *testing.T) {
	// Nothing listens on this port: grab and release one.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	var a Address
	c := NewClient(&a, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	assert.Error(t, c.WaitReady(ctx, port, 20*time.Millisecond))
}
