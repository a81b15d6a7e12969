package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/agentnode/internal/logbuf"
	"github.com/loykin/agentnode/internal/store"
	"github.com/loykin/agentnode/internal/supervisor"
)

type fakeSession struct {
	connected bool
	session   string
}

func (f *fakeSession) IsConnected() bool { return f.connected }
func (f *fakeSession) SessionID() string { return f.session }

type fakeProcs struct {
	list []supervisor.ProcStatus
	logs map[string][]logbuf.Line
}

func (f *fakeProcs) List() []supervisor.ProcStatus { return f.list }

func (f *fakeProcs) Logs(name string, max int) ([]logbuf.Line, error) {
	lines, ok := f.logs[name]
	if !ok {
		return nil, supervisor.ErrProcessNotFound
	}
	if max > 0 && max < len(lines) {
		lines = lines[len(lines)-max:]
	}
	return lines, nil
}

type fakeExec struct {
	gotFn   string
	gotArgs json.RawMessage
	data    json.RawMessage
	err     error
}

func (f *fakeExec) Execute(_ context.Context, fn string, args json.RawMessage) (json.RawMessage, error) {
	f.gotFn = fn
	f.gotArgs = args
	return f.data, f.err
}

type fakeHistory struct {
	recs []store.CommandRecord
	err  error
}

func (f *fakeHistory) RecentCommands(context.Context, int) ([]store.CommandRecord, error) {
	return f.recs, f.err
}

func newTestServer(t *testing.T, session *fakeSession, procs *fakeProcs, exec *fakeExec, history History) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if session == nil {
		session = &fakeSession{}
	}
	if procs == nil {
		procs = &fakeProcs{}
	}
	if exec == nil {
		exec = &fakeExec{}
	}
	r := NewRouter(session, procs, exec, history, "")
	ts := httptest.NewServer(r.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t, &fakeSession{connected: true, session: "s-9"}, nil, nil, nil)

	var body struct {
		Connected bool   `json:"connected"`
		SessionID string `json:"sessionId"`
	}
	code := getJSON(t, ts.URL+"/status", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, body.Connected)
	assert.Equal(t, "s-9", body.SessionID)
}

func TestProcessesEmptyIsArray(t *testing.T) {
	ts := newTestServer(t, nil, &fakeProcs{}, nil, nil)

	resp, err := http.Get(ts.URL + "/processes")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var raw map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, "[]", string(raw["processes"]))
}

func TestProcessLogs(t *testing.T) {
	procs := &fakeProcs{logs: map[string][]logbuf.Line{
		"bridge": {
			{Stream: "stdout", Text: "listening on 8452"},
			{Stream: "stderr", Text: "warning: slow disk"},
		},
	}}
	ts := newTestServer(t, nil, procs, nil, nil)

	var body struct {
		Name  string   `json:"name"`
		Lines []string `json:"lines"`
	}
	code := getJSON(t, ts.URL+"/processes/bridge/logs", &body)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, body.Lines, 2)
	assert.Equal(t, "[stdout] listening on 8452", body.Lines[0])
	assert.Equal(t, "[stderr] warning: slow disk", body.Lines[1])

	code = getJSON(t, ts.URL+"/processes/bridge/logs?lines=1", &body)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, body.Lines, 1)
	assert.Equal(t, "[stderr] warning: slow disk", body.Lines[0])
}

func TestProcessLogsUnknownName(t *testing.T) {
	ts := newTestServer(t, nil, &fakeProcs{}, nil, nil)
	var body errorResp
	code := getJSON(t, ts.URL+"/processes/ghost/logs", &body)
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotEmpty(t, body.Error)
}

func TestProcessLogsBadLinesParam(t *testing.T) {
	ts := newTestServer(t, nil, &fakeProcs{logs: map[string][]logbuf.Line{"b": {}}}, nil, nil)
	var body errorResp
	code := getJSON(t, ts.URL+"/processes/b/logs?lines=-2", &body)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestExecute(t *testing.T) {
	exec := &fakeExec{data: json.RawMessage(`{"exitCode":0}`)}
	ts := newTestServer(t, nil, nil, exec, nil)

	resp, err := http.Post(ts.URL+"/execute", "application/json",
		strings.NewReader(`{"function":"run_shell","args":{"command":"true"}}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Success)
	assert.JSONEq(t, `{"exitCode":0}`, string(body.Data))
	assert.Equal(t, "run_shell", exec.gotFn)
	assert.JSONEq(t, `{"command":"true"}`, string(exec.gotArgs))
}

func TestExecuteFailure(t *testing.T) {
	exec := &fakeExec{err: errors.New("unknown function: frobnicate")}
	ts := newTestServer(t, nil, nil, exec, nil)

	resp, err := http.Post(ts.URL+"/execute", "application/json",
		strings.NewReader(`{"function":"frobnicate","args":{}}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Success)
	assert.Contains(t, body.Error, "frobnicate")
}

func TestExecuteRejectsMissingFunction(t *testing.T) {
	ts := newTestServer(t, nil, nil, nil, nil)
	resp, err := http.Post(ts.URL+"/execute", "application/json", strings.NewReader(`{"args":{}}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistory(t *testing.T) {
	h := &fakeHistory{recs: []store.CommandRecord{
		{Function: "read_file", Success: true, DurationMS: 4, At: time.Now()},
	}}
	ts := newTestServer(t, nil, nil, nil, h)

	var body struct {
		Commands []struct {
			Function   string `json:"function"`
			Success    bool   `json:"success"`
			DurationMS int64  `json:"durationMs"`
		} `json:"commands"`
	}
	code := getJSON(t, ts.URL+"/history", &body)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, body.Commands, 1)
	assert.Equal(t, "read_file", body.Commands[0].Function)
	assert.EqualValues(t, 4, body.Commands[0].DurationMS)
}

func TestHistoryWithoutStore(t *testing.T) {
	ts := newTestServer(t, nil, nil, nil, nil)
	var body errorResp
	code := getJSON(t, ts.URL+"/history", &body)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil, nil, nil, nil)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSanitizeBase(t *testing.T) {
	assert.Equal(t, "", sanitizeBase(""))
	assert.Equal(t, "", sanitizeBase("/"))
	assert.Equal(t, "/api", sanitizeBase("api"))
	assert.Equal(t, "/api", sanitizeBase("/api/"))
}
