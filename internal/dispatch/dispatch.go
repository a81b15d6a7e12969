// Package dispatch executes the closed set of local commands the
// coordinator may request: run_shell, read_file, write_file,
// list_directory, and call_bridge_tool. Any other function name is
// rejected, not attempted. Filesystem access is unsandboxed; the
// whitelist is at the function-name level only.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/loykin/agentnode/internal/bridge"
	"github.com/loykin/agentnode/internal/metrics"
)

// ErrUnknownFunction is returned for any function name outside the whitelist.
var ErrUnknownFunction = errors.New("unknown function")

// MissingArgumentError reports a required argument that is absent or of
// the wrong shape.
type MissingArgumentError struct {
	Name string
}

func (e *MissingArgumentError) Error() string {
	return fmt.Sprintf("missing '%s' argument", e.Name)
}

// TimeoutError reports a shell command that exceeded its deadline. It is
// distinct from a nonzero exit code.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s", e.Timeout)
}

// defaultShellTimeout bounds run_shell when the caller gives no timeout.
const defaultShellTimeout = 30 * time.Second

// Recorder receives one entry per executed command (persistence hook).
type Recorder interface {
	RecordCommand(fn string, success bool, errMsg string, elapsed time.Duration)
}

// Dispatcher maps whitelisted function names to local actions. It is
// stateless apart from the injected bridge client and safe for
// concurrent use.
type Dispatcher struct {
	bridge   *bridge.Client
	logger   *slog.Logger
	recorder Recorder
}

func New(bridgeClient *bridge.Client, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{bridge: bridgeClient, logger: logger}
}

// SetRecorder installs a command recorder. Passing nil disables recording.
func (d *Dispatcher) SetRecorder(r Recorder) { d.recorder = r }

// Execute runs one whitelisted function. Errors are data for the caller
// to report back over the connection; Execute never panics the receive
// path.
func (d *Dispatcher) Execute(ctx context.Context, fn string, args json.RawMessage) (json.RawMessage, error) {
	start := time.Now()
	res, err := d.execute(ctx, fn, args)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.IncCommand(fn, outcome)
	metrics.ObserveCommand(fn, elapsed.Seconds())
	if d.recorder != nil {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		d.recorder.RecordCommand(fn, err == nil, msg, elapsed)
	}
	if err != nil {
		d.logger.Warn("command failed", "function", fn, "error", err)
	} else {
		d.logger.Debug("command done", "function", fn, "elapsed", elapsed)
	}
	return res, err
}

func (d *Dispatcher) execute(ctx context.Context, fn string, args json.RawMessage) (json.RawMessage, error) {
	switch fn {
	case "run_shell":
		return d.runShell(ctx, args)
	case "read_file":
		return readFile(args)
	case "write_file":
		return writeFile(args)
	case "list_directory":
		return listDirectory(args)
	case "call_bridge_tool":
		return d.callBridgeTool(ctx, args)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, fn)
	}
}

type shellResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

func (d *Dispatcher) runShell(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"` // seconds
	}
	if err := json.Unmarshal(args, &p); err != nil || p.Command == "" {
		return nil, &MissingArgumentError{Name: "command"}
	}
	timeout := defaultShellTimeout
	if p.Timeout > 0 {
		timeout = time.Duration(p.Timeout) * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		// #nosec G204 -- executing coordinator-requested commands is this node's purpose
		cmd = exec.CommandContext(cctx, "cmd", "/C", p.Command)
	} else {
		// #nosec G204
		cmd = exec.CommandContext(cctx, "/bin/sh", "-c", p.Command)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return nil, &TimeoutError{Timeout: timeout}
	}
	exitCode := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exitCode = ee.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to run command: %w", err)
		}
	}
	return json.Marshal(shellResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	})
}

func readFile(args json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &p); err != nil || p.Path == "" {
		return nil, &MissingArgumentError{Name: "path"}
	}
	content, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return json.Marshal(map[string]any{
		"path":    p.Path,
		"content": string(content),
		"size":    len(content),
	})
}

func writeFile(args json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Path    string  `json:"path"`
		Content *string `json:"content"`
	}
	if err := json.Unmarshal(args, &p); err != nil || p.Path == "" {
		return nil, &MissingArgumentError{Name: "path"}
	}
	if p.Content == nil {
		return nil, &MissingArgumentError{Name: "content"}
	}
	if err := os.WriteFile(p.Path, []byte(*p.Content), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	return json.Marshal(map[string]any{
		"path":         p.Path,
		"bytesWritten": len(*p.Content),
	})
}

type dirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

func listDirectory(args json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &p); err != nil || p.Path == "" {
		return nil, &MissingArgumentError{Name: "path"}
	}
	info, err := os.Stat(p.Path)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", p.Path)
	}
	ents, err := os.ReadDir(p.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	entries := make([]dirEntry, 0, len(ents))
	for _, e := range ents {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		entries = append(entries, dirEntry{Name: e.Name(), IsDir: fi.IsDir(), Size: fi.Size()})
	}
	return json.Marshal(map[string]any{
		"path":    p.Path,
		"entries": entries,
		"count":   len(entries),
	})
}

func (d *Dispatcher) callBridgeTool(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Server    string          `json:"server"`
		Tool      string          `json:"tool"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(args, &p); err != nil || p.Server == "" {
		return nil, &MissingArgumentError{Name: "server"}
	}
	if p.Tool == "" {
		return nil, &MissingArgumentError{Name: "tool"}
	}
	return d.bridge.Call(ctx, p.Server, p.Tool, p.Arguments)
}
