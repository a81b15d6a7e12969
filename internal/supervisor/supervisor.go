package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/loykin/agentnode/internal/logbuf"
	"github.com/loykin/agentnode/internal/metrics"
)

// ErrProcessNotFound is returned when an operation names an unregistered process.
var ErrProcessNotFound = errors.New("process not found")

// Status is the owner-driven state of a managed process.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// ProcStatus is a point-in-time view of one managed process.
type ProcStatus struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	PID    int    `json:"pid"`
}

// Recorder receives process lifecycle notifications (persistence hook).
type Recorder interface {
	ProcessStarted(name string, pid int)
	ProcessStopped(name string)
}

// child is one spawned OS process plus its log drain bookkeeping.
type child struct {
	cmd     *exec.Cmd
	status  Status
	logs    *logbuf.Buffer
	drained sync.WaitGroup // both drain goroutines observed EOF
}

// Supervisor spawns, tracks, and tears down named helper processes.
// A logical name maps to at most one live process: spawning under an
// existing name kills the old process first. Liveness reporting is
// registry membership only; a process that exited on its own is still
// reported running until the next Kill or respawn reaps it.
type Supervisor struct {
	mu       sync.Mutex
	procs    map[string]*child
	logger   *slog.Logger
	recorder Recorder
}

func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{procs: make(map[string]*child), logger: logger}
}

// SetRecorder installs a lifecycle recorder. Passing nil disables recording.
func (s *Supervisor) SetRecorder(r Recorder) {
	s.mu.Lock()
	s.recorder = r
	s.mu.Unlock()
}

// Spawn launches command under the given logical name and returns its pid.
// Stdout and stderr are piped and drained concurrently into a bounded log
// buffer. env entries ("KEY=VALUE") are appended to the parent environment.
func (s *Supervisor) Spawn(name, command string, args []string, env []string) (int, error) {
	if err := s.Kill(name); err != nil {
		return 0, err
	}

	// #nosec G204 -- callers decide which helper to launch
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", name, err)
	}

	c := &child{cmd: cmd, status: StatusRunning, logs: logbuf.New()}
	c.drained.Add(2)
	go drain(c, "stdout", stdout)
	go drain(c, "stderr", stderr)

	s.mu.Lock()
	s.procs[name] = c
	rec := s.recorder
	n := len(s.procs)
	s.mu.Unlock()
	metrics.SetRunningProcesses(n)

	pid := cmd.Process.Pid
	s.logger.Info("process spawned", "name", name, "pid", pid, "command", command)
	if rec != nil {
		rec.ProcessStarted(name, pid)
	}
	return pid, nil
}

// drain copies one pipe into the shared log buffer line by line. It runs
// until the pipe reaches EOF, which the owner guarantees by waiting on the
// process before dropping it from the registry.
func drain(c *child, stream string, r io.Reader) {
	defer c.drained.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		c.logs.Append(stream, sc.Text())
	}
}

// Kill terminates the named process and waits for it to exit. Killing an
// unregistered name is a no-op. After Kill returns no drain goroutine is
// still writing to the process's log buffer.
func (s *Supervisor) Kill(name string) error {
	s.mu.Lock()
	c, ok := s.procs[name]
	if ok {
		delete(s.procs, name)
	}
	rec := s.recorder
	n := len(s.procs)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.SetRunningProcesses(n)

	s.stop(name, c)
	if rec != nil {
		rec.ProcessStopped(name)
	}
	return nil
}

// stop force-kills and reaps one child. Wait also closes the pipes, which
// lets the drain goroutines observe EOF and finish.
func (s *Supervisor) stop(name string, c *child) {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	err := c.cmd.Wait()
	c.drained.Wait()
	if err != nil {
		s.logger.Debug("process reaped", "name", name, "exit", err)
	} else {
		s.logger.Debug("process reaped", "name", name)
	}
}

// IsRunning reports registry membership only; it does not probe the OS.
func (s *Supervisor) IsRunning(name string) bool {
	s.mu.Lock()
	_, ok := s.procs[name]
	s.mu.Unlock()
	return ok
}

// Logs returns up to max of the most recent captured lines in append order.
func (s *Supervisor) Logs(name string, max int) ([]logbuf.Line, error) {
	s.mu.Lock()
	c, ok := s.procs[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, name)
	}
	return c.logs.Tail(max), nil
}

// List returns a snapshot of every registered process, sorted by name.
func (s *Supervisor) List() []ProcStatus {
	s.mu.Lock()
	out := make([]ProcStatus, 0, len(s.procs))
	for name, c := range s.procs {
		st := ProcStatus{Name: name, Status: c.status}
		if c.cmd.Process != nil {
			st.PID = c.cmd.Process.Pid
		}
		out = append(out, st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown force-kills and reaps every registered process. Supervised
// processes are disposable local helpers, so there is no graceful path.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	procs := s.procs
	s.procs = make(map[string]*child)
	rec := s.recorder
	s.mu.Unlock()
	metrics.SetRunningProcesses(0)

	for name, c := range procs {
		s.stop(name, c)
		if rec != nil {
			rec.ProcessStopped(name)
		}
	}
}
