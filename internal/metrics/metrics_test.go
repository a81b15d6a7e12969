package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second Register failed: %v", err)
	}
}

func TestCollectorsAccept(t *testing.T) {
	// Smoke test: helpers must not panic regardless of registration state.
	IncFrame("ping")
	IncConnect()
	IncCommand("run_shell", "ok")
	ObserveCommand("run_shell", 0.01)
	SetRunningProcesses(2)
}
