package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentnode",
			Subsystem: "conn",
			Name:      "frames_received_total",
			Help:      "Number of inbound frames by wire type.",
		}, []string{"type"},
	)
	connects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentnode",
			Subsystem: "conn",
			Name:      "connects_total",
			Help:      "Number of successful coordinator handshakes.",
		},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentnode",
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Number of dispatched local commands by function and outcome.",
		}, []string{"function", "outcome"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentnode",
			Subsystem: "dispatch",
			Name:      "command_duration_seconds",
			Help:      "Wall time of dispatched local commands.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"function"},
	)
	runningProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentnode",
			Subsystem: "supervisor",
			Name:      "running_processes",
			Help:      "Number of currently registered managed processes.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{framesReceived, connects, commands, commandDuration, runningProcesses}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns the Prometheus scrape handler for the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

func IncFrame(typ string)       { framesReceived.WithLabelValues(typ).Inc() }
func IncConnect()               { connects.Inc() }
func SetRunningProcesses(n int) { runningProcesses.Set(float64(n)) }

// IncCommand records one dispatched command outcome ("ok" or "error").
func IncCommand(fn, outcome string) { commands.WithLabelValues(fn, outcome).Inc() }

// ObserveCommand records the wall time of one dispatched command.
func ObserveCommand(fn string, sec float64) { commandDuration.WithLabelValues(fn).Observe(sec) }
