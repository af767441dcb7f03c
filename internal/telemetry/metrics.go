package telemetry

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric definitions for the four core subsystems.
var (
	// Task Registry
	TasksByStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "necrocode_tasks_by_state",
		Help: "Current task count by spec and state.",
	}, []string{"spec_name", "state"})
	TaskEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "necrocode_task_events_total",
		Help: "Total events appended to the registry event log.",
	}, []string{"spec_name", "event_type"})
	LockContentionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "necrocode_lock_contention_total",
		Help: "Times a caller failed to acquire a lock on first try.",
	}, []string{"lock_kind"})
	StaleLocksClearedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "necrocode_stale_locks_cleared_total",
		Help: "Locks force-released due to lease expiry.",
	}, []string{"lock_kind"})

	// Repo Pool Manager
	SlotsByStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "necrocode_slots_by_state",
		Help: "Current slot count by repo and state.",
	}, []string{"repo_name", "state"})
	SlotAllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "necrocode_slot_allocations_total",
		Help: "Total slot allocations.",
	}, []string{"repo_name"})
	SlotRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "necrocode_slot_recoveries_total",
		Help: "Total slot recovery attempts, by outcome.",
	}, []string{"repo_name", "outcome"})

	// Dispatcher
	DispatchLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "necrocode_dispatch_loop_seconds",
		Help:    "Wall time of one dispatcher control-loop iteration.",
		Buckets: prometheus.DefBuckets,
	})
	TasksDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "necrocode_tasks_dispatched_total",
		Help: "Total tasks dispatched to a runner.",
	}, []string{"spec_name", "skill"})
	DispatchSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "necrocode_dispatch_skipped_total",
		Help: "Ready tasks skipped in a loop iteration, by reason.",
	}, []string{"reason"})
	DeadlockSuspectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "necrocode_deadlock_suspected_total",
		Help: "Times the dispatcher logged a DeadlockSuspected event.",
	})

	// Agent Runner
	RunnerStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "necrocode_runner_stage_seconds",
		Help:    "Duration of one Agent Runner pipeline stage.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
	LLMTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "necrocode_llm_tokens_total",
		Help: "Total LLM tokens consumed.",
	}, []string{"spec_name"})
	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "necrocode_heartbeats_total",
		Help: "Total RunnerHeartbeat events emitted.",
	}, []string{"spec_name"})
	TaskOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "necrocode_task_outcomes_total",
		Help: "Total task terminations by outcome.",
	}, []string{"spec_name", "outcome"})
)

var (
	metricsMu      sync.Mutex
	metricsRunning bool
)

// StartMetricsServer exposes /metrics over HTTP, trying up to 10 ports
// starting at basePort before giving up (a busy default port should not be
// fatal to the process hosting the Dispatcher or Registry).
func StartMetricsServer(basePort int) error {
	metricsMu.Lock()
	if metricsRunning {
		metricsMu.Unlock()
		return nil
	}
	metricsRunning = true
	metricsMu.Unlock()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	var listener net.Listener
	var err error
	for i := 0; i < 10; i++ {
		port := basePort + i
		addr := ":" + strconv.Itoa(port)
		listener, err = net.Listen("tcp", addr)
		if err == nil {
			fmt.Fprintf(os.Stderr, "metrics server listening on %s\n", addr)
			return http.Serve(listener, mux)
		}
	}

	metricsMu.Lock()
	metricsRunning = false
	metricsMu.Unlock()
	return fmt.Errorf("no available port starting from %d: %w", basePort, err)
}
