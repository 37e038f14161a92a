// Package telemetry collects pipeline run and agent metrics. Recording never
// fails a digest run; hook errors are logged and swallowed.
package telemetry

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RunEvent is one completed pipeline run.
type RunEvent struct {
	RunID     string
	UserID    string
	GroupID   string
	Success   bool
	Duration  time.Duration
	Timestamp time.Time
	Counts    StatusCounts
}

// StatusCounts aggregates the per-agent outcomes of one run.
type StatusCounts struct {
	Success  int
	Error    int
	Fallback int
}

// AgentEvent is one attempted agent within a run.
type AgentEvent struct {
	RunID     string
	AgentName string
	Status    string
	Duration  time.Duration
	Timestamp time.Time
}

// Hook receives completed events. Implementations must not block for long;
// panics are recovered and logged.
type Hook interface {
	OnRun(RunEvent)
	OnAgent(AgentEvent)
}

// Telemetry aggregates counters in memory and exports them to prometheus.
// All methods are safe for concurrent use. A nil *Telemetry is a valid no-op.
type Telemetry struct {
	mu      sync.Mutex
	enabled bool
	logger  *log.Logger
	hooks   []Hook

	runsTotal     int64
	runsFailed    int64
	agentRuns     map[string]int64
	agentFailures map[string]int64

	promRuns      *prometheus.CounterVec
	promAgentRuns *prometheus.CounterVec
	promAgentTime *prometheus.HistogramVec
	promFallbacks prometheus.Counter
}

// New builds a Telemetry and registers its collectors. When enabled is false
// every method is a no-op.
func New(enabled bool, reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		enabled:       enabled,
		logger:        log.New(os.Stdout, "[TELEMETRY] ", log.LstdFlags),
		agentRuns:     make(map[string]int64),
		agentFailures: make(map[string]int64),
	}
	if !enabled {
		return t
	}
	t.promRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "digestor_runs_total",
		Help: "Digest pipeline runs by outcome.",
	}, []string{"outcome"})
	t.promAgentRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "digestor_agent_runs_total",
		Help: "Agent executions by agent and status.",
	}, []string{"agent", "status"})
	t.promAgentTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "digestor_agent_duration_seconds",
		Help:    "Agent execution time in seconds.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
	}, []string{"agent"})
	t.promFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "digestor_fallbacks_total",
		Help: "Agent executions that degraded to a fallback result.",
	})
	if reg != nil {
		reg.MustRegister(t.promRuns, t.promAgentRuns, t.promAgentTime, t.promFallbacks)
	}
	return t
}

// AddHook registers an external observer for run and agent events.
func (t *Telemetry) AddHook(h Hook) {
	if t == nil || !t.enabled || h == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, h)
}

// RecordRun records one finished pipeline run.
func (t *Telemetry) RecordRun(ev RunEvent) {
	if t == nil || !t.enabled {
		return
	}
	t.mu.Lock()
	t.runsTotal++
	if !ev.Success {
		t.runsFailed++
	}
	hooks := append([]Hook(nil), t.hooks...)
	t.mu.Unlock()

	outcome := "success"
	if !ev.Success {
		outcome = "failure"
	}
	t.promRuns.WithLabelValues(outcome).Inc()
	t.logger.Printf("run %s user=%s group=%s outcome=%s agents=%d/%d/%d duration=%.2fs",
		ev.RunID, ev.UserID, ev.GroupID, outcome,
		ev.Counts.Success, ev.Counts.Fallback, ev.Counts.Error, ev.Duration.Seconds())

	for _, h := range hooks {
		t.safeHook(func() { h.OnRun(ev) })
	}
}

// RecordAgent records one attempted agent.
func (t *Telemetry) RecordAgent(ev AgentEvent) {
	if t == nil || !t.enabled {
		return
	}
	t.mu.Lock()
	t.agentRuns[ev.AgentName]++
	if ev.Status == "error" {
		t.agentFailures[ev.AgentName]++
	}
	hooks := append([]Hook(nil), t.hooks...)
	t.mu.Unlock()

	t.promAgentRuns.WithLabelValues(ev.AgentName, ev.Status).Inc()
	t.promAgentTime.WithLabelValues(ev.AgentName).Observe(ev.Duration.Seconds())
	if ev.Status == "fallback" {
		t.promFallbacks.Inc()
	}

	for _, h := range hooks {
		t.safeHook(func() { h.OnAgent(ev) })
	}
}

func (t *Telemetry) safeHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Printf("telemetry hook panicked: %v", r)
		}
	}()
	fn()
}

// Snapshot returns aggregate counters for diagnostics endpoints.
func (t *Telemetry) Snapshot() (runs, failed int64, agentRuns, agentFailures map[string]int64) {
	if t == nil {
		return 0, 0, nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	agentRuns = make(map[string]int64, len(t.agentRuns))
	for k, v := range t.agentRuns {
		agentRuns[k] = v
	}
	agentFailures = make(map[string]int64, len(t.agentFailures))
	for k, v := range t.agentFailures {
		agentFailures[k] = v
	}
	return t.runsTotal, t.runsFailed, agentRuns, agentFailures
}
