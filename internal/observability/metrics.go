package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime counters and histograms across the transport and
// AI pipeline.
//
// The set mirrors what the runtime itself accounts for:
//   - Locked appends and lock contention per target file kind
//   - Event bus outcomes (published, delivered, dropped, retried, ...)
//   - Provider call latency and status per provider/model
//   - Tool executions, presence liveness, memory selection mode
//
// Usage:
//
//	metrics := observability.NewMetrics(nil)
//	metrics.RecordAppend("room_log", "ok")
//	metrics.RecordLockRetries("room_log", 2)
//
// All record methods are safe on a nil receiver so components can run
// unmetered in tests.
type Metrics struct {
	// AppendCounter tracks locked JSONL appends.
	// Labels: target (room_log|memory|audit), status (ok|error)
	AppendCounter *prometheus.CounterVec

	// LockRetryCounter counts busy retries during lock acquisition.
	// Labels: target (room_log|memory|audit|probe)
	LockRetryCounter *prometheus.CounterVec

	// BusCounter tracks event bus outcomes.
	// Labels: outcome (published|delivered|retried|dropped|handler_failure|
	// queue_full|fallback_executed)
	BusCounter *prometheus.CounterVec

	// ProviderRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts provider calls.
	// Labels: provider, model, status (success|transient_retry|error|cancelled)
	ProviderRequestCounter *prometheus.CounterVec

	// ToolExecutionCounter counts approved tool executions.
	// Labels: tool, status (completed|failed|timeout)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool subprocess wall time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// PresencePeers gauges live peers per room after each sidebar sweep.
	// Labels: room
	PresencePeers *prometheus.GaugeVec

	// PresenceWrites counts heartbeat presence file writes.
	PresenceWrites prometheus.Counter

	// PresenceExpired counts stale presence files unlinked by readers.
	PresenceExpired prometheus.Counter

	// PresenceQuarantined counts presence files moved to quarantine.
	PresenceQuarantined prometheus.Counter

	// MonitorPolls counts poll outcomes.
	// Labels: result (idle|new_events|rewind|error)
	MonitorPolls *prometheus.CounterVec

	// ActionTransitions counts action state transitions.
	// Labels: status (pending|approved|denied|running|completed|failed|expired)
	ActionTransitions *prometheus.CounterVec

	// MemorySelections counts context builds by selection mode.
	// Labels: mode (lexical|rerank)
	MemorySelections *prometheus.CounterVec

	// AIRequests counts AI request lifecycle outcomes.
	// Labels: outcome (started|completed|failed|cancelled|retried)
	AIRequests *prometheus.CounterVec

	// ErrorCounter tracks errors by component and kind.
	// Labels: component, kind
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics. A nil registerer
// uses the default registry; tests pass prometheus.NewRegistry() to avoid
// duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		AppendCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "huddle_appends_total",
				Help: "Total locked JSONL appends by target and status",
			},
			[]string{"target", "status"},
		),

		LockRetryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "huddle_lock_retries_total",
				Help: "Total busy retries while acquiring file locks",
			},
			[]string{"target"},
		),

		BusCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "huddle_bus_events_total",
				Help: "Event bus outcomes by kind",
			},
			[]string{"outcome"},
		),

		ProviderRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "huddle_provider_request_duration_seconds",
				Help:    "Duration of AI provider calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 45, 60},
			},
			[]string{"provider", "model"},
		),

		ProviderRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "huddle_provider_requests_total",
				Help: "Total AI provider calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "huddle_tool_executions_total",
				Help: "Total approved tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "huddle_tool_execution_duration_seconds",
				Help:    "Duration of tool subprocesses in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		PresencePeers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "huddle_presence_peers",
				Help: "Live peers per room as of the last sidebar sweep",
			},
			[]string{"room"},
		),

		PresenceWrites: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "huddle_presence_writes_total",
				Help: "Heartbeat presence file writes",
			},
		),

		PresenceExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "huddle_presence_expired_total",
				Help: "Stale presence files unlinked by sidebar sweeps",
			},
		),

		PresenceQuarantined: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "huddle_presence_quarantined_total",
				Help: "Presence files moved to quarantine after repeated parse failures",
			},
		),

		MonitorPolls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "huddle_monitor_polls_total",
				Help: "Room log poll outcomes",
			},
			[]string{"result"},
		),

		ActionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "huddle_action_transitions_total",
				Help: "Tool action state transitions by resulting status",
			},
			[]string{"status"},
		),

		MemorySelections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "huddle_memory_selections_total",
				Help: "Memory context builds by selection mode",
			},
			[]string{"mode"},
		),

		AIRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "huddle_ai_requests_total",
				Help: "AI request lifecycle outcomes",
			},
			[]string{"outcome"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "huddle_errors_total",
				Help: "Total errors by component and kind",
			},
			[]string{"component", "kind"},
		),
	}
}

// RecordAppend counts a successful locked append.
func (m *Metrics) RecordAppend(target, status string) {
	if m == nil {
		return
	}
	m.AppendCounter.WithLabelValues(target, status).Inc()
}

// RecordLockRetries adds the busy retries observed during one acquisition.
// Zero is ignored so uncontended appends stay cheap.
func (m *Metrics) RecordLockRetries(target string, retries int) {
	if m == nil || retries <= 0 {
		return
	}
	m.LockRetryCounter.WithLabelValues(target).Add(float64(retries))
}

// RecordBus counts one event bus outcome.
func (m *Metrics) RecordBus(outcome string) {
	if m == nil {
		return
	}
	m.BusCounter.WithLabelValues(outcome).Inc()
}

// RecordProviderRequest records one provider call.
func (m *Metrics) RecordProviderRequest(provider, model, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ProviderRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
}

// RecordToolExecution records one approved tool run.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// SetPresencePeers records the live peer count for a room.
func (m *Metrics) SetPresencePeers(room string, count int) {
	if m == nil {
		return
	}
	m.PresencePeers.WithLabelValues(room).Set(float64(count))
}

// RecordPresenceWrite counts one heartbeat presence write.
func (m *Metrics) RecordPresenceWrite() {
	if m == nil {
		return
	}
	m.PresenceWrites.Inc()
}

// RecordPresenceExpired counts one stale presence file unlinked.
func (m *Metrics) RecordPresenceExpired() {
	if m == nil {
		return
	}
	m.PresenceExpired.Inc()
}

// RecordQuarantine counts one presence file moved to quarantine.
func (m *Metrics) RecordQuarantine() {
	if m == nil {
		return
	}
	m.PresenceQuarantined.Inc()
}

// RecordMonitorPoll counts one poll outcome.
func (m *Metrics) RecordMonitorPoll(result string) {
	if m == nil {
		return
	}
	m.MonitorPolls.WithLabelValues(result).Inc()
}

// RecordAction counts one action state transition.
func (m *Metrics) RecordAction(status string) {
	if m == nil {
		return
	}
	m.ActionTransitions.WithLabelValues(status).Inc()
}

// RecordMemorySelection counts one memory context build.
func (m *Metrics) RecordMemorySelection(mode string) {
	if m == nil {
		return
	}
	m.MemorySelections.WithLabelValues(mode).Inc()
}

// RecordAIRequest counts one AI request lifecycle outcome.
func (m *Metrics) RecordAIRequest(outcome string) {
	if m == nil {
		return
	}
	m.AIRequests.WithLabelValues(outcome).Inc()
}

// RecordError increments the error counter for a component and kind.
func (m *Metrics) RecordError(component, kind string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, kind).Inc()
}
