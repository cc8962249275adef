package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Every
// method is safe on a nil receiver so callers may run without metrics.
type Metrics struct {
	registry *prometheus.Registry
	stages   *stageWindow

	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	DispatchOutcomes *prometheus.CounterVec
	ProviderCalls    *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	ProviderTokens   *prometheus.CounterVec
	HistoryEvictions prometheus.Counter
	HistoryErrors    *prometheus.CounterVec
	HistoryPurged    prometheus.Counter
}

// NewMetrics registers all instruments on a fresh registry, so several
// instances can coexist in one process.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := func(c prometheus.Collector) { reg.MustRegister(c) }

	m := &Metrics{
		registry: reg,
		stages:   newStageWindow(256),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_chat_sessions",
			Help:      "Number of open chat sessions.",
		}),
		SessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Chat session events by type.",
		}, []string{"event"}),
		WSMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		DispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_outcomes_total",
			Help:      "Dispatched questions by final outcome.",
		}, []string{"outcome"}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Provider calls by provider, tier and result.",
		}, []string{"provider", "tier", "result"}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_ms",
			Help:      "Provider call latency in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 15000, 30000},
		}, []string{"provider"}),
		ProviderTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_total",
			Help:      "Tokens reported by providers by kind (prompt or completion).",
		}, []string{"provider", "kind"}),
		HistoryEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_evictions_total",
			Help:      "Interactions evicted to honor the history bound.",
		}),
		HistoryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_errors_total",
			Help:      "History store failures by operation.",
		}, []string{"op"}),
		HistoryPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_purged_total",
			Help:      "Interactions removed by retention purges.",
		}),
	}
	f(m.ActiveSessions)
	f(m.SessionEvents)
	f(m.WSMessages)
	f(m.DispatchOutcomes)
	f(m.ProviderCalls)
	f(m.ProviderErrors)
	f(m.ProviderLatency)
	f(m.ProviderTokens)
	f(m.HistoryEvictions)
	f(m.HistoryErrors)
	f(m.HistoryPurged)
	return m
}

func (m *Metrics) ObserveDispatch(outcome string) {
	if m == nil {
		return
	}
	m.DispatchOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveProviderCall records one provider attempt. code is empty on success.
func (m *Metrics) ObserveProviderCall(provider, tier, code string, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if code != "" {
		result = "error"
		m.ProviderErrors.WithLabelValues(provider, code).Inc()
	}
	m.ProviderCalls.WithLabelValues(provider, tier, result).Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(float64(d.Milliseconds()))
}

// ObserveTokens adds the usage a provider reported for one completion.
func (m *Metrics) ObserveTokens(provider string, prompt, completion int) {
	if m == nil {
		return
	}
	if prompt > 0 {
		m.ProviderTokens.WithLabelValues(provider, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.ProviderTokens.WithLabelValues(provider, "completion").Add(float64(completion))
	}
}

func (m *Metrics) ObserveEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.HistoryEvictions.Add(float64(n))
}

func (m *Metrics) ObserveHistoryError(op string) {
	if m == nil {
		return
	}
	m.HistoryErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) ObservePurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.HistoryPurged.Add(float64(n))
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// ObserveStage feeds the rolling latency window served at /v1/perf/latency.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
