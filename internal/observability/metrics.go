package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// The Observe helpers are safe to call on a nil *Metrics.
type Metrics struct {
	RunPolls            *prometheus.CounterVec
	BusyRecoveries      *prometheus.CounterVec
	ToolDecisions       *prometheus.CounterVec
	DeliverLatency      prometheus.Histogram
	DeliverErrors       *prometheus.CounterVec
	AgentErrors         *prometheus.CounterVec
	ApprovalTransitions *prometheus.CounterVec
	ApprovalStreams     prometheus.Gauge
	WSMessages          *prometheus.CounterVec
}

// NewMetrics registers instruments with reg, or the default registerer when reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		RunPolls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_polls_total",
			Help:      "Agent run status polls by observed status.",
		}, []string{"status"}),
		BusyRecoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "busy_thread_recoveries_total",
			Help:      "Already-active run rejections by recovery outcome.",
		}, []string{"outcome"}),
		ToolDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_call_decisions_total",
			Help:      "Tool calls by action and routing verdict.",
		}, []string{"action", "verdict"}),
		DeliverLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deliver_latency_ms",
			Help:      "End-to-end message delivery latency in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 16000, 32000, 64000},
		}),
		DeliverErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliver_errors_total",
			Help:      "Failed deliveries by error kind.",
		}, []string{"kind"}),
		AgentErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_errors_total",
			Help:      "Agent service errors by operation.",
		}, []string{"op"}),
		ApprovalTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_transitions_total",
			Help:      "Pending approval status transitions by target status.",
		}, []string{"status"}),
		ApprovalStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approval_streams",
			Help:      "Open approval event websocket connections.",
		}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}
}

func (m *Metrics) ObserveRunPoll(status string) {
	if m == nil {
		return
	}
	m.RunPolls.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveBusyRecovery(outcome string) {
	if m == nil {
		return
	}
	m.BusyRecoveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveToolDecision(action, verdict string) {
	if m == nil {
		return
	}
	m.ToolDecisions.WithLabelValues(action, verdict).Inc()
}

func (m *Metrics) ObserveDeliver(d time.Duration, errKind string) {
	if m == nil {
		return
	}
	m.DeliverLatency.Observe(float64(d.Milliseconds()))
	if errKind != "" {
		m.DeliverErrors.WithLabelValues(errKind).Inc()
	}
}

func (m *Metrics) ObserveAgentError(op string) {
	if m == nil {
		return
	}
	m.AgentErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveApprovalTransition(status string) {
	if m == nil {
		return
	}
	m.ApprovalTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.ApprovalStreams.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.ApprovalStreams.Dec()
}

// MetricsHandler serves g, or the default gatherer when g is nil.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
