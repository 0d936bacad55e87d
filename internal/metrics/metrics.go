package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cardio"

// Metrics 服务级 Prometheus 指标；nil 接收者上的方法均为空操作（用于测试与禁用场景）
type Metrics struct {
	messagesReceived   *prometheus.CounterVec   // kind
	messagesDropped    *prometheus.CounterVec   // kind, reason
	activeSessions     prometheus.Gauge         //
	sessionTransitions *prometheus.CounterVec   // status
	finalizations      *prometheus.CounterVec   // reason
	predictions        *prometheus.CounterVec   // modality, status, placeholder
	inferenceDuration  *prometheus.HistogramVec // stage
	telemetryPublished *prometheus.CounterVec   // sink
	telemetryErrors    *prometheus.CounterVec   // sink
	persistFailures    *prometheus.CounterVec   // op
}

// New 创建并注册指标
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_received_total",
			Help:      "Messages accepted by the channel router, by channel kind",
		}, []string{"kind"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped, by channel kind and reason",
		}, []string{"kind", "reason"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently held in memory",
		}),
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session status transitions, by target status",
		}, []string{"status"}),
		finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "finalizations_total",
			Help:      "Session finalizations, by reason",
		}, []string{"reason"}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "predictions_total",
			Help:      "Predictions produced, by modality, status and placeholder flag",
		}, []string{"modality", "status", "placeholder"}),
		inferenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "stage_duration_seconds",
			Help:      "Duration of inference pipeline stages",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"stage"}),
		telemetryPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "published_total",
			Help:      "Live metric snapshots delivered, by sink",
		}, []string{"sink"}),
		telemetryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "errors_total",
			Help:      "Live metric delivery failures, by sink",
		}, []string{"sink"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "failures_total",
			Help:      "Persistence writes that failed after retries, by operation",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.messagesReceived, m.messagesDropped,
		m.activeSessions, m.sessionTransitions, m.finalizations,
		m.predictions, m.inferenceDuration,
		m.telemetryPublished, m.telemetryErrors,
		m.persistFailures,
	)
	return m
}

func (m *Metrics) MessageReceived(kind string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) MessageDropped(kind, reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(kind, reason).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) SessionTransition(status string) {
	if m == nil {
		return
	}
	m.sessionTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) SessionFinalized(reason string) {
	if m == nil {
		return
	}
	m.finalizations.WithLabelValues(reason).Inc()
}

func (m *Metrics) Prediction(modality, status string, placeholder bool) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(modality, status, strconv.FormatBool(placeholder)).Inc()
}

// ObserveStage 记录推理流水线某阶段耗时（preprocess / primary / severity / electrical / persist）
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.inferenceDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) TelemetryPublished(sink string) {
	if m == nil {
		return
	}
	m.telemetryPublished.WithLabelValues(sink).Inc()
}

func (m *Metrics) TelemetryError(sink string) {
	if m == nil {
		return
	}
	m.telemetryErrors.WithLabelValues(sink).Inc()
}

func (m *Metrics) PersistFailed(op string) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(op).Inc()
}
