package metrics

import "github.com/prometheus/client_golang/prometheus"

// IntakeMetrics exposes counters/histograms for message intake across
// transports. Pipeline-internal metrics (LLM latency, transitions, payloads
// served) live with the conversation engine; these cover the edges.
type IntakeMetrics struct {
	inboundTotal *prometheus.CounterVec
	notifyTotal  *prometheus.CounterVec
	turnLatency  *prometheus.HistogramVec
}

func NewIntakeMetrics(reg prometheus.Registerer) *IntakeMetrics {
	m := &IntakeMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "intake",
			Name:      "inbound_messages_total",
			Help:      "Total inbound user messages",
		}, []string{"channel", "status"}),
		notifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "companion",
			Subsystem: "intake",
			Name:      "counselor_notifications_total",
			Help:      "Total counselor notifications attempted",
		}, []string{"via", "status"}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "companion",
			Subsystem: "intake",
			Name:      "turn_latency_seconds",
			Help:      "Latency of one full message turn, intake to reply",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.notifyTotal, m.turnLatency)
	return m
}

func (m *IntakeMetrics) ObserveInbound(channel, status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(channel, status).Inc()
}

func (m *IntakeMetrics) ObserveNotification(via, status string) {
	if m == nil {
		return
	}
	m.notifyTotal.WithLabelValues(via, status).Inc()
}

func (m *IntakeMetrics) ObserveTurnLatency(channel string, seconds float64) {
	if m == nil {
		return
	}
	m.turnLatency.WithLabelValues(channel).Observe(seconds)
}
