package metrics

import "github.com/prometheus/client_golang/prometheus"

// PipelineMetrics exposes counters/histograms for the messaging pipeline.
type PipelineMetrics struct {
	inboundTotal    *prometheus.CounterVec
	outboundTotal   *prometheus.CounterVec
	webhookLatency  *prometheus.HistogramVec
	turnLatency     *prometheus.HistogramVec
	toolRetries     *prometheus.CounterVec
	classifierDrops *prometheus.CounterVec
}

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sokoflow",
			Subsystem: "messaging",
			Name:      "inbound_webhook_total",
			Help:      "Total inbound gateway webhooks by resolution status",
		}, []string{"status"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sokoflow",
			Subsystem: "messaging",
			Name:      "outbound_total",
			Help:      "Total outbound sends by consent category",
		}, []string{"category", "status", "suppressed"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sokoflow",
			Subsystem: "messaging",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of webhook edge handling",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sokoflow",
			Subsystem: "pipeline",
			Name:      "turn_latency_seconds",
			Help:      "Latency of full conversation turns",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"journey"}),
		toolRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sokoflow",
			Subsystem: "tools",
			Name:      "retries_total",
			Help:      "Retries performed against tool backends",
		}, []string{"tool"}),
		classifierDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sokoflow",
			Subsystem: "classifier",
			Name:      "rejected_total",
			Help:      "Classifier outputs rejected by schema validation",
		}, []string{"kind"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.outboundTotal, m.webhookLatency, m.turnLatency, m.toolRetries, m.classifierDrops)
	return m
}

func (m *PipelineMetrics) ObserveInbound(status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(status).Inc()
}

func (m *PipelineMetrics) ObserveOutbound(category, status string, suppressed bool) {
	if m == nil {
		return
	}
	label := "false"
	if suppressed {
		label = "true"
	}
	m.outboundTotal.WithLabelValues(category, status, label).Inc()
}

func (m *PipelineMetrics) ObserveWebhookLatency(status string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(status).Observe(seconds)
}

func (m *PipelineMetrics) ObserveTurn(journey string, seconds float64) {
	if m == nil {
		return
	}
	m.turnLatency.WithLabelValues(journey).Observe(seconds)
}

func (m *PipelineMetrics) ObserveToolRetry(tool string) {
	if m == nil {
		return
	}
	m.toolRetries.WithLabelValues(tool).Inc()
}

func (m *PipelineMetrics) ObserveClassifierReject(kind string) {
	if m == nil {
		return
	}
	m.classifierDrops.WithLabelValues(kind).Inc()
}
