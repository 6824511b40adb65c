package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channelgateway_requests_total",
			Help: "Total number of chat requests by final outcome",
		},
		[]string{"tenant_id", "channel_id", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "channelgateway_request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"tenant_id", "model", "stream"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channelgateway_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"type"},
	)

	FailoversTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "channelgateway_failovers_total",
			Help: "Total number of retries on a different channel",
		},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channelgateway_upstream_errors_total",
			Help: "Total number of upstream failures by channel",
		},
		[]string{"channel_id", "error_type"},
	)

	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channelgateway_quota_rejections_total",
			Help: "Total number of requests rejected by tenant quota",
		},
		[]string{"quota_type"},
	)

	ChannelHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "channelgateway_channel_health",
			Help: "Channel health (0=unknown, 1=healthy, 2=degraded, 3=unhealthy)",
		},
		[]string{"channel_id"},
	)

	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channelgateway_probes_total",
			Help: "Total number of health probes by result",
		},
		[]string{"channel_id", "result"},
	)

	ChannelThrottled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channelgateway_channel_throttled_total",
			Help: "Times a channel was skipped for exceeding its requests-per-minute limit",
		},
		[]string{"channel_id"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "channelgateway_active_streams",
			Help: "Number of open streaming responses",
		},
	)

	QuotaUsageRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "channelgateway_quota_usage_ratio",
			Help: "Current quota usage ratio (0-1)",
		},
		[]string{"tenant_id", "quota_type"},
	)
)

func RecordRequest(tenantID, channelID, model, status string, stream bool, durationSec float64) {
	streamLabel := "false"
	if stream {
		streamLabel = "true"
	}
	RequestsTotal.WithLabelValues(tenantID, channelID, model, status).Inc()
	RequestDuration.WithLabelValues(tenantID, model, streamLabel).Observe(durationSec)
}

func RecordTokens(promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues("completion").Add(float64(completionTokens))
}

func RecordFailover() {
	FailoversTotal.Inc()
}

func RecordUpstreamError(channelID, errorType string) {
	UpstreamErrors.WithLabelValues(channelID, errorType).Inc()
}

func RecordQuotaRejection(quotaType string) {
	QuotaRejections.WithLabelValues(quotaType).Inc()
}

func RecordThrottled(channelID string) {
	ChannelThrottled.WithLabelValues(channelID).Inc()
}

func SetChannelHealth(channelID string, value float64) {
	ChannelHealth.WithLabelValues(channelID).Set(value)
}

func RecordProbe(channelID string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	ProbesTotal.WithLabelValues(channelID, result).Inc()
}

func SetQuotaUsage(tenantID, quotaType string, ratio float64) {
	QuotaUsageRatio.WithLabelValues(tenantID, quotaType).Set(ratio)
}

func IncrementActiveStreams() {
	ActiveStreams.Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.Dec()
}
