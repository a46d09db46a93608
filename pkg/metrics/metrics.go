package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 分类调用延迟（毫秒）
	ClassifierCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classifier_call_latency_ms",
			Help:    "Classifier backend call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"source", "status"},
	)

	// 邮件处理计数
	EmailProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_processed_count",
			Help: "Total number of emails processed by the triage pipeline",
		},
		[]string{"status"}, // status: processed, error
	)

	// 标签应用计数
	LabelAppliedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "label_applied_count",
			Help: "Total number of remote labels applied",
		},
		[]string{"category"},
	)

	// 限流决策计数
	RateLimitDecision = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decision_count",
			Help: "Rate limiter allow/reject decisions by route class",
		},
		[]string{"class", "outcome"}, // outcome: allowed, rejected
	)

	// 批量任务时长（秒）
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triage_job_duration_seconds",
			Help:    "Bulk triage job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		},
		[]string{"outcome"}, // outcome: completed, error
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

// RecordClassifierCall 记录分类调用延迟
func RecordClassifierCall(source, status string, duration time.Duration) {
	ClassifierCallLatency.WithLabelValues(source, status).Observe(float64(duration.Milliseconds()))
}

// IncrementEmailProcessed 增加邮件处理计数
func IncrementEmailProcessed(status string) {
	EmailProcessedCount.WithLabelValues(status).Inc()
}

// IncrementLabelApplied 增加标签应用计数
func IncrementLabelApplied(category string) {
	LabelAppliedCount.WithLabelValues(category).Inc()
}

// RecordRateLimitDecision 记录限流决策
func RecordRateLimitDecision(class string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "rejected"
	}
	RateLimitDecision.WithLabelValues(class, outcome).Inc()
}

// RecordJobDuration 记录批量任务时长
func RecordJobDuration(outcome string, duration time.Duration) {
	JobDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
