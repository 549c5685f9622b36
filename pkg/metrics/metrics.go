// Package metrics 定义服务暴露给 Prometheus 的指标。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	llmRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Total number of model gateway calls",
		},
		[]string{"outcome"},
	)
	llmRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "Duration of model gateway calls",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		},
	)
	researchRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_runs_total",
			Help: "Total number of research workflow runs by terminal status",
		},
		[]string{"status"},
	)
	researchRunsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_runs_in_flight",
			Help: "Number of research workflow runs currently executing",
		},
	)
	workflowStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_step_duration_seconds",
			Help:    "Duration of top-level workflow steps",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"step", "status"},
	)
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(llmRequestsTotal)
	prometheus.MustRegister(llmRequestDuration)
	prometheus.MustRegister(researchRunsTotal)
	prometheus.MustRegister(researchRunsInFlight)
	prometheus.MustRegister(workflowStepDuration)
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
}

// ObserveLLMCall 记录一次模型调用的结果和耗时。
func ObserveLLMCall(outcome string, d time.Duration) {
	llmRequestsTotal.WithLabelValues(outcome).Inc()
	llmRequestDuration.Observe(d.Seconds())
}

// RunStarted 在一次研究运行开始时调用。
func RunStarted() {
	researchRunsInFlight.Inc()
}

// RunFinished 在运行进入终态时调用。
func RunFinished(status string) {
	researchRunsInFlight.Dec()
	researchRunsTotal.WithLabelValues(status).Inc()
}

// ObserveStep 记录顶层步骤的耗时。
func ObserveStep(step, status string, d time.Duration) {
	workflowStepDuration.WithLabelValues(step, status).Observe(d.Seconds())
}

// ObserveHTTP 记录一次 HTTP 请求。
func ObserveHTTP(method, path string, status int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
