// Package metrics exposes the worker's Prometheus instruments. A nil *Metrics
// is a valid no-op.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tracksync"

type Metrics struct {
	reg *prometheus.Registry

	jobsProcessed   *prometheus.CounterVec
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	batchDuration   prometheus.Histogram
	inFlight        prometheus.Gauge
	taskRuns        *prometheus.CounterVec

	healthStatus      prometheus.Gauge
	pendingJobs       prometheus.Gauge
	runningJobs       prometheus.Gauge
	failedCaches      prometheus.Gauge
	attentionRequired prometheus.Gauge
	successRate       prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		reg: reg,
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_processed_total",
			Help: "Jobs processed by type and outcome.",
		}, []string{"type", "outcome"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "provider_calls_total",
			Help: "Courier provider calls by courier and result.",
		}, []string{"courier", "result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "provider_call_duration_seconds",
			Help:    "Courier provider call latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"courier"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "batch_duration_seconds",
			Help:    "Duration of ProcessDue batches.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "jobs_in_flight",
			Help: "Jobs currently being processed.",
		}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scheduler_task_runs_total",
			Help: "Scheduler task executions by task and result.",
		}, []string{"task", "result"}),
		healthStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "health_status",
			Help: "0 healthy, 1 degraded, 2 critical.",
		}),
		pendingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "jobs_pending",
			Help: "PENDING jobs at the last health check.",
		}),
		runningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "jobs_running",
			Help: "RUNNING jobs at the last health check.",
		}),
		failedCaches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_failed",
			Help: "Cache entries automation gave up on.",
		}),
		attentionRequired: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_attention_required",
			Help: "Cache entries flagged for attention.",
		}),
		successRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "update_success_ratio",
			Help: "Provider call success ratio over the health window.",
		}),
	}
	reg.MustRegister(
		m.jobsProcessed, m.providerCalls, m.providerLatency, m.batchDuration, m.inFlight, m.taskRuns,
		m.healthStatus, m.pendingJobs, m.runningJobs, m.failedCaches, m.attentionRequired, m.successRate,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) JobProcessed(jobType, outcome string) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(jobType, outcome).Inc()
}

func (m *Metrics) ProviderCall(courier, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(courier, result).Inc()
	m.providerLatency.WithLabelValues(courier).Observe(d.Seconds())
}

func (m *Metrics) BatchDone(d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(d.Seconds())
}

func (m *Metrics) InFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}

func (m *Metrics) TaskRun(task string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.taskRuns.WithLabelValues(task, result).Inc()
}

// HealthSnapshot mirrors the health report numbers exported as gauges.
type HealthSnapshot struct {
	StatusCode        int
	Pending           int64
	Running           int64
	FailedCaches      int64
	AttentionRequired int64
	SuccessRate       float64
}

func (m *Metrics) SetHealth(h HealthSnapshot) {
	if m == nil {
		return
	}
	m.healthStatus.Set(float64(h.StatusCode))
	m.pendingJobs.Set(float64(h.Pending))
	m.runningJobs.Set(float64(h.Running))
	m.failedCaches.Set(float64(h.FailedCaches))
	m.attentionRequired.Set(float64(h.AttentionRequired))
	m.successRate.Set(h.SuccessRate)
}
