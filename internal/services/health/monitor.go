package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/TrackSync/internal/metrics"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/pkg/errors"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type Status string

const (
	StatusHealthy  Status = "HEALTHY"
	StatusDegraded Status = "DEGRADED"
	StatusCritical Status = "CRITICAL"
)

func (s Status) code() int {
	switch s {
	case StatusDegraded:
		return 1
	case StatusCritical:
		return 2
	default:
		return 0
	}
}

type Metrics struct {
	PendingJobs       int64          `json:"pendingJobs"`
	RunningJobs       int64          `json:"runningJobs"`
	FailedJobs        int64          `json:"failedJobs"`
	OldestPendingAge  *time.Duration `json:"oldestPendingAge,omitempty"`
	FailedCaches      int64          `json:"failedCaches"`
	AttentionRequired int64          `json:"attentionRequired"`
	AvgProcessingTime time.Duration  `json:"avgProcessingTime"`
	SuccessRate       float64        `json:"successRate"`
	Window            time.Duration  `json:"window"`
}

type Report struct {
	Status    Status    `json:"status"`
	Metrics   Metrics   `json:"metrics"`
	Alerts    []string  `json:"alerts"`
	CheckedAt time.Time `json:"checkedAt"`
}

type Thresholds struct {
	MaxPending      int64         // default: 100, above is CRITICAL
	MaxFailedCaches int64         // default: 20, above is DEGRADED
	MaxAttention    int64         // default: 10, above is DEGRADED
	MinSuccessRate  float64       // 0 disables the alert
	Window          time.Duration // default: 24h
}

type JobStats interface {
	Statistics(ctx context.Context) (models.JobStatistics, error)
}

type CacheStats interface {
	Statistics(ctx context.Context) (models.CacheStatistics, error)
}

type LogStats interface {
	UpdateLogStats(ctx context.Context, since time.Time) (models.UpdateLogStats, error)
}

// StatusSink receives the serving status; *health.Server from grpc fits.
type StatusSink interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

type Monitor struct {
	jobs  JobStats
	cache CacheStats
	logs  LogStats
	th    Thresholds

	metrics *metrics.Metrics
	sink    StatusSink
	service string
	now     func() time.Time

	mu   sync.Mutex
	last *Report
}

func New(jobs JobStats, cache CacheStats, logs LogStats, th Thresholds) *Monitor {
	if th.MaxPending <= 0 {
		th.MaxPending = 100
	}
	if th.MaxFailedCaches <= 0 {
		th.MaxFailedCaches = 20
	}
	if th.MaxAttention <= 0 {
		th.MaxAttention = 10
	}
	if th.Window <= 0 {
		th.Window = 24 * time.Hour
	}
	return &Monitor{
		jobs: jobs, cache: cache, logs: logs, th: th,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (m *Monitor) WithMetrics(mt *metrics.Metrics) *Monitor {
	m.metrics = mt
	return m
}

// WithStatusSink publishes every report as the serving status of service.
func (m *Monitor) WithStatusSink(sink StatusSink, service string) *Monitor {
	m.sink = sink
	m.service = service
	return m
}

func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

func (m *Monitor) Check(ctx context.Context) (Report, error) {
	now := m.now()
	js, err := m.jobs.Statistics(ctx)
	if err != nil {
		return Report{}, errors.Wrap(err, "job statistics")
	}
	cs, err := m.cache.Statistics(ctx)
	if err != nil {
		return Report{}, errors.Wrap(err, "cache statistics")
	}
	ls, err := m.logs.UpdateLogStats(ctx, now.Add(-m.th.Window))
	if err != nil {
		return Report{}, errors.Wrap(err, "update log statistics")
	}

	r := Report{
		Status:    StatusHealthy,
		CheckedAt: now,
		Alerts:    []string{},
		Metrics: Metrics{
			PendingJobs:       js.Pending,
			RunningJobs:       js.Running,
			FailedJobs:        js.Failed,
			OldestPendingAge:  js.OldestPendingAge,
			FailedCaches:      cs.Failed,
			AttentionRequired: cs.RequiresAttention,
			AvgProcessingTime: ls.AverageDuration,
			SuccessRate:       ls.SuccessRate(),
			Window:            m.th.Window,
		},
	}

	if cs.Failed > m.th.MaxFailedCaches {
		r.Status = StatusDegraded
		r.Alerts = append(r.Alerts, fmt.Sprintf("%d cache entries failed (threshold %d)", cs.Failed, m.th.MaxFailedCaches))
	}
	if cs.RequiresAttention > m.th.MaxAttention {
		r.Status = StatusDegraded
		r.Alerts = append(r.Alerts, fmt.Sprintf("%d cache entries require attention (threshold %d)", cs.RequiresAttention, m.th.MaxAttention))
	}
	if m.th.MinSuccessRate > 0 && ls.Total > 0 && r.Metrics.SuccessRate < m.th.MinSuccessRate {
		if r.Status == StatusHealthy {
			r.Status = StatusDegraded
		}
		r.Alerts = append(r.Alerts, fmt.Sprintf("provider success rate %.1f%% below %.1f%%", r.Metrics.SuccessRate*100, m.th.MinSuccessRate*100))
	}
	if js.Pending > m.th.MaxPending {
		r.Status = StatusCritical
		r.Alerts = append(r.Alerts, fmt.Sprintf("%d pending jobs (threshold %d)", js.Pending, m.th.MaxPending))
	}

	m.publish(r)
	return r, nil
}

func (m *Monitor) publish(r Report) {
	m.mu.Lock()
	m.last = &r
	m.mu.Unlock()

	m.metrics.SetHealth(metrics.HealthSnapshot{
		StatusCode:        r.Status.code(),
		Pending:           r.Metrics.PendingJobs,
		Running:           r.Metrics.RunningJobs,
		FailedCaches:      r.Metrics.FailedCaches,
		AttentionRequired: r.Metrics.AttentionRequired,
		SuccessRate:       r.Metrics.SuccessRate,
	})

	if m.sink != nil {
		st := healthpb.HealthCheckResponse_SERVING
		if r.Status == StatusCritical {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		m.sink.SetServingStatus(m.service, st)
	}

	if r.Status != StatusHealthy {
		slog.Warn("health degraded", "status", r.Status, "alerts", r.Alerts)
	}
}

// Last returns the most recent report, if any check has run.
func (m *Monitor) Last() (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Report{}, false
	}
	return *m.last, true
}
