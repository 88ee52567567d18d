package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/BearBump/TrackSync/internal/metrics"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/BearBump/TrackSync/internal/services/consistency"
	"github.com/BearBump/TrackSync/internal/services/health"
	"github.com/BearBump/TrackSync/internal/services/jobqueue"
	"github.com/BearBump/TrackSync/internal/services/processor"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Drainer interface {
	ProcessDue(ctx context.Context, limit, maxConcurrent int) (processor.BatchSummary, error)
}

type DueSource interface {
	GetDueForUpdate(ctx context.Context, limit int) ([]*models.TrackingCacheEntry, error)
}

type OrderLookup interface {
	GetByOrderID(ctx context.Context, orderID string) (*models.TrackingCacheEntry, bool, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, r jobqueue.Request) (*models.Job, error)
	EnqueueCleanup(ctx context.Context, scheduledFor time.Time) (*models.Job, error)
	HasOpenJob(ctx context.Context, cacheID int64) (bool, error)
	HasOpenCleanup(ctx context.Context) (bool, error)
}

type Maintainer interface {
	PurgeCompleted(ctx context.Context, olderThanDays int) (int64, error)
	RetryFailed(ctx context.Context, limit int) ([]*models.Job, error)
}

type CacheStats interface {
	Statistics(ctx context.Context) (models.CacheStatistics, error)
}

type JobStats interface {
	Statistics(ctx context.Context) (models.JobStatistics, error)
}

type Validator interface {
	Validate(ctx context.Context) ([]consistency.Issue, error)
}

type HealthChecker interface {
	Check(ctx context.Context) (health.Report, error)
}

type ProcessorStats interface {
	Stats() processor.Stats
}

// Deps are the collaborators of the Manager. Validator, Health and
// Stats are optional.
type Deps struct {
	Drainer     Drainer
	Due         DueSource
	Orders      OrderLookup
	Queue       Enqueuer
	Maintenance Maintainer
	CacheStats  CacheStats
	JobStats    JobStats
	Validator   Validator
	Health      HealthChecker
	Stats       ProcessorStats
	Metrics     *metrics.Metrics
}

type Config struct {
	UrgentInterval      time.Duration // default: 15m
	UpdateInterval      time.Duration // default: 60m
	MaintenanceInterval time.Duration // default: 6h
	DailyInterval       time.Duration // default: 24h
	HealthInterval      time.Duration // default: 5m, debug only
	Debug               bool

	BatchSize     int // default: 50
	MaxConcurrent int // default: 3
	DueLimit      int // default: 100
	RetryLimit    int // default: 100
	RetentionDays int // default: 7

	FailedThreshold    int64 // default: 20
	AttentionThreshold int64 // default: 10
}

func (c *Config) setDefaults() {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.UrgentInterval, 15*time.Minute)
	def(&c.UpdateInterval, time.Hour)
	def(&c.MaintenanceInterval, 6*time.Hour)
	def(&c.DailyInterval, 24*time.Hour)
	def(&c.HealthInterval, 5*time.Minute)
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.DueLimit <= 0 {
		c.DueLimit = 100
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 100
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 7
	}
	if c.FailedThreshold <= 0 {
		c.FailedThreshold = 20
	}
	if c.AttentionThreshold <= 0 {
		c.AttentionThreshold = 10
	}
}

type task struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

type TaskStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Runs      int64         `json:"runs"`
	LastRunAt *time.Time    `json:"lastRunAt,omitempty"`
	LastError string        `json:"lastError,omitempty"`
}

// Manager runs the periodic tasks and the manual triggers.
type Manager struct {
	deps Deps
	cfg  Config
	now  func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	status  map[string]*TaskStatus
	tasks   []task
}

func New(deps Deps, cfg Config) *Manager {
	cfg.setDefaults()
	m := &Manager{
		deps:   deps,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		status: map[string]*TaskStatus{},
	}
	m.tasks = []task{
		{"urgent-drain", cfg.UrgentInterval, m.urgentDrain},
		{"scheduled-updates", cfg.UpdateInterval, m.scheduledUpdates},
		{"maintenance", cfg.MaintenanceInterval, m.maintenance},
		{"daily-report", cfg.DailyInterval, m.dailyReport},
	}
	if cfg.Debug && deps.Health != nil {
		m.tasks = append(m.tasks, task{"health-check", cfg.HealthInterval, m.healthCheck})
	}
	return m
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Start launches one ticker per task. A second call is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		slog.Warn("scheduler already running")
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	for _, t := range m.tasks {
		m.status[t.name] = &TaskStatus{Name: t.name, Interval: t.interval}
		m.wg.Add(1)
		go m.loop(ctx, t)
	}
	slog.Info("scheduler started", "tasks", len(m.tasks))
}

// Stop cancels all tasks and waits for running ticks to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	m.cancel = nil
	m.status = map[string]*TaskStatus{}
	m.mu.Unlock()
	slog.Info("scheduler stopped")
}

func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) Status() []TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskStatus, 0, len(m.tasks))
	for _, t := range m.tasks {
		if st, ok := m.status[t.name]; ok {
			out = append(out, *st)
		}
	}
	return out
}

func (m *Manager) loop(ctx context.Context, t task) {
	defer m.wg.Done()
	tk := time.NewTicker(t.interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			m.runTask(ctx, t)
		}
	}
}

// runTask never lets an error or a panic escape, so later ticks still run.
func (m *Manager) runTask(ctx context.Context, t task) {
	runID := uuid.NewString()
	started := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			slog.Error("scheduler task panicked", "task", t.name, "run_id", runID, "panic", r, "stack", string(debug.Stack()))
		}
		m.record(t.name, err)
		m.deps.Metrics.TaskRun(t.name, err)
	}()

	err = t.run(ctx)
	if err != nil {
		slog.Error("scheduler task failed", "task", t.name, "run_id", runID, "error", err.Error())
		return
	}
	slog.Debug("scheduler task done", "task", t.name, "run_id", runID, "duration", time.Since(started).String())
}

func (m *Manager) record(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.status[name]
	if !ok {
		return
	}
	now := m.now()
	st.Runs++
	st.LastRunAt = &now
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
}

// --- periodic tasks ---

func (m *Manager) urgentDrain(ctx context.Context) error {
	_, err := m.TriggerDrain(ctx)
	return err
}

func (m *Manager) scheduledUpdates(ctx context.Context) error {
	n, err := m.EnqueueDue(ctx)
	if err != nil {
		return err
	}
	slog.Info("scheduled updates enqueued", "count", n)
	_, err = m.TriggerDrain(ctx)
	return err
}

func (m *Manager) maintenance(ctx context.Context) error {
	open, err := m.deps.Queue.HasOpenCleanup(ctx)
	if err != nil {
		return errors.Wrap(err, "check open cleanup")
	}
	if open {
		// прошлая CLEANUP застряла за очередью: второй не ставим, чистим сами
		n, err := m.deps.Maintenance.PurgeCompleted(ctx, m.cfg.RetentionDays)
		if err != nil {
			return errors.Wrap(err, "purge completed jobs")
		}
		slog.Info("cleanup job still queued, purged inline", "deleted", n)
	} else if _, err := m.deps.Queue.EnqueueCleanup(ctx, m.now()); err != nil {
		return errors.Wrap(err, "enqueue cleanup")
	}

	cs, err := m.deps.CacheStats.Statistics(ctx)
	if err != nil {
		return errors.Wrap(err, "cache statistics")
	}
	js, err := m.deps.JobStats.Statistics(ctx)
	if err != nil {
		return errors.Wrap(err, "job statistics")
	}
	slog.Info("tracking statistics",
		"cache_total", cs.Total, "cache_active", cs.Active, "cache_delivered", cs.Delivered,
		"cache_failed", cs.Failed, "cache_attention", cs.RequiresAttention, "cache_overdue", cs.Overdue,
		"jobs_pending", js.Pending, "jobs_running", js.Running, "jobs_completed", js.Completed, "jobs_failed", js.Failed,
	)
	if cs.Failed > m.cfg.FailedThreshold {
		slog.Warn("too many failed cache entries", "failed", cs.Failed, "threshold", m.cfg.FailedThreshold)
	}
	if cs.RequiresAttention > m.cfg.AttentionThreshold {
		slog.Warn("too many cache entries require attention", "attention", cs.RequiresAttention, "threshold", m.cfg.AttentionThreshold)
	}
	return nil
}

func (m *Manager) dailyReport(ctx context.Context) error {
	if m.deps.Validator != nil {
		issues, err := m.deps.Validator.Validate(ctx)
		if err != nil {
			return errors.Wrap(err, "consistency validation")
		}
		byProblem := map[consistency.Problem]int{}
		for _, is := range issues {
			for _, p := range is.Problems {
				byProblem[p]++
			}
		}
		slog.Info("consistency report", "orders_with_issues", len(issues), "by_problem", byProblem)
	}
	if m.deps.Health != nil {
		r, err := m.deps.Health.Check(ctx)
		if err != nil {
			return errors.Wrap(err, "health check")
		}
		slog.Info("daily health report",
			"status", r.Status, "success_rate", r.Metrics.SuccessRate,
			"avg_processing", r.Metrics.AvgProcessingTime.String(), "alerts", r.Alerts)
	}
	if m.deps.Stats != nil {
		st := m.deps.Stats.Stats()
		slog.Info("processor report",
			"uptime", st.Uptime.Round(time.Second).String(),
			"jobs_total", st.TotalJobs, "jobs_per_hour", st.JobsPerHour(),
			"succeeded", st.TotalSucceeded, "failed", st.TotalFailed, "skipped", st.TotalSkipped)
	}
	return nil
}

func (m *Manager) healthCheck(ctx context.Context) error {
	r, err := m.deps.Health.Check(ctx)
	if err != nil {
		return err
	}
	for _, a := range r.Alerts {
		slog.Warn("health alert", "status", r.Status, "alert", a)
	}
	return nil
}

// --- manual triggers ---

// EnqueueDue creates UPDATE jobs for due entries that have no open job.
func (m *Manager) EnqueueDue(ctx context.Context) (int, error) {
	due, err := m.deps.Due.GetDueForUpdate(ctx, m.cfg.DueLimit)
	if err != nil {
		return 0, errors.Wrap(err, "get due entries")
	}
	now := m.now()
	n := 0
	for _, e := range due {
		open, err := m.deps.Queue.HasOpenJob(ctx, e.ID)
		if err != nil {
			return n, err
		}
		if open {
			continue
		}
		if _, err := m.deps.Queue.Enqueue(ctx, jobqueue.Request{
			CacheID: e.ID, Type: models.JobTypeUpdate, ScheduledFor: now,
		}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (m *Manager) TriggerDrain(ctx context.Context) (processor.BatchSummary, error) {
	return m.deps.Drainer.ProcessDue(ctx, m.cfg.BatchSize, m.cfg.MaxConcurrent)
}

type ManualUpdateResult struct {
	Enqueued int                    `json:"enqueued"`
	NotFound []string               `json:"notFound,omitempty"`
	Batch    processor.BatchSummary `json:"batch"`
}

// TriggerManualUpdate enqueues MANUAL jobs for orderIDs regardless of their
// due time and drains the queue.
func (m *Manager) TriggerManualUpdate(ctx context.Context, orderIDs []string) (ManualUpdateResult, error) {
	var res ManualUpdateResult
	now := m.now()
	for _, id := range orderIDs {
		e, ok, err := m.deps.Orders.GetByOrderID(ctx, id)
		if err != nil {
			return res, err
		}
		if !ok {
			res.NotFound = append(res.NotFound, id)
			continue
		}
		if _, err := m.deps.Queue.Enqueue(ctx, jobqueue.Request{
			CacheID: e.ID, Type: models.JobTypeManual, ScheduledFor: now,
		}); err != nil {
			return res, err
		}
		res.Enqueued++
	}
	if res.Enqueued == 0 {
		return res, nil
	}
	batch, err := m.TriggerDrain(ctx)
	res.Batch = batch
	return res, err
}

// TriggerCleanup purges completed jobs now, bypassing the queue.
func (m *Manager) TriggerCleanup(ctx context.Context) (int64, error) {
	return m.deps.Maintenance.PurgeCompleted(ctx, m.cfg.RetentionDays)
}

func (m *Manager) TriggerRetryFailed(ctx context.Context) (int, error) {
	jobs, err := m.deps.Maintenance.RetryFailed(ctx, m.cfg.RetryLimit)
	return len(jobs), err
}
