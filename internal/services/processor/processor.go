package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/TrackSync/internal/apperr"
	"github.com/BearBump/TrackSync/internal/broker/messages"
	"github.com/BearBump/TrackSync/internal/integrations/carrier"
	"github.com/BearBump/TrackSync/internal/metrics"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/BearBump/TrackSync/internal/services/cachestore"
	"github.com/BearBump/TrackSync/internal/services/planner"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type Queue interface {
	DequeueDue(ctx context.Context, limit int) ([]*models.Job, error)
	MarkResult(ctx context.Context, jobID int64, jobErr error) (models.JobStatus, error)
	Release(ctx context.Context, jobID int64, scheduledFor time.Time) error
	SupersedePending(ctx context.Context, cacheID, exceptJobID int64) (int64, error)
}

type Cache interface {
	Get(ctx context.Context, id int64) (*models.TrackingCacheEntry, bool, error)
	Update(ctx context.Context, id int64, p cachestore.Patch) (*models.TrackingCacheEntry, error)
}

type AuditLog interface {
	AppendUpdateLog(ctx context.Context, l *models.UpdateLog) (*models.UpdateLog, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Cleaner runs the housekeeping behind CLEANUP jobs.
type Cleaner func(ctx context.Context) error

type Config struct {
	BatchSize              int           // default: 50
	MaxConcurrent          int           // default: 3
	CallTimeout            time.Duration // default: 10s
	MaxConsecutiveFailures int           // default: 5
	Topic                  string        // default: tracking.updated
}

type Processor struct {
	queue   Queue
	cache   Cache
	logs    AuditLog
	carrier carrier.Client

	producer Producer
	budget   *Budget
	cleaner  Cleaner
	metrics  *metrics.Metrics

	cfg Config
	now func() time.Time

	startedAt      time.Time
	lastBatchNano  atomic.Int64
	totalBatches   atomic.Int64
	totalJobs      atomic.Int64
	totalSucceeded atomic.Int64
	totalFailed    atomic.Int64
	totalSkipped   atomic.Int64
	inFlight       atomic.Int64
	lastErrorMu    sync.Mutex
	lastError      string
}

func New(queue Queue, cache Cache, logs AuditLog, client carrier.Client, cfg Config) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.Topic == "" {
		cfg.Topic = "tracking.updated"
	}
	return &Processor{
		queue:     queue,
		cache:     cache,
		logs:      logs,
		carrier:   client,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		startedAt: time.Now().UTC(),
	}
}

func (p *Processor) WithProducer(pr Producer) *Processor {
	p.producer = pr
	return p
}

func (p *Processor) WithBudget(b *Budget) *Processor {
	p.budget = b
	return p
}

func (p *Processor) WithCleaner(c Cleaner) *Processor {
	p.cleaner = c
	return p
}

func (p *Processor) WithMetrics(m *metrics.Metrics) *Processor {
	p.metrics = m
	return p
}

func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

type BatchSummary struct {
	BatchID        string        `json:"batchId"`
	TotalJobs      int           `json:"totalJobs"`
	SuccessfulJobs int           `json:"successfulJobs"`
	FailedJobs     int           `json:"failedJobs"`
	SkippedJobs    int           `json:"skippedJobs"`
	Errors         []string      `json:"errors,omitempty"`
	Duration       time.Duration `json:"duration"`
}

type outcome string

const (
	outcomeSuccess outcome = "success"
	outcomeFailed  outcome = "failed"
	outcomeSkipped outcome = "skipped"
)

// ProcessDue claims up to limit due jobs and processes them with at most
// maxConcurrent provider calls in flight. Non-positive arguments take the
// configured defaults.
func (p *Processor) ProcessDue(ctx context.Context, limit, maxConcurrent int) (BatchSummary, error) {
	if limit <= 0 {
		limit = p.cfg.BatchSize
	}
	if maxConcurrent <= 0 {
		maxConcurrent = p.cfg.MaxConcurrent
	}
	started := time.Now()
	sum := BatchSummary{BatchID: uuid.NewString()}
	p.lastBatchNano.Store(p.now().UnixNano())
	p.totalBatches.Add(1)

	jobs, err := p.queue.DequeueDue(ctx, limit)
	if err != nil {
		p.setLastError(err)
		return sum, errors.Wrap(err, "dequeue due jobs")
	}
	sum.TotalJobs = len(jobs)
	if len(jobs) == 0 {
		return sum, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(maxConcurrent)
	for _, j := range jobs {
		g.Go(func() error {
			p.inFlight.Add(1)
			p.metrics.InFlight(1)
			defer func() {
				p.inFlight.Add(-1)
				p.metrics.InFlight(-1)
			}()

			out, err := p.processJob(ctx, j)
			p.metrics.JobProcessed(string(j.JobType), string(out))

			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeSuccess:
				sum.SuccessfulJobs++
			case outcomeSkipped:
				sum.SkippedJobs++
			default:
				sum.FailedJobs++
			}
			if err != nil {
				sum.Errors = append(sum.Errors, fmt.Sprintf("job %d: %s", j.ID, err.Error()))
			}
			return nil
		})
	}
	_ = g.Wait()

	sum.Duration = time.Since(started)
	p.totalJobs.Add(int64(sum.TotalJobs))
	p.totalSucceeded.Add(int64(sum.SuccessfulJobs))
	p.totalFailed.Add(int64(sum.FailedJobs))
	p.totalSkipped.Add(int64(sum.SkippedJobs))
	p.metrics.BatchDone(sum.Duration)

	slog.Info("batch processed",
		"batch_id", sum.BatchID,
		"total", sum.TotalJobs,
		"successful", sum.SuccessfulJobs,
		"failed", sum.FailedJobs,
		"skipped", sum.SkippedJobs,
		"duration", sum.Duration.String(),
	)
	return sum, nil
}

func (p *Processor) processJob(ctx context.Context, j *models.Job) (outcome, error) {
	if j.JobType == models.JobTypeCleanup {
		return p.runCleanup(ctx, j)
	}
	if j.TrackingCacheID == nil {
		err := apperr.E(apperr.KindConsistency, "processor", "job has no cache reference", "job_id", j.ID)
		p.markResult(ctx, j, err)
		return outcomeFailed, err
	}

	e, ok, err := p.cache.Get(ctx, *j.TrackingCacheID)
	if err != nil {
		p.markResult(ctx, j, err)
		return outcomeFailed, err
	}
	if !ok || ((e.IsDelivered || e.IsFailed) && j.JobType != models.JobTypeManual) {
		slog.Debug("skip job", "job_id", j.ID, "cache_id", *j.TrackingCacheID, "found", ok)
		p.markResult(ctx, j, nil)
		return outcomeSkipped, nil
	}

	allowed, retryAt, err := p.budget.Reserve(ctx, e.CourierService, p.now())
	if err != nil || !allowed {
		if err != nil {
			slog.Error("api budget check", "job_id", j.ID, "error", err.Error())
		}
		if rerr := p.queue.Release(ctx, j.ID, retryAt); rerr != nil {
			slog.Error("release job", "job_id", j.ID, "error", rerr.Error())
		}
		return outcomeSkipped, nil
	}

	return p.poll(ctx, j, e)
}

func (p *Processor) poll(ctx context.Context, j *models.Job, e *models.TrackingCacheEntry) (outcome, error) {
	startedAt := p.now()
	callStart := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	res, err := p.carrier.Lookup(callCtx, e.CourierTrackingNumber, e.CourierService)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()
	elapsed := time.Since(callStart)

	if err == nil {
		if _, cerr := planner.CategoryOf(res.Status); cerr != nil {
			err = carrier.Transient("processor.poll", carrier.ReasonMalformed, cerr)
		}
	}
	if err != nil {
		err = classify(err, timedOut)
		p.metrics.ProviderCall(e.CourierService, carrier.ReasonOf(err), elapsed)
		return outcomeFailed, p.onFailure(ctx, j, e, err, startedAt, elapsed)
	}
	p.metrics.ProviderCall(e.CourierService, "ok", elapsed)
	return p.onSuccess(ctx, j, e, res, startedAt, elapsed)
}

// classify makes every provider failure carry a provider kind; timeouts and
// untyped errors are transient.
func classify(err error, timedOut bool) error {
	switch apperr.KindOf(err) {
	case apperr.KindProviderTransient, apperr.KindProviderPermanent:
		return err
	}
	if timedOut {
		return carrier.Transient("processor.poll", carrier.ReasonTransient, errors.Wrap(err, "provider call timed out"))
	}
	return carrier.Transient("processor.poll", carrier.ReasonTransient, err)
}

func (p *Processor) onSuccess(ctx context.Context, j *models.Job, e *models.TrackingCacheEntry, res carrier.Result, startedAt time.Time, elapsed time.Duration) (outcome, error) {
	now := p.now()
	prev := e.CurrentStatus
	_, added := cachestore.MergeEvents(e.TrackingEvents, res.Events, 0)

	zero, no := 0, false
	patch := cachestore.Patch{
		CurrentStatus:       &res.Status,
		NewEvents:           added,
		EstimatedDelivery:   res.EstimatedDelivery,
		ActualDelivery:      res.ActualDelivery,
		LastAPIUpdate:       &now,
		ConsecutiveFailures: &zero,
		IsFailed:            &no,
		RequiresAttention:   &no,
		Reschedule:          true,
	}
	if res.Status == models.TrackingStatusDelivered && res.ActualDelivery == nil && e.ActualDelivery == nil {
		patch.ActualDelivery = &now
	}

	updated, err := p.cache.Update(ctx, e.ID, patch)
	if err != nil {
		err = errors.Wrap(err, "apply provider result")
		p.markResult(ctx, j, err)
		return outcomeFailed, err
	}

	statusChanged := updated.CurrentStatus != prev
	ms := elapsed.Milliseconds()
	newStatus := updated.CurrentStatus
	p.appendLog(ctx, &models.UpdateLog{
		TrackingCacheID:   e.ID,
		JobID:             &j.ID,
		UpdateType:        j.JobType,
		TriggeredBy:       triggeredBy(j.JobType),
		APICallSuccess:    true,
		APIResponseTimeMs: &ms,
		StatusChanged:     statusChanged,
		PreviousStatus:    &prev,
		NewStatus:         &newStatus,
		EventsAdded:       len(added),
		StartedAt:         startedAt,
		CompletedAt:       &now,
	})
	p.markResult(ctx, j, nil)
	// свежий ответ уже получен, ждущие UPDATE/RETRY по записи не нужны
	if _, err := p.queue.SupersedePending(ctx, e.ID, j.ID); err != nil {
		slog.Warn("failed to supersede pending jobs", "job_id", j.ID, "cache_id", e.ID, "error", err)
	}

	if statusChanged || len(added) > 0 {
		p.publish(ctx, updated, prev, statusChanged, added, now)
	}
	slog.Debug("tracking refreshed",
		"job_id", j.ID, "order_id", e.OrderID, "status", updated.CurrentStatus,
		"status_changed", statusChanged, "events_added", len(added))
	return outcomeSuccess, nil
}

func (p *Processor) onFailure(ctx context.Context, j *models.Job, e *models.TrackingCacheEntry, callErr error, startedAt time.Time, elapsed time.Duration) error {
	now := p.now()
	p.setLastError(callErr)

	status, err := p.queue.MarkResult(ctx, j.ID, callErr)
	if err != nil {
		slog.Error("mark job result", "job_id", j.ID, "error", err.Error())
	}

	failures := e.ConsecutiveFailures + 1
	patch := cachestore.Patch{ConsecutiveFailures: &failures, Reschedule: true}
	yes := true
	if status == models.JobStatusFailed {
		patch.RequiresAttention = &yes
	}
	if failures > p.cfg.MaxConsecutiveFailures {
		patch.IsFailed = &yes
		patch.RequiresAttention = &yes
	}
	if _, err := p.cache.Update(ctx, e.ID, patch); err != nil {
		slog.Error("record provider failure", "cache_id", e.ID, "error", err.Error())
	}

	ms := elapsed.Milliseconds()
	msg := callErr.Error()
	p.appendLog(ctx, &models.UpdateLog{
		TrackingCacheID:   e.ID,
		JobID:             &j.ID,
		UpdateType:        j.JobType,
		TriggeredBy:       triggeredBy(j.JobType),
		APICallSuccess:    false,
		APIResponseTimeMs: &ms,
		PreviousStatus:    &e.CurrentStatus,
		StartedAt:         startedAt,
		CompletedAt:       &now,
		APIErrorMessage:   &msg,
	})

	slog.Warn("provider call failed",
		"job_id", j.ID, "order_id", e.OrderID, "courier", e.CourierService,
		"reason", carrier.ReasonOf(callErr), "job_status", status,
		"consecutive_failures", failures, "error", msg)
	return callErr
}

func (p *Processor) runCleanup(ctx context.Context, j *models.Job) (outcome, error) {
	var err error
	if p.cleaner != nil {
		err = p.cleaner(ctx)
	}
	p.markResult(ctx, j, err)
	if err != nil {
		p.setLastError(err)
		return outcomeFailed, err
	}
	return outcomeSuccess, nil
}

func (p *Processor) markResult(ctx context.Context, j *models.Job, jobErr error) {
	if _, err := p.queue.MarkResult(ctx, j.ID, jobErr); err != nil {
		slog.Error("mark job result", "job_id", j.ID, "error", err.Error())
	}
}

func (p *Processor) appendLog(ctx context.Context, l *models.UpdateLog) {
	if p.logs == nil {
		return
	}
	if _, err := p.logs.AppendUpdateLog(ctx, l); err != nil {
		slog.Error("append update log", "cache_id", l.TrackingCacheID, "error", err.Error())
	}
}

func (p *Processor) publish(ctx context.Context, e *models.TrackingCacheEntry, prev models.TrackingStatus, changed bool, added []models.TrackingEvent, now time.Time) {
	if p.producer == nil {
		return
	}
	msg := messages.TrackingUpdated{
		OrderID:           e.OrderID,
		TrackingCacheID:   e.ID,
		TrackingNumber:    e.CourierTrackingNumber,
		CourierService:    e.CourierService,
		CheckedAt:         now,
		Status:            string(e.CurrentStatus),
		StatusChanged:     changed,
		EstimatedDelivery: e.EstimatedDelivery,
		ActualDelivery:    e.ActualDelivery,
		NextUpdateDue:     e.NextUpdateDue,
		Events:            messages.EventsFrom(added),
	}
	if changed {
		msg.PreviousStatus = string(prev)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal tracking.updated", "error", err.Error())
		return
	}
	// Публикация best-effort: кэш уже обновлён, потребители догонят по следующему событию.
	if err := p.producer.Publish(ctx, p.cfg.Topic, []byte(e.OrderID), b); err != nil {
		slog.Error("publish tracking.updated", "order_id", e.OrderID, "error", err.Error())
	}
}

func triggeredBy(t models.JobType) string {
	switch t {
	case models.JobTypeManual:
		return "admin"
	case models.JobTypeRetry:
		return "retry"
	default:
		return "scheduler"
	}
}

func (p *Processor) setLastError(err error) {
	p.lastErrorMu.Lock()
	p.lastError = err.Error()
	p.lastErrorMu.Unlock()
}

type Stats struct {
	StartedAt      time.Time     `json:"startedAt"`
	Uptime         time.Duration `json:"uptime"`
	LastBatchAt    *time.Time    `json:"lastBatchAt,omitempty"`
	TotalBatches   int64         `json:"totalBatches"`
	TotalJobs      int64         `json:"totalJobs"`
	TotalSucceeded int64         `json:"totalSucceeded"`
	TotalFailed    int64         `json:"totalFailed"`
	TotalSkipped   int64         `json:"totalSkipped"`
	InFlight       int64         `json:"inFlight"`
	LastError      string        `json:"lastError,omitempty"`
}

// JobsPerHour is the average throughput since start.
func (s Stats) JobsPerHour() float64 {
	h := s.Uptime.Hours()
	if h <= 0 {
		return 0
	}
	return float64(s.TotalJobs) / h
}

func (p *Processor) Stats() Stats {
	st := Stats{
		StartedAt:      p.startedAt,
		Uptime:         time.Since(p.startedAt),
		TotalBatches:   p.totalBatches.Load(),
		TotalJobs:      p.totalJobs.Load(),
		TotalSucceeded: p.totalSucceeded.Load(),
		TotalFailed:    p.totalFailed.Load(),
		TotalSkipped:   p.totalSkipped.Load(),
		InFlight:       p.inFlight.Load(),
	}
	if n := p.lastBatchNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastBatchAt = &t
	}
	p.lastErrorMu.Lock()
	st.LastError = p.lastError
	p.lastErrorMu.Unlock()
	return st
}
