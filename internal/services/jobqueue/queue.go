package jobqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/TrackSync/internal/apperr"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/BearBump/TrackSync/internal/services/planner"
	"github.com/pkg/errors"
)

type Repository interface {
	InsertJob(ctx context.Context, j *models.Job) (*models.Job, error)
	GetJob(ctx context.Context, id int64) (*models.Job, bool, error)
	HasOpenJob(ctx context.Context, cacheID int64) (bool, error)
	HasOpenCleanup(ctx context.Context) (bool, error)
	CompletePendingJobs(ctx context.Context, cacheID, exceptID int64, at time.Time) (int64, error)
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)
	UpdateJob(ctx context.Context, j *models.Job, from models.JobStatus) error
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListRetryCandidates(ctx context.Context, limit int) ([]*models.Job, error)
	JobStatistics(ctx context.Context, now time.Time) (models.JobStatistics, error)
}

type Config struct {
	MaxAttempts   int // default: 3
	RetentionDays int // default: 7
}

type Queue struct {
	repo    Repository
	planner *planner.Planner
	cfg     Config
	now     func() time.Time
}

func New(repo Repository, p *planner.Planner, cfg Config) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = models.DefaultMaxAttempts
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if p == nil {
		p = planner.Default()
	}
	return &Queue{
		repo:    repo,
		planner: p,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Request describes a job to enqueue. Zero Priority/MaxAttempts take the
// defaults for the job type.
type Request struct {
	CacheID      int64
	Type         models.JobType
	ScheduledFor time.Time
	Priority     *int
	MaxAttempts  int
}

func (q *Queue) Enqueue(ctx context.Context, r Request) (*models.Job, error) {
	const op = "jobqueue.Enqueue"
	if _, ok := models.ParseJobType(string(r.Type)); !ok {
		return nil, apperr.E(apperr.KindConsistency, op, "unknown job type", "type", r.Type)
	}
	if r.Type == models.JobTypeCleanup {
		return nil, apperr.E(apperr.KindConsistency, op, "cleanup jobs carry no cache reference; use EnqueueCleanup")
	}
	cacheID := r.CacheID
	return q.insert(ctx, &cacheID, r)
}

// EnqueueCleanup schedules a CLEANUP job, which references no cache entry.
func (q *Queue) EnqueueCleanup(ctx context.Context, scheduledFor time.Time) (*models.Job, error) {
	return q.insert(ctx, nil, Request{Type: models.JobTypeCleanup, ScheduledFor: scheduledFor})
}

func (q *Queue) insert(ctx context.Context, cacheID *int64, r Request) (*models.Job, error) {
	prio := planner.JobPriority(r.Type)
	if r.Priority != nil {
		prio = *r.Priority
	}
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	now := q.now()
	at := r.ScheduledFor
	if at.IsZero() {
		at = now
	}
	j, err := q.repo.InsertJob(ctx, &models.Job{
		TrackingCacheID: cacheID,
		JobType:         r.Type,
		Priority:        prio,
		ScheduledFor:    at,
		Status:          models.JobStatusPending,
		MaxAttempts:     maxAttempts,
		CreatedAt:       now,
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("job enqueued", "job_id", j.ID, "type", j.JobType, "priority", j.Priority, "scheduled_for", j.ScheduledFor)
	return j, nil
}

func (q *Queue) HasOpenJob(ctx context.Context, cacheID int64) (bool, error) {
	return q.repo.HasOpenJob(ctx, cacheID)
}

// HasOpenCleanup reports whether a CLEANUP job is PENDING or RUNNING.
func (q *Queue) HasOpenCleanup(ctx context.Context) (bool, error) {
	return q.repo.HasOpenCleanup(ctx)
}

// SupersedePending completes the PENDING jobs of a cache entry other than
// exceptJobID. Used after a successful poll made them redundant.
func (q *Queue) SupersedePending(ctx context.Context, cacheID, exceptJobID int64) (int64, error) {
	n, err := q.repo.CompletePendingJobs(ctx, cacheID, exceptJobID, q.now())
	if err != nil {
		return 0, errors.Wrap(err, "supersede pending jobs")
	}
	if n > 0 {
		slog.Debug("pending jobs superseded", "cache_id", cacheID, "by_job_id", exceptJobID, "count", n)
	}
	return n, nil
}

// DequeueDue claims up to limit due jobs, highest priority first.
func (q *Queue) DequeueDue(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	jobs, err := q.repo.ClaimDueJobs(ctx, q.now(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "claim due jobs")
	}
	return jobs, nil
}

// MarkResult finishes a RUNNING job. A nil jobErr completes it; otherwise the
// attempt is counted and the job either goes back to PENDING after the retry
// delay or ends FAILED (attempts exhausted or permanent provider error).
func (q *Queue) MarkResult(ctx context.Context, jobID int64, jobErr error) (models.JobStatus, error) {
	const op = "jobqueue.MarkResult"
	j, ok, err := q.repo.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperr.NotFound(op, "job", "id", jobID)
	}
	if j.Status != models.JobStatusRunning {
		return "", apperr.E(apperr.KindConflict, op, "job is not running", "id", jobID, "status", j.Status)
	}

	now := q.now()
	if jobErr == nil {
		j.Status = models.JobStatusCompleted
		j.CompletedAt = &now
		j.LastError = nil
	} else {
		j.Attempts++
		msg := jobErr.Error()
		j.LastError = &msg
		if j.Attempts >= j.MaxAttempts || apperr.Is(jobErr, apperr.KindProviderPermanent) {
			j.Status = models.JobStatusFailed
			j.CompletedAt = &now
		} else {
			j.Status = models.JobStatusPending
			j.ScheduledFor = now.Add(q.planner.RetryDelay(j.Attempts))
		}
	}

	if err := q.repo.UpdateJob(ctx, j, models.JobStatusRunning); err != nil {
		return "", err
	}
	return j.Status, nil
}

// Release puts a RUNNING job back to PENDING without consuming an attempt.
func (q *Queue) Release(ctx context.Context, jobID int64, scheduledFor time.Time) error {
	const op = "jobqueue.Release"
	j, ok, err := q.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound(op, "job", "id", jobID)
	}
	if j.Status != models.JobStatusRunning {
		return apperr.E(apperr.KindConflict, op, "job is not running", "id", jobID, "status", j.Status)
	}
	j.Status = models.JobStatusPending
	j.ScheduledFor = scheduledFor
	return q.repo.UpdateJob(ctx, j, models.JobStatusRunning)
}

// PurgeCompleted deletes COMPLETED jobs finished more than olderThanDays ago.
// Non-positive olderThanDays uses the configured retention.
func (q *Queue) PurgeCompleted(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = q.cfg.RetentionDays
	}
	cutoff := q.now().AddDate(0, 0, -olderThanDays)
	n, err := q.repo.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "purge completed jobs")
	}
	if n > 0 {
		slog.Info("completed jobs purged", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// RetryFailed gives failed work on still-active entries another round.
func (q *Queue) RetryFailed(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	candidates, err := q.repo.ListRetryCandidates(ctx, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list retry candidates")
	}
	at := q.now().Add(q.planner.RetryDelay(1))
	out := make([]*models.Job, 0, len(candidates))
	for _, c := range candidates {
		if c.TrackingCacheID == nil {
			continue
		}
		j, err := q.Enqueue(ctx, Request{CacheID: *c.TrackingCacheID, Type: models.JobTypeRetry, ScheduledFor: at})
		if err != nil {
			return out, err
		}
		out = append(out, j)
	}
	if len(out) > 0 {
		slog.Info("failed jobs requeued", "count", len(out))
	}
	return out, nil
}

func (q *Queue) Statistics(ctx context.Context) (models.JobStatistics, error) {
	return q.repo.JobStatistics(ctx, q.now())
}
