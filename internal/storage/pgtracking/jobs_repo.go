package pgtracking

import (
	"context"
	"time"

	"github.com/BearBump/TrackSync/internal/apperr"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const jobColumns = `
  id, tracking_cache_id, job_type, priority, scheduled_for, status,
  attempts, max_attempts, last_error, last_attempt_at, created_at, completed_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	if err := row.Scan(
		&j.ID, &j.TrackingCacheID, &j.JobType, &j.Priority, &j.ScheduledFor, &j.Status,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &j.LastAttemptAt, &j.CreatedAt, &j.CompletedAt,
	); err != nil {
		return nil, err
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		out = append(out, j)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) InsertJob(ctx context.Context, j *models.Job) (*models.Job, error) {
	createdAt := j.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	out, err := scanJob(s.db.QueryRow(ctx, `
INSERT INTO tracking_jobs (
  tracking_cache_id, job_type, priority, scheduled_for, status,
  attempts, max_attempts, last_error, last_attempt_at, created_at, completed_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
RETURNING`+jobColumns,
		j.TrackingCacheID, j.JobType, j.Priority, j.ScheduledFor.UTC(), j.Status,
		j.Attempts, j.MaxAttempts, j.LastError, j.LastAttemptAt, createdAt, j.CompletedAt,
	))
	if err != nil {
		if isForeignKeyViolation(err) && j.TrackingCacheID != nil {
			return nil, apperr.NotFound("pgtracking.InsertJob", "tracking cache", "id", *j.TrackingCacheID)
		}
		return nil, errors.Wrap(err, "insert job")
	}
	return out, nil
}

func (s *Storage) GetJob(ctx context.Context, id int64) (*models.Job, bool, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `SELECT`+jobColumns+` FROM tracking_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "select job")
	}
	return j, true, nil
}

func (s *Storage) HasOpenJob(ctx context.Context, cacheID int64) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM tracking_jobs
  WHERE tracking_cache_id = $1 AND status IN ('PENDING', 'RUNNING')
)`, cacheID).Scan(&ok)
	return ok, errors.Wrap(err, "check open job")
}

func (s *Storage) HasOpenCleanup(ctx context.Context) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `
SELECT EXISTS (
  SELECT 1 FROM tracking_jobs
  WHERE tracking_cache_id IS NULL AND status IN ('PENDING', 'RUNNING')
)`).Scan(&ok)
	return ok, errors.Wrap(err, "check open cleanup")
}

// CompletePendingJobs закрывает ожидающие задачи записи, ставшие лишними
// после успешного опроса. Задачу exceptID не трогает.
func (s *Storage) CompletePendingJobs(ctx context.Context, cacheID, exceptID int64, at time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE tracking_jobs
SET status = 'COMPLETED', completed_at = $3
WHERE tracking_cache_id = $1 AND id <> $2 AND status = 'PENDING'
`, cacheID, exceptID, at.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "complete pending jobs")
	}
	return tag.RowsAffected(), nil
}

// ClaimDueJobs выбирает пачку due-задач и переводит их в RUNNING в одной
// транзакции. Advisory lock сериализует конкурирующих воркеров, так что
// "один RUNNING на запись кэша" не гонится; SKIP LOCKED пропускает строки,
// которые сейчас обновляет MarkResult.
func (s *Storage) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, claimLockKey); err != nil {
		return nil, errors.Wrap(err, "claim lock")
	}

	rows, err := tx.Query(ctx, `
SELECT`+jobColumns+`
FROM tracking_jobs
WHERE id IN (
  SELECT id FROM (
    SELECT
      j.id, j.priority, j.scheduled_for,
      row_number() OVER (
        PARTITION BY COALESCE(j.tracking_cache_id, -j.id)
        ORDER BY j.priority, j.scheduled_for, j.id
      ) AS rn
    FROM tracking_jobs j
    WHERE j.status = 'PENDING'
      AND j.scheduled_for <= $1
      AND NOT EXISTS (
        SELECT 1 FROM tracking_jobs r
        WHERE r.status = 'RUNNING'
          AND r.tracking_cache_id = j.tracking_cache_id
      )
  ) ranked
  WHERE rn = 1
  ORDER BY priority, scheduled_for, id
  LIMIT $2
)
ORDER BY priority, scheduled_for, id
FOR UPDATE SKIP LOCKED
`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due jobs")
	}
	picked, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(picked) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(picked))
	for _, j := range picked {
		ids = append(ids, j.ID)
	}
	claimedAt := now.UTC()
	if _, err := tx.Exec(ctx, `
UPDATE tracking_jobs
SET status = 'RUNNING', last_attempt_at = $2
WHERE id = ANY($1) AND status = 'PENDING'
`, ids, claimedAt); err != nil {
		return nil, errors.Wrap(err, "claim jobs")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	for _, j := range picked {
		j.Status = models.JobStatusRunning
		t := claimedAt
		j.LastAttemptAt = &t
	}
	return picked, nil
}

// UpdateJob writes j only if the stored row is still in status from.
func (s *Storage) UpdateJob(ctx context.Context, j *models.Job, from models.JobStatus) error {
	tag, err := s.db.Exec(ctx, `
UPDATE tracking_jobs SET
  priority = $3,
  scheduled_for = $4,
  status = $5,
  attempts = $6,
  max_attempts = $7,
  last_error = $8,
  last_attempt_at = $9,
  completed_at = $10
WHERE id = $1 AND status = $2
`, j.ID, from, j.Priority, j.ScheduledFor.UTC(), j.Status, j.Attempts, j.MaxAttempts,
		j.LastError, j.LastAttemptAt, j.CompletedAt)
	if err != nil {
		return errors.Wrap(err, "update job")
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrNotFound(ctx, "pgtracking.UpdateJob", "tracking_jobs", "job", j.ID)
	}
	return nil
}

func (s *Storage) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
DELETE FROM tracking_jobs
WHERE status = 'COMPLETED' AND completed_at < $1
`, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "purge completed jobs")
	}
	return tag.RowsAffected(), nil
}

// ListRetryCandidates returns FAILED jobs that are still the newest job of an
// active cache entry.
func (s *Storage) ListRetryCandidates(ctx context.Context, limit int) ([]*models.Job, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+jobColumns+`
FROM tracking_jobs j
WHERE j.status = 'FAILED'
  AND EXISTS (
    SELECT 1 FROM tracking_cache c
    WHERE c.id = j.tracking_cache_id AND c.is_active
  )
  AND NOT EXISTS (
    SELECT 1 FROM tracking_jobs n
    WHERE n.tracking_cache_id = j.tracking_cache_id AND n.id > j.id
  )
ORDER BY j.id
LIMIT $1
`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select retry candidates")
	}
	return collectJobs(rows)
}

func (s *Storage) ListJobs(ctx context.Context, cacheID int64) ([]*models.Job, error) {
	rows, err := s.db.Query(ctx, `SELECT`+jobColumns+` FROM tracking_jobs WHERE tracking_cache_id = $1 ORDER BY id`, cacheID)
	if err != nil {
		return nil, errors.Wrap(err, "select jobs")
	}
	return collectJobs(rows)
}

func (s *Storage) JobStatistics(ctx context.Context, now time.Time) (models.JobStatistics, error) {
	var (
		st     models.JobStatistics
		oldest *time.Time
	)
	err := s.db.QueryRow(ctx, `
SELECT
  count(*) FILTER (WHERE status = 'PENDING'),
  count(*) FILTER (WHERE status = 'RUNNING'),
  count(*) FILTER (WHERE status = 'COMPLETED'),
  count(*) FILTER (WHERE status = 'FAILED'),
  min(created_at) FILTER (WHERE status = 'PENDING')
FROM tracking_jobs
`).Scan(&st.Pending, &st.Running, &st.Completed, &st.Failed, &oldest)
	if err != nil {
		return st, errors.Wrap(err, "job statistics")
	}
	if oldest != nil {
		age := now.Sub(*oldest)
		st.OldestPendingAge = &age
	}
	return st, nil
}
