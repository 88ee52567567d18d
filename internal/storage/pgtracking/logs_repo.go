package pgtracking

import (
	"context"
	"time"

	"github.com/BearBump/TrackSync/internal/models"
	"github.com/pkg/errors"
)

// AppendUpdateLog inserts an audit row. Rows are never updated afterwards.
func (s *Storage) AppendUpdateLog(ctx context.Context, l *models.UpdateLog) (*models.UpdateLog, error) {
	out := *l
	err := s.db.QueryRow(ctx, `
INSERT INTO tracking_update_logs (
  tracking_cache_id, job_id, update_type, triggered_by,
  api_call_success, api_response_time_ms, status_changed,
  previous_status, new_status, events_added,
  started_at, completed_at, api_error_message
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
RETURNING id
`, l.TrackingCacheID, l.JobID, l.UpdateType, l.TriggeredBy,
		l.APICallSuccess, l.APIResponseTimeMs, l.StatusChanged,
		l.PreviousStatus, l.NewStatus, l.EventsAdded,
		l.StartedAt.UTC(), l.CompletedAt, l.APIErrorMessage,
	).Scan(&out.ID)
	if err != nil {
		return nil, errors.Wrap(err, "insert update log")
	}
	return &out, nil
}

// ListUpdateLogs returns the audit trail of one entry, newest first.
func (s *Storage) ListUpdateLogs(ctx context.Context, cacheID int64, limit int) ([]*models.UpdateLog, error) {
	rows, err := s.db.Query(ctx, `
SELECT
  id, tracking_cache_id, job_id, update_type, triggered_by,
  api_call_success, api_response_time_ms, status_changed,
  previous_status, new_status, events_added,
  started_at, completed_at, api_error_message
FROM tracking_update_logs
WHERE tracking_cache_id = $1
ORDER BY started_at DESC, id DESC
LIMIT $2
`, cacheID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select update logs")
	}
	defer rows.Close()

	var out []*models.UpdateLog
	for rows.Next() {
		var l models.UpdateLog
		if err := rows.Scan(
			&l.ID, &l.TrackingCacheID, &l.JobID, &l.UpdateType, &l.TriggeredBy,
			&l.APICallSuccess, &l.APIResponseTimeMs, &l.StatusChanged,
			&l.PreviousStatus, &l.NewStatus, &l.EventsAdded,
			&l.StartedAt, &l.CompletedAt, &l.APIErrorMessage,
		); err != nil {
			return nil, errors.Wrap(err, "scan update log")
		}
		out = append(out, &l)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) UpdateLogStats(ctx context.Context, since time.Time) (models.UpdateLogStats, error) {
	var (
		st          models.UpdateLogStats
		avgSeconds  *float64
		avgResponse *float64
	)
	err := s.db.QueryRow(ctx, `
SELECT
  count(*),
  count(*) FILTER (WHERE api_call_success),
  avg(EXTRACT(EPOCH FROM (completed_at - started_at)))::float8,
  avg(api_response_time_ms)::float8
FROM tracking_update_logs
WHERE started_at >= $1
`, since.UTC()).Scan(&st.Total, &st.Successful, &avgSeconds, &avgResponse)
	if err != nil {
		return st, errors.Wrap(err, "update log statistics")
	}
	if avgSeconds != nil {
		st.AverageDuration = time.Duration(*avgSeconds * float64(time.Second))
	}
	if avgResponse != nil {
		st.AverageResponseMs = *avgResponse
	}
	return st, nil
}
