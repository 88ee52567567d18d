package pgtracking

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/TrackSync/internal/apperr"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const entryColumns = `
  id, order_id, courier_tracking_number, courier_service,
  current_status, last_status_update, tracking_events,
  estimated_delivery, actual_delivery, last_api_update,
  next_update_due, update_frequency_minutes, consecutive_failures,
  is_delivered, is_active, is_failed, requires_attention,
  version, created_at, updated_at`

func scanEntry(row pgx.Row) (*models.TrackingCacheEntry, error) {
	var (
		e      models.TrackingCacheEntry
		events []byte
	)
	if err := row.Scan(
		&e.ID, &e.OrderID, &e.CourierTrackingNumber, &e.CourierService,
		&e.CurrentStatus, &e.LastStatusUpdate, &events,
		&e.EstimatedDelivery, &e.ActualDelivery, &e.LastAPIUpdate,
		&e.NextUpdateDue, &e.UpdateFrequencyMinutes, &e.ConsecutiveFailures,
		&e.IsDelivered, &e.IsActive, &e.IsFailed, &e.RequiresAttention,
		&e.Version, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(events) > 0 {
		if err := json.Unmarshal(events, &e.TrackingEvents); err != nil {
			return nil, errors.Wrap(err, "decode tracking events")
		}
	}
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]*models.TrackingCacheEntry, error) {
	defer rows.Close()
	var out []*models.TrackingCacheEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan tracking cache")
		}
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func encodeEvents(events []models.TrackingEvent) ([]byte, error) {
	if events == nil {
		events = []models.TrackingEvent{}
	}
	b, err := json.Marshal(events)
	return b, errors.Wrap(err, "encode tracking events")
}

func (s *Storage) CreateEntry(ctx context.Context, e *models.TrackingCacheEntry) (*models.TrackingCacheEntry, error) {
	events, err := encodeEvents(e.TrackingEvents)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	row := s.db.QueryRow(ctx, `
INSERT INTO tracking_cache (
  order_id, courier_tracking_number, courier_service,
  current_status, last_status_update, tracking_events,
  estimated_delivery, actual_delivery, last_api_update,
  next_update_due, update_frequency_minutes, consecutive_failures,
  is_delivered, is_active, is_failed, requires_attention,
  version, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,1,$17,$17)
RETURNING`+entryColumns,
		e.OrderID, e.CourierTrackingNumber, e.CourierService,
		e.CurrentStatus, e.LastStatusUpdate, events,
		e.EstimatedDelivery, e.ActualDelivery, e.LastAPIUpdate,
		e.NextUpdateDue, e.UpdateFrequencyMinutes, e.ConsecutiveFailures,
		e.IsDelivered, e.IsActive, e.IsFailed, e.RequiresAttention,
		now,
	)
	out, err := scanEntry(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.AlreadyExists("pgtracking.CreateEntry", "tracking cache", "order_id", e.OrderID)
		}
		return nil, errors.Wrap(err, "insert tracking cache")
	}
	return out, nil
}

func (s *Storage) getEntryWhere(ctx context.Context, where string, arg any) (*models.TrackingCacheEntry, bool, error) {
	e, err := scanEntry(s.db.QueryRow(ctx, `SELECT`+entryColumns+` FROM tracking_cache WHERE `+where+` ORDER BY id LIMIT 1`, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "select tracking cache")
	}
	return e, true, nil
}

func (s *Storage) GetEntry(ctx context.Context, id int64) (*models.TrackingCacheEntry, bool, error) {
	return s.getEntryWhere(ctx, "id = $1", id)
}

func (s *Storage) GetEntryByOrderID(ctx context.Context, orderID string) (*models.TrackingCacheEntry, bool, error) {
	return s.getEntryWhere(ctx, "order_id = $1", orderID)
}

func (s *Storage) GetEntryByTrackingNumber(ctx context.Context, trackingNumber string) (*models.TrackingCacheEntry, bool, error) {
	return s.getEntryWhere(ctx, "courier_tracking_number = $1", trackingNumber)
}

// UpdateEntry is a compare-and-set on version: the row is written only if it
// has not changed since e was read.
func (s *Storage) UpdateEntry(ctx context.Context, e *models.TrackingCacheEntry) (*models.TrackingCacheEntry, error) {
	events, err := encodeEvents(e.TrackingEvents)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRow(ctx, `
UPDATE tracking_cache SET
  order_id = $3,
  courier_tracking_number = $4,
  courier_service = $5,
  current_status = $6,
  last_status_update = $7,
  tracking_events = $8,
  estimated_delivery = $9,
  actual_delivery = $10,
  last_api_update = $11,
  next_update_due = $12,
  update_frequency_minutes = $13,
  consecutive_failures = $14,
  is_delivered = $15,
  is_active = $16,
  is_failed = $17,
  requires_attention = $18,
  version = version + 1,
  updated_at = now()
WHERE id = $1 AND version = $2
RETURNING`+entryColumns,
		e.ID, e.Version,
		e.OrderID, e.CourierTrackingNumber, e.CourierService,
		e.CurrentStatus, e.LastStatusUpdate, events,
		e.EstimatedDelivery, e.ActualDelivery, e.LastAPIUpdate,
		e.NextUpdateDue, e.UpdateFrequencyMinutes, e.ConsecutiveFailures,
		e.IsDelivered, e.IsActive, e.IsFailed, e.RequiresAttention,
	)
	out, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.conflictOrNotFound(ctx, "pgtracking.UpdateEntry", "tracking_cache", "tracking cache", e.ID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "update tracking cache")
	}
	return out, nil
}

// ListDueEntries returns active entries that are overdue or flagged for
// attention; flagged entries come first regardless of due time.
func (s *Storage) ListDueEntries(ctx context.Context, now time.Time, limit int) ([]*models.TrackingCacheEntry, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+entryColumns+`
FROM tracking_cache
WHERE is_active
  AND NOT is_delivered
  AND (next_update_due <= $1 OR requires_attention)
ORDER BY requires_attention DESC, next_update_due ASC, id ASC
LIMIT $2
`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due tracking cache")
	}
	return collectEntries(rows)
}

func (s *Storage) ListEntries(ctx context.Context) ([]*models.TrackingCacheEntry, error) {
	rows, err := s.db.Query(ctx, `SELECT`+entryColumns+` FROM tracking_cache ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "select tracking cache")
	}
	return collectEntries(rows)
}

func (s *Storage) EntryStatistics(ctx context.Context, now time.Time) (models.CacheStatistics, error) {
	var st models.CacheStatistics
	err := s.db.QueryRow(ctx, `
SELECT
  count(*),
  count(*) FILTER (WHERE is_active),
  count(*) FILTER (WHERE is_delivered),
  count(*) FILTER (WHERE is_failed),
  count(*) FILTER (WHERE requires_attention),
  count(*) FILTER (WHERE is_active AND NOT is_delivered AND next_update_due < $1)
FROM tracking_cache
`, now.UTC()).Scan(&st.Total, &st.Active, &st.Delivered, &st.Failed, &st.RequiresAttention, &st.Overdue)
	if err != nil {
		return st, errors.Wrap(err, "tracking cache statistics")
	}
	return st, nil
}

// DeleteEntry removes the entry; its jobs and logs go with it (ON DELETE CASCADE).
func (s *Storage) DeleteEntry(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM tracking_cache WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete tracking cache")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("pgtracking.DeleteEntry", "tracking cache", "id", id)
	}
	return nil
}
