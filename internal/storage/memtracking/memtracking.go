// Package memtracking is an in-process store for tracking cache entries,
// jobs, update logs and shipments. It backs the "memory" storage driver and
// the service tests.
package memtracking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/TrackSync/internal/apperr"
	"github.com/BearBump/TrackSync/internal/models"
)

type Storage struct {
	mu sync.Mutex

	entries   map[int64]*models.TrackingCacheEntry
	byOrder   map[string]int64
	jobs      map[int64]*models.Job
	logs      []*models.UpdateLog
	shipments map[string]*models.Shipment

	nextEntryID int64
	nextJobID   int64
	nextLogID   int64

	now func() time.Time
}

func New() *Storage {
	return &Storage{
		entries:   make(map[int64]*models.TrackingCacheEntry),
		byOrder:   make(map[string]int64),
		jobs:      make(map[int64]*models.Job),
		shipments: make(map[string]*models.Shipment),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used for created/updated timestamps.
func (s *Storage) WithClock(now func() time.Time) *Storage {
	s.now = now
	return s
}

func (s *Storage) Ping(context.Context) error { return nil }

func (s *Storage) Close() {}

// --- orders ---

func (s *Storage) PutShipment(sh models.Shipment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := sh
	s.shipments[sh.OrderID] = &c
}

func (s *Storage) DeleteShipment(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shipments, orderID)
}

func (s *Storage) GetShipment(_ context.Context, orderID string) (*models.Shipment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shipments[orderID]
	if !ok {
		return nil, false, nil
	}
	c := *sh
	return &c, true, nil
}

func (s *Storage) ListShipments(context.Context) ([]*models.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Shipment, 0, len(s.shipments))
	for _, sh := range s.shipments {
		if sh.TrackingNumber == "" {
			continue
		}
		c := *sh
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// --- cache entries ---

func (s *Storage) CreateEntry(_ context.Context, e *models.TrackingCacheEntry) (*models.TrackingCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byOrder[e.OrderID]; ok {
		return nil, apperr.AlreadyExists("memtracking.CreateEntry", "tracking cache", "order_id", e.OrderID)
	}
	s.nextEntryID++
	c := e.Clone()
	c.ID = s.nextEntryID
	c.Version = 1
	now := s.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	s.entries[c.ID] = c
	s.byOrder[c.OrderID] = c.ID
	return c.Clone(), nil
}

func (s *Storage) GetEntry(_ context.Context, id int64) (*models.TrackingCacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false, nil
	}
	return e.Clone(), true, nil
}

func (s *Storage) GetEntryByOrderID(_ context.Context, orderID string) (*models.TrackingCacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byOrder[orderID]
	if !ok {
		return nil, false, nil
	}
	return s.entries[id].Clone(), true, nil
}

func (s *Storage) GetEntryByTrackingNumber(_ context.Context, trackingNumber string) (*models.TrackingCacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.TrackingCacheEntry
	for _, e := range s.entries {
		if e.CourierTrackingNumber != trackingNumber {
			continue
		}
		if found == nil || e.ID < found.ID {
			found = e
		}
	}
	if found == nil {
		return nil, false, nil
	}
	return found.Clone(), true, nil
}

// UpdateEntry writes e if the stored version still equals e.Version.
func (s *Storage) UpdateEntry(_ context.Context, e *models.TrackingCacheEntry) (*models.TrackingCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[e.ID]
	if !ok {
		return nil, apperr.NotFound("memtracking.UpdateEntry", "tracking cache", "id", e.ID)
	}
	if cur.Version != e.Version {
		return nil, apperr.E(apperr.KindConflict, "memtracking.UpdateEntry", "version mismatch",
			"id", e.ID, "expected", e.Version, "actual", cur.Version)
	}
	c := e.Clone()
	c.Version = cur.Version + 1
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = s.now()
	s.entries[c.ID] = c
	if c.OrderID != cur.OrderID {
		delete(s.byOrder, cur.OrderID)
		s.byOrder[c.OrderID] = c.ID
	}
	return c.Clone(), nil
}

func (s *Storage) ListDueEntries(_ context.Context, now time.Time, limit int) ([]*models.TrackingCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*models.TrackingCacheEntry
	for _, e := range s.entries {
		if !e.IsActive || e.IsDelivered {
			continue
		}
		if e.RequiresAttention || !e.NextUpdateDue.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.RequiresAttention != b.RequiresAttention {
			return a.RequiresAttention
		}
		if !a.NextUpdateDue.Equal(b.NextUpdateDue) {
			return a.NextUpdateDue.Before(b.NextUpdateDue)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*models.TrackingCacheEntry, 0, len(due))
	for _, e := range due {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (s *Storage) ListEntries(context.Context) ([]*models.TrackingCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.TrackingCacheEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Storage) EntryStatistics(_ context.Context, now time.Time) (models.CacheStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st models.CacheStatistics
	for _, e := range s.entries {
		st.Total++
		if e.IsActive {
			st.Active++
		}
		if e.IsDelivered {
			st.Delivered++
		}
		if e.IsFailed {
			st.Failed++
		}
		if e.RequiresAttention {
			st.RequiresAttention++
		}
		if e.IsActive && !e.IsDelivered && e.NextUpdateDue.Before(now) {
			st.Overdue++
		}
	}
	return st, nil
}

// DeleteEntry removes the entry together with its jobs and logs.
func (s *Storage) DeleteEntry(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return apperr.NotFound("memtracking.DeleteEntry", "tracking cache", "id", id)
	}
	delete(s.entries, id)
	delete(s.byOrder, e.OrderID)
	for jid, j := range s.jobs {
		if j.TrackingCacheID != nil && *j.TrackingCacheID == id {
			delete(s.jobs, jid)
		}
	}
	kept := s.logs[:0]
	for _, l := range s.logs {
		if l.TrackingCacheID != id {
			kept = append(kept, l)
		}
	}
	s.logs = kept
	return nil
}

// --- jobs ---

func (s *Storage) InsertJob(_ context.Context, j *models.Job) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.TrackingCacheID != nil {
		if _, ok := s.entries[*j.TrackingCacheID]; !ok {
			return nil, apperr.NotFound("memtracking.InsertJob", "tracking cache", "id", *j.TrackingCacheID)
		}
	}
	s.nextJobID++
	c := j.Clone()
	c.ID = s.nextJobID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.jobs[c.ID] = c
	return c.Clone(), nil
}

func (s *Storage) GetJob(_ context.Context, id int64) (*models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false, nil
	}
	return j.Clone(), true, nil
}

func (s *Storage) HasOpenJob(_ context.Context, cacheID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.TrackingCacheID == nil || *j.TrackingCacheID != cacheID {
			continue
		}
		if j.Status == models.JobStatusPending || j.Status == models.JobStatusRunning {
			return true, nil
		}
	}
	return false, nil
}

func (s *Storage) HasOpenCleanup(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.TrackingCacheID != nil {
			continue
		}
		if j.Status == models.JobStatusPending || j.Status == models.JobStatusRunning {
			return true, nil
		}
	}
	return false, nil
}

// CompletePendingJobs marks every PENDING job of cacheID except exceptID as
// COMPLETED at the given time.
func (s *Storage) CompletePendingJobs(_ context.Context, cacheID, exceptID int64, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if id == exceptID || j.Status != models.JobStatusPending {
			continue
		}
		if j.TrackingCacheID == nil || *j.TrackingCacheID != cacheID {
			continue
		}
		j.Status = models.JobStatusCompleted
		t := at
		j.CompletedAt = &t
		n++
	}
	return n, nil
}

// ClaimDueJobs moves up to limit due PENDING jobs to RUNNING, at most one
// per cache entry and never for an entry that already has a RUNNING job.
func (s *Storage) ClaimDueJobs(_ context.Context, now time.Time, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	busy := make(map[int64]struct{})
	var due []*models.Job
	for _, j := range s.jobs {
		switch {
		case j.Status == models.JobStatusRunning && j.TrackingCacheID != nil:
			busy[*j.TrackingCacheID] = struct{}{}
		case j.Status == models.JobStatusPending && !j.ScheduledFor.After(now):
			due = append(due, j)
		}
	}
	sortJobs(due)

	var out []*models.Job
	for _, j := range due {
		if limit > 0 && len(out) >= limit {
			break
		}
		if j.TrackingCacheID != nil {
			if _, ok := busy[*j.TrackingCacheID]; ok {
				continue
			}
			busy[*j.TrackingCacheID] = struct{}{}
		}
		j.Status = models.JobStatusRunning
		t := now
		j.LastAttemptAt = &t
		out = append(out, j.Clone())
	}
	return out, nil
}

func sortJobs(js []*models.Job) {
	sort.Slice(js, func(i, k int) bool {
		a, b := js[i], js[k]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.ScheduledFor.Equal(b.ScheduledFor) {
			return a.ScheduledFor.Before(b.ScheduledFor)
		}
		return a.ID < b.ID
	})
}

// UpdateJob writes j if the stored job is still in status from.
func (s *Storage) UpdateJob(_ context.Context, j *models.Job, from models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[j.ID]
	if !ok {
		return apperr.NotFound("memtracking.UpdateJob", "job", "id", j.ID)
	}
	if cur.Status != from {
		return apperr.E(apperr.KindConflict, "memtracking.UpdateJob", "unexpected job status",
			"id", j.ID, "expected", from, "actual", cur.Status)
	}
	c := j.Clone()
	c.CreatedAt = cur.CreatedAt
	s.jobs[j.ID] = c
	return nil
}

func (s *Storage) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.Status != models.JobStatusCompleted || j.CompletedAt == nil {
			continue
		}
		if j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// ListRetryCandidates returns FAILED jobs that are the latest job of a still
// active cache entry, oldest failure first.
func (s *Storage) ListRetryCandidates(_ context.Context, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := make(map[int64]*models.Job)
	for _, j := range s.jobs {
		if j.TrackingCacheID == nil {
			continue
		}
		cid := *j.TrackingCacheID
		if cur, ok := latest[cid]; !ok || j.ID > cur.ID {
			latest[cid] = j
		}
	}
	var out []*models.Job
	for cid, j := range latest {
		if j.Status != models.JobStatusFailed {
			continue
		}
		e, ok := s.entries[cid]
		if !ok || !e.IsActive {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Storage) ListJobs(_ context.Context, cacheID int64) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.TrackingCacheID != nil && *j.TrackingCacheID == cacheID {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *Storage) JobStatistics(_ context.Context, now time.Time) (models.JobStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st models.JobStatistics
	var oldest *time.Time
	for _, j := range s.jobs {
		switch j.Status {
		case models.JobStatusPending:
			st.Pending++
			if oldest == nil || j.CreatedAt.Before(*oldest) {
				t := j.CreatedAt
				oldest = &t
			}
		case models.JobStatusRunning:
			st.Running++
		case models.JobStatusCompleted:
			st.Completed++
		case models.JobStatusFailed:
			st.Failed++
		}
	}
	if oldest != nil {
		age := now.Sub(*oldest)
		st.OldestPendingAge = &age
	}
	return st, nil
}

// --- update logs ---

func (s *Storage) AppendUpdateLog(_ context.Context, l *models.UpdateLog) (*models.UpdateLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLogID++
	c := *l
	c.ID = s.nextLogID
	s.logs = append(s.logs, &c)
	out := c
	return &out, nil
}

func (s *Storage) ListUpdateLogs(_ context.Context, cacheID int64, limit int) ([]*models.UpdateLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.UpdateLog
	for i := len(s.logs) - 1; i >= 0; i-- {
		l := s.logs[i]
		if l.TrackingCacheID != cacheID {
			continue
		}
		c := *l
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Storage) UpdateLogStats(_ context.Context, since time.Time) (models.UpdateLogStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		st                 models.UpdateLogStats
		durSum             time.Duration
		durN               int64
		respSum, respCount int64
	)
	for _, l := range s.logs {
		if l.StartedAt.Before(since) {
			continue
		}
		st.Total++
		if l.APICallSuccess {
			st.Successful++
		}
		if l.CompletedAt != nil {
			durSum += l.CompletedAt.Sub(l.StartedAt)
			durN++
		}
		if l.APIResponseTimeMs != nil {
			respSum += *l.APIResponseTimeMs
			respCount++
		}
	}
	if durN > 0 {
		st.AverageDuration = durSum / time.Duration(durN)
	}
	if respCount > 0 {
		st.AverageResponseMs = float64(respSum) / float64(respCount)
	}
	return st, nil
}
