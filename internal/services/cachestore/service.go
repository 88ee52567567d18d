package cachestore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/TrackSync/internal/apperr"
	"github.com/BearBump/TrackSync/internal/cache"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/BearBump/TrackSync/internal/services/planner"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

type Repository interface {
	CreateEntry(ctx context.Context, e *models.TrackingCacheEntry) (*models.TrackingCacheEntry, error)
	GetEntry(ctx context.Context, id int64) (*models.TrackingCacheEntry, bool, error)
	GetEntryByOrderID(ctx context.Context, orderID string) (*models.TrackingCacheEntry, bool, error)
	GetEntryByTrackingNumber(ctx context.Context, trackingNumber string) (*models.TrackingCacheEntry, bool, error)
	UpdateEntry(ctx context.Context, e *models.TrackingCacheEntry) (*models.TrackingCacheEntry, error)
	ListDueEntries(ctx context.Context, now time.Time, limit int) ([]*models.TrackingCacheEntry, error)
	ListEntries(ctx context.Context) ([]*models.TrackingCacheEntry, error)
	EntryStatistics(ctx context.Context, now time.Time) (models.CacheStatistics, error)
	DeleteEntry(ctx context.Context, id int64) error
}

// OrderSource is the shop's view of orders and their shipments.
type OrderSource interface {
	GetShipment(ctx context.Context, orderID string) (*models.Shipment, bool, error)
	ListShipments(ctx context.Context) ([]*models.Shipment, error)
}

type Config struct {
	MaxEventHistory  int           // default: 100
	CacheTTL         time.Duration // default: 2h; freshness window and snapshot TTL
	MaxUpdateRetries int           // default: 3
}

type Service struct {
	repo    Repository
	orders  OrderSource
	planner *planner.Planner
	snap    cache.BytesCache
	cfg     Config
	now     func() time.Time
	group   singleflight.Group
}

func New(repo Repository, orders OrderSource, p *planner.Planner, snap cache.BytesCache, cfg Config) *Service {
	if cfg.MaxEventHistory <= 0 {
		cfg.MaxEventHistory = 100
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 2 * time.Hour
	}
	if cfg.MaxUpdateRetries <= 0 {
		cfg.MaxUpdateRetries = 3
	}
	if p == nil {
		p = planner.Default()
	}
	return &Service{
		repo:    repo,
		orders:  orders,
		planner: p,
		snap:    snap,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Planner() *planner.Planner { return s.planner }

// InitialState overrides what Create would otherwise take from the shipment.
type InitialState struct {
	Status            *models.TrackingStatus
	TrackingNumber    string
	CourierService    string
	EstimatedDelivery *time.Time
	Events            []models.TrackingEvent
}

func (s *Service) Create(ctx context.Context, orderID string, init InitialState) (*models.TrackingCacheEntry, error) {
	const op = "cachestore.Create"
	if orderID == "" {
		return nil, apperr.E(apperr.KindNotFound, op, "orderId is required")
	}
	if _, ok, err := s.repo.GetEntryByOrderID(ctx, orderID); err != nil {
		return nil, err
	} else if ok {
		return nil, apperr.AlreadyExists(op, "tracking cache", "order_id", orderID)
	}

	sh, ok, err := s.orders.GetShipment(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get shipment")
	}
	if !ok {
		return nil, apperr.NotFound(op, "order", "order_id", orderID)
	}

	trackingNumber := init.TrackingNumber
	if trackingNumber == "" {
		trackingNumber = sh.TrackingNumber
	}
	if trackingNumber == "" {
		return nil, apperr.NotFound(op, "shipment tracking number", "order_id", orderID)
	}
	courier := init.CourierService
	if courier == "" {
		courier = sh.CourierService
	}

	status := models.TrackingStatusPending
	if init.Status != nil {
		status = *init.Status
	} else if st, ok := models.ParseTrackingStatus(sh.CurrentShipmentStatus); ok {
		status = st
	}

	now := s.now()
	freq, err := s.planner.FrequencyMinutes(status, now, 0, init.EstimatedDelivery)
	if err != nil {
		return nil, err
	}
	due, err := s.planner.NextUpdateDue(status, now, 0, init.EstimatedDelivery)
	if err != nil {
		return nil, err
	}

	events, _ := MergeEvents(nil, init.Events, s.cfg.MaxEventHistory)
	e := &models.TrackingCacheEntry{
		OrderID:                orderID,
		CourierTrackingNumber:  trackingNumber,
		CourierService:         courier,
		CurrentStatus:          status,
		LastStatusUpdate:       now,
		TrackingEvents:         events,
		EstimatedDelivery:      init.EstimatedDelivery,
		NextUpdateDue:          due,
		UpdateFrequencyMinutes: freq,
	}
	s.deriveFlags(e)

	created, err := s.repo.CreateEntry(ctx, e)
	if err != nil {
		return nil, err
	}
	slog.Info("tracking cache created", "order_id", orderID, "cache_id", created.ID, "status", created.CurrentStatus)
	return created, nil
}

// Register creates the entry for a newly shipped order. It is idempotent: an
// existing entry is returned as is.
func (s *Service) Register(ctx context.Context, orderID string) (*models.TrackingCacheEntry, error) {
	e, err := s.Create(ctx, orderID, InitialState{})
	if apperr.Is(err, apperr.KindAlreadyExists) {
		existing, ok, gerr := s.repo.GetEntryByOrderID(ctx, orderID)
		if gerr != nil {
			return nil, gerr
		}
		if ok {
			return existing, nil
		}
	}
	return e, err
}

func (s *Service) Get(ctx context.Context, id int64) (*models.TrackingCacheEntry, bool, error) {
	return s.repo.GetEntry(ctx, id)
}

func (s *Service) GetByOrderID(ctx context.Context, orderID string) (*models.TrackingCacheEntry, bool, error) {
	return s.repo.GetEntryByOrderID(ctx, orderID)
}

func (s *Service) GetByTrackingNumber(ctx context.Context, trackingNumber string) (*models.TrackingCacheEntry, bool, error) {
	return s.repo.GetEntryByTrackingNumber(ctx, trackingNumber)
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	CurrentStatus       *models.TrackingStatus
	NewEvents           []models.TrackingEvent
	EstimatedDelivery   *time.Time
	ActualDelivery      *time.Time
	LastAPIUpdate       *time.Time
	ConsecutiveFailures *int
	IsFailed            *bool
	RequiresAttention   *bool

	// NextUpdateDue overrides the computed due time.
	NextUpdateDue *time.Time
	// Reschedule recomputes the due time even if the status did not change.
	Reschedule bool
}

// Update applies p under optimistic concurrency, reloading and re-applying
// on version conflicts.
func (s *Service) Update(ctx context.Context, id int64, p Patch) (*models.TrackingCacheEntry, error) {
	const op = "cachestore.Update"
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxUpdateRetries; attempt++ {
		cur, ok, err := s.repo.GetEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.NotFound(op, "tracking cache", "id", id)
		}
		if err := s.apply(cur, p); err != nil {
			return nil, err
		}
		updated, err := s.repo.UpdateEntry(ctx, cur)
		if apperr.Is(err, apperr.KindConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}
		s.invalidate(ctx, updated.OrderID)
		return updated, nil
	}
	return nil, errors.Wrapf(lastErr, "update cache %d: retries exhausted", id)
}

func (s *Service) apply(e *models.TrackingCacheEntry, p Patch) error {
	now := s.now()
	statusChanged := false
	if p.CurrentStatus != nil && *p.CurrentStatus != e.CurrentStatus {
		if _, err := planner.CategoryOf(*p.CurrentStatus); err != nil {
			return err
		}
		e.CurrentStatus = *p.CurrentStatus
		e.LastStatusUpdate = now
		statusChanged = true
	}
	if len(p.NewEvents) > 0 {
		e.TrackingEvents, _ = MergeEvents(e.TrackingEvents, p.NewEvents, s.cfg.MaxEventHistory)
	}
	if p.EstimatedDelivery != nil {
		e.EstimatedDelivery = p.EstimatedDelivery
	}
	if p.ActualDelivery != nil {
		e.ActualDelivery = p.ActualDelivery
	}
	if p.LastAPIUpdate != nil {
		e.LastAPIUpdate = p.LastAPIUpdate
	}
	if p.ConsecutiveFailures != nil {
		e.ConsecutiveFailures = max(*p.ConsecutiveFailures, 0)
	}
	if p.IsFailed != nil {
		e.IsFailed = *p.IsFailed
	}
	if p.RequiresAttention != nil {
		e.RequiresAttention = *p.RequiresAttention
	}
	s.deriveFlags(e)

	switch {
	case p.NextUpdateDue != nil:
		due := *p.NextUpdateDue
		if due.Before(now) {
			due = now
		}
		e.NextUpdateDue = due
	case statusChanged || p.Reschedule:
		freq, err := s.planner.FrequencyMinutes(e.CurrentStatus, now, e.ConsecutiveFailures, e.EstimatedDelivery)
		if err != nil {
			return err
		}
		due, err := s.planner.NextUpdateDue(e.CurrentStatus, now, e.ConsecutiveFailures, e.EstimatedDelivery)
		if err != nil {
			return err
		}
		e.UpdateFrequencyMinutes = freq
		e.NextUpdateDue = due
	}
	return nil
}

// deriveFlags keeps isDelivered/isActive consistent with the status.
func (s *Service) deriveFlags(e *models.TrackingCacheEntry) {
	e.IsDelivered = s.planner.IsTerminal(e.CurrentStatus)
	e.IsActive = !e.IsDelivered && !e.IsFailed
}

// DeriveFlags exposes the flag derivation for repair tooling.
func (s *Service) DeriveFlags(e *models.TrackingCacheEntry) { s.deriveFlags(e) }

// GetDueForUpdate returns entries to poll, attention-flagged ones first.
func (s *Service) GetDueForUpdate(ctx context.Context, limit int) ([]*models.TrackingCacheEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListDueEntries(ctx, s.now(), limit)
}

func (s *Service) Statistics(ctx context.Context) (models.CacheStatistics, error) {
	return s.repo.EntryStatistics(ctx, s.now())
}

func (s *Service) List(ctx context.Context) ([]*models.TrackingCacheEntry, error) {
	return s.repo.ListEntries(ctx)
}

// Purge deletes an entry; administrative rollback only.
func (s *Service) Purge(ctx context.Context, id int64) error {
	e, ok, err := s.repo.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("cachestore.Purge", "tracking cache", "id", id)
	}
	if err := s.repo.DeleteEntry(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, e.OrderID)
	slog.Warn("tracking cache purged", "cache_id", id, "order_id", e.OrderID)
	return nil
}

// Snapshot is what readers of the cache get.
type Snapshot struct {
	Entry     *models.TrackingCacheEntry `json:"entry"`
	Freshness models.Freshness           `json:"freshness"`
}

// View is the read path for the tracking display. Snapshots are kept in the
// byte cache for CacheTTL; freshness is evaluated on every read.
func (s *Service) View(ctx context.Context, orderID string) (*Snapshot, bool, error) {
	key := viewKey(orderID)
	if s.snap != nil {
		if b, ok, err := s.snap.Get(ctx, key); err == nil && ok {
			var e models.TrackingCacheEntry
			if json.Unmarshal(b, &e) == nil {
				return &Snapshot{Entry: &e, Freshness: s.Freshness(&e)}, true, nil
			}
		} else if err != nil {
			slog.Warn("snapshot cache get", "order_id", orderID, "error", err.Error())
		}
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		e, ok, err := s.repo.GetEntryByOrderID(ctx, orderID)
		if err != nil || !ok {
			return nil, err
		}
		if s.snap != nil {
			if b, err := json.Marshal(e); err == nil {
				if err := s.snap.Set(ctx, key, b, s.cfg.CacheTTL); err != nil {
					slog.Warn("snapshot cache set", "order_id", orderID, "error", err.Error())
				}
			}
		}
		return e, nil
	})
	if err != nil {
		return nil, false, err
	}
	e, _ := v.(*models.TrackingCacheEntry)
	if e == nil {
		return nil, false, nil
	}
	e = e.Clone()
	return &Snapshot{Entry: e, Freshness: s.Freshness(e)}, true, nil
}

// Freshness: EXPIRED once automation gave up, FRESH within the TTL of the
// last successful provider call (terminal entries stay FRESH), STALE otherwise.
func (s *Service) Freshness(e *models.TrackingCacheEntry) models.Freshness {
	return FreshnessOf(e, s.now(), s.cfg.CacheTTL)
}

func FreshnessOf(e *models.TrackingCacheEntry, now time.Time, ttl time.Duration) models.Freshness {
	switch {
	case e.IsFailed || e.RequiresAttention:
		return models.FreshnessExpired
	case e.IsDelivered:
		return models.FreshnessFresh
	case e.LastAPIUpdate != nil && now.Sub(*e.LastAPIUpdate) <= ttl:
		return models.FreshnessFresh
	default:
		return models.FreshnessStale
	}
}

func (s *Service) invalidate(ctx context.Context, orderID string) {
	if s.snap == nil {
		return
	}
	if err := s.snap.Delete(ctx, viewKey(orderID)); err != nil {
		slog.Warn("snapshot cache invalidate", "order_id", orderID, "error", err.Error())
	}
}

func viewKey(orderID string) string {
	return "view:" + orderID
}
