package consistency

import (
	"context"
	"log/slog"
	"sort"

	"github.com/BearBump/TrackSync/internal/models"
	"github.com/BearBump/TrackSync/internal/services/cachestore"
	"github.com/BearBump/TrackSync/internal/services/planner"
	"github.com/pkg/errors"
)

type Problem string

const (
	ProblemMissingCache       Problem = "missing_cache"
	ProblemOrphanedCache      Problem = "orphaned_cache"
	ProblemStaleDeliveredFlag Problem = "stale_delivered_flag"
	ProblemContradictoryFlags Problem = "contradictory_flags"
	ProblemInertEntry         Problem = "inert_entry"
)

// Repairable reports whether Repair can fix p by re-deriving flags.
func (p Problem) Repairable() bool {
	switch p {
	case ProblemStaleDeliveredFlag, ProblemContradictoryFlags, ProblemInertEntry:
		return true
	default:
		return false
	}
}

type Issue struct {
	OrderID  string    `json:"orderId"`
	CacheID  *int64    `json:"cacheId,omitempty"`
	Problems []Problem `json:"issues"`
}

type CacheSource interface {
	List(ctx context.Context) ([]*models.TrackingCacheEntry, error)
	Update(ctx context.Context, id int64, p cachestore.Patch) (*models.TrackingCacheEntry, error)
}

type OrderSource interface {
	ListShipments(ctx context.Context) ([]*models.Shipment, error)
}

type Validator struct {
	cache   CacheSource
	orders  OrderSource
	planner *planner.Planner
}

func New(cache CacheSource, orders OrderSource, p *planner.Planner) *Validator {
	if p == nil {
		p = planner.Default()
	}
	return &Validator{cache: cache, orders: orders, planner: p}
}

// Validate cross-checks the cache against the order store and the flag
// invariants. It never writes.
func (v *Validator) Validate(ctx context.Context) ([]Issue, error) {
	entries, err := v.cache.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list cache entries")
	}
	shipments, err := v.orders.ListShipments(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list shipments")
	}

	byOrder := make(map[string]*models.TrackingCacheEntry, len(entries))
	for _, e := range entries {
		byOrder[e.OrderID] = e
	}
	known := make(map[string]struct{}, len(shipments))
	var issues []Issue
	for _, sh := range shipments {
		known[sh.OrderID] = struct{}{}
		if sh.TrackingNumber == "" {
			continue
		}
		if _, ok := byOrder[sh.OrderID]; !ok {
			issues = append(issues, Issue{OrderID: sh.OrderID, Problems: []Problem{ProblemMissingCache}})
		}
	}

	for _, e := range entries {
		var problems []Problem
		if _, ok := known[e.OrderID]; !ok {
			problems = append(problems, ProblemOrphanedCache)
		}
		problems = append(problems, v.flagProblems(e)...)
		if len(problems) > 0 {
			id := e.ID
			issues = append(issues, Issue{OrderID: e.OrderID, CacheID: &id, Problems: problems})
		}
	}

	sort.SliceStable(issues, func(i, j int) bool { return issues[i].OrderID < issues[j].OrderID })
	if len(issues) > 0 {
		slog.Warn("consistency issues found", "count", len(issues))
	}
	return issues, nil
}

func (v *Validator) flagProblems(e *models.TrackingCacheEntry) []Problem {
	var out []Problem
	if v.planner.IsTerminal(e.CurrentStatus) && !e.IsDelivered {
		out = append(out, ProblemStaleDeliveredFlag)
	}
	if e.IsActive && e.IsDelivered {
		out = append(out, ProblemContradictoryFlags)
	}
	if !e.IsActive && !e.IsDelivered && !e.IsFailed {
		out = append(out, ProblemInertEntry)
	}
	return out
}

// Repair re-derives isActive/isDelivered for entries with flag problems. It
// never creates entries, tracking numbers or events. Returns the number of
// entries written.
func (v *Validator) Repair(ctx context.Context) (int, error) {
	issues, err := v.Validate(ctx)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, is := range issues {
		if is.CacheID == nil || !anyRepairable(is.Problems) {
			continue
		}
		if _, err := v.cache.Update(ctx, *is.CacheID, cachestore.Patch{Reschedule: true}); err != nil {
			return repaired, errors.Wrapf(err, "repair cache %d", *is.CacheID)
		}
		repaired++
		slog.Info("cache flags repaired", "cache_id", *is.CacheID, "order_id", is.OrderID, "issues", is.Problems)
	}
	return repaired, nil
}

func anyRepairable(ps []Problem) bool {
	for _, p := range ps {
		if p.Repairable() {
			return true
		}
	}
	return false
}
