// Package admin_api exposes the operator controls of the worker: manual
// refreshes, maintenance triggers, consistency checks and audit logs.
package admin_api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/BearBump/TrackSync/internal/api/response"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/BearBump/TrackSync/internal/services/consistency"
	"github.com/BearBump/TrackSync/internal/services/health"
	"github.com/BearBump/TrackSync/internal/services/processor"
	"github.com/BearBump/TrackSync/internal/services/scheduler"
	"github.com/go-chi/chi/v5"
)

const (
	maxManualOrderIDs = 500
	defaultLogLimit   = 50
	maxLogLimit       = 500
)

type Scheduler interface {
	TriggerManualUpdate(ctx context.Context, orderIDs []string) (scheduler.ManualUpdateResult, error)
	TriggerCleanup(ctx context.Context) (int64, error)
	TriggerRetryFailed(ctx context.Context) (int, error)
	TriggerDrain(ctx context.Context) (processor.BatchSummary, error)
	Status() []scheduler.TaskStatus
	Running() bool
}

type CacheStats interface {
	Statistics(ctx context.Context) (models.CacheStatistics, error)
}

type JobStats interface {
	Statistics(ctx context.Context) (models.JobStatistics, error)
}

type HealthChecker interface {
	Check(ctx context.Context) (health.Report, error)
}

type Consistency interface {
	Validate(ctx context.Context) ([]consistency.Issue, error)
	Repair(ctx context.Context) (int, error)
}

type UpdateLogs interface {
	ListUpdateLogs(ctx context.Context, cacheID int64, limit int) ([]*models.UpdateLog, error)
}

type ProcessorStats interface {
	Stats() processor.Stats
}

type Deps struct {
	Scheduler   Scheduler
	Cache       CacheStats
	Jobs        JobStats
	Health      HealthChecker
	Consistency Consistency
	Logs        UpdateLogs
	Processor   ProcessorStats
}

type AdminAPI struct {
	d Deps
}

func New(d Deps) *AdminAPI {
	return &AdminAPI{d: d}
}

func (a *AdminAPI) Routes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Get("/cache/stats", a.CacheStats)
		r.Get("/cache/{cacheID}/logs", a.UpdateLogs)
		r.Get("/jobs/health", a.JobsHealth)
		r.Post("/jobs/retry-failed", a.RetryFailed)
		r.Post("/updates", a.ManualUpdate)
		r.Post("/cleanup", a.Cleanup)
		r.Post("/drain", a.Drain)
		r.Get("/consistency", a.Validate)
		r.Post("/consistency/repair", a.Repair)
		r.Get("/scheduler", a.SchedulerStatus)
	})
}

type cacheStatsResponse struct {
	Cache     models.CacheStatistics `json:"cache"`
	Jobs      models.JobStatistics   `json:"jobs"`
	Processor *processorStats        `json:"processor,omitempty"`
}

type processorStats struct {
	processor.Stats
	JobsPerHour float64 `json:"jobsPerHour"`
}

func (a *AdminAPI) CacheStats(w http.ResponseWriter, r *http.Request) {
	cs, err := a.d.Cache.Statistics(r.Context())
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	js, err := a.d.Jobs.Statistics(r.Context())
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	out := cacheStatsResponse{Cache: cs, Jobs: js}
	if a.d.Processor != nil {
		st := a.d.Processor.Stats()
		out.Processor = &processorStats{Stats: st, JobsPerHour: st.JobsPerHour()}
	}
	response.JSON(w, out)
}

// JobsHealth answers 503 while the monitor reports CRITICAL, so load
// balancers and probes can act on the status code alone.
func (a *AdminAPI) JobsHealth(w http.ResponseWriter, r *http.Request) {
	rep, err := a.d.Health.Check(r.Context())
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	if rep.Status == health.StatusCritical {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": rep})
		return
	}
	response.JSON(w, rep)
}

type manualUpdateRequest struct {
	OrderIDs []string `json:"orderIds"`
}

func (a *AdminAPI) ManualUpdate(w http.ResponseWriter, r *http.Request) {
	var req manualUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body", nil)
		return
	}
	ids := make([]string, 0, len(req.OrderIDs))
	seen := make(map[string]struct{}, len(req.OrderIDs))
	for _, id := range req.OrderIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "orderIds must not be empty", nil)
		return
	}
	if len(ids) > maxManualOrderIDs {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "too many orderIds",
			map[string]int{"max": maxManualOrderIDs})
		return
	}

	res, err := a.d.Scheduler.TriggerManualUpdate(r.Context(), ids)
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.Accepted(w, res)
}

func (a *AdminAPI) Cleanup(w http.ResponseWriter, r *http.Request) {
	n, err := a.d.Scheduler.TriggerCleanup(r.Context())
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.JSON(w, map[string]int64{"deletedJobs": n})
}

func (a *AdminAPI) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := a.d.Scheduler.TriggerRetryFailed(r.Context())
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.Accepted(w, map[string]int{"retried": n})
}

func (a *AdminAPI) Drain(w http.ResponseWriter, r *http.Request) {
	sum, err := a.d.Scheduler.TriggerDrain(r.Context())
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.JSON(w, sum)
}

type validateResponse struct {
	Count  int                 `json:"count"`
	Issues []consistency.Issue `json:"issues"`
}

func (a *AdminAPI) Validate(w http.ResponseWriter, r *http.Request) {
	issues, err := a.d.Consistency.Validate(r.Context())
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	if issues == nil {
		issues = []consistency.Issue{}
	}
	response.JSON(w, validateResponse{Count: len(issues), Issues: issues})
}

func (a *AdminAPI) Repair(w http.ResponseWriter, r *http.Request) {
	n, err := a.d.Consistency.Repair(r.Context())
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.JSON(w, map[string]int{"repaired": n})
}

func (a *AdminAPI) UpdateLogs(w http.ResponseWriter, r *http.Request) {
	cacheID, err := strconv.ParseInt(chi.URLParam(r, "cacheID"), 10, 64)
	if err != nil || cacheID <= 0 {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "cacheID must be a positive integer", nil)
		return
	}
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer", nil)
			return
		}
		limit = min(n, maxLogLimit)
	}

	logs, err := a.d.Logs.ListUpdateLogs(r.Context(), cacheID, limit)
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*models.UpdateLog{}
	}
	response.JSON(w, logs)
}

func (a *AdminAPI) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, map[string]any{
		"running": a.d.Scheduler.Running(),
		"tasks":   a.d.Scheduler.Status(),
	})
}
