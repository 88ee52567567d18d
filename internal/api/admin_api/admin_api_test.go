package admin_api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BearBump/TrackSync/internal/apperr"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/BearBump/TrackSync/internal/services/consistency"
	"github.com/BearBump/TrackSync/internal/services/health"
	"github.com/BearBump/TrackSync/internal/services/processor"
	"github.com/BearBump/TrackSync/internal/services/scheduler"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type schedulerMock struct{ mock.Mock }

func (m *schedulerMock) TriggerManualUpdate(ctx context.Context, ids []string) (scheduler.ManualUpdateResult, error) {
	args := m.Called(ctx, ids)
	return args.Get(0).(scheduler.ManualUpdateResult), args.Error(1)
}

func (m *schedulerMock) TriggerCleanup(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *schedulerMock) TriggerRetryFailed(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *schedulerMock) TriggerDrain(ctx context.Context) (processor.BatchSummary, error) {
	args := m.Called(ctx)
	return args.Get(0).(processor.BatchSummary), args.Error(1)
}

func (m *schedulerMock) Status() []scheduler.TaskStatus { return []scheduler.TaskStatus{{Name: "urgent-drain"}} }
func (m *schedulerMock) Running() bool                  { return true }

type statsStub struct {
	cache models.CacheStatistics
	jobs  models.JobStatistics
	err   error
}

type cacheStatsStub struct{ *statsStub }

func (s cacheStatsStub) Statistics(context.Context) (models.CacheStatistics, error) {
	return s.cache, s.err
}

type jobStatsStub struct{ *statsStub }

func (s jobStatsStub) Statistics(context.Context) (models.JobStatistics, error) {
	return s.jobs, s.err
}

type healthStub struct{ rep health.Report }

func (h healthStub) Check(context.Context) (health.Report, error) { return h.rep, nil }

type consistencyStub struct {
	issues   []consistency.Issue
	repaired int
}

func (c *consistencyStub) Validate(context.Context) ([]consistency.Issue, error) {
	return c.issues, nil
}

func (c *consistencyStub) Repair(context.Context) (int, error) { return c.repaired, nil }

type logsStub struct {
	gotID    int64
	gotLimit int
}

func (l *logsStub) ListUpdateLogs(_ context.Context, cacheID int64, limit int) ([]*models.UpdateLog, error) {
	l.gotID, l.gotLimit = cacheID, limit
	return []*models.UpdateLog{{ID: 1, TrackingCacheID: cacheID, UpdateType: models.JobTypeUpdate}}, nil
}

type procStub struct{}

func (procStub) Stats() processor.Stats {
	return processor.Stats{Uptime: 2 * time.Hour, TotalJobs: 10}
}

type fixture struct {
	sched *schedulerMock
	stats *statsStub
	cons  *consistencyStub
	logs  *logsStub
	rep   health.Report
}

func newFixture() *fixture {
	return &fixture{
		sched: &schedulerMock{},
		stats: &statsStub{},
		cons:  &consistencyStub{},
		logs:  &logsStub{},
		rep:   health.Report{Status: health.StatusHealthy},
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	r := chi.NewRouter()
	New(Deps{
		Scheduler:   f.sched,
		Cache:       cacheStatsStub{f.stats},
		Jobs:        jobStatsStub{f.stats},
		Health:      healthStub{f.rep},
		Consistency: f.cons,
		Logs:        f.logs,
		Processor:   procStub{},
	}).Routes(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return w, out
}

func TestManualUpdate(t *testing.T) {
	f := newFixture()
	f.sched.On("TriggerManualUpdate", mock.Anything, []string{"ord-1", "ord-2"}).
		Return(scheduler.ManualUpdateResult{Enqueued: 1, NotFound: []string{"ord-2"}}, nil).Once()

	w, body := f.do(t, http.MethodPost, "/admin/updates", `{"orderIds":["ord-1"," ord-2 ","ord-1",""]}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	data := body["data"].(map[string]any)
	require.EqualValues(t, 1, data["enqueued"])
	require.Equal(t, []any{"ord-2"}, data["notFound"])
	f.sched.AssertExpectations(t)
}

func TestManualUpdate_Validation(t *testing.T) {
	f := newFixture()

	w, body := f.do(t, http.MethodPost, "/admin/updates", `{"orderIds":[]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "VALIDATION_ERROR", body["error"].(map[string]any)["code"])

	w, _ = f.do(t, http.MethodPost, "/admin/updates", `not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	ids := make([]string, maxManualOrderIDs+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("ord-%d", i)
	}
	b, _ := json.Marshal(map[string][]string{"orderIds": ids})
	w, _ = f.do(t, http.MethodPost, "/admin/updates", string(b))
	require.Equal(t, http.StatusBadRequest, w.Code)
	f.sched.AssertNotCalled(t, "TriggerManualUpdate", mock.Anything, mock.Anything)
}

func TestMaintenanceTriggers(t *testing.T) {
	f := newFixture()
	f.sched.On("TriggerCleanup", mock.Anything).Return(int64(4), nil).Once()
	f.sched.On("TriggerRetryFailed", mock.Anything).Return(2, nil).Once()
	f.sched.On("TriggerDrain", mock.Anything).Return(processor.BatchSummary{BatchID: "b-1", TotalJobs: 3}, nil).Once()

	w, body := f.do(t, http.MethodPost, "/admin/cleanup", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 4, body["data"].(map[string]any)["deletedJobs"])

	w, body = f.do(t, http.MethodPost, "/admin/jobs/retry-failed", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	require.EqualValues(t, 2, body["data"].(map[string]any)["retried"])

	w, body = f.do(t, http.MethodPost, "/admin/drain", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "b-1", body["data"].(map[string]any)["batchId"])
	f.sched.AssertExpectations(t)
}

func TestCacheStats(t *testing.T) {
	f := newFixture()
	f.stats.cache = models.CacheStatistics{Total: 5, Active: 3}
	f.stats.jobs = models.JobStatistics{Pending: 7}

	w, body := f.do(t, http.MethodGet, "/admin/cache/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]any)
	require.EqualValues(t, 5, data["cache"].(map[string]any)["total"])
	require.EqualValues(t, 7, data["jobs"].(map[string]any)["pending"])
	require.EqualValues(t, 5, data["processor"].(map[string]any)["jobsPerHour"])

	f.stats.err = errors.New("db down")
	w, _ = f.do(t, http.MethodGet, "/admin/cache/stats", "")
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestJobsHealth(t *testing.T) {
	f := newFixture()
	w, body := f.do(t, http.MethodGet, "/admin/jobs/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "HEALTHY", body["data"].(map[string]any)["status"])

	f.rep = health.Report{Status: health.StatusCritical, Alerts: []string{"pending jobs 150 > 100"}}
	w, body = f.do(t, http.MethodGet, "/admin/jobs/health", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "CRITICAL", body["data"].(map[string]any)["status"])
}

func TestConsistency(t *testing.T) {
	f := newFixture()
	w, body := f.do(t, http.MethodGet, "/admin/consistency", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]any)
	require.EqualValues(t, 0, data["count"])
	require.Equal(t, []any{}, data["issues"])

	f.cons.issues = []consistency.Issue{{OrderID: "ord-1", Problems: []consistency.Problem{consistency.ProblemMissingCache}}}
	f.cons.repaired = 3
	_, body = f.do(t, http.MethodGet, "/admin/consistency", "")
	require.EqualValues(t, 1, body["data"].(map[string]any)["count"])

	w, body = f.do(t, http.MethodPost, "/admin/consistency/repair", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 3, body["data"].(map[string]any)["repaired"])
}

func TestUpdateLogs(t *testing.T) {
	f := newFixture()
	w, body := f.do(t, http.MethodGet, "/admin/cache/42/logs?limit=9999", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["data"], 1)
	require.EqualValues(t, 42, f.logs.gotID)
	require.Equal(t, maxLogLimit, f.logs.gotLimit)

	_, _ = f.do(t, http.MethodGet, "/admin/cache/42/logs", "")
	require.Equal(t, defaultLogLimit, f.logs.gotLimit)

	w, _ = f.do(t, http.MethodGet, "/admin/cache/abc/logs", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = f.do(t, http.MethodGet, "/admin/cache/42/logs?limit=-1", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSchedulerStatus(t *testing.T) {
	f := newFixture()
	_, body := f.do(t, http.MethodGet, "/admin/scheduler", "")
	data := body["data"].(map[string]any)
	require.Equal(t, true, data["running"])
	require.Len(t, data["tasks"], 1)
}

func TestNotFoundMapping(t *testing.T) {
	f := newFixture()
	f.sched.On("TriggerDrain", mock.Anything).
		Return(processor.BatchSummary{}, apperr.NotFound("jobqueue", "job")).Once()
	w, _ := f.do(t, http.MethodPost, "/admin/drain", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}
