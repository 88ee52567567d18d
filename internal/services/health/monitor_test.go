package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BearBump/TrackSync/internal/models"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type stubStats struct {
	jobs  models.JobStatistics
	cache models.CacheStatistics
	logs  models.UpdateLogStats
	err   error
	since time.Time
}

type jobStats struct{ s *stubStats }

func (j jobStats) Statistics(context.Context) (models.JobStatistics, error) {
	return j.s.jobs, j.s.err
}

type cacheStats struct{ s *stubStats }

func (c cacheStats) Statistics(context.Context) (models.CacheStatistics, error) {
	return c.s.cache, nil
}

func (s *stubStats) UpdateLogStats(_ context.Context, since time.Time) (models.UpdateLogStats, error) {
	s.since = since
	return s.logs, nil
}

func newMonitor(st *stubStats, th Thresholds) *Monitor {
	now := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	return New(jobStats{st}, cacheStats{st}, st, th).WithClock(func() time.Time { return now })
}

func TestCheck_Statuses(t *testing.T) {
	cases := []struct {
		name   string
		stats  stubStats
		want   Status
		alerts int
	}{
		{"healthy", stubStats{jobs: models.JobStatistics{Pending: 100}}, StatusHealthy, 0},
		{"critical on backlog", stubStats{jobs: models.JobStatistics{Pending: 101}}, StatusCritical, 1},
		{"degraded on failed caches", stubStats{cache: models.CacheStatistics{Failed: 21}}, StatusDegraded, 1},
		{"degraded on attention", stubStats{cache: models.CacheStatistics{RequiresAttention: 11}}, StatusDegraded, 1},
		{"critical wins", stubStats{
			jobs:  models.JobStatistics{Pending: 500},
			cache: models.CacheStatistics{Failed: 30, RequiresAttention: 30},
		}, StatusCritical, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := tc.stats
			r, err := newMonitor(&st, Thresholds{}).Check(context.Background())
			require.NoError(t, err)
			require.Equal(t, tc.want, r.Status)
			require.Len(t, r.Alerts, tc.alerts)
		})
	}
}

func TestCheck_MetricsAndWindow(t *testing.T) {
	st := &stubStats{
		jobs: models.JobStatistics{Pending: 3, Running: 1},
		logs: models.UpdateLogStats{Total: 4, Successful: 3, AverageDuration: 200 * time.Millisecond},
	}
	m := newMonitor(st, Thresholds{Window: time.Hour, MinSuccessRate: 0.9})
	r, err := m.Check(context.Background())
	require.NoError(t, err)

	require.Equal(t, time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC), st.since)
	require.Equal(t, 0.75, r.Metrics.SuccessRate)
	require.Equal(t, 200*time.Millisecond, r.Metrics.AvgProcessingTime)
	require.EqualValues(t, 1, r.Metrics.RunningJobs)
	require.Equal(t, StatusDegraded, r.Status)
	require.Contains(t, r.Alerts[0], "success rate")

	last, ok := m.Last()
	require.True(t, ok)
	require.Equal(t, r, last)
}

func TestCheck_PublishesGRPCStatus(t *testing.T) {
	hs := health.NewServer()
	st := &stubStats{jobs: models.JobStatistics{Pending: 1000}}
	m := newMonitor(st, Thresholds{}).WithStatusSink(hs, "tracksync.worker")

	_, err := m.Check(context.Background())
	require.NoError(t, err)
	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "tracksync.worker"})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	st.jobs.Pending = 0
	_, err = m.Check(context.Background())
	require.NoError(t, err)
	resp, err = hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "tracksync.worker"})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestCheck_Error(t *testing.T) {
	st := &stubStats{err: errors.New("db down")}
	m := newMonitor(st, Thresholds{})
	_, err := m.Check(context.Background())
	require.ErrorContains(t, err, "job statistics")
	_, ok := m.Last()
	require.False(t, ok)
}
