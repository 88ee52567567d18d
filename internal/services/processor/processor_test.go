package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/TrackSync/internal/broker/messages"
	"github.com/BearBump/TrackSync/internal/cache/rediscache"
	"github.com/BearBump/TrackSync/internal/integrations/carrier"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/BearBump/TrackSync/internal/services/cachestore"
	"github.com/BearBump/TrackSync/internal/services/jobqueue"
	"github.com/BearBump/TrackSync/internal/services/planner"
	"github.com/BearBump/TrackSync/internal/storage/memtracking"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/suite"
)

type stubCarrier struct {
	mu      sync.Mutex
	results map[string]carrier.Result
	errs    map[string]error
	block   bool
	delay   time.Duration
	calls   int
	cur     int
	peak    int
}

func (c *stubCarrier) Lookup(ctx context.Context, trackingNumber, _ string) (carrier.Result, error) {
	c.mu.Lock()
	c.calls++
	c.cur++
	if c.cur > c.peak {
		c.peak = c.cur
	}
	block, delay := c.block, c.delay
	res, err := c.results[trackingNumber], c.errs[trackingNumber]
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cur--
		c.mu.Unlock()
	}()

	if block {
		<-ctx.Done()
		return carrier.Result{}, ctx.Err()
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return res, err
}

type recordingProducer struct {
	mu   sync.Mutex
	msgs []messages.TrackingUpdated
}

func (p *recordingProducer) Publish(_ context.Context, _ string, _, value []byte) error {
	var m messages.TrackingUpdated
	if err := json.Unmarshal(value, &m); err != nil {
		return err
	}
	p.mu.Lock()
	p.msgs = append(p.msgs, m)
	p.mu.Unlock()
	return nil
}

type ProcessorSuite struct {
	suite.Suite
	ctx      context.Context
	now      time.Time
	store    *memtracking.Storage
	cache    *cachestore.Service
	queue    *jobqueue.Queue
	carrier  *stubCarrier
	producer *recordingProducer
	proc     *Processor
}

func (s *ProcessorSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return s.now }

	s.store = memtracking.New().WithClock(clock)
	p := planner.Default()
	s.cache = cachestore.New(s.store, s.store, p, nil, cachestore.Config{}).WithClock(clock)
	s.queue = jobqueue.New(s.store, p, jobqueue.Config{}).WithClock(clock)
	s.carrier = &stubCarrier{results: map[string]carrier.Result{}, errs: map[string]error{}}
	s.producer = &recordingProducer{}
	s.proc = New(s.queue, s.cache, s.store, s.carrier, Config{CallTimeout: 50 * time.Millisecond}).
		WithProducer(s.producer).
		WithClock(clock)
}

func (s *ProcessorSuite) entry(orderID string, status models.TrackingStatus) *models.TrackingCacheEntry {
	s.store.PutShipment(models.Shipment{OrderID: orderID, TrackingNumber: "TN-" + orderID, CourierService: "jnt"})
	e, err := s.cache.Create(s.ctx, orderID, cachestore.InitialState{Status: &status})
	s.Require().NoError(err)
	return e
}

func (s *ProcessorSuite) job(cacheID int64, t models.JobType, attempts int) *models.Job {
	j, err := s.store.InsertJob(s.ctx, &models.Job{
		TrackingCacheID: &cacheID, JobType: t, Priority: planner.JobPriority(t),
		ScheduledFor: s.now, Status: models.JobStatusPending, Attempts: attempts, MaxAttempts: 3,
	})
	s.Require().NoError(err)
	return j
}

func (s *ProcessorSuite) reload(id int64) *models.TrackingCacheEntry {
	e, ok, err := s.cache.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Require().True(ok)
	return e
}

func (s *ProcessorSuite) reloadJob(id int64) *models.Job {
	j, ok, err := s.store.GetJob(s.ctx, id)
	s.Require().NoError(err)
	s.Require().True(ok)
	return j
}

func (s *ProcessorSuite) logs(cacheID int64) []*models.UpdateLog {
	l, err := s.store.ListUpdateLogs(s.ctx, cacheID, 10)
	s.Require().NoError(err)
	return l
}

func (s *ProcessorSuite) TestSuccessAppliesResult() {
	e := s.entry("o1", models.TrackingStatusInTransit)
	j := s.job(e.ID, models.JobTypeUpdate, 0)
	s.carrier.results["TN-o1"] = carrier.Result{
		Status: models.TrackingStatusOutForDelivery,
		Events: []models.TrackingEvent{
			{Code: "IT", Name: "In transit", Timestamp: s.now.Add(-3 * time.Hour)},
			{Code: "OFD", Name: "Out for delivery", Timestamp: s.now.Add(-time.Hour)},
		},
	}

	sum, err := s.proc.ProcessDue(s.ctx, 10, 3)
	s.Require().NoError(err)
	s.Equal(1, sum.TotalJobs)
	s.Equal(1, sum.SuccessfulJobs)
	s.NotEmpty(sum.BatchID)

	got := s.reload(e.ID)
	s.Equal(models.TrackingStatusOutForDelivery, got.CurrentStatus)
	s.Len(got.TrackingEvents, 2)
	s.Equal(s.now.Add(30*time.Minute), got.NextUpdateDue)
	s.Require().NotNil(got.LastAPIUpdate)
	s.Zero(got.ConsecutiveFailures)

	s.Equal(models.JobStatusCompleted, s.reloadJob(j.ID).Status)

	l := s.logs(e.ID)
	s.Require().Len(l, 1)
	s.True(l[0].APICallSuccess)
	s.True(l[0].StatusChanged)
	s.Equal(2, l[0].EventsAdded)

	s.Require().Len(s.producer.msgs, 1)
	s.Equal("o1", s.producer.msgs[0].OrderID)
	s.Equal("IN_TRANSIT", s.producer.msgs[0].PreviousStatus)
	s.Len(s.producer.msgs[0].Events, 2)
}

func (s *ProcessorSuite) TestUnchangedResultPublishesNothing() {
	e := s.entry("o1", models.TrackingStatusInTransit)
	s.job(e.ID, models.JobTypeUpdate, 0)
	s.carrier.results["TN-o1"] = carrier.Result{Status: models.TrackingStatusInTransit}

	sum, err := s.proc.ProcessDue(s.ctx, 10, 3)
	s.Require().NoError(err)
	s.Equal(1, sum.SuccessfulJobs)
	s.Empty(s.producer.msgs)
	s.Equal(s.now.Add(2*time.Hour), s.reload(e.ID).NextUpdateDue)
}

func (s *ProcessorSuite) TestDeliveredSetsActualDelivery() {
	e := s.entry("o1", models.TrackingStatusOutForDelivery)
	s.job(e.ID, models.JobTypeUpdate, 0)
	s.carrier.results["TN-o1"] = carrier.Result{Status: models.TrackingStatusDelivered}

	_, err := s.proc.ProcessDue(s.ctx, 10, 3)
	s.Require().NoError(err)
	got := s.reload(e.ID)
	s.True(got.IsDelivered)
	s.False(got.IsActive)
	s.Require().NotNil(got.ActualDelivery)
	s.Equal(s.now, *got.ActualDelivery)
}

func (s *ProcessorSuite) TestTransientFailureBacksOff() {
	e := s.entry("o1", models.TrackingStatusInTransit)
	j := s.job(e.ID, models.JobTypeUpdate, 0)
	s.carrier.errs["TN-o1"] = carrier.Transient("stub", carrier.ReasonTransient, errors.New("503"))

	sum, err := s.proc.ProcessDue(s.ctx, 10, 3)
	s.Require().NoError(err)
	s.Equal(1, sum.FailedJobs)
	s.Len(sum.Errors, 1)

	got := s.reload(e.ID)
	s.Equal(1, got.ConsecutiveFailures)
	s.Equal(s.now.Add(4*time.Hour), got.NextUpdateDue)
	s.False(got.RequiresAttention)

	job := s.reloadJob(j.ID)
	s.Equal(models.JobStatusPending, job.Status)
	s.Equal(1, job.Attempts)
	s.Equal(s.now.Add(time.Minute), job.ScheduledFor)

	l := s.logs(e.ID)
	s.Require().Len(l, 1)
	s.False(l[0].APICallSuccess)
	s.Require().NotNil(l[0].APIErrorMessage)
	s.Contains(*l[0].APIErrorMessage, "503")
}

func (s *ProcessorSuite) TestLastAttemptFailsJobAndFlagsEntry() {
	e := s.entry("o1", models.TrackingStatusInTransit)
	j := s.job(e.ID, models.JobTypeUpdate, 2)
	s.carrier.errs["TN-o1"] = errors.New("connection reset")

	_, err := s.proc.ProcessDue(s.ctx, 10, 3)
	s.Require().NoError(err)

	job := s.reloadJob(j.ID)
	s.Equal(models.JobStatusFailed, job.Status)
	s.Equal(3, job.Attempts)

	got := s.reload(e.ID)
	s.Equal(1, got.ConsecutiveFailures)
	s.True(got.RequiresAttention)
	s.False(got.IsFailed)

	// No automatic retry of a FAILED job.
	s.now = s.now.Add(time.Hour)
	sum, err := s.proc.ProcessDue(s.ctx, 10, 3)
	s.Require().NoError(err)
	s.Zero(sum.TotalJobs)
}

func (s *ProcessorSuite) TestPermanentFailureFailsImmediately() {
	e := s.entry("o1", models.TrackingStatusInTransit)
	j := s.job(e.ID, models.JobTypeUpdate, 0)
	s.carrier.errs["TN-o1"] = carrier.Permanent("stub", carrier.ReasonNotFound, errors.New("404"))

	_, err := s.proc.ProcessDue(s.ctx, 10, 3)
	s.Require().NoError(err)
	s.Equal(models.JobStatusFailed, s.reloadJob(j.ID).Status)
	s.True(s.reload(e.ID).RequiresAttention)
}

func (s *ProcessorSuite) TestTooManyFailuresMarksEntryFailed() {
	e := s.entry("o1", models.TrackingStatusInTransit)
	five := 5
	_, err := s.cache.Update(s.ctx, e.ID, cachestore.Patch{ConsecutiveFailures: &five})
	s.Require().NoError(err)
	s.job(e.ID, models.JobTypeUpdate, 0)
	s.carrier.errs["TN-o1"] = errors.New("still down")

	_, err = s.proc.ProcessDue(s.ctx, 10, 3)
	s.Require().NoError(err)

	got := s.reload(e.ID)
	s.Equal(6, got.ConsecutiveFailures)
	s.True(got.IsFailed)
	s.False(got.IsActive)
	s.True(got.RequiresAttention)
}

func (s *ProcessorSuite) TestSuccessClearsFlags() {
	e := s.entry("o1", models.TrackingStatusInTransit)
	yes, three := true, 3
	_, err := s.cache.Update(s.ctx, e.ID, cachestore.Patch{ConsecutiveFailures: &three, IsFailed: &yes, RequiresAttention: &yes})
	s.Require().NoError(err)
	s.job(e.ID, models.JobTypeManual, 0)
	s.carrier.results["TN-o1"] = carrier.Result{Status: models.TrackingStatusInTransit}

	sum, err := s.proc.ProcessDue(s.ctx, 10, 3)
	s.Require().NoError(err)
	s.Equal(1, sum.SuccessfulJobs)

	got := s.reload(e.ID)
	s.Zero(got.ConsecutiveFailures)
	s.False(got.IsFailed)
	s.False(got.RequiresAttention)
	s.True(got.IsActive)
}

func (s *ProcessorSuite) TestSkipsTerminalAndFailedForScheduledJobs() {
	d := s.entry("delivered", models.TrackingStatusDelivered)
	f := s.entry("failed", models.TrackingStatusInTransit)
	yes := true
	_, err := s.cache.Update(s.ctx, f.ID, cachestore.Patch{IsFailed: &yes})
	s.Require().NoError(err)

	jd := s.job(d.ID, models.JobTypeUpdate, 0)
	jf := s.job(f.ID, models.JobTypeRetry, 0)

	sum, err := s.proc.ProcessDue(s.ctx, 10, 3)
	s.Require().NoError(err)
	s.Equal(2, sum.SkippedJobs)
	s.Zero(s.carrier.calls)
	s.Equal(models.JobStatusCompleted, s.reloadJob(jd.ID).Status)
	s.Equal(models.JobStatusCompleted, s.reloadJob(jf.ID).Status)
}

func (s *ProcessorSuite) TestManualJobPollsTerminalEntry() {
	d := s.entry("delivered", models.TrackingStatusDelivered)
	s.job(d.ID, models.JobTypeManual, 0)
	s.carrier.results["TN-delivered"] = carrier.Result{Status: models.TrackingStatusDelivered}

	sum, err := s.proc.ProcessDue(s.ctx, 10, 3)
	s.Require().NoError(err)
	s.Equal(1, sum.SuccessfulJobs)
	s.Equal(1, s.carrier.calls)
}

func (s *ProcessorSuite) TestManualSuccessCompletesPendingUpdate() {
	e := s.entry("o1", models.TrackingStatusInTransit)
	upd := s.job(e.ID, models.JobTypeUpdate, 0)
	man := s.job(e.ID, models.JobTypeManual, 0)
	s.carrier.results["TN-o1"] = carrier.Result{Status: models.TrackingStatusInTransit}

	sum, err := s.proc.ProcessDue(s.ctx, 10, 3)
	s.Require().NoError(err)
	s.Equal(1, sum.SuccessfulJobs)
	s.Equal(models.JobStatusCompleted, s.reloadJob(man.ID).Status)
	got := s.reloadJob(upd.ID)
	s.Equal(models.JobStatusCompleted, got.Status)
	s.Require().NotNil(got.CompletedAt)
	s.Zero(got.Attempts)

	sum, err = s.proc.ProcessDue(s.ctx, 10, 3)
	s.Require().NoError(err)
	s.Zero(sum.TotalJobs)
	s.Equal(1, s.carrier.calls)
}

func (s *ProcessorSuite) TestBudgetExhaustedReleasesJob() {
	mr := miniredis.RunT(s.T())
	rl := rediscache.NewRateLimiter(mr.Addr())
	s.proc.WithBudget(NewBudget(rl, BudgetConfig{DailyLimit: 1}))

	a := s.entry("a", models.TrackingStatusInTransit)
	b := s.entry("b", models.TrackingStatusInTransit)
	s.job(a.ID, models.JobTypeUpdate, 0)
	jb := s.job(b.ID, models.JobTypeUpdate, 0)
	s.carrier.results["TN-a"] = carrier.Result{Status: models.TrackingStatusInTransit}
	s.carrier.results["TN-b"] = carrier.Result{Status: models.TrackingStatusInTransit}

	sum, err := s.proc.ProcessDue(s.ctx, 10, 1)
	s.Require().NoError(err)
	s.Equal(1, sum.SuccessfulJobs)
	s.Equal(1, sum.SkippedJobs)
	s.Equal(1, s.carrier.calls)

	job := s.reloadJob(jb.ID)
	s.Equal(models.JobStatusPending, job.Status)
	s.Zero(job.Attempts)
	s.Equal(time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC), job.ScheduledFor)
}

func (s *ProcessorSuite) TestTimeoutCountsAsFailure() {
	e := s.entry("o1", models.TrackingStatusInTransit)
	j := s.job(e.ID, models.JobTypeUpdate, 0)
	s.carrier.block = true

	sum, err := s.proc.ProcessDue(s.ctx, 10, 3)
	s.Require().NoError(err)
	s.Equal(1, sum.FailedJobs)
	s.Equal(models.JobStatusPending, s.reloadJob(j.ID).Status)
	s.Equal(1, s.reload(e.ID).ConsecutiveFailures)
}

func (s *ProcessorSuite) TestUnknownStatusIsMalformed() {
	e := s.entry("o1", models.TrackingStatusInTransit)
	s.job(e.ID, models.JobTypeUpdate, 0)
	s.carrier.results["TN-o1"] = carrier.Result{Status: "WHO_KNOWS"}

	sum, err := s.proc.ProcessDue(s.ctx, 10, 3)
	s.Require().NoError(err)
	s.Equal(1, sum.FailedJobs)
	s.Equal(models.TrackingStatusInTransit, s.reload(e.ID).CurrentStatus)
}

func (s *ProcessorSuite) TestCleanupJobRunsCleaner() {
	called := 0
	s.proc.WithCleaner(func(context.Context) error {
		called++
		return nil
	})
	j, err := s.queue.EnqueueCleanup(s.ctx, s.now)
	s.Require().NoError(err)

	sum, err := s.proc.ProcessDue(s.ctx, 10, 3)
	s.Require().NoError(err)
	s.Equal(1, sum.SuccessfulJobs)
	s.Equal(1, called)
	s.Equal(models.JobStatusCompleted, s.reloadJob(j.ID).Status)
}

func (s *ProcessorSuite) TestFanOutIsBounded() {
	s.carrier.delay = 20 * time.Millisecond
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		e := s.entry(id, models.TrackingStatusInTransit)
		s.job(e.ID, models.JobTypeUpdate, 0)
		s.carrier.results["TN-"+id] = carrier.Result{Status: models.TrackingStatusInTransit}
	}

	sum, err := s.proc.ProcessDue(s.ctx, 10, 2)
	s.Require().NoError(err)
	s.Equal(6, sum.SuccessfulJobs)
	s.LessOrEqual(s.carrier.peak, 2)

	st := s.proc.Stats()
	s.EqualValues(6, st.TotalJobs)
	s.EqualValues(6, st.TotalSucceeded)
	s.Zero(st.InFlight)
	s.NotNil(st.LastBatchAt)
}

func TestProcessorSuite(t *testing.T) {
	suite.Run(t, new(ProcessorSuite))
}
