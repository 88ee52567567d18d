package planner

import (
	"testing"
	"time"

	"github.com/BearBump/TrackSync/internal/apperr"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/stretchr/testify/suite"
)

type PlannerSuite struct {
	suite.Suite
	p *Planner

	wednesday time.Time
	saturday  time.Time
}

func (s *PlannerSuite) SetupTest() {
	s.p = Default()
	s.wednesday = time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	s.saturday = time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)
}

func (s *PlannerSuite) TestCategoryFrequencies() {
	cases := map[models.TrackingStatus]time.Duration{
		models.TrackingStatusPending:        24 * time.Hour,
		models.TrackingStatusReadyToShip:    24 * time.Hour,
		models.TrackingStatusPickedUp:       2 * time.Hour,
		models.TrackingStatusInTransit:      2 * time.Hour,
		models.TrackingStatusOutForDelivery: 30 * time.Minute,
		models.TrackingStatusException:      1 * time.Hour,
		models.TrackingStatusFailedDelivery: 1 * time.Hour,
		models.TrackingStatusDelivered:      0,
		models.TrackingStatusCancelled:      0,
	}
	for st, want := range cases {
		got, err := s.p.Frequency(st, s.wednesday, 0, nil)
		s.Require().NoError(err)
		s.Equal(want, got, st)
	}
}

func (s *PlannerSuite) TestTerminalIffSentinel() {
	for _, st := range models.AllTrackingStatuses() {
		due, err := s.p.NextUpdateDue(st, s.wednesday, 0, nil)
		s.Require().NoError(err)
		s.Equal(s.p.IsTerminal(st), due.Equal(s.p.Sentinel(s.wednesday)), st)
	}
}

func (s *PlannerSuite) TestClampBounds() {
	for _, now := range []time.Time{s.wednesday, s.saturday} {
		for _, st := range models.AllTrackingStatuses() {
			if s.p.IsTerminal(st) {
				continue
			}
			for failures := 0; failures <= 8; failures++ {
				due, err := s.p.NextUpdateDue(st, now, failures, nil)
				s.Require().NoError(err)
				d := due.Sub(now)
				s.GreaterOrEqual(d, 15*time.Minute)
				s.LessOrEqual(d, 24*time.Hour)
			}
		}
	}
}

func (s *PlannerSuite) TestBackoffMonotonicUpToCap() {
	for _, st := range []models.TrackingStatus{
		models.TrackingStatusInTransit,
		models.TrackingStatusOutForDelivery,
		models.TrackingStatusException,
	} {
		prev := time.Duration(0)
		for failures := 0; failures <= 4; failures++ {
			f, err := s.p.Frequency(st, s.wednesday, failures, nil)
			s.Require().NoError(err)
			s.GreaterOrEqual(f, prev)
			prev = f
		}
		for failures := 5; failures <= 10; failures++ {
			f, err := s.p.Frequency(st, s.wednesday, failures, nil)
			s.Require().NoError(err)
			s.Equal(prev, f)
		}
	}
}

func (s *PlannerSuite) TestInTransitBackoffScenario() {
	m, err := s.p.FrequencyMinutes(models.TrackingStatusInTransit, s.wednesday, 0, nil)
	s.Require().NoError(err)
	s.Equal(120, m)

	m, err = s.p.FrequencyMinutes(models.TrackingStatusInTransit, s.wednesday, 3, nil)
	s.Require().NoError(err)
	s.Equal(960, m)
}

func (s *PlannerSuite) TestDeliveryDayCap() {
	tomorrow := s.wednesday.Add(26 * time.Hour)
	f, err := s.p.Frequency(models.TrackingStatusInTransit, s.wednesday, 0, &tomorrow)
	s.Require().NoError(err)
	s.Equal(30*time.Minute, f)

	later := s.wednesday.AddDate(0, 0, 3)
	f, err = s.p.Frequency(models.TrackingStatusInTransit, s.wednesday, 0, &later)
	s.Require().NoError(err)
	s.Equal(2*time.Hour, f)

	// The cap applies before backoff.
	f, err = s.p.Frequency(models.TrackingStatusPending, s.wednesday, 1, &tomorrow)
	s.Require().NoError(err)
	s.Equal(time.Hour, f)
}

func (s *PlannerSuite) TestDeliveryDayUsesConfiguredZone() {
	loc := time.FixedZone("UTC+3", 3*3600)
	cfg := DefaultConfig()
	cfg.Location = loc
	p, err := New(cfg)
	s.Require().NoError(err)

	// 22:30 UTC on Wednesday is already Thursday locally, so a Friday
	// delivery is "tomorrow" there but two days out in UTC.
	now := time.Date(2026, 10, 14, 22, 30, 0, 0, time.UTC)
	eta := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	f, err := p.Frequency(models.TrackingStatusInTransit, now, 0, &eta)
	s.Require().NoError(err)
	s.Equal(30*time.Minute, f)

	f, err = s.p.Frequency(models.TrackingStatusInTransit, now, 0, &eta)
	s.Require().NoError(err)
	s.Equal(2*time.Hour, f)
}

func (s *PlannerSuite) TestWeekendAndHolidayMultiplier() {
	f, err := s.p.Frequency(models.TrackingStatusInTransit, s.saturday, 0, nil)
	s.Require().NoError(err)
	s.Equal(3*time.Hour, f)

	cfg := DefaultConfig()
	cfg.Holidays = []string{"12-25", "2026-11-04"}
	p, err := New(cfg)
	s.Require().NoError(err)

	christmas := time.Date(2026, 12, 25, 9, 0, 0, 0, time.UTC)
	s.True(p.IsOffHours(christmas))
	s.True(p.IsOffHours(time.Date(2026, 11, 4, 9, 0, 0, 0, time.UTC)))
	s.False(p.IsOffHours(time.Date(2027, 11, 4, 9, 0, 0, 0, time.UTC)))

	f, err = p.Frequency(models.TrackingStatusOutForDelivery, christmas, 0, nil)
	s.Require().NoError(err)
	s.Equal(45*time.Minute, f)

	// 24h * 1.5 is clamped.
	f, err = p.Frequency(models.TrackingStatusPending, christmas, 0, nil)
	s.Require().NoError(err)
	s.Equal(24*time.Hour, f)
}

func (s *PlannerSuite) TestUnknownStatusRejected() {
	_, err := s.p.NextUpdateDue("LOST_IN_SPACE", s.wednesday, 0, nil)
	s.Require().Error(err)
	s.True(apperr.Is(err, apperr.KindConsistency))
	s.False(s.p.IsTerminal("LOST_IN_SPACE"))
}

func (s *PlannerSuite) TestInvalidConfig() {
	cfg := DefaultConfig()
	cfg.Holidays = []string{"christmas"}
	_, err := New(cfg)
	s.True(apperr.Is(err, apperr.KindConfiguration))

	cfg = DefaultConfig()
	cfg.MinFrequency = 2 * time.Hour
	cfg.MaxFrequency = time.Hour
	_, err = New(cfg)
	s.True(apperr.Is(err, apperr.KindConfiguration))
}

func (s *PlannerSuite) TestRetryDelay() {
	s.Equal(60*time.Second, s.p.RetryDelay(1))
	s.Equal(300*time.Second, s.p.RetryDelay(2))
	s.Equal(900*time.Second, s.p.RetryDelay(3))
	s.Equal(900*time.Second, s.p.RetryDelay(10))
	s.Equal(60*time.Second, s.p.RetryDelay(0))
}

func (s *PlannerSuite) TestJobPriority() {
	s.Equal(50, JobPriority(models.JobTypeManual))
	s.Equal(75, JobPriority(models.JobTypeRetry))
	s.Equal(100, JobPriority(models.JobTypeUpdate))
	s.Equal(200, JobPriority(models.JobTypeCleanup))
	s.Equal(100, JobPriority("SOMETHING_ELSE"))
}

func TestPlannerSuite(t *testing.T) {
	suite.Run(t, new(PlannerSuite))
}
