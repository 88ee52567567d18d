package planner

import (
	"fmt"
	"strings"
	"time"

	"github.com/BearBump/TrackSync/internal/apperr"
	"github.com/BearBump/TrackSync/internal/models"
)

// Category groups statuses that share a polling frequency.
type Category int

const (
	CategoryPreShipment Category = iota
	CategoryInTransit
	CategoryOutForDelivery
	CategoryExceptionHandling
	CategoryTerminal
)

func (c Category) String() string {
	switch c {
	case CategoryPreShipment:
		return "PRE_SHIPMENT"
	case CategoryInTransit:
		return "IN_TRANSIT"
	case CategoryOutForDelivery:
		return "OUT_FOR_DELIVERY"
	case CategoryExceptionHandling:
		return "EXCEPTION_HANDLING"
	case CategoryTerminal:
		return "TERMINAL"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

// CategoryOf maps every known status to its category. Statuses outside the
// enum are rejected rather than defaulted.
func CategoryOf(status models.TrackingStatus) (Category, error) {
	switch status {
	case models.TrackingStatusPending,
		models.TrackingStatusProcessing,
		models.TrackingStatusReadyToShip:
		return CategoryPreShipment, nil
	case models.TrackingStatusPickedUp,
		models.TrackingStatusInTransit:
		return CategoryInTransit, nil
	case models.TrackingStatusOutForDelivery:
		return CategoryOutForDelivery, nil
	case models.TrackingStatusException,
		models.TrackingStatusFailedDelivery:
		return CategoryExceptionHandling, nil
	case models.TrackingStatusDelivered,
		models.TrackingStatusCancelled:
		return CategoryTerminal, nil
	}
	return 0, apperr.E(apperr.KindConsistency, "planner.CategoryOf", "unknown tracking status", "status", string(status))
}

type Config struct {
	PreShipment       time.Duration // default: 24h
	InTransit         time.Duration // default: 2h
	OutForDelivery    time.Duration // default: 30m
	ExceptionHandling time.Duration // default: 1h

	DeliveryDayCap time.Duration // default: 30m
	MinFrequency   time.Duration // default: 15m
	MaxFrequency   time.Duration // default: 24h

	MaxBackoffExponent int     // default: 4 (16x)
	OffHoursMultiplier float64 // default: 1.5

	// TerminalHorizon is how far ahead the "do not schedule" sentinel sits.
	TerminalHorizon time.Duration // default: 365 days

	// Holidays are "2006-01-02" dates or recurring "01-02" month-day pairs.
	Holidays []string
	Location *time.Location // default: UTC

	RetryDelays []time.Duration // default: 60s, 300s, 900s
}

func DefaultConfig() Config {
	return Config{
		PreShipment:       24 * time.Hour,
		InTransit:         2 * time.Hour,
		OutForDelivery:    30 * time.Minute,
		ExceptionHandling: 1 * time.Hour,

		DeliveryDayCap: 30 * time.Minute,
		MinFrequency:   15 * time.Minute,
		MaxFrequency:   24 * time.Hour,

		MaxBackoffExponent: 4,
		OffHoursMultiplier: 1.5,

		TerminalHorizon: 365 * 24 * time.Hour,

		Location:    time.UTC,
		RetryDelays: []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second},
	}
}

type Planner struct {
	cfg      Config
	holidays map[string]struct{}
	yearly   map[string]struct{}
}

func New(cfg Config) (*Planner, error) {
	def := DefaultConfig()
	if cfg.PreShipment <= 0 {
		cfg.PreShipment = def.PreShipment
	}
	if cfg.InTransit <= 0 {
		cfg.InTransit = def.InTransit
	}
	if cfg.OutForDelivery <= 0 {
		cfg.OutForDelivery = def.OutForDelivery
	}
	if cfg.ExceptionHandling <= 0 {
		cfg.ExceptionHandling = def.ExceptionHandling
	}
	if cfg.DeliveryDayCap <= 0 {
		cfg.DeliveryDayCap = def.DeliveryDayCap
	}
	if cfg.MinFrequency <= 0 {
		cfg.MinFrequency = def.MinFrequency
	}
	if cfg.MaxFrequency <= 0 {
		cfg.MaxFrequency = def.MaxFrequency
	}
	if cfg.MaxFrequency < cfg.MinFrequency {
		return nil, apperr.Configuration("max polling frequency is below the minimum",
			"min", cfg.MinFrequency, "max", cfg.MaxFrequency)
	}
	if cfg.MaxBackoffExponent <= 0 {
		cfg.MaxBackoffExponent = def.MaxBackoffExponent
	}
	if cfg.OffHoursMultiplier <= 0 {
		cfg.OffHoursMultiplier = def.OffHoursMultiplier
	}
	if cfg.TerminalHorizon <= 0 {
		cfg.TerminalHorizon = def.TerminalHorizon
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = def.RetryDelays
	}

	p := &Planner{
		cfg:      cfg,
		holidays: make(map[string]struct{}),
		yearly:   make(map[string]struct{}),
	}
	for _, h := range cfg.Holidays {
		h = strings.TrimSpace(h)
		if _, err := time.Parse("2006-01-02", h); err == nil {
			p.holidays[h] = struct{}{}
			continue
		}
		if _, err := time.Parse("01-02", h); err == nil {
			p.yearly[h] = struct{}{}
			continue
		}
		return nil, apperr.Configuration("holiday must be YYYY-MM-DD or MM-DD", "value", h)
	}
	return p, nil
}

// Default returns a planner with the stock configuration.
func Default() *Planner {
	p, _ := New(DefaultConfig())
	return p
}

func (p *Planner) Config() Config { return p.cfg }

func (p *Planner) baseFrequency(c Category) time.Duration {
	switch c {
	case CategoryPreShipment:
		return p.cfg.PreShipment
	case CategoryInTransit:
		return p.cfg.InTransit
	case CategoryOutForDelivery:
		return p.cfg.OutForDelivery
	case CategoryExceptionHandling:
		return p.cfg.ExceptionHandling
	default:
		return 0
	}
}

// IsTerminal is true iff the status category never polls again.
func (p *Planner) IsTerminal(status models.TrackingStatus) bool {
	c, err := CategoryOf(status)
	return err == nil && p.baseFrequency(c) == 0
}

// Frequency is the effective polling interval; 0 means "never".
func (p *Planner) Frequency(status models.TrackingStatus, now time.Time, consecutiveFailures int, estimatedDelivery *time.Time) (time.Duration, error) {
	c, err := CategoryOf(status)
	if err != nil {
		return 0, err
	}
	freq := p.baseFrequency(c)
	if freq == 0 {
		return 0, nil
	}

	if estimatedDelivery != nil && p.isTodayOrTomorrow(*estimatedDelivery, now) && freq > p.cfg.DeliveryDayCap {
		freq = p.cfg.DeliveryDayCap
	}

	exp := consecutiveFailures
	if exp < 0 {
		exp = 0
	}
	if exp > p.cfg.MaxBackoffExponent {
		exp = p.cfg.MaxBackoffExponent
	}
	freq *= time.Duration(1) << uint(exp)

	if p.IsOffHours(now) {
		freq = time.Duration(float64(freq) * p.cfg.OffHoursMultiplier)
	}

	if freq < p.cfg.MinFrequency {
		freq = p.cfg.MinFrequency
	}
	if freq > p.cfg.MaxFrequency {
		freq = p.cfg.MaxFrequency
	}
	return freq, nil
}

// FrequencyMinutes is Frequency rounded to whole minutes.
func (p *Planner) FrequencyMinutes(status models.TrackingStatus, now time.Time, consecutiveFailures int, estimatedDelivery *time.Time) (int, error) {
	f, err := p.Frequency(status, now, consecutiveFailures, estimatedDelivery)
	if err != nil {
		return 0, err
	}
	return int(f / time.Minute), nil
}

func (p *Planner) NextUpdateDue(status models.TrackingStatus, now time.Time, consecutiveFailures int, estimatedDelivery *time.Time) (time.Time, error) {
	f, err := p.Frequency(status, now, consecutiveFailures, estimatedDelivery)
	if err != nil {
		return time.Time{}, err
	}
	if f == 0 {
		return p.Sentinel(now), nil
	}
	return now.Add(f), nil
}

// Sentinel is the far-future due time carried by terminal entries.
func (p *Planner) Sentinel(now time.Time) time.Time {
	return now.Add(p.cfg.TerminalHorizon)
}

// IsOffHours reports weekends and configured public holidays.
func (p *Planner) IsOffHours(now time.Time) bool {
	local := now.In(p.cfg.Location)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return true
	}
	if _, ok := p.holidays[local.Format("2006-01-02")]; ok {
		return true
	}
	_, ok := p.yearly[local.Format("01-02")]
	return ok
}

func (p *Planner) isTodayOrTomorrow(t, now time.Time) bool {
	ty, tm, td := t.In(p.cfg.Location).Date()
	target := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	ny, nm, nd := now.In(p.cfg.Location).Date()
	today := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	return target.Equal(today) || target.Equal(today.AddDate(0, 0, 1))
}

// RetryDelay indexes the retry table by attempt number (1-based), clamped to
// the last entry.
func (p *Planner) RetryDelay(attempts int) time.Duration {
	i := attempts - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.cfg.RetryDelays) {
		i = len(p.cfg.RetryDelays) - 1
	}
	return p.cfg.RetryDelays[i]
}

// JobPriority maps a job type to its queue priority; lower runs first.
func JobPriority(t models.JobType) int {
	switch t {
	case models.JobTypeManual:
		return 50
	case models.JobTypeRetry:
		return 75
	case models.JobTypeUpdate:
		return 100
	case models.JobTypeCleanup:
		return 200
	default:
		return 100
	}
}
