package models

import (
	"strings"
	"time"
)

// TrackingStatus is the normalized courier status of a shipment.
type TrackingStatus string

const (
	TrackingStatusPending        TrackingStatus = "PENDING"
	TrackingStatusProcessing     TrackingStatus = "PROCESSING"
	TrackingStatusReadyToShip    TrackingStatus = "READY_TO_SHIP"
	TrackingStatusPickedUp       TrackingStatus = "PICKED_UP"
	TrackingStatusInTransit      TrackingStatus = "IN_TRANSIT"
	TrackingStatusOutForDelivery TrackingStatus = "OUT_FOR_DELIVERY"
	TrackingStatusException      TrackingStatus = "EXCEPTION"
	TrackingStatusFailedDelivery TrackingStatus = "FAILED_DELIVERY"
	TrackingStatusDelivered      TrackingStatus = "DELIVERED"
	TrackingStatusCancelled      TrackingStatus = "CANCELLED"
)

// AllTrackingStatuses lists every status in lifecycle order.
func AllTrackingStatuses() []TrackingStatus {
	return []TrackingStatus{
		TrackingStatusPending,
		TrackingStatusProcessing,
		TrackingStatusReadyToShip,
		TrackingStatusPickedUp,
		TrackingStatusInTransit,
		TrackingStatusOutForDelivery,
		TrackingStatusException,
		TrackingStatusFailedDelivery,
		TrackingStatusDelivered,
		TrackingStatusCancelled,
	}
}

// ParseTrackingStatus accepts courier spellings case-insensitively and with
// spaces or dashes instead of underscores.
func ParseTrackingStatus(s string) (TrackingStatus, bool) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	for _, st := range AllTrackingStatuses() {
		if string(st) == norm {
			return st, true
		}
	}
	return "", false
}

// TrackingEvent is one courier scan. Events are identified by (Code, Timestamp).
type TrackingEvent struct {
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Location    *string   `json:"location,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Timezone    *string   `json:"timezone,omitempty"`
	Source      *string   `json:"source,omitempty"`
}

// Key identifies an event for de-duplication against stored history.
func (e TrackingEvent) Key() string {
	return e.Code + "|" + e.Timestamp.UTC().Format(time.RFC3339Nano)
}

type TrackingCacheEntry struct {
	ID                     int64           `json:"id"`
	OrderID                string          `json:"orderId"`
	CourierTrackingNumber  string          `json:"courierTrackingNumber"`
	CourierService         string          `json:"courierService"`
	CurrentStatus          TrackingStatus  `json:"currentStatus"`
	LastStatusUpdate       time.Time       `json:"lastStatusUpdate"`
	TrackingEvents         []TrackingEvent `json:"trackingEvents"`
	EstimatedDelivery      *time.Time      `json:"estimatedDelivery,omitempty"`
	ActualDelivery         *time.Time      `json:"actualDelivery,omitempty"`
	LastAPIUpdate          *time.Time      `json:"lastApiUpdate,omitempty"`
	NextUpdateDue          time.Time       `json:"nextUpdateDue"`
	UpdateFrequencyMinutes int             `json:"updateFrequencyMinutes"`
	ConsecutiveFailures    int             `json:"consecutiveFailures"`
	IsDelivered            bool            `json:"isDelivered"`
	IsActive               bool            `json:"isActive"`
	IsFailed               bool            `json:"isFailed"`
	RequiresAttention      bool            `json:"requiresAttention"`
	Version                int64           `json:"version"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy, so stores never hand out shared slices.
func (e *TrackingCacheEntry) Clone() *TrackingCacheEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.TrackingEvents = append([]TrackingEvent(nil), e.TrackingEvents...)
	c.EstimatedDelivery = cloneTime(e.EstimatedDelivery)
	c.ActualDelivery = cloneTime(e.ActualDelivery)
	c.LastAPIUpdate = cloneTime(e.LastAPIUpdate)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CacheStatistics aggregates cache entry counts.
type CacheStatistics struct {
	Total             int64 `json:"total"`
	Active            int64 `json:"active"`
	Delivered         int64 `json:"delivered"`
	Failed            int64 `json:"failed"`
	RequiresAttention int64 `json:"requiresAttention"`
	Overdue           int64 `json:"overdue"`
}

// Freshness tells readers how far they can trust a cache entry.
type Freshness string

const (
	FreshnessFresh   Freshness = "FRESH"
	FreshnessStale   Freshness = "STALE"
	FreshnessExpired Freshness = "EXPIRED"
)

// Shipment is the order store's view of a registered shipment.
type Shipment struct {
	OrderID               string
	TrackingNumber        string
	CourierService        string
	CurrentShipmentStatus string
}
