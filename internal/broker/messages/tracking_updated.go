package messages

import (
	"time"

	"github.com/BearBump/TrackSync/internal/models"
)

// TrackingUpdated is published after a poll changed the status or added events.
type TrackingUpdated struct {
	OrderID         string    `json:"order_id"`
	TrackingCacheID int64     `json:"tracking_cache_id"`
	TrackingNumber  string    `json:"tracking_number"`
	CourierService  string    `json:"courier_service"`
	CheckedAt       time.Time `json:"checked_at"`

	PreviousStatus string `json:"previous_status,omitempty"`
	Status         string `json:"status"`
	StatusChanged  bool   `json:"status_changed"`

	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
	ActualDelivery    *time.Time `json:"actual_delivery,omitempty"`
	NextUpdateDue     time.Time  `json:"next_update_due"`

	Events []TrackingEvent `json:"events,omitempty"`
}

type TrackingEvent struct {
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Location    *string   `json:"location,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func EventsFrom(in []models.TrackingEvent) []TrackingEvent {
	if len(in) == 0 {
		return nil
	}
	out := make([]TrackingEvent, 0, len(in))
	for _, e := range in {
		out = append(out, TrackingEvent{
			Code:        e.Code,
			Name:        e.Name,
			Description: e.Description,
			Location:    e.Location,
			Timestamp:   e.Timestamp,
		})
	}
	return out
}
