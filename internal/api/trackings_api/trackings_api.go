package trackings_api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/BearBump/TrackSync/internal/api/response"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/BearBump/TrackSync/internal/services/cachestore"
	"github.com/go-chi/chi/v5"
)

type Viewer interface {
	View(ctx context.Context, orderID string) (*cachestore.Snapshot, bool, error)
}

// TrackingsAPI serves the customer-facing read side.
type TrackingsAPI struct {
	svc Viewer
}

func New(svc Viewer) *TrackingsAPI {
	return &TrackingsAPI{svc: svc}
}

func (a *TrackingsAPI) Routes(r chi.Router) {
	r.Get("/v1/trackings/{orderID}", a.GetTracking)
}

// TrackingView is the public projection of a cache entry.
type TrackingView struct {
	OrderID           string                 `json:"orderId"`
	TrackingNumber    string                 `json:"trackingNumber"`
	CourierService    string                 `json:"courierService"`
	Status            models.TrackingStatus  `json:"status"`
	StatusUpdatedAt   time.Time              `json:"statusUpdatedAt"`
	EstimatedDelivery *time.Time             `json:"estimatedDelivery,omitempty"`
	ActualDelivery    *time.Time             `json:"actualDelivery,omitempty"`
	LastCheckedAt     *time.Time             `json:"lastCheckedAt,omitempty"`
	Delivered         bool                   `json:"delivered"`
	Freshness         models.Freshness       `json:"freshness"`
	Events            []models.TrackingEvent `json:"events"`
}

func (a *TrackingsAPI) GetTracking(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "orderID is required", nil)
		return
	}

	snap, ok, err := a.svc.View(r.Context(), orderID)
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	if !ok {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "tracking not found", map[string]string{"orderId": orderID})
		return
	}
	response.JSON(w, toView(snap))
}

func toView(s *cachestore.Snapshot) TrackingView {
	e := s.Entry
	events := e.TrackingEvents
	if events == nil {
		events = []models.TrackingEvent{}
	}
	return TrackingView{
		OrderID:           e.OrderID,
		TrackingNumber:    e.CourierTrackingNumber,
		CourierService:    e.CourierService,
		Status:            e.CurrentStatus,
		StatusUpdatedAt:   e.LastStatusUpdate,
		EstimatedDelivery: e.EstimatedDelivery,
		ActualDelivery:    e.ActualDelivery,
		LastCheckedAt:     e.LastAPIUpdate,
		Delivered:         e.IsDelivered,
		Freshness:         s.Freshness,
		Events:            events,
	}
}
