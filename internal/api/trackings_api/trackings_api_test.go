package trackings_api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/TrackSync/internal/models"
	"github.com/BearBump/TrackSync/internal/services/cachestore"
	"github.com/BearBump/TrackSync/internal/services/planner"
	"github.com/BearBump/TrackSync/internal/storage/memtracking"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Data  TrackingView `json:"data"`
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

func serve(t *testing.T, v Viewer, path string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	r := chi.NewRouter()
	New(v).Routes(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestTrackingsAPI_Flow(t *testing.T) {
	now := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	st := memtracking.New()
	st.PutShipment(models.Shipment{OrderID: "ord-1", TrackingNumber: "A1", CourierService: "cdek", CurrentShipmentStatus: "IN_TRANSIT"})
	svc := cachestore.New(st, st, planner.Default(), nil, cachestore.Config{}).
		WithClock(func() time.Time { return now })

	e, err := svc.Create(context.Background(), "ord-1", cachestore.InitialState{})
	require.NoError(t, err)

	// ещё не опрашивали перевозчика
	w, body := serve(t, svc, "/v1/trackings/ord-1")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "A1", body.Data.TrackingNumber)
	require.Equal(t, models.TrackingStatusInTransit, body.Data.Status)
	require.Equal(t, models.FreshnessStale, body.Data.Freshness)
	require.NotNil(t, body.Data.Events)

	checked := now
	_, err = svc.Update(context.Background(), e.ID, cachestore.Patch{
		LastAPIUpdate: &checked,
		NewEvents:     []models.TrackingEvent{{Code: "IT", Name: "Departed", Timestamp: now.Add(-time.Hour)}},
	})
	require.NoError(t, err)

	_, body = serve(t, svc, "/v1/trackings/ord-1")
	require.Equal(t, models.FreshnessFresh, body.Data.Freshness)
	require.Len(t, body.Data.Events, 1)
	require.NotNil(t, body.Data.LastCheckedAt)
}

func TestTrackingsAPI_NotFound(t *testing.T) {
	st := memtracking.New()
	svc := cachestore.New(st, st, planner.Default(), nil, cachestore.Config{})

	w, body := serve(t, svc, "/v1/trackings/missing")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "NOT_FOUND", body.Error.Code)
}

type brokenViewer struct{}

func (brokenViewer) View(context.Context, string) (*cachestore.Snapshot, bool, error) {
	return nil, false, errors.New("pg: connection reset")
}

func TestTrackingsAPI_StoreError(t *testing.T) {
	w, body := serve(t, brokenViewer{}, "/v1/trackings/ord-1")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, "INTERNAL_ERROR", body.Error.Code)
}
