package track24http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/TrackSync/internal/apperr"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/stretchr/testify/require"
)

func TestClient_Lookup_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tracking.json.php", r.URL.Path)
		require.Equal(t, "demo", r.URL.Query().Get("apiKey"))
		require.Equal(t, "d", r.URL.Query().Get("domain"))
		require.Equal(t, "CODE", r.URL.Query().Get("code"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "status": "ok",
  "data": {
    "events": [
      {"operationDateTime":"01.01.2025 00:00:00","operationAttribute":"Accepted","operationType":"ACCEPTED","operationPlaceName":"Moscow","operationPlacePostalCode":"000000","source":"emulator"},
      {"operationDateTime":"bad","operationAttribute":"Noise","operationType":"X"},
      {"operationDateTime":"01.01.2025 00:10:00","operationAttribute":"Delivered","operationType":"DELIVERED","operationPlaceName":"Moscow","operationPlacePostalCode":"000000","source":"emulator"}
    ]
  }
}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "demo", "d")
	res, err := c.Lookup(context.Background(), "CODE", "ignored")
	require.NoError(t, err)
	require.Equal(t, models.TrackingStatusDelivered, res.Status)
	require.NotNil(t, res.ActualDelivery)
	require.Len(t, res.Events, 2)
	require.WithinDuration(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), res.Events[0].Timestamp, time.Second)
	require.Equal(t, "ACCEPTED", res.Events[0].Code)
}

func TestClient_Lookup_NotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"error"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "demo", "d").Lookup(context.Background(), "CODE", "")
	require.True(t, apperr.Is(err, apperr.KindProviderPermanent))
}

func TestStatusFor(t *testing.T) {
	require.Equal(t, models.TrackingStatusPickedUp, statusFor("ACCEPTED", "", models.TrackingStatusPending))
	require.Equal(t, models.TrackingStatusInTransit, statusFor("SORTING", "Sorting", models.TrackingStatusPickedUp))
	require.Equal(t, models.TrackingStatusDelivered, statusFor("", "Вручение адресату", models.TrackingStatusInTransit))
	require.Equal(t, models.TrackingStatusOutForDelivery, statusFor("out-for-delivery", "", models.TrackingStatusInTransit))
}

func TestContainsDeliveredHint(t *testing.T) {
	require.True(t, containsDeliveredHint("Delivered"))
	require.True(t, containsDeliveredHint("Прибыло в место вручения"))
	require.False(t, containsDeliveredHint("In transit"))
}
