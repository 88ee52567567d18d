package fake

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/TrackSync/internal/apperr"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/stretchr/testify/require"
)

func TestFakeClient_Lookup(t *testing.T) {
	c := New()
	res, err := c.Lookup(context.Background(), "A1", "jnt")
	require.NoError(t, err)
	require.NotEmpty(t, res.Status)
	require.NotEmpty(t, res.Events)
	require.NotNil(t, res.StatusDescription)
}

func TestFakeClient_Progresses(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New().WithClock(func() time.Time { return now })

	first, err := c.Lookup(context.Background(), "A1", "jnt")
	require.NoError(t, err)

	now = now.Add(30 * 24 * time.Hour)
	last, err := c.Lookup(context.Background(), "A1", "jnt")
	require.NoError(t, err)
	require.Equal(t, models.TrackingStatusDelivered, last.Status)
	require.NotNil(t, last.ActualDelivery)
	require.GreaterOrEqual(t, len(last.Events), len(first.Events))
	// Earlier events keep their identity between polls.
	require.Equal(t, first.Events[0].Key(), last.Events[0].Key())
}

func TestFakeClient_SimulatedFailures(t *testing.T) {
	c := New()
	_, err := c.Lookup(context.Background(), "ERR-1", "jnt")
	require.True(t, apperr.Is(err, apperr.KindProviderTransient))

	_, err = c.Lookup(context.Background(), "BAD-1", "jnt")
	require.True(t, apperr.Is(err, apperr.KindProviderPermanent))
}
