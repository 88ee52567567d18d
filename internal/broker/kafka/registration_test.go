package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/BearBump/TrackSync/internal/apperr"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type registrarMock struct {
	mock.Mock
}

func (m *registrarMock) Register(ctx context.Context, orderID string) (*models.TrackingCacheEntry, error) {
	args := m.Called(ctx, orderID)
	e, _ := args.Get(0).(*models.TrackingCacheEntry)
	return e, args.Error(1)
}

func TestRegistrationHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("registers", func(t *testing.T) {
		rm := &registrarMock{}
		rm.On("Register", mock.Anything, "ord-1").Return(&models.TrackingCacheEntry{ID: 7}, nil).Once()
		require.NoError(t, RegistrationHandler(rm)(ctx, nil, []byte(`{"order_id":"ord-1"}`)))
		rm.AssertExpectations(t)
	})

	t.Run("malformed is skipped", func(t *testing.T) {
		rm := &registrarMock{}
		require.NoError(t, RegistrationHandler(rm)(ctx, nil, []byte(`{`)))
		require.NoError(t, RegistrationHandler(rm)(ctx, nil, []byte(`{}`)))
		rm.AssertNotCalled(t, "Register", mock.Anything, mock.Anything)
	})

	t.Run("unknown order is skipped", func(t *testing.T) {
		rm := &registrarMock{}
		rm.On("Register", mock.Anything, "ghost").Return(nil, apperr.NotFound("cachestore.Create", "order")).Once()
		require.NoError(t, RegistrationHandler(rm)(ctx, nil, []byte(`{"order_id":"ghost"}`)))
	})

	t.Run("store failure stops", func(t *testing.T) {
		rm := &registrarMock{}
		want := errors.New("db down")
		rm.On("Register", mock.Anything, "ord-2").Return(nil, want).Once()
		require.ErrorIs(t, RegistrationHandler(rm)(ctx, nil, []byte(`{"order_id":"ord-2"}`)), want)
	})
}
