package kafka

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/BearBump/TrackSync/internal/apperr"
	"github.com/BearBump/TrackSync/internal/broker/messages"
	"github.com/BearBump/TrackSync/internal/models"
)

type Registrar interface {
	Register(ctx context.Context, orderID string) (*models.TrackingCacheEntry, error)
}

// RegistrationHandler turns shipment.registered messages into cache entries.
// Malformed messages and unknown orders are logged and committed; anything
// else stops the consumer so the message is redelivered.
func RegistrationHandler(reg Registrar) Handler {
	return func(ctx context.Context, key, value []byte) error {
		var msg messages.ShipmentRegistered
		if err := json.Unmarshal(value, &msg); err != nil || msg.OrderID == "" {
			slog.Warn("skip malformed shipment.registered", "key", string(key), "value", string(value))
			return nil
		}
		e, err := reg.Register(ctx, msg.OrderID)
		if apperr.Is(err, apperr.KindNotFound) {
			slog.Warn("shipment.registered for unknown order", "order_id", msg.OrderID, "error", err.Error())
			return nil
		}
		if err != nil {
			return err
		}
		slog.Info("shipment registered", "order_id", msg.OrderID, "cache_id", e.ID)
		return nil
	}
}
