package pgtracking

import (
	"context"

	"github.com/BearBump/TrackSync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// Orders are owned by the shop; the worker only reads them. PutShipment exists
// for seeding local databases and tests.

func (s *Storage) GetShipment(ctx context.Context, orderID string) (*models.Shipment, bool, error) {
	var sh models.Shipment
	err := s.db.QueryRow(ctx, `
SELECT order_id, tracking_number, courier_service, shipment_status
FROM orders
WHERE order_id = $1
`, orderID).Scan(&sh.OrderID, &sh.TrackingNumber, &sh.CourierService, &sh.CurrentShipmentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "select order")
	}
	return &sh, true, nil
}

// ListShipments returns orders that have a shipment registered.
func (s *Storage) ListShipments(ctx context.Context) ([]*models.Shipment, error) {
	rows, err := s.db.Query(ctx, `
SELECT order_id, tracking_number, courier_service, shipment_status
FROM orders
WHERE tracking_number <> ''
ORDER BY order_id
`)
	if err != nil {
		return nil, errors.Wrap(err, "select orders")
	}
	defer rows.Close()

	var out []*models.Shipment
	for rows.Next() {
		var sh models.Shipment
		if err := rows.Scan(&sh.OrderID, &sh.TrackingNumber, &sh.CourierService, &sh.CurrentShipmentStatus); err != nil {
			return nil, errors.Wrap(err, "scan order")
		}
		out = append(out, &sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) PutShipment(ctx context.Context, sh models.Shipment) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO orders (order_id, tracking_number, courier_service, shipment_status)
VALUES ($1,$2,$3,$4)
ON CONFLICT (order_id) DO UPDATE SET
  tracking_number = EXCLUDED.tracking_number,
  courier_service = EXCLUDED.courier_service,
  shipment_status = EXCLUDED.shipment_status
`, sh.OrderID, sh.TrackingNumber, sh.CourierService, sh.CurrentShipmentStatus)
	return errors.Wrap(err, "upsert order")
}
