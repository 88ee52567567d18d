// Package mysqlorders reads shipments from the shop's MySQL database.
package mysqlorders

import (
	"context"
	"database/sql"
	"time"

	"github.com/BearBump/TrackSync/internal/models"
	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

type Source struct {
	db    *sql.DB
	table string
}

// NormalizeDSN forces the driver options the queries rely on.
func NormalizeDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", errors.Wrap(err, "parse mysql dsn")
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func New(ctx context.Context, dsn, table string) (*Source, error) {
	norm, err := NormalizeDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", norm)
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(5)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping mysql")
	}
	if table == "" {
		table = "orders"
	}
	return &Source{db: db, table: table}, nil
}

func (s *Source) Close() error {
	return s.db.Close()
}

func (s *Source) GetShipment(ctx context.Context, orderID string) (*models.Shipment, bool, error) {
	var sh models.Shipment
	err := s.db.QueryRowContext(ctx, `
SELECT order_id, tracking_number, courier_service, shipment_status
FROM `+s.table+`
WHERE order_id = ?
`, orderID).Scan(&sh.OrderID, &sh.TrackingNumber, &sh.CourierService, &sh.CurrentShipmentStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "select order")
	}
	return &sh, true, nil
}

func (s *Source) ListShipments(ctx context.Context) ([]*models.Shipment, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT order_id, tracking_number, courier_service, shipment_status
FROM `+s.table+`
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
	return out, errors.Wrap(rows.Err(), "rows")
}
