package messages

// ShipmentRegistered is emitted by the shop when an order gets a tracking number.
type ShipmentRegistered struct {
	OrderID string `json:"order_id"`
}
