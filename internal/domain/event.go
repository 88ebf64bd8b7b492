package domain

import "time"

// StatusEvent is the payload pushed to subscribers of an order.
type StatusEvent struct {
	OrderID   string         `json:"orderId"`
	Status    OrderStatus    `json:"status"`
	Meta      map[string]any `json:"meta"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewStatusEvent builds an event stamped with now. A nil meta is replaced
// by an empty map so the wire shape always carries an object.
func NewStatusEvent(orderID string, status OrderStatus, meta map[string]any, now time.Time) StatusEvent {
	if meta == nil {
		meta = map[string]any{}
	}
	return StatusEvent{
		OrderID:   orderID,
		Status:    status,
		Meta:      meta,
		Timestamp: now.UTC(),
	}
}
