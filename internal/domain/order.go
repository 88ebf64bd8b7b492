package domain

import "time"

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusRouting   OrderStatus = "routing"
	OrderStatusBuilding  OrderStatus = "building"
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusFailed    OrderStatus = "failed"
)

// nextStatuses lists the allowed transitions out of each status. A failed
// attempt that is still within the retry budget re-enters pending.
var nextStatuses = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusRouting, OrderStatusFailed},
	OrderStatusRouting:   {OrderStatusBuilding, OrderStatusPending, OrderStatusFailed},
	OrderStatusBuilding:  {OrderStatusSubmitted, OrderStatusPending, OrderStatusFailed},
	OrderStatusSubmitted: {OrderStatusConfirmed, OrderStatusPending, OrderStatusFailed},
}

// IsTerminal reports whether no further transition can leave s.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusConfirmed || s == OrderStatusFailed
}

// CanTransitionTo reports whether moving from s to next follows the
// order state machine. Re-asserting the current status is allowed so that
// status writes stay idempotent.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s == next {
		return true
	}
	for _, n := range nextStatuses[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Order is a swap request routed across venues and driven through the
// lifecycle by the worker.
type Order struct {
	ID                string      `json:"id"`
	TokenIn           string      `json:"tokenIn"`
	TokenOut          string      `json:"tokenOut"`
	Amount            float64     `json:"amount"`
	SlippageTolerance float64     `json:"slippageTolerance"`
	CreatedAt         time.Time   `json:"createdAt"`
	Status            OrderStatus `json:"status"`
	Attempts          int         `json:"attempts"`
	FailureReason     string      `json:"failureReason,omitempty"`
	SettlementRef     string      `json:"settlementRef,omitempty"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

// StatusUpdate carries the fields overwritten by a status write. Empty
// optional fields clear the stored value.
type StatusUpdate struct {
	Status        OrderStatus
	Attempts      int
	FailureReason string
	SettlementRef string
}

// Apply overwrites the order's status fields with u. The attempt counter
// never decreases. Once the order is confirmed or failed only the same
// status may be written again; anything else is ErrInvalidTransition and
// leaves o untouched.
func (o *Order) Apply(u StatusUpdate, now time.Time) error {
	if o.Status.IsTerminal() && u.Status != o.Status {
		return ErrInvalidTransition
	}
	o.Status = u.Status
	if u.Attempts > o.Attempts {
		o.Attempts = u.Attempts
	}
	o.FailureReason = u.FailureReason
	o.SettlementRef = u.SettlementRef
	o.UpdatedAt = now
	return nil
}
