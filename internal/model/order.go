package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the server-side lifecycle status of an order.
type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusAccepted   OrderStatus = "accepted"
	StatusInProgress OrderStatus = "in_progress"
	StatusWorking    OrderStatus = "working"
	StatusAlmostDone OrderStatus = "almost_done"
	StatusFinalizing OrderStatus = "finalizing"
	StatusCompleted  OrderStatus = "completed"
	StatusCancelled  OrderStatus = "cancelled"
	StatusRejected   OrderStatus = "rejected"
)

// statusRank orders the non-cancellable lifecycle. Cancelled and rejected
// have no rank; they are terminal from any point.
var statusRank = map[OrderStatus]int{
	StatusPending:    0,
	StatusAccepted:   1,
	StatusInProgress: 2,
	StatusWorking:    3,
	StatusAlmostDone: 4,
	StatusFinalizing: 5,
	StatusCompleted:  6,
}

// ParseOrderStatus validates a raw status string.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	st := OrderStatus(s)
	if st == StatusCancelled || st == StatusRejected {
		return st, true
	}
	_, ok := statusRank[st]
	return st, ok
}

// Rank returns the lifecycle position of s, or -1 for cancelled/rejected.
func (s OrderStatus) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// IsTerminal reports whether no further lifecycle progression is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRejected
}

// Order is the client-side projection of a marketplace order.
type Order struct {
	ID            string           `json:"id"`
	Status        OrderStatus      `json:"status"`
	Price         *decimal.Decimal `json:"price"`
	FarmerID      *string          `json:"farmerId"`
	RequesterID   string           `json:"requesterId,omitempty"`
	Notes         string           `json:"notes"`
	PaymentStatus string           `json:"paymentStatus,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// CreateOrderRequest is the body of POST /orders.
type CreateOrderRequest struct {
	ServiceID string    `json:"serviceId"`
	FarmerID  string    `json:"farmerId,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	Location  *Location `json:"location,omitempty"`
}

// OrderUpdate is the body of PATCH /orders/{id}. Nil fields are left unchanged.
type OrderUpdate struct {
	Status *OrderStatus     `json:"status,omitempty"`
	Price  *decimal.Decimal `json:"price,omitempty"`
}

// Invoice is returned by GET /orders/{id}/invoice.
type Invoice struct {
	OrderID  string          `json:"orderId"`
	Number   string          `json:"number"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	URL      string          `json:"url"`
	IssuedAt time.Time       `json:"issuedAt"`
}
