package model

import "github.com/shopspring/decimal"

// Inbound and outbound real-time event names.
const (
	EventNewMessage            = "new_message"
	EventNewNotification       = "new_notification"
	EventOrderStatusUpdate     = "order_status_update"
	EventOrderCompleted        = "order_completed"
	EventOrderCancelled        = "order_cancelled"
	EventOrderRejected         = "order_rejected"
	EventPaymentStatusUpdated  = "payment_status_updated"
	EventPriceProposalResponse = "price_proposal_response"
)

// NewMessageEvent carries a persisted chat message.
type NewMessageEvent struct {
	Message ChatMessage `json:"message"`
}

// NewNotificationEvent carries a pushed notification.
type NewNotificationEvent struct {
	Notification Notification `json:"notification"`
}

// StatusUpdateEvent is an order_status_update payload.
type StatusUpdateEvent struct {
	OrderID string `json:"orderId" validate:"required"`
	Status  string `json:"status" validate:"required"`
}

// OrderRefEvent is the payload of order_completed, order_cancelled and
// order_rejected.
type OrderRefEvent struct {
	OrderID string `json:"orderId" validate:"required"`
}

// PaymentStatusEvent is a payment_status_updated payload.
type PaymentStatusEvent struct {
	OrderID       string `json:"orderId" validate:"required"`
	PaymentStatus string `json:"paymentStatus" validate:"required"`
}

// PriceProposalResponse is exchanged between the two sessions of an order
// so the counterpart can update without polling.
type PriceProposalResponse struct {
	OrderID   string          `json:"orderId" validate:"required"`
	FarmerID  string          `json:"farmerId"`
	MessageID string          `json:"messageId,omitempty"`
	Status    Decision        `json:"status" validate:"required,oneof=accepted rejected"`
	Price     decimal.Decimal `json:"price"`
}
