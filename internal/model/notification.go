package model

import "time"

// NotificationType identifies what a notification is about.
type NotificationType string

const (
	NotificationOrderAccepted          NotificationType = "order_accepted"
	NotificationOrderRejected          NotificationType = "order_rejected"
	NotificationComplaintStatusUpdated NotificationType = "complaint_status_updated"
)

// Notification is a user-facing notification delivered by push or poll.
type Notification struct {
	ID             string           `json:"id" validate:"required"`
	UserID         string           `json:"userId"`
	RelatedOrderID string           `json:"relatedOrderId"`
	Type           NotificationType `json:"type" validate:"required"`
	Title          string           `json:"title,omitempty"`
	Body           string           `json:"body,omitempty"`
	IsRead         bool             `json:"isRead"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// OrderOutcome is the one-shot accept/reject result for an order screen.
type OrderOutcome struct {
	Accepted bool
	Rejected bool
}

// Empty reports whether neither outcome has been observed.
func (o OrderOutcome) Empty() bool {
	return !o.Accepted && !o.Rejected
}
