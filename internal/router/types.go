package router

import (
	"time"

	"github.com/rickgao/farmlink-sync/internal/model"
)

// Event binds an event name to its payload type.
type Event[T any] struct {
	Name string
}

// Inbound and outbound events of the marketplace.
var (
	NewMessage            = Event[model.NewMessageEvent]{Name: model.EventNewMessage}
	NewNotification       = Event[model.NewNotificationEvent]{Name: model.EventNewNotification}
	OrderStatusUpdate     = Event[model.StatusUpdateEvent]{Name: model.EventOrderStatusUpdate}
	OrderCompleted        = Event[model.OrderRefEvent]{Name: model.EventOrderCompleted}
	OrderCancelled        = Event[model.OrderRefEvent]{Name: model.EventOrderCancelled}
	OrderRejected         = Event[model.OrderRefEvent]{Name: model.EventOrderRejected}
	PaymentStatusUpdated  = Event[model.PaymentStatusEvent]{Name: model.EventPaymentStatusUpdated}
	PriceProposalResponse = Event[model.PriceProposalResponse]{Name: model.EventPriceProposalResponse}
)

// Message is a decoded, validated event.
type Message[T any] struct {
	Room       string // logical room the event arrived on; empty when unknown
	Payload    T
	ReceivedAt time.Time
}

// Handler receives events of one type.
type Handler[T any] func(Message[T])

// HandlerID identifies a registration for Off.
type HandlerID uint64

// Config holds router settings.
type Config struct {
	QueueSize int // initial dispatch queue capacity; the queue grows as needed
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{QueueSize: 256}
}

// Stats contains runtime statistics.
type Stats struct {
	Received      int64 // frames taken from the transport
	Routed        int64 // events delivered to their handlers
	ParseErrors   int64 // payloads that failed to decode
	InvalidEvents int64 // payloads that failed validation
	Unhandled     int64 // events with no handler registered
	HandlerPanics int64
	Queue         QueueStats
}
