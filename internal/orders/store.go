// Package orders holds the client-side projection of orders.
//
// Status updates arrive duplicated and out of order. The store applies them
// monotonically: a non-terminal status only moves forward in the lifecycle,
// cancelled and rejected are accepted from any non-terminal status, and a
// terminal status is final.
package orders

import (
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/rickgao/farmlink-sync/internal/metrics"
	"github.com/rickgao/farmlink-sync/internal/model"
	"github.com/rickgao/farmlink-sync/internal/router"
)

// Outcome of applying a status.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeStale     = "stale"
	OutcomeTerminal  = "terminal"
	OutcomeUnknown   = "unknown"
)

// Store is the order state store. It is safe for concurrent use.
type Store struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	orders map[string]*model.Order

	subMu  sync.RWMutex
	nextID int
	subs   map[int]func(model.Order)
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger, m *metrics.Metrics) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:  logger.With("component", "orders"),
		metrics: m,
		orders:  make(map[string]*model.Order),
		subs:    make(map[int]func(model.Order)),
	}
}

// Apply applies a status update and reports whether the status changed.
func (s *Store) Apply(ev model.StatusUpdateEvent) bool {
	next, ok := model.ParseOrderStatus(ev.Status)
	if !ok {
		s.metrics.StatusUpdate(OutcomeUnknown)
		s.logger.Warn("dropping unknown order status", "order_id", ev.OrderID, "status", ev.Status)
		return false
	}
	if ev.OrderID == "" {
		s.metrics.StatusUpdate(OutcomeUnknown)
		s.logger.Warn("dropping status update without order id", "status", ev.Status)
		return false
	}

	s.mu.Lock()
	o, exists := s.orders[ev.OrderID]
	if !exists {
		o = &model.Order{ID: ev.OrderID}
		s.orders[ev.OrderID] = o
	}
	outcome := transition(o.Status, next)
	prev := o.Status
	if outcome == OutcomeApplied {
		o.Status = next
	}
	snapshot := copyOrder(o)
	s.mu.Unlock()

	s.metrics.StatusUpdate(outcome)
	if outcome != OutcomeApplied {
		s.logger.Debug("status update ignored",
			"order_id", ev.OrderID,
			"current", prev,
			"incoming", next,
			"outcome", outcome,
		)
		return false
	}

	s.logger.Info("order status changed", "order_id", ev.OrderID, "from", prev, "to", next)
	s.notify(snapshot)
	return true
}

// transition decides whether next may replace cur.
func transition(cur, next model.OrderStatus) string {
	switch {
	case cur == next:
		return OutcomeDuplicate
	case cur == "":
		return OutcomeApplied
	case cur.IsTerminal():
		return OutcomeTerminal
	case next == model.StatusCancelled || next == model.StatusRejected:
		return OutcomeApplied
	case next.Rank() >= cur.Rank():
		return OutcomeApplied
	default:
		return OutcomeStale
	}
}

// Get returns the status of orderID.
func (s *Store) Get(orderID string) (model.OrderStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return "", false
	}
	return o.Status, true
}

// Order returns a copy of the projection of orderID.
func (s *Store) Order(orderID string) (model.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return model.Order{}, false
	}
	return copyOrder(o), true
}

// Seed merges a REST snapshot. Its status goes through the same rules as a
// pushed update, so an older snapshot never rolls a status back.
func (s *Store) Seed(snap model.Order) {
	if snap.ID == "" {
		return
	}

	s.mu.Lock()
	o, exists := s.orders[snap.ID]
	if !exists {
		o = &model.Order{ID: snap.ID}
		s.orders[snap.ID] = o
	}
	if _, known := model.ParseOrderStatus(string(snap.Status)); known && transition(o.Status, snap.Status) == OutcomeApplied {
		o.Status = snap.Status
	} else if !known && snap.Status != "" {
		s.logger.Warn("snapshot carries unknown status", "order_id", snap.ID, "status", snap.Status)
	}
	if snap.Price != nil {
		p := *snap.Price
		o.Price = &p
	}
	if snap.FarmerID != nil {
		f := *snap.FarmerID
		o.FarmerID = &f
	}
	if snap.RequesterID != "" {
		o.RequesterID = snap.RequesterID
	}
	if snap.Notes != "" {
		o.Notes = snap.Notes
	}
	if snap.PaymentStatus != "" {
		o.PaymentStatus = snap.PaymentStatus
	}
	if !snap.CreatedAt.IsZero() {
		o.CreatedAt = snap.CreatedAt
	}
	snapshot := copyOrder(o)
	s.mu.Unlock()

	s.notify(snapshot)
}

// SetPrice records the agreed price of orderID.
func (s *Store) SetPrice(orderID string, price decimal.Decimal) {
	s.update(orderID, func(o *model.Order) bool {
		if o.Price != nil && o.Price.Equal(price) {
			return false
		}
		o.Price = &price
		return true
	})
}

// SetPaymentStatus records the payment status of orderID.
func (s *Store) SetPaymentStatus(orderID, status string) {
	s.update(orderID, func(o *model.Order) bool {
		if o.PaymentStatus == status {
			return false
		}
		o.PaymentStatus = status
		return true
	})
}

func (s *Store) update(orderID string, fn func(*model.Order) bool) {
	s.mu.Lock()
	o, ok := s.orders[orderID]
	if !ok {
		o = &model.Order{ID: orderID}
		s.orders[orderID] = o
	}
	changed := fn(o)
	snapshot := copyOrder(o)
	s.mu.Unlock()

	if changed {
		s.notify(snapshot)
	}
}

// Subscribe registers fn to receive a copy of every changed order. The
// returned func removes it. fn runs on the goroutine that made the change.
func (s *Store) Subscribe(fn func(model.Order)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(o model.Order) {
	s.subMu.RLock()
	fns := make([]func(model.Order), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()
	for _, fn := range fns {
		fn(o)
	}
}

// Bind routes status, terminal and payment events into the store. The
// returned func removes the handlers.
func (s *Store) Bind(r *router.Router) func() {
	status := router.On(r, router.OrderStatusUpdate, func(m router.Message[model.StatusUpdateEvent]) {
		s.Apply(m.Payload)
	})
	terminal := func(st model.OrderStatus) router.Handler[model.OrderRefEvent] {
		return func(m router.Message[model.OrderRefEvent]) {
			s.Apply(model.StatusUpdateEvent{OrderID: m.Payload.OrderID, Status: string(st)})
		}
	}
	completed := router.On(r, router.OrderCompleted, terminal(model.StatusCompleted))
	cancelled := router.On(r, router.OrderCancelled, terminal(model.StatusCancelled))
	rejected := router.On(r, router.OrderRejected, terminal(model.StatusRejected))
	payment := router.On(r, router.PaymentStatusUpdated, func(m router.Message[model.PaymentStatusEvent]) {
		s.SetPaymentStatus(m.Payload.OrderID, m.Payload.PaymentStatus)
	})

	return func() {
		router.Off(r, router.OrderStatusUpdate, status)
		router.Off(r, router.OrderCompleted, completed)
		router.Off(r, router.OrderCancelled, cancelled)
		router.Off(r, router.OrderRejected, rejected)
		router.Off(r, router.PaymentStatusUpdated, payment)
	}
}

func copyOrder(o *model.Order) model.Order {
	c := *o
	if o.Price != nil {
		p := *o.Price
		c.Price = &p
	}
	if o.FarmerID != nil {
		f := *o.FarmerID
		c.FarmerID = &f
	}
	return c
}
