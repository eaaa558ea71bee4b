package engine

import (
	"github.com/rickgao/farmlink-sync/internal/connection"
	"github.com/rickgao/farmlink-sync/internal/model"
	"github.com/rickgao/farmlink-sync/internal/notify"
)

// UserID returns the signed-in user, set by Init.
func (e *Engine) UserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

// CurrentOrder returns the active order id, or "".
func (e *Engine) CurrentOrder() string { return e.rooms.CurrentOrder() }

// Order returns the latest known state of orderID.
func (e *Engine) Order(orderID string) (model.Order, bool) { return e.orders.Order(orderID) }

// OrderStatus returns the status of orderID.
func (e *Engine) OrderStatus(orderID string) (model.OrderStatus, bool) { return e.orders.Get(orderID) }

// Messages returns the chat timeline of orderID.
func (e *Engine) Messages(orderID string) []model.ChatMessage { return e.chat.Messages(orderID) }

// Proposals returns the price proposals seen on orderID.
func (e *Engine) Proposals(orderID string) []model.PriceProposal { return e.protocol.Proposals(orderID) }

// Resolution returns the decision recorded for proposalID.
func (e *Engine) Resolution(proposalID string) (model.Decision, bool) {
	return e.protocol.Resolution(proposalID)
}

// Busy reports whether the named busy flag is raised.
func (e *Engine) Busy(flag string) bool { return e.watchdog.Busy(flag) }

// BusyFlags returns every raised busy flag.
func (e *Engine) BusyFlags() []string { return e.watchdog.Active() }

// ConnectionState returns the transport state.
func (e *Engine) ConnectionState() connection.State { return e.transport.State() }

// Rooms returns the rooms joined on the transport.
func (e *Engine) Rooms() []string { return e.transport.Rooms() }

// Subscriber callbacks run on the engine's delivery goroutine, one at a time
// and in publish order, whichever goroutine produced the change. They may call
// back into the engine.

// OnOrderChange registers fn for order changes. The returned func removes it.
func (e *Engine) OnOrderChange(fn func(model.Order)) func() {
	return e.orders.Subscribe(func(o model.Order) { e.post(func() { fn(o) }) })
}

// OnChatChange registers fn for timeline changes.
func (e *Engine) OnChatChange(fn func(orderID string)) func() {
	return e.chat.Subscribe(func(orderID string) { e.post(func() { fn(orderID) }) })
}

// OnProposal registers fn for observed and resolved proposals.
func (e *Engine) OnProposal(fn func(model.PriceProposal)) func() {
	return e.protocol.Subscribe(func(p model.PriceProposal) { e.post(func() { fn(p) }) })
}

// OnNotification registers fn for presented notifications.
func (e *Engine) OnNotification(fn notify.PresentFunc) func() {
	return e.reconciler.OnPresent(func(n model.Notification, source string) {
		e.post(func() { fn(n, source) })
	})
}

// PollNow requests an immediate notification poll.
func (e *Engine) PollNow() { e.poller.Trigger() }
