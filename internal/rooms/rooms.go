// Package rooms binds the agent to its per-user and per-order rooms.
//
// Manager is the only component that changes the joined room set. At most
// one order room is joined at a time; switching orders leaves the previous
// room and removes its handlers before the new room is bound, so a message
// is never delivered twice.
package rooms

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rickgao/farmlink-sync/internal/connection"
	"github.com/rickgao/farmlink-sync/internal/model"
	"github.com/rickgao/farmlink-sync/internal/router"
)

// Transport is the part of the connection manager rooms needs.
type Transport interface {
	Subscribe(ctx context.Context, room string) error
	Unsubscribe(room string) error
}

// MessageHandler receives chat messages of the current order.
type MessageHandler func(model.ChatMessage)

// StatusHandler receives status updates of the current order.
type StatusHandler func(model.StatusUpdateEvent)

// Manager joins and leaves rooms and fans room-scoped events out to callbacks.
type Manager struct {
	transport Transport
	router    *router.Router
	logger    *slog.Logger

	mu       sync.Mutex
	userRoom string
	order    string // current order id
	boundMsg router.HandlerID
	boundSt  router.HandlerID

	cbMu      sync.RWMutex
	nextCB    int
	onMessage map[int]MessageHandler
	onStatus  map[int]StatusHandler
	msgOrder  []int
	stOrder   []int
}

// NewManager creates a room manager.
func NewManager(t Transport, r *router.Router, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		transport: t,
		router:    r,
		logger:    logger.With("component", "rooms"),
		onMessage: make(map[int]MessageHandler),
		onStatus:  make(map[int]StatusHandler),
	}
}

// JoinUserRoom subscribes to the notification room of userID, leaving the
// room of a previous user.
func (m *Manager) JoinUserRoom(ctx context.Context, userID string) error {
	room := model.UserRoom(userID)

	m.mu.Lock()
	prev := m.userRoom
	m.userRoom = room
	m.mu.Unlock()

	if prev == room {
		return nil
	}
	if prev != "" {
		if err := m.transport.Unsubscribe(prev); err != nil {
			m.logger.Warn("leave user room failed", "room", prev, "error", err)
		}
	}
	if err := m.transport.Subscribe(ctx, room); err != nil {
		if errors.Is(err, connection.ErrSubscribeRejected) {
			m.mu.Lock()
			if m.userRoom == room {
				m.userRoom = ""
			}
			m.mu.Unlock()
		}
		m.logger.Warn("join user room failed", "room", room, "error", err)
		return err
	}
	m.logger.Info("joined user room", "room", room)
	return nil
}

// JoinOrderRoom makes orderID the current order. Joining the current order
// again is a no-op.
func (m *Manager) JoinOrderRoom(ctx context.Context, orderID string) error {
	m.mu.Lock()
	if m.order == orderID {
		m.mu.Unlock()
		return nil
	}
	prev := m.order
	m.unbindLocked()
	m.order = orderID
	m.bindLocked(orderID)
	m.mu.Unlock()

	if prev != "" {
		m.leave(prev)
	}

	room := model.ChatRoom(orderID)
	if err := m.transport.Subscribe(ctx, room); err != nil {
		if errors.Is(err, connection.ErrSubscribeRejected) {
			m.mu.Lock()
			if m.order == orderID {
				m.unbindLocked()
				m.order = ""
			}
			m.mu.Unlock()
		}
		// Other failures keep the room; the transport joins it on reconnect.
		m.logger.Warn("join order room failed", "room", room, "error", err)
		return err
	}

	m.logger.Info("joined order room", "room", room, "previous", prev)
	return nil
}

// LeaveOrderRoom leaves the current order room, if any.
func (m *Manager) LeaveOrderRoom() {
	m.mu.Lock()
	prev := m.order
	m.unbindLocked()
	m.order = ""
	m.mu.Unlock()

	if prev != "" {
		m.leave(prev)
		m.logger.Info("left order room", "room", model.ChatRoom(prev))
	}
}

// Reset forgets both rooms without touching the transport. It is used after
// the transport session has been torn down.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.unbindLocked()
	m.order = ""
	m.userRoom = ""
	m.mu.Unlock()
}

// CurrentOrder returns the order whose room is joined, or "".
func (m *Manager) CurrentOrder() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order
}

// UserRoom returns the joined user room, or "".
func (m *Manager) UserRoom() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userRoom
}

// OnMessage registers fn for new messages of the current order. The returned
// func removes it.
func (m *Manager) OnMessage(fn MessageHandler) func() {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.nextCB++
	id := m.nextCB
	m.onMessage[id] = fn
	m.msgOrder = append(m.msgOrder, id)
	return func() {
		m.cbMu.Lock()
		defer m.cbMu.Unlock()
		delete(m.onMessage, id)
		m.msgOrder = without(m.msgOrder, id)
	}
}

// OnStatusUpdate registers fn for status updates of the current order. The
// returned func removes it.
func (m *Manager) OnStatusUpdate(fn StatusHandler) func() {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.nextCB++
	id := m.nextCB
	m.onStatus[id] = fn
	m.stOrder = append(m.stOrder, id)
	return func() {
		m.cbMu.Lock()
		defer m.cbMu.Unlock()
		delete(m.onStatus, id)
		m.stOrder = without(m.stOrder, id)
	}
}

func (m *Manager) leave(orderID string) {
	room := model.ChatRoom(orderID)
	if err := m.transport.Unsubscribe(room); err != nil {
		m.logger.Warn("leave order room failed", "room", room, "error", err)
	}
}

// bindLocked installs router handlers scoped to orderID. Callers hold m.mu.
func (m *Manager) bindLocked(orderID string) {
	room := model.ChatRoom(orderID)

	m.boundMsg = router.On(m.router, router.NewMessage, func(msg router.Message[model.NewMessageEvent]) {
		if !m.accepts(orderID, room, msg.Room, msg.Payload.Message.OrderID) {
			return
		}
		m.cbMu.RLock()
		fns := make([]MessageHandler, 0, len(m.msgOrder))
		for _, id := range m.msgOrder {
			fns = append(fns, m.onMessage[id])
		}
		m.cbMu.RUnlock()
		for _, fn := range fns {
			fn(msg.Payload.Message)
		}
	})

	m.boundSt = router.On(m.router, router.OrderStatusUpdate, func(msg router.Message[model.StatusUpdateEvent]) {
		if !m.accepts(orderID, room, msg.Room, msg.Payload.OrderID) {
			return
		}
		m.cbMu.RLock()
		fns := make([]StatusHandler, 0, len(m.stOrder))
		for _, id := range m.stOrder {
			fns = append(fns, m.onStatus[id])
		}
		m.cbMu.RUnlock()
		for _, fn := range fns {
			fn(msg.Payload)
		}
	})
}

// unbindLocked removes the handlers of the current order. Callers hold m.mu.
func (m *Manager) unbindLocked() {
	if m.boundMsg != 0 {
		router.Off(m.router, router.NewMessage, m.boundMsg)
		m.boundMsg = 0
	}
	if m.boundSt != 0 {
		router.Off(m.router, router.OrderStatusUpdate, m.boundSt)
		m.boundSt = 0
	}
}

// accepts reports whether an event for eventRoom/eventOrder belongs to the
// bound order and that order is still current. Frames without a room are
// matched on the payload order id.
func (m *Manager) accepts(orderID, room, eventRoom, eventOrder string) bool {
	m.mu.Lock()
	current := m.order
	m.mu.Unlock()
	if current != orderID {
		return false
	}
	if eventRoom != "" {
		return eventRoom == room
	}
	return eventOrder == orderID
}

func without(ids []int, id int) []int {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
