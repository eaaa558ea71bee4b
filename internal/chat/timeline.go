package chat

import (
	"sync"

	"github.com/rickgao/farmlink-sync/internal/model"
)

// Timeline is the append-only message list of one order. A pending message
// carries a temporary id until the server echo replaces it in place.
type Timeline struct {
	orderID string

	mu       sync.RWMutex
	messages []model.ChatMessage
	index    map[string]int // message id → position
}

// NewTimeline creates an empty timeline for orderID.
func NewTimeline(orderID string) *Timeline {
	return &Timeline{orderID: orderID, index: make(map[string]int)}
}

// OrderID returns the order the timeline belongs to.
func (t *Timeline) OrderID() string { return t.orderID }

// Load replaces the persisted history. Pending messages are kept at the end.
func (t *Timeline) Load(history []model.ChatMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pending []model.ChatMessage
	for _, m := range t.messages {
		if m.IsTemporary() {
			pending = append(pending, m)
		}
	}

	t.messages = t.messages[:0]
	t.index = make(map[string]int, len(history)+len(pending))
	for _, m := range history {
		t.appendLocked(m)
	}
	for _, m := range pending {
		t.appendLocked(m)
	}
}

// AddPending appends an optimistic message.
func (t *Timeline) AddPending(m model.ChatMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appendLocked(m)
}

// Confirm swaps the pending message tempID for its persisted form. When the
// transport echo already delivered the persisted message, the pending copy
// is dropped instead.
func (t *Timeline) Confirm(tempID string, persisted model.ChatMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, pending := t.index[tempID]
	if _, echoed := t.index[persisted.ID]; echoed {
		if pending {
			t.removeLocked(pos)
		}
		return
	}
	if !pending {
		t.appendLocked(persisted)
		return
	}
	delete(t.index, tempID)
	t.messages[pos] = persisted
	t.index[persisted.ID] = pos
}

// Fail drops the pending message tempID.
func (t *Timeline) Fail(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.index[tempID]
	if !ok {
		return false
	}
	t.removeLocked(pos)
	return true
}

// Ingest adds a message received from the transport. A message already in
// the timeline is ignored; an echo of a pending message replaces it.
func (t *Timeline) Ingest(m model.ChatMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.index[m.ID]; ok {
		return false
	}
	if pos := t.matchPendingLocked(m); pos >= 0 {
		delete(t.index, t.messages[pos].ID)
		t.messages[pos] = m
		t.index[m.ID] = pos
		return true
	}
	t.appendLocked(m)
	return true
}

// Messages returns a copy of the timeline.
func (t *Timeline) Messages() []model.ChatMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]model.ChatMessage(nil), t.messages...)
}

// Pending returns the number of unconfirmed messages.
func (t *Timeline) Pending() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, m := range t.messages {
		if m.IsTemporary() {
			n++
		}
	}
	return n
}

func (t *Timeline) appendLocked(m model.ChatMessage) {
	t.index[m.ID] = len(t.messages)
	t.messages = append(t.messages, m)
}

func (t *Timeline) removeLocked(pos int) {
	delete(t.index, t.messages[pos].ID)
	t.messages = append(t.messages[:pos], t.messages[pos+1:]...)
	for i := pos; i < len(t.messages); i++ {
		t.index[t.messages[i].ID] = i
	}
}

// matchPendingLocked finds the oldest pending message m is the echo of.
func (t *Timeline) matchPendingLocked(m model.ChatMessage) int {
	if m.IsTemporary() {
		return -1
	}
	for i, p := range t.messages {
		if p.IsTemporary() && p.SenderID == m.SenderID && p.Body == m.Body {
			return i
		}
	}
	return -1
}
