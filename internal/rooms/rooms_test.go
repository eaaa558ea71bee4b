package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/rickgao/farmlink-sync/internal/connection"
	"github.com/rickgao/farmlink-sync/internal/model"
	"github.com/rickgao/farmlink-sync/internal/router"
)

// fakeTransport records the joined room set.
type fakeTransport struct {
	mu         sync.Mutex
	rooms      map[string]bool
	subscribes int
	fail       map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{rooms: make(map[string]bool), fail: make(map[string]error)}
}

func (f *fakeTransport) Subscribe(_ context.Context, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if err := f.fail[room]; err != nil {
		if !errors.Is(err, connection.ErrSubscribeRejected) {
			f.rooms[room] = true
		}
		return err
	}
	f.rooms[room] = true
	return nil
}

func (f *fakeTransport) Unsubscribe(room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, room)
	return nil
}

func (f *fakeTransport) joined() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.rooms))
	for r := range f.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func newTestManager() (*Manager, *fakeTransport, *router.Router) {
	ft := newFakeTransport()
	r := router.New(router.DefaultConfig(), nil, nil)
	return NewManager(ft, r, nil), ft, r
}

func messageFrame(room, orderID, id string) connection.Frame {
	data, _ := json.Marshal(model.NewMessageEvent{Message: model.ChatMessage{ID: id, OrderID: orderID, Body: "hi"}})
	return connection.Frame{Kind: connection.FrameEvent, Event: model.EventNewMessage, Room: room, Data: data}
}

func statusFrame(room, orderID, status string) connection.Frame {
	data := fmt.Sprintf(`{"orderId":%q,"status":%q}`, orderID, status)
	return connection.Frame{Kind: connection.FrameEvent, Event: model.EventOrderStatusUpdate, Room: room, Data: json.RawMessage(data)}
}

func TestJoinOrderRoom_Twice(t *testing.T) {
	m, ft, r := newTestManager()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := m.JoinOrderRoom(ctx, "O1"); err != nil {
			t.Fatalf("JoinOrderRoom failed: %v", err)
		}
	}
	if ft.subscribes != 1 {
		t.Errorf("subscribes = %d, want 1", ft.subscribes)
	}

	calls := 0
	m.OnMessage(func(model.ChatMessage) { calls++ })
	r.Dispatch(messageFrame("chat_O1", "O1", "m1"))

	if calls != 1 {
		t.Errorf("callback invocations = %d, want 1", calls)
	}
}

func TestJoinOrderRoom_Switch(t *testing.T) {
	m, ft, r := newTestManager()
	ctx := context.Background()

	var got []string
	m.OnMessage(func(msg model.ChatMessage) { got = append(got, msg.ID) })

	if err := m.JoinOrderRoom(ctx, "O1"); err != nil {
		t.Fatal(err)
	}
	if err := m.JoinOrderRoom(ctx, "O2"); err != nil {
		t.Fatal(err)
	}

	if joined := ft.joined(); len(joined) != 1 || joined[0] != "chat_O2" {
		t.Errorf("joined = %v, want [chat_O2]", joined)
	}
	if m.CurrentOrder() != "O2" {
		t.Errorf("CurrentOrder = %q, want O2", m.CurrentOrder())
	}
	if n := r.Handlers(model.EventNewMessage); n != 1 {
		t.Errorf("new_message handlers = %d, want 1", n)
	}

	r.Dispatch(messageFrame("chat_O1", "O1", "late"))
	r.Dispatch(messageFrame("chat_O2", "O2", "m2"))

	if len(got) != 1 || got[0] != "m2" {
		t.Errorf("delivered = %v, want [m2]", got)
	}
}

func TestDispatch_EachCallbackOnce(t *testing.T) {
	m, _, r := newTestManager()
	if err := m.JoinOrderRoom(context.Background(), "O1"); err != nil {
		t.Fatal(err)
	}

	var a, b int
	m.OnMessage(func(model.ChatMessage) { a++ })
	remove := m.OnMessage(func(model.ChatMessage) { b++ })

	r.Dispatch(messageFrame("chat_O1", "O1", "m1"))
	remove()
	r.Dispatch(messageFrame("chat_O1", "O1", "m2"))

	if a != 2 || b != 1 {
		t.Errorf("a=%d b=%d, want 2/1", a, b)
	}
}

func TestDispatch_RoomlessFrameMatchedByOrder(t *testing.T) {
	m, _, r := newTestManager()
	if err := m.JoinOrderRoom(context.Background(), "O1"); err != nil {
		t.Fatal(err)
	}

	calls := 0
	m.OnMessage(func(model.ChatMessage) { calls++ })
	r.Dispatch(messageFrame("", "O1", "m1"))
	r.Dispatch(messageFrame("", "O9", "m2"))
	r.Dispatch(messageFrame("user_u1", "O1", "m3"))

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDispatch_StatusUpdates(t *testing.T) {
	m, _, r := newTestManager()
	if err := m.JoinOrderRoom(context.Background(), "O1"); err != nil {
		t.Fatal(err)
	}

	var got []string
	m.OnStatusUpdate(func(ev model.StatusUpdateEvent) { got = append(got, ev.Status) })

	r.Dispatch(statusFrame("chat_O1", "O1", "accepted"))
	r.Dispatch(statusFrame("chat_O2", "O2", "working"))

	if len(got) != 1 || got[0] != "accepted" {
		t.Errorf("statuses = %v, want [accepted]", got)
	}
}

func TestLeaveOrderRoom(t *testing.T) {
	m, ft, r := newTestManager()
	if err := m.JoinOrderRoom(context.Background(), "O1"); err != nil {
		t.Fatal(err)
	}
	calls := 0
	m.OnMessage(func(model.ChatMessage) { calls++ })

	m.LeaveOrderRoom()
	r.Dispatch(messageFrame("chat_O1", "O1", "m1"))

	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
	if len(ft.joined()) != 0 {
		t.Errorf("joined = %v, want none", ft.joined())
	}
	if m.CurrentOrder() != "" {
		t.Errorf("CurrentOrder = %q, want empty", m.CurrentOrder())
	}
	// Leaving twice is harmless.
	m.LeaveOrderRoom()
}

func TestJoinOrderRoom_Rejected(t *testing.T) {
	m, ft, r := newTestManager()
	ft.fail["chat_O1"] = fmt.Errorf("%w: forbidden", connection.ErrSubscribeRejected)

	err := m.JoinOrderRoom(context.Background(), "O1")
	if !errors.Is(err, connection.ErrSubscribeRejected) {
		t.Fatalf("err = %v, want ErrSubscribeRejected", err)
	}
	if m.CurrentOrder() != "" {
		t.Errorf("CurrentOrder = %q, want empty", m.CurrentOrder())
	}
	if n := r.Handlers(model.EventNewMessage); n != 0 {
		t.Errorf("handlers = %d, want 0", n)
	}
}

func TestJoinOrderRoom_TransientFailureKeepsRoom(t *testing.T) {
	m, ft, _ := newTestManager()
	ft.fail["chat_O1"] = connection.ErrTimeout

	if err := m.JoinOrderRoom(context.Background(), "O1"); !errors.Is(err, connection.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if m.CurrentOrder() != "O1" {
		t.Errorf("CurrentOrder = %q, want O1", m.CurrentOrder())
	}
}

func TestJoinUserRoom(t *testing.T) {
	m, ft, _ := newTestManager()
	ctx := context.Background()

	if err := m.JoinUserRoom(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := m.JoinUserRoom(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if ft.subscribes != 1 {
		t.Errorf("subscribes = %d, want 1", ft.subscribes)
	}

	if err := m.JoinUserRoom(ctx, "u2"); err != nil {
		t.Fatal(err)
	}
	if joined := ft.joined(); len(joined) != 1 || joined[0] != "user_u2" {
		t.Errorf("joined = %v, want [user_u2]", joined)
	}
	if m.UserRoom() != "user_u2" {
		t.Errorf("UserRoom = %q", m.UserRoom())
	}
}

func TestReset(t *testing.T) {
	m, _, r := newTestManager()
	ctx := context.Background()
	m.JoinUserRoom(ctx, "u1")
	m.JoinOrderRoom(ctx, "O1")

	m.Reset()

	if m.CurrentOrder() != "" || m.UserRoom() != "" {
		t.Errorf("rooms not cleared: order=%q user=%q", m.CurrentOrder(), m.UserRoom())
	}
	if n := r.Handlers(model.EventNewMessage); n != 0 {
		t.Errorf("handlers = %d, want 0", n)
	}
}
