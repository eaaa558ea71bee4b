package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/farmlink-sync/internal/connection"
	"github.com/rickgao/farmlink-sync/internal/model"
)

func frame(event, room, data string) connection.Frame {
	return connection.Frame{
		Kind:       connection.FrameEvent,
		Event:      event,
		Room:       room,
		Data:       json.RawMessage(data),
		ReceivedAt: time.Now(),
	}
}

func TestDefaultConfig(t *testing.T) {
	if got := DefaultConfig().QueueSize; got != 256 {
		t.Errorf("QueueSize = %d, want 256", got)
	}
}

func TestRouter_DispatchTyped(t *testing.T) {
	r := New(DefaultConfig(), nil, nil)

	var got []Message[model.StatusUpdateEvent]
	On(r, OrderStatusUpdate, func(m Message[model.StatusUpdateEvent]) {
		got = append(got, m)
	})

	r.Dispatch(frame("order_status_update", "chat_O1", `{"orderId":"O1","status":"accepted"}`))

	if len(got) != 1 {
		t.Fatalf("handler calls = %d, want 1", len(got))
	}
	if got[0].Payload.OrderID != "O1" || got[0].Payload.Status != "accepted" {
		t.Errorf("payload = %+v", got[0].Payload)
	}
	if got[0].Room != "chat_O1" {
		t.Errorf("Room = %q, want chat_O1", got[0].Room)
	}
	if got[0].ReceivedAt.IsZero() {
		t.Error("ReceivedAt not propagated")
	}
	if st := r.Stats(); st.Routed != 1 {
		t.Errorf("Routed = %d, want 1", st.Routed)
	}
}

func TestRouter_DropsBadPayloads(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		wantParse   int64
		wantInvalid int64
	}{
		{name: "malformed json", data: `{"orderId":`, wantParse: 1},
		{name: "wrong type", data: `{"orderId":7,"status":"accepted"}`, wantParse: 1},
		{name: "missing order id", data: `{"status":"accepted"}`, wantInvalid: 1},
		{name: "empty payload", data: ``, wantInvalid: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(DefaultConfig(), nil, nil)
			calls := 0
			On(r, OrderStatusUpdate, func(Message[model.StatusUpdateEvent]) { calls++ })

			r.Dispatch(frame("order_status_update", "", tt.data))

			if calls != 0 {
				t.Errorf("handler called %d times, want 0", calls)
			}
			st := r.Stats()
			if st.ParseErrors != tt.wantParse || st.InvalidEvents != tt.wantInvalid {
				t.Errorf("ParseErrors=%d InvalidEvents=%d, want %d/%d",
					st.ParseErrors, st.InvalidEvents, tt.wantParse, tt.wantInvalid)
			}
		})
	}
}

func TestRouter_ValidatesNestedPayload(t *testing.T) {
	r := New(DefaultConfig(), nil, nil)
	calls := 0
	On(r, NewMessage, func(Message[model.NewMessageEvent]) { calls++ })

	r.Dispatch(frame("new_message", "chat_O1", `{"message":{"body":"hi"}}`))
	r.Dispatch(frame("new_message", "chat_O1", `{"message":{"id":"m1","orderId":"O1","body":"hi"}}`))

	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
}

func TestRouter_DecisionMustBeKnown(t *testing.T) {
	r := New(DefaultConfig(), nil, nil)
	var got []model.Decision
	On(r, PriceProposalResponse, func(m Message[model.PriceProposalResponse]) {
		got = append(got, m.Payload.Status)
	})

	r.Dispatch(frame("price_proposal_response", "chat_O1", `{"orderId":"O1","status":"maybe","price":500}`))
	r.Dispatch(frame("price_proposal_response", "chat_O1", `{"orderId":"O1","status":"accepted","price":"500"}`))

	if len(got) != 1 || got[0] != model.DecisionAccepted {
		t.Errorf("decisions = %v, want [accepted]", got)
	}
}

func TestRouter_OnOff(t *testing.T) {
	r := New(DefaultConfig(), nil, nil)

	var calls []string
	a := On(r, OrderCompleted, func(Message[model.OrderRefEvent]) { calls = append(calls, "a") })
	On(r, OrderCompleted, func(Message[model.OrderRefEvent]) { calls = append(calls, "b") })

	f := frame("order_completed", "", `{"orderId":"O1"}`)
	r.Dispatch(f)
	if len(calls) != 2 || calls[0] != "a" || calls[1] != "b" {
		t.Fatalf("calls = %v, want [a b]", calls)
	}

	if n := Off(r, OrderCompleted, a); n != 1 {
		t.Errorf("Off(a) removed %d, want 1", n)
	}
	calls = nil
	r.Dispatch(f)
	if len(calls) != 1 || calls[0] != "b" {
		t.Errorf("calls = %v, want [b]", calls)
	}

	if n := Off(r, OrderCompleted); n != 1 {
		t.Errorf("Off(all) removed %d, want 1", n)
	}
	if r.Handlers("order_completed") != 0 {
		t.Error("expected no handlers")
	}
	calls = nil
	r.Dispatch(f)
	if len(calls) != 0 {
		t.Errorf("calls = %v, want none", calls)
	}
	if st := r.Stats(); st.Unhandled != 1 {
		t.Errorf("Unhandled = %d, want 1", st.Unhandled)
	}
}

func TestRouter_EventsShareNothingButType(t *testing.T) {
	r := New(DefaultConfig(), nil, nil)
	var cancelled, rejected int
	On(r, OrderCancelled, func(Message[model.OrderRefEvent]) { cancelled++ })
	On(r, OrderRejected, func(Message[model.OrderRefEvent]) { rejected++ })

	r.Dispatch(frame("order_cancelled", "", `{"orderId":"O1"}`))

	if cancelled != 1 || rejected != 0 {
		t.Errorf("cancelled=%d rejected=%d, want 1/0", cancelled, rejected)
	}
}

func TestRouter_HandlerPanicContained(t *testing.T) {
	r := New(DefaultConfig(), nil, nil)
	after := 0
	On(r, OrderCompleted, func(Message[model.OrderRefEvent]) { panic("boom") })
	On(r, OrderCompleted, func(Message[model.OrderRefEvent]) { after++ })

	r.Dispatch(frame("order_completed", "", `{"orderId":"O1"}`))

	if after != 1 {
		t.Errorf("second handler calls = %d, want 1", after)
	}
	if st := r.Stats(); st.HandlerPanics != 1 {
		t.Errorf("HandlerPanics = %d, want 1", st.HandlerPanics)
	}
}

func TestRouter_StartStop(t *testing.T) {
	frames := make(chan connection.Frame, 10)
	r := New(DefaultConfig(), nil, nil)

	var mu sync.Mutex
	var orders []string
	On(r, OrderStatusUpdate, func(m Message[model.StatusUpdateEvent]) {
		mu.Lock()
		orders = append(orders, m.Payload.OrderID)
		mu.Unlock()
	})

	ctx := context.Background()
	if err := r.Start(ctx, frames); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for _, id := range []string{"O1", "O2", "O3"} {
		frames <- frame("order_status_update", "", `{"orderId":"`+id+`","status":"working"}`)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(orders)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := r.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"O1", "O2", "O3"}
	if len(orders) != len(want) {
		t.Fatalf("orders = %v, want %v", orders, want)
	}
	for i := range want {
		if orders[i] != want[i] {
			t.Errorf("orders[%d] = %s, want %s", i, orders[i], want[i])
		}
	}
	if st := r.Stats(); st.Received != 3 || st.Queue.Popped != 3 {
		t.Errorf("Received=%d Popped=%d, want 3/3", st.Received, st.Queue.Popped)
	}
}

func TestRouter_InputClosed(t *testing.T) {
	frames := make(chan connection.Frame)
	r := New(DefaultConfig(), nil, nil)
	if err := r.Start(context.Background(), frames); err != nil {
		t.Fatal(err)
	}
	close(frames)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
