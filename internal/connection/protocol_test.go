package connection

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewProtocol(t *testing.T) {
	for _, name := range []string{"pubsub", "socket"} {
		p, err := NewProtocol(name, "key")
		if err != nil {
			t.Fatalf("NewProtocol(%q) failed: %v", name, err)
		}
		if p.Name() != name {
			t.Errorf("Name() = %q, want %q", p.Name(), name)
		}
	}
	if _, err := NewProtocol("mqtt", ""); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestPubSub_Decode(t *testing.T) {
	p := &pubsubProtocol{appKey: "key"}

	tests := []struct {
		name      string
		in        string
		wantKind  FrameKind
		wantRoom  string
		wantEvent string
		wantKey   string
		wantErr   bool
	}{
		{
			name:     "connection established with string data",
			in:       `{"event":"pusher:connection_established","data":"{\"socket_id\":\"123.456\",\"activity_timeout\":120}"}`,
			wantKind: FrameConnected,
		},
		{
			name:     "subscription succeeded",
			in:       `{"event":"pusher_internal:subscription_succeeded","channel":"private-chat_O1","data":"{}"}`,
			wantKind: FrameSubscribed,
			wantRoom: "chat_O1",
			wantKey:  "private-chat_O1",
		},
		{
			name:     "subscription error",
			in:       `{"event":"pusher:subscription_error","channel":"private-user_1","data":{"type":"AuthError","error":"forbidden","status":403}}`,
			wantKind: FrameSubscribeError,
			wantKey:  "private-user_1",
			wantRoom: "user_1",
		},
		{
			name:     "ping",
			in:       `{"event":"pusher:ping","data":{}}`,
			wantKind: FramePing,
		},
		{
			name:      "server event",
			in:        `{"event":"new_message","channel":"private-chat_O1","data":"{\"message\":{\"id\":\"m1\"}}"}`,
			wantKind:  FrameEvent,
			wantRoom:  "chat_O1",
			wantEvent: "new_message",
		},
		{
			name:      "client event from counterpart",
			in:        `{"event":"client-price_proposal_response","channel":"private-chat_O1","data":{"orderId":"O1"}}`,
			wantKind:  FrameEvent,
			wantRoom:  "chat_O1",
			wantEvent: "price_proposal_response",
		},
		{
			name:    "not json",
			in:      `hello`,
			wantErr: true,
		},
		{
			name:    "connection established without socket id",
			in:      `{"event":"pusher:connection_established","data":"{}"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := p.Decode([]byte(tt.in))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Decode(%s) expected error, got %+v", tt.in, f)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if f.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", f.Kind, tt.wantKind)
			}
			if f.Room != tt.wantRoom {
				t.Errorf("Room = %q, want %q", f.Room, tt.wantRoom)
			}
			if f.Event != tt.wantEvent {
				t.Errorf("Event = %q, want %q", f.Event, tt.wantEvent)
			}
			if f.Key != tt.wantKey {
				t.Errorf("Key = %q, want %q", f.Key, tt.wantKey)
			}
		})
	}
}

func TestPubSub_EventDataUnwrapped(t *testing.T) {
	p := &pubsubProtocol{}
	f, err := p.Decode([]byte(`{"event":"order_status_update","channel":"private-chat_O1","data":"{\"orderId\":\"O1\",\"status\":\"accepted\"}"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	var payload struct {
		OrderID string `json:"orderId"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		t.Fatalf("payload not unwrapped: %v (%s)", err, f.Data)
	}
	if payload.OrderID != "O1" || payload.Status != "accepted" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestPubSub_Encode(t *testing.T) {
	p := &pubsubProtocol{appKey: "app"}

	if got := p.Channel("chat_O1"); got != "private-chat_O1" {
		t.Errorf("Channel() = %q", got)
	}
	if got := p.Channel("private-chat_O1"); got != "private-chat_O1" {
		t.Errorf("Channel() double prefixed: %q", got)
	}

	data, key, err := p.SubscribeFrame("private-chat_O1", "app:sig", 7)
	if err != nil {
		t.Fatalf("SubscribeFrame failed: %v", err)
	}
	if key != "private-chat_O1" {
		t.Errorf("key = %q, want channel name", key)
	}
	var msg struct {
		Event string `json:"event"`
		Data  struct {
			Channel string `json:"channel"`
			Auth    string `json:"auth"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("subscribe frame not json: %v", err)
	}
	if msg.Event != "pusher:subscribe" || msg.Data.Channel != "private-chat_O1" || msg.Data.Auth != "app:sig" {
		t.Errorf("subscribe frame = %s", data)
	}

	data, err = p.EventFrame("private-chat_O1", "price_proposal_response", map[string]string{"orderId": "O1"})
	if err != nil {
		t.Fatalf("EventFrame failed: %v", err)
	}
	if !strings.Contains(string(data), `"event":"client-price_proposal_response"`) ||
		!strings.Contains(string(data), `"channel":"private-chat_O1"`) {
		t.Errorf("event frame = %s", data)
	}

	if got := p.DialURL("wss://ws.example.test"); !strings.HasPrefix(got, "wss://ws.example.test/app/app?") ||
		!strings.Contains(got, "protocol=7") {
		t.Errorf("DialURL() = %q", got)
	}
	if got := p.DialURL("wss://ws.example.test/app/other"); got != "wss://ws.example.test/app/other" {
		t.Errorf("DialURL() rewrote explicit app path: %q", got)
	}
}

func TestSocket_Decode(t *testing.T) {
	p := &socketProtocol{}

	tests := []struct {
		name      string
		in        string
		wantKind  FrameKind
		wantEvent string
		wantRoom  string
		wantKey   string
		wantErr   string
		wantFail  bool
	}{
		{name: "open", in: `0{"sid":"e1","pingInterval":25000,"pingTimeout":20000}`, wantKind: FrameOpen},
		{name: "ping", in: `2`, wantKind: FramePing},
		{name: "pong", in: `3`, wantKind: FramePong},
		{name: "namespace connect", in: `40{"sid":"s1"}`, wantKind: FrameConnected},
		{name: "connect error", in: `44{"message":"unauthorized"}`, wantKind: FrameError, wantErr: "unauthorized"},
		{name: "namespace disconnect", in: `41`, wantKind: FrameClose, wantErr: "namespace disconnected"},
		{
			name:      "event with room",
			in:        `42["new_message",{"message":{"id":"m1"},"room":"chat_O1"}]`,
			wantKind:  FrameEvent,
			wantEvent: "new_message",
			wantRoom:  "chat_O1",
		},
		{
			name:      "event without room",
			in:        `42["order_status_update",{"orderId":"O1","status":"working"}]`,
			wantKind:  FrameEvent,
			wantEvent: "order_status_update",
		},
		{
			name:      "event requesting ack",
			in:        `4212["new_notification",{"notification":{"id":"n1"}}]`,
			wantKind:  FrameEvent,
			wantEvent: "new_notification",
		},
		{name: "ack ok", in: `435[{"ok":true}]`, wantKind: FrameAck, wantKey: "5"},
		{name: "ack refused", in: `436[{"ok":false}]`, wantKind: FrameAck, wantKey: "6", wantErr: "refused"},
		{name: "ack error", in: `437[{"error":"forbidden"}]`, wantKind: FrameAck, wantKey: "7", wantErr: "forbidden"},
		{name: "empty", in: ``, wantFail: true},
		{name: "bad event args", in: `42{}`, wantFail: true},
		{name: "unknown engine packet", in: `9`, wantFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := p.Decode([]byte(tt.in))
			if tt.wantFail {
				if err == nil {
					t.Fatalf("Decode(%q) expected error, got %+v", tt.in, f)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode(%q) failed: %v", tt.in, err)
			}
			if f.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", f.Kind, tt.wantKind)
			}
			if f.Event != tt.wantEvent {
				t.Errorf("Event = %q, want %q", f.Event, tt.wantEvent)
			}
			if f.Room != tt.wantRoom {
				t.Errorf("Room = %q, want %q", f.Room, tt.wantRoom)
			}
			if f.Key != tt.wantKey {
				t.Errorf("Key = %q, want %q", f.Key, tt.wantKey)
			}
			if f.Err != tt.wantErr {
				t.Errorf("Err = %q, want %q", f.Err, tt.wantErr)
			}
		})
	}
}

func TestSocket_Encode(t *testing.T) {
	p := &socketProtocol{}

	if got := string(p.ConnectFrame("tok")); got != `40{"token":"tok"}` {
		t.Errorf("ConnectFrame = %q", got)
	}
	if got := string(p.ConnectFrame("")); got != `40` {
		t.Errorf("ConnectFrame without token = %q", got)
	}
	if got := string(p.PongFrame()); got != "3" {
		t.Errorf("PongFrame = %q", got)
	}
	if p.NeedsGrant("chat_O1") {
		t.Error("socket backend should not need grants")
	}

	data, key, err := p.SubscribeFrame("chat_O1", "", 12)
	if err != nil {
		t.Fatalf("SubscribeFrame failed: %v", err)
	}
	if key != "12" || string(data) != `4212["join_room",{"room":"chat_O1"}]` {
		t.Errorf("SubscribeFrame = (%q, %q)", data, key)
	}

	data, err = p.UnsubscribeFrame("chat_O1")
	if err != nil || string(data) != `42["leave_room",{"room":"chat_O1"}]` {
		t.Errorf("UnsubscribeFrame = %q, %v", data, err)
	}

	data, err = p.EventFrame("chat_O1", "price_proposal_response", map[string]string{"orderId": "O1"})
	if err != nil {
		t.Fatalf("EventFrame failed: %v", err)
	}
	if string(data) != `42["price_proposal_response",{"orderId":"O1","room":"chat_O1"}]` {
		t.Errorf("EventFrame = %s", data)
	}

	got := p.DialURL("wss://rt.example.test/socket.io/")
	if !strings.Contains(got, "EIO=4") || !strings.Contains(got, "transport=websocket") {
		t.Errorf("DialURL() = %q", got)
	}
}
