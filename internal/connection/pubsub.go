package connection

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/rickgao/farmlink-sync/internal/auth"
	"github.com/rickgao/farmlink-sync/internal/version"
)

// Pub/sub protocol events.
const (
	pusherConnectionEstablished = "pusher:connection_established"
	pusherSubscribe             = "pusher:subscribe"
	pusherUnsubscribe           = "pusher:unsubscribe"
	pusherSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	pusherSubscriptionError     = "pusher:subscription_error"
	pusherPing                  = "pusher:ping"
	pusherPong                  = "pusher:pong"
	pusherError                 = "pusher:error"

	clientEventPrefix = "client-"
	protocolVersion   = "7"
)

// pusherMessage is the envelope of every pub/sub frame.
type pusherMessage struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// pubsubProtocol implements channel subscriptions over websocket.
type pubsubProtocol struct {
	appKey string
}

func (p *pubsubProtocol) Name() string { return "pubsub" }

func (p *pubsubProtocol) DialURL(base string) string {
	if strings.Contains(base, "/app/") || p.appKey == "" {
		return base
	}
	q := url.Values{}
	q.Set("protocol", protocolVersion)
	q.Set("client", "farmlink-sync")
	q.Set("version", version.Version)
	return strings.TrimRight(base, "/") + "/app/" + url.PathEscape(p.appKey) + "?" + q.Encode()
}

func (p *pubsubProtocol) Decode(data []byte) (Frame, error) {
	var msg pusherMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Frame{}, fmt.Errorf("decode pubsub frame: %w", err)
	}
	if msg.Event == "" {
		return Frame{}, fmt.Errorf("decode pubsub frame: missing event")
	}

	payload := unwrapData(msg.Data)

	switch msg.Event {
	case pusherConnectionEstablished:
		var est struct {
			SocketID string `json:"socket_id"`
		}
		if err := json.Unmarshal(payload, &est); err != nil || est.SocketID == "" {
			return Frame{}, fmt.Errorf("decode connection_established: missing socket_id")
		}
		return Frame{Kind: FrameConnected, SocketID: est.SocketID}, nil

	case pusherSubscriptionSucceeded:
		return Frame{Kind: FrameSubscribed, Key: msg.Channel, Room: roomName(msg.Channel)}, nil

	case pusherSubscriptionError:
		var e struct {
			Error  string `json:"error"`
			Status int    `json:"status"`
		}
		json.Unmarshal(payload, &e)
		reason := e.Error
		if reason == "" {
			reason = fmt.Sprintf("status %d", e.Status)
		}
		return Frame{Kind: FrameSubscribeError, Key: msg.Channel, Room: roomName(msg.Channel), Err: reason}, nil

	case pusherPing:
		return Frame{Kind: FramePing}, nil

	case pusherPong:
		return Frame{Kind: FramePong}, nil

	case pusherError:
		var e struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		}
		json.Unmarshal(payload, &e)
		return Frame{Kind: FrameError, Err: fmt.Sprintf("%d %s", e.Code, e.Message)}, nil
	}

	return Frame{
		Kind:  FrameEvent,
		Room:  roomName(msg.Channel),
		Event: strings.TrimPrefix(msg.Event, clientEventPrefix),
		Data:  payload,
	}, nil
}

func (p *pubsubProtocol) ConnectFrame(string) []byte { return nil }

func (p *pubsubProtocol) PongFrame() []byte {
	return []byte(`{"event":"pusher:pong","data":{}}`)
}

func (p *pubsubProtocol) Channel(room string) string {
	if strings.HasPrefix(room, auth.PrivatePrefix) {
		return room
	}
	return auth.PrivatePrefix + room
}

func (p *pubsubProtocol) NeedsGrant(channel string) bool {
	return strings.HasPrefix(channel, auth.PrivatePrefix)
}

func (p *pubsubProtocol) SubscribeFrame(channel, grant string, _ int64) ([]byte, string, error) {
	body := map[string]string{"channel": channel}
	if grant != "" {
		body["auth"] = grant
	}
	data, err := p.envelope(pusherSubscribe, "", body)
	return data, channel, err
}

func (p *pubsubProtocol) UnsubscribeFrame(channel string) ([]byte, error) {
	return p.envelope(pusherUnsubscribe, "", map[string]string{"channel": channel})
}

func (p *pubsubProtocol) EventFrame(channel, event string, payload any) ([]byte, error) {
	return p.envelope(clientEventPrefix+event, channel, payload)
}

func (p *pubsubProtocol) envelope(event, channel string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(pusherMessage{Event: event, Channel: channel, Data: data})
}

// roomName strips the private channel prefix.
func roomName(channel string) string {
	return strings.TrimPrefix(channel, auth.PrivatePrefix)
}
