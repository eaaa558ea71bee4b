package connection

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Protocol translates between logical rooms/events and one wire format.
type Protocol interface {
	// Name identifies the backend ("pubsub" or "socket").
	Name() string

	// DialURL returns the websocket URL for base, adding protocol parameters.
	DialURL(base string) string

	// Decode parses one inbound websocket message.
	Decode(data []byte) (Frame, error)

	// ConnectFrame is sent after FrameOpen to finish the handshake; nil when
	// the backend needs no such step.
	ConnectFrame(token string) []byte

	// PongFrame answers a protocol-level ping.
	PongFrame() []byte

	// Channel maps a logical room to its wire name.
	Channel(room string) string

	// NeedsGrant reports whether subscribing to channel requires a grant.
	NeedsGrant(channel string) bool

	// SubscribeFrame builds a subscription request and returns the key its
	// confirmation will carry.
	SubscribeFrame(channel, grant string, ackID int64) (data []byte, key string, err error)

	// UnsubscribeFrame builds an unsubscription request. No confirmation is awaited.
	UnsubscribeFrame(channel string) ([]byte, error)

	// EventFrame builds an outbound client event on channel.
	EventFrame(channel, event string, payload any) ([]byte, error)
}

// NewProtocol returns the protocol for a configured backend name.
func NewProtocol(backend, appKey string) (Protocol, error) {
	switch backend {
	case "pubsub", "":
		return &pubsubProtocol{appKey: appKey}, nil
	case "socket":
		return &socketProtocol{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, backend)
	}
}

// unwrapData returns the JSON a payload carries. Pub/sub servers commonly
// send event data as a JSON-encoded string.
func unwrapData(raw json.RawMessage) json.RawMessage {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			trimmed := strings.TrimSpace(s)
			if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
				return json.RawMessage(trimmed)
			}
		}
	}
	return raw
}

// roomOf reads an optional "room" field carried inside an event payload.
func roomOf(data json.RawMessage) string {
	if len(data) == 0 || data[0] != '{' {
		return ""
	}
	var probe struct {
		Room string `json:"room"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.Room
}
