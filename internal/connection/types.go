package connection

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrStaleConnection    = errors.New("connection stale (no ping)")
	ErrTimeout            = errors.New("operation timeout")
	ErrAlreadyClosed      = errors.New("already closed")
	ErrHandshakeTimeout   = errors.New("handshake timeout")
	ErrHandshakeRejected  = errors.New("handshake rejected")
	ErrSubscribeRejected  = errors.New("subscription rejected")
	ErrSuperseded         = errors.New("session superseded by another user")
	ErrUserRequired       = errors.New("user id is required")
	ErrUnsupportedBackend = errors.New("unsupported transport backend")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// FrameKind classifies a decoded protocol frame.
type FrameKind int

const (
	FrameUnknown        FrameKind = iota
	FrameOpen                     // transport open, namespace connect still pending
	FrameConnected                // session established, SocketID set
	FramePing                     // protocol-level ping, must be answered
	FramePong                     // protocol-level pong
	FrameSubscribed               // subscription confirmed, Key set
	FrameSubscribeError           // subscription refused, Key and Err set
	FrameAck                      // acknowledgement of an emit, Key set
	FrameEvent                    // application event
	FrameError                    // protocol error, Err set
	FrameClose                    // server closed the session
)

var frameKindNames = [...]string{
	"unknown", "open", "connected", "ping", "pong", "subscribed",
	"subscribe_error", "ack", "event", "error", "close",
}

func (k FrameKind) String() string {
	if int(k) < len(frameKindNames) {
		return frameKindNames[k]
	}
	return "unknown"
}

// Frame is one decoded inbound message.
type Frame struct {
	Kind       FrameKind
	Room       string          // logical room name ("chat_12"); empty when the wire frame carries none
	Event      string          // application event name for FrameEvent
	Data       json.RawMessage // event payload
	SocketID   string          // FrameConnected
	Key        string          // correlation key for FrameSubscribed, FrameSubscribeError, FrameAck
	Err        string
	ReceivedAt time.Time
}

// State is the lifecycle state of the transport session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL including protocol query parameters
	Token            string        // Bearer token sent on the upgrade request (empty = none)
	UserAgent        string        // User-Agent header
	HandshakeTimeout time.Duration // Dial timeout
	PingTimeout      time.Duration // Max time without inbound traffic before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingTimeout:      120 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// ManagerConfig configures the Manager.
type ManagerConfig struct {
	URL                  string        // Base websocket URL of the realtime server
	AppKey               string        // Pub/sub application key
	HandshakeTimeout     time.Duration // Dial plus protocol handshake
	SubscribeTimeout     time.Duration // Wait for subscription confirmation
	ReconnectBaseDelay   time.Duration // First reconnect delay
	ReconnectMaxDelay    time.Duration // Reconnect delay ceiling
	MaxReconnectAttempts int           // Attempts before giving up
	PingTimeout          time.Duration
	WriteTimeout         time.Duration
	BufferSize           int     // Decoded frame buffer toward the router
	ClientEventRate      float64 // Outbound client events per second
	ClientEventBurst     int
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HandshakeTimeout:     10 * time.Second,
		SubscribeTimeout:     10 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 6,
		PingTimeout:          120 * time.Second,
		WriteTimeout:         5 * time.Second,
		BufferSize:           1000,
		ClientEventRate:      10,
		ClientEventBurst:     10,
	}
}

// Stats is a snapshot of the transport session.
type Stats struct {
	State             State
	UserID            string
	SocketID          string
	Rooms             int
	ReconnectAttempts int
	FramesReceived    int64
	FramesDropped     int64
}
