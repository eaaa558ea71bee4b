package connection

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Engine.IO v4 packet types, followed by Socket.IO packet types for "4" messages.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'

	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'

	joinRoomEvent  = "join_room"
	leaveRoomEvent = "leave_room"
)

// socketProtocol implements Socket.IO text framing over a websocket-only
// Engine.IO v4 transport on the default namespace.
type socketProtocol struct{}

func (p *socketProtocol) Name() string { return "socket" }

func (p *socketProtocol) DialURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	if q.Get("EIO") == "" {
		q.Set("EIO", "4")
	}
	if q.Get("transport") == "" {
		q.Set("transport", "websocket")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (p *socketProtocol) Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("decode socket frame: empty")
	}

	switch data[0] {
	case eioOpen:
		return Frame{Kind: FrameOpen}, nil
	case eioClose:
		return Frame{Kind: FrameClose, Err: "engine closed"}, nil
	case eioPing:
		return Frame{Kind: FramePing}, nil
	case eioPong:
		return Frame{Kind: FramePong}, nil
	case eioMessage:
		return p.decodePacket(data[1:])
	}
	return Frame{}, fmt.Errorf("decode socket frame: unknown engine packet %q", data[0])
}

func (p *socketProtocol) decodePacket(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("decode socket packet: empty")
	}
	kind, rest := data[0], data[1:]

	switch kind {
	case sioConnect:
		var c struct {
			SID string `json:"sid"`
		}
		if len(rest) > 0 {
			json.Unmarshal(rest, &c)
		}
		if c.SID == "" {
			return Frame{}, fmt.Errorf("decode socket connect: missing sid")
		}
		return Frame{Kind: FrameConnected, SocketID: c.SID}, nil

	case sioDisconnect:
		return Frame{Kind: FrameClose, Err: "namespace disconnected"}, nil

	case sioConnectError:
		var e struct {
			Message string `json:"message"`
		}
		json.Unmarshal(rest, &e)
		return Frame{Kind: FrameError, Err: e.Message}, nil

	case sioEvent:
		_, args := splitAckID(rest)
		var parts []json.RawMessage
		if err := json.Unmarshal(args, &parts); err != nil || len(parts) == 0 {
			return Frame{}, fmt.Errorf("decode socket event: malformed arguments")
		}
		var name string
		if err := json.Unmarshal(parts[0], &name); err != nil || name == "" {
			return Frame{}, fmt.Errorf("decode socket event: missing name")
		}
		var payload json.RawMessage
		if len(parts) > 1 {
			payload = unwrapData(parts[1])
		}
		return Frame{Kind: FrameEvent, Event: name, Data: payload, Room: roomOf(payload)}, nil

	case sioAck:
		id, args := splitAckID(rest)
		if id == "" {
			return Frame{}, fmt.Errorf("decode socket ack: missing id")
		}
		f := Frame{Kind: FrameAck, Key: id}
		var parts []json.RawMessage
		if err := json.Unmarshal(args, &parts); err == nil && len(parts) > 0 {
			f.Data = parts[0]
			var res struct {
				OK    *bool  `json:"ok"`
				Error string `json:"error"`
			}
			if json.Unmarshal(parts[0], &res) == nil {
				switch {
				case res.Error != "":
					f.Err = res.Error
				case res.OK != nil && !*res.OK:
					f.Err = "refused"
				}
			}
		}
		return f, nil
	}

	return Frame{}, fmt.Errorf("decode socket packet: unknown type %q", kind)
}

// splitAckID separates a leading numeric ack id from the JSON arguments.
func splitAckID(data []byte) (string, []byte) {
	i := 0
	for i < len(data) && data[i] >= '0' && data[i] <= '9' {
		i++
	}
	return string(data[:i]), data[i:]
}

func (p *socketProtocol) ConnectFrame(token string) []byte {
	if token == "" {
		return []byte("40")
	}
	auth, _ := json.Marshal(map[string]string{"token": token})
	return append([]byte("40"), auth...)
}

func (p *socketProtocol) PongFrame() []byte { return []byte{eioPong} }

func (p *socketProtocol) Channel(room string) string { return room }

// NeedsGrant is false: the server authorizes join_room from the connect token.
func (p *socketProtocol) NeedsGrant(string) bool { return false }

func (p *socketProtocol) SubscribeFrame(channel, _ string, ackID int64) ([]byte, string, error) {
	key := strconv.FormatInt(ackID, 10)
	data, err := p.event(key, joinRoomEvent, map[string]string{"room": channel})
	return data, key, err
}

func (p *socketProtocol) UnsubscribeFrame(channel string) ([]byte, error) {
	return p.event("", leaveRoomEvent, map[string]string{"room": channel})
}

func (p *socketProtocol) EventFrame(channel, event string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	// Tag the payload with its room so the server can fan it out.
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err == nil && obj != nil {
		room, _ := json.Marshal(channel)
		obj["room"] = room
		return p.event("", event, obj)
	}
	return p.event("", event, json.RawMessage(body))
}

func (p *socketProtocol) event(ackID, name string, payload any) ([]byte, error) {
	args, err := json.Marshal([]any{name, payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	var b strings.Builder
	b.WriteString("42")
	b.WriteString(ackID)
	b.Write(args)
	return []byte(b.String()), nil
}
