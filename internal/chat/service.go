// Package chat keeps the conversation of each open order.
//
// Outgoing messages appear immediately under a temporary id and are replaced
// by the persisted message once the server answers or the transport echoes
// it, whichever comes first. Message content is decoded once, on entry.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/farmlink-sync/internal/model"
)

// ErrEmptyMessage is returned when sending a blank body.
var ErrEmptyMessage = errors.New("message body is empty")

// API is the REST surface the chat needs.
type API interface {
	GetChat(ctx context.Context, orderID string) (*model.ChatHistory, error)
	SendMessage(ctx context.Context, orderID string, req model.SendMessageRequest) (*model.ChatMessage, error)
}

// Decoder classifies message bodies.
type Decoder interface {
	Decode(body string) model.Content
}

// Service owns the timelines of open orders. It is safe for concurrent use.
type Service struct {
	api     API
	decoder Decoder
	logger  *slog.Logger
	newID   func() string
	now     func() time.Time

	mu           sync.RWMutex
	userID       string
	timelines    map[string]*Timeline
	counterparts map[string]string

	subMu  sync.RWMutex
	nextID int
	subs   map[int]func(orderID string)
}

// NewService creates a chat service.
func NewService(api API, decoder Decoder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		api:          api,
		decoder:      decoder,
		logger:       logger.With("component", "chat"),
		newID:        uuid.NewString,
		now:          time.Now,
		timelines:    make(map[string]*Timeline),
		counterparts: make(map[string]string),
		subs:         make(map[int]func(string)),
	}
}

// SetUser sets the signed-in user, the sender of outgoing messages.
func (s *Service) SetUser(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

// Open loads the history of orderID and returns it with the order snapshot.
func (s *Service) Open(ctx context.Context, orderID string) (*model.ChatHistory, error) {
	hist, err := s.api.GetChat(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load chat %s: %w", orderID, err)
	}
	for i := range hist.Messages {
		hist.Messages[i] = s.decode(hist.Messages[i])
	}

	tl := s.timeline(orderID)
	tl.Load(hist.Messages)

	s.mu.Lock()
	if cp := counterpart(s.userID, hist.Order); cp != "" {
		s.counterparts[orderID] = cp
	}
	s.mu.Unlock()

	s.logger.Debug("chat loaded", "order_id", orderID, "messages", len(hist.Messages))
	s.notify(orderID)
	return hist, nil
}

// counterpart is the other party of order as seen by userID.
func counterpart(userID string, order model.Order) string {
	farmer := ""
	if order.FarmerID != nil {
		farmer = *order.FarmerID
	}
	if userID != "" && userID == farmer {
		return order.RequesterID
	}
	return farmer
}

// SetCounterpart overrides the receiver of messages sent on orderID.
func (s *Service) SetCounterpart(orderID, userID string) {
	s.mu.Lock()
	s.counterparts[orderID] = userID
	s.mu.Unlock()
}

// Send appends body optimistically and posts it. On failure the pending
// message is removed and the error returned.
func (s *Service) Send(ctx context.Context, orderID, body string) (model.ChatMessage, error) {
	if body == "" {
		return model.ChatMessage{}, ErrEmptyMessage
	}

	s.mu.RLock()
	sender, receiver := s.userID, s.counterparts[orderID]
	s.mu.RUnlock()

	tmp := s.decode(model.ChatMessage{
		ID:         model.TempIDPrefix + s.newID(),
		OrderID:    orderID,
		SenderID:   sender,
		ReceiverID: receiver,
		Body:       body,
		CreatedAt:  s.now(),
		IsRead:     true,
	})
	tl := s.timeline(orderID)
	tl.AddPending(tmp)
	s.notify(orderID)

	persisted, err := s.api.SendMessage(ctx, orderID, model.SendMessageRequest{ReceiverID: receiver, Body: body})
	if err != nil {
		tl.Fail(tmp.ID)
		s.notify(orderID)
		s.logger.Warn("send message failed", "order_id", orderID, "temp_id", tmp.ID, "error", err)
		return model.ChatMessage{}, fmt.Errorf("send message: %w", err)
	}

	msg := s.decode(*persisted)
	if msg.OrderID == "" {
		msg.OrderID = orderID
	}
	tl.Confirm(tmp.ID, msg)
	s.notify(orderID)
	s.logger.Debug("message confirmed", "order_id", orderID, "temp_id", tmp.ID, "message_id", msg.ID)
	return msg, nil
}

// Ingest adds a message received from the transport and returns it decoded.
// The bool is false for duplicates.
func (s *Service) Ingest(msg model.ChatMessage) (model.ChatMessage, bool) {
	msg = s.decode(msg)
	if !s.timeline(msg.OrderID).Ingest(msg) {
		s.logger.Debug("duplicate message ignored", "order_id", msg.OrderID, "message_id", msg.ID)
		return msg, false
	}
	s.notify(msg.OrderID)
	return msg, true
}

// Messages returns the timeline of orderID.
func (s *Service) Messages(orderID string) []model.ChatMessage {
	s.mu.RLock()
	tl, ok := s.timelines[orderID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return tl.Messages()
}

// Close forgets the timeline of orderID.
func (s *Service) Close(orderID string) {
	s.mu.Lock()
	delete(s.timelines, orderID)
	delete(s.counterparts, orderID)
	s.mu.Unlock()
}

// Subscribe registers fn to run when a timeline changes. The returned func
// removes it.
func (s *Service) Subscribe(fn func(orderID string)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Service) notify(orderID string) {
	s.subMu.RLock()
	fns := make([]func(string), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()
	for _, fn := range fns {
		fn(orderID)
	}
}

func (s *Service) timeline(orderID string) *Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.timelines[orderID]
	if !ok {
		tl = NewTimeline(orderID)
		s.timelines[orderID] = tl
	}
	return tl
}

func (s *Service) decode(m model.ChatMessage) model.ChatMessage {
	if m.Content.Kind == "" && s.decoder != nil {
		m.Content = s.decoder.Decode(m.Body)
	}
	return m
}
