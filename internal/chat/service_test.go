package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rickgao/farmlink-sync/internal/model"
)

type fakeAPI struct {
	mu      sync.Mutex
	history *model.ChatHistory
	sent    []model.SendMessageRequest
	sendErr error
	nextID  int
	// during runs inside SendMessage before it returns.
	during func()
}

func (f *fakeAPI) GetChat(_ context.Context, orderID string) (*model.ChatHistory, error) {
	if f.history == nil {
		return nil, errors.New("not found")
	}
	h := *f.history
	h.Messages = append([]model.ChatMessage(nil), f.history.Messages...)
	return &h, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, orderID string, req model.SendMessageRequest) (*model.ChatMessage, error) {
	if f.during != nil {
		f.during()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, req)
	f.nextID++
	return &model.ChatMessage{
		ID:         "srv-" + string(rune('0'+f.nextID)),
		OrderID:    orderID,
		SenderID:   "u1",
		ReceiverID: req.ReceiverID,
		Body:       req.Body,
	}, nil
}

type priceDecoder struct{}

func (priceDecoder) Decode(body string) model.Content {
	if body == "offer 1500" {
		return model.Content{Kind: model.ContentPriceProposal, Price: decimal.NewFromInt(1500)}
	}
	return model.Content{Kind: model.ContentPlain}
}

func strPtr(s string) *string { return &s }

func newTestService(api *fakeAPI) *Service {
	s := NewService(api, priceDecoder{}, nil)
	s.newID = func() string { return "fixed" }
	s.SetUser("u1")
	return s
}

func TestService_OpenDecodesAndSetsCounterpart(t *testing.T) {
	api := &fakeAPI{history: &model.ChatHistory{
		Messages: []model.ChatMessage{
			{ID: "m1", OrderID: "42", SenderID: "f7", Body: "offer 1500"},
			{ID: "m2", OrderID: "42", SenderID: "u1", Body: "hello"},
		},
		Order: model.Order{ID: "42", RequesterID: "u1", FarmerID: strPtr("f7")},
	}}
	s := newTestService(api)

	if _, err := s.Open(context.Background(), "42"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	got := s.Messages("42")
	if len(got) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(got))
	}
	if got[0].Content.Kind != model.ContentPriceProposal {
		t.Errorf("m1 kind = %q, want price_proposal", got[0].Content.Kind)
	}
	if got[1].Content.Kind != model.ContentPlain {
		t.Errorf("m2 kind = %q, want plain", got[1].Content.Kind)
	}

	if _, err := s.Send(context.Background(), "42", "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if api.sent[0].ReceiverID != "f7" {
		t.Errorf("ReceiverID = %q, want f7", api.sent[0].ReceiverID)
	}
}

func TestService_OpenError(t *testing.T) {
	s := newTestService(&fakeAPI{})
	if _, err := s.Open(context.Background(), "42"); err == nil {
		t.Fatal("Open() error = nil, want error")
	}
	if s.Messages("42") != nil {
		t.Error("timeline created on failed Open")
	}
}

func TestCounterpart(t *testing.T) {
	order := model.Order{RequesterID: "u1", FarmerID: strPtr("f7")}
	if got := counterpart("u1", order); got != "f7" {
		t.Errorf("requester view = %q, want f7", got)
	}
	if got := counterpart("f7", order); got != "u1" {
		t.Errorf("farmer view = %q, want u1", got)
	}
	if got := counterpart("u1", model.Order{RequesterID: "u1"}); got != "" {
		t.Errorf("unassigned = %q, want empty", got)
	}
}

func TestService_SendOptimistic(t *testing.T) {
	api := &fakeAPI{}
	s := newTestService(api)
	s.SetCounterpart("42", "f7")

	var seenPending bool
	api.during = func() {
		msgs := s.Messages("42")
		seenPending = len(msgs) == 1 && msgs[0].ID == "tmp-fixed"
	}

	var changes int
	unsub := s.Subscribe(func(orderID string) {
		if orderID == "42" {
			changes++
		}
	})
	defer unsub()

	m, err := s.Send(context.Background(), "42", "offer 1500")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !seenPending {
		t.Error("pending message not visible while the request was in flight")
	}
	if m.ID != "srv-1" || m.Content.Kind != model.ContentPriceProposal {
		t.Errorf("Send() = %+v", m)
	}
	equalIDs(t, s.Messages("42"), "srv-1")
	if changes != 2 {
		t.Errorf("changes = %d, want 2", changes)
	}
}

func TestService_SendFailureDropsPending(t *testing.T) {
	s := newTestService(&fakeAPI{sendErr: errors.New("boom")})
	if _, err := s.Send(context.Background(), "42", "hi"); err == nil {
		t.Fatal("Send() error = nil, want error")
	}
	if n := len(s.Messages("42")); n != 0 {
		t.Errorf("len(Messages) = %d, want 0", n)
	}
}

func TestService_SendEmpty(t *testing.T) {
	s := newTestService(&fakeAPI{})
	if _, err := s.Send(context.Background(), "42", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("Send(\"\") error = %v, want ErrEmptyMessage", err)
	}
}

func TestService_EchoBeforeResponse(t *testing.T) {
	api := &fakeAPI{}
	s := newTestService(api)
	api.during = func() {
		if _, ok := s.Ingest(model.ChatMessage{ID: "srv-1", OrderID: "42", SenderID: "u1", Body: "hi"}); !ok {
			t.Error("echo rejected")
		}
	}

	if _, err := s.Send(context.Background(), "42", "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	equalIDs(t, s.Messages("42"), "srv-1")
}

func TestService_IngestDuplicate(t *testing.T) {
	s := newTestService(&fakeAPI{})
	in := model.ChatMessage{ID: "m1", OrderID: "42", SenderID: "f7", Body: "offer 1500"}

	got, ok := s.Ingest(in)
	if !ok || got.Content.Kind != model.ContentPriceProposal {
		t.Fatalf("Ingest() = %+v, %v", got, ok)
	}
	if _, ok := s.Ingest(in); ok {
		t.Error("duplicate Ingest() = true")
	}

	s.Close("42")
	if s.Messages("42") != nil {
		t.Error("timeline kept after Close")
	}
}
