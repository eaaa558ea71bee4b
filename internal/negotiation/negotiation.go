// Package negotiation implements the price proposal exchange carried inside
// order chats.
//
// A farmer proposes a price by sending a chat message in a fixed textual
// format. The requester resolves each proposal once: the first decision is
// recorded and every later one, local or remote, is ignored. Accepting
// appends a confirmation message, persists the order price and notifies the
// counterpart; rejecting skips the price.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/farmlink-sync/internal/metrics"
	"github.com/rickgao/farmlink-sync/internal/model"
	"github.com/rickgao/farmlink-sync/internal/router"
)

var (
	// ErrUnknownProposal is returned when resolving an id that was never
	// observed as a proposal.
	ErrUnknownProposal = errors.New("unknown price proposal")

	// ErrInvalidDecision is returned for a decision other than accepted or rejected.
	ErrInvalidDecision = errors.New("invalid decision")
)

// Messenger appends a chat message to an order conversation.
type Messenger interface {
	Send(ctx context.Context, orderID, body string) (model.ChatMessage, error)
}

// OrderUpdater persists order changes on the server.
type OrderUpdater interface {
	UpdateOrder(ctx context.Context, orderID string, upd model.OrderUpdate) (*model.Order, error)
}

// PriceStore records the agreed price locally.
type PriceStore interface {
	SetPrice(orderID string, price decimal.Decimal)
}

// Emitter sends a client event to a room.
type Emitter interface {
	Emit(ctx context.Context, room, event string, payload any) error
}

// Deps are the collaborators of a Protocol.
type Deps struct {
	Codec     *Codec
	Messenger Messenger
	Orders    OrderUpdater
	Prices    PriceStore
	Emitter   Emitter
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Protocol tracks proposals and their resolutions. It is safe for
// concurrent use.
type Protocol struct {
	codec     *Codec
	messenger Messenger
	orders    OrderUpdater
	prices    PriceStore
	emitter   Emitter
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu        sync.RWMutex
	proposals map[string]*model.PriceProposal
	byOrder   map[string][]string // order id → proposal ids in arrival order

	subMu  sync.RWMutex
	nextID int
	subs   map[int]func(model.PriceProposal)
}

// New creates a protocol.
func New(d Deps) *Protocol {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Protocol{
		codec:     d.Codec,
		messenger: d.Messenger,
		orders:    d.Orders,
		prices:    d.Prices,
		emitter:   d.Emitter,
		logger:    d.Logger.With("component", "negotiation"),
		metrics:   d.Metrics,
		now:       d.Now,
		proposals: make(map[string]*model.PriceProposal),
		byOrder:   make(map[string][]string),
		subs:      make(map[int]func(model.PriceProposal)),
	}
}

// ExtractProposal returns the proposal msg carries, if any, and registers it
// so it can be resolved. It uses the decoded content when present and
// decodes the body otherwise. A proposal seen before keeps its resolution.
func (p *Protocol) ExtractProposal(msg model.ChatMessage) (model.PriceProposal, bool) {
	prop, ok := p.extract(msg)
	if !ok {
		return model.PriceProposal{}, false
	}

	p.mu.Lock()
	if cur, seen := p.proposals[prop.ID]; seen {
		// A remote resolution may have arrived before the message itself.
		cur.SenderID = prop.SenderID
		cur.Price = prop.Price
		cur.Currency = prop.Currency
		out := *cur
		p.mu.Unlock()
		return out, true
	}
	stored := prop
	p.proposals[prop.ID] = &stored
	p.byOrder[prop.OrderID] = append(p.byOrder[prop.OrderID], prop.ID)
	p.mu.Unlock()

	p.logger.Debug("proposal observed", "proposal_id", prop.ID, "order_id", prop.OrderID, "price", prop.Price)
	p.notify(prop)
	return prop, true
}

// Observe feeds an ingested chat message to the protocol. It is
// ExtractProposal for callers that only need the side effect.
func (p *Protocol) Observe(msg model.ChatMessage) (model.PriceProposal, bool) {
	return p.ExtractProposal(msg)
}

func (p *Protocol) extract(msg model.ChatMessage) (model.PriceProposal, bool) {
	content := msg.Content
	if content.Kind == "" {
		content = p.codec.Decode(msg.Body)
	}
	if content.Kind != model.ContentPriceProposal || msg.ID == "" || msg.IsTemporary() {
		return model.PriceProposal{}, false
	}
	return model.PriceProposal{
		ID:       msg.ID,
		OrderID:  msg.OrderID,
		SenderID: msg.SenderID,
		Price:    content.Price,
		Currency: content.Currency,
	}, true
}

// Resolution returns the recorded decision for proposalID.
func (p *Protocol) Resolution(proposalID string) (model.Decision, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prop, ok := p.proposals[proposalID]
	if !ok || prop.Response == model.DecisionUnset {
		return model.DecisionUnset, false
	}
	return prop.Response, true
}

// Proposals returns the proposals of orderID in arrival order.
func (p *Protocol) Proposals(orderID string) []model.PriceProposal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := p.byOrder[orderID]
	out := make([]model.PriceProposal, 0, len(ids))
	for _, id := range ids {
		out = append(out, *p.proposals[id])
	}
	return out
}

// Resolve records decision for proposalID and carries out its side effects.
// Resolving an already resolved proposal is a silent no-op. Side-effect
// failures are returned but do not undo the resolution.
func (p *Protocol) Resolve(ctx context.Context, proposalID string, decision model.Decision) error {
	if !decision.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	p.mu.Lock()
	prop, ok := p.proposals[proposalID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}
	if prop.Response != model.DecisionUnset {
		first := prop.Response
		p.mu.Unlock()
		p.metrics.Proposal("duplicate")
		p.logger.Debug("proposal already resolved", "proposal_id", proposalID, "resolution", first, "ignored", decision)
		return nil
	}
	prop.Response = decision
	prop.ResolvedAt = p.now()
	resolved := *prop
	p.mu.Unlock()

	p.metrics.Proposal(string(decision))
	p.logger.Info("proposal resolved",
		"proposal_id", proposalID,
		"order_id", resolved.OrderID,
		"decision", decision,
		"price", resolved.Price,
	)
	p.notify(resolved)

	var errs []error

	// (a) confirmation message
	if p.messenger != nil {
		body := p.codec.Confirmation(decision, resolved.Price)
		if _, err := p.messenger.Send(ctx, resolved.OrderID, body); err != nil {
			errs = append(errs, fmt.Errorf("send confirmation: %w", err))
		}
	}

	// (b) persist the agreed price
	if decision == model.DecisionAccepted {
		price := resolved.Price
		if p.orders != nil {
			if _, err := p.orders.UpdateOrder(ctx, resolved.OrderID, model.OrderUpdate{Price: &price}); err != nil {
				errs = append(errs, fmt.Errorf("persist price: %w", err))
			}
		}
		if p.prices != nil {
			p.prices.SetPrice(resolved.OrderID, price)
		}
	}

	// (c) notify the counterpart session
	if p.emitter != nil {
		resp := model.PriceProposalResponse{
			OrderID:   resolved.OrderID,
			FarmerID:  resolved.SenderID,
			MessageID: resolved.ID,
			Status:    decision,
			Price:     resolved.Price,
		}
		if err := p.emitter.Emit(ctx, model.ChatRoom(resolved.OrderID), model.EventPriceProposalResponse, resp); err != nil {
			errs = append(errs, fmt.Errorf("emit response: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		p.logger.Warn("proposal side effects failed", "proposal_id", proposalID, "error", err)
		return err
	}
	return nil
}

// ApplyRemote records a resolution made by the counterpart session. The
// proposal is found by message id, or else by the oldest unresolved
// proposal on the order with the same price.
func (p *Protocol) ApplyRemote(resp model.PriceProposalResponse) bool {
	p.mu.Lock()
	prop := p.findLocked(resp)
	if prop == nil {
		if resp.MessageID == "" {
			p.mu.Unlock()
			p.logger.Debug("remote resolution matches no proposal", "order_id", resp.OrderID, "price", resp.Price)
			return false
		}
		// Remember the decision for a proposal message not seen yet.
		prop = &model.PriceProposal{ID: resp.MessageID, OrderID: resp.OrderID, Price: resp.Price, SenderID: resp.FarmerID}
		p.proposals[resp.MessageID] = prop
		p.byOrder[resp.OrderID] = append(p.byOrder[resp.OrderID], resp.MessageID)
	}
	if prop.Response != model.DecisionUnset {
		p.mu.Unlock()
		p.metrics.Proposal("duplicate")
		return false
	}
	prop.Response = resp.Status
	prop.ResolvedAt = p.now()
	resolved := *prop
	p.mu.Unlock()

	p.metrics.Proposal("remote_" + string(resp.Status))
	p.logger.Info("remote proposal resolution", "proposal_id", resolved.ID, "order_id", resp.OrderID, "decision", resp.Status)

	if resp.Status == model.DecisionAccepted && p.prices != nil {
		p.prices.SetPrice(resp.OrderID, resp.Price)
	}
	p.notify(resolved)
	return true
}

func (p *Protocol) findLocked(resp model.PriceProposalResponse) *model.PriceProposal {
	if resp.MessageID != "" {
		return p.proposals[resp.MessageID]
	}
	for _, id := range p.byOrder[resp.OrderID] {
		prop := p.proposals[id]
		if prop.Response == model.DecisionUnset && prop.Price.Equal(resp.Price) {
			return prop
		}
	}
	return nil
}

// Subscribe registers fn for new and resolved proposals. The returned func
// removes it.
func (p *Protocol) Subscribe(fn func(model.PriceProposal)) func() {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	p.nextID++
	id := p.nextID
	p.subs[id] = fn
	return func() {
		p.subMu.Lock()
		delete(p.subs, id)
		p.subMu.Unlock()
	}
}

func (p *Protocol) notify(prop model.PriceProposal) {
	p.subMu.RLock()
	fns := make([]func(model.PriceProposal), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.subMu.RUnlock()
	for _, fn := range fns {
		fn(prop)
	}
}

// Bind routes counterpart resolutions into the protocol.
func (p *Protocol) Bind(r *router.Router) func() {
	id := router.On(r, router.PriceProposalResponse, func(m router.Message[model.PriceProposalResponse]) {
		p.ApplyRemote(m.Payload)
	})
	return func() { router.Off(r, router.PriceProposalResponse, id) }
}
