package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TempIDPrefix marks client-local message ids issued before the server echo.
const TempIDPrefix = "tmp-"

// ContentKind tags the structured sub-payload carried by a message body.
type ContentKind string

const (
	ContentPlain         ContentKind = "plain"
	ContentPriceProposal ContentKind = "price_proposal"
	ContentInvoiceLink   ContentKind = "invoice_link"
)

// Content is the decoded form of a message body. Only the fields matching
// Kind are set.
type Content struct {
	Kind       ContentKind
	Price      decimal.Decimal
	Currency   string
	InvoiceURL string
}

// ChatMessage is one entry of an order conversation.
type ChatMessage struct {
	ID         string    `json:"id" validate:"required"`
	OrderID    string    `json:"orderId" validate:"required"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
	IsRead     bool      `json:"isRead"`

	// Content is decoded once when the message enters a timeline.
	Content Content `json:"-"`
}

// IsTemporary reports whether the message still carries a client-local id.
func (m ChatMessage) IsTemporary() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// SendMessageRequest is the body of POST /orders/{id}/messages.
type SendMessageRequest struct {
	ReceiverID string `json:"receiverId"`
	Body       string `json:"body"`
}

// ChatHistory is returned by GET /orders/{id}/chat.
type ChatHistory struct {
	Messages []ChatMessage `json:"messages"`
	Order    Order         `json:"order"`
}

// Decision is the requester's answer to a price proposal.
type Decision string

const (
	DecisionUnset    Decision = ""
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is a resolvable decision.
func (d Decision) Valid() bool {
	return d == DecisionAccepted || d == DecisionRejected
}

// PriceProposal is derived from a chat message; it is never stored
// server-side as its own entity.
type PriceProposal struct {
	ID         string // source message id
	OrderID    string
	SenderID   string
	Price      decimal.Decimal
	Currency   string
	Response   Decision
	ResolvedAt time.Time
}
