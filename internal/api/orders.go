package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rickgao/farmlink-sync/internal/model"
)

// CreateOrder submits a new order.
func (c *Client) CreateOrder(ctx context.Context, req model.CreateOrderRequest) (*model.Order, error) {
	var order model.Order
	if err := c.send(ctx, http.MethodPost, "/orders", req, &order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	return &order, nil
}

// GetChat returns the conversation of an order together with its snapshot.
func (c *Client) GetChat(ctx context.Context, orderID string) (*model.ChatHistory, error) {
	var history model.ChatHistory
	if err := c.get(ctx, "/orders/"+url.PathEscape(orderID)+"/chat", nil, &history); err != nil {
		return nil, fmt.Errorf("get chat %s: %w", orderID, err)
	}
	return &history, nil
}

// SendMessage posts a chat message to an order conversation.
func (c *Client) SendMessage(ctx context.Context, orderID string, req model.SendMessageRequest) (*model.ChatMessage, error) {
	var msg model.ChatMessage
	if err := c.send(ctx, http.MethodPost, "/orders/"+url.PathEscape(orderID)+"/messages", req, &msg); err != nil {
		return nil, fmt.Errorf("send message %s: %w", orderID, err)
	}
	return &msg, nil
}

// UpdateOrder patches the status and/or price of an order.
func (c *Client) UpdateOrder(ctx context.Context, orderID string, upd model.OrderUpdate) (*model.Order, error) {
	var order model.Order
	if err := c.send(ctx, http.MethodPatch, "/orders/"+url.PathEscape(orderID), upd, &order); err != nil {
		return nil, fmt.Errorf("update order %s: %w", orderID, err)
	}
	return &order, nil
}

// GetInvoice returns the invoice of a completed order.
func (c *Client) GetInvoice(ctx context.Context, orderID string) (*model.Invoice, error) {
	var inv model.Invoice
	if err := c.get(ctx, "/orders/"+url.PathEscape(orderID)+"/invoice", nil, &inv); err != nil {
		return nil, fmt.Errorf("get invoice %s: %w", orderID, err)
	}
	return &inv, nil
}

// SaveLocation stores the user's current location.
func (c *Client) SaveLocation(ctx context.Context, loc model.Location) error {
	if err := c.send(ctx, http.MethodPost, "/user/location", loc, nil); err != nil {
		return fmt.Errorf("save location: %w", err)
	}
	return nil
}
