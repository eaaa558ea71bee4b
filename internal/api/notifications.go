package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rickgao/farmlink-sync/internal/auth"
	"github.com/rickgao/farmlink-sync/internal/model"
)

// ListNotifications returns the user's notifications, newest first.
func (c *Client) ListNotifications(ctx context.Context) ([]model.Notification, error) {
	var page notificationsPage
	if err := c.get(ctx, "/notifications", nil, &page); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return page.Notifications, nil
}

// MarkNotificationRead marks one notification as read.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	if err := c.send(ctx, http.MethodPost, "/notifications/"+url.PathEscape(id)+"/read", nil, nil); err != nil {
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}
	return nil
}

// Authorize fetches a server-signed grant for a private channel. It
// implements auth.Authorizer.
func (c *Client) Authorize(ctx context.Context, socketID, channel string) (auth.Grant, error) {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeaders(auth.BearerHeaders(c.Token())).
		SetFormData(map[string]string{
			"socket_id":    socketID,
			"channel_name": channel,
		}).
		Post(c.authPath)
	if err != nil {
		return auth.Grant{}, fmt.Errorf("authorize %s: %w", channel, err)
	}
	if resp.StatusCode() >= 400 {
		return auth.Grant{}, fmt.Errorf("authorize %s: %w", channel, &APIError{
			StatusCode: resp.StatusCode(),
			Message:    errorMessage(resp.StatusCode(), resp.Body()),
			Body:       resp.Body(),
		})
	}

	var g grantResponse
	if err := json.Unmarshal(resp.Body(), &g); err != nil {
		return auth.Grant{}, fmt.Errorf("authorize %s: unmarshal grant: %w", channel, err)
	}
	grant := g.Auth
	if grant == "" && g.Data != nil {
		grant = g.Data.Auth
	}
	if grant == "" {
		return auth.Grant{}, fmt.Errorf("authorize %s: %w", channel, errors.New("empty grant"))
	}
	return auth.Grant{Auth: grant}, nil
}
