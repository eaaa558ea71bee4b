// Package auth provides private channel grants and request credentials.
//
// A subscription to a private channel on the pub/sub backend must carry a
// grant computed from the connection's socket id and the channel name. The
// marketplace signs grants server-side; Signer produces identical grants
// locally when the application secret is known (test servers, staging).
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// PrivatePrefix is the channel prefix that requires a grant.
const PrivatePrefix = "private-"

// Grant is the authorization string sent with a private subscription.
type Grant struct {
	Auth string `json:"auth"`
}

// Authorizer issues grants for private channels.
type Authorizer interface {
	Authorize(ctx context.Context, socketID, channel string) (Grant, error)
}

// ErrNotPrivate is returned when a grant is requested for a public channel.
var ErrNotPrivate = errors.New("channel is not private")

// Signer computes grants with an HMAC-SHA256 over "socketID:channel".
type Signer struct {
	Key    string // application key
	Secret string // application secret
}

// NewSigner returns a Signer for the given application credentials.
func NewSigner(key, secret string) (*Signer, error) {
	if key == "" {
		return nil, fmt.Errorf("application key is required")
	}
	if secret == "" {
		return nil, fmt.Errorf("application secret is required")
	}
	return &Signer{Key: key, Secret: secret}, nil
}

// Authorize implements Authorizer.
func (s *Signer) Authorize(_ context.Context, socketID, channel string) (Grant, error) {
	if socketID == "" {
		return Grant{}, fmt.Errorf("socket id is required")
	}
	if !strings.HasPrefix(channel, PrivatePrefix) {
		return Grant{}, fmt.Errorf("%w: %s", ErrNotPrivate, channel)
	}
	return Grant{Auth: s.Key + ":" + s.generateSignature(socketID, channel)}, nil
}

// Verify reports whether grant is valid for socketID and channel.
func (s *Signer) Verify(grant Grant, socketID, channel string) bool {
	key, sig, ok := strings.Cut(grant.Auth, ":")
	if !ok || key != s.Key {
		return false
	}
	want := s.generateSignature(socketID, channel)
	return hmac.Equal([]byte(sig), []byte(want))
}

// generateSignature creates the hex HMAC for a subscription.
// Message format: socket_id + ":" + channel
func (s *Signer) generateSignature(socketID, channel string) string {
	mac := hmac.New(sha256.New, []byte(s.Secret))
	mac.Write([]byte(socketID + ":" + channel))
	return hex.EncodeToString(mac.Sum(nil))
}

// BearerHeaders returns the request headers for an authenticated API call.
func BearerHeaders(token string) map[string]string {
	headers := map[string]string{
		"Accept": "application/json",
	}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return headers
}
