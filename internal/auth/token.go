package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Token errors.
var (
	ErrNoSubject    = errors.New("token carries no user id")
	ErrTokenExpired = errors.New("token expired")
)

// TokenClaims is the subset of session token claims the agent needs.
type TokenClaims struct {
	UserID    string
	ExpiresAt time.Time // zero when the token has no exp claim
}

// Expired reports whether the claims are past their expiry at now.
func (c TokenClaims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// ParseToken reads the claims of a bearer token without verifying its
// signature; the marketplace API verifies it on every request. The user id is
// taken from "sub", falling back to "userId" (string or number).
func ParseToken(token string) (TokenClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenClaims{}, fmt.Errorf("parse token: %w", err)
	}

	var out TokenClaims
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		out.UserID = sub
	} else {
		switch v := claims["userId"].(type) {
		case string:
			out.UserID = v
		case float64: // JSON numbers decode as float64
			out.UserID = strconv.FormatInt(int64(v), 10)
		}
	}
	if out.UserID == "" {
		return TokenClaims{}, ErrNoSubject
	}

	if exp, ok := claims["exp"].(float64); ok {
		out.ExpiresAt = time.Unix(int64(exp), 0)
	}
	return out, nil
}
