// Package session persists the cached user/session blob and resolves the
// user id the transport connects as.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rickgao/farmlink-sync/internal/auth"
	"github.com/rickgao/farmlink-sync/internal/cache"
	"github.com/rickgao/farmlink-sync/internal/model"
)

// Key is the cache key of the session blob.
const Key = "session"

// Session errors.
var (
	ErrNoSession = errors.New("no cached session")
	ErrExpired   = errors.New("session token expired")
)

// Repository loads and saves the session blob.
type Repository struct {
	store  cache.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRepository creates a repository backed by store.
func NewRepository(store cache.Store, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		store:  store,
		logger: logger.With("component", "session"),
		now:    time.Now,
	}
}

// Load returns the cached session with its user id resolved.
func (r *Repository) Load(ctx context.Context) (*model.Session, error) {
	data, err := r.store.Get(ctx, Key)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	var s model.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if err := r.resolve(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Save stores s. The user id is resolved from the token when missing.
func (r *Repository) Save(ctx context.Context, s model.Session) error {
	if s.Token == "" {
		return errors.New("session token is required")
	}
	if err := r.resolve(&s); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.store.Put(ctx, Key, data); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	r.logger.Info("session saved", "user_id", s.UserID)
	return nil
}

// SaveLocation updates the last known location of the cached session.
func (r *Repository) SaveLocation(ctx context.Context, loc model.Location) error {
	s, err := r.Load(ctx)
	if err != nil {
		return err
	}
	s.Location = &loc
	return r.Save(ctx, *s)
}

// Clear removes the cached session.
func (r *Repository) Clear(ctx context.Context) error {
	if err := r.store.Delete(ctx, Key); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// resolve fills UserID from the token claims when it is missing and rejects
// expired tokens. A token that cannot be parsed is accepted as long as the
// blob already carries an id.
func (r *Repository) resolve(s *model.Session) error {
	claims, err := auth.ParseToken(s.Token)
	if err != nil {
		if s.UserID != "" {
			r.logger.Debug("session token unreadable, using cached id", "error", err)
			return nil
		}
		return fmt.Errorf("resolve user id: %w", err)
	}
	if claims.Expired(r.now()) {
		return ErrExpired
	}
	if s.UserID == "" {
		s.UserID = claims.UserID
	}
	return nil
}
