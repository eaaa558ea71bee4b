// Package cache provides the key-value store that persists agent state
// between runs: the session blob and the journal of presented notifications.
package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/rickgao/farmlink-sync/internal/config"
	"github.com/rickgao/farmlink-sync/internal/database"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("cache: key not found")

// Store is a small durable key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open returns the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.CacheConfig, appName string) (Store, error) {
	switch cfg.Backend {
	case config.CacheFile, "":
		return NewFileStore(cfg.Path)
	case config.CacheSQLite:
		return NewSQLiteStore(cfg.Path)
	case config.CachePostgres:
		pool, err := database.Connect(ctx, cfg.Postgres, appName)
		if err != nil {
			return nil, fmt.Errorf("connect cache database: %w", err)
		}
		return NewPostgresStore(ctx, pool)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
