package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Logical collections. Each maps a key to one opaque value.
const (
	CollectionHistory     = "chat_history"
	CollectionDocuments   = "documents"
	CollectionPollerState = "poller_state"
)

var collections = []string{CollectionHistory, CollectionDocuments, CollectionPollerState}

// Backend is the key-value document store behind ConversationStore. Put is a
// full replace and must be atomic per key.
type Backend interface {
	Name() string
	Get(ctx context.Context, collection, key string) ([]byte, error)
	Put(ctx context.Context, collection, key string, value []byte) error
	Count(ctx context.Context, collection string) (int, error)
	Close() error
}

// Maintainer is implemented by backends with periodic housekeeping.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// Pinger is implemented by backends that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

type BackendOptions struct {
	Kind           string
	Path           string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
}

func OpenBackend(opts BackendOptions) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "", "sqlite":
		return NewSQLiteBackend(opts.Path)
	case "bolt", "bbolt":
		return NewBoltBackend(opts.Path)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		return NewRedisBackend(client, opts.RedisKeyPrefix), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Kind)
}
