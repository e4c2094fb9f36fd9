// Package store is the shared key-value layer behind the session registry and
// the mailbox. Every key carries an expiry; nothing outlives its TTL.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

// ErrNotFound is returned when a key is absent, expired, or a list is empty.
var ErrNotFound = errors.New("store: key not found")

// Store is the set of primitives the relay needs from its backing store.
//
// Pop removes the head of a list atomically: two concurrent callers never
// receive the same element. PushFront puts values back at the head in the
// given order, so values[0] is the next element Pop returns.
type Store interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Push(ctx context.Context, key string, value []byte, ttl time.Duration) error
	PushFront(ctx context.Context, key string, values [][]byte, ttl time.Duration) error
	Pop(ctx context.Context, key string) ([]byte, error)
	Len(ctx context.Context, key string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Options configures Open.
type Options struct {
	Backend    string
	RedisURL   string
	SQLitePath string
	Clock      clock.WithTicker
	Logger     logr.Logger
}

// Open constructs the backend named in opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	switch strings.ToLower(opts.Backend) {
	case "", BackendMemory:
		return NewMemoryStore(opts.Clock), nil
	case BackendRedis:
		return NewRedisStore(ctx, opts.RedisURL)
	case BackendSQLite:
		return NewSQLStore(ctx, opts.SQLitePath, opts.Clock, opts.Logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
