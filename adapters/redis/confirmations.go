// Package redis provides a Redis-backed payment confirmation store so that
// several gateway instances share one idempotency record.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/paywall/adapters/clock"
	"github.com/artpar/paywall/ports"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces confirmation keys.
const DefaultKeyPrefix = "paywall:confirmation:"

// DefaultTTL bounds how long a confirmation id is remembered. Providers stop
// redelivering long before this.
const DefaultTTL = 30 * 24 * time.Hour

// Config holds Redis connection configuration.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
	Clock     ports.Clock // stamps the stored value; nil uses the wall clock
}

// ConfirmationStore implements ports.ConfirmationStore using SETNX.
type ConfirmationStore struct {
	client    *goredis.Client
	keyPrefix string
	ttl       time.Duration
	clock     ports.Clock
}

// NewConfirmationStore connects to Redis and verifies the connection.
func NewConfirmationStore(ctx context.Context, cfg Config) (*ConfirmationStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewConfirmationStoreWithClient(client, cfg.KeyPrefix, cfg.TTL, cfg.Clock), nil
}

// NewConfirmationStoreWithClient wraps an existing client.
func NewConfirmationStoreWithClient(client *goredis.Client, keyPrefix string, ttl time.Duration, clk ports.Clock) *ConfirmationStore {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ConfirmationStore{client: client, keyPrefix: keyPrefix, ttl: ttl, clock: clock.Or(clk)}
}

// Key returns the Redis key used for a confirmation id.
func (s *ConfirmationStore) Key(confirmationID string) string {
	return s.keyPrefix + confirmationID
}

// MarkProcessed sets the key only if absent; true means this call won. The
// value is the processing time, for operators inspecting a stuck delivery.
func (s *ConfirmationStore) MarkProcessed(ctx context.Context, confirmationID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.Key(confirmationID), s.clock.Now().Format(time.RFC3339Nano), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark confirmation processed: %w", err)
	}
	return ok, nil
}

// Release deletes the key.
func (s *ConfirmationStore) Release(ctx context.Context, confirmationID string) error {
	if err := s.client.Del(ctx, s.Key(confirmationID)).Err(); err != nil {
		return fmt.Errorf("release confirmation: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *ConfirmationStore) Close() error {
	return s.client.Close()
}

// Ensure interface compliance.
var _ ports.ConfirmationStore = (*ConfirmationStore)(nil)
