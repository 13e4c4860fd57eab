// Package redisstore implements x402.NonceStore on Redis so that several
// gateway replicas share one replay guard.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultPrefix namespaces nonce keys.
	DefaultPrefix = "x402:nonce:"

	pendingValue   = "pending"
	committedValue = "committed:"
)

// releaseScript deletes a key only while it is still pending.
// KEYS[1] = nonce key
// ARGV[1] = pending marker
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store implements x402.NonceStore using Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New wraps an existing client.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client, prefix: DefaultPrefix}
}

// Dial connects to addr and pings it.
func Dial(ctx context.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("unable to ping redis at %s: %w", addr, err)
	}
	return New(rdb), nil
}

// WithPrefix sets the key prefix and returns s.
func (s *Store) WithPrefix(prefix string) *Store {
	s.prefix = prefix
	return s
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis nonce lookup: %w", err)
	}
	return n > 0, nil
}

func (s *Store) Reserve(ctx context.Context, key string, expiresAt time.Time) (bool, error) {
	if !expiresAt.After(time.Now()) {
		return false, fmt.Errorf("redis nonce reserve: expiry %s is in the past", expiresAt.Format(time.RFC3339))
	}
	_, err := s.client.SetArgs(ctx, s.key(key), pendingValue, redis.SetArgs{
		Mode:     "NX",
		ExpireAt: expiresAt,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis nonce reserve: %w", err)
	}
	return true, nil
}

func (s *Store) Commit(ctx context.Context, key, transaction string) error {
	err := s.client.SetArgs(ctx, s.key(key), committedValue+transaction, redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis nonce commit: %w", err)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(key)}, pendingValue).Err(); err != nil {
		return fmt.Errorf("redis nonce release: %w", err)
	}
	return nil
}

// Transaction returns the transaction recorded for a committed key.
func (s *Store) Transaction(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis nonce lookup: %w", err)
	}
	tx, ok := strings.CutPrefix(v, committedValue)
	return tx, ok, nil
}
