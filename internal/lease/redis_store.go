// Package lease provides time-boxed exclusive edit leases per branch.
// A lease gates collaborative entry points (merge, canvas commit); it
// never gates plain message append, which only needs the branch lock.
package lease

import (
	"context"
	"fmt"
	"time"

	"loom/api/internal/history"
	"loom/api/internal/store"

	"github.com/redis/go-redis/v9"
)

// acquireScript grants or renews atomically: an unexpired key owned by a
// different holder wins and is returned; otherwise the key is set with a
// fresh TTL. Expiry is Redis-native, so an expired lease is simply gone.
var acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and cur ~= ARGV[1] then
	return cur
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return ''
`)

// releaseScript deletes only when the holder matches; anything else is a
// no-op.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
end
return ''
`)

// RedisStore implements lease storage using Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed lease store.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "lease:"}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "lease:"}
}

func (s *RedisStore) key(refID string) string {
	return s.prefix + refID
}

// AcquireLease grants a fresh lease or renews the holder's existing one.
// An unexpired lease held by someone else fails with the current holder
// attached to the returned lease.
func (s *RedisStore) AcquireLease(ctx context.Context, refID, holder string, ttl time.Duration) (store.Lease, error) {
	result, err := acquireScript.Run(ctx, s.client, []string{s.key(refID)}, holder, ttl.Milliseconds()).Text()
	if err != nil {
		return store.Lease{}, fmt.Errorf("acquire lease: %w", err)
	}
	if result != "" {
		current, ok, err := s.GetLease(ctx, refID)
		if err != nil {
			return store.Lease{}, err
		}
		if !ok {
			// Expired between the script and the lookup; the caller
			// simply retries.
			current = store.Lease{RefID: refID, Holder: result}
		}
		return current, fmt.Errorf("branch %s: %w", refID, history.ErrLeaseConflict)
	}
	return store.Lease{RefID: refID, Holder: holder, ExpiresAt: time.Now().Add(ttl)}, nil
}

// ReleaseLease is a no-op when the holder does not match the current
// lease.
func (s *RedisStore) ReleaseLease(ctx context.Context, refID, holder string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(refID)}, holder).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// GetLease returns the active lease, if any; expiry is derived from the
// key's remaining TTL.
func (s *RedisStore) GetLease(ctx context.Context, refID string) (store.Lease, bool, error) {
	key := s.key(refID)
	holder, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return store.Lease{}, false, nil
	}
	if err != nil {
		return store.Lease{}, false, fmt.Errorf("get lease: %w", err)
	}
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return store.Lease{}, false, fmt.Errorf("get lease ttl: %w", err)
	}
	lease := store.Lease{RefID: refID, Holder: holder}
	if ttl > 0 {
		lease.ExpiresAt = time.Now().Add(ttl)
	}
	return lease, true, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
