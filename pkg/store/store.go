// Package store wraps the external coordination key/value service
// (Redis) behind a narrow interface so the consensus driver, scheduler,
// and executor never import go-redis directly: a conditional
// set-if-absent lease primitive, a blocking list pop, and a
// reconnect-once-on-error policy around a single process-wide client.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/auditorctl/pkg/log"
)

// Coordinator is the set of coordination-store primitives the runtime
// depends on.
type Coordinator interface {
	// SetIfAbsent performs a conditional-set-if-absent with TTL. It
	// returns true iff the key was newly written.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Set performs an unconditional set with TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the key's value and whether it existed.
	Get(ctx context.Context, key string) (string, bool, error)
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Increment atomically increments a numeric counter key.
	Increment(ctx context.Context, key string) (int64, error)
	// ScanPrefix returns every key matching prefix+"*" using a cursor
	// scan rather than a full keyspace snapshot.
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
	// AppendTail appends values to the tail of a list in one call, so
	// intra-batch order is preserved.
	AppendTail(ctx context.Context, key string, values ...string) (int64, error)
	// PopHeadBlocking blocks up to timeout for an item at the head of
	// a list. ok is false on timeout.
	PopHeadBlocking(ctx context.Context, key string, timeout time.Duration) (string, bool, error)
	// Close releases the underlying connection.
	Close() error
}

// Config configures the Redis-backed Coordinator.
type Config struct {
	Addr           string
	DB             int
	Password       string
	ConnectRetries int
	ConnectDelay   time.Duration
}

// RedisCoordinator is the production Coordinator backed by go-redis.
type RedisCoordinator struct {
	client *redis.Client
	cfg    Config
}

// Connect dials the coordination store with a bounded retry: attempt a
// PING up to ConnectRetries times, sleeping ConnectDelay between
// attempts, and surface the last error if every attempt fails.
func Connect(ctx context.Context, cfg Config) (*RedisCoordinator, error) {
	if cfg.ConnectRetries <= 0 {
		cfg.ConnectRetries = 1
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DB:           cfg.DB,
		Password:     cfg.Password,
		DialTimeout:  5 * time.Second,
		PoolTimeout:  5 * time.Second,
	})

	var lastErr error
	for attempt := 1; attempt <= cfg.ConnectRetries; attempt++ {
		if err := client.Ping(ctx).Err(); err != nil {
			lastErr = err
			log.Logger.Warn().
				Int("attempt", attempt).
				Int("max_attempts", cfg.ConnectRetries).
				Err(err).
				Msg("coordination store connection attempt failed")
			if attempt < cfg.ConnectRetries {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(cfg.ConnectDelay):
				}
			}
			continue
		}
		log.Logger.Info().Str("addr", cfg.Addr).Msg("connected to coordination store")
		return &RedisCoordinator{client: client, cfg: cfg}, nil
	}

	return nil, fmt.Errorf("coordination store unreachable at %s after %d attempts: %w", cfg.Addr, cfg.ConnectRetries, lastErr)
}

// isConnErr reports whether err looks like a dropped/broken connection
// rather than a logical store error (e.g. wrong type, nil reply).
func isConnErr(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed)
}

// reconnect rebuilds the underlying client after a connection error and
// pings the new client.
func (c *RedisCoordinator) reconnect(ctx context.Context) error {
	log.Logger.Warn().Msg("coordination store connection lost, reconnecting")
	_ = c.client.Close()
	c.client = redis.NewClient(&redis.Options{
		Addr:        c.cfg.Addr,
		DB:          c.cfg.DB,
		Password:    c.cfg.Password,
		DialTimeout: 5 * time.Second,
	})
	return c.client.Ping(ctx).Err()
}

// withReconnect runs fn once, and on a connection-shaped error
// reconnects and retries fn exactly once more before giving up.
func (c *RedisCoordinator) withReconnect(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !isConnErr(err) {
		return err
	}
	if rerr := c.reconnect(ctx); rerr != nil {
		return fmt.Errorf("reconnect failed: %w (original error: %v)", rerr, err)
	}
	return fn()
}

func (c *RedisCoordinator) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.withReconnect(ctx, func() error {
		var err error
		ok, err = c.client.SetNX(ctx, key, value, ttl).Result()
		return err
	})
	return ok, err
}

func (c *RedisCoordinator) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.withReconnect(ctx, func() error {
		return c.client.Set(ctx, key, value, ttl).Err()
	})
}

func (c *RedisCoordinator) Get(ctx context.Context, key string) (string, bool, error) {
	var val string
	var found bool
	err := c.withReconnect(ctx, func() error {
		v, err := c.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	return val, found, err
}

func (c *RedisCoordinator) Delete(ctx context.Context, key string) error {
	return c.withReconnect(ctx, func() error {
		return c.client.Del(ctx, key).Err()
	})
}

func (c *RedisCoordinator) Increment(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.withReconnect(ctx, func() error {
		var err error
		n, err = c.client.Incr(ctx, key).Result()
		return err
	})
	return n, err
}

// ScanPrefix enumerates keys via SCAN MATCH, a cursor scan that never
// holds a full keyspace snapshot.
func (c *RedisCoordinator) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := c.withReconnect(ctx, func() error {
		keys = keys[:0]
		var cursor uint64
		pattern := prefix + "*"
		for {
			batch, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return err
			}
			keys = append(keys, batch...)
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	return keys, err
}

func (c *RedisCoordinator) AppendTail(ctx context.Context, key string, values ...string) (int64, error) {
	var n int64
	err := c.withReconnect(ctx, func() error {
		args := make([]interface{}, len(values))
		for i, v := range values {
			args[i] = v
		}
		var err error
		n, err = c.client.RPush(ctx, key, args...).Result()
		return err
	})
	return n, err
}

// PopHeadBlocking blocks on BLPOP. A zero timeout blocks indefinitely
// in Redis semantics; callers in this runtime always pass a positive
// timeout so shutdown can interrupt the wait at a bounded delay.
func (c *RedisCoordinator) PopHeadBlocking(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	var val string
	var ok bool
	err := c.withReconnect(ctx, func() error {
		result, err := c.client.BLPop(ctx, timeout, key).Result()
		if errors.Is(err, redis.Nil) {
			ok = false
			return nil
		}
		if err != nil {
			return err
		}
		// result is [key, value]
		if len(result) == 2 {
			val, ok = result[1], true
		}
		return nil
	})
	return val, ok, err
}

func (c *RedisCoordinator) Close() error {
	return c.client.Close()
}

// Keys derives the four namespaced key regions from a shared prefix.
type Keys struct {
	Leader          string
	NodeHealthAddr  string // prefix only; callers append the node id
	HeartbeatCount  string
	WorkQueue       string
}

// NewKeys builds the namespaced key set for prefix.
func NewKeys(prefix string) Keys {
	return Keys{
		Leader:         prefix + "leader",
		NodeHealthAddr: prefix + "node/",
		HeartbeatCount: prefix + "heartbeat_count",
		WorkQueue:      prefix + "work_queue",
	}
}

// NodeHealthKey returns the node/<id> key for id.
func (k Keys) NodeHealthKey(id string) string {
	return k.NodeHealthAddr + id
}
