// Package store is a thin typed wrapper over Redis primitives (§4.2),
// circuit-broken the same way the teacher wraps its own Redis-backed bus
// (gobreaker.Execute around every call, graceful degradation on
// ErrOpenState) so a flaky Redis degrades the event loop instead of
// crashing it.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/singhalkarun/scribbl-sub000/internal/v1/logging"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/metrics"
)

// Error is the typed failure every Store accessor returns for anything
// other than "key not found" (treated as a zero value, not an error) and
// "circuit open" (treated as graceful degradation, not an error) — see §7.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Store wraps a Redis client with a per-instance circuit breaker.
type Store struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	nodeID string
}

// New wraps an existing Redis client. nodeID is written as the lock value
// for debugging which replica last held a distributed lock (§3 Lock entity).
func New(client *redis.Client, nodeID string) *Store {
	st := gobreaker.Settings{
		Name:        "redis-store",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis-store").Set(stateVal)
		},
	}
	return &Store{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(st),
		nodeID: nodeID,
	}
}

// Client exposes the underlying client for collaborators (health checks,
// CONFIG GET) that need raw access.
func (s *Store) Client() *redis.Client { return s.client }

// execute runs fn through the circuit breaker, classifying the outcome into
// one of: success, not-found (redis.Nil, mapped to a zero value), graceful
// degradation (breaker open, mapped to a zero value), or a typed Error.
func execute[T any](s *Store, ctx context.Context, op, key string, fn func() (T, error)) (T, error) {
	var zero T
	start := time.Now()

	res, err := s.cb.Execute(func() (interface{}, error) {
		return fn()
	})

	metrics.RedisOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.RedisOperationsTotal.WithLabelValues(op, "success").Inc()
		return res.(T), nil
	case errors.Is(err, redis.Nil):
		metrics.RedisOperationsTotal.WithLabelValues(op, "not_found").Inc()
		return zero, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CircuitBreakerFailures.WithLabelValues("redis-store").Inc()
		metrics.RedisOperationsTotal.WithLabelValues(op, "breaker_open").Inc()
		logging.Warn(ctx, "store circuit breaker open, degrading call")
		return zero, nil
	default:
		metrics.RedisOperationsTotal.WithLabelValues(op, "error").Inc()
		logging.Error(ctx, "store operation failed")
		return zero, &Error{Op: op, Key: key, Err: err}
	}
}

// --- strings ---

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	return execute(s, ctx, "get", key, func() (string, error) {
		return s.client.Get(ctx, key).Result()
	})
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := execute(s, ctx, "set", key, func() (struct{}, error) {
		return struct{}{}, s.client.Set(ctx, key, value, 0).Err()
	})
	return err
}

func (s *Store) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := execute(s, ctx, "setex", key, func() (struct{}, error) {
		return struct{}{}, s.client.Set(ctx, key, value, ttl).Err()
	})
	return err
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := execute(s, ctx, "del", keys[0], func() (struct{}, error) {
		return struct{}{}, s.client.Del(ctx, keys...).Err()
	})
	return err
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := execute(s, ctx, "exists", key, func() (int64, error) {
		return s.client.Exists(ctx, key).Result()
	})
	return n > 0, err
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := execute(s, ctx, "expire", key, func() (struct{}, error) {
		return struct{}{}, s.client.Expire(ctx, key, ttl).Err()
	})
	return err
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return execute(s, ctx, "ttl", key, func() (time.Duration, error) {
		return s.client.TTL(ctx, key).Result()
	})
}

// SetIfAbsentWithTTL implements SET key val NX PX ttl. The bool result is
// true only when this call was the one that set the key.
func (s *Store) SetIfAbsentWithTTL(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return execute(s, ctx, "set_nx_px", key, func() (bool, error) {
		return s.client.SetNX(ctx, key, value, ttl).Result()
	})
}

// AcquireLock is SetIfAbsentWithTTL specialized for §4.8's distributed lock:
// the value written is this Store's node id (debug only), TTL fixed at 5s
// per §3's Lock entity.
func (s *Store) AcquireLock(ctx context.Context, lockKey string) (bool, error) {
	return s.SetIfAbsentWithTTL(ctx, lockKey, s.nodeID, 5*time.Second)
}

func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return execute(s, ctx, "incrby", key, func() (int64, error) {
		return s.client.IncrBy(ctx, key, delta).Result()
	})
}

// --- hashes ---

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	_, err := execute(s, ctx, "hset", key, func() (struct{}, error) {
		return struct{}{}, s.client.HSet(ctx, key, field, value).Err()
	})
	return err
}

func (s *Store) HMSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	_, err := execute(s, ctx, "hmset", key, func() (struct{}, error) {
		return struct{}{}, s.client.HSet(ctx, key, values).Err()
	})
	return err
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	return execute(s, ctx, "hget", key, func() (string, error) {
		return s.client.HGet(ctx, key, field).Result()
	})
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return execute(s, ctx, "hgetall", key, func() (map[string]string, error) {
		return s.client.HGetAll(ctx, key).Result()
	})
}

// --- sets ---

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	_, err := execute(s, ctx, "sadd", key, func() (struct{}, error) {
		return struct{}{}, s.client.SAdd(ctx, key, vals...).Err()
	})
	return err
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	_, err := execute(s, ctx, "srem", key, func() (struct{}, error) {
		return struct{}{}, s.client.SRem(ctx, key, vals...).Err()
	})
	return err
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return execute(s, ctx, "smembers", key, func() ([]string, error) {
		return s.client.SMembers(ctx, key).Result()
	})
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return execute(s, ctx, "sismember", key, func() (bool, error) {
		return s.client.SIsMember(ctx, key, member).Result()
	})
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	return execute(s, ctx, "scard", key, func() (int64, error) {
		return s.client.SCard(ctx, key).Result()
	})
}

// SPop returns the popped member and whether anything was popped (an empty
// set yields ("", false, nil), not an error — SPOP on a nonexistent/empty
// set is the normal end-of-round signal in §4.7).
func (s *Store) SPop(ctx context.Context, key string) (string, bool, error) {
	member, err := execute(s, ctx, "spop", key, func() (string, error) {
		return s.client.SPop(ctx, key).Result()
	})
	return member, member != "" && err == nil, err
}

// --- lists ---

func (s *Store) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	vals := make([]interface{}, len(values))
	for i, v := range values {
		vals[i] = v
	}
	_, err := execute(s, ctx, "rpush", key, func() (struct{}, error) {
		return struct{}{}, s.client.RPush(ctx, key, vals...).Err()
	})
	return err
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return execute(s, ctx, "lrange", key, func() ([]string, error) {
		return s.client.LRange(ctx, key, start, stop).Result()
	})
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	return execute(s, ctx, "llen", key, func() (int64, error) {
		return s.client.LLen(ctx, key).Result()
	})
}

func (s *Store) LRem(ctx context.Context, key string, count int64, value string) error {
	_, err := execute(s, ctx, "lrem", key, func() (struct{}, error) {
		return struct{}{}, s.client.LRem(ctx, key, count, value).Err()
	})
	return err
}

// --- pattern scan ---

// Keys returns every key matching pattern. Uses SCAN (not the O(N) KEYS
// command) so a large keyspace never blocks the shared Redis connection;
// functionally equivalent to §4.2's "keys" accessor.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	return execute(s, ctx, "keys", pattern, func() ([]string, error) {
		var (
			out    []string
			cursor uint64
		)
		for {
			batch, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
			if err != nil {
				return nil, err
			}
			out = append(out, batch...)
			cursor = next
			if cursor == 0 {
				break
			}
		}
		return out, nil
	})
}

// --- keyspace-expiration subscription ---

// SubscribeKeyspaceExpirations streams the names of keys that expire in the
// given logical Redis database. Requires notify-keyspace-events to include
// at least "Ex" server-side (§5); the returned channel closes when ctx is
// cancelled or the subscription's underlying connection dies.
func (s *Store) SubscribeKeyspaceExpirations(ctx context.Context, db int) (<-chan string, error) {
	pattern := fmt.Sprintf("__keyevent@%d__:expired", db)
	pubsub := s.client.PSubscribe(ctx, pattern)

	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe keyspace expirations: %w", err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
