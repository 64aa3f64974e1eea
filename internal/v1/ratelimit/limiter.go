// Package ratelimit guards websocket connects and high-frequency game
// events (guesses, kick votes) against adversarial probing per §7.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/singhalkarun/scribbl-sub000/internal/v1/config"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/logging"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/metrics"
)

// RateLimiter holds the per-event rate limiter instances.
type RateLimiter struct {
	wsConnect *limiter.Limiter // per-IP, at connection time
	guess     *limiter.Limiter // per-user, new_message
	voteKick  *limiter.Limiter // per-user, vote_kick
	store     limiter.Store
}

// NewRateLimiter creates a new RateLimiter. A nil redisClient falls back to
// an in-process memory store (single-instance / dev mode).
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	wsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsConnect)
	if err != nil {
		return nil, fmt.Errorf("invalid ws-connect rate: %w", err)
	}
	guessRate, err := limiter.NewRateFromFormatted(cfg.RateLimitGuess)
	if err != nil {
		return nil, fmt.Errorf("invalid guess rate: %w", err)
	}
	voteKickRate, err := limiter.NewRateFromFormatted(cfg.RateLimitVoteKick)
	if err != nil {
		return nil, fmt.Errorf("invalid vote-kick rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "scribbl:limiter:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (Redis disabled)")
	}

	return &RateLimiter{
		wsConnect: limiter.New(store, wsRate),
		guess:     limiter.New(store, guessRate),
		voteKick:  limiter.New(store, voteKickRate),
		store:     store,
	}, nil
}

// CheckWebSocketConnect enforces the per-IP connect limit. Fails open on
// store errors (§7: transient I/O never blocks a state transition).
func (rl *RateLimiter) CheckWebSocketConnect(ctx context.Context, ip string) bool {
	return rl.check(ctx, rl.wsConnect, ip, "ws_connect")
}

// CheckGuess enforces the per-user new_message limit.
func (rl *RateLimiter) CheckGuess(ctx context.Context, userID string) bool {
	return rl.check(ctx, rl.guess, userID, "guess")
}

// CheckVoteKick enforces the per-user vote_kick limit.
func (rl *RateLimiter) CheckVoteKick(ctx context.Context, userID string) bool {
	return rl.check(ctx, rl.voteKick, userID, "vote_kick")
}

func (rl *RateLimiter) check(ctx context.Context, l *limiter.Limiter, key, endpoint string) bool {
	result, err := l.Get(ctx, key)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed")
		return true // fail open: availability over strictness
	}

	metrics.RateLimitRequests.WithLabelValues(endpoint).Inc()
	if result.Reached {
		metrics.RateLimitExceeded.WithLabelValues(endpoint, "quota").Inc()
		return false
	}
	return true
}
