// Package metrics declares the Prometheus metrics exported by the game engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Naming convention: namespace_subsystem_name
// - namespace: scribbl (application-level grouping)
// - subsystem: room, turn, guess, lock, broadcast, circuit_breaker, rate_limit, redis
// - name: specific metric
//
// Metric Types:
// - Gauge: current state (rooms, players, breaker state)
// - Counter: cumulative events (turn transitions, guesses, lock outcomes)
// - Histogram: latency distributions (broadcast/Redis call duration)

var (
	// ActiveRooms tracks the current number of active rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribbl",
		Subsystem: "room",
		Name:      "active_rooms",
		Help:      "Current number of active rooms",
	})

	// RoomPlayers tracks the number of players in each room.
	RoomPlayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scribbl",
		Subsystem: "room",
		Name:      "players",
		Help:      "Number of players currently in each room",
	}, []string{"room_id"})

	// TurnEvents tracks turn-engine transitions (CounterVec by event/reason).
	// Feeds Testable Property 5 — counting lock wins per expiry type.
	TurnEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribbl",
		Subsystem: "turn",
		Name:      "events_total",
		Help:      "Total turn-engine transitions by event and reason",
	}, []string{"event", "reason"})

	// GuessEvents tracks guess outcomes (correct/similar/duplicate/miss).
	GuessEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribbl",
		Subsystem: "guess",
		Name:      "events_total",
		Help:      "Total guesses processed by outcome",
	}, []string{"outcome"})

	// LockOutcomes tracks distributed-lock acquisitions for timer expiries.
	LockOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribbl",
		Subsystem: "lock",
		Name:      "total",
		Help:      "Total distributed lock attempts by outcome (acquired/lost)",
	}, []string{"discriminator", "outcome"})

	// BroadcastDuration tracks pub/sub broadcast latency by event type.
	BroadcastDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scribbl",
		Subsystem: "broadcast",
		Name:      "duration_seconds",
		Help:      "Time spent publishing a broadcast event",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	// CircuitBreakerState tracks the current state of the Redis circuit breaker.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scribbl",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks requests rejected by the circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribbl",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks requests that exceeded a rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribbl",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks requests checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribbl",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// ActiveWebSocketConnections tracks currently open client connections
	// across every room on this replica.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribbl",
		Subsystem: "channel",
		Name:      "active_websocket_connections",
		Help:      "Current number of open websocket connections",
	})

	// RedisOperationsTotal tracks Store operations by logical op and outcome.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribbl",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Store operations.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scribbl",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

// SetRoomPlayers updates the player-count gauge for a room, removing the
// series entirely once the room has no players left (avoids an unbounded
// label cardinality leak across the room's lifetime).
func SetRoomPlayers(roomID string, count int) {
	if count <= 0 {
		RoomPlayers.DeleteLabelValues(roomID)
		return
	}
	RoomPlayers.WithLabelValues(roomID).Set(float64(count))
}
