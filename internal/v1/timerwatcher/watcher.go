// Package timerwatcher implements TimerWatcher (§4.8): the single Redis
// keyspace-expiration subscriber that drives every timer-triggered
// transition, deduplicated across replicas via a distributed lock.
package timerwatcher

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"

	"github.com/singhalkarun/scribbl-sub000/internal/v1/bus"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/keyspace"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/logging"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/metrics"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/roomstate"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/store"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/turnengine"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/words"
)

// expiredKeyPattern extracts a room id and the expired entity's suffix from
// a hash-tagged key name (e.g. "room:{abc}:timer").
var expiredKeyPattern = regexp.MustCompile(`^room:\{([^}]+)\}:(timer|reveal_timer|word_selection_timer|turn_transition_timer)$`)

// Watcher is the TimerWatcher component.
type Watcher struct {
	store   *store.Store
	bus     *bus.Service
	rooms   *roomstate.Manager
	catalog *words.Catalog
	engine  *turnengine.Engine
	db      int
}

func New(st *store.Store, b *bus.Service, rooms *roomstate.Manager, catalog *words.Catalog, engine *turnengine.Engine, db int) *Watcher {
	return &Watcher{store: st, bus: b, rooms: rooms, catalog: catalog, engine: engine, db: db}
}

// Run subscribes to keyspace-expired notifications and dispatches each
// expiry to its handler on its own goroutine, until ctx is cancelled. wg, if
// non-nil, is Done() when the run loop and every in-flight handler exit.
func (w *Watcher) Run(ctx context.Context, wg *sync.WaitGroup) error {
	expired, err := w.store.SubscribeKeyspaceExpirations(ctx, w.db)
	if err != nil {
		return err
	}

	if wg != nil {
		wg.Add(1)
		defer wg.Done()
	}

	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case key, ok := <-expired:
			if !ok {
				return nil
			}
			handlers.Add(1)
			go func(k string) {
				defer handlers.Done()
				w.handleExpiredKey(ctx, k)
			}(key)
		}
	}
}

func (w *Watcher) handleExpiredKey(ctx context.Context, key string) {
	m := expiredKeyPattern.FindStringSubmatch(key)
	if m == nil {
		return
	}
	roomID, kind := m[1], m[2]

	switch kind {
	case "timer":
		w.handleTurnTimeout(ctx, roomID)
	case "reveal_timer":
		w.handleRevealTick(ctx, roomID)
	case "word_selection_timer":
		w.handleWordSelectionTimeout(ctx, roomID)
	case "turn_transition_timer":
		w.handleTurnTransition(ctx, roomID)
	}
}

func (w *Watcher) acquireLock(ctx context.Context, discriminatorLabel, lockKey string) bool {
	ok, err := w.store.AcquireLock(ctx, lockKey)
	if err != nil {
		logging.Warn(ctx, "timer lock acquisition failed")
		return false
	}
	if ok {
		metrics.LockOutcomes.WithLabelValues(discriminatorLabel, "acquired").Inc()
	} else {
		metrics.LockOutcomes.WithLabelValues(discriminatorLabel, "lost").Inc()
	}
	return ok
}

func (w *Watcher) handleTurnTimeout(ctx context.Context, roomID string) {
	word, err := w.store.Get(ctx, keyspace.CurrentWord(roomID))
	if err != nil {
		return
	}
	lockKey := keyspace.Lock(keyspace.TurnTimer(roomID), word)
	if !w.acquireLock(ctx, "turn_timer", lockKey) {
		return
	}

	status, err := w.rooms.GetStatus(ctx, roomID)
	if err != nil {
		return
	}
	if status != roomstate.StatusActive {
		_ = w.store.Del(ctx, keyspace.CurrentWord(roomID), keyspace.RevealedIndices(roomID))
		return
	}
	if word == "" {
		return
	}

	if err := w.engine.EndTurn(ctx, roomID, "timeout"); err != nil {
		logging.Error(ctx, "turn timeout handling failed")
	}
}

func (w *Watcher) handleRevealTick(ctx context.Context, roomID string) {
	word, err := w.store.Get(ctx, keyspace.CurrentWord(roomID))
	if err != nil {
		return
	}
	lockKey := keyspace.Lock(keyspace.RevealTimer(roomID), word)
	if !w.acquireLock(ctx, "reveal_timer", lockKey) {
		return
	}

	info, err := w.rooms.GetInfo(ctx, roomID)
	if err != nil {
		return
	}
	if info.Status != roomstate.StatusActive || !info.HintsAllowed || word == "" {
		return
	}

	revealed, err := w.catalog.RevealNextLetter(ctx, roomID)
	if err != nil {
		logging.Warn(ctx, "letter reveal failed")
		return
	}

	if err := w.bus.Publish(ctx, roomID, "letter_reveal", map[string]interface{}{
		"revealed_word": revealed,
		"drawer_id":     info.CurrentDrawer,
	}, ""); err != nil {
		logging.Warn(ctx, "letter_reveal broadcast failed")
	}

	if err := w.catalog.StartRevealTimer(ctx, roomID, true); err != nil {
		logging.Warn(ctx, "reschedule reveal timer failed")
	}
}

func (w *Watcher) handleWordSelectionTimeout(ctx context.Context, roomID string) {
	lockKey := keyspace.Lock(keyspace.WordSelectionTimer(roomID), roomID)
	if !w.acquireLock(ctx, "word_selection_timer", lockKey) {
		return
	}

	status, err := w.rooms.GetStatus(ctx, roomID)
	if err != nil {
		return
	}
	if status != roomstate.StatusActive {
		_ = w.store.Del(ctx, keyspace.WordSelectionWords(roomID))
		return
	}

	raw, err := w.store.Get(ctx, keyspace.WordSelectionWords(roomID))
	if err != nil || raw == "" {
		return
	}
	var candidates []string
	if err := json.Unmarshal([]byte(raw), &candidates); err != nil {
		logging.Error(ctx, "word selection mirror decode failed")
		return
	}

	if err := w.engine.AutoSelectWord(ctx, roomID, candidates); err != nil {
		logging.Error(ctx, "auto word selection failed")
		return
	}
	_ = w.store.Del(ctx, keyspace.WordSelectionWords(roomID))
}

func (w *Watcher) handleTurnTransition(ctx context.Context, roomID string) {
	lockKey := keyspace.Lock(keyspace.TurnTransitionTimer(roomID), roomID)
	if !w.acquireLock(ctx, "turn_transition_timer", lockKey) {
		return
	}

	status, err := w.rooms.GetStatus(ctx, roomID)
	if err != nil {
		return
	}
	if status == roomstate.StatusFinished {
		return
	}

	if err := w.engine.Start(ctx, roomID); err != nil {
		logging.Error(ctx, "turn transition start failed")
	}
}
