package timerwatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/singhalkarun/scribbl-sub000/internal/v1/bus"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/keyspace"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/players"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/roomstate"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/store"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/turnengine"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/words"
)

type testStack struct {
	watcher *Watcher
	store   *store.Store
	rooms   *roomstate.Manager
	engine  *turnengine.Engine
	bus     *bus.Service
	mr      *miniredis.Miniredis
}

func newTestStack(t *testing.T) *testStack {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	mr.SetConfigParam("notify-keyspace-events", "Ex")

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(rc, "node-1")
	rooms := roomstate.New(st)
	b, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)

	var coord *turnengine.Engine
	playerReg := players.New(st, rooms, b, nil)
	catalog := words.New(st, rooms)
	coord = turnengine.New(st, b, rooms, playerReg, catalog)
	playerReg.SetTurnCoordinator(coord)

	watcher := New(st, b, rooms, catalog, coord, 0)

	return &testStack{watcher: watcher, store: st, rooms: rooms, engine: coord, bus: b, mr: mr}
}

func captureRoomEvents(t *testing.T, b *bus.Service, roomID string) (<-chan bus.PubSubPayload, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan bus.PubSubPayload, 32)
	var wg sync.WaitGroup
	b.Subscribe(ctx, roomID, &wg, func(p bus.PubSubPayload) {
		ch <- p
	})
	// allow the subscription goroutine to register with Redis before proceeding
	time.Sleep(20 * time.Millisecond)
	return ch, func() { cancel(); wg.Wait() }
}

func waitForEvent(t *testing.T, ch <-chan bus.PubSubPayload, event string, timeout time.Duration) bus.PubSubPayload {
	deadline := time.After(timeout)
	for {
		select {
		case p := <-ch:
			if p.Event == event {
				return p
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", event)
		}
	}
}

func TestWatcher_TurnTimeout_EndsTurnAndSchedulesTransition(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	stack := newTestStack(t)
	defer stack.mr.Close()
	ctx := context.Background()

	_, err := stack.rooms.GetOrInitialize(ctx, "r1", roomstate.Options{TurnTime: 60})
	require.NoError(t, err)
	require.NoError(t, stack.rooms.SetStatus(ctx, "r1", roomstate.StatusActive))
	require.NoError(t, stack.rooms.SetCurrentDrawer(ctx, "r1", "drawer"))
	require.NoError(t, stack.store.Set(ctx, keyspace.CurrentWord("r1"), "apple"))
	require.NoError(t, stack.store.SetEx(ctx, keyspace.TurnTimer("r1"), "active", 50*time.Millisecond))

	events, stopCapture := captureRoomEvents(t, stack.bus, "r1")
	defer stopCapture()

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	go func() { _ = stack.watcher.Run(watchCtx, &wg) }()

	stack.mr.FastForward(100 * time.Millisecond)

	p := waitForEvent(t, events, "turn_over", 2*time.Second)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(p.Payload, &payload))
	assert.Equal(t, "timeout", payload["reason"])
	assert.Equal(t, "apple", payload["word"])

	cancelWatch()
	wg.Wait()
}

func TestWatcher_RevealTick_BroadcastsLetterReveal(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	stack := newTestStack(t)
	defer stack.mr.Close()
	ctx := context.Background()

	_, err := stack.rooms.GetOrInitialize(ctx, "r1", roomstate.Options{TurnTime: 60, HintsAllowed: true})
	require.NoError(t, err)
	require.NoError(t, stack.rooms.SetStatus(ctx, "r1", roomstate.StatusActive))
	require.NoError(t, stack.rooms.SetCurrentDrawer(ctx, "r1", "drawer"))
	require.NoError(t, stack.store.Set(ctx, keyspace.CurrentWord("r1"), "cat"))
	require.NoError(t, stack.store.SetEx(ctx, keyspace.RevealTimer("r1"), "reveal_letter", 50*time.Millisecond))

	events, stopCapture := captureRoomEvents(t, stack.bus, "r1")
	defer stopCapture()

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	go func() { _ = stack.watcher.Run(watchCtx, &wg) }()

	stack.mr.FastForward(100 * time.Millisecond)

	p := waitForEvent(t, events, "letter_reveal", 2*time.Second)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(p.Payload, &payload))
	assert.Equal(t, "drawer", payload["drawer_id"])

	cancelWatch()
	wg.Wait()
}

func TestWatcher_WordSelectionTimeout_AutoSelectsAndStartsTurn(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	stack := newTestStack(t)
	defer stack.mr.Close()
	ctx := context.Background()

	_, err := stack.rooms.GetOrInitialize(ctx, "r1", roomstate.Options{TurnTime: 60})
	require.NoError(t, err)
	require.NoError(t, stack.rooms.SetStatus(ctx, "r1", roomstate.StatusActive))
	require.NoError(t, stack.rooms.SetCurrentDrawer(ctx, "r1", "drawer"))

	encoded, err := json.Marshal([]string{"dog"})
	require.NoError(t, err)
	require.NoError(t, stack.store.SetEx(ctx, keyspace.WordSelectionTimer("r1"), string(encoded), 50*time.Millisecond))
	require.NoError(t, stack.store.SetEx(ctx, keyspace.WordSelectionWords("r1"), string(encoded), 50*time.Millisecond))

	roomEvents, stopRoom := captureRoomEvents(t, stack.bus, "r1")
	defer stopRoom()

	userCtx, cancelUser := context.WithCancel(context.Background())
	userCh := make(chan bus.PubSubPayload, 8)
	var userWg sync.WaitGroup
	stack.bus.SubscribeUser(userCtx, "drawer", &userWg, func(p bus.PubSubPayload) { userCh <- p })
	time.Sleep(20 * time.Millisecond)

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	go func() { _ = stack.watcher.Run(watchCtx, &wg) }()

	stack.mr.FastForward(100 * time.Millisecond)

	p := waitForEvent(t, roomEvents, "turn_started", 2*time.Second)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(p.Payload, &payload))
	assert.Equal(t, true, payload["auto_selected"])

	select {
	case up := <-userCh:
		assert.Equal(t, "word_auto_selected", up.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for word_auto_selected")
	}

	word, err := stack.store.Get(context.Background(), keyspace.CurrentWord("r1"))
	require.NoError(t, err)
	assert.Equal(t, "dog", word)

	cancelWatch()
	wg.Wait()
	cancelUser()
	userWg.Wait()
}

func TestWatcher_LockDeduplicatesAcrossTwoWatchers(t *testing.T) {
	stack := newTestStack(t)
	defer stack.mr.Close()
	ctx := context.Background()

	secondStore := store.New(redis.NewClient(&redis.Options{Addr: stack.mr.Addr()}), "node-2")
	secondWatcher := New(secondStore, stack.bus, stack.rooms, words.New(secondStore, stack.rooms), stack.engine, 0)

	_, err := stack.rooms.GetOrInitialize(ctx, "r1", roomstate.Options{TurnTime: 60})
	require.NoError(t, err)
	require.NoError(t, stack.rooms.SetStatus(ctx, "r1", roomstate.StatusActive))
	require.NoError(t, stack.rooms.SetCurrentDrawer(ctx, "r1", "drawer"))
	require.NoError(t, stack.store.Set(ctx, keyspace.CurrentWord("r1"), "apple"))

	stack.watcher.handleTurnTimeout(ctx, "r1")

	// The first watcher already won the lock and ran EndTurn, clearing the
	// word; the second finds no current word and must perform no side
	// effects (turn stays active, no second EndTurn).
	secondWatcher.handleTurnTimeout(ctx, "r1")

	status, err := stack.rooms.GetStatus(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, roomstate.StatusActive, status)

	word, err := stack.store.Get(ctx, keyspace.CurrentWord("r1"))
	require.NoError(t, err)
	assert.Equal(t, "", word, "winning watcher already ran EndTurn and cleared the word")
}
