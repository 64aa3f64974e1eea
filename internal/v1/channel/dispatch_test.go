package channel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/singhalkarun/scribbl-sub000/internal/v1/bus"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/players"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/roomstate"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/store"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/turnengine"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/words"
)

func newTestHub(t *testing.T) (*Hub, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(rc, "node-1")

	b, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	rooms := roomstate.New(st)
	catalog := words.New(st, rooms)
	reg := players.New(st, rooms, b, nil)
	engine := turnengine.New(st, b, rooms, reg, catalog)
	reg.SetTurnCoordinator(engine)

	hub := NewHub(nil, b, rooms, reg, catalog, engine, nil)
	return hub, mr
}

func testClient(hub *Hub, roomID RoomIDType, id ClientIDType) (*Client, *room, *fakeConn) {
	rm := hub.getOrCreateRoom(roomID)
	conn := newFakeConn()
	c := newClient(conn, rm, id, roomID)
	rm.addClient(c)
	go c.writePump()
	return c, rm, conn
}

func TestHandleJoin_InitializesRoomAndAddsPlayer(t *testing.T) {
	hub, mr := newTestHub(t)
	defer mr.Close()
	ctx := context.Background()

	client, rm, conn := testClient(hub, "room-1", "alice")

	payload, _ := json.Marshal(joinPayload{MaxRounds: 2, TurnTime: 30})
	rm.dispatch(ctx, client, InboundEvent{Event: EventJoin, Payload: payload})

	info, err := hub.roomState.GetInfo(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, 2, info.MaxRounds)
	assert.Equal(t, "alice", info.AdminID)

	members, err := hub.players.GetAllScores(ctx, "room-1")
	require.NoError(t, err)
	assert.Contains(t, members, "alice")

	select {
	case data := <-conn.writes:
		var evt OutboundEvent
		require.NoError(t, json.Unmarshal(data, &evt))
		assert.Equal(t, "room_state", evt.Event)
	case <-time.After(time.Second):
		t.Fatal("expected room_state to be sent to joining client")
	}
}

func TestHandleJoin_FirstJoinerBecomesAdmin_SecondDoesNot(t *testing.T) {
	hub, mr := newTestHub(t)
	defer mr.Close()
	ctx := context.Background()

	aliceClient, rm, _ := testClient(hub, "room-2", "alice")
	rm.dispatch(ctx, aliceClient, InboundEvent{Event: EventJoin, Payload: json.RawMessage(`{}`)})

	bobClient, _, _ := testClient(hub, "room-2", "bob")
	rm.dispatch(ctx, bobClient, InboundEvent{Event: EventJoin, Payload: json.RawMessage(`{}`)})

	info, err := hub.roomState.GetInfo(ctx, "room-2")
	require.NoError(t, err)
	assert.Equal(t, "alice", info.AdminID)
}

func TestHandleStartGame_RejectsNonAdmin(t *testing.T) {
	hub, mr := newTestHub(t)
	defer mr.Close()
	ctx := context.Background()

	aliceClient, rm, _ := testClient(hub, "room-3", "alice")
	rm.dispatch(ctx, aliceClient, InboundEvent{Event: EventJoin, Payload: json.RawMessage(`{}`)})

	bobClient, _, _ := testClient(hub, "room-3", "bob")
	rm.dispatch(ctx, bobClient, InboundEvent{Event: EventJoin, Payload: json.RawMessage(`{}`)})

	rm.dispatch(ctx, bobClient, InboundEvent{Event: EventStartGame})

	info, err := hub.roomState.GetInfo(ctx, "room-3")
	require.NoError(t, err)
	assert.Equal(t, roomstate.StatusWaiting, info.Status)
}

func TestHandleVoteKick_DelegatesToRegistry(t *testing.T) {
	hub, mr := newTestHub(t)
	defer mr.Close()
	ctx := context.Background()

	aliceClient, rm, _ := testClient(hub, "room-4", "alice")
	rm.dispatch(ctx, aliceClient, InboundEvent{Event: EventJoin, Payload: json.RawMessage(`{}`)})
	bobClient, _, _ := testClient(hub, "room-4", "bob")
	rm.dispatch(ctx, bobClient, InboundEvent{Event: EventJoin, Payload: json.RawMessage(`{}`)})
	carolClient, _, _ := testClient(hub, "room-4", "carol")
	rm.dispatch(ctx, carolClient, InboundEvent{Event: EventJoin, Payload: json.RawMessage(`{}`)})

	// 3 players: quorum is ceil(3/2)=2 votes, so one vote alone must not kick.
	payload, _ := json.Marshal(voteKickPayload{TargetID: "bob"})
	rm.dispatch(ctx, aliceClient, InboundEvent{Event: EventVoteKick, Payload: payload})

	scores, err := hub.players.GetAllScores(ctx, "room-4")
	require.NoError(t, err)
	assert.Contains(t, scores, "bob", "a single vote below quorum must not remove the player")

	rm.dispatch(ctx, carolClient, InboundEvent{Event: EventVoteKick, Payload: payload})

	scores, err = hub.players.GetAllScores(ctx, "room-4")
	require.NoError(t, err)
	assert.NotContains(t, scores, "bob", "second vote reaching quorum must remove the player")
}

func TestRelayDrawing_PublishesWithSenderExcluded(t *testing.T) {
	hub, mr := newTestHub(t)
	defer mr.Close()
	ctx := context.Background()

	drawer, rm, _ := testClient(hub, "room-5", "drawer")
	_, _, viewerConn := testClient(hub, "room-5", "viewer")
	time.Sleep(50 * time.Millisecond) // let the room's bus.Subscribe goroutine come up

	payload := json.RawMessage(`{"x":1,"y":2}`)
	rm.dispatch(ctx, drawer, InboundEvent{Event: EventDrawing, Payload: payload})

	select {
	case data := <-viewerConn.writes:
		var evt OutboundEvent
		require.NoError(t, json.Unmarshal(data, &evt))
		assert.Equal(t, "drawing", evt.Event)
	case <-time.After(time.Second):
		t.Fatal("expected viewer to receive relayed drawing event")
	}
}

func TestEventLeave_ClosesConnectionAndTriggersCleanup(t *testing.T) {
	hub, mr := newTestHub(t)
	defer mr.Close()
	ctx := context.Background()

	client, rm, conn := testClient(hub, "room-6", "alice")
	rm.dispatch(ctx, client, InboundEvent{Event: EventJoin, Payload: json.RawMessage(`{}`)})

	rm.dispatch(ctx, client, InboundEvent{Event: EventLeave})

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	assert.True(t, closed)
}
