package players

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/singhalkarun/scribbl-sub000/internal/v1/bus"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/keyspace"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/roomstate"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/store"
)

type fakeCoordinator struct {
	drawerLeftCalls int
	allGuessedCalls int
}

func (f *fakeCoordinator) HandleDrawerLeft(ctx context.Context, roomID string) error {
	f.drawerLeftCalls++
	return nil
}

func (f *fakeCoordinator) CheckAllGuessedAfterLeave(ctx context.Context, roomID string) error {
	f.allGuessedCalls++
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *store.Store, *roomstate.Manager, *fakeCoordinator, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.New(rc, "node-1")
	rooms := roomstate.New(st)

	b, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)

	coord := &fakeCoordinator{}
	reg := New(st, rooms, b, coord)
	return reg, st, rooms, coord, mr
}

func TestAdd_JoinsPublicRoomIndex(t *testing.T) {
	reg, st, rooms, _, mr := newTestRegistry(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := rooms.GetOrInitialize(ctx, "r1", roomstate.Options{RoomType: "public", MaxPlayers: 2})
	require.NoError(t, err)

	require.NoError(t, reg.Add(ctx, "r1", "u1"))

	isMember, err := st.SIsMember(ctx, keyspace.PublicRoomsKey, "r1")
	require.NoError(t, err)
	assert.True(t, isMember)
}

func TestAdd_RemovesFromPublicIndexWhenFull(t *testing.T) {
	reg, st, rooms, _, mr := newTestRegistry(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := rooms.GetOrInitialize(ctx, "r1", roomstate.Options{RoomType: "public", MaxPlayers: 1})
	require.NoError(t, err)

	require.NoError(t, reg.Add(ctx, "r1", "u1"))

	isMember, err := st.SIsMember(ctx, keyspace.PublicRoomsKey, "r1")
	require.NoError(t, err)
	assert.False(t, isMember, "room with no open slots must not advertise as public")
}

func TestRoundTrip_JoinThenLeaveReturnsPlayersToPreState(t *testing.T) {
	reg, st, rooms, _, mr := newTestRegistry(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := rooms.GetOrInitialize(ctx, "r1", roomstate.Options{})
	require.NoError(t, err)
	require.NoError(t, reg.Add(ctx, "r1", "u1"))

	before, err := st.SCard(ctx, keyspace.Players("r1"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, before)

	require.NoError(t, reg.Add(ctx, "r1", "u2"))
	require.NoError(t, reg.Remove(ctx, "r1", "u2"))

	after, err := st.SCard(ctx, keyspace.Players("r1"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRemove_DrawerLeavingInvokesCoordinator(t *testing.T) {
	reg, st, rooms, coord, mr := newTestRegistry(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := rooms.GetOrInitialize(ctx, "r1", roomstate.Options{})
	require.NoError(t, err)
	require.NoError(t, reg.Add(ctx, "r1", "u1"))
	require.NoError(t, reg.Add(ctx, "r1", "u2"))
	require.NoError(t, rooms.SetStatus(ctx, "r1", roomstate.StatusActive))
	require.NoError(t, rooms.SetCurrentDrawer(ctx, "r1", "u1"))

	require.NoError(t, reg.Remove(ctx, "r1", "u1"))
	assert.Equal(t, 1, coord.drawerLeftCalls)
	assert.Equal(t, 0, coord.allGuessedCalls)

	isMember, err := st.SIsMember(ctx, keyspace.Players("r1"), "u1")
	require.NoError(t, err)
	assert.False(t, isMember)
}

func TestRemove_NonDrawerLeavingInvokesAllGuessedCheck(t *testing.T) {
	reg, _, rooms, coord, mr := newTestRegistry(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := rooms.GetOrInitialize(ctx, "r1", roomstate.Options{})
	require.NoError(t, err)
	require.NoError(t, reg.Add(ctx, "r1", "u1"))
	require.NoError(t, reg.Add(ctx, "r1", "u2"))
	require.NoError(t, reg.Add(ctx, "r1", "u3"))
	require.NoError(t, rooms.SetStatus(ctx, "r1", roomstate.StatusActive))
	require.NoError(t, rooms.SetCurrentDrawer(ctx, "r1", "u1"))

	require.NoError(t, reg.Remove(ctx, "r1", "u2"))
	assert.Equal(t, 0, coord.drawerLeftCalls)
	assert.Equal(t, 1, coord.allGuessedCalls)
}

func TestRemove_AdminReassignedOnLeave(t *testing.T) {
	reg, _, rooms, _, mr := newTestRegistry(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := rooms.GetOrInitialize(ctx, "r1", roomstate.Options{AdminID: "u1"})
	require.NoError(t, err)
	require.NoError(t, reg.Add(ctx, "r1", "u1"))
	require.NoError(t, reg.Add(ctx, "r1", "u2"))

	require.NoError(t, reg.Remove(ctx, "r1", "u1"))

	info, err := rooms.GetInfo(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "u2", info.AdminID)
}

func TestRemove_LastPlayerStandingEndsGame(t *testing.T) {
	reg, _, rooms, _, mr := newTestRegistry(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := rooms.GetOrInitialize(ctx, "r1", roomstate.Options{})
	require.NoError(t, err)
	require.NoError(t, reg.Add(ctx, "r1", "u1"))
	require.NoError(t, reg.Add(ctx, "r1", "u2"))
	require.NoError(t, rooms.SetStatus(ctx, "r1", roomstate.StatusActive))
	require.NoError(t, rooms.SetCurrentDrawer(ctx, "r1", "u2"))

	require.NoError(t, reg.Remove(ctx, "r1", "u2"))

	info, err := rooms.GetInfo(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, roomstate.StatusFinished, info.Status)
	assert.Equal(t, "", info.CurrentDrawer)
}

func TestVoteToKick_RejectsSelfVote(t *testing.T) {
	reg, st, rooms, _, mr := newTestRegistry(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := rooms.GetOrInitialize(ctx, "r1", roomstate.Options{})
	require.NoError(t, err)
	require.NoError(t, reg.Add(ctx, "r1", "u1"))

	require.NoError(t, reg.VoteToKick(ctx, "r1", "u1", "u1"))

	votes, err := st.SCard(ctx, keyspace.KickVotes("r1", "u1"))
	require.NoError(t, err)
	assert.Zero(t, votes)
}

func TestVoteToKick_QuorumKicksAndClearsVotes(t *testing.T) {
	reg, st, rooms, _, mr := newTestRegistry(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := rooms.GetOrInitialize(ctx, "r1", roomstate.Options{})
	require.NoError(t, err)
	for _, uid := range []string{"a", "b", "c", "d"} {
		require.NoError(t, reg.Add(ctx, "r1", uid))
	}

	require.NoError(t, reg.VoteToKick(ctx, "r1", "a", "d"))
	isMember, err := st.SIsMember(ctx, keyspace.Players("r1"), "d")
	require.NoError(t, err)
	assert.True(t, isMember, "one vote of a required two must not kick yet")

	require.NoError(t, reg.VoteToKick(ctx, "r1", "b", "d"))
	isMember, err = st.SIsMember(ctx, keyspace.Players("r1"), "d")
	require.NoError(t, err)
	assert.False(t, isMember, "quorum of two votes out of four players must kick")

	votes, err := st.SCard(ctx, keyspace.KickVotes("r1", "d"))
	require.NoError(t, err)
	assert.Zero(t, votes)
}

func TestUpdateScoreAndGetAllScores(t *testing.T) {
	reg, _, rooms, _, mr := newTestRegistry(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := rooms.GetOrInitialize(ctx, "r1", roomstate.Options{})
	require.NoError(t, err)
	require.NoError(t, reg.Add(ctx, "r1", "u1"))
	require.NoError(t, reg.Add(ctx, "r1", "u2"))

	_, err = reg.UpdateScore(ctx, "r1", "u1", 50)
	require.NoError(t, err)

	scores, err := reg.GetAllScores(ctx, "r1")
	require.NoError(t, err)
	assert.EqualValues(t, 50, scores["u1"])
	assert.EqualValues(t, 0, scores["u2"])
}

func TestClearAllScores(t *testing.T) {
	reg, st, rooms, _, mr := newTestRegistry(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := rooms.GetOrInitialize(ctx, "r1", roomstate.Options{})
	require.NoError(t, err)
	require.NoError(t, reg.Add(ctx, "r1", "u1"))
	_, err = reg.UpdateScore(ctx, "r1", "u1", 10)
	require.NoError(t, err)

	require.NoError(t, reg.ClearAllScores(ctx, "r1"))

	exists, err := st.Exists(ctx, keyspace.PlayerScore("r1", "u1"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStreakIncrementAndReset(t *testing.T) {
	reg, _, _, _, mr := newTestRegistry(t)
	defer mr.Close()
	ctx := context.Background()

	v, err := reg.IncrementStreak(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	v, err = reg.IncrementStreak(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)

	require.NoError(t, reg.ResetStreak(ctx, "u1"))
	v, err = reg.IncrementStreak(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
}

func TestResetStreaksForMissedGuessers_SkipsDrawerAndGuessers(t *testing.T) {
	reg, _, rooms, _, mr := newTestRegistry(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := rooms.GetOrInitialize(ctx, "r1", roomstate.Options{})
	require.NoError(t, err)
	for _, uid := range []string{"drawer", "guesser-ok", "guesser-missed"} {
		require.NoError(t, reg.Add(ctx, "r1", uid))
		_, err := reg.IncrementStreak(ctx, uid)
		require.NoError(t, err)
	}

	require.NoError(t, reg.ResetStreaksForMissedGuessers(ctx, "r1", "drawer", []string{"guesser-ok"}))

	drawerStreak, err := reg.IncrementStreak(ctx, "drawer")
	require.NoError(t, err)
	assert.EqualValues(t, 2, drawerStreak, "drawer's streak must be untouched by turn end")

	okStreak, err := reg.IncrementStreak(ctx, "guesser-ok")
	require.NoError(t, err)
	assert.EqualValues(t, 2, okStreak, "a guesser who guessed correctly keeps their streak")

	missedStreak, err := reg.IncrementStreak(ctx, "guesser-missed")
	require.NoError(t, err)
	assert.EqualValues(t, 1, missedStreak, "a guesser who missed must have been reset to 0 first")
}
