// Package players implements the PlayerRegistry (§4.4): room membership,
// admin reassignment, kick voting, scores and per-user streaks.
package players

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"

	"k8s.io/utils/set"

	"github.com/singhalkarun/scribbl-sub000/internal/v1/bus"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/keyspace"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/logging"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/metrics"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/roomstate"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/store"
)

// TurnCoordinator is the capability set PlayerRegistry needs from TurnEngine.
// Splitting it out keeps the PlayerRegistry <-> TurnEngine cycle at the
// interface level; TurnEngine is its only implementation (§9).
type TurnCoordinator interface {
	// HandleDrawerLeft reacts to the current drawer disconnecting mid-turn.
	HandleDrawerLeft(ctx context.Context, roomID string) error
	// CheckAllGuessedAfterLeave re-evaluates whether the turn should end
	// because the departing player was the last outstanding guesser.
	CheckAllGuessedAfterLeave(ctx context.Context, roomID string) error
}

// Registry is the PlayerRegistry component.
type Registry struct {
	store *store.Store
	rooms *roomstate.Manager
	bus   *bus.Service
	turns TurnCoordinator
}

func New(st *store.Store, rooms *roomstate.Manager, b *bus.Service, turns TurnCoordinator) *Registry {
	return &Registry{store: st, rooms: rooms, bus: b, turns: turns}
}

// SetTurnCoordinator completes the wiring after TurnEngine is constructed,
// breaking the construction-order cycle between the two packages.
func (r *Registry) SetTurnCoordinator(turns TurnCoordinator) {
	r.turns = turns
}

// Add is PlayerRegistry.add — join (§4.4).
func (r *Registry) Add(ctx context.Context, roomID, userID string) error {
	if err := r.store.SAdd(ctx, keyspace.Players(roomID), userID); err != nil {
		return err
	}
	if err := r.refreshPublicRoomsIndex(ctx, roomID); err != nil {
		return err
	}
	r.recordPlayerCountMetric(ctx, roomID)
	return nil
}

// Remove is PlayerRegistry.remove — leave (§4.4). Step order is load-bearing.
func (r *Registry) Remove(ctx context.Context, roomID, userID string) error {
	info, err := r.rooms.GetInfo(ctx, roomID)
	if err != nil {
		return err
	}
	wasAdmin := info.AdminID == userID

	// 2. SREM from Players.
	if err := r.store.SRem(ctx, keyspace.Players(roomID), userID); err != nil {
		return err
	}

	// 3. Remove from the current turn's NonEligibleGuessers if active.
	if info.Status == roomstate.StatusActive {
		if err := r.store.SRem(ctx, keyspace.NonEligibleGuessers(roomID, info.CurrentRound), userID); err != nil {
			return err
		}
	}

	// 4/5. Drawer-left or all-guessed-after-leave handling.
	if info.Status == roomstate.StatusActive && info.CurrentDrawer != "" {
		if userID == info.CurrentDrawer {
			if r.turns != nil {
				if err := r.turns.HandleDrawerLeft(ctx, roomID); err != nil {
					return err
				}
			}
		} else {
			if r.turns != nil {
				if err := r.turns.CheckAllGuessedAfterLeave(ctx, roomID); err != nil {
					return err
				}
			}
		}
	}

	// 6. Admin reassignment.
	if wasAdmin {
		remaining, err := r.store.SMembers(ctx, keyspace.Players(roomID))
		if err != nil {
			return err
		}
		newAdmin := ""
		if len(remaining) > 0 {
			newAdmin = remaining[rand.Intn(len(remaining))]
		}
		if err := r.rooms.SetAdmin(ctx, roomID, newAdmin); err != nil {
			return err
		}
		if newAdmin != "" {
			_ = r.bus.Publish(ctx, roomID, "admin_changed", map[string]string{"admin_id": newAdmin}, "")
		}
	}

	// 7. End the game cleanly if only one player remains while active.
	remainingCount, err := r.store.SCard(ctx, keyspace.Players(roomID))
	if err != nil {
		return err
	}
	if remainingCount == 1 && info.Status == roomstate.StatusActive {
		if err := r.endGameForLastPlayerStanding(ctx, roomID); err != nil {
			return err
		}
	}

	// 8. Re-evaluate the public-rooms index, then cleanup if empty.
	if err := r.refreshPublicRoomsIndex(ctx, roomID); err != nil {
		return err
	}
	r.recordPlayerCountMetric(ctx, roomID)
	return r.rooms.CleanupIfEmpty(ctx, roomID)
}

func (r *Registry) endGameForLastPlayerStanding(ctx context.Context, roomID string) error {
	if err := r.ClearAllScores(ctx, roomID); err != nil {
		return err
	}
	if err := r.store.Del(ctx,
		keyspace.CurrentWord(roomID),
		keyspace.RevealedIndices(roomID),
		keyspace.TurnTimer(roomID),
		keyspace.RevealTimer(roomID),
		keyspace.WordSelectionTimer(roomID),
		keyspace.WordSelectionWords(roomID),
		keyspace.TurnTransitionTimer(roomID),
	); err != nil {
		return err
	}
	if err := r.rooms.SetStatus(ctx, roomID, roomstate.StatusFinished); err != nil {
		return err
	}
	if err := r.rooms.SetCurrentDrawer(ctx, roomID, ""); err != nil {
		return err
	}
	metrics.TurnEvents.WithLabelValues("game_over", "last_player_standing").Inc()
	return r.bus.Publish(ctx, roomID, "game_over", map[string]string{"reason": "last_player_standing"}, "")
}

// VoteToKick is PlayerRegistry.voteToKick (§4.4).
func (r *Registry) VoteToKick(ctx context.Context, roomID, voterID, targetID string) error {
	if voterID == targetID {
		return nil
	}
	voterIn, err := r.store.SIsMember(ctx, keyspace.Players(roomID), voterID)
	if err != nil {
		return err
	}
	targetIn, err := r.store.SIsMember(ctx, keyspace.Players(roomID), targetID)
	if err != nil {
		return err
	}
	if !voterIn || !targetIn {
		return nil
	}

	if err := r.store.SAdd(ctx, keyspace.KickVotes(roomID, targetID), voterID); err != nil {
		return err
	}

	votes, err := r.store.SCard(ctx, keyspace.KickVotes(roomID, targetID))
	if err != nil {
		return err
	}
	total, err := r.store.SCard(ctx, keyspace.Players(roomID))
	if err != nil {
		return err
	}
	required := int64(math.Ceil(float64(total) / 2))
	if votes < required {
		return nil
	}

	if err := r.bus.Publish(ctx, roomID, "player_kicked", map[string]string{"player_id": targetID}, ""); err != nil {
		logging.Warn(ctx, "player_kicked broadcast failed")
	}

	members, err := r.store.SMembers(ctx, keyspace.Players(roomID))
	if err != nil {
		return err
	}
	for _, uid := range members {
		_ = r.store.Del(ctx, keyspace.KickVotes(roomID, uid))
	}
	_ = r.store.Del(ctx, keyspace.KickVotes(roomID, targetID))

	return r.Remove(ctx, roomID, targetID)
}

// UpdateScore adds delta to a player's score via INCRBY (§4.6, §9 decides
// INCRBY over the source's non-atomic GET/SET).
func (r *Registry) UpdateScore(ctx context.Context, roomID, userID string, delta int64) (int64, error) {
	return r.store.IncrBy(ctx, keyspace.PlayerScore(roomID, userID), delta)
}

// GetAllScores returns uid -> score for every current player, defaulting
// missing score keys to 0.
func (r *Registry) GetAllScores(ctx context.Context, roomID string) (map[string]int64, error) {
	members, err := r.store.SMembers(ctx, keyspace.Players(roomID))
	if err != nil {
		return nil, err
	}
	scores := make(map[string]int64, len(members))
	for _, uid := range members {
		v, err := r.store.Get(ctx, keyspace.PlayerScore(roomID, uid))
		if err != nil {
			return nil, err
		}
		n, _ := strconv.ParseInt(v, 10, 64)
		scores[uid] = n
	}
	return scores, nil
}

// ClearAllScores deletes every player's score key in the room (§4.4, §4.6).
func (r *Registry) ClearAllScores(ctx context.Context, roomID string) error {
	keys, err := r.store.Keys(ctx, keyspace.PlayerScorePattern(roomID))
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.store.Del(ctx, keys...)
}

// IncrementStreak bumps a player's cross-turn consecutive-correct counter.
func (r *Registry) IncrementStreak(ctx context.Context, userID string) (int64, error) {
	return r.store.IncrBy(ctx, keyspace.PlayerStreak(userID), 1)
}

// ResetStreak zeroes a player's streak; called for every non-drawer who
// failed to guess when a turn ends (§9 open question: applied regardless of
// end reason).
func (r *Registry) ResetStreak(ctx context.Context, userID string) error {
	return r.store.Set(ctx, keyspace.PlayerStreak(userID), "0")
}

// ResetStreaksForMissedGuessers resets the streak of every player in
// roomID who is not the drawer and is not present in guessed.
func (r *Registry) ResetStreaksForMissedGuessers(ctx context.Context, roomID, drawerID string, guessed []string) error {
	members, err := r.store.SMembers(ctx, keyspace.Players(roomID))
	if err != nil {
		return err
	}
	guessedSet := set.New[string](guessed...)
	for _, uid := range members {
		if uid == drawerID || guessedSet.Has(uid) {
			continue
		}
		if err := r.ResetStreak(ctx, uid); err != nil {
			return err
		}
	}
	return nil
}

// refreshPublicRoomsIndex keeps PublicRoomsIndex membership in sync with
// whether a public room currently has an open slot.
func (r *Registry) refreshPublicRoomsIndex(ctx context.Context, roomID string) error {
	info, err := r.rooms.GetInfo(ctx, roomID)
	if err != nil {
		return err
	}
	if !info.IsPublic() {
		return nil
	}
	count, err := r.store.SCard(ctx, keyspace.Players(roomID))
	if err != nil {
		return err
	}
	if info.MaxPlayers > 0 && count >= int64(info.MaxPlayers) {
		return r.store.SRem(ctx, keyspace.PublicRoomsKey, roomID)
	}
	return r.store.SAdd(ctx, keyspace.PublicRoomsKey, roomID)
}

func (r *Registry) recordPlayerCountMetric(ctx context.Context, roomID string) {
	count, err := r.store.SCard(ctx, keyspace.Players(roomID))
	if err != nil {
		logging.Warn(ctx, fmt.Sprintf("failed reading player count for room %s metric", roomID))
		return
	}
	metrics.SetRoomPlayers(roomID, int(count))
}
