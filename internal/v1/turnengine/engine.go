// Package turnengine implements the TurnEngine state machine (§4.7): the
// only concrete TurnCoordinator, driving drawer selection, word offering,
// guess evaluation, and turn/round/game transitions.
package turnengine

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"time"

	"github.com/singhalkarun/scribbl-sub000/internal/v1/bus"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/keyspace"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/logging"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/metrics"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/players"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/roomstate"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/scoring"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/similarity"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/store"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/words"
)

const wordSelectionTTL = 10 * time.Second
const turnTransitionTTL = 3 * time.Second

// wordSelectionWordsTTL outlives wordSelectionTTL so the mirror key is still
// readable when the keyspace-expiration notification for the timer key
// arrives; delivery of that notification is not instantaneous, and a mirror
// expiring at the same instant would frequently already be gone by the time
// the watcher reads it, silently dropping auto-select.
const wordSelectionWordsTTL = wordSelectionTTL + 5*time.Second

// Engine is the TurnEngine component. It implements players.TurnCoordinator.
type Engine struct {
	store   *store.Store
	bus     *bus.Service
	rooms   *roomstate.Manager
	players *players.Registry
	catalog *words.Catalog
}

func New(st *store.Store, b *bus.Service, rooms *roomstate.Manager, playerReg *players.Registry, catalog *words.Catalog) *Engine {
	return &Engine{store: st, bus: b, rooms: rooms, players: playerReg, catalog: catalog}
}

// Start is start(R): idempotent advance through drawer selection, round
// advance, or game end (§4.7). Runs as a loop rather than literal recursion
// since the spec's recursive cases are plain re-entry with updated state.
func (e *Engine) Start(ctx context.Context, roomID string) error {
	info, err := e.rooms.GetOrInitialize(ctx, roomID, roomstate.Options{})
	if err != nil {
		return err
	}

	if info.CurrentRound == 0 {
		if err := e.broadcastInitialScores(ctx, roomID); err != nil {
			return err
		}
	}

	for {
		info, err = e.rooms.GetInfo(ctx, roomID)
		if err != nil {
			return err
		}

		if err := e.store.Del(ctx, keyspace.NonEligibleGuessers(roomID, info.CurrentRound)); err != nil {
			return err
		}
		if err := e.rooms.SetStatus(ctx, roomID, roomstate.StatusActive); err != nil {
			return err
		}

		drawer, popped, err := e.store.SPop(ctx, keyspace.EligibleDrawers(roomID, info.CurrentRound))
		if err != nil {
			return err
		}

		if !popped {
			if info.CurrentRound >= info.MaxRounds {
				return e.endGame(ctx, roomID)
			}
			nextRound := info.CurrentRound + 1
			if err := e.rooms.SetCurrentRound(ctx, roomID, nextRound); err != nil {
				return err
			}
			if err := e.repopulateEligibleDrawers(ctx, roomID, nextRound); err != nil {
				return err
			}
			continue
		}

		stillPresent, err := e.store.SIsMember(ctx, keyspace.Players(roomID), drawer)
		if err != nil {
			return err
		}
		if !stillPresent {
			continue
		}

		return e.assignDrawer(ctx, roomID, info, drawer)
	}
}

func (e *Engine) broadcastInitialScores(ctx context.Context, roomID string) error {
	scores, err := e.players.GetAllScores(ctx, roomID)
	if err != nil {
		return err
	}
	for uid := range scores {
		_ = e.bus.Publish(ctx, roomID, "score_updated", map[string]interface{}{
			"user_id": uid,
			"score":   0,
		}, "")
	}
	return nil
}

func (e *Engine) repopulateEligibleDrawers(ctx context.Context, roomID string, round int) error {
	members, err := e.store.SMembers(ctx, keyspace.Players(roomID))
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	return e.store.SAdd(ctx, keyspace.EligibleDrawers(roomID, round), members...)
}

func (e *Engine) assignDrawer(ctx context.Context, roomID string, info roomstate.Info, drawer string) error {
	if err := e.rooms.SetCurrentDrawer(ctx, roomID, drawer); err != nil {
		return err
	}
	metrics.TurnEvents.WithLabelValues("drawer_assigned", "").Inc()
	if err := e.bus.Publish(ctx, roomID, "drawer_assigned", map[string]interface{}{
		"round":  info.CurrentRound,
		"drawer": drawer,
	}, ""); err != nil {
		logging.Warn(ctx, "drawer_assigned broadcast failed")
	}

	candidates, err := e.catalog.GenerateWords(ctx, roomID)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(candidates)
	if err != nil {
		return err
	}
	if err := e.store.SetEx(ctx, keyspace.WordSelectionTimer(roomID), string(encoded), wordSelectionTTL); err != nil {
		return err
	}
	// Mirror: Redis delivers only the expired key's name, not its value,
	// so the candidate list must be readable from a sibling key (§4.8, §9).
	if err := e.store.SetEx(ctx, keyspace.WordSelectionWords(roomID), string(encoded), wordSelectionWordsTTL); err != nil {
		return err
	}

	return e.bus.PublishDirect(ctx, drawer, "select_word", map[string]interface{}{"words": candidates}, "")
}

func (e *Engine) endGame(ctx context.Context, roomID string) error {
	if err := e.players.ClearAllScores(ctx, roomID); err != nil {
		return err
	}
	members, err := e.store.SMembers(ctx, keyspace.Players(roomID))
	if err != nil {
		return err
	}
	for _, uid := range members {
		if err := e.players.ResetStreak(ctx, uid); err != nil {
			return err
		}
	}

	if err := e.rooms.SetStatus(ctx, roomID, roomstate.StatusFinished); err != nil {
		return err
	}
	if err := e.rooms.SetCurrentDrawer(ctx, roomID, ""); err != nil {
		return err
	}
	metrics.TurnEvents.WithLabelValues("game_over", "rounds_complete").Inc()
	if err := e.bus.Publish(ctx, roomID, "game_over", map[string]interface{}{"reason": "rounds_complete"}, ""); err != nil {
		logging.Warn(ctx, "game_over broadcast failed")
	}
	return e.cleanupTurnTimers(ctx, roomID)
}

func (e *Engine) cleanupTurnTimers(ctx context.Context, roomID string) error {
	return e.store.Del(ctx,
		keyspace.CurrentWord(roomID),
		keyspace.RevealedIndices(roomID),
		keyspace.TurnTimer(roomID),
		keyspace.RevealTimer(roomID),
		keyspace.WordSelectionTimer(roomID),
		keyspace.WordSelectionWords(roomID),
		keyspace.TurnTransitionTimer(roomID),
	)
}

// SelectWord is selectWord(R, uid, word): the drawer's own pick.
func (e *Engine) SelectWord(ctx context.Context, roomID, uid, word string) error {
	return e.selectWordInternal(ctx, roomID, uid, word, false)
}

// AutoSelectWord is the TimerWatcher word-selection-timeout path: picks one
// of the offered candidates at random and proceeds as if the drawer chose it.
func (e *Engine) AutoSelectWord(ctx context.Context, roomID string, candidates []string) error {
	if len(candidates) == 0 {
		return nil
	}
	drawer, err := e.rooms.GetCurrentDrawer(ctx, roomID)
	if err != nil {
		return err
	}
	word := candidates[rand.Intn(len(candidates))]
	if err := e.selectWordInternal(ctx, roomID, drawer, word, true); err != nil {
		return err
	}
	return e.bus.PublishDirect(ctx, drawer, "word_auto_selected", map[string]string{"word": word}, "")
}

func (e *Engine) selectWordInternal(ctx context.Context, roomID, uid, word string, autoSelected bool) error {
	info, err := e.rooms.GetInfo(ctx, roomID)
	if err != nil {
		return err
	}
	if info.Status != roomstate.StatusActive || uid == "" || uid != info.CurrentDrawer {
		return nil
	}

	if err := e.store.Del(ctx, keyspace.WordSelectionTimer(roomID), keyspace.WordSelectionWords(roomID)); err != nil {
		return err
	}

	result, err := e.catalog.StartTurn(ctx, roomID, word, info.TurnTime, info.HintsAllowed)
	if err != nil {
		return err
	}

	metrics.TurnEvents.WithLabelValues("turn_started", "").Inc()
	payload := map[string]interface{}{
		"word_length":    result.WordLength,
		"time_remaining": result.TimeRemaining,
		"special_chars":  result.SpecialChars,
		"auto_selected":  autoSelected,
	}
	return e.bus.Publish(ctx, roomID, "turn_started", payload, "")
}

// HandleGuess is handleGuess(R, uid, message) (§4.7).
func (e *Engine) HandleGuess(ctx context.Context, roomID, uid, message string) error {
	info, err := e.rooms.GetInfo(ctx, roomID)
	if err != nil {
		return err
	}

	if info.Status != roomstate.StatusActive {
		return e.broadcastNewMessage(ctx, roomID, uid, message)
	}

	if uid == info.CurrentDrawer {
		word, err := e.store.Get(ctx, keyspace.CurrentWord(roomID))
		if err != nil {
			return err
		}
		if word != "" && strings.EqualFold(strings.TrimSpace(message), word) {
			return nil
		}
		return e.broadcastNewMessage(ctx, roomID, uid, message)
	}

	word, err := e.store.Get(ctx, keyspace.CurrentWord(roomID))
	if err != nil {
		return err
	}
	if word == "" {
		return e.broadcastNewMessage(ctx, roomID, uid, message)
	}

	if strings.EqualFold(strings.TrimSpace(message), word) {
		return e.handleCorrectGuess(ctx, roomID, uid, info)
	}

	if similarity.Similar(message, word) {
		metrics.GuessEvents.WithLabelValues("similar").Inc()
		if err := e.bus.Publish(ctx, roomID, "similar_word", map[string]string{
			"user_id": uid,
			"message": message,
		}, ""); err != nil {
			logging.Warn(ctx, "similar_word broadcast failed")
		}
		return e.broadcastNewMessage(ctx, roomID, uid, message)
	}

	metrics.GuessEvents.WithLabelValues("miss").Inc()
	return e.broadcastNewMessage(ctx, roomID, uid, message)
}

func (e *Engine) broadcastNewMessage(ctx context.Context, roomID, uid, message string) error {
	return e.bus.Publish(ctx, roomID, "new_message", map[string]string{
		"user_id": uid,
		"message": message,
	}, "")
}

func (e *Engine) handleCorrectGuess(ctx context.Context, roomID, uid string, info roomstate.Info) error {
	alreadyGuessed, err := e.store.SIsMember(ctx, keyspace.NonEligibleGuessers(roomID, info.CurrentRound), uid)
	if err != nil {
		return err
	}
	if alreadyGuessed {
		metrics.GuessEvents.WithLabelValues("duplicate").Inc()
		return nil
	}

	if err := e.store.SAdd(ctx, keyspace.NonEligibleGuessers(roomID, info.CurrentRound), uid); err != nil {
		return err
	}
	rank, err := e.store.SCard(ctx, keyspace.NonEligibleGuessers(roomID, info.CurrentRound))
	if err != nil {
		return err
	}

	ttl, err := e.store.TTL(ctx, keyspace.TurnTimer(roomID))
	if err != nil {
		return err
	}
	streak, err := e.players.IncrementStreak(ctx, uid)
	if err != nil {
		return err
	}

	result := scoring.Score(ttl.Seconds(), float64(info.TurnTime), int(rank), streak)

	guesserScore, err := e.players.UpdateScore(ctx, roomID, uid, int64(result.GuesserPoints))
	if err != nil {
		return err
	}
	var drawerScore int64
	if result.DrawerPoints > 0 {
		drawerScore, err = e.players.UpdateScore(ctx, roomID, info.CurrentDrawer, int64(result.DrawerPoints))
		if err != nil {
			return err
		}
	}

	metrics.GuessEvents.WithLabelValues("correct").Inc()
	if err := e.bus.Publish(ctx, roomID, "correct_guess", map[string]string{"user_id": uid}, ""); err != nil {
		logging.Warn(ctx, "correct_guess broadcast failed")
	}
	if err := e.bus.Publish(ctx, roomID, "score_updated", map[string]interface{}{
		"user_id":      uid,
		"score":        guesserScore,
		"streak":       streak,
		"streak_bonus": result.StreakBonus,
	}, ""); err != nil {
		logging.Warn(ctx, "guesser score_updated broadcast failed")
	}
	if result.DrawerPoints > 0 {
		if err := e.bus.Publish(ctx, roomID, "score_updated", map[string]interface{}{
			"user_id": info.CurrentDrawer,
			"score":   drawerScore,
		}, ""); err != nil {
			logging.Warn(ctx, "drawer score_updated broadcast failed")
		}
	}

	totalPlayers, err := e.store.SCard(ctx, keyspace.Players(roomID))
	if err != nil {
		return err
	}
	if bonus, allGuessed := scoring.AllGuessedBonusFor(int(rank), int(totalPlayers)); allGuessed {
		return e.awardAllGuessedBonusAndEnd(ctx, roomID, info.CurrentDrawer, bonus)
	}

	return nil
}

func (e *Engine) awardAllGuessedBonusAndEnd(ctx context.Context, roomID, drawerID string, bonus int) error {
	newScore, err := e.players.UpdateScore(ctx, roomID, drawerID, int64(bonus))
	if err != nil {
		return err
	}
	if err := e.bus.Publish(ctx, roomID, "score_updated", map[string]interface{}{
		"user_id": drawerID,
		"score":   newScore,
	}, ""); err != nil {
		logging.Warn(ctx, "all-guessed bonus score_updated broadcast failed")
	}
	return e.EndTurn(ctx, roomID, "all_guessed")
}

// EndTurn is endTurn(R, reason) (§4.7).
func (e *Engine) EndTurn(ctx context.Context, roomID, reason string) error {
	info, err := e.rooms.GetInfo(ctx, roomID)
	if err != nil {
		return err
	}

	word, err := e.store.Get(ctx, keyspace.CurrentWord(roomID))
	if err != nil {
		return err
	}

	if err := e.resetMissedStreaks(ctx, roomID, info); err != nil {
		return err
	}

	metrics.TurnEvents.WithLabelValues("turn_over", reason).Inc()
	if err := e.bus.Publish(ctx, roomID, "turn_over", map[string]interface{}{
		"reason": reason,
		"word":   word,
	}, ""); err != nil {
		logging.Warn(ctx, "turn_over broadcast failed")
	}

	if err := e.store.Del(ctx,
		keyspace.CurrentWord(roomID),
		keyspace.RevealedIndices(roomID),
		keyspace.TurnTimer(roomID),
		keyspace.RevealTimer(roomID),
	); err != nil {
		return err
	}

	return e.store.SetEx(ctx, keyspace.TurnTransitionTimer(roomID), "active", turnTransitionTTL)
}

func (e *Engine) resetMissedStreaks(ctx context.Context, roomID string, info roomstate.Info) error {
	guessed, err := e.store.SMembers(ctx, keyspace.NonEligibleGuessers(roomID, info.CurrentRound))
	if err != nil {
		return err
	}
	return e.players.ResetStreaksForMissedGuessers(ctx, roomID, info.CurrentDrawer, guessed)
}

// HandleDrawerLeft implements players.TurnCoordinator (§4.7).
func (e *Engine) HandleDrawerLeft(ctx context.Context, roomID string) error {
	word, err := e.store.Get(ctx, keyspace.CurrentWord(roomID))
	if err != nil {
		return err
	}
	if word != "" {
		return e.EndTurn(ctx, roomID, "drawer_left")
	}
	if err := e.store.Del(ctx, keyspace.WordSelectionTimer(roomID), keyspace.WordSelectionWords(roomID)); err != nil {
		return err
	}
	return e.store.SetEx(ctx, keyspace.TurnTransitionTimer(roomID), "active", turnTransitionTTL)
}

// CheckAllGuessedAfterLeave implements players.TurnCoordinator (§4.7).
func (e *Engine) CheckAllGuessedAfterLeave(ctx context.Context, roomID string) error {
	info, err := e.rooms.GetInfo(ctx, roomID)
	if err != nil {
		return err
	}
	if info.Status != roomstate.StatusActive || info.CurrentDrawer == "" {
		return nil
	}

	guessedCount, err := e.store.SCard(ctx, keyspace.NonEligibleGuessers(roomID, info.CurrentRound))
	if err != nil {
		return err
	}
	totalPlayers, err := e.store.SCard(ctx, keyspace.Players(roomID))
	if err != nil {
		return err
	}
	nonDrawerCount := totalPlayers - 1
	if nonDrawerCount <= 0 || guessedCount < nonDrawerCount {
		return nil
	}

	bonus, allGuessed := scoring.AllGuessedBonusFor(int(guessedCount), int(totalPlayers))
	if !allGuessed {
		return nil
	}
	return e.awardAllGuessedBonusAndEnd(ctx, roomID, info.CurrentDrawer, bonus)
}
