// Package keyspace builds the Redis keys every other package reads and
// writes. It holds no state: two callers computing the key for the same
// entity and room always obtain byte-identical keys.
package keyspace

import "fmt"

// PublicRoomsKey is the single set of public rooms with open slots.
const PublicRoomsKey = "public_rooms"

// RoomInfo is the hash holding a room's settings, round counter, status,
// current drawer and admin.
func RoomInfo(room string) string {
	return fmt.Sprintf("room:{%s}:info", room)
}

// Players is the set of user ids currently in the room.
func Players(room string) string {
	return fmt.Sprintf("room:{%s}:players", room)
}

// EligibleDrawers is the per-round set of players who have not yet drawn.
func EligibleDrawers(room string, round int) string {
	return fmt.Sprintf("room:{%s}:round:%d:eligible_drawers", room, round)
}

// NonEligibleGuessers is the per-turn set of players who already guessed
// correctly this turn.
func NonEligibleGuessers(room string, round int) string {
	return fmt.Sprintf("room:{%s}:%d:non_eligible_guessers", room, round)
}

// CurrentWord holds the word chosen for the active turn.
func CurrentWord(room string) string {
	return fmt.Sprintf("room:{%s}:word", room)
}

// RevealedIndices is the JSON-encoded array of currently visible character
// indices for the active turn.
func RevealedIndices(room string) string {
	return fmt.Sprintf("room:{%s}:revealed_indices", room)
}

// TurnTimer drives the turn's drawing-phase timeout.
func TurnTimer(room string) string {
	return fmt.Sprintf("room:{%s}:timer", room)
}

// RevealTimer drives the next letter reveal.
func RevealTimer(room string) string {
	return fmt.Sprintf("room:{%s}:reveal_timer", room)
}

// WordSelectionTimer drives drawer word-selection auto-pick.
func WordSelectionTimer(room string) string {
	return fmt.Sprintf("room:{%s}:word_selection_timer", room)
}

// WordSelectionWords mirrors WordSelectionTimer's candidate list with a TTL
// a few seconds longer than the timer's so TimerWatcher can recover it after Redis delivers only the
// expired key's name, never its value (§4.8, §9).
func WordSelectionWords(room string) string {
	return fmt.Sprintf("room:{%s}:word_selection_words", room)
}

// TurnTransitionTimer smooths the client-visible turn-over animation before
// the next turn begins.
func TurnTransitionTimer(room string) string {
	return fmt.Sprintf("room:{%s}:turn_transition_timer", room)
}

// PlayerScore is the integer score counter for one player in one room.
func PlayerScore(room, userID string) string {
	return fmt.Sprintf("room:{%s}:player:%s:score", room, userID)
}

// PlayerScorePattern matches every PlayerScore key in a room, for bulk
// clearing at game end.
func PlayerScorePattern(room string) string {
	return fmt.Sprintf("room:{%s}:player:*:score", room)
}

// PlayerStreak is a per-user (not per-room) consecutive-correct-guess
// counter.
func PlayerStreak(userID string) string {
	return fmt.Sprintf("player:%s:streak", userID)
}

// KickVotes is the set of voters for kicking target from room.
func KickVotes(room, targetUserID string) string {
	return fmt.Sprintf("room:{%s}:kick_votes:%s", room, targetUserID)
}

// Lock is a distributed SET-NX-PX mutex key for deduplicating a timer
// expiry's handler across replicas. discriminator is either the word (turn
// and reveal timers) or the room id (word-selection and transition timers).
func Lock(timerKey, discriminator string) string {
	return fmt.Sprintf("lock:%s:%s", timerKey, discriminator)
}

// RoomPattern matches every key belonging to a room, for cleanup when the
// room becomes empty.
func RoomPattern(room string) string {
	return fmt.Sprintf("room:{%s}:*", room)
}
