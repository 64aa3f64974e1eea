// Package channel implements RoomChannel (§6): the per-connection transport
// boundary. It validates inbound client events, delegates to the game
// engine, and relays outbound broadcasts — it owns no game-flow state.
package channel

import "encoding/json"

// ClientIDType is the stable user id extracted from the auth token.
type ClientIDType string

// RoomIDType identifies a room across Hub, TurnEngine, and Store.
type RoomIDType string

// InboundEvent is the envelope every client message arrives in.
type InboundEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// OutboundEvent is the envelope every broadcast or targeted message leaves in.
type OutboundEvent struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Inbound event names (§6): what RoomChannel accepts from a connected client.
const (
	EventJoin         = "join"
	EventStartGame    = "start_game"
	EventSelectWord   = "select_word"
	EventNewMessage   = "new_message"
	EventDrawing      = "drawing"
	EventDrawingClear = "drawing_clear"
	EventVoteKick     = "vote_kick"
	EventLeave        = "leave"
)

// joinPayload is the payload of a "join" inbound event. HintsAllowed is a
// pointer so an omitted field (default hints_allowed=true, §3) is
// distinguishable from an explicit false.
type joinPayload struct {
	RoomType     string `json:"room_type"`
	MaxRounds    int    `json:"max_rounds"`
	TurnTime     int    `json:"turn_time"`
	HintsAllowed *bool  `json:"hints_allowed"`
	Difficulty   string `json:"difficulty"`
	MaxPlayers   int    `json:"max_players"`
}

// selectWordPayload is the payload of a "select_word" inbound event.
type selectWordPayload struct {
	Word string `json:"word"`
}

// newMessagePayload is the payload of a "new_message" inbound event.
type newMessagePayload struct {
	Message string `json:"message"`
}

// voteKickPayload is the payload of a "vote_kick" inbound event.
type voteKickPayload struct {
	TargetID string `json:"target_user_id"`
}
