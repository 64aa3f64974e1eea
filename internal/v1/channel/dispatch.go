package channel

import (
	"context"
	"encoding/json"

	"github.com/singhalkarun/scribbl-sub000/internal/v1/logging"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/roomstate"
)

// dispatch implements roomer: it validates and routes one inbound event
// from client to the appropriate game-engine collaborator (§6).
func (r *room) dispatch(ctx context.Context, client *Client, evt InboundEvent) {
	switch evt.Event {
	case EventJoin:
		r.handleJoin(ctx, client, evt.Payload)
	case EventStartGame:
		r.handleStartGame(ctx, client)
	case EventSelectWord:
		r.handleSelectWord(ctx, client, evt.Payload)
	case EventNewMessage:
		r.handleNewMessage(ctx, client, evt.Payload)
	case EventDrawing:
		r.relayDrawing(ctx, client, "drawing", evt.Payload)
	case EventDrawingClear:
		r.relayDrawing(ctx, client, "drawing_clear", evt.Payload)
	case EventVoteKick:
		r.handleVoteKick(ctx, client, evt.Payload)
	case EventLeave:
		client.conn.Close()
	default:
		logging.Warn(ctx, "unrecognized inbound event")
	}
}

func (r *room) handleJoin(ctx context.Context, client *Client, raw json.RawMessage) {
	var p joinPayload
	_ = json.Unmarshal(raw, &p)

	opts := roomstate.Options{
		MaxRounds:  p.MaxRounds,
		TurnTime:   p.TurnTime,
		Difficulty: p.Difficulty,
		MaxPlayers: p.MaxPlayers,
		RoomType:   p.RoomType,
		AdminID:    string(client.ID),
	}
	if p.HintsAllowed != nil {
		opts.HintsAllowed = *p.HintsAllowed
		opts.HintsAllowedSet = true
	}

	info, err := r.hub.roomState.GetOrInitialize(ctx, string(r.id), opts)
	if err != nil {
		logging.Warn(ctx, "room initialization on join failed")
		return
	}
	if info.AdminID == "" {
		_ = r.hub.roomState.SetAdmin(ctx, string(r.id), string(client.ID))
	}

	if err := r.hub.players.Add(ctx, string(r.id), string(client.ID)); err != nil {
		logging.Warn(ctx, "player add on join failed")
		return
	}

	r.sendJoinState(ctx, client, info)
}

// sendJoinState replays enough current state for a client that just
// (re)connected to render the room without waiting for the next broadcast.
func (r *room) sendJoinState(ctx context.Context, client *Client, info roomstate.Info) {
	scores, err := r.hub.players.GetAllScores(ctx, string(r.id))
	if err != nil {
		scores = map[string]int64{}
	}
	client.sendEvent("room_state", map[string]interface{}{
		"status":         info.Status,
		"current_round":  info.CurrentRound,
		"max_rounds":     info.MaxRounds,
		"current_drawer": info.CurrentDrawer,
		"scores":         scores,
	})

	if info.Status == roomstate.StatusActive && info.CurrentDrawer != "" && string(client.ID) != info.CurrentDrawer {
		if state, err := r.hub.catalog.GetCurrentWordState(ctx, string(r.id)); err == nil {
			client.sendEvent("word_state", state)
		}
	}
}

func (r *room) handleStartGame(ctx context.Context, client *Client) {
	info, err := r.hub.roomState.GetInfo(ctx, string(r.id))
	if err != nil {
		logging.Warn(ctx, "room lookup on start_game failed")
		return
	}
	if info.AdminID != "" && info.AdminID != string(client.ID) {
		return
	}
	if err := r.hub.engine.Start(ctx, string(r.id)); err != nil {
		logging.Warn(ctx, "start_game failed")
	}
}

func (r *room) handleSelectWord(ctx context.Context, client *Client, raw json.RawMessage) {
	var p selectWordPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	if err := r.hub.engine.SelectWord(ctx, string(r.id), string(client.ID), p.Word); err != nil {
		logging.Warn(ctx, "select_word failed")
	}
}

func (r *room) handleNewMessage(ctx context.Context, client *Client, raw json.RawMessage) {
	var p newMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	if err := r.hub.engine.HandleGuess(ctx, string(r.id), string(client.ID), p.Message); err != nil {
		logging.Warn(ctx, "new_message guess handling failed")
	}
}

// relayDrawing forwards the stroke object (drawMode, strokeColor, ...)
// unchanged. The engine has no opinion on drawing data (§1 Non-goals: canvas
// UI is out of scope); this is pure pub/sub fan-out with the drawer's own
// connection excluded by SenderID.
func (r *room) relayDrawing(ctx context.Context, client *Client, event string, raw json.RawMessage) {
	if err := r.hub.bus.Publish(ctx, string(r.id), event, raw, string(client.ID)); err != nil {
		logging.Warn(ctx, "drawing relay failed")
	}
}

func (r *room) handleVoteKick(ctx context.Context, client *Client, raw json.RawMessage) {
	var p voteKickPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	if err := r.hub.players.VoteToKick(ctx, string(r.id), string(client.ID), p.TargetID); err != nil {
		logging.Warn(ctx, "vote_kick failed")
	}
}
