// Package roomstate owns CRUD on a room's info hash: settings, round
// counter, status, current drawer and admin. It has no knowledge of turns,
// players, or scoring — those live in their own packages and call back into
// roomstate for the fields they need.
package roomstate

import (
	"context"
	"strconv"

	"github.com/singhalkarun/scribbl-sub000/internal/v1/keyspace"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/store"
)

// Status values for RoomInfo's "status" field.
const (
	StatusWaiting  = "waiting"
	StatusActive   = "active"
	StatusFinished = "finished"
)

// Options configures a room at creation time. Zero values fall back to the
// defaults noted per field.
type Options struct {
	MaxRounds    int  // default 3
	TurnTime     int  // seconds, default 60
	HintsAllowed bool // default true, see HintsAllowedSet
	// HintsAllowedSet distinguishes "HintsAllowed explicitly provided" from
	// the zero value, since the default (true) differs from bool's zero
	// value (false) and plain field-is-zero detection would get it wrong.
	HintsAllowedSet bool
	Difficulty      string // "easy" | "medium" | "hard", default "medium"
	MaxPlayers      int    // default 8
	RoomType        string // "public" | "private", default "private"
	AdminID         string
}

func (o Options) withDefaults() Options {
	if o.MaxRounds <= 0 {
		o.MaxRounds = 3
	}
	if o.TurnTime <= 0 {
		o.TurnTime = 60
	}
	if !o.HintsAllowedSet {
		o.HintsAllowed = true
	}
	if o.Difficulty == "" {
		o.Difficulty = "medium"
	}
	if o.MaxPlayers <= 0 {
		o.MaxPlayers = 8
	}
	if o.RoomType == "" {
		o.RoomType = "private"
	}
	return o
}

// Info is the in-memory view of a room's info hash.
type Info struct {
	RoomID        string
	Status        string
	CurrentRound  int
	CurrentDrawer string
	MaxRounds     int
	TurnTime      int
	HintsAllowed  bool
	Difficulty    string
	MaxPlayers    int
	RoomType      string
	AdminID       string
}

func (i Info) IsPublic() bool { return i.RoomType == "public" }

// Manager is the RoomState component (§4.3).
type Manager struct {
	store *store.Store
}

func New(st *store.Store) *Manager {
	return &Manager{store: st}
}

func infoFromHash(roomID string, h map[string]string) Info {
	return Info{
		RoomID:        roomID,
		Status:        h["status"],
		CurrentRound:  atoiOrZero(h["current_round"]),
		CurrentDrawer: h["current_drawer"],
		MaxRounds:     atoiOrZero(h["max_rounds"]),
		TurnTime:      atoiOrZero(h["turn_time"]),
		HintsAllowed:  h["hints_allowed"] == "true",
		Difficulty:    h["difficulty"],
		MaxPlayers:    atoiOrZero(h["max_players"]),
		RoomType:      h["room_type"],
		AdminID:       h["admin_id"],
	}
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func (i Info) toHash() map[string]string {
	return map[string]string{
		"status":         i.Status,
		"current_round":  strconv.Itoa(i.CurrentRound),
		"current_drawer": i.CurrentDrawer,
		"max_rounds":     strconv.Itoa(i.MaxRounds),
		"turn_time":      strconv.Itoa(i.TurnTime),
		"hints_allowed":  strconv.FormatBool(i.HintsAllowed),
		"difficulty":     i.Difficulty,
		"max_players":    strconv.Itoa(i.MaxPlayers),
		"room_type":      i.RoomType,
		"admin_id":       i.AdminID,
	}
}

// GetOrInitialize returns the room's info, creating it with opts if absent,
// or resetting it if its previous game finished (§4.3).
func (m *Manager) GetOrInitialize(ctx context.Context, roomID string, opts Options) (Info, error) {
	h, err := m.store.HGetAll(ctx, keyspace.RoomInfo(roomID))
	if err != nil {
		return Info{}, err
	}
	if len(h) == 0 {
		return m.initialize(ctx, roomID, opts)
	}
	info := infoFromHash(roomID, h)
	if info.Status == StatusFinished {
		return m.Reset(ctx, roomID, opts)
	}
	return info, nil
}

func (m *Manager) initialize(ctx context.Context, roomID string, opts Options) (Info, error) {
	opts = opts.withDefaults()
	info := Info{
		RoomID:        roomID,
		Status:        StatusWaiting,
		CurrentRound:  0,
		CurrentDrawer: "",
		MaxRounds:     opts.MaxRounds,
		TurnTime:      opts.TurnTime,
		HintsAllowed:  opts.HintsAllowed,
		Difficulty:    opts.Difficulty,
		MaxPlayers:    opts.MaxPlayers,
		RoomType:      opts.RoomType,
		AdminID:       opts.AdminID,
	}
	if err := m.store.HMSet(ctx, keyspace.RoomInfo(roomID), info.toHash()); err != nil {
		return Info{}, err
	}
	return info, nil
}

// Reset returns the room hash to its initial waiting state while preserving
// the settings carried in opts (§4.3 reset).
func (m *Manager) Reset(ctx context.Context, roomID string, opts Options) (Info, error) {
	return m.initialize(ctx, roomID, opts)
}

// GetStatus returns the room's status; "" if the room does not exist.
func (m *Manager) GetStatus(ctx context.Context, roomID string) (string, error) {
	return m.store.HGet(ctx, keyspace.RoomInfo(roomID), "status")
}

func (m *Manager) SetStatus(ctx context.Context, roomID, status string) error {
	return m.store.HSet(ctx, keyspace.RoomInfo(roomID), "status", status)
}

// GetCurrentDrawer returns "" when no drawer is assigned.
func (m *Manager) GetCurrentDrawer(ctx context.Context, roomID string) (string, error) {
	return m.store.HGet(ctx, keyspace.RoomInfo(roomID), "current_drawer")
}

// SetCurrentDrawer writing "" is the explicit "no drawer" state.
func (m *Manager) SetCurrentDrawer(ctx context.Context, roomID, userID string) error {
	return m.store.HSet(ctx, keyspace.RoomInfo(roomID), "current_drawer", userID)
}

func (m *Manager) GetInfo(ctx context.Context, roomID string) (Info, error) {
	h, err := m.store.HGetAll(ctx, keyspace.RoomInfo(roomID))
	if err != nil {
		return Info{}, err
	}
	return infoFromHash(roomID, h), nil
}

func (m *Manager) GetCurrentRound(ctx context.Context, roomID string) (int, error) {
	v, err := m.store.HGet(ctx, keyspace.RoomInfo(roomID), "current_round")
	if err != nil {
		return 0, err
	}
	return atoiOrZero(v), nil
}

func (m *Manager) SetCurrentRound(ctx context.Context, roomID string, round int) error {
	return m.store.HSet(ctx, keyspace.RoomInfo(roomID), "current_round", strconv.Itoa(round))
}

func (m *Manager) SetAdmin(ctx context.Context, roomID, adminID string) error {
	return m.store.HSet(ctx, keyspace.RoomInfo(roomID), "admin_id", adminID)
}

// CleanupIfEmpty deletes every key belonging to roomID and removes it from
// the public-rooms index once Players is empty (§4.3, invariant 7).
func (m *Manager) CleanupIfEmpty(ctx context.Context, roomID string) error {
	count, err := m.store.SCard(ctx, keyspace.Players(roomID))
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	keys, err := m.store.Keys(ctx, keyspace.RoomPattern(roomID))
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := m.store.Del(ctx, keys...); err != nil {
			return err
		}
	}
	return m.store.SRem(ctx, keyspace.PublicRoomsKey, roomID)
}
