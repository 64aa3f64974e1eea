// Package words implements WordCatalog & Reveal (§4.5): the three
// difficulty-tiered word lists, per-turn word selection, and the
// progressive letter-reveal protocol.
package words

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"k8s.io/utils/set"

	"github.com/singhalkarun/scribbl-sub000/internal/v1/keyspace"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/roomstate"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/store"
)

// ErrWordNotFound is returned by RevealNextLetter when no CurrentWord is set.
var ErrWordNotFound = errors.New("word_not_found")

// ErrHintsDisabled is returned when a caller asks for a reveal on a room
// whose settings turned hints off.
var ErrHintsDisabled = errors.New("hints_disabled")

// Difficulty-tiered catalogs, grounded on the shape of a CSV word list but
// held in memory as literal slices since no word CSV shipped with this repo.
var catalogs = map[string][]string{
	"easy": {
		"cat", "dog", "sun", "hat", "cup", "ball", "fish", "tree", "star",
		"book", "car", "house", "apple", "chair", "clock", "shoe", "fork",
	},
	"medium": {
		"guitar", "pizza", "rocket", "castle", "dragon", "bicycle", "volcano",
		"penguin", "rainbow", "sandwich", "umbrella", "telephone", "mountain",
	},
	"hard": {
		"chandelier", "metamorphosis", "kaleidoscope", "archaeologist",
		"constellation", "photosynthesis", "refrigerator", "parallelogram",
	},
}

func catalogFor(difficulty string) []string {
	if list, ok := catalogs[difficulty]; ok {
		return list
	}
	return catalogs["medium"]
}

// SpecialChar is a pre-revealed character and its index in the word.
type SpecialChar struct {
	Index int    `json:"index"`
	Char  string `json:"char"`
}

// TurnStartResult is returned by StartTurn to populate the turn_started
// broadcast.
type TurnStartResult struct {
	WordLength    int           `json:"word_length"`
	TimeRemaining int           `json:"time_remaining"`
	SpecialChars  []SpecialChar `json:"special_chars"`
}

// WordState is returned by GetCurrentWordState for late-joining clients.
type WordState struct {
	WordLength    int           `json:"word_length"`
	RevealedWord  string        `json:"revealed_word"`
	TimeRemaining int           `json:"time_remaining"`
	SpecialChars  []SpecialChar `json:"special_chars"`
}

// Catalog is the WordCatalog & Reveal component.
type Catalog struct {
	store *store.Store
	rooms *roomstate.Manager
}

func New(st *store.Store, rooms *roomstate.Manager) *Catalog {
	return &Catalog{store: st, rooms: rooms}
}

// GenerateWords samples 3 distinct candidates from the room's difficulty
// tier (§4.5).
func (c *Catalog) GenerateWords(ctx context.Context, roomID string) ([]string, error) {
	info, err := c.rooms.GetInfo(ctx, roomID)
	if err != nil {
		return nil, err
	}
	pool := catalogFor(info.Difficulty)

	indices := rand.Perm(len(pool))
	n := 3
	if n > len(pool) {
		n = len(pool)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = pool[indices[i]]
	}
	return out, nil
}

func specialCharPositions(word string) []int {
	var positions []int
	for i, r := range word {
		if r == ' ' || r == '-' {
			positions = append(positions, i)
		}
	}
	return positions
}

func specialChars(word string, positions []int) []SpecialChar {
	out := make([]SpecialChar, 0, len(positions))
	for _, idx := range positions {
		out = append(out, SpecialChar{Index: idx, Char: string(word[idx])})
	}
	return out
}

// StartTurn is startTurn(R, word) (§4.5).
func (c *Catalog) StartTurn(ctx context.Context, roomID, word string, turnTime int, hintsAllowed bool) (TurnStartResult, error) {
	if err := c.store.Del(ctx, keyspace.RevealedIndices(roomID), keyspace.CurrentWord(roomID)); err != nil {
		return TurnStartResult{}, err
	}

	positions := specialCharPositions(word)
	if len(positions) > 0 {
		encoded, err := json.Marshal(positions)
		if err != nil {
			return TurnStartResult{}, err
		}
		if err := c.store.Set(ctx, keyspace.RevealedIndices(roomID), string(encoded)); err != nil {
			return TurnStartResult{}, err
		}
	}

	if err := c.store.Set(ctx, keyspace.CurrentWord(roomID), word); err != nil {
		return TurnStartResult{}, err
	}
	if err := c.store.SetEx(ctx, keyspace.TurnTimer(roomID), "active", time.Duration(turnTime)*time.Second); err != nil {
		return TurnStartResult{}, err
	}

	if hintsAllowed && len(word) >= 2 {
		if err := c.startRevealTimerWithTTL(ctx, roomID, time.Duration(turnTime/2)*time.Second); err != nil {
			return TurnStartResult{}, err
		}
	}

	return TurnStartResult{
		WordLength:    len(word),
		TimeRemaining: turnTime,
		SpecialChars:  specialChars(word, positions),
	}, nil
}

func (c *Catalog) loadRevealedIndices(ctx context.Context, roomID string) (set.Set[int], error) {
	raw, err := c.store.Get(ctx, keyspace.RevealedIndices(roomID))
	if err != nil {
		return nil, err
	}
	revealed := set.New[int]()
	if raw == "" {
		return revealed, nil
	}
	var indices []int
	if err := json.Unmarshal([]byte(raw), &indices); err != nil {
		return nil, err
	}
	revealed.Insert(indices...)
	return revealed, nil
}

func (c *Catalog) persistRevealedIndices(ctx context.Context, roomID string, revealed set.Set[int]) error {
	list := revealed.UnsortedList()
	encoded, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, keyspace.RevealedIndices(roomID), string(encoded))
}

func renderRevealedWord(word string, revealed set.Set[int]) string {
	out := make([]byte, len(word))
	for i := 0; i < len(word); i++ {
		if revealed.Has(i) {
			out[i] = word[i]
		} else {
			out[i] = '_'
		}
	}
	return string(out)
}

// RevealNextLetter is revealNextLetter(R) (§4.5).
func (c *Catalog) RevealNextLetter(ctx context.Context, roomID string) (string, error) {
	word, err := c.store.Get(ctx, keyspace.CurrentWord(roomID))
	if err != nil {
		return "", err
	}
	if word == "" {
		return "", ErrWordNotFound
	}

	revealed, err := c.loadRevealedIndices(ctx, roomID)
	if err != nil {
		return "", err
	}
	revealed.Insert(specialCharPositions(word)...)

	all := set.New[int]()
	for i := range word {
		all.Insert(i)
	}
	remaining := all.Difference(revealed).UnsortedList()
	if len(remaining) == 0 {
		return word, nil
	}

	pick := remaining[rand.Intn(len(remaining))]
	revealed.Insert(pick)

	if err := c.persistRevealedIndices(ctx, roomID, revealed); err != nil {
		return "", err
	}
	return renderRevealedWord(word, revealed), nil
}

func (c *Catalog) startRevealTimerWithTTL(ctx context.Context, roomID string, ttl time.Duration) error {
	return c.store.SetEx(ctx, keyspace.RevealTimer(roomID), "reveal_letter", ttl)
}

// StartRevealTimer is startRevealTimer(R) (§4.5): schedules the next tick at
// max(1, floor(60/|word|)) seconds.
func (c *Catalog) StartRevealTimer(ctx context.Context, roomID string, hintsAllowed bool) error {
	if !hintsAllowed {
		return ErrHintsDisabled
	}
	word, err := c.store.Get(ctx, keyspace.CurrentWord(roomID))
	if err != nil {
		return err
	}
	if word == "" {
		return ErrWordNotFound
	}
	secs := 60 / len(word)
	if secs < 1 {
		secs = 1
	}
	return c.startRevealTimerWithTTL(ctx, roomID, time.Duration(secs)*time.Second)
}

// GetCurrentWordState is getCurrentWordState(R) for late-joining clients.
func (c *Catalog) GetCurrentWordState(ctx context.Context, roomID string) (WordState, error) {
	word, err := c.store.Get(ctx, keyspace.CurrentWord(roomID))
	if err != nil {
		return WordState{}, err
	}
	if word == "" {
		return WordState{}, ErrWordNotFound
	}

	revealed, err := c.loadRevealedIndices(ctx, roomID)
	if err != nil {
		return WordState{}, err
	}
	positions := specialCharPositions(word)
	revealed.Insert(positions...)

	ttl, err := c.store.TTL(ctx, keyspace.TurnTimer(roomID))
	if err != nil {
		return WordState{}, err
	}

	return WordState{
		WordLength:    len(word),
		RevealedWord:  renderRevealedWord(word, revealed),
		TimeRemaining: int(ttl.Seconds()),
		SpecialChars:  specialChars(word, positions),
	}, nil
}
