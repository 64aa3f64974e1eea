package channel

import (
	"context"
	"encoding/json"
	"sync"

	"k8s.io/utils/set"

	"github.com/singhalkarun/scribbl-sub000/internal/v1/bus"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/logging"
)

// room fans bus broadcasts out to the connections it currently holds, and
// routes each connection's inbound events into dispatch. It holds no
// game-flow state of its own — that all lives in roomstate/players/
// turnengine, reached through the Hub's deps.
type room struct {
	id  RoomIDType
	hub *Hub

	mu      sync.Mutex
	clients map[ClientIDType]*Client

	unsubRoom   func()
	roomWg      sync.WaitGroup
	userUnsubMu sync.Mutex
	userUnsub   map[ClientIDType]userSub
}

type userSub struct {
	cancel func()
	wg     *sync.WaitGroup
}

func newRoom(id RoomIDType, h *Hub) *room {
	r := &room{
		id:        id,
		hub:       h,
		clients:   make(map[ClientIDType]*Client),
		userUnsub: make(map[ClientIDType]userSub),
	}

	if h.bus != nil {
		ctx, cancel := context.WithCancel(context.Background())
		h.bus.Subscribe(ctx, string(id), &r.roomWg, r.handleRoomBroadcast)
		r.unsubRoom = cancel
	}

	return r
}

// handleRoomBroadcast relays a room-wide event to every locally connected
// client, excluding the originating sender (echo suppression) and, for
// letter_reveal, excluding the current drawer (§4.8/§6: drawers never
// receive their own word's hint reveal).
func (r *room) handleRoomBroadcast(p bus.PubSubPayload) {
	exclude := set.New[ClientIDType]()
	if p.SenderID != "" {
		exclude.Insert(ClientIDType(p.SenderID))
	}
	if p.Event == "letter_reveal" {
		var body struct {
			DrawerID string `json:"drawer_id"`
		}
		if err := json.Unmarshal(p.Payload, &body); err == nil && body.DrawerID != "" {
			exclude.Insert(ClientIDType(body.DrawerID))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.clients {
		if exclude.Has(id) {
			continue
		}
		c.sendRaw(p.Event, p.Payload)
	}
}

func (r *room) addClient(c *Client) {
	r.mu.Lock()
	r.clients[c.ID] = c
	r.mu.Unlock()

	if r.hub.bus != nil {
		ctx, cancel := context.WithCancel(context.Background())
		wg := &sync.WaitGroup{}
		r.hub.bus.SubscribeUser(ctx, string(c.ID), wg, func(p bus.PubSubPayload) {
			c.sendRaw(p.Event, p.Payload)
		})
		r.userUnsubMu.Lock()
		r.userUnsub[c.ID] = userSub{cancel: cancel, wg: wg}
		r.userUnsubMu.Unlock()
	}
}

func (r *room) removeClient(id ClientIDType) {
	r.mu.Lock()
	delete(r.clients, id)
	remaining := len(r.clients)
	r.mu.Unlock()

	r.userUnsubMu.Lock()
	if sub, ok := r.userUnsub[id]; ok {
		sub.cancel()
		sub.wg.Wait()
		delete(r.userUnsub, id)
	}
	r.userUnsubMu.Unlock()

	if remaining == 0 {
		r.hub.scheduleRoomCleanup(r.id)
	}
}

// handleClientDisconnect implements roomer, invoked from Client.readPump's
// deferred cleanup.
func (r *room) handleClientDisconnect(c *Client) {
	ctx := context.Background()
	r.removeClient(c.ID)
	if err := r.hub.players.Remove(ctx, string(r.id), string(c.ID)); err != nil {
		logging.Warn(ctx, "player removal on disconnect failed")
	}
}

func (r *room) close() {
	if r.unsubRoom != nil {
		r.unsubRoom()
		r.roomWg.Wait()
	}
	r.userUnsubMu.Lock()
	for _, sub := range r.userUnsub {
		sub.cancel()
		sub.wg.Wait()
	}
	r.userUnsubMu.Unlock()
}

// sendRaw forwards an already-encoded payload, avoiding a double
// marshal/unmarshal round trip for broadcast fan-out.
func (c *Client) sendRaw(event string, payload json.RawMessage) {
	data, err := json.Marshal(OutboundEvent{Event: event, Payload: payload})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "client send buffer full, dropping event")
	}
}
