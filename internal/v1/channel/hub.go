package channel

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/singhalkarun/scribbl-sub000/internal/v1/auth"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/bus"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/logging"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/metrics"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/players"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/roomstate"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/turnengine"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/words"
)

// TokenValidator authenticates the query-string token on a websocket upgrade.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// Hub is the central coordinator for all rooms on this replica: it
// authenticates connections, creates/retrieves rooms, and grace-period
// cleans them up once empty (§6, grounded on the teacher's session.Hub).
type Hub struct {
	mu                  sync.Mutex
	roomIndex           map[RoomIDType]*room
	pendingRoomCleanups map[RoomIDType]*time.Timer
	cleanupGracePeriod  time.Duration

	validator TokenValidator
	bus       *bus.Service
	roomState *roomstate.Manager
	players   *players.Registry
	catalog   *words.Catalog
	engine    *turnengine.Engine

	allowedOrigins []string
}

// NewHub wires a Hub to its game-engine collaborators.
func NewHub(validator TokenValidator, b *bus.Service, rs *roomstate.Manager, pr *players.Registry, cat *words.Catalog, eng *turnengine.Engine, allowedOrigins []string) *Hub {
	return &Hub{
		roomIndex:           make(map[RoomIDType]*room),
		pendingRoomCleanups: make(map[RoomIDType]*time.Timer),
		cleanupGracePeriod:  5 * time.Second,
		validator:           validator,
		bus:                 b,
		roomState:           rs,
		players:             pr,
		catalog:             cat,
		engine:              eng,
		allowedOrigins:      allowedOrigins,
	}
}

var upgrader = func(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			originURL, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, a := range allowed {
				allowedURL, err := url.Parse(a)
				if err != nil {
					continue
				}
				if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
					return true
				}
			}
			return false
		},
		WriteBufferPool: &sync.Pool{New: func() any { return make([]byte, 4096) }},
	}
}

// ServeWs upgrades the request to a websocket connection and attaches the
// resulting Client to the room named by the "roomId" path parameter.
func (h *Hub) ServeWs(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.validator.ValidateToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	up := upgrader(h.allowedOrigins)
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed")
		return
	}

	roomID := RoomIDType(c.Param("roomId"))
	rm := h.getOrCreateRoom(roomID)

	client := newClient(conn, rm, ClientIDType(claims.Subject), roomID)
	rm.addClient(client)

	metrics.ActiveWebSocketConnections.Inc()

	go client.writePump()
	go client.readPump()
}

func (h *Hub) getOrCreateRoom(id RoomIDType) *room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rm, ok := h.roomIndex[id]; ok {
		if timer, pending := h.pendingRoomCleanups[id]; pending {
			timer.Stop()
			delete(h.pendingRoomCleanups, id)
		}
		return rm
	}

	rm := newRoom(id, h)
	h.roomIndex[id] = rm
	metrics.ActiveRooms.Inc()
	return rm
}

// scheduleRoomCleanup arms a grace-period timer that removes the room from
// the local registry (and tears down its bus subscriptions) if it is still
// empty once the timer fires — mirrors the teacher's reconnect-without-
// losing-state behavior.
func (h *Hub) scheduleRoomCleanup(id RoomIDType) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.pendingRoomCleanups[id]; ok {
		existing.Stop()
		delete(h.pendingRoomCleanups, id)
	}

	timer := time.AfterFunc(h.cleanupGracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		rm, ok := h.roomIndex[id]
		if !ok {
			return
		}
		rm.mu.Lock()
		empty := len(rm.clients) == 0
		rm.mu.Unlock()
		if !empty {
			delete(h.pendingRoomCleanups, id)
			return
		}

		rm.close()
		delete(h.roomIndex, id)
		delete(h.pendingRoomCleanups, id)
		metrics.ActiveRooms.Dec()
		metrics.SetRoomPlayers(string(id), 0)
	})
	h.pendingRoomCleanups[id] = timer
}
