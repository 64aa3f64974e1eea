package channel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/singhalkarun/scribbl-sub000/internal/v1/logging"
	"github.com/singhalkarun/scribbl-sub000/internal/v1/metrics"
)

// wsConnection abstracts the gorilla/websocket connection so tests can
// substitute a fake without opening a real socket.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// roomer is the capability set Client needs from the Room it belongs to.
type roomer interface {
	dispatch(ctx context.Context, client *Client, evt InboundEvent)
	handleClientDisconnect(c *Client)
}

const writeWait = 10 * time.Second

// Client represents a single websocket connection to one room.
type Client struct {
	conn   wsConnection
	send   chan []byte
	room   roomer
	ID     ClientIDType
	RoomID RoomIDType
}

func newClient(conn wsConnection, room roomer, id ClientIDType, roomID RoomIDType) *Client {
	return &Client{
		conn:   conn,
		send:   make(chan []byte, 256),
		room:   room,
		ID:     id,
		RoomID: roomID,
	}
}

// readPump decodes inbound JSON events and hands them to the room's
// dispatcher until the connection closes.
func (c *Client) readPump() {
	defer func() {
		c.room.handleClientDisconnect(c)
		c.conn.Close()
		metrics.ActiveWebSocketConnections.Dec()
	}()

	ctx := context.Background()
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var evt InboundEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			logging.Warn(ctx, "failed to unmarshal inbound event")
			continue
		}

		c.room.dispatch(ctx, c, evt)
	}
}

// writePump drains the buffered send channel to the socket.
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// sendEvent enqueues an outbound event, dropping it rather than blocking if
// the client is too far behind (§1 Non-goals: at-least-once, not
// exactly-once; a slow reader must never stall the room).
func (c *Client) sendEvent(event string, payload any) {
	data, err := json.Marshal(OutboundEvent{Event: event, Payload: payload})
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound event")
		return
	}
	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "client send buffer full, dropping event")
	}
}
