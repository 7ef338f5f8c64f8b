package chat

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"roomchat/internal/metrics"
)

const (
	writeWait  = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait   = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod = (pongWait * 9) / 10 // Must be less than pongWait.

	defaultMaxMessageSize = 4096
	sendBufferSize        = 256
)

// Client is a middleman between one websocket connection and the hub. A
// client is either attached to a room or to its user's personal channel.
type Client struct {
	ID       string
	UserID   int
	Username string
	RoomID   int64
	RoomName string

	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	personal bool

	maxMessageSize int64
	limiter        *rate.Limiter
	// joined is only touched by the room worker, after user_join succeeded.
	joined atomic.Bool

	logger zerolog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, userID int, username string, logger zerolog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		ID:             id,
		UserID:         userID,
		Username:       username,
		hub:            hub,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		maxMessageSize: defaultMaxMessageSize,
		logger:         logger.With().Str("client_id", id).Int("user_id", userID).Logger(),
	}
}

func (c *Client) detach() {
	if c.personal {
		c.hub.DetachUser(c.UserID, c)
		return
	}
	c.hub.Detach(c.RoomID, c)
}

// readPump pumps frames from the websocket to onMessage until the
// connection fails. Cleanup runs on every exit path.
func (c *Client) readPump(onMessage func(*Client, []byte), onClose func(*Client)) {
	defer func() {
		c.detach()
		c.conn.Close()
		if onClose != nil {
			onClose(c)
		}
	}()

	c.conn.SetReadLimit(c.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if onMessage == nil {
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			metrics.EventsDropped.WithLabelValues("rate_limited").Inc()
			continue
		}
		onMessage(c, message)
	}
}

func (c *Client) logReadError(err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
		c.logger.Warn().Err(err).Msg("websocket closed unexpectedly")
		return
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		c.logger.Warn().Msg("frame exceeds read limit")
		return
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.logger.Debug().Msg("pong timeout")
	}
}

// writePump pumps events from the hub to the websocket, one JSON document
// per frame, and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
