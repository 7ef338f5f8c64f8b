package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"roomchat/internal/metrics"
)

// UserNotificationChannel carries personal events between instances.
const UserNotificationChannel = "chat:user-notifications"

type subscription struct {
	client   *Client
	roomID   int64
	userID   int
	personal bool
}

type roomEvent struct {
	roomID  int64
	payload []byte
}

type userEvent struct {
	userID  int
	payload []byte
}

type directEvent struct {
	client  *Client
	payload []byte
}

// userEnvelope is the pub/sub wire format for personal events.
type userEnvelope struct {
	UserID  int             `json:"user_id"`
	Payload json.RawMessage `json:"payload"`
}

// Hub owns every attached connection. All state lives in the Run goroutine,
// so events sent to one room are delivered in the order they were submitted.
type Hub struct {
	rooms map[int64]map[*Client]bool
	users map[int]map[*Client]bool

	register   chan subscription
	unregister chan subscription
	broadcast  chan roomEvent
	notify     chan userEvent
	direct     chan directEvent

	redis       *redis.Client
	onRoomEmpty func(roomID int64)
	logger      zerolog.Logger

	pumps    sync.WaitGroup
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a hub. redisClient may be nil, in which case personal
// events are only delivered to connections on this instance.
func NewHub(redisClient *redis.Client, logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:      make(map[int64]map[*Client]bool),
		users:      make(map[int]map[*Client]bool),
		register:   make(chan subscription),
		unregister: make(chan subscription),
		broadcast:  make(chan roomEvent),
		notify:     make(chan userEvent),
		direct:     make(chan directEvent),
		redis:      redisClient,
		logger:     logger.With().Str("component", "hub").Logger(),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// OnRoomEmpty registers a callback fired when the last connection of a room
// detaches. It must be set before Run.
func (h *Hub) OnRoomEmpty(fn func(roomID int64)) {
	h.onRoomEmpty = fn
}

func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.quit:
			h.closeAll()
			return

		case sub := <-h.register:
			h.add(sub)

		case sub := <-h.unregister:
			h.remove(sub)

		case ev := <-h.broadcast:
			metrics.BroadcastsTotal.Inc()
			for client := range h.rooms[ev.roomID] {
				h.deliver(client, ev.payload)
			}

		case ev := <-h.notify:
			for client := range h.users[ev.userID] {
				h.deliver(client, ev.payload)
			}

		case ev := <-h.direct:
			if h.attached(ev.client) {
				h.deliver(ev.client, ev.payload)
			}
		}
	}
}

func (h *Hub) add(sub subscription) {
	if sub.personal {
		if h.users[sub.userID] == nil {
			h.users[sub.userID] = make(map[*Client]bool)
		}
		h.users[sub.userID][sub.client] = true
		metrics.WSConnections.WithLabelValues("user").Inc()
		return
	}
	if h.rooms[sub.roomID] == nil {
		h.rooms[sub.roomID] = make(map[*Client]bool)
	}
	h.rooms[sub.roomID][sub.client] = true
	metrics.WSConnections.WithLabelValues("room").Inc()
}

// remove detaches a client and closes its send channel. Removing a client
// that is not attached is a no-op, so send is closed exactly once.
func (h *Hub) remove(sub subscription) {
	if sub.personal {
		clients := h.users[sub.userID]
		if !clients[sub.client] {
			return
		}
		delete(clients, sub.client)
		close(sub.client.send)
		metrics.WSConnections.WithLabelValues("user").Dec()
		if len(clients) == 0 {
			delete(h.users, sub.userID)
		}
		return
	}

	clients := h.rooms[sub.roomID]
	if !clients[sub.client] {
		return
	}
	delete(clients, sub.client)
	close(sub.client.send)
	metrics.WSConnections.WithLabelValues("room").Dec()
	if len(clients) == 0 {
		delete(h.rooms, sub.roomID)
		if h.onRoomEmpty != nil {
			go h.onRoomEmpty(sub.roomID)
		}
	}
}

func (h *Hub) attached(c *Client) bool {
	if c.personal {
		return h.users[c.UserID][c]
	}
	return h.rooms[c.RoomID][c]
}

// deliver never blocks: a client whose buffer is full is dropped.
func (h *Hub) deliver(c *Client, payload []byte) {
	select {
	case c.send <- payload:
	default:
		metrics.SlowClientsDropped.Inc()
		h.logger.Warn().Str("client_id", c.ID).Int("user_id", c.UserID).Msg("send buffer full, dropping client")
		h.remove(subscription{client: c, roomID: c.RoomID, userID: c.UserID, personal: c.personal})
	}
}

func (h *Hub) closeAll() {
	for roomID, clients := range h.rooms {
		for c := range clients {
			close(c.send)
			metrics.WSConnections.WithLabelValues("room").Dec()
		}
		delete(h.rooms, roomID)
	}
	for userID, clients := range h.users {
		for c := range clients {
			close(c.send)
			metrics.WSConnections.WithLabelValues("user").Dec()
		}
		delete(h.users, userID)
	}
}

func (h *Hub) Attach(roomID int64, c *Client) {
	c.RoomID = roomID
	select {
	case h.register <- subscription{client: c, roomID: roomID}:
	case <-h.quit:
	}
}

func (h *Hub) Detach(roomID int64, c *Client) {
	select {
	case h.unregister <- subscription{client: c, roomID: roomID}:
	case <-h.quit:
	}
}

func (h *Hub) AttachUser(userID int, c *Client) {
	c.UserID = userID
	c.personal = true
	select {
	case h.register <- subscription{client: c, userID: userID, personal: true}:
	case <-h.quit:
	}
}

func (h *Hub) DetachUser(userID int, c *Client) {
	select {
	case h.unregister <- subscription{client: c, userID: userID, personal: true}:
	case <-h.quit:
	}
}

// Broadcast encodes the event once and fans it out to the room.
func (h *Hub) Broadcast(roomID int64, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	select {
	case h.broadcast <- roomEvent{roomID: roomID, payload: payload}:
	case <-h.quit:
	}
	return nil
}

// SendTo delivers an event to a single connection, if it is still attached.
func (h *Hub) SendTo(c *Client, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	select {
	case h.direct <- directEvent{client: c, payload: payload}:
	case <-h.quit:
	}
	return nil
}

// NotifyUser sends an event to every personal channel of the user. With
// Redis configured the event goes through pub/sub so other instances see
// it; a failed publish is logged and delivered locally instead.
func (h *Hub) NotifyUser(ctx context.Context, userID int, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("encode user event")
		return
	}

	if h.redis != nil {
		data, err := json.Marshal(userEnvelope{UserID: userID, Payload: payload})
		if err != nil {
			h.logger.Error().Err(err).Msg("encode user envelope")
			return
		}
		err = h.redis.Publish(ctx, UserNotificationChannel, data).Err()
		if err == nil {
			return
		}
		h.logger.Warn().Err(err).Int("user_id", userID).Msg("publish user event failed, delivering locally")
	}
	h.deliverUser(userID, payload)
}

func (h *Hub) deliverUser(userID int, payload []byte) {
	select {
	case h.notify <- userEvent{userID: userID, payload: payload}:
	case <-h.quit:
	}
}

// SubscribeToRedis relays personal events published by any instance to the
// local connections. It returns when ctx is cancelled.
func (h *Hub) SubscribeToRedis(ctx context.Context) {
	if h.redis == nil {
		return
	}
	pubsub := h.redis.Subscribe(ctx, UserNotificationChannel)
	defer pubsub.Close()
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env userEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.logger.Warn().Err(err).Msg("malformed user event on pub/sub")
				continue
			}
			h.deliverUser(env.UserID, env.Payload)
		}
	}
}

// Go runs a connection pump and tracks it for Shutdown.
func (h *Hub) Go(fn func()) {
	h.pumps.Add(1)
	go func() {
		defer h.pumps.Done()
		fn()
	}()
}

// Shutdown closes every connection and waits for their pumps to exit.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.quit) })

	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	pumpsDone := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(pumpsDone)
	}()
	select {
	case <-pumpsDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
