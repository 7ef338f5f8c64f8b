package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"roomchat/internal/metrics"
	"roomchat/internal/notify"
)

const jobTimeout = 10 * time.Second

// PushQueue accepts best-effort offline notifications.
type PushQueue interface {
	Enqueue(job notify.Job) bool
}

type GatewayConfig struct {
	QueueSize      int
	MaxMessageSize int64
	RatePerSecond  float64
	RateBurst      int
}

type job func(ctx context.Context)

// Gateway turns socket events into store operations and broadcasts. Every
// event of a room runs on that room's single worker, so persistence and the
// broadcast that follows it are ordered per room while rooms run in
// parallel.
type Gateway struct {
	store   Store
	tracker *ReadTracker
	hub     *Hub
	push    PushQueue
	cfg     GatewayConfig
	logger  zerolog.Logger

	mu      sync.Mutex
	workers map[int64]chan job
	online  map[*Client]struct{} // joined room sockets
	closed  bool
	quit    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	tasks   sync.WaitGroup

	doneOnce sync.Once
}

// NewGateway wires the gateway to the hub. push may be nil.
func NewGateway(store Store, tracker *ReadTracker, hub *Hub, push PushQueue, cfg GatewayConfig, logger zerolog.Logger) *Gateway {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	g := &Gateway{
		store:   store,
		tracker: tracker,
		hub:     hub,
		push:    push,
		cfg:     cfg,
		logger:  logger.With().Str("component", "gateway").Logger(),
		workers: make(map[int64]chan job),
		online:  make(map[*Client]struct{}),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	hub.OnRoomEmpty(g.roomEmptied)
	return g
}

// ---------------------------------------------
// Connections
// ---------------------------------------------

func (g *Gateway) newClient(conn *websocket.Conn, userID int, username string) *Client {
	c := newClient(g.hub, conn, userID, username, g.logger)
	c.maxMessageSize = g.cfg.MaxMessageSize
	if g.cfg.RatePerSecond > 0 {
		burst := g.cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(g.cfg.RatePerSecond), burst)
	}
	return c
}

// Accept attaches an upgraded connection to an active room. The member is
// not marked online until the client sends user_join.
func (g *Gateway) Accept(conn *websocket.Conn, room *Room, userID int, username string) *Client {
	c := g.newClient(conn, userID, username)
	c.RoomName = room.Name
	g.hub.Attach(room.ID, c)

	g.hub.Go(c.writePump)
	g.hub.Go(func() { c.readPump(g.HandleEvent, g.disconnected) })
	return c
}

// AcceptPersonal attaches a user's notification socket and sends the
// current unread totals.
func (g *Gateway) AcceptPersonal(ctx context.Context, conn *websocket.Conn, userID int, username string) *Client {
	c := g.newClient(conn, userID, username)
	g.hub.AttachUser(userID, c)

	counts, err := g.store.UnreadCounts(ctx, userID)
	if err != nil {
		g.logger.Error().Err(err).Int("user_id", userID).Msg("load unread counts")
		counts = map[int64]int{}
	}
	g.hub.SendTo(c, AllUnreadCountsEvent{Type: EventAllUnreadCounts, UnreadCounts: counts})

	g.hub.Go(c.writePump)
	g.hub.Go(func() { c.readPump(nil, nil) })
	return c
}

// HandleEvent parses a frame and queues it on the room worker. Malformed
// frames are dropped; the connection stays open.
func (g *Gateway) HandleEvent(c *Client, data []byte) {
	ev, err := ParseInbound(data)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		c.logger.Debug().Err(err).Msg("dropping inbound frame")
		return
	}
	metrics.EventsTotal.WithLabelValues(ev.Type).Inc()

	if !g.enqueue(c.RoomID, func(ctx context.Context) { g.dispatch(ctx, c, ev) }) {
		metrics.EventsDropped.WithLabelValues("shutdown").Inc()
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *Client, ev *InboundEvent) {
	var err error
	switch ev.Type {
	case EventUserJoin:
		err = g.join(ctx, c)
	case EventUserLeave:
		err = g.leave(ctx, c.RoomID, c.UserID, c.Username)
		if err == nil {
			c.joined.Store(false)
		}
	case EventText:
		err = g.postText(ctx, c, ev)
	case EventFile:
		err = g.postFile(ctx, c, ev)
	case EventMarkRead:
		_, err = g.markRead(ctx, c.RoomID, c.UserID, c.Username, ev.MessageID)
	case EventReaction:
		err = g.react(ctx, c, ev)
	}
	if err != nil {
		g.fail(c, ev.Type, err)
	}
}

// fail logs the error and tells only the originating socket about it.
func (g *Gateway) fail(c *Client, eventType string, err error) {
	code := "internal"
	switch {
	case errors.Is(err, ErrNotFound):
		c.logger.Debug().Err(err).Str("event", eventType).Msg("target not found")
		return
	case errors.Is(err, ErrNotJoined):
		code = "not_joined"
	case errors.Is(err, ErrRoomFull):
		code = "room_full"
	case errors.Is(err, ErrRoomInactive):
		code = "room_inactive"
	case errors.Is(err, ErrForbidden):
		code = "forbidden"
	default:
		c.logger.Error().Err(err).Str("event", eventType).Int64("room_id", c.RoomID).Msg("event failed")
	}
	g.hub.SendTo(c, ErrorEvent{Type: EventError, Code: code, Message: err.Error()})
}

// disconnected marks the member offline once the connection is gone. The job
// runs on the room worker, after any join still queued for this connection.
// A user with another socket still joined to the room stays online.
func (g *Gateway) disconnected(c *Client) {
	g.enqueue(c.RoomID, func(ctx context.Context) {
		if !c.joined.Load() {
			return
		}
		c.joined.Store(false)
		if g.untrack(c) {
			return
		}
		g.setOffline(ctx, c.RoomID, c.UserID)
	})
}

func (g *Gateway) setOffline(ctx context.Context, roomID int64, userID int) {
	err := g.store.SetOnline(ctx, roomID, userID, false)
	if err != nil && !errors.Is(err, ErrNotFound) {
		g.logger.Error().Err(err).Int64("room_id", roomID).Int("user_id", userID).Msg("mark offline")
	}
}

func (g *Gateway) track(c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.online[c] = struct{}{}
}

// untrack forgets c and reports whether the same user still has another
// joined socket in that room.
func (g *Gateway) untrack(c *Client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.online, c)
	for other := range g.online {
		if other.RoomID == c.RoomID && other.UserID == c.UserID {
			return true
		}
	}
	return false
}

// untrackMember forgets every socket of a user who left the room.
func (g *Gateway) untrackMember(roomID int64, userID int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.online {
		if c.RoomID == roomID && c.UserID == userID {
			c.joined.Store(false)
			delete(g.online, c)
		}
	}
}

// markAllOffline clears presence for every socket still joined. It runs
// once the room workers have stopped, so no join can race with it.
func (g *Gateway) markAllOffline(ctx context.Context) {
	g.mu.Lock()
	joined := g.online
	g.online = make(map[*Client]struct{})
	g.mu.Unlock()

	type presence struct {
		roomID int64
		userID int
	}
	seen := make(map[presence]bool, len(joined))
	for c := range joined {
		c.joined.Store(false)
		key := presence{c.RoomID, c.UserID}
		if seen[key] {
			continue
		}
		seen[key] = true
		g.setOffline(ctx, c.RoomID, c.UserID)
	}
}

func (g *Gateway) roomEmptied(roomID int64) {
	g.enqueue(roomID, func(ctx context.Context) {
		deactivated, err := g.store.DeactivateIfEmpty(ctx, roomID)
		if err != nil {
			g.logger.Error().Err(err).Int64("room_id", roomID).Msg("deactivate empty room")
			return
		}
		if deactivated {
			g.logger.Info().Int64("room_id", roomID).Msg("room deactivated, no members left")
		}
	})
}

// ---------------------------------------------
// Event handlers
// ---------------------------------------------

func (g *Gateway) join(ctx context.Context, c *Client) error {
	if _, err := g.store.UpsertMember(ctx, c.RoomID, c.UserID); err != nil {
		return err
	}
	if err := g.store.SetOnline(ctx, c.RoomID, c.UserID, true); err != nil {
		return err
	}
	c.joined.Store(true)
	g.track(c)

	counters, err := g.tracker.MarkAllReadOnJoin(ctx, c.RoomID, c.UserID)
	if err != nil {
		return err
	}

	text := fmt.Sprintf("%s joined the room", c.Username)
	if err := g.appendSystem(ctx, c.RoomID, text); err != nil {
		return err
	}
	g.hub.Broadcast(c.RoomID, SystemEvent{Type: EventSystem, Message: text, Username: c.Username})

	if len(counters) > 0 {
		g.hub.Broadcast(c.RoomID, ReadCountUpdateEvent{
			Type:            EventReadCountUpdate,
			UpdatedMessages: counters,
			ReaderUsername:  c.Username,
		})
	}
	return nil
}

// leave ends the membership, unlike a disconnect which only marks the
// member offline.
func (g *Gateway) leave(ctx context.Context, roomID int64, userID int, username string) error {
	if err := g.store.RemoveMember(ctx, roomID, userID); err != nil {
		return err
	}
	g.untrackMember(roomID, userID)

	text := fmt.Sprintf("%s left the room", username)
	if err := g.appendSystem(ctx, roomID, text); err != nil {
		return err
	}
	g.hub.Broadcast(roomID, SystemEvent{Type: EventSystem, Message: text, Username: username})
	return nil
}

func (g *Gateway) appendSystem(ctx context.Context, roomID int64, text string) error {
	if _, err := g.store.AppendMessage(ctx, NewMessage{RoomID: roomID, Content: text, Type: MessageSystem}); err != nil {
		return err
	}
	metrics.MessagesAppended.WithLabelValues(string(MessageSystem)).Inc()
	return nil
}

func (g *Gateway) postText(ctx context.Context, c *Client, ev *InboundEvent) error {
	if !c.joined.Load() {
		return ErrNotJoined
	}

	author := c.UserID
	msg, err := g.store.AppendMessage(ctx, NewMessage{
		RoomID:   c.RoomID,
		AuthorID: &author,
		Content:  ev.Message,
		Type:     MessageText,
	})
	if err != nil {
		return err
	}
	metrics.MessagesAppended.WithLabelValues(string(MessageText)).Inc()

	g.hub.Broadcast(c.RoomID, NewChatEvent(msg, c.Username))
	g.notifyOffline(c, msg, ev.Message)
	return nil
}

func (g *Gateway) postFile(ctx context.Context, c *Client, ev *InboundEvent) error {
	if !c.joined.Load() {
		return ErrNotJoined
	}

	kind := MessageFile
	if ev.MessageType == string(MessageImage) {
		kind = MessageImage
	}

	author := c.UserID
	msg, err := g.store.AppendMessage(ctx, NewMessage{
		RoomID:   c.RoomID,
		AuthorID: &author,
		Content:  ev.Message,
		Type:     kind,
		File:     &FileInfo{URL: ev.FileURL, Name: ev.FileName, Size: ev.FileSize},
	})
	if err != nil {
		return err
	}
	metrics.MessagesAppended.WithLabelValues(string(kind)).Inc()

	g.hub.Broadcast(c.RoomID, NewFileEvent(msg, c.Username))
	g.notifyOffline(c, msg, "sent "+ev.FileName)
	return nil
}

func (g *Gateway) markRead(ctx context.Context, roomID int64, userID int, username string, messageID int64) (ReadResult, error) {
	res, err := g.tracker.MarkRead(ctx, roomID, userID, messageID)
	if err != nil {
		return ReadResult{}, err
	}
	if res.ProcessedCount == 0 {
		return res, nil
	}

	g.hub.Broadcast(roomID, ReadCountUpdateEvent{
		Type:            EventReadCountUpdate,
		UpdatedMessages: res.UpdatedMessages,
		ReaderUsername:  username,
	})
	g.background(func(ctx context.Context) { g.pushUnread(ctx, roomID, userID) })
	return res, nil
}

func (g *Gateway) react(ctx context.Context, c *Client, ev *InboundEvent) error {
	if !c.joined.Load() {
		return ErrNotJoined
	}

	added, counts, err := g.store.ToggleReaction(ctx, c.RoomID, ev.MessageID, c.UserID, ev.ReactionType)
	if err != nil {
		return err
	}

	action := "removed"
	if added {
		action = "added"
	}
	g.hub.Broadcast(c.RoomID, ReactionUpdateEvent{
		Type:           EventReactionUpdate,
		MessageID:      ev.MessageID,
		Action:         action,
		ReactionType:   ev.ReactionType,
		ReactionCounts: counts,
		User:           c.Username,
	})
	return nil
}

// notifyOffline updates badge counts and queues a push for every member
// who is not connected to the room. It runs off the room worker.
func (g *Gateway) notifyOffline(c *Client, msg *Message, preview string) {
	roomID, roomName, author, username := c.RoomID, c.RoomName, c.UserID, c.Username

	g.background(func(ctx context.Context) {
		members, err := g.store.ListMembers(ctx, roomID)
		if err != nil {
			g.logger.Warn().Err(err).Int64("room_id", roomID).Msg("list members for offline notify")
			return
		}

		for _, m := range members {
			if m.Online || m.UserID == author {
				continue
			}
			g.pushUnread(ctx, roomID, m.UserID)

			if g.push != nil {
				g.push.Enqueue(notify.Job{
					UserID:    m.UserID,
					RoomID:    roomID,
					Title:     "New message in " + roomName,
					Body:      username + ": " + truncate(preview, 100),
					MessageID: msg.ID,
				})
			}
		}
	})
}

func (g *Gateway) pushUnread(ctx context.Context, roomID int64, userID int) {
	count, err := g.store.UnreadCount(ctx, roomID, userID)
	if err != nil {
		g.logger.Warn().Err(err).Int64("room_id", roomID).Int("user_id", userID).Msg("unread count")
		return
	}
	g.hub.NotifyUser(ctx, userID, UnreadCountUpdateEvent{
		Type:        EventUnreadCountUpdate,
		RoomID:      roomID,
		UnreadCount: count,
	})
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// ---------------------------------------------
// Synchronous entry points for the REST API
// ---------------------------------------------

// MarkRead runs a read on the room worker so it is ordered with socket events.
func (g *Gateway) MarkRead(ctx context.Context, roomID int64, userID int, username string, messageID int64) (ReadResult, error) {
	var res ReadResult
	err := g.do(ctx, roomID, func(ctx context.Context) error {
		var err error
		res, err = g.markRead(ctx, roomID, userID, username, messageID)
		return err
	})
	return res, err
}

func (g *Gateway) Leave(ctx context.Context, roomID int64, userID int, username string) error {
	return g.do(ctx, roomID, func(ctx context.Context) error {
		return g.leave(ctx, roomID, userID, username)
	})
}

// DeleteMessage soft-deletes a message written by userID and tells the room.
func (g *Gateway) DeleteMessage(ctx context.Context, userID int, messageID int64) error {
	msg, err := g.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if !msg.AuthoredBy(userID) {
		return ErrForbidden
	}

	return g.do(ctx, msg.RoomID, func(ctx context.Context) error {
		if err := g.store.SoftDelete(ctx, messageID); err != nil {
			return err
		}
		g.hub.Broadcast(msg.RoomID, MessageDeletedEvent{Type: EventMessageDeleted, MessageID: messageID})
		return nil
	})
}

// ---------------------------------------------
// Room workers
// ---------------------------------------------

func (g *Gateway) enqueue(roomID int64, j job) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	q, ok := g.workers[roomID]
	if !ok {
		q = make(chan job, g.cfg.QueueSize)
		g.workers[roomID] = q
		g.wg.Add(1)
		go g.work(q)
	}
	g.mu.Unlock()

	select {
	case q <- j:
		return true
	case <-g.quit:
		return false
	}
}

func (g *Gateway) work(q chan job) {
	defer g.wg.Done()
	for {
		select {
		case j := <-q:
			g.run(j)
		case <-g.quit:
			// Drain what was accepted before shutdown.
			for {
				select {
				case j := <-q:
					g.run(j)
				default:
					return
				}
			}
		}
	}
}

func (g *Gateway) run(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	j(ctx)
}

// do runs fn on the room worker and waits for its result.
func (g *Gateway) do(ctx context.Context, roomID int64, fn func(ctx context.Context) error) error {
	result := make(chan error, 1)
	if !g.enqueue(roomID, func(jobCtx context.Context) { result <- fn(jobCtx) }) {
		return ErrShuttingDown
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrShuttingDown
		}
	}
}

func (g *Gateway) background(fn func(ctx context.Context)) {
	g.tasks.Add(1)
	go func() {
		defer g.tasks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Shutdown stops accepting events, drains every room queue, marks the
// members still connected offline and waits for background notifications.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if !g.closed {
		g.closed = true
		close(g.quit)
	}
	g.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		g.wg.Wait()
		g.markAllOffline(ctx)
		g.tasks.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		g.doneOnce.Do(func() { close(g.done) })
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
