package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	myMiddleware "roomchat/internal/middleware"
	"roomchat/internal/notify"
)

type identity struct {
	id   int
	name string
}

// tokenTable authenticates a token equal to the username.
type tokenTable map[string]identity

func (tt tokenTable) ValidateToken(token string) (int, string, error) {
	who, ok := tt[token]
	if !ok {
		return 0, "", errors.New("unknown token")
	}
	return who.id, who.name, nil
}

type recordingPush struct {
	mu   sync.Mutex
	jobs []notify.Job
}

func (p *recordingPush) Enqueue(job notify.Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	return true
}

func (p *recordingPush) Jobs() []notify.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.Job(nil), p.jobs...)
}

type testEnv struct {
	store   *memStore
	hub     *Hub
	gateway *Gateway
	push    *recordingPush
	server  *httptest.Server
	room    *Room
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMemStore()
	store.addUser(alice, "alice")
	store.addUser(bob, "bob")
	store.addUser(carol, "carol")
	room, err := store.CreateRoom(context.Background(), NewRoom{Name: "lobby"})
	require.NoError(t, err)

	logger := zerolog.Nop()
	hub := NewHub(nil, logger)
	push := &recordingPush{}
	gw := NewGateway(store, NewReadTracker(store, 0, logger), hub, push, GatewayConfig{}, logger)
	go hub.Run()

	auth := myMiddleware.NewAuthMiddleware(tokenTable{
		"alice": {alice, "alice"},
		"bob":   {bob, "bob"},
		"carol": {carol, "carol"},
	})
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(auth.Handle)
		NewHandler(store, gw, 50, []string{"*"}, logger).Routes(r)
	})
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		gw.Shutdown(ctx)
		hub.Shutdown(ctx)
		srv.Close()
	})

	return &testEnv{store: store, hub: hub, gateway: gw, push: push, server: srv, room: room}
}

func (e *testEnv) wsURL(path, token string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + path + "?token=" + token
}

func (e *testEnv) dial(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(path, token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// join opens a room socket, sends user_join and waits for the announcement.
func (e *testEnv) join(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	conn := e.dial(t, "/ws/chat/"+e.room.Name, user)
	send(t, conn, map[string]any{"type": EventUserJoin, "username": user})
	expectSystem(t, conn, user+" joined the room")
	return conn
}

func send(t *testing.T, conn *websocket.Conn, ev map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ev))
}

// expectEvent reads frames until one of the given type arrives.
func expectEvent(t *testing.T, conn *websocket.Conn, eventType string) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", eventType)
		var ev map[string]any
		require.NoError(t, json.Unmarshal(data, &ev))
		if ev["type"] == eventType {
			return ev
		}
	}
}

func expectSystem(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	for {
		if ev := expectEvent(t, conn, EventSystem); ev["message"] == text {
			return
		}
	}
}

func firstCounter(t *testing.T, ev map[string]any) map[string]any {
	t.Helper()
	updated, ok := ev["updated_messages"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, updated)
	return updated[0].(map[string]any)
}

func TestGateway_ReadReceiptsBetweenTwoMembers(t *testing.T) {
	env := newTestEnv(t)
	a := env.join(t, "alice")
	b := env.join(t, "bob")
	expectSystem(t, a, "bob joined the room")

	send(t, a, map[string]any{"type": EventText, "message": "hi"})
	chatA := expectEvent(t, a, EventChat)
	chatB := expectEvent(t, b, EventChat)

	assert.Equal(t, chatA["message_id"], chatB["message_id"])
	assert.Equal(t, "hi", chatB["message"])
	assert.Equal(t, "alice", chatB["username"])
	assert.Equal(t, float64(1), chatB["unread_count"])
	assert.Equal(t, false, chatB["is_read_by_all"])

	send(t, b, map[string]any{"type": EventMarkRead, "message_id": chatB["message_id"]})
	update := expectEvent(t, a, EventReadCountUpdate)

	assert.Equal(t, "bob", update["reader_username"])
	counter := firstCounter(t, update)
	assert.Equal(t, chatA["message_id"], counter["id"])
	assert.Equal(t, float64(0), counter["unread_count"])
	assert.Equal(t, true, counter["is_read_by_all"])

	msg := env.store.message(int64(chatA["message_id"].(float64)))
	assert.Equal(t, 0, msg.UnreadCount)
}

func TestGateway_RejectsMessagesBeforeJoin(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws/chat/lobby", "alice")

	send(t, conn, map[string]any{"type": EventText, "message": "too early"})
	ev := expectEvent(t, conn, EventError)

	assert.Equal(t, "not_joined", ev["code"])
}

func TestGateway_MalformedFrameKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws/chat/lobby", "alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	send(t, conn, map[string]any{"type": "dance"})
	send(t, conn, map[string]any{"type": EventUserJoin})

	expectSystem(t, conn, "alice joined the room")
}

func TestGateway_RejoinMarksRecentMessagesRead(t *testing.T) {
	env := newTestEnv(t)
	a := env.join(t, "alice")
	b := env.join(t, "bob")
	b.Close()
	require.Eventually(t, func() bool {
		m, err := env.store.GetMember(context.Background(), env.room.ID, bob)
		return err == nil && !m.Online
	}, 2*time.Second, 10*time.Millisecond)

	send(t, a, map[string]any{"type": EventText, "message": "while you were away"})
	chat := expectEvent(t, a, EventChat)
	require.Equal(t, float64(1), chat["unread_count"])

	env.join(t, "bob")
	update := expectEvent(t, a, EventReadCountUpdate)

	assert.Equal(t, "bob", update["reader_username"])
	counter := firstCounter(t, update)
	assert.Equal(t, chat["message_id"], counter["id"])
	assert.Equal(t, true, counter["is_read_by_all"])
}

func TestGateway_OfflineMemberIsNotified(t *testing.T) {
	env := newTestEnv(t)
	c := env.join(t, "carol")
	c.Close()
	require.Eventually(t, func() bool {
		m, err := env.store.GetMember(context.Background(), env.room.ID, carol)
		return err == nil && !m.Online
	}, 2*time.Second, 10*time.Millisecond)

	personal := env.dial(t, "/ws/notifications", "carol")
	initial := expectEvent(t, personal, EventAllUnreadCounts)
	assert.Equal(t, map[string]any{"1": float64(0)}, initial["unread_counts"])

	a := env.join(t, "alice")
	send(t, a, map[string]any{"type": EventText, "message": "hello"})

	badge := expectEvent(t, personal, EventUnreadCountUpdate)
	assert.Equal(t, float64(env.room.ID), badge["room_id"])
	assert.Equal(t, float64(1), badge["unread_count"])

	require.Eventually(t, func() bool { return len(env.push.Jobs()) == 1 }, 2*time.Second, 10*time.Millisecond)
	job := env.push.Jobs()[0]
	assert.Equal(t, carol, job.UserID)
	assert.Equal(t, "New message in lobby", job.Title)
	assert.Equal(t, "alice: hello", job.Body)
}

func TestGateway_ReactionToggles(t *testing.T) {
	env := newTestEnv(t)
	a := env.join(t, "alice")
	send(t, a, map[string]any{"type": EventText, "message": "vote"})
	id := expectEvent(t, a, EventChat)["message_id"]

	send(t, a, map[string]any{"type": EventReaction, "message_id": id, "reaction_type": "like"})
	added := expectEvent(t, a, EventReactionUpdate)
	assert.Equal(t, "added", added["action"])
	assert.Equal(t, map[string]any{"like": float64(1)}, added["reaction_counts"])

	send(t, a, map[string]any{"type": EventReaction, "message_id": id, "reaction_type": "like"})
	removed := expectEvent(t, a, EventReactionUpdate)
	assert.Equal(t, "removed", removed["action"])
	assert.Empty(t, removed["reaction_counts"])
}

func TestGateway_FileMessage(t *testing.T) {
	env := newTestEnv(t)
	a := env.join(t, "alice")

	send(t, a, map[string]any{
		"type":         EventFile,
		"file_url":     "/media/cat.png",
		"file_name":    "cat.png",
		"file_size":    2048,
		"message_type": "image",
	})
	ev := expectEvent(t, a, EventFile)

	assert.Equal(t, "cat.png", ev["file_name"])
	assert.Equal(t, true, ev["is_image"])
	assert.Equal(t, float64(0), ev["unread_count"])
	msg := env.store.message(int64(ev["message_id"].(float64)))
	assert.Equal(t, MessageImage, msg.Type)
	assert.Equal(t, int64(2048), msg.FileSize)
}

func TestGateway_LeaveEndsMembership(t *testing.T) {
	env := newTestEnv(t)
	a := env.join(t, "alice")
	b := env.join(t, "bob")

	send(t, b, map[string]any{"type": EventUserLeave})
	expectSystem(t, a, "bob left the room")

	_, err := env.store.GetMember(context.Background(), env.room.ID, bob)
	assert.ErrorIs(t, err, ErrNotFound)

	send(t, b, map[string]any{"type": EventText, "message": "still here?"})
	assert.Equal(t, "not_joined", expectEvent(t, b, EventError)["code"])
}

func TestGateway_FullRoomRejectsJoin(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.store.CreateRoom(context.Background(), NewRoom{Name: "tiny", MaxMembers: 1})
	require.NoError(t, err)

	a := env.dial(t, "/ws/chat/tiny", "alice")
	send(t, a, map[string]any{"type": EventUserJoin})
	expectSystem(t, a, "alice joined the room")

	b := env.dial(t, "/ws/chat/tiny", "bob")
	send(t, b, map[string]any{"type": EventUserJoin})
	assert.Equal(t, "room_full", expectEvent(t, b, EventError)["code"])
}

func TestGateway_UpgradeRequiresRoomAndToken(t *testing.T) {
	env := newTestEnv(t)

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("/ws/chat/nowhere", "alice"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(env.wsURL("/ws/chat/lobby", "mallory"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_RefusesWorkAfterShutdown(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.gateway.Shutdown(ctx))

	_, err := env.gateway.MarkRead(context.Background(), env.room.ID, alice, "alice", 1)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestGateway_ShutdownMarksJoinedMembersOffline(t *testing.T) {
	env := newTestEnv(t)
	a := env.join(t, "alice")
	b := env.join(t, "bob")
	expectSystem(t, a, "bob joined the room")
	send(t, b, map[string]any{"type": EventText, "message": "before restart"})
	chat := expectEvent(t, a, EventChat)
	msgID := int64(chat["message_id"].(float64))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.gateway.Shutdown(ctx))
	require.NoError(t, env.hub.Shutdown(ctx))

	for _, id := range []int{alice, bob} {
		m, err := env.store.GetMember(ctx, env.room.ID, id)
		require.NoError(t, err)
		assert.False(t, m.Online, "user %d still online", id)
	}

	// A later join must not mark the message read for alice, who never did.
	_, err := env.store.UpsertMember(ctx, env.room.ID, carol)
	require.NoError(t, err)
	require.NoError(t, env.store.SetOnline(ctx, env.room.ID, carol, true))
	_, err = NewReadTracker(env.store, 0, zerolog.Nop()).MarkAllReadOnJoin(ctx, env.room.ID, carol)
	require.NoError(t, err)

	msg := env.store.message(msgID)
	assert.Equal(t, 1, msg.UnreadCount)
	assert.False(t, msg.IsReadByAll())
}

func TestGateway_UserStaysOnlineWhileAnotherSocketIsJoined(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	phone, laptop := fakeClient("phone", alice, 8), fakeClient("laptop", alice, 8)
	for _, c := range []*Client{phone, laptop} {
		c.RoomID, c.RoomName, c.Username = env.room.ID, env.room.Name, "alice"
		require.NoError(t, env.gateway.do(ctx, env.room.ID, func(ctx context.Context) error {
			return env.gateway.join(ctx, c)
		}))
	}
	online := func() bool {
		// Runs after every job queued before it on the room worker.
		require.NoError(t, env.gateway.do(ctx, env.room.ID, func(context.Context) error { return nil }))
		m, err := env.store.GetMember(ctx, env.room.ID, alice)
		require.NoError(t, err)
		return m.Online
	}

	env.gateway.disconnected(phone)
	assert.True(t, online())

	env.gateway.disconnected(laptop)
	assert.False(t, online())
}

func TestGateway_ConcurrentRestReadsAreAllCounted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const readers = 6
	author, idle := 200, 300
	for _, id := range []int{author, idle} {
		_, err := env.store.UpsertMember(ctx, env.room.ID, id)
		require.NoError(t, err)
	}
	for i := 0; i < readers; i++ {
		_, err := env.store.UpsertMember(ctx, env.room.ID, 100+i)
		require.NoError(t, err)
	}
	msg, err := env.store.AppendMessage(ctx, NewMessage{RoomID: env.room.ID, AuthorID: &author, Content: "read me", Type: MessageText})
	require.NoError(t, err)
	require.Equal(t, readers+1, msg.UnreadCount)

	results := make([]ReadResult, readers)
	errs := make([]error, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.gateway.MarkRead(ctx, env.room.ID, 100+i, fmt.Sprintf("reader%d", i), msg.ID)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, 1, results[i].ProcessedCount)
	}
	assert.Equal(t, 1, env.store.message(msg.ID).UnreadCount)
}
