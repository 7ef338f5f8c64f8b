package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type AuthResponse struct {
	Token    string `json:"access_token"`
	ID       int    `json:"id"`
	Username string `json:"username"`
}

type RoomResponse struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	WebsocketPath string `json:"websocket_path"`
}

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	reads    atomic.Int64
	failures atomic.Int64
}

var (
	baseURL  = flag.String("url", "http://localhost:8080", "server base URL")
	rooms    = flag.Int("rooms", 50, "number of rooms")
	perRoom  = flag.Int("users", 4, "users per room")
	msgCount = flag.Int("messages", 20, "messages per user")
	interval = flag.Duration("interval", 10*time.Millisecond, "pause between messages")
)

func main() {
	flag.Parse()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	logger.Info().Int("rooms", *rooms).Int("users_per_room", *perRoom).Int("messages", *msgCount).Msg("starting load test")
	start := time.Now()

	var st stats
	var wg sync.WaitGroup
	for i := 0; i < *rooms; i++ {
		wg.Add(1)
		go func(roomNo int) {
			defer wg.Done()
			runRoom(logger, &st, roomNo)
		}(i)
	}
	wg.Wait()

	logger.Info().
		Int64("sent", st.sent.Load()).
		Int64("received", st.received.Load()).
		Int64("read_updates", st.reads.Load()).
		Int64("failures", st.failures.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("load test complete")
}

func runRoom(logger zerolog.Logger, st *stats, roomNo int) {
	roomName := fmt.Sprintf("load-%d", roomNo)

	var wg sync.WaitGroup
	for u := 0; u < *perRoom; u++ {
		username := fmt.Sprintf("u_%d_%d", roomNo, u)
		token, err := authenticate(username, "password123")
		if err != nil {
			logger.Warn().Err(err).Str("user", username).Msg("auth failed")
			st.failures.Add(1)
			continue
		}
		room, err := openRoom(token, roomName)
		if err != nil {
			logger.Warn().Err(err).Str("room", roomName).Msg("open room failed")
			st.failures.Add(1)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			chatter(logger, st, token, username, room)
		}()
	}
	wg.Wait()
}

// authenticate registers (ignoring conflicts) and logs in.
func authenticate(username, password string) (string, error) {
	creds := map[string]string{"username": username, "password": password}
	if resp, err := postJSON("/register", creds); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON("/login", creds)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login: status %d", resp.StatusCode)
	}

	var data AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", err
	}
	return data.Token, nil
}

func openRoom(token, name string) (*RoomResponse, error) {
	req, _ := http.NewRequest(http.MethodGet, *baseURL+"/api/rooms/"+url.PathEscape(name), nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get room: status %d", resp.StatusCode)
	}

	var room RoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		return nil, err
	}
	return &room, nil
}

// chatter joins the room, sends messages and marks every received chat
// message as read.
func chatter(logger zerolog.Logger, st *stats, token, username string, room *RoomResponse) {
	wsBase := "ws" + strings.TrimPrefix(*baseURL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsBase+room.WebsocketPath+"?token="+url.QueryEscape(token), nil)
	if err != nil {
		logger.Warn().Err(err).Str("user", username).Msg("websocket dial failed")
		st.failures.Add(1)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var ev map[string]any
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			switch ev["type"] {
			case "chat":
				st.received.Add(1)
				if ev["username"] != username {
					write(map[string]any{"type": "mark_read", "message_id": ev["message_id"]})
				}
			case "messages_read_count_update":
				st.reads.Add(1)
			}
		}
	}()

	if err := write(map[string]any{"type": "user_join", "username": username}); err != nil {
		st.failures.Add(1)
		return
	}

	for i := 0; i < *msgCount; i++ {
		msg := map[string]any{"type": "text", "message": fmt.Sprintf("load test message %d from %s", i, username)}
		if err := write(msg); err != nil {
			logger.Warn().Err(err).Str("user", username).Msg("send failed")
			st.failures.Add(1)
			break
		}
		st.sent.Add(1)
		time.Sleep(*interval)
	}

	// Let trailing read receipts arrive before hanging up.
	time.Sleep(time.Second)
	writeMu.Lock()
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	writeMu.Unlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

func postJSON(endpoint string, data any) (*http.Response, error) {
	body, _ := json.Marshal(data)
	return http.Post(*baseURL+endpoint, "application/json", bytes.NewBuffer(body))
}
