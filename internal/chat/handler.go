package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	myMiddleware "roomchat/internal/middleware"
)

type Handler struct {
	store        Store
	gateway      *Gateway
	historyLimit int
	upgrader     websocket.Upgrader
	logger       zerolog.Logger
}

// NewHandler builds the chat HTTP surface. An origin list containing "*"
// accepts any origin.
func NewHandler(store Store, gateway *Gateway, historyLimit int, allowedOrigins []string, logger zerolog.Logger) *Handler {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &Handler{
		store:        store,
		gateway:      gateway,
		historyLimit: historyLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger.With().Str("component", "chat_http").Logger(),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin.
		return origin == "" || set[origin]
	}
}

// Routes mounts the authenticated chat endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/rooms/{name}", h.GetRoom)
	r.Post("/api/rooms", h.CreateRoom)
	r.Post("/api/rooms/{id}/mark-read", h.MarkRead)
	r.Delete("/api/rooms/{id}/members/me", h.LeaveRoom)
	r.Delete("/api/messages/{id}", h.DeleteMessage)
	r.Get("/api/unread", h.UnreadCounts)
	r.Get("/ws/chat/{room}", h.ServeRoomWs)
	r.Get("/ws/notifications", h.ServeNotificationsWs)
}

type RoomDetail struct {
	*Room
	WasCreated     bool      `json:"was_created"`
	WebsocketPath  string    `json:"websocket_path"`
	RecentMessages []Message `json:"recent_messages"`
}

// GetRoom returns a room by name, creating it on first access, together
// with its recent history.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := ValidateRoomName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	room, created, err := h.store.GetOrCreateRoom(r.Context(), name)
	if err != nil {
		h.internalError(w, err, "get or create room")
		return
	}
	if !room.IsActive {
		writeError(w, http.StatusForbidden, ErrRoomInactive.Error())
		return
	}

	limit := h.historyLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("message_limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	history, err := h.store.History(r.Context(), room.ID, limit)
	if err != nil {
		h.internalError(w, err, "load history")
		return
	}
	if history == nil {
		history = []Message{}
	}

	writeJSON(w, http.StatusOK, RoomDetail{
		Room:           room,
		WasCreated:     created,
		WebsocketPath:  "/ws/chat/" + room.Name,
		RecentMessages: history,
	})
}

func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req NewRoom
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)
	if err := ValidateRoomName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MaxMembers < 0 {
		writeError(w, http.StatusBadRequest, "max_members must be positive")
		return
	}

	room, err := h.store.CreateRoom(r.Context(), req)
	if errors.Is(err, ErrRoomExists) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, err, "create room")
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

type markReadRequest struct {
	MessageID int64 `json:"message_id"`
}

type markReadResponse struct {
	ProcessedCount  int              `json:"processed_count"`
	UpdatedMessages []MessageCounter `json:"updated_messages"`
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := myMiddleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	roomID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID <= 0 {
		writeError(w, http.StatusBadRequest, "message_id is required")
		return
	}

	res, err := h.gateway.MarkRead(r.Context(), roomID, userID, username, req.MessageID)
	if err != nil {
		h.internalError(w, err, "mark read")
		return
	}
	if res.UpdatedMessages == nil {
		res.UpdatedMessages = []MessageCounter{}
	}
	writeJSON(w, http.StatusOK, markReadResponse{ProcessedCount: res.ProcessedCount, UpdatedMessages: res.UpdatedMessages})
}

func (h *Handler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := myMiddleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	roomID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}

	err = h.gateway.Leave(r.Context(), roomID, userID, username)
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not a member of this room")
	case err != nil:
		h.internalError(w, err, "leave room")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	messageID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	err = h.gateway.DeleteMessage(r.Context(), userID, messageID)
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "only the author can delete a message")
	case err != nil:
		h.internalError(w, err, "delete message")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) UnreadCounts(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	counts, err := h.store.UnreadCounts(r.Context(), userID)
	if err != nil {
		h.internalError(w, err, "unread counts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unread_counts": counts})
}

// ServeRoomWs upgrades a request for /ws/chat/{room} and hands the socket
// to the gateway.
func (h *Handler) ServeRoomWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := myMiddleware.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	room, err := h.store.GetRoomByName(r.Context(), chi.URLParam(r, "room"))
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.internalError(w, err, "load room")
		return
	}
	if !room.IsActive {
		http.Error(w, ErrRoomInactive.Error(), http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.gateway.Accept(conn, room, userID, username)
}

// ServeNotificationsWs upgrades the personal notification socket.
func (h *Handler) ServeNotificationsWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := myMiddleware.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.gateway.AcceptPersonal(r.Context(), conn, userID, username)
}

func (h *Handler) internalError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, ErrShuttingDown) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.logger.Error().Err(err).Str("op", op).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
