package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound event types.
const (
	EventUserJoin  = "user_join"
	EventUserLeave = "user_leave"
	EventText      = "text"
	EventMarkRead  = "mark_read"
	EventFile      = "file"
	EventReaction  = "reaction"
)

// Outbound event types.
const (
	EventChat              = "chat"
	EventSystem            = "system"
	EventReadCountUpdate   = "messages_read_count_update"
	EventReactionUpdate    = "reaction_update"
	EventMessageDeleted    = "message_deleted"
	EventError             = "error"
	EventUnreadCountUpdate = "unread_count_update"
	EventAllUnreadCounts   = "all_unread_counts"
)

// InboundEvent is what clients send on a room socket. Username is
// informational; identity comes from the authenticated connection.
type InboundEvent struct {
	Type         string       `json:"type"`
	Username     string       `json:"username"`
	Message      string       `json:"message,omitempty"`
	MessageID    int64        `json:"message_id,omitempty"`
	FileName     string       `json:"file_name,omitempty"`
	FileSize     int64        `json:"file_size,omitempty"`
	FileURL      string       `json:"file_url,omitempty"`
	MessageType  string       `json:"message_type,omitempty"`
	ReactionType ReactionType `json:"reaction_type,omitempty"`
}

// ParseInbound decodes and validates the shape of a client frame.
func ParseInbound(data []byte) (*InboundEvent, error) {
	var ev InboundEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	switch ev.Type {
	case EventUserJoin, EventUserLeave:
	case EventText:
		if ev.Message == "" {
			return nil, fmt.Errorf("%w: empty message", ErrInvalidEvent)
		}
	case EventMarkRead:
		if ev.MessageID <= 0 {
			return nil, fmt.Errorf("%w: message_id is required", ErrInvalidEvent)
		}
	case EventFile:
		if ev.FileURL == "" || ev.FileName == "" {
			return nil, fmt.Errorf("%w: file_url and file_name are required", ErrInvalidEvent)
		}
	case EventReaction:
		if ev.MessageID <= 0 || !ev.ReactionType.Valid() {
			return nil, fmt.Errorf("%w: message_id and a valid reaction_type are required", ErrInvalidEvent)
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
	}
	return &ev, nil
}

type ChatEvent struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Username    string `json:"username"`
	MessageID   int64  `json:"message_id"`
	UnreadCount int    `json:"unread_count"`
	IsReadByAll bool   `json:"is_read_by_all"`
	UserID      int    `json:"user_id"`
	Timestamp   string `json:"timestamp"`
}

func NewChatEvent(msg *Message, username string) ChatEvent {
	ev := ChatEvent{
		Type:        EventChat,
		Message:     msg.Content,
		Username:    username,
		MessageID:   msg.ID,
		UnreadCount: msg.UnreadCount,
		IsReadByAll: msg.IsReadByAll(),
		Timestamp:   msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if msg.AuthorID != nil {
		ev.UserID = *msg.AuthorID
	}
	return ev
}

type SystemEvent struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Username string `json:"username"`
}

type ReadCountUpdateEvent struct {
	Type            string           `json:"type"`
	UpdatedMessages []MessageCounter `json:"updated_messages"`
	ReaderUsername  string           `json:"reader_username"`
}

type ReactionUpdateEvent struct {
	Type           string         `json:"type"`
	MessageID      int64          `json:"message_id"`
	Action         string         `json:"action"` // "added" or "removed"
	ReactionType   ReactionType   `json:"reaction_type"`
	ReactionCounts map[string]int `json:"reaction_counts"`
	User           string         `json:"user"`
}

type FileEvent struct {
	Type        string      `json:"type"`
	MessageID   int64       `json:"message_id"`
	Username    string      `json:"username"`
	UserID      int         `json:"user_id"`
	FileName    string      `json:"file_name"`
	FileSize    int64       `json:"file_size"`
	FileURL     string      `json:"file_url"`
	MessageType MessageType `json:"message_type"`
	Content     string      `json:"content,omitempty"`
	IsImage     bool        `json:"is_image"`
	UnreadCount int         `json:"unread_count"`
}

func NewFileEvent(msg *Message, username string) FileEvent {
	ev := FileEvent{
		Type:        EventFile,
		MessageID:   msg.ID,
		Username:    username,
		FileName:    msg.FileName,
		FileSize:    msg.FileSize,
		FileURL:     msg.FileURL,
		MessageType: msg.Type,
		Content:     msg.Content,
		IsImage:     msg.Type == MessageImage,
		UnreadCount: msg.UnreadCount,
	}
	if msg.AuthorID != nil {
		ev.UserID = *msg.AuthorID
	}
	return ev
}

type MessageDeletedEvent struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type UnreadCountUpdateEvent struct {
	Type        string `json:"type"`
	RoomID      int64  `json:"room_id"`
	UnreadCount int    `json:"unread_count"`
}

type AllUnreadCountsEvent struct {
	Type         string        `json:"type"`
	UnreadCounts map[int64]int `json:"unread_counts"`
}
