package chat

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

const DefaultMaxMembers = 100

type Room struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	MaxMembers  int       `json:"max_members"`
	IsActive    bool      `json:"is_active"`
	IsPrivate   bool      `json:"is_private"`
	CreatedAt   time.Time `json:"created_at"`
}

type NewRoom struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	MaxMembers  int    `json:"max_members"`
	IsPrivate   bool   `json:"is_private"`
}

// Member is a (room, user) pair. Online tracks a live connection and is
// independent from membership itself.
type Member struct {
	RoomID            int64     `json:"room_id"`
	UserID            int       `json:"user_id"`
	JoinedAt          time.Time `json:"joined_at"`
	Online            bool      `json:"is_currently_in_room"`
	IsAdmin           bool      `json:"is_admin"`
	LastReadMessageID *int64    `json:"last_read_message_id"`
}

// LastRead returns the read pointer, 0 when the member has read nothing.
func (m *Member) LastRead() int64 {
	if m.LastReadMessageID == nil {
		return 0
	}
	return *m.LastReadMessageID
}

type Message struct {
	ID                 int64       `json:"id"`
	RoomID             int64       `json:"room_id"`
	AuthorID           *int        `json:"user_id"` // nil for system messages
	Username           string      `json:"username"`
	Content            string      `json:"content"`
	Type               MessageType `json:"message_type"`
	FileURL            string      `json:"file_url,omitempty"`
	FileName           string      `json:"file_name,omitempty"`
	FileSize           int64       `json:"file_size,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	IsDeleted          bool        `json:"is_deleted"`
	UnreadCount        int         `json:"unread_count"`
	TotalMembersAtTime int         `json:"total_members_at_time"`
}

func (m *Message) IsReadByAll() bool {
	return m.UnreadCount == 0
}

func (m *Message) AuthoredBy(userID int) bool {
	return m.AuthorID != nil && *m.AuthorID == userID
}

type FileInfo struct {
	URL  string
	Name string
	Size int64
}

type NewMessage struct {
	RoomID   int64
	AuthorID *int
	Content  string
	Type     MessageType
	File     *FileInfo
}

// InitialUnread is the counter a new message starts with: everyone counted at
// send time minus the author, who has read their own message.
func InitialUnread(totalMembers int, authored bool) int {
	unread := totalMembers
	if authored {
		unread--
	}
	if unread < 0 {
		return 0
	}
	return unread
}

// MessageCounter is one message's read state after a read was recorded.
type MessageCounter struct {
	MessageID   int64 `json:"id"`
	UnreadCount int   `json:"unread_count"`
	IsReadByAll bool  `json:"is_read_by_all"`
}

type ReadResult struct {
	ProcessedCount  int
	UpdatedMessages []MessageCounter
}

type ReactionType string

const (
	ReactionLike  ReactionType = "like"
	ReactionGood  ReactionType = "good"
	ReactionCheck ReactionType = "check"
)

func (r ReactionType) Valid() bool {
	switch r {
	case ReactionLike, ReactionGood, ReactionCheck:
		return true
	}
	return false
}

var (
	roomNamePattern = regexp.MustCompile(`^[a-zA-Z0-9가-힣_-]+$`)
	reservedNames   = map[string]bool{"admin": true, "system": true, "test": true, "null": true, "undefined": true}
)

// ValidateRoomName checks length (in characters), alphabet and reserved words.
func ValidateRoomName(name string) error {
	n := len([]rune(name))
	switch {
	case name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	case n < 2:
		return fmt.Errorf("%w: must be at least 2 characters", ErrInvalidName)
	case n > 50:
		return fmt.Errorf("%w: must be at most 50 characters", ErrInvalidName)
	case !roomNamePattern.MatchString(name):
		return fmt.Errorf("%w: only letters, digits, Hangul, '-' and '_' are allowed", ErrInvalidName)
	case reservedNames[strings.ToLower(name)]:
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}
	return nil
}
