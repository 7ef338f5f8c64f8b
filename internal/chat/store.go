package chat

import (
	"context"
	"time"
)

// MembershipStore persists rooms and who belongs to them.
type MembershipStore interface {
	GetRoom(ctx context.Context, roomID int64) (*Room, error)
	GetRoomByName(ctx context.Context, name string) (*Room, error)
	// GetOrCreateRoom returns the room and whether this call created it.
	GetOrCreateRoom(ctx context.Context, name string) (*Room, bool, error)
	CreateRoom(ctx context.Context, room NewRoom) (*Room, error)

	UpsertMember(ctx context.Context, roomID int64, userID int) (*Member, error)
	GetMember(ctx context.Context, roomID int64, userID int) (*Member, error)
	ListMembers(ctx context.Context, roomID int64) ([]Member, error)
	SetOnline(ctx context.Context, roomID int64, userID int, online bool) error
	// ResetPresence marks every member offline and returns how many were
	// online. Called at startup, before any connection is accepted.
	ResetPresence(ctx context.Context) (int64, error)
	// AdvanceLastRead moves the pointer forward only; older targets are ignored.
	AdvanceLastRead(ctx context.Context, roomID int64, userID int, messageID int64) error
	RemoveMember(ctx context.Context, roomID int64, userID int) error
	DeactivateIfEmpty(ctx context.Context, roomID int64) (bool, error)
}

// MessageStore persists messages and their read counters.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg NewMessage) (*Message, error)
	GetMessage(ctx context.Context, messageID int64) (*Message, error)
	SoftDelete(ctx context.Context, messageID int64) error
	// History returns the newest non-deleted messages, oldest first.
	History(ctx context.Context, roomID int64, limit int) ([]Message, error)
	// ReadWindow is History restricted to authored messages.
	ReadWindow(ctx context.Context, roomID int64, n int) ([]Message, error)

	// UnreadCandidates lists authored messages up to upToID that the user did
	// not write, has not read yet, and that were posted at or after joinedAt.
	UnreadCandidates(ctx context.Context, roomID int64, userID int, upToID int64, joinedAt time.Time) ([]int64, error)
	// RecordReads marks messages as read by the user and returns the counters
	// of those whose unread_count was decremented by this call.
	RecordReads(ctx context.Context, userID int, messageIDs []int64) ([]MessageCounter, error)
	UnreadCount(ctx context.Context, roomID int64, userID int) (int, error)
	UnreadCounts(ctx context.Context, userID int) (map[int64]int, error)

	ToggleReaction(ctx context.Context, roomID, messageID int64, userID int, reaction ReactionType) (bool, map[string]int, error)
}

type Store interface {
	MembershipStore
	MessageStore
}
