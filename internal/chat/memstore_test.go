package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store with the same semantics as the Postgres
// repository. Its clock advances on every write so timestamps are strictly
// increasing, like clock_timestamp() across statements.
type memStore struct {
	mu sync.Mutex

	clock    time.Time
	nextRoom int64
	nextMsg  int64

	users     map[int]string
	rooms     map[int64]*Room
	members   map[int64]map[int]*Member
	messages  map[int64]*Message
	reads     map[int64]map[int]bool
	reactions map[int64]map[int]map[ReactionType]bool

	// failRecordReads makes RecordReads return this error.
	failRecordReads error
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		clock:     time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		users:     make(map[int]string),
		rooms:     make(map[int64]*Room),
		members:   make(map[int64]map[int]*Member),
		messages:  make(map[int64]*Message),
		reads:     make(map[int64]map[int]bool),
		reactions: make(map[int64]map[int]map[ReactionType]bool),
	}
}

func (s *memStore) now() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

func (s *memStore) addUser(id int, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = name
}

// message returns a snapshot of a stored message, for assertions.
func (s *memStore) message(id int64) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withUsername(s.messages[id])
}

func (s *memStore) withUsername(m *Message) Message {
	out := *m
	if m.AuthorID != nil {
		out.Username = s.users[*m.AuthorID]
	}
	return out
}

func (s *memStore) GetRoom(_ context.Context, roomID int64) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	return &out, nil
}

func (s *memStore) GetRoomByName(_ context.Context, name string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rooms {
		if r.Name == name {
			out := *r
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) GetOrCreateRoom(ctx context.Context, name string) (*Room, bool, error) {
	s.mu.Lock()
	for _, r := range s.rooms {
		if r.Name == name {
			if !r.IsActive && len(s.members[r.ID]) == 0 {
				r.IsActive = true
			}
			out := *r
			s.mu.Unlock()
			return &out, false, nil
		}
	}
	s.mu.Unlock()

	room, err := s.CreateRoom(ctx, NewRoom{Name: name})
	if err != nil {
		return nil, false, err
	}
	return room, true, nil
}

func (s *memStore) CreateRoom(_ context.Context, nr NewRoom) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rooms {
		if r.Name == nr.Name {
			return nil, ErrRoomExists
		}
	}
	if nr.MaxMembers <= 0 {
		nr.MaxMembers = DefaultMaxMembers
	}
	s.nextRoom++
	r := &Room{
		ID:          s.nextRoom,
		Name:        nr.Name,
		Description: nr.Description,
		MaxMembers:  nr.MaxMembers,
		IsActive:    true,
		IsPrivate:   nr.IsPrivate,
		CreatedAt:   s.now(),
	}
	s.rooms[r.ID] = r
	s.members[r.ID] = make(map[int]*Member)
	out := *r
	return &out, nil
}

func (s *memStore) UpsertMember(_ context.Context, roomID int64, userID int) (*Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	if m, ok := s.members[roomID][userID]; ok {
		out := *m
		return &out, nil
	}
	if !room.IsActive {
		return nil, ErrRoomInactive
	}
	if len(s.members[roomID]) >= room.MaxMembers {
		return nil, ErrRoomFull
	}
	m := &Member{RoomID: roomID, UserID: userID, JoinedAt: s.now()}
	s.members[roomID][userID] = m
	out := *m
	return &out, nil
}

func (s *memStore) GetMember(_ context.Context, roomID int64, userID int) (*Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[roomID][userID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *m
	return &out, nil
}

func (s *memStore) ListMembers(_ context.Context, roomID int64) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Member
	for _, m := range s.members[roomID] {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (s *memStore) SetOnline(_ context.Context, roomID int64, userID int, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[roomID][userID]
	if !ok {
		return ErrNotFound
	}
	m.Online = online
	return nil
}

func (s *memStore) ResetPresence(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, room := range s.members {
		for _, m := range room {
			if m.Online {
				m.Online = false
				n++
			}
		}
	}
	return n, nil
}

func (s *memStore) AdvanceLastRead(_ context.Context, roomID int64, userID int, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[roomID][userID]
	msg, exists := s.messages[messageID]
	if !ok || !exists || msg.RoomID != roomID {
		return nil
	}
	if m.LastRead() < messageID {
		id := messageID
		m.LastReadMessageID = &id
	}
	return nil
}

func (s *memStore) RemoveMember(_ context.Context, roomID int64, userID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[roomID][userID]; !ok {
		return ErrNotFound
	}
	delete(s.members[roomID], userID)
	return nil
}

func (s *memStore) DeactivateIfEmpty(_ context.Context, roomID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok || !r.IsActive || len(s.members[roomID]) > 0 {
		return false, nil
	}
	r.IsActive = false
	return true, nil
}

func (s *memStore) AppendMessage(_ context.Context, nm NewMessage) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[nm.RoomID]
	if !ok {
		return nil, ErrNotFound
	}
	if !room.IsActive {
		return nil, ErrRoomInactive
	}

	now := s.now()
	total, authorIsMember := 0, false
	for _, m := range s.members[nm.RoomID] {
		if !m.JoinedAt.After(now) {
			total++
		}
		if nm.AuthorID != nil && m.UserID == *nm.AuthorID {
			authorIsMember = true
		}
	}
	if nm.AuthorID != nil && !authorIsMember {
		return nil, ErrNotJoined
	}

	s.nextMsg++
	msg := &Message{
		ID:                 s.nextMsg,
		RoomID:             nm.RoomID,
		AuthorID:           nm.AuthorID,
		Content:            nm.Content,
		Type:               nm.Type,
		CreatedAt:          now,
		TotalMembersAtTime: total,
		UnreadCount:        InitialUnread(total, nm.AuthorID != nil),
	}
	if msg.Type == "" {
		msg.Type = MessageText
	}
	if nm.File != nil {
		msg.FileURL, msg.FileName, msg.FileSize = nm.File.URL, nm.File.Name, nm.File.Size
	}
	s.messages[msg.ID] = msg

	if nm.AuthorID != nil {
		s.markRead(msg.ID, *nm.AuthorID)
		m := s.members[nm.RoomID][*nm.AuthorID]
		if m.LastRead() < msg.ID {
			id := msg.ID
			m.LastReadMessageID = &id
		}
	}

	out := s.withUsername(msg)
	return &out, nil
}

func (s *memStore) markRead(messageID int64, userID int) bool {
	if s.reads[messageID] == nil {
		s.reads[messageID] = make(map[int]bool)
	}
	if s.reads[messageID][userID] {
		return false
	}
	s.reads[messageID][userID] = true
	return true
}

func (s *memStore) GetMessage(_ context.Context, messageID int64) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	out := s.withUsername(m)
	return &out, nil
}

func (s *memStore) SoftDelete(_ context.Context, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	m.IsDeleted = true
	return nil
}

func (s *memStore) recent(roomID int64, limit int, authoredOnly bool) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []Message
	for _, m := range s.messages {
		if m.RoomID != roomID || m.IsDeleted {
			continue
		}
		if authoredOnly && (m.AuthorID == nil || m.Type == MessageSystem) {
			continue
		}
		all = append(all, s.withUsername(m))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

func (s *memStore) History(_ context.Context, roomID int64, limit int) ([]Message, error) {
	return s.recent(roomID, limit, false), nil
}

func (s *memStore) ReadWindow(_ context.Context, roomID int64, n int) ([]Message, error) {
	return s.recent(roomID, n, true), nil
}

func (s *memStore) UnreadCandidates(_ context.Context, roomID int64, userID int, upToID int64, joinedAt time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, m := range s.messages {
		if m.RoomID != roomID || id > upToID || m.AuthorID == nil || *m.AuthorID == userID {
			continue
		}
		if m.CreatedAt.Before(joinedAt) || s.reads[id][userID] {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *memStore) RecordReads(_ context.Context, userID int, messageIDs []int64) ([]MessageCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRecordReads != nil {
		return nil, s.failRecordReads
	}
	var out []MessageCounter
	for _, id := range messageIDs {
		m, ok := s.messages[id]
		if !ok || !s.markRead(id, userID) || m.UnreadCount == 0 {
			continue
		}
		m.UnreadCount--
		out = append(out, MessageCounter{MessageID: id, UnreadCount: m.UnreadCount, IsReadByAll: m.UnreadCount == 0})
	}
	sortCounters(out)
	return out, nil
}

func (s *memStore) unreadFor(roomID int64, userID int) int {
	m, ok := s.members[roomID][userID]
	if !ok {
		return 0
	}
	n := 0
	for id, msg := range s.messages {
		if msg.RoomID != roomID || msg.IsDeleted || msg.AuthorID == nil || *msg.AuthorID == userID {
			continue
		}
		if msg.CreatedAt.Before(m.JoinedAt) || s.reads[id][userID] {
			continue
		}
		n++
	}
	return n
}

func (s *memStore) UnreadCount(_ context.Context, roomID int64, userID int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadFor(roomID, userID), nil
}

func (s *memStore) UnreadCounts(_ context.Context, userID int) (map[int64]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]int)
	for roomID, members := range s.members {
		if _, ok := members[userID]; ok {
			out[roomID] = s.unreadFor(roomID, userID)
		}
	}
	return out, nil
}

func (s *memStore) ToggleReaction(_ context.Context, roomID, messageID int64, userID int, reaction ReactionType) (bool, map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || m.RoomID != roomID || m.IsDeleted {
		return false, nil, ErrNotFound
	}
	if s.reactions[messageID] == nil {
		s.reactions[messageID] = make(map[int]map[ReactionType]bool)
	}
	if s.reactions[messageID][userID] == nil {
		s.reactions[messageID][userID] = make(map[ReactionType]bool)
	}
	mine := s.reactions[messageID][userID]
	added := !mine[reaction]
	if added {
		mine[reaction] = true
	} else {
		delete(mine, reaction)
	}

	counts := make(map[string]int)
	for _, kinds := range s.reactions[messageID] {
		for kind := range kinds {
			counts[string(kind)]++
		}
	}
	return added, counts, nil
}
