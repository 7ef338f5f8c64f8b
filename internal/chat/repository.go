package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"roomchat/internal/metrics"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// ---------------------------------------------
// Rooms
// ---------------------------------------------

const roomColumns = `id, name, description, max_members, is_active, is_private, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*Room, error) {
	r := &Room{}
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.MaxMembers, &r.IsActive, &r.IsPrivate, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

func (r *Repository) GetRoom(ctx context.Context, roomID int64) (*Room, error) {
	defer observe("get_room", time.Now())
	query := `SELECT ` + roomColumns + ` FROM rooms WHERE id = $1`
	return scanRoom(r.db.QueryRowContext(ctx, query, roomID))
}

func (r *Repository) GetRoomByName(ctx context.Context, name string) (*Room, error) {
	defer observe("get_room", time.Now())
	query := `SELECT ` + roomColumns + ` FROM rooms WHERE name = $1`
	return scanRoom(r.db.QueryRowContext(ctx, query, name))
}

// GetOrCreateRoom inserts the room if missing. An abandoned room (inactive
// with no members left) is reopened; a room deactivated while it still has
// members stays inactive.
func (r *Repository) GetOrCreateRoom(ctx context.Context, name string) (*Room, bool, error) {
	defer observe("get_or_create_room", time.Now())

	query := `
		INSERT INTO rooms (name, description)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET is_active = TRUE
		WHERE rooms.is_active = FALSE
		  AND NOT EXISTS (SELECT 1 FROM room_members rm WHERE rm.room_id = rooms.id)
		RETURNING ` + roomColumns + `, (xmax = 0) AS created`

	room := &Room{}
	var created bool
	err := r.db.QueryRowContext(ctx, query, name, name+" chat room").Scan(
		&room.ID, &room.Name, &room.Description, &room.MaxMembers,
		&room.IsActive, &room.IsPrivate, &room.CreatedAt, &created,
	)
	if err == nil {
		return room, created, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("upsert room %q: %w", name, err)
	}

	// Conflict without update: the room exists as is.
	existing, err := r.GetRoomByName(ctx, name)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *Repository) CreateRoom(ctx context.Context, nr NewRoom) (*Room, error) {
	defer observe("create_room", time.Now())

	if nr.MaxMembers <= 0 {
		nr.MaxMembers = DefaultMaxMembers
	}
	if nr.Description == "" {
		nr.Description = nr.Name + " chat room"
	}

	query := `
		INSERT INTO rooms (name, description, max_members, is_private)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO NOTHING
		RETURNING ` + roomColumns

	room, err := scanRoom(r.db.QueryRowContext(ctx, query, nr.Name, nr.Description, nr.MaxMembers, nr.IsPrivate))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrRoomExists
	}
	if err != nil {
		return nil, fmt.Errorf("create room %q: %w", nr.Name, err)
	}
	return room, nil
}

// ---------------------------------------------
// Members
// ---------------------------------------------

const memberColumns = `room_id, user_id, joined_at, is_online, is_admin, last_read_message_id`

func scanMember(row rowScanner) (*Member, error) {
	m := &Member{}
	var lastRead sql.NullInt64
	err := row.Scan(&m.RoomID, &m.UserID, &m.JoinedAt, &m.Online, &m.IsAdmin, &lastRead)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastRead.Valid {
		m.LastReadMessageID = &lastRead.Int64
	}
	return m, nil
}

// UpsertMember adds the user to the room unless they already belong to it.
// The room row is locked so the capacity check and the insert cannot race
// with other joins or with message appends counting members.
func (r *Repository) UpsertMember(ctx context.Context, roomID int64, userID int) (*Member, error) {
	defer observe("upsert_member", time.Now())

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var active bool
	var maxMembers int
	err = tx.QueryRowContext(ctx,
		`SELECT is_active, max_members FROM rooms WHERE id = $1 FOR UPDATE`, roomID,
	).Scan(&active, &maxMembers)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock room %d: %w", roomID, err)
	}

	existing, err := scanMember(tx.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM room_members WHERE room_id = $1 AND user_id = $2`, roomID, userID))
	if err == nil {
		return existing, tx.Commit()
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if !active {
		return nil, ErrRoomInactive
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM room_members WHERE room_id = $1`, roomID,
	).Scan(&count); err != nil {
		return nil, err
	}
	if count >= maxMembers {
		return nil, ErrRoomFull
	}

	member, err := scanMember(tx.QueryRowContext(ctx, `
		INSERT INTO room_members (room_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (room_id, user_id) DO NOTHING
		RETURNING `+memberColumns, roomID, userID))
	if err != nil {
		return nil, fmt.Errorf("insert member: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return member, nil
}

func (r *Repository) GetMember(ctx context.Context, roomID int64, userID int) (*Member, error) {
	defer observe("get_member", time.Now())
	query := `SELECT ` + memberColumns + ` FROM room_members WHERE room_id = $1 AND user_id = $2`
	return scanMember(r.db.QueryRowContext(ctx, query, roomID, userID))
}

func (r *Repository) ListMembers(ctx context.Context, roomID int64) ([]Member, error) {
	defer observe("list_members", time.Now())

	query := `SELECT ` + memberColumns + ` FROM room_members WHERE room_id = $1 ORDER BY joined_at, user_id`
	rows, err := r.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

func (r *Repository) SetOnline(ctx context.Context, roomID int64, userID int, online bool) error {
	defer observe("set_online", time.Now())

	res, err := r.db.ExecContext(ctx,
		`UPDATE room_members SET is_online = $3 WHERE room_id = $1 AND user_id = $2`,
		roomID, userID, online)
	if err != nil {
		return err
	}
	return expectRows(res)
}

func (r *Repository) ResetPresence(ctx context.Context) (int64, error) {
	defer observe("reset_presence", time.Now())

	res, err := r.db.ExecContext(ctx, `UPDATE room_members SET is_online = FALSE WHERE is_online`)
	if err != nil {
		return 0, fmt.Errorf("reset presence: %w", err)
	}
	return res.RowsAffected()
}

func (r *Repository) AdvanceLastRead(ctx context.Context, roomID int64, userID int, messageID int64) error {
	defer observe("advance_last_read", time.Now())

	_, err := r.db.ExecContext(ctx, `
		UPDATE room_members SET last_read_message_id = $3
		WHERE room_id = $1 AND user_id = $2
		  AND (last_read_message_id IS NULL OR last_read_message_id < $3)
		  AND EXISTS (SELECT 1 FROM messages WHERE id = $3 AND room_id = $1)`,
		roomID, userID, messageID)
	return err
}

func (r *Repository) RemoveMember(ctx context.Context, roomID int64, userID int) error {
	defer observe("remove_member", time.Now())

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	if err != nil {
		return err
	}
	return expectRows(res)
}

func (r *Repository) DeactivateIfEmpty(ctx context.Context, roomID int64) (bool, error) {
	defer observe("deactivate_room", time.Now())

	res, err := r.db.ExecContext(ctx, `
		UPDATE rooms SET is_active = FALSE
		WHERE id = $1 AND is_active
		  AND NOT EXISTS (SELECT 1 FROM room_members WHERE room_id = $1)`, roomID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func expectRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------
// Messages
// ---------------------------------------------

const messageColumns = `
	m.id, m.room_id, m.user_id, COALESCE(u.username, ''), m.content, m.message_type,
	m.file_url, m.file_name, m.file_size, m.created_at, m.is_deleted,
	m.unread_count, m.total_members_at_time`

func scanMessage(row rowScanner) (*Message, error) {
	msg := &Message{}
	var author sql.NullInt64
	err := row.Scan(
		&msg.ID, &msg.RoomID, &author, &msg.Username, &msg.Content, &msg.Type,
		&msg.FileURL, &msg.FileName, &msg.FileSize, &msg.CreatedAt, &msg.IsDeleted,
		&msg.UnreadCount, &msg.TotalMembersAtTime,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if author.Valid {
		id := int(author.Int64)
		msg.AuthorID = &id
	}
	return msg, nil
}

// AppendMessage persists a message with its initial counters. The author's
// self-read is recorded in the same transaction, so no reader ever sees a
// counter that still includes the author.
func (r *Repository) AppendMessage(ctx context.Context, nm NewMessage) (*Message, error) {
	defer observe("append_message", time.Now())

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var active bool
	err = tx.QueryRowContext(ctx, `SELECT is_active FROM rooms WHERE id = $1 FOR SHARE`, nm.RoomID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock room %d: %w", nm.RoomID, err)
	}
	if !active {
		return nil, ErrRoomInactive
	}

	var author sql.NullInt64
	if nm.AuthorID != nil {
		author = sql.NullInt64{Int64: int64(*nm.AuthorID), Valid: true}
	}

	var total, authorRows int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE user_id = $2)
		FROM room_members WHERE room_id = $1 AND joined_at <= clock_timestamp()`, nm.RoomID, author,
	).Scan(&total, &authorRows); err != nil {
		return nil, fmt.Errorf("count members: %w", err)
	}
	if nm.AuthorID != nil && authorRows == 0 {
		return nil, ErrNotJoined
	}

	msg := &Message{
		RoomID:             nm.RoomID,
		AuthorID:           nm.AuthorID,
		Content:            nm.Content,
		Type:               nm.Type,
		TotalMembersAtTime: total,
		UnreadCount:        InitialUnread(total, nm.AuthorID != nil),
	}
	if msg.Type == "" {
		msg.Type = MessageText
	}
	if nm.File != nil {
		msg.FileURL, msg.FileName, msg.FileSize = nm.File.URL, nm.File.Name, nm.File.Size
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (room_id, user_id, content, message_type, file_url, file_name, file_size,
		                      unread_count, total_members_at_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		msg.RoomID, author, msg.Content, msg.Type, msg.FileURL, msg.FileName, msg.FileSize,
		msg.UnreadCount, msg.TotalMembersAtTime,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if nm.AuthorID != nil {
		if err := RecordNewMessageReadByAuthor(ctx, tx, msg.RoomID, *nm.AuthorID, msg.ID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

// RecordNewMessageReadByAuthor stores the author's read row and moves their
// pointer to the new message. It never touches unread_count: the initial
// counter already excludes the author.
func RecordNewMessageReadByAuthor(ctx context.Context, tx *sql.Tx, roomID int64, authorID int, messageID int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO message_reads (message_id, user_id) VALUES ($1, $2)
		ON CONFLICT (message_id, user_id) DO NOTHING`, messageID, authorID); err != nil {
		return fmt.Errorf("record author read: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE room_members SET last_read_message_id = $3
		WHERE room_id = $1 AND user_id = $2
		  AND (last_read_message_id IS NULL OR last_read_message_id < $3)`,
		roomID, authorID, messageID); err != nil {
		return fmt.Errorf("advance author pointer: %w", err)
	}
	return nil
}

func (r *Repository) GetMessage(ctx context.Context, messageID int64) (*Message, error) {
	defer observe("get_message", time.Now())
	query := `SELECT ` + messageColumns + ` FROM messages m LEFT JOIN users u ON u.id = m.user_id WHERE m.id = $1`
	return scanMessage(r.db.QueryRowContext(ctx, query, messageID))
}

func (r *Repository) SoftDelete(ctx context.Context, messageID int64) error {
	defer observe("soft_delete", time.Now())

	res, err := r.db.ExecContext(ctx, `UPDATE messages SET is_deleted = TRUE WHERE id = $1`, messageID)
	if err != nil {
		return err
	}
	return expectRows(res)
}

func (r *Repository) History(ctx context.Context, roomID int64, limit int) ([]Message, error) {
	defer observe("history", time.Now())
	return r.recent(ctx, roomID, limit, false)
}

func (r *Repository) ReadWindow(ctx context.Context, roomID int64, n int) ([]Message, error) {
	defer observe("read_window", time.Now())
	return r.recent(ctx, roomID, n, true)
}

func (r *Repository) recent(ctx context.Context, roomID int64, limit int, authoredOnly bool) ([]Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages m LEFT JOIN users u ON u.id = m.user_id
		WHERE m.room_id = $1 AND NOT m.is_deleted`
	if authoredOnly {
		query += ` AND m.user_id IS NOT NULL AND m.message_type <> 'system'`
	}
	query += ` ORDER BY m.id DESC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest first from the index; callers want chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ---------------------------------------------
// Read tracking
// ---------------------------------------------

func (r *Repository) UnreadCandidates(ctx context.Context, roomID int64, userID int, upToID int64, joinedAt time.Time) ([]int64, error) {
	defer observe("unread_candidates", time.Now())

	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id FROM messages m
		WHERE m.room_id = $1 AND m.id <= $2
		  AND m.user_id IS NOT NULL AND m.user_id <> $3
		  AND m.created_at >= $4
		  AND NOT EXISTS (SELECT 1 FROM message_reads mr WHERE mr.message_id = m.id AND mr.user_id = $3)
		ORDER BY m.id`,
		roomID, upToID, userID, joinedAt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// recordReadsQuery inserts the read rows and decrements only the messages
// whose row was actually inserted, all in one statement. A repeated read
// conflicts on the primary key and never reaches the UPDATE; concurrent
// readers of one message are serialized by the row lock on messages.
const recordReadsQuery = `
	WITH inserted AS (
		INSERT INTO message_reads (message_id, user_id)
		SELECT id, $1 FROM unnest($2::bigint[]) AS t(id)
		ON CONFLICT (message_id, user_id) DO NOTHING
		RETURNING message_id
	)
	UPDATE messages m SET unread_count = m.unread_count - 1
	FROM inserted i
	WHERE m.id = i.message_id AND m.unread_count > 0
	RETURNING m.id, m.unread_count`

func (r *Repository) RecordReads(ctx context.Context, userID int, messageIDs []int64) ([]MessageCounter, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	defer observe("record_reads", time.Now())

	rows, err := r.db.QueryContext(ctx, recordReadsQuery, userID, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("record reads: %w", err)
	}
	defer rows.Close()

	var counters []MessageCounter
	for rows.Next() {
		var c MessageCounter
		if err := rows.Scan(&c.MessageID, &c.UnreadCount); err != nil {
			return nil, err
		}
		c.IsReadByAll = c.UnreadCount == 0
		counters = append(counters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortCounters(counters)
	return counters, nil
}

// unreadFilter selects messages the member still has to read.
const unreadFilter = `
	m.room_id = rm.room_id
	AND NOT m.is_deleted
	AND m.user_id IS NOT NULL AND m.user_id <> rm.user_id
	AND m.created_at >= rm.joined_at
	AND NOT EXISTS (SELECT 1 FROM message_reads mr WHERE mr.message_id = m.id AND mr.user_id = rm.user_id)`

func (r *Repository) UnreadCount(ctx context.Context, roomID int64, userID int) (int, error) {
	defer observe("unread_count", time.Now())

	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(m.id)
		FROM room_members rm
		JOIN messages m ON `+unreadFilter+`
		WHERE rm.room_id = $1 AND rm.user_id = $2`, roomID, userID).Scan(&count)
	return count, err
}

func (r *Repository) UnreadCounts(ctx context.Context, userID int) (map[int64]int, error) {
	defer observe("unread_counts", time.Now())

	rows, err := r.db.QueryContext(ctx, `
		SELECT rm.room_id, COUNT(m.id)
		FROM room_members rm
		LEFT JOIN messages m ON `+unreadFilter+`
		WHERE rm.user_id = $1
		GROUP BY rm.room_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var roomID int64
		var count int
		if err := rows.Scan(&roomID, &count); err != nil {
			return nil, err
		}
		counts[roomID] = count
	}
	return counts, rows.Err()
}

// ---------------------------------------------
// Reactions
// ---------------------------------------------

// ToggleReaction adds the reaction if absent and removes it otherwise.
func (r *Repository) ToggleReaction(ctx context.Context, roomID, messageID int64, userID int, reaction ReactionType) (bool, map[string]int, error) {
	defer observe("toggle_reaction", time.Now())

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND room_id = $2 AND NOT is_deleted)`,
		messageID, roomID,
	).Scan(&exists); err != nil {
		return false, nil, err
	}
	if !exists {
		return false, nil, ErrNotFound
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND reaction_type = $3`,
		messageID, userID, reaction)
	if err != nil {
		return false, nil, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}

	added := removed == 0
	if added {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_reactions (message_id, user_id, reaction_type) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`, messageID, userID, reaction); err != nil {
			return false, nil, err
		}
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT reaction_type, COUNT(*) FROM message_reactions WHERE message_id = $1 GROUP BY reaction_type`,
		messageID)
	if err != nil {
		return false, nil, err
	}
	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			rows.Close()
			return false, nil, err
		}
		counts[kind] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, nil, err
	}

	if err := tx.Commit(); err != nil {
		return false, nil, err
	}
	return added, counts, nil
}
