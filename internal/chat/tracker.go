package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"roomchat/internal/metrics"
)

const DefaultJoinReadWindow = 50

// ReadTracker maintains per-message unread counters and per-member read
// pointers. Every decrement goes through Store.RecordReads, which is
// idempotent per (message, user).
type ReadTracker struct {
	store  Store
	window int
	logger zerolog.Logger
}

func NewReadTracker(store Store, window int, logger zerolog.Logger) *ReadTracker {
	if window <= 0 {
		window = DefaultJoinReadWindow
	}
	return &ReadTracker{
		store:  store,
		window: window,
		logger: logger.With().Str("component", "read_tracker").Logger(),
	}
}

// MarkRead marks every message the member has not read up to and including
// upToMessageID, then moves their pointer to it when anything was newly
// read. Unknown members or messages yield an empty result.
func (t *ReadTracker) MarkRead(ctx context.Context, roomID int64, userID int, upToMessageID int64) (ReadResult, error) {
	member, err := t.store.GetMember(ctx, roomID, userID)
	if errors.Is(err, ErrNotFound) {
		t.logger.Debug().Int64("room_id", roomID).Int("user_id", userID).Msg("mark read by non-member ignored")
		return ReadResult{}, nil
	}
	if err != nil {
		return ReadResult{}, fmt.Errorf("load member: %w", err)
	}

	target, err := t.store.GetMessage(ctx, upToMessageID)
	if errors.Is(err, ErrNotFound) || (err == nil && (target.RoomID != roomID || target.IsDeleted)) {
		t.logger.Debug().Int64("room_id", roomID).Int64("message_id", upToMessageID).Msg("mark read target not in room")
		return ReadResult{}, nil
	}
	if err != nil {
		return ReadResult{}, fmt.Errorf("load message: %w", err)
	}

	// Selection is driven by read rows, not the pointer: the author's own
	// messages move their pointer past messages they may not have read yet.
	ids, err := t.store.UnreadCandidates(ctx, roomID, userID, upToMessageID, member.JoinedAt)
	if err != nil {
		return ReadResult{}, fmt.Errorf("list unread: %w", err)
	}
	if len(ids) == 0 {
		return ReadResult{}, nil
	}

	counters, err := t.store.RecordReads(ctx, userID, ids)
	if err != nil {
		return ReadResult{}, err
	}
	if len(counters) == 0 {
		return ReadResult{}, nil
	}

	if upToMessageID > member.LastRead() {
		if err := t.store.AdvanceLastRead(ctx, roomID, userID, upToMessageID); err != nil {
			return ReadResult{}, fmt.Errorf("advance pointer: %w", err)
		}
	}

	metrics.ReadsMarked.Add(float64(len(counters)))
	return ReadResult{ProcessedCount: len(counters), UpdatedMessages: counters}, nil
}

// MarkAllReadOnJoin re-applies read marking for every online member against
// the most recent window of authored messages. Older messages keep their
// counters until someone marks them read explicitly.
func (t *ReadTracker) MarkAllReadOnJoin(ctx context.Context, roomID int64, userID int) ([]MessageCounter, error) {
	if _, err := t.store.GetMember(ctx, roomID, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load member: %w", err)
	}

	window, err := t.store.ReadWindow(ctx, roomID, t.window)
	if err != nil {
		return nil, fmt.Errorf("load read window: %w", err)
	}
	if len(window) == 0 {
		return nil, nil
	}

	members, err := t.store.ListMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	latest := make(map[int64]MessageCounter)
	for _, m := range members {
		if !m.Online {
			continue
		}

		var ids []int64
		for i := range window {
			msg := &window[i]
			if msg.AuthoredBy(m.UserID) || msg.CreatedAt.Before(m.JoinedAt) {
				continue
			}
			ids = append(ids, msg.ID)
		}
		if len(ids) == 0 {
			continue
		}

		counters, err := t.store.RecordReads(ctx, m.UserID, ids)
		if err != nil {
			return nil, err
		}
		if len(counters) == 0 {
			continue
		}

		for _, c := range counters {
			// Counters only go down, so the lowest value seen is the newest.
			if prev, ok := latest[c.MessageID]; !ok || c.UnreadCount < prev.UnreadCount {
				latest[c.MessageID] = c
			}
		}
		newest := counters[len(counters)-1].MessageID
		if err := t.store.AdvanceLastRead(ctx, roomID, m.UserID, newest); err != nil {
			return nil, fmt.Errorf("advance pointer: %w", err)
		}
		metrics.ReadsMarked.Add(float64(len(counters)))
	}

	out := make([]MessageCounter, 0, len(latest))
	for _, c := range latest {
		out = append(out, c)
	}
	sortCounters(out)
	return out, nil
}

func sortCounters(counters []MessageCounter) {
	sort.Slice(counters, func(i, j int) bool { return counters[i].MessageID < counters[j].MessageID })
}
