package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brendanlong/clawed-burrow-sub001/pkg/session"
)

// Direction selects which side of the cursor a history page reads.
type Direction string

const (
	// DirectionForward pages toward newer messages (sequence > cursor).
	DirectionForward Direction = "forward"
	// DirectionBackward pages toward older messages (sequence < cursor).
	DirectionBackward Direction = "backward"
)

// DefaultHistoryLimit bounds a page when the caller passes no limit.
const DefaultHistoryLimit = 100

// HistoryQuery is a keyset pagination request. A nil Cursor means "the
// most recent page" for backward reads and "from the beginning" for
// forward reads.
type HistoryQuery struct {
	Cursor    *int64
	Direction Direction
	Limit     int
}

// HistoryPage is one page of messages in ascending sequence order.
// NextCursor is the minimum returned sequence for backward reads and the
// maximum for forward reads; nil when the page is empty. HasMore
// reports whether further messages exist past NextCursor in the queried
// direction.
type HistoryPage struct {
	Messages   []session.Message
	HasMore    bool
	NextCursor *int64
}

// History returns one page of the session's messages.
func (s *Store) History(ctx context.Context, sessionID string, q HistoryQuery) (HistoryPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	dir := q.Direction
	if dir == "" {
		dir = DirectionBackward
	}

	// Fetch one extra row to learn whether more pages exist.
	var (
		query string
		args  []interface{}
	)
	switch dir {
	case DirectionBackward:
		if q.Cursor != nil {
			query = `SELECT id, session_id, sequence, type, content, interrupted, created_at
				 FROM messages WHERE session_id = ? AND sequence < ?
				 ORDER BY sequence DESC LIMIT ?`
			args = []interface{}{sessionID, *q.Cursor, limit + 1}
		} else {
			query = `SELECT id, session_id, sequence, type, content, interrupted, created_at
				 FROM messages WHERE session_id = ?
				 ORDER BY sequence DESC LIMIT ?`
			args = []interface{}{sessionID, limit + 1}
		}
	case DirectionForward:
		if q.Cursor != nil {
			query = `SELECT id, session_id, sequence, type, content, interrupted, created_at
				 FROM messages WHERE session_id = ? AND sequence > ?
				 ORDER BY sequence ASC LIMIT ?`
			args = []interface{}{sessionID, *q.Cursor, limit + 1}
		} else {
			query = `SELECT id, session_id, sequence, type, content, interrupted, created_at
				 FROM messages WHERE session_id = ?
				 ORDER BY sequence ASC LIMIT ?`
			args = []interface{}{sessionID, limit + 1}
		}
	default:
		return HistoryPage{}, fmt.Errorf("unknown direction %q", q.Direction)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []session.Message
	for rows.Next() {
		var (
			msg         session.Message
			typ         string
			content     string
			interrupted int
			createdAt   time.Time
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Sequence, &typ, &content, &interrupted, &createdAt); err != nil {
			return HistoryPage{}, fmt.Errorf("scan message: %w", err)
		}
		msg.Type = session.MessageType(typ)
		msg.Content = json.RawMessage(content)
		msg.Interrupted = interrupted != 0
		msg.CreatedAt = createdAt
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return HistoryPage{}, fmt.Errorf("iterate rows: %w", err)
	}

	page := HistoryPage{}
	if len(messages) > limit {
		page.HasMore = true
		messages = messages[:limit]
	}

	if dir == DirectionBackward {
		// Rows arrived newest-first; flip to chronological order.
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	page.Messages = messages

	if len(messages) > 0 {
		var next int64
		if dir == DirectionBackward {
			next = messages[0].Sequence
		} else {
			next = messages[len(messages)-1].Sequence
		}
		page.NextCursor = &next
	}

	return page, nil
}
