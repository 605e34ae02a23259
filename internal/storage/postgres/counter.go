package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sportlevel/messenger/internal/logger"
)

type counterRepo struct {
	tx pgx.Tx
}

// unreadFilter is shared by every unread query: messages past the member's
// read cursor, not the user's own, not deleted, inside the visibility
// window.
const unreadFilter = `
	m.id > cm.last_read_message_id
	AND (m.sender_id IS NULL OR m.sender_id <> cm.user_id)
	AND m.deleted_at IS NULL
	AND (cm.first_available_message_id IS NULL OR m.id >= cm.first_available_message_id)
	AND (cm.last_available_message_id IS NULL OR m.id <= cm.last_available_message_id)`

func (r *counterRepo) UnreadByChats(ctx context.Context, userID int64, chatIDs []int64) (map[int64]int64, error) {
	defer logger.DeferLogDuration("counter.UnreadByChats", time.Now())()
	out := make(map[int64]int64, len(chatIDs))
	for _, id := range chatIDs {
		out[id] = 0
	}
	rows, err := r.tx.Query(ctx,
		`SELECT m.chat_id, COUNT(*)
		 FROM messages m
		 JOIN chat_memberships cm ON cm.chat_id = m.chat_id AND cm.user_id = $1
		 WHERE m.chat_id = ANY($2) AND `+unreadFilter+`
		 GROUP BY m.chat_id`, userID, chatIDs)
	if err != nil {
		return nil, fmt.Errorf("counterRepo.UnreadByChats query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var chatID, n int64
		if err := rows.Scan(&chatID, &n); err != nil {
			return nil, fmt.Errorf("counterRepo.UnreadByChats scan: %w", err)
		}
		out[chatID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("counterRepo.UnreadByChats rows: %w", err)
	}
	return out, nil
}

func (r *counterRepo) UnreadByMatches(ctx context.Context, userID int64, matchIDs []int64) (map[int64]int64, error) {
	defer logger.DeferLogDuration("counter.UnreadByMatches", time.Now())()
	out := make(map[int64]int64, len(matchIDs))
	for _, id := range matchIDs {
		out[id] = 0
	}
	rows, err := r.tx.Query(ctx,
		`SELECT c.match_id, COUNT(*)
		 FROM messages m
		 JOIN chats c ON c.id = m.chat_id
		 JOIN chat_memberships cm ON cm.chat_id = m.chat_id AND cm.user_id = $1
		 WHERE c.match_id = ANY($2) AND `+unreadFilter+`
		 GROUP BY c.match_id`, userID, matchIDs)
	if err != nil {
		return nil, fmt.Errorf("counterRepo.UnreadByMatches query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var matchID, n int64
		if err := rows.Scan(&matchID, &n); err != nil {
			return nil, fmt.Errorf("counterRepo.UnreadByMatches scan: %w", err)
		}
		out[matchID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("counterRepo.UnreadByMatches rows: %w", err)
	}
	return out, nil
}

func (r *counterRepo) UnreadTotal(ctx context.Context, userID int64) (int64, error) {
	defer logger.DeferLogDuration("counter.UnreadTotal", time.Now())()
	var total int64
	err := r.tx.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM messages m
		 JOIN chat_memberships cm ON cm.chat_id = m.chat_id AND cm.user_id = $1
		 WHERE `+unreadFilter, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("counterRepo.UnreadTotal: %w", err)
	}
	return total, nil
}
