package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sportlevel/messenger/internal/logger"
	"github.com/sportlevel/messenger/internal/model"
	"github.com/sportlevel/messenger/internal/storage"
)

type messageRepo struct {
	tx pgx.Tx
}

const messageColumns = `id, chat_id, sender_id, content, delivery_status, reply_to_id, created_at, updated_at, deleted_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	m := &model.Message{}
	err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.DeliveryStatus,
		&m.ReplyToID, &m.CreatedAt, &m.UpdatedAt, &m.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *messageRepo) Create(ctx context.Context, chatID int64, senderID *int64, content model.Content, replyToID *int64) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	m, err := scanMessage(r.tx.QueryRow(ctx,
		`INSERT INTO messages (chat_id, sender_id, content, delivery_status, reply_to_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+messageColumns,
		chatID, senderID, content, model.DeliveryStatusSent, replyToID))
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Create: %w", err)
	}
	return r.withReactions(ctx, m)
}

func (r *messageRepo) ByID(ctx context.Context, messageID int64) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.ByID", time.Now())()
	m, err := scanMessage(r.tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ByID: %w", err)
	}
	return r.withReactions(ctx, m)
}

func (r *messageRepo) UpdateContent(ctx context.Context, messageID int64, content model.Content) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.UpdateContent", time.Now())()
	m, err := scanMessage(r.tx.QueryRow(ctx,
		`UPDATE messages SET content = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING `+messageColumns, messageID, content))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.UpdateContent: %w", err)
	}
	return r.withReactions(ctx, m)
}

func (r *messageRepo) SoftDelete(ctx context.Context, messageID int64) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	tag, err := r.tx.Exec(ctx,
		`UPDATE messages SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, messageID)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, messageID).Scan(&exists); err != nil {
			return fmt.Errorf("msgRepo.SoftDelete: %w", err)
		}
		if !exists {
			return storage.ErrNotFound
		}
	}
	return nil
}

func (r *messageRepo) AdvanceStatus(ctx context.Context, chatID, userID, messageID int64, status model.DeliveryStatus, forAll bool) (storage.StatusCounts, error) {
	defer logger.DeferLogDuration("msg.AdvanceStatus", time.Now())()
	var counts storage.StatusCounts
	switch status {
	case model.DeliveryStatusDelivered:
		tag, err := r.tx.Exec(ctx,
			`UPDATE chat_memberships SET last_received_message_id = $3
			 WHERE chat_id = $1 AND user_id = $2 AND last_received_message_id < $3`,
			chatID, userID, messageID)
		if err != nil {
			return counts, fmt.Errorf("msgRepo.AdvanceStatus cursor: %w", err)
		}
		counts.ForUser = tag.RowsAffected()
	case model.DeliveryStatusRead:
		tag, err := r.tx.Exec(ctx,
			`UPDATE chat_memberships
			 SET last_read_message_id = $3,
			     last_received_message_id = GREATEST(last_received_message_id, $3)
			 WHERE chat_id = $1 AND user_id = $2 AND last_read_message_id < $3`,
			chatID, userID, messageID)
		if err != nil {
			return counts, fmt.Errorf("msgRepo.AdvanceStatus cursor: %w", err)
		}
		counts.ForUser = tag.RowsAffected()
	default:
		return counts, fmt.Errorf("msgRepo.AdvanceStatus: unsupported target status %q", status)
	}
	if forAll {
		// Statuses only move forward: delivered overwrites sent, read
		// overwrites sent and delivered.
		eligible := []model.DeliveryStatus{model.DeliveryStatusPending, model.DeliveryStatusSent}
		if status == model.DeliveryStatusRead {
			eligible = append(eligible, model.DeliveryStatusDelivered)
		}
		tag, err := r.tx.Exec(ctx,
			`UPDATE messages SET delivery_status = $4
			 WHERE chat_id = $1 AND id <= $2
			   AND (sender_id IS NULL OR sender_id <> $3)
			   AND delivery_status = ANY($5)`,
			chatID, messageID, userID, status, eligible)
		if err != nil {
			return counts, fmt.Errorf("msgRepo.AdvanceStatus rows: %w", err)
		}
		counts.ForAll = tag.RowsAffected()
	}
	return counts, nil
}

func (r *messageRepo) RollbackUnread(ctx context.Context, chatID, userID, messageID int64, forAll bool) (storage.StatusCounts, error) {
	defer logger.DeferLogDuration("msg.RollbackUnread", time.Now())()
	var counts storage.StatusCounts
	tag, err := r.tx.Exec(ctx,
		`UPDATE chat_memberships SET last_read_message_id = $3 - 1
		 WHERE chat_id = $1 AND user_id = $2 AND last_read_message_id >= $3`,
		chatID, userID, messageID)
	if err != nil {
		return counts, fmt.Errorf("msgRepo.RollbackUnread cursor: %w", err)
	}
	counts.ForUser = tag.RowsAffected()
	if forAll {
		tag, err := r.tx.Exec(ctx,
			`UPDATE messages SET delivery_status = $3
			 WHERE chat_id = $1 AND id >= $2 AND delivery_status = $4`,
			chatID, messageID, model.DeliveryStatusDelivered, model.DeliveryStatusRead)
		if err != nil {
			return counts, fmt.Errorf("msgRepo.RollbackUnread rows: %w", err)
		}
		counts.ForAll = tag.RowsAffected()
	}
	return counts, nil
}

func (r *messageRepo) AddReaction(ctx context.Context, messageID, userID int64, emoji string) ([]model.Reaction, error) {
	defer logger.DeferLogDuration("msg.AddReaction", time.Now())()
	if _, err := r.tx.Exec(ctx,
		`INSERT INTO message_reactions (message_id, user_id, emoji)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, user_id, emoji) DO NOTHING`,
		messageID, userID, emoji); err != nil {
		return nil, fmt.Errorf("msgRepo.AddReaction: %w", err)
	}
	return r.reactions(ctx, messageID)
}

func (r *messageRepo) RemoveReaction(ctx context.Context, messageID, userID int64, emoji string) ([]model.Reaction, error) {
	defer logger.DeferLogDuration("msg.RemoveReaction", time.Now())()
	if _, err := r.tx.Exec(ctx,
		`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji); err != nil {
		return nil, fmt.Errorf("msgRepo.RemoveReaction: %w", err)
	}
	return r.reactions(ctx, messageID)
}

func (r *messageRepo) reactions(ctx context.Context, messageID int64) ([]model.Reaction, error) {
	rows, err := r.tx.Query(ctx,
		`SELECT emoji, array_agg(user_id ORDER BY created_at)
		 FROM message_reactions WHERE message_id = $1
		 GROUP BY emoji ORDER BY emoji`, messageID)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.reactions query: %w", err)
	}
	defer rows.Close()
	var out []model.Reaction
	for rows.Next() {
		var re model.Reaction
		if err := rows.Scan(&re.Emoji, &re.UserIDs); err != nil {
			return nil, fmt.Errorf("msgRepo.reactions scan: %w", err)
		}
		re.Count = len(re.UserIDs)
		out = append(out, re)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.reactions rows: %w", err)
	}
	return out, nil
}

func (r *messageRepo) withReactions(ctx context.Context, m *model.Message) (*model.Message, error) {
	reactions, err := r.reactions(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	m.Reactions = reactions
	return m, nil
}
