package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sportlevel/messenger/internal/logger"
	"github.com/sportlevel/messenger/internal/model"
	"github.com/sportlevel/messenger/internal/permissions"
	"github.com/sportlevel/messenger/internal/storage"
)

type chatRepo struct {
	tx pgx.Tx
}

const chatColumns = `id, chat_type, match_id, ticket_id, is_closed, close_reason, version, created_by, created_at, updated_at`

func scanChat(row pgx.Row) (*model.Chat, error) {
	c := &model.Chat{}
	err := row.Scan(&c.ID, &c.ChatType, &c.MatchID, &c.TicketID, &c.IsClosed, &c.CloseReason,
		&c.Version, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *chatRepo) ByID(ctx context.Context, chatID int64) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.ByID", time.Now())()
	c, err := scanChat(r.tx.QueryRow(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE id = $1`, chatID))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("chatRepo.ByID: %w", err)
	}
	return c, err
}

func (r *chatRepo) ByMessageID(ctx context.Context, messageID int64) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.ByMessageID", time.Now())()
	c, err := scanChat(r.tx.QueryRow(ctx,
		`SELECT c.id, c.chat_type, c.match_id, c.ticket_id, c.is_closed, c.close_reason, c.version, c.created_by, c.created_at, c.updated_at
		 FROM chats c JOIN messages m ON m.chat_id = c.id
		 WHERE m.id = $1`, messageID))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("chatRepo.ByMessageID: %w", err)
	}
	return c, err
}

func (r *chatRepo) Version(ctx context.Context, chatID int64) (int64, error) {
	defer logger.DeferLogDuration("chat.Version", time.Now())()
	var v int64
	err := r.tx.QueryRow(ctx, `SELECT version FROM chats WHERE id = $1`, chatID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("chatRepo.Version: %w", err)
	}
	return v, nil
}

func (r *chatRepo) Snapshot(ctx context.Context, chatID, userID int64) (permissions.MembershipSnapshot, error) {
	defer logger.DeferLogDuration("chat.Snapshot", time.Now())()
	var (
		s        permissions.MembershipSnapshot
		memberID *int64
		role     *model.Role
		write    *bool
		read     *bool
		primary  *bool
	)
	err := r.tx.QueryRow(ctx,
		`SELECT c.chat_type, c.is_closed,
		        cm.user_id, cm.role, cm.has_write_permission, cm.has_read_permission, cm.is_primary,
		        cm.first_available_message_id, cm.last_available_message_id
		 FROM chats c
		 LEFT JOIN chat_memberships cm ON cm.chat_id = c.id AND cm.user_id = $2
		 WHERE c.id = $1`, chatID, userID,
	).Scan(&s.ChatType, &s.Closed, &memberID, &role, &write, &read, &primary,
		&s.FirstAvailableMessageID, &s.LastAvailableMessageID)
	if errors.Is(err, pgx.ErrNoRows) {
		return permissions.MembershipSnapshot{}, nil
	}
	if err != nil {
		return permissions.MembershipSnapshot{}, fmt.Errorf("chatRepo.Snapshot: %w", err)
	}
	s.Found = true
	if memberID != nil {
		s.IsMember = true
		s.Role = *role
		s.HasWrite = *write
		s.HasRead = *read
		s.IsPrimary = *primary
	}
	return s, nil
}

func (r *chatRepo) SnapshotByMessage(ctx context.Context, messageID, userID int64) (permissions.MembershipSnapshot, int64, error) {
	defer logger.DeferLogDuration("chat.SnapshotByMessage", time.Now())()
	var chatID int64
	err := r.tx.QueryRow(ctx, `SELECT chat_id FROM messages WHERE id = $1`, messageID).Scan(&chatID)
	if errors.Is(err, pgx.ErrNoRows) {
		return permissions.MembershipSnapshot{}, 0, nil
	}
	if err != nil {
		return permissions.MembershipSnapshot{}, 0, fmt.Errorf("chatRepo.SnapshotByMessage: %w", err)
	}
	s, err := r.Snapshot(ctx, chatID, userID)
	return s, chatID, err
}

func (r *chatRepo) Membership(ctx context.Context, chatID, userID int64) (*model.ChatMembership, error) {
	defer logger.DeferLogDuration("chat.Membership", time.Now())()
	m := &model.ChatMembership{}
	err := r.tx.QueryRow(ctx,
		`SELECT chat_id, user_id, role, has_write_permission, has_read_permission, is_primary,
		        last_read_message_id, last_received_message_id,
		        first_available_message_id, last_available_message_id, joined_at
		 FROM chat_memberships WHERE chat_id = $1 AND user_id = $2`, chatID, userID,
	).Scan(&m.ChatID, &m.UserID, &m.Role, &m.HasWritePermission, &m.HasReadPermission, &m.IsPrimary,
		&m.LastReadMessageID, &m.LastRecvMessageID,
		&m.FirstAvailableMessageID, &m.LastAvailableMessageID, &m.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.Membership: %w", err)
	}
	return m, nil
}

func (r *chatRepo) MemberIDs(ctx context.Context, chatID int64) ([]int64, error) {
	defer logger.DeferLogDuration("chat.MemberIDs", time.Now())()
	rows, err := r.tx.Query(ctx,
		`SELECT user_id FROM chat_memberships WHERE chat_id = $1 ORDER BY user_id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.MemberIDs query: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("chatRepo.MemberIDs scan: %w", err)
		}
		out = append(out, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.MemberIDs rows: %w", err)
	}
	return out, nil
}

func (r *chatRepo) Members(ctx context.Context, chatID int64) ([]model.ChatUser, error) {
	defer logger.DeferLogDuration("chat.Members", time.Now())()
	rows, err := r.tx.Query(ctx,
		`SELECT user_id, role FROM chat_memberships WHERE chat_id = $1 ORDER BY user_id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.Members query: %w", err)
	}
	defer rows.Close()
	var out []model.ChatUser
	for rows.Next() {
		var u model.ChatUser
		if err := rows.Scan(&u.ID, &u.Role); err != nil {
			return nil, fmt.Errorf("chatRepo.Members scan: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.Members rows: %w", err)
	}
	return out, nil
}

func (r *chatRepo) MemberIDsByMatch(ctx context.Context, matchID int64) ([]int64, error) {
	defer logger.DeferLogDuration("chat.MemberIDsByMatch", time.Now())()
	rows, err := r.tx.Query(ctx,
		`SELECT DISTINCT cm.user_id
		 FROM chat_memberships cm
		 JOIN chats c ON c.id = cm.chat_id
		 WHERE c.match_id = $1
		 ORDER BY cm.user_id`, matchID)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.MemberIDsByMatch query: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("chatRepo.MemberIDsByMatch scan: %w", err)
		}
		out = append(out, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.MemberIDsByMatch rows: %w", err)
	}
	return out, nil
}

func (r *chatRepo) ChatIDsOfUser(ctx context.Context, userID int64) ([]int64, error) {
	defer logger.DeferLogDuration("chat.ChatIDsOfUser", time.Now())()
	rows, err := r.tx.Query(ctx,
		`SELECT chat_id FROM chat_memberships WHERE user_id = $1 ORDER BY chat_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.ChatIDsOfUser query: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("chatRepo.ChatIDsOfUser scan: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.ChatIDsOfUser rows: %w", err)
	}
	return out, nil
}
