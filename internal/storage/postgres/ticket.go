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

type ticketRepo struct {
	tx pgx.Tx
}

const ticketColumns = `id, chat_id, reporter_id, assignee_id, status, close_reason, created_at, updated_at`

func scanTicket(row pgx.Row) (*model.Ticket, error) {
	t := &model.Ticket{}
	err := row.Scan(&t.ID, &t.ChatID, &t.ReporterID, &t.AssigneeID, &t.Status,
		&t.CloseReason, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *ticketRepo) ByID(ctx context.Context, ticketID int64) (*model.Ticket, error) {
	defer logger.DeferLogDuration("ticket.ByID", time.Now())()
	t, err := scanTicket(r.tx.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, ticketID))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("ticketRepo.ByID: %w", err)
	}
	return t, err
}

func (r *ticketRepo) ByChatID(ctx context.Context, chatID int64) (*model.Ticket, error) {
	defer logger.DeferLogDuration("ticket.ByChatID", time.Now())()
	t, err := scanTicket(r.tx.QueryRow(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE chat_id = $1`, chatID))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("ticketRepo.ByChatID: %w", err)
	}
	return t, err
}

func (r *ticketRepo) SetStatus(ctx context.Context, ticketID int64, status model.TicketStatus, actorID int64) (*model.Ticket, error) {
	defer logger.DeferLogDuration("ticket.SetStatus", time.Now())()
	t, err := scanTicket(r.tx.QueryRow(ctx,
		`UPDATE tickets SET status = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING `+ticketColumns, ticketID, status))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("ticketRepo.SetStatus: %w", err)
	}
	if _, err := r.tx.Exec(ctx,
		`INSERT INTO ticket_status_log (ticket_id, status, actor_id) VALUES ($1, $2, $3)`,
		ticketID, status, actorID); err != nil {
		return nil, fmt.Errorf("ticketRepo.SetStatus log: %w", err)
	}
	return t, nil
}
