// Package postgres implements the storage contract on pgx. Repositories
// run raw SQL against the transaction opened by WithTx, one transaction per
// command, so a handler's persist and read-back stay consistent.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sportlevel/messenger/internal/storage"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	pgxTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("storage.WithTx begin: %w", err)
	}
	t := &tx{tx: pgxTx}
	if err := fn(t); err != nil {
		if rbErr := pgxTx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := pgxTx.Commit(ctx); err != nil {
		return fmt.Errorf("storage.WithTx commit: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

type tx struct {
	tx pgx.Tx
}

func (t *tx) Chats() storage.ChatRepo       { return &chatRepo{tx: t.tx} }
func (t *tx) Messages() storage.MessageRepo { return &messageRepo{tx: t.tx} }
func (t *tx) Tickets() storage.TicketRepo   { return &ticketRepo{tx: t.tx} }
func (t *tx) Counters() storage.CounterRepo { return &counterRepo{tx: t.tx} }
