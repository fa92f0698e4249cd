package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// WithTx runs fn inside a database transaction. If fn returns an error, the transaction is
// rolled back. Otherwise, the transaction is committed. The deferred rollback after a
// successful commit is a safe no-op (pgx.ErrTxClosed), which is swallowed; any other rollback
// failure is logged rather than silently dropped, since it means the connection may be left in
// an unknown state.
func WithTx(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			log.Error().Err(rbErr).Msg("postgres: rollback failed")
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
