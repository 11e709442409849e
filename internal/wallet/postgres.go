package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/arena/internal/models"
)

// Postgres keeps balances in the wallets table with a ledger line per
// movement.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (w *Postgres) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var b int64
	err := w.pool.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id = $1`, userID).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("wallet balance: %w: %v", models.ErrPersistence, err)
	}
	return b, nil
}

// Debit is a conditional UPDATE, so concurrent debits cannot overdraw.
func (w *Postgres) Debit(ctx context.Context, userID uuid.UUID, amount int64, ref string) error {
	if amount < 0 {
		return fmt.Errorf("negative debit: %w", models.ErrValidation)
	}
	err := pgx.BeginTxFunc(ctx, w.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE wallets SET balance = balance - $2, updated_at = now()
			WHERE user_id = $1 AND balance >= $2`, userID, amount)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return models.ErrInsufficientFunds
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO wallet_ledger (user_id, amount, reference) VALUES ($1, $2, $3)`,
			userID, -amount, ref)
		return err
	})
	if errors.Is(err, models.ErrInsufficientFunds) {
		return fmt.Errorf("debit %d: %w", amount, models.ErrInsufficientFunds)
	}
	if err != nil {
		return fmt.Errorf("wallet debit: %w: %v", models.ErrPersistence, err)
	}
	return nil
}

func (w *Postgres) Refund(ctx context.Context, userID uuid.UUID, amount int64, ref string) error {
	err := pgx.BeginTxFunc(ctx, w.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO wallets (user_id, balance) VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET balance = wallets.balance + EXCLUDED.balance, updated_at = now()`,
			userID, amount)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO wallet_ledger (user_id, amount, reference) VALUES ($1, $2, $3)`,
			userID, amount, ref)
		return err
	})
	if err != nil {
		return fmt.Errorf("wallet refund: %w: %v", models.ErrPersistence, err)
	}
	return nil
}
