// Package wallet is the collaborator that holds user balances. The room
// service only debits entry fees and refunds them when admission fails.
package wallet

import (
	"context"

	"github.com/google/uuid"
)

// Wallet debits and refunds balances in minor currency units.
type Wallet interface {
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	// Debit removes amount only if the balance covers it, otherwise it
	// returns an error wrapping models.ErrInsufficientFunds.
	Debit(ctx context.Context, userID uuid.UUID, amount int64, ref string) error
	Refund(ctx context.Context, userID uuid.UUID, amount int64, ref string) error
}
