package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/models"
)

// Entry is one ledger line kept by Memory.
type Entry struct {
	UserID uuid.UUID
	Amount int64
	Ref    string
}

// Memory is an in-process Wallet for tests and local runs.
type Memory struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
	ledger   []Entry
	// DefaultBalance is credited the first time an unknown user is seen.
	DefaultBalance int64
}

func NewMemory(defaultBalance int64) *Memory {
	return &Memory{balances: make(map[uuid.UUID]int64), DefaultBalance: defaultBalance}
}

// Set overwrites a user's balance.
func (w *Memory) Set(userID uuid.UUID, amount int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[userID] = amount
}

func (w *Memory) balanceLocked(userID uuid.UUID) int64 {
	b, ok := w.balances[userID]
	if !ok {
		b = w.DefaultBalance
		w.balances[userID] = b
	}
	return b
}

func (w *Memory) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balanceLocked(userID), nil
}

func (w *Memory) Debit(ctx context.Context, userID uuid.UUID, amount int64, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount < 0 {
		return fmt.Errorf("negative debit: %w", models.ErrValidation)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	b := w.balanceLocked(userID)
	if b < amount {
		return fmt.Errorf("balance %d below %d: %w", b, amount, models.ErrInsufficientFunds)
	}
	w.balances[userID] = b - amount
	w.ledger = append(w.ledger, Entry{UserID: userID, Amount: -amount, Ref: ref})
	return nil
}

func (w *Memory) Refund(ctx context.Context, userID uuid.UUID, amount int64, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[userID] = w.balanceLocked(userID) + amount
	w.ledger = append(w.ledger, Entry{UserID: userID, Amount: amount, Ref: ref})
	return nil
}

// Ledger returns a copy of every entry written so far.
func (w *Memory) Ledger() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Entry(nil), w.ledger...)
}
