package wallet

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDebitAndRefund(t *testing.T) {
	ctx := context.Background()
	w := NewMemory(0)
	u := uuid.New()
	w.Set(u, 25)

	require.NoError(t, w.Debit(ctx, u, 10, "room:a"))
	err := w.Debit(ctx, u, 20, "room:b")
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)

	require.NoError(t, w.Refund(ctx, u, 10, "room:a"))
	b, err := w.Balance(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, int64(25), b)
	assert.Len(t, w.Ledger(), 2)
}

func TestMemoryConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	w := NewMemory(0)
	u := uuid.New()
	w.Set(u, 50)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.Debit(ctx, u, 10, "x") == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	b, _ := w.Balance(ctx, u)
	assert.Zero(t, b)
}
