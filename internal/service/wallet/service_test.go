package wallet_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
	"github.com/vladislavdragonenkov/reseller/internal/service/wallet"
	"github.com/vladislavdragonenkov/reseller/internal/storage/memory"
)

func TestDeposit_CreditsBalanceAndLedger(t *testing.T) {
	store := memory.NewStore()
	users := memory.NewUserRepository(store)
	ledger := memory.NewLedgerRepository(store)
	svc := wallet.NewService(memory.NewTransactor(store), users, ledger)
	ctx := context.Background()

	require.NoError(t, users.Create(ctx, domain.User{ID: "user-1", Balance: decimal.Zero}))

	entry, err := svc.Deposit(ctx, "user-1", decimal.RequireFromString("100.50"), "invoice-1")
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerEntryDeposit, entry.Type)
	assert.True(t, entry.BalanceBefore.IsZero())
	assert.True(t, entry.BalanceAfter.Equal(decimal.RequireFromString("100.50")))
	assert.Equal(t, "invoice-1", entry.ReferenceID)

	user, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, user.Balance.Equal(decimal.RequireFromString("100.50")))

	sum, err := ledger.SumByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, sum.Equal(user.Balance))

	history, err := svc.History(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestDeposit_Validation(t *testing.T) {
	store := memory.NewStore()
	svc := wallet.NewService(memory.NewTransactor(store), memory.NewUserRepository(store), memory.NewLedgerRepository(store))
	ctx := context.Background()

	_, err := svc.Deposit(ctx, "user-1", decimal.NewFromInt(-1), "x")
	assert.True(t, domain.IsInvalidRequest(err))

	_, err = svc.Deposit(ctx, "", decimal.NewFromInt(1), "x")
	assert.True(t, domain.IsInvalidRequest(err))

	_, err = svc.Deposit(ctx, "missing", decimal.NewFromInt(1), "x")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}
