// Package ledgertest opens throwaway ledger stores for tests.
package ledgertest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/hsjoberg/lightning-box/internal/ledger"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// NewSQLite returns an in-memory SQLite store with the schema applied. Each
// call gets its own database.
func NewSQLite(t testing.TB) *ledger.SQLiteStore {
	t.Helper()
	dsn := "file:ledger_" + uuid.NewString() + "?mode=memory&cache=shared"
	store, err := ledger.OpenSQLite(dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

// SeedUser creates a user and fails the test on error.
func SeedUser(t testing.TB, store ledger.Store, alias, pubkey string) ledger.User {
	t.Helper()
	u := ledger.User{Alias: alias, Pubkey: pubkey}
	require.NoError(t, store.CreateUser(context.Background(), u))
	return u
}

// SeedSettled creates a settled, unforwarded payment.
func SeedSettled(t testing.TB, store ledger.Store, alias, pr string, amountSat int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreatePayment(ctx, ledger.Payment{
		PaymentRequest: pr,
		UserAlias:      alias,
		AmountSat:      amountSat,
	}))
	changed, err := store.MarkSettled(ctx, pr, amountSat)
	require.NoError(t, err)
	require.True(t, changed)
}
