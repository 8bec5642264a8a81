package ledger_test

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"

	"github.com/hsjoberg/lightning-box/internal/ledger"
	"github.com/hsjoberg/lightning-box/internal/ledger/ledgertest"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) ledger.Store

func backends() map[string]storeFactory {
	b := map[string]storeFactory{
		"sqlite": func(t *testing.T) ledger.Store { return ledgertest.NewSQLite(t) },
	}
	if dsn := os.Getenv("LIGHTNING_BOX_TEST_PG_DSN"); dsn != "" {
		b["postgres"] = func(t *testing.T) ledger.Store {
			ctx := context.Background()
			store, err := ledger.OpenPostgres(ctx, dsn, zerolog.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			require.NoError(t, store.EnsureSchema(ctx))
			return store
		}
	}
	return b
}

// unique keeps postgres runs independent of earlier data.
func unique(prefix string) string {
	return prefix + uuid.NewString()[:8]
}

func TestStores(t *testing.T) {
	for name, newStore := range backends() {
		newStore := newStore
		t.Run(name, func(t *testing.T) {
			t.Run("users", func(t *testing.T) { testUsers(t, newStore(t)) })
			t.Run("withdrawal codes", func(t *testing.T) { testWithdrawalCodes(t, newStore(t)) })
			t.Run("settle is idempotent", func(t *testing.T) { testMarkSettledIdempotent(t, newStore(t)) })
			t.Run("forward selected set", func(t *testing.T) { testMarkForwardedSet(t, newStore(t)) })
			t.Run("forward all", func(t *testing.T) { testMarkForwardedAll(t, newStore(t)) })
			t.Run("concurrent forward", func(t *testing.T) { testMarkForwardedConcurrent(t, newStore(t)) })
			t.Run("cursor", func(t *testing.T) { testCursor(t, newStore(t)) })
		})
	}
}

func testUsers(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	alias := unique("alice")
	pub := unique("02")
	ledgertest.SeedUser(t, store, alias, pub)

	got, err := store.GetUserByAlias(ctx, alias)
	require.NoError(t, err)
	assert.Equal(t, pub, got.Pubkey)

	got, err = store.GetUserByPubkey(ctx, pub)
	require.NoError(t, err)
	assert.Equal(t, alias, got.Alias)

	assert.ErrorIs(t, store.CreateUser(ctx, ledger.User{Alias: alias, Pubkey: unique("03")}), ledger.ErrDuplicate)
	assert.ErrorIs(t, store.CreateUser(ctx, ledger.User{Alias: unique("bob"), Pubkey: pub}), ledger.ErrDuplicate)

	_, err = store.GetUserByAlias(ctx, unique("nobody"))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testWithdrawalCodes(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	alias := unique("alice")
	ledgertest.SeedUser(t, store, alias, unique("02"))
	code := uuid.NewString()

	require.NoError(t, store.CreateWithdrawalCode(ctx, ledger.WithdrawalCode{Code: code, UserAlias: alias}))
	wc, err := store.GetWithdrawalCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, alias, wc.UserAlias)

	assert.ErrorIs(t, store.CreateWithdrawalCode(ctx, ledger.WithdrawalCode{Code: code, UserAlias: alias}), ledger.ErrDuplicate)
	assert.ErrorIs(t, store.CreateWithdrawalCode(ctx, ledger.WithdrawalCode{Code: uuid.NewString(), UserAlias: unique("ghost")}), ledger.ErrNotFound)

	_, err = store.GetWithdrawalCode(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testMarkSettledIdempotent(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	alias := unique("alice")
	ledgertest.SeedUser(t, store, alias, unique("02"))
	pr := unique("lnbc500n1")

	require.NoError(t, store.CreatePayment(ctx, ledger.Payment{
		PaymentRequest: pr, UserAlias: alias, AmountSat: 500, Comment: "hi",
	}))
	assert.ErrorIs(t, store.CreatePayment(ctx, ledger.Payment{PaymentRequest: pr, UserAlias: alias}), ledger.ErrDuplicate)

	changed, err := store.MarkSettled(ctx, pr, 500)
	require.NoError(t, err)
	assert.True(t, changed)
	first, err := store.GetPayment(ctx, pr)
	require.NoError(t, err)

	changed, err = store.MarkSettled(ctx, pr, 500)
	require.NoError(t, err)
	assert.False(t, changed)
	second, err := store.GetPayment(ctx, pr)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, second.Settled)
	assert.False(t, second.Forwarded)
	assert.Equal(t, "hi", second.Comment)

	_, err = store.MarkSettled(ctx, unique("lnbcmissing"), 1)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testMarkForwardedSet(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	alias := unique("alice")
	ledgertest.SeedUser(t, store, alias, unique("02"))
	pr1, pr2, pr3 := unique("lnbc1"), unique("lnbc2"), unique("lnbc3")
	ledgertest.SeedSettled(t, store, alias, pr1, 100)
	ledgertest.SeedSettled(t, store, alias, pr2, 200)

	open, err := store.ListSettledUnforwarded(ctx, alias)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, pr1, open[0].PaymentRequest)
	assert.Equal(t, int64(300), ledger.Total(open))

	// unsettled payments are never part of the balance
	require.NoError(t, store.CreatePayment(ctx, ledger.Payment{PaymentRequest: pr3, UserAlias: alias, AmountSat: 50}))
	_, err = store.MarkForwarded(ctx, alias, "lnbcout", []string{pr1, pr3})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	n, err := store.MarkForwarded(ctx, alias, "lnbcout", []string{pr1, pr2})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := store.GetPayment(ctx, pr1)
	require.NoError(t, err)
	assert.True(t, p.Forwarded)
	assert.Equal(t, "lnbcout", p.PaymentRequestForward)

	_, err = store.MarkForwarded(ctx, alias, "lnbcout2", []string{pr1})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	open, err = store.ListSettledUnforwarded(ctx, alias)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func testMarkForwardedAll(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	alias, other := unique("alice"), unique("bob")
	ledgertest.SeedUser(t, store, alias, unique("02"))
	ledgertest.SeedUser(t, store, other, unique("03"))
	ledgertest.SeedSettled(t, store, alias, unique("lnbc1"), 10)
	ledgertest.SeedSettled(t, store, alias, unique("lnbc2"), 20)
	otherPR := unique("lnbc3")
	ledgertest.SeedSettled(t, store, other, otherPR, 30)

	n, err := store.MarkForwarded(ctx, alias, "lnbcout", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := store.GetPayment(ctx, otherPR)
	require.NoError(t, err)
	assert.False(t, p.Forwarded)

	n, err = store.MarkForwarded(ctx, alias, "lnbcout", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testMarkForwardedConcurrent(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	alias := unique("alice")
	ledgertest.SeedUser(t, store, alias, unique("02"))
	set := []string{unique("lnbc1"), unique("lnbc2")}
	for _, pr := range set {
		ledgertest.SeedSettled(t, store, alias, pr, 250)
	}

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		forwarded int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := store.MarkForwarded(ctx, alias, unique("lnbcout"), set)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, ledger.ErrConflict)
				conflicts++
				return
			}
			forwarded += n
		}()
	}
	wg.Wait()

	assert.Equal(t, len(set), forwarded)
	assert.Equal(t, workers-1, conflicts)
}

func testCursor(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	key := unique("invoice_settle_index_")

	val, err := store.GetCursor(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, val)

	require.NoError(t, store.SetCursor(ctx, key, "7"))
	require.NoError(t, store.SetCursor(ctx, key, "9"))
	val, err = store.GetCursor(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "9", val)
}

func TestTotal(t *testing.T) {
	assert.Zero(t, ledger.Total(nil))
	assert.Equal(t, int64(35), ledger.Total([]ledger.Payment{{AmountSat: 10}, {AmountSat: 25}}))
}

func TestSQLiteLogsFailuresThroughComponentLogger(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	store, err := ledger.OpenSQLite("file:ledger_"+uuid.NewString()+"?mode=memory&cache=shared", zerolog.New(&buf))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureSchema(ctx))

	_, err = store.GetPayment(ctx, "lnbcunknown")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = store.GetUserByPubkey(ctx, "02ff")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = store.GetCursor(ctx, "invoice_settle_index")
	require.NoError(t, err)
	assert.Zero(t, buf.Len(), buf.String())

	require.NoError(t, store.CreateUser(ctx, ledger.User{Alias: "alice", Pubkey: "02aa"}))
	assert.ErrorIs(t, store.CreateUser(ctx, ledger.User{Alias: "alice", Pubkey: "02bb"}), ledger.ErrDuplicate)
	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), "users")
}
