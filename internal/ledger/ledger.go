// Package ledger records users, withdrawal codes and the payments issued on
// their behalf, and moves payments through settled and forwarded states.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hsjoberg/lightning-box/internal/config"

	"github.com/rs/zerolog"
)

var (
	ErrNotFound  = errors.New("ledger: not found")
	ErrDuplicate = errors.New("ledger: duplicate")
	// ErrConflict means a payment set changed between read and update.
	ErrConflict = errors.New("ledger: conflict")
)

type User struct {
	Alias  string
	Pubkey string
}

// Payment is an invoice issued for a user. Forwarded implies Settled.
type Payment struct {
	PaymentRequest        string
	PaymentRequestForward string
	UserAlias             string
	AmountSat             int64
	Settled               bool
	Forwarded             bool
	Comment               string
	CreatedAt             time.Time
}

type WithdrawalCode struct {
	Code      string
	UserAlias string
}

type Store interface {
	CreateUser(ctx context.Context, u User) error
	GetUserByAlias(ctx context.Context, alias string) (User, error)
	GetUserByPubkey(ctx context.Context, pubkey string) (User, error)

	CreateWithdrawalCode(ctx context.Context, wc WithdrawalCode) error
	GetWithdrawalCode(ctx context.Context, code string) (WithdrawalCode, error)

	CreatePayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, paymentRequest string) (Payment, error)
	// MarkSettled reports whether the payment changed. Settling an already
	// settled payment is a no-op.
	MarkSettled(ctx context.Context, paymentRequest string, amountPaidSat int64) (bool, error)
	ListSettledUnforwarded(ctx context.Context, alias string) ([]Payment, error)
	// MarkForwarded stamps paymentRequests with forwardPR in one transaction.
	// Every listed payment must still be settled and unforwarded for alias,
	// otherwise nothing changes and ErrConflict is returned. A nil slice
	// selects all of the user's settled, unforwarded payments.
	MarkForwarded(ctx context.Context, alias, forwardPR string, paymentRequests []string) (int, error)

	GetCursor(ctx context.Context, key string) (string, error)
	SetCursor(ctx context.Context, key, value string) error

	EnsureSchema(ctx context.Context) error
	Close() error
}

// Open connects to the configured backend. The schema is not touched.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return OpenPostgres(ctx, cfg.DSN, logger)
	case config.DriverSQLite:
		return OpenSQLite(cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// LightningAddress formats the address a user is paid at.
func LightningAddress(alias, domain string) string {
	return alias + "@" + domain
}

// Total sums the amounts of payments.
func Total(payments []Payment) int64 {
	var total int64
	for _, p := range payments {
		total += p.AmountSat
	}
	return total
}

func uniq(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
