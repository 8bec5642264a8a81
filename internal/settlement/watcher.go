// Package settlement follows the node's invoice stream and marks ledger
// payments settled.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hsjoberg/lightning-box/internal/ledger"
	"github.com/hsjoberg/lightning-box/internal/lndclient"
	"github.com/hsjoberg/lightning-box/internal/supervisor"

	"github.com/rs/zerolog"
)

const cursorKey = "invoice_settle_index"

type InvoiceSubscriber interface {
	SubscribeInvoices(ctx context.Context, settleIndex uint64) (<-chan lndclient.InvoiceEvent, <-chan error, error)
}

type Ledger interface {
	GetPayment(ctx context.Context, paymentRequest string) (ledger.Payment, error)
	MarkSettled(ctx context.Context, paymentRequest string, amountPaidSat int64) (bool, error)
	GetCursor(ctx context.Context, key string) (string, error)
	SetCursor(ctx context.Context, key, value string) error
}

type Watcher struct {
	node   InvoiceSubscriber
	ledger Ledger
	logger zerolog.Logger
	sup    *supervisor.Supervisor

	state       atomic.Value
	settleIndex uint64
}

func NewWatcher(node InvoiceSubscriber, store Ledger, logger zerolog.Logger, opts ...supervisor.Option) *Watcher {
	w := &Watcher{node: node, ledger: store, logger: logger}
	w.state.Store(supervisor.StateConnecting)
	opts = append(opts, supervisor.WithStateListener(func(s supervisor.State) {
		w.state.Store(s)
	}))
	w.sup = supervisor.New("invoices", logger, opts...)
	return w
}

func (w *Watcher) State() supervisor.State {
	return w.state.Load().(supervisor.State)
}

// Run consumes the invoice stream until ctx is cancelled, reconnecting
// whenever the stream drops.
func (w *Watcher) Run(ctx context.Context) {
	w.settleIndex = w.loadCursor(ctx)
	w.sup.Run(ctx, w.stream)
}

func (w *Watcher) loadCursor(ctx context.Context) uint64 {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	val, err := w.ledger.GetCursor(cctx, cursorKey)
	if err != nil {
		w.logger.Warn().Err(err).Msg("could not read settle index, replaying from start")
		return 0
	}
	if val == "" {
		return 0
	}
	idx, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		w.logger.Warn().Str("value", val).Msg("invalid settle index cursor")
		return 0
	}
	return idx
}

func (w *Watcher) stream(ctx context.Context, streaming func()) error {
	events, errs, err := w.node.SubscribeInvoices(ctx, w.settleIndex)
	if err != nil {
		return err
	}
	streaming()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := <-errs; err != nil {
					return err
				}
				return errors.New("invoice stream closed")
			}
			if err := w.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// handle processes one event and then advances the cursor past it. A storage
// failure leaves the cursor where it was, so the resubscription replays the
// event.
func (w *Watcher) handle(ctx context.Context, ev lndclient.InvoiceEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Str("payment_request", ev.PaymentRequest).Msg("invoice handler panicked")
			w.advance(ctx, ev.SettleIndex)
			err = nil
		}
	}()

	if err := w.process(ctx, ev); err != nil {
		return fmt.Errorf("settle index %d: %w", ev.SettleIndex, err)
	}
	w.advance(ctx, ev.SettleIndex)
	return nil
}

func (w *Watcher) advance(ctx context.Context, settleIndex uint64) {
	if settleIndex <= w.settleIndex {
		return
	}
	w.settleIndex = settleIndex
	if err := w.ledger.SetCursor(ctx, cursorKey, strconv.FormatUint(settleIndex, 10)); err != nil {
		w.logger.Warn().Err(err).Uint64("settle_index", settleIndex).Msg("could not persist settle index")
	}
}

// process returns an error only when the ledger could not be read or
// written. Events that do not concern the ledger are skipped.
func (w *Watcher) process(ctx context.Context, ev lndclient.InvoiceEvent) error {
	if ev.PaymentRequest == "" {
		w.logger.Error().Uint64("settle_index", ev.SettleIndex).Msg("malformed invoice event")
		return nil
	}
	if !ev.Settled {
		return nil
	}

	payment, err := w.ledger.GetPayment(ctx, ev.PaymentRequest)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("payment lookup: %w", err)
	}

	changed, err := w.ledger.MarkSettled(ctx, payment.PaymentRequest, ev.AmountPaidSat)
	if err != nil {
		return fmt.Errorf("mark settled: %w", err)
	}
	if changed {
		w.logger.Info().
			Str("user", payment.UserAlias).
			Int64("amount_sat", ev.AmountPaidSat).
			Msg("payment settled")
	}
	return nil
}
