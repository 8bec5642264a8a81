// Package withdraw implements LNURL-withdraw over a user's settled,
// unforwarded balance.
package withdraw

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/hsjoberg/lightning-box/internal/apperr"
	"github.com/hsjoberg/lightning-box/internal/ledger"
	"github.com/hsjoberg/lightning-box/internal/lndclient"

	"github.com/rs/zerolog"
)

type Ledger interface {
	GetWithdrawalCode(ctx context.Context, code string) (ledger.WithdrawalCode, error)
	ListSettledUnforwarded(ctx context.Context, alias string) ([]ledger.Payment, error)
	MarkForwarded(ctx context.Context, alias, forwardPR string, paymentRequests []string) (int, error)
}

type Node interface {
	DecodePayReq(ctx context.Context, payReq string) (lndclient.DecodedInvoice, error)
	SendPaymentSync(ctx context.Context, paymentRequest string) (lndclient.PaymentResult, error)
}

// Offer is the LNURL-withdraw request returned to the wallet.
type Offer struct {
	Tag                string `json:"tag"`
	Callback           string `json:"callback"`
	K1                 string `json:"k1"`
	DefaultDescription string `json:"defaultDescription"`
	MinWithdrawable    int64  `json:"minWithdrawable"`
	MaxWithdrawable    int64  `json:"maxWithdrawable"`
	BalanceCheck       string `json:"balanceCheck"`
	CurrentBalance     *int64 `json:"currentBalance,omitempty"`
}

var (
	errInvalidCode    = apperr.NotFound(apperr.CodeInvalidCode, "Invalid withdrawal code.")
	errNoFunds        = apperr.Validation(apperr.CodeNoFunds, "No funds available.")
	errInvalidRequest = apperr.Validation(apperr.CodeInvalidRequest, "Invalid request.")
	errMissingPR      = apperr.Validation(apperr.CodeMissingParam, "Missing parameter pr.")
	errInvalidAmount  = apperr.Validation(apperr.CodeInvalidAmount, "Invalid amount.")
	errInFlight       = apperr.Validation(apperr.CodeInvalidRequest, "A withdrawal is already in progress.")
	errBalanceChanged = apperr.Validation(apperr.CodeInvalidRequest, "Balance changed, request a new withdrawal.")
)

type Coordinator struct {
	ledger     Ledger
	node       Node
	challenges ChallengeStore
	domain     string
	domainURL  string
	logger     zerolog.Logger
	newK1      func() (string, error)

	retryMin time.Duration
	retryMax time.Duration
	sleep    func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

func NewCoordinator(store Ledger, node Node, challenges ChallengeStore, domain, domainURL string, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		ledger:     store,
		node:       node,
		challenges: challenges,
		domain:     domain,
		domainURL:  domainURL,
		logger:     logger,
		newK1:      newK1,
		retryMin:   time.Second,
		retryMax:   30 * time.Second,
		sleep:      sleepCtx,
		inFlight:   make(map[string]struct{}),
	}
}

// Initiate issues a fresh k1 bound to code and the user's current balance.
func (c *Coordinator) Initiate(ctx context.Context, code string, balanceCheck bool) (Offer, error) {
	wc, err := c.ledger.GetWithdrawalCode(ctx, code)
	if errors.Is(err, ledger.ErrNotFound) {
		return Offer{}, errInvalidCode
	}
	if err != nil {
		return Offer{}, apperr.Internal(err)
	}
	if c.busy(wc.UserAlias) {
		return Offer{}, errInFlight
	}

	payments, err := c.ledger.ListSettledUnforwarded(ctx, wc.UserAlias)
	if err != nil {
		return Offer{}, apperr.Internal(err)
	}
	total := ledger.Total(payments)
	if total <= 0 {
		return Offer{}, errNoFunds
	}

	k1, err := c.newK1()
	if err != nil {
		return Offer{}, apperr.Internal(err)
	}
	prs := make([]string, 0, len(payments))
	for _, p := range payments {
		prs = append(prs, p.PaymentRequest)
	}
	err = c.challenges.Put(ctx, k1, Challenge{
		Code:            code,
		Alias:           wc.UserAlias,
		PaymentRequests: prs,
		TotalSat:        total,
	})
	if err != nil {
		return Offer{}, apperr.Internal(err)
	}

	base := c.domainURL + "/withdraw/" + url.PathEscape(code)
	offer := Offer{
		Tag:                "withdrawRequest",
		Callback:           base + "/callback",
		K1:                 k1,
		DefaultDescription: "Withdraw Lightning Box for " + ledger.LightningAddress(wc.UserAlias, c.domain),
		MinWithdrawable:    total * 1000,
		MaxWithdrawable:    total * 1000,
		BalanceCheck:       base + "?balanceCheck",
	}
	if balanceCheck {
		offer.CurrentBalance = &total
	}
	return offer, nil
}

// Callback consumes k1 and, when everything checks out, pays pr in the
// background. A nil error means the wallet should be told OK; the payment
// outcome is only logged.
func (c *Coordinator) Callback(ctx context.Context, code, k1, pr string) error {
	if k1 == "" {
		return errInvalidRequest
	}
	ch, ok, err := c.challenges.Take(ctx, k1)
	if err != nil {
		return apperr.Internal(err)
	}
	if !ok || ch.Code != code {
		return errInvalidRequest
	}

	wc, err := c.ledger.GetWithdrawalCode(ctx, code)
	if errors.Is(err, ledger.ErrNotFound) {
		return errInvalidCode
	}
	if err != nil {
		return apperr.Internal(err)
	}

	if pr == "" {
		return errMissingPR
	}

	decoded, err := c.node.DecodePayReq(ctx, pr)
	if err != nil {
		return errInvalidRequest.WithCause(err)
	}
	if decoded.AmountMsat != ch.TotalSat*1000 {
		return errInvalidAmount
	}

	if err := c.reserve(ctx, wc.UserAlias, ch.PaymentRequests); err != nil {
		return err
	}

	log := c.logger.With().Str("user", wc.UserAlias).Str("code", code).Logger()
	c.wg.Add(1)
	go c.forward(context.WithoutCancel(ctx), log, wc.UserAlias, pr, ch)
	return nil
}

// reserve marks alias as having a withdrawal in flight, provided the offered
// payments are all still waiting to be forwarded.
func (c *Coordinator) reserve(ctx context.Context, alias string, prs []string) error {
	c.mu.Lock()
	if _, busy := c.inFlight[alias]; busy {
		c.mu.Unlock()
		return errInFlight
	}
	c.inFlight[alias] = struct{}{}
	c.mu.Unlock()

	open, err := c.ledger.ListSettledUnforwarded(ctx, alias)
	if err != nil {
		c.release(alias)
		return apperr.Internal(err)
	}
	available := make(map[string]struct{}, len(open))
	for _, p := range open {
		available[p.PaymentRequest] = struct{}{}
	}
	for _, pr := range prs {
		if _, ok := available[pr]; !ok {
			c.release(alias)
			return errBalanceChanged
		}
	}
	return nil
}

func (c *Coordinator) release(alias string) {
	c.mu.Lock()
	delete(c.inFlight, alias)
	c.mu.Unlock()
}

func (c *Coordinator) busy(alias string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[alias]
	return ok
}

// forward pays pr and records the offered set as forwarded. The user stays
// in flight until the ledger agrees with the node: released right away when
// the payment fails, held while a paid withdrawal is not yet recorded.
func (c *Coordinator) forward(ctx context.Context, log zerolog.Logger, alias, pr string, ch Challenge) {
	defer c.wg.Done()

	res, err := c.node.SendPaymentSync(ctx, pr)
	if err != nil {
		log.Error().Err(err).Msg("withdrawal payment failed")
		c.release(alias)
		return
	}
	if res.PaymentError != "" {
		log.Warn().Str("payment_error", res.PaymentError).Msg("withdrawal payment failed")
		c.release(alias)
		return
	}

	log = log.With().Str("payment_hash", res.PaymentHash).Logger()
	if c.recordForwarded(ctx, log, alias, pr, ch) {
		c.release(alias)
	}
}

// recordForwarded retries MarkForwarded with capped backoff. It reports
// whether the paid payments are no longer withdrawable.
func (c *Coordinator) recordForwarded(ctx context.Context, log zerolog.Logger, alias, pr string, ch Challenge) bool {
	delay := c.retryMin
	for attempt := 1; ; attempt++ {
		n, err := c.ledger.MarkForwarded(ctx, alias, pr, ch.PaymentRequests)
		if err == nil {
			log.Info().Int("payments", n).Int64("amount_sat", ch.TotalSat).Msg("withdrawal forwarded")
			return true
		}
		if errors.Is(err, ledger.ErrConflict) {
			return c.conflictResolved(ctx, log, alias, ch)
		}

		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("withdrawal paid but not yet marked forwarded")
		if err := c.sleep(ctx, delay); err != nil {
			log.Error().Err(err).Msg("gave up marking paid withdrawal forwarded")
			return false
		}
		delay *= 2
		if delay > c.retryMax {
			delay = c.retryMax
		}
	}
}

// conflictResolved handles a paid set the ledger refused to mark. When none
// of it is still withdrawable, an earlier attempt already committed. Any
// remainder keeps the user held so it cannot be paid twice.
func (c *Coordinator) conflictResolved(ctx context.Context, log zerolog.Logger, alias string, ch Challenge) bool {
	open, err := c.ledger.ListSettledUnforwarded(ctx, alias)
	if err != nil {
		log.Error().Err(err).Msg("paid withdrawal conflicted and balance could not be read, holding user")
		return false
	}
	paid := make(map[string]struct{}, len(ch.PaymentRequests))
	for _, pr := range ch.PaymentRequests {
		paid[pr] = struct{}{}
	}
	for _, p := range open {
		if _, ok := paid[p.PaymentRequest]; ok {
			log.Error().Str("payment_request", p.PaymentRequest).Msg("paid withdrawal conflicted with ledger, holding user")
			return false
		}
	}
	log.Info().Int64("amount_sat", ch.TotalSat).Msg("withdrawal already marked forwarded")
	return true
}

// Wait blocks until background payments have finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// WaitTimeout waits up to d for background payments and returns the users
// still in flight when it gave up, sorted.
func (c *Coordinator) WaitTimeout(d time.Duration) []string {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
	}

	c.mu.Lock()
	pending := make([]string, 0, len(c.inFlight))
	for alias := range c.inFlight {
		pending = append(pending, alias)
	}
	c.mu.Unlock()
	sort.Strings(pending)
	return pending
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
