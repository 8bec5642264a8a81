package lnurlpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/hsjoberg/lightning-box/internal/apperr"
	"github.com/hsjoberg/lightning-box/internal/ledger"
	"github.com/hsjoberg/lightning-box/internal/lndclient"

	"github.com/rs/zerolog"
)

type Ledger interface {
	GetUserByAlias(ctx context.Context, alias string) (ledger.User, error)
	CreatePayment(ctx context.Context, p ledger.Payment) error
}

type Node interface {
	IsPeerConnected(ctx context.Context, pubkey string) (bool, error)
	AddInvoice(ctx context.Context, amountMsat int64, descriptionHash []byte) (lndclient.CreatedInvoice, error)
}

type Relay interface {
	Request1(ctx context.Context, pubkey, lightningAddress string) (json.RawMessage, error)
	Request2(ctx context.Context, pubkey, lightningAddress string, amountMsat int64, comment string) (json.RawMessage, error)
}

type Options struct {
	Domain           string
	DomainURL        string
	DisableCustodial bool
	MinSendableMsat  int64
	MaxSendableMsat  int64
	CommentAllowed   int
}

var errCannotPay = apperr.Unavailable(apperr.CodeRecipientUnavailable, "Cannot pay at this time.")

type Service struct {
	ledger Ledger
	node   Node
	relay  Relay
	opts   Options
	logger zerolog.Logger
}

func NewService(store Ledger, node Node, relay Relay, opts Options, logger zerolog.Logger) *Service {
	if opts.MinSendableMsat <= 0 {
		opts.MinSendableMsat = 1_000
	}
	if opts.MaxSendableMsat <= 0 {
		opts.MaxSendableMsat = 1_000_000 * 1_000
	}
	if opts.CommentAllowed <= 0 {
		opts.CommentAllowed = 144
	}
	return &Service{ledger: store, node: node, relay: relay, opts: opts, logger: logger}
}

func (s *Service) address(username string) string {
	return ledger.LightningAddress(username, s.opts.Domain)
}

func (s *Service) callbackURL(username string) string {
	return s.opts.DomainURL + "/lightning-address/" + url.PathEscape(username) + "/send"
}

func (s *Service) lookup(ctx context.Context, username string) (ledger.User, error) {
	user, err := s.ledger.GetUserByAlias(ctx, username)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.User{}, apperr.NotFound(apperr.CodeUnknownRecipient,
			fmt.Sprintf("The recipient %s does not exist.", s.address(username)))
	}
	if err != nil {
		return ledger.User{}, apperr.Internal(err)
	}
	return user, nil
}

// relayable reports whether the request should go to the user's own node.
// When it should not and custodial payments are disabled, it fails.
func (s *Service) relayable(ctx context.Context, user ledger.User) (bool, error) {
	connected, err := s.node.IsPeerConnected(ctx, user.Pubkey)
	if err != nil {
		s.logger.Warn().Err(err).Str("user", user.Alias).Msg("peer check failed")
		connected = false
	}
	if connected {
		return true, nil
	}
	if s.opts.DisableCustodial {
		return false, errCannotPay
	}
	return false, nil
}

// PayRequest answers the first LNURL-pay step for username.
func (s *Service) PayRequest(ctx context.Context, username string) (any, error) {
	username = strings.ToLower(username)
	user, err := s.lookup(ctx, username)
	if err != nil {
		return nil, err
	}

	relay, err := s.relayable(ctx, user)
	if err != nil {
		return nil, err
	}
	if relay {
		data, err := s.relay.Request1(ctx, user.Pubkey, s.address(username))
		if err != nil {
			return nil, err
		}
		return s.rewriteCallback(data, username)
	}

	return PayRequest{
		Tag:            "payRequest",
		Callback:       s.callbackURL(username),
		MinSendable:    s.opts.MinSendableMsat,
		MaxSendable:    s.opts.MaxSendableMsat,
		Metadata:       metadata(username, s.opts.Domain),
		CommentAllowed: s.opts.CommentAllowed,
	}, nil
}

// rewriteCallback points the peer's payRequest callback at this server so
// the second step is relayed as well.
func (s *Service) rewriteCallback(data json.RawMessage, username string) (json.RawMessage, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, errRecipientUnavailable.WithCause(fmt.Errorf("peer payRequest is not an object"))
	}
	fields["callback"] = s.callbackURL(username)
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

// Invoice answers the LNURL-pay callback for username.
func (s *Service) Invoice(ctx context.Context, username string, amountMsat int64, comment string) (any, error) {
	username = strings.ToLower(username)
	user, err := s.lookup(ctx, username)
	if err != nil {
		return nil, err
	}

	relay, err := s.relayable(ctx, user)
	if err != nil {
		return nil, err
	}
	if relay {
		data, err := s.relay.Request2(ctx, user.Pubkey, s.address(username), amountMsat, comment)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, errRecipientUnavailable
		}
		return data, nil
	}

	if utf8.RuneCountInString(comment) > s.opts.CommentAllowed {
		return nil, apperr.Validation(apperr.CodeCommentTooLong,
			fmt.Sprintf("Comment cannot be larger than %d letters.", s.opts.CommentAllowed))
	}
	if amountMsat < s.opts.MinSendableMsat || amountMsat > s.opts.MaxSendableMsat {
		return nil, apperr.Validation(apperr.CodeInvalidAmount,
			fmt.Sprintf("Amount must be between %d and %d millisatoshis.", s.opts.MinSendableMsat, s.opts.MaxSendableMsat))
	}

	meta := metadata(username, s.opts.Domain)
	inv, err := s.node.AddInvoice(ctx, amountMsat, descriptionHash(meta))
	if err != nil {
		return nil, apperr.Internal(err)
	}

	err = s.ledger.CreatePayment(ctx, ledger.Payment{
		PaymentRequest: inv.PaymentRequest,
		UserAlias:      user.Alias,
		AmountSat:      amountMsat / 1000,
		Comment:        comment,
	})
	if errors.Is(err, ledger.ErrDuplicate) {
		return nil, apperr.Validation(apperr.CodeDuplicate, "Duplicate payment request.").WithCause(err)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}

	s.logger.Info().Str("user", user.Alias).Int64("amount_msat", amountMsat).Msg("custodial invoice issued")
	return InvoiceResponse{
		PR:         inv.PaymentRequest,
		Disposable: true,
		Routes:     []any{},
	}, nil
}
