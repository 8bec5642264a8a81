// Package users registers Lightning Box accounts for wallets that prove
// control of their node key.
package users

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/hsjoberg/lightning-box/internal/apperr"
	"github.com/hsjoberg/lightning-box/internal/auth"
	"github.com/hsjoberg/lightning-box/internal/ledger"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/rs/zerolog"
)

const (
	EndpointGetUser          = "/user/get-user"
	EndpointCheckEligibility = "/user/check-eligibility"
	EndpointRegister         = "/user/register"
)

var aliasPattern = regexp.MustCompile(`^[a-z0-9]{4,16}$`)

var (
	errNoUser       = apperr.NotFound(apperr.CodeNoUser, "You have no user.")
	errHasUser      = apperr.Validation(apperr.CodeHasUser, "You have a user already.")
	errAliasMissing = apperr.Validation(apperr.CodeInvalidAlias, "Alias missing.")
	errSatoshi      = apperr.Validation(apperr.CodeInvalidAlias, "Nah. Don't claim to be satoshi.")
	errAliasFormat  = apperr.Validation(apperr.CodeInvalidAlias, "Lightning Address must to be alphanumeric and between 4-16 symbols.")
	errNoChannel    = apperr.Validation(apperr.CodeNoChannel, "You need a channel with the Lightning Box service.")
	errBadPubkey    = apperr.Validation(apperr.CodeInvalidRequest, "Invalid node pubkey.")
)

type Verifier interface {
	Verify(ctx context.Context, endpoint, message, signature string) (auth.Result, error)
}

type Ledger interface {
	CreateUser(ctx context.Context, u ledger.User) error
	GetUserByAlias(ctx context.Context, alias string) (ledger.User, error)
	GetUserByPubkey(ctx context.Context, pubkey string) (ledger.User, error)
}

type ChannelChecker interface {
	HasChannelWith(ctx context.Context, pubkey string) (bool, error)
}

type Profile struct {
	Alias            string `json:"alias"`
	LightningAddress string `json:"lightningAddress"`
	Pubkey           string `json:"pubkey"`
}

type Service struct {
	verifier Verifier
	ledger   Ledger
	node     ChannelChecker
	domain   string
	logger   zerolog.Logger
}

func NewService(verifier Verifier, store Ledger, node ChannelChecker, domain string, logger zerolog.Logger) *Service {
	return &Service{verifier: verifier, ledger: store, node: node, domain: domain, logger: logger}
}

func (s *Service) profile(u ledger.User) Profile {
	return Profile{Alias: u.Alias, LightningAddress: ledger.LightningAddress(u.Alias, s.domain), Pubkey: u.Pubkey}
}

// ValidateAlias lowercases alias and checks it may be registered. It does
// not check availability.
func ValidateAlias(alias string) (string, error) {
	if alias == "" {
		return "", errAliasMissing
	}
	alias = strings.ToLower(alias)
	if alias == "satoshi" {
		return "", errSatoshi
	}
	if !aliasPattern.MatchString(alias) {
		return "", errAliasFormat
	}
	return alias, nil
}

// ValidatePubkey checks that pubkey is a hex encoded compressed secp256k1
// point and returns it lowercased.
func ValidatePubkey(pubkey string) (string, error) {
	raw, err := hex.DecodeString(pubkey)
	if err != nil || len(raw) != btcec.PubKeyBytesLenCompressed {
		return "", errBadPubkey
	}
	if _, err := btcec.ParsePubKey(raw); err != nil {
		return "", errBadPubkey.WithCause(err)
	}
	return strings.ToLower(pubkey), nil
}

func (s *Service) existing(ctx context.Context, pubkey string) (*ledger.User, error) {
	u, err := s.ledger.GetUserByPubkey(ctx, pubkey)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &u, nil
}

func (s *Service) requireChannel(ctx context.Context, pubkey string) error {
	ok, err := s.node.HasChannelWith(ctx, pubkey)
	if err != nil {
		return apperr.Internal(err)
	}
	if !ok {
		return errNoChannel
	}
	return nil
}

// GetUser returns the account of the signing node.
func (s *Service) GetUser(ctx context.Context, message, signature string) (Profile, error) {
	res, err := s.verifier.Verify(ctx, EndpointGetUser, message, signature)
	if err != nil {
		return Profile{}, err
	}
	u, err := s.existing(ctx, res.Pubkey)
	if err != nil {
		return Profile{}, err
	}
	if u == nil {
		return Profile{}, errNoUser
	}
	return s.profile(*u), nil
}

// CheckEligibility reports whether the signing node may register. When it
// already has an account, that account is returned with the HAS_USER error.
func (s *Service) CheckEligibility(ctx context.Context, message, signature string) (*Profile, error) {
	res, err := s.verifier.Verify(ctx, EndpointCheckEligibility, message, signature)
	if err != nil {
		return nil, err
	}
	u, err := s.existing(ctx, res.Pubkey)
	if err != nil {
		return nil, err
	}
	if u != nil {
		p := s.profile(*u)
		return &p, errHasUser
	}
	return nil, s.requireChannel(ctx, res.Pubkey)
}

// Register creates an account for the signing node using the alias in the
// signed data's name field.
func (s *Service) Register(ctx context.Context, message, signature string) (Profile, error) {
	res, err := s.verifier.Verify(ctx, EndpointRegister, message, signature)
	if err != nil {
		return Profile{}, err
	}
	u, err := s.existing(ctx, res.Pubkey)
	if err != nil {
		return Profile{}, err
	}
	if u != nil {
		return Profile{}, errHasUser
	}

	alias, err := ValidateAlias(res.Message.DataField("name"))
	if err != nil {
		return Profile{}, err
	}
	if err := s.aliasFree(ctx, alias); err != nil {
		return Profile{}, err
	}
	if err := s.requireChannel(ctx, res.Pubkey); err != nil {
		return Profile{}, err
	}
	pubkey, err := ValidatePubkey(res.Pubkey)
	if err != nil {
		return Profile{}, err
	}
	return s.create(ctx, alias, pubkey)
}

// CreateUser registers an account without signature or channel checks. It
// backs the admin CLI.
func (s *Service) CreateUser(ctx context.Context, pubkey, alias string) (Profile, error) {
	pubkey, err := ValidatePubkey(pubkey)
	if err != nil {
		return Profile{}, err
	}
	alias, err = ValidateAlias(alias)
	if err != nil {
		return Profile{}, err
	}
	if u, err := s.existing(ctx, pubkey); err != nil {
		return Profile{}, err
	} else if u != nil {
		return Profile{}, errHasUser
	}
	if err := s.aliasFree(ctx, alias); err != nil {
		return Profile{}, err
	}
	return s.create(ctx, alias, pubkey)
}

func (s *Service) aliasFree(ctx context.Context, alias string) error {
	_, err := s.ledger.GetUserByAlias(ctx, alias)
	if err == nil {
		return apperr.Validation(apperr.CodeAliasTaken, fmt.Sprintf("Alias %s already in use. Choose another one.", alias))
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return apperr.Internal(err)
	}
	return nil
}

func (s *Service) create(ctx context.Context, alias, pubkey string) (Profile, error) {
	u := ledger.User{Alias: alias, Pubkey: pubkey}
	err := s.ledger.CreateUser(ctx, u)
	if errors.Is(err, ledger.ErrDuplicate) {
		return Profile{}, apperr.Validation(apperr.CodeAliasTaken, "Alias or node already registered.").WithCause(err)
	}
	if err != nil {
		return Profile{}, apperr.Internal(err)
	}
	s.logger.Info().Str("alias", alias).Str("pubkey", pubkey).Msg("user registered")
	return s.profile(u), nil
}
