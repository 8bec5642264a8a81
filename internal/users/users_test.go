package users

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/hsjoberg/lightning-box/internal/apperr"
	"github.com/hsjoberg/lightning-box/internal/auth"
	"github.com/hsjoberg/lightning-box/internal/ledger/ledgertest"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPubkey(t *testing.T) string {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return hex.EncodeToString(priv.PubKey().SerializeCompressed())
}

// stubVerifier accepts any message for the configured endpoint and signs it
// as pubkey.
type stubVerifier struct {
	pubkey   string
	endpoint string
	err      error
}

func (v *stubVerifier) Verify(ctx context.Context, endpoint, message, signature string) (auth.Result, error) {
	if v.err != nil {
		return auth.Result{}, v.err
	}
	v.endpoint = endpoint
	var m auth.SignedMessage
	_ = json.Unmarshal([]byte(message), &m)
	return auth.Result{Pubkey: v.pubkey, Message: m}, nil
}

type channels map[string]bool

func (c channels) HasChannelWith(ctx context.Context, pubkey string) (bool, error) {
	return c[pubkey], nil
}

func registerMessage(name string) string {
	b, _ := json.Marshal(map[string]any{"endpoint": EndpointRegister, "data": map[string]string{"name": name}})
	return string(b)
}

func TestValidateAlias(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"ab", "", false},
		{"validname1", "validname1", true},
		{"ValidName1", "validname1", true},
		{"satoshi", "", false},
		{"Satoshi", "", false},
		{"with-dash", "", false},
		{"seventeenchars123", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := ValidateAlias(tc.in)
		if tc.ok {
			require.NoError(t, err, tc.in)
			assert.Equal(t, tc.want, got)
			continue
		}
		assert.Equal(t, apperr.CodeInvalidAlias, apperr.From(err).Code, tc.in)
	}
}

func TestValidatePubkey(t *testing.T) {
	pub := newPubkey(t)
	got, err := ValidatePubkey(pub)
	require.NoError(t, err)
	assert.Equal(t, pub, got)

	for _, bad := range []string{"", "zz", "02aa", "04" + pub[2:], pub + "00"} {
		_, err := ValidatePubkey(bad)
		assert.Error(t, err, bad)
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	store := ledgertest.NewSQLite(t)
	pub := newPubkey(t)
	verifier := &stubVerifier{pubkey: pub}
	svc := NewService(verifier, store, channels{pub: true}, "box.example.com", zerolog.Nop())

	p, err := svc.Register(ctx, registerMessage("Alice1"), "sig")
	require.NoError(t, err)
	assert.Equal(t, EndpointRegister, verifier.endpoint)
	assert.Equal(t, Profile{Alias: "alice1", LightningAddress: "alice1@box.example.com", Pubkey: pub}, p)

	_, err = svc.Register(ctx, registerMessage("another"), "sig")
	assert.ErrorIs(t, err, errHasUser)
}

func TestRegisterRejections(t *testing.T) {
	ctx := context.Background()
	store := ledgertest.NewSQLite(t)
	taken := newPubkey(t)
	ledgertest.SeedUser(t, store, "taken1", taken)

	pub := newPubkey(t)
	lonely := newPubkey(t)

	cases := []struct {
		name   string
		pubkey string
		alias  string
		code   string
	}{
		{"short alias", pub, "ab", apperr.CodeInvalidAlias},
		{"satoshi", pub, "satoshi", apperr.CodeInvalidAlias},
		{"missing alias", pub, "", apperr.CodeInvalidAlias},
		{"alias taken", pub, "TAKEN1", apperr.CodeAliasTaken},
		{"no channel", lonely, "lonely", apperr.CodeNoChannel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := NewService(&stubVerifier{pubkey: tc.pubkey}, store, channels{pub: true}, "box.example.com", zerolog.Nop())
			_, err := svc.Register(ctx, registerMessage(tc.alias), "sig")
			assert.Equal(t, tc.code, apperr.From(err).Code)
		})
	}
}

func TestRegisterPropagatesAuthFailure(t *testing.T) {
	authErr := apperr.Auth(apperr.CodeStaleRequest, "Request is either too old or from the future.")
	svc := NewService(&stubVerifier{err: authErr}, ledgertest.NewSQLite(t), channels{}, "box.example.com", zerolog.Nop())

	_, err := svc.Register(context.Background(), registerMessage("alice"), "sig")
	assert.ErrorIs(t, err, authErr)
}

func TestCheckEligibility(t *testing.T) {
	ctx := context.Background()
	store := ledgertest.NewSQLite(t)
	member := newPubkey(t)
	ledgertest.SeedUser(t, store, "member", member)
	withChannel := newPubkey(t)
	without := newPubkey(t)
	chans := channels{withChannel: true, member: true}

	svc := NewService(&stubVerifier{pubkey: member}, store, chans, "box.example.com", zerolog.Nop())
	p, err := svc.CheckEligibility(ctx, "{}", "sig")
	assert.ErrorIs(t, err, errHasUser)
	require.NotNil(t, p)
	assert.Equal(t, "member@box.example.com", p.LightningAddress)

	svc = NewService(&stubVerifier{pubkey: withChannel}, store, chans, "box.example.com", zerolog.Nop())
	p, err = svc.CheckEligibility(ctx, "{}", "sig")
	require.NoError(t, err)
	assert.Nil(t, p)

	svc = NewService(&stubVerifier{pubkey: without}, store, chans, "box.example.com", zerolog.Nop())
	_, err = svc.CheckEligibility(ctx, "{}", "sig")
	assert.ErrorIs(t, err, errNoChannel)
}

func TestGetUserLooksUpByPubkey(t *testing.T) {
	ctx := context.Background()
	store := ledgertest.NewSQLite(t)
	pub := newPubkey(t)
	ledgertest.SeedUser(t, store, "alice", pub)

	verifier := &stubVerifier{pubkey: pub}
	svc := NewService(verifier, store, channels{}, "box.example.com", zerolog.Nop())
	p, err := svc.GetUser(ctx, "{}", "sig")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Alias)
	assert.Equal(t, EndpointGetUser, verifier.endpoint)

	svc = NewService(&stubVerifier{pubkey: newPubkey(t)}, store, channels{}, "box.example.com", zerolog.Nop())
	_, err = svc.GetUser(ctx, "{}", "sig")
	assert.ErrorIs(t, err, errNoUser)
}

func TestCreateUser(t *testing.T) {
	ctx := context.Background()
	store := ledgertest.NewSQLite(t)
	svc := NewService(nil, store, channels{}, "box.example.com", zerolog.Nop())
	pub := newPubkey(t)

	p, err := svc.CreateUser(ctx, pub, "Hodler")
	require.NoError(t, err)
	assert.Equal(t, "hodler", p.Alias)

	_, err = svc.CreateUser(ctx, newPubkey(t), "hodler")
	assert.Equal(t, apperr.CodeAliasTaken, apperr.From(err).Code)

	_, err = svc.CreateUser(ctx, "02aa", "other1")
	assert.ErrorIs(t, err, errBadPubkey)
}
