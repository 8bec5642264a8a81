package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hsjoberg/lightning-box/internal/apperr"
	"github.com/hsjoberg/lightning-box/internal/config"
	"github.com/hsjoberg/lightning-box/internal/ledger"
	"github.com/hsjoberg/lightning-box/internal/ledger/ledgertest"
	"github.com/hsjoberg/lightning-box/internal/lndclient"
	"github.com/hsjoberg/lightning-box/internal/lnurlpay"
	"github.com/hsjoberg/lightning-box/internal/users"
	"github.com/hsjoberg/lightning-box/internal/withdraw"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCfg = &config.Config{
	Domain:    "box.example.com",
	DomainURL: "https://box.example.com",
	Server:    config.ServerConfig{Host: "127.0.0.1", Port: 0},
}

type fakePay struct {
	gotUser    string
	gotAmount  int64
	gotComment string
	err        error
}

func (f *fakePay) PayRequest(ctx context.Context, username string) (any, error) {
	f.gotUser = username
	if f.err != nil {
		return nil, f.err
	}
	return map[string]string{"tag": "payRequest"}, nil
}

func (f *fakePay) Invoice(ctx context.Context, username string, amountMsat int64, comment string) (any, error) {
	f.gotUser, f.gotAmount, f.gotComment = username, amountMsat, comment
	if f.err != nil {
		return nil, f.err
	}
	return map[string]string{"pr": "lnbc1"}, nil
}

type fakeUsers struct {
	profile users.Profile
	err     error
	gotMsg  string
}

func (f *fakeUsers) CheckEligibility(ctx context.Context, message, signature string) (*users.Profile, error) {
	f.gotMsg = message
	if f.err != nil {
		return &f.profile, f.err
	}
	return nil, nil
}

func (f *fakeUsers) Register(ctx context.Context, message, signature string) (users.Profile, error) {
	f.gotMsg = message
	return f.profile, f.err
}

func (f *fakeUsers) GetUser(ctx context.Context, message, signature string) (users.Profile, error) {
	return f.profile, f.err
}

type fakeInfo struct{ err error }

func (f fakeInfo) GetInfo(ctx context.Context) (lndclient.NodeInfo, error) {
	return lndclient.NodeInfo{Pubkey: "02node", Alias: "box", BlockHeight: 800000}, f.err
}

func do(t *testing.T, h http.Handler, method, target string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   any
		reason string
	}{
		{"validation", apperr.Validation(apperr.CodeCommentTooLong, "Comment cannot be larger than 144 letters."), 400, "COMMENT_TOO_LONG", "Comment cannot be larger than 144 letters."},
		{"not found", apperr.NotFound(apperr.CodeUnknownRecipient, "The recipient bob@box.example.com does not exist."), 400, "UNKNOWN_RECIPIENT", "The recipient bob@box.example.com does not exist."},
		{"auth", apperr.Auth(apperr.CodeStaleRequest, "Request is either too old or from the future."), 400, "STALE_REQUEST", "Request is either too old or from the future."},
		{"unavailable", apperr.Unavailable(apperr.CodeRecipientUnavailable, "Cannot pay at this time."), 200, nil, "Cannot pay at this time."},
		{"internal", errors.New("database is locked"), 500, nil, "Internal error."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(testCfg, zerolog.Nop(), Deps{Pay: &fakePay{err: tc.err}})
			rec, body := do(t, s.Handler(), http.MethodGet, "/.well-known/lnurlp/alice", nil)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, "ERROR", body["status"])
			assert.Equal(t, tc.code, body["code"])
			assert.Equal(t, tc.reason, body["reason"])
			assert.NotContains(t, rec.Body.String(), "database is locked")
		})
	}
}

func TestPayRoutes(t *testing.T) {
	pay := &fakePay{}
	s := New(testCfg, zerolog.Nop(), Deps{Pay: pay})
	h := s.Handler()

	rec, body := do(t, h, http.MethodGet, "/.well-known/lnurlp/alice", nil)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "payRequest", body["tag"])
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec, body = do(t, h, http.MethodGet, "/lightning-address/alice/send?amount=500000&comment=hi", nil)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "lnbc1", body["pr"])
	assert.Equal(t, int64(500_000), pay.gotAmount)
	assert.Equal(t, "hi", pay.gotComment)

	rec, body = do(t, h, http.MethodGet, "/lightning-address/alice/send", nil)
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "MISSING_PARAM", body["code"])

	rec, body = do(t, h, http.MethodGet, "/lightning-address/alice/send?amount=lots", nil)
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "INVALID_AMOUNT", body["code"])
}

func TestUserRoutes(t *testing.T) {
	profile := users.Profile{Alias: "alice", LightningAddress: "alice@box.example.com", Pubkey: "02aa"}

	t.Run("register", func(t *testing.T) {
		u := &fakeUsers{profile: profile}
		s := New(testCfg, zerolog.Nop(), Deps{Users: u})
		rec, body := do(t, s.Handler(), http.MethodPost, "/user/register", signedRequest{Message: `{"endpoint":"/user/register"}`, Signature: "sig"})
		assert.Equal(t, 200, rec.Code)
		assert.Equal(t, "OK", body["status"])
		assert.Equal(t, "alice@box.example.com", body["user"].(map[string]any)["lightningAddress"])
		assert.Equal(t, `{"endpoint":"/user/register"}`, u.gotMsg)
	})

	t.Run("eligibility with existing user", func(t *testing.T) {
		u := &fakeUsers{profile: profile, err: apperr.Validation(apperr.CodeHasUser, "You have a user already.")}
		s := New(testCfg, zerolog.Nop(), Deps{Users: u})
		rec, body := do(t, s.Handler(), http.MethodPost, "/user/check-eligibility", signedRequest{Message: "{}", Signature: "sig"})
		assert.Equal(t, 400, rec.Code)
		assert.Equal(t, "HAS_USER", body["code"])
		assert.Equal(t, "alice", body["user"].(map[string]any)["alias"])
	})

	t.Run("eligible", func(t *testing.T) {
		s := New(testCfg, zerolog.Nop(), Deps{Users: &fakeUsers{}})
		rec, body := do(t, s.Handler(), http.MethodPost, "/user/check-eligibility", signedRequest{Message: "{}", Signature: "sig"})
		assert.Equal(t, 200, rec.Code)
		assert.Equal(t, map[string]any{"status": "OK"}, body)
	})

	t.Run("bad body", func(t *testing.T) {
		s := New(testCfg, zerolog.Nop(), Deps{Users: &fakeUsers{}})
		req := httptest.NewRequest(http.MethodPost, "/user/get-user", bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, 400, rec.Code)
	})
}

func TestGetInfo(t *testing.T) {
	s := New(testCfg, zerolog.Nop(), Deps{Node: fakeInfo{}})
	rec, body := do(t, s.Handler(), http.MethodGet, "/getInfo", nil)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "02node", body["identityPubkey"])

	s = New(testCfg, zerolog.Nop(), Deps{Node: fakeInfo{err: errors.New("lnd down")}})
	rec, _ = do(t, s.Handler(), http.MethodGet, "/getInfo", nil)
	assert.Equal(t, 500, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := New(testCfg, zerolog.Nop(), Deps{})
	req := httptest.NewRequest(http.MethodOptions, "/.well-known/lnurlp/alice", nil)
	req.Header.Set("Origin", "https://wallet.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

// payNode is a node that is never connected to anyone and pays everything.
type payNode struct {
	invoices int
}

func (n *payNode) IsPeerConnected(ctx context.Context, pubkey string) (bool, error) {
	return false, nil
}

func (n *payNode) AddInvoice(ctx context.Context, amountMsat int64, descriptionHash []byte) (lndclient.CreatedInvoice, error) {
	n.invoices++
	return lndclient.CreatedInvoice{PaymentRequest: "lnbc-box-invoice"}, nil
}

func (n *payNode) DecodePayReq(ctx context.Context, payReq string) (lndclient.DecodedInvoice, error) {
	return lndclient.DecodedInvoice{AmountMsat: 500_000}, nil
}

func (n *payNode) SendPaymentSync(ctx context.Context, pr string) (lndclient.PaymentResult, error) {
	return lndclient.PaymentResult{}, nil
}

func TestCustodialPayAndWithdrawOverHTTP(t *testing.T) {
	ctx := context.Background()
	store := ledgertest.NewSQLite(t)
	ledgertest.SeedUser(t, store, "alice", "02aa")
	require.NoError(t, store.CreateWithdrawalCode(ctx, ledger.WithdrawalCode{Code: "w1", UserAlias: "alice"}))

	node := &payNode{}
	pay := lnurlpay.NewService(store, node, nil, lnurlpay.Options{Domain: testCfg.Domain, DomainURL: testCfg.DomainURL}, zerolog.Nop())
	coord := withdraw.NewCoordinator(store, node, withdraw.NewMemoryChallenges(0), testCfg.Domain, testCfg.DomainURL, zerolog.Nop())
	h := New(testCfg, zerolog.Nop(), Deps{Pay: pay, Withdraw: coord}).Handler()

	rec, body := do(t, h, http.MethodGet, "/withdraw/w1", nil)
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "NO_FUNDS", body["code"])

	rec, body = do(t, h, http.MethodGet, "/lightning-address/alice/send?amount=500000&comment=hi", nil)
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "lnbc-box-invoice", body["pr"])

	_, err := store.MarkSettled(ctx, "lnbc-box-invoice", 500)
	require.NoError(t, err)

	rec, body = do(t, h, http.MethodGet, "/withdraw/w1?balanceCheck", nil)
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "withdrawRequest", body["tag"])
	assert.Equal(t, float64(500_000), body["maxWithdrawable"])
	assert.Equal(t, float64(500), body["currentBalance"])
	k1 := body["k1"].(string)

	rec, body = do(t, h, http.MethodGet, "/withdraw/w1/callback?k1="+k1+"&pr=lnbcwallet", nil)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, map[string]any{"status": "OK"}, body)
	coord.Wait()

	p, err := store.GetPayment(ctx, "lnbc-box-invoice")
	require.NoError(t, err)
	assert.True(t, p.Forwarded)

	rec, body = do(t, h, http.MethodGet, "/withdraw/w1/callback?k1="+k1+"&pr=lnbcwallet", nil)
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", body["code"])
}
