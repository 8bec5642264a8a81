// Package auth verifies signed, endpoint-bound, timestamped messages and
// recovers the signing node's pubkey.
package auth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hsjoberg/lightning-box/internal/apperr"
)

const DefaultMaxAge = 30 * time.Second

// SignedMessage is the JSON document a wallet signs. Timestamp is unix
// seconds. Nonce is accepted but not tracked.
type SignedMessage struct {
	Nonce     string          `json:"nonce,omitempty"`
	Endpoint  string          `json:"endpoint,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type Result struct {
	Pubkey  string
	Message SignedMessage
}

// MessageVerifier recovers the pubkey that produced signature over message.
type MessageVerifier interface {
	VerifyMessage(ctx context.Context, message []byte, signature string) (string, error)
}

type Verifier struct {
	node   MessageVerifier
	now    func() time.Time
	maxAge time.Duration
}

func NewVerifier(node MessageVerifier) *Verifier {
	return &Verifier{node: node, now: time.Now, maxAge: DefaultMaxAge}
}

var (
	errInvalidSignature = apperr.Auth(apperr.CodeInvalidSignature, "Invalid signature.")
	errEndpointMismatch = apperr.Auth(apperr.CodeEndpointMismatch, "Invalid request.")
	errStaleRequest     = apperr.Auth(apperr.CodeStaleRequest, "Request is either too old or from the future.")
)

// Verify checks that message was signed by a node, is bound to endpoint and
// was produced no more than maxAge ago.
func (v *Verifier) Verify(ctx context.Context, endpoint, message, signature string) (Result, error) {
	if message == "" || signature == "" {
		return Result{}, errInvalidSignature
	}

	pubkey, err := v.node.VerifyMessage(ctx, []byte(message), signature)
	if err != nil {
		return Result{}, errInvalidSignature.WithCause(err)
	}
	if pubkey == "" {
		return Result{}, errInvalidSignature
	}

	var signed SignedMessage
	if err := json.Unmarshal([]byte(message), &signed); err != nil {
		return Result{}, errInvalidSignature.WithCause(err)
	}

	if signed.Endpoint != endpoint {
		return Result{}, errEndpointMismatch
	}

	age := v.now().Unix() - signed.Timestamp
	if age < 0 || age > int64(v.maxAge/time.Second) {
		return Result{}, errStaleRequest
	}

	return Result{Pubkey: pubkey, Message: signed}, nil
}

// DataField returns a string field from the signed data object, or "" when
// it is absent or not a string.
func (m SignedMessage) DataField(name string) string {
	if len(m.Data) == 0 {
		return ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.Data, &fields); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(fields[name], &s); err != nil {
		return ""
	}
	return s
}
