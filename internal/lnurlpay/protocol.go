// Package lnurlpay answers LNURL-pay requests for Lightning Addresses, either
// by relaying them to the recipient's own node over custom messages or by
// issuing a custodial invoice.
package lnurlpay

import (
	"crypto/sha256"
	"encoding/json"

	"github.com/hsjoberg/lightning-box/internal/ledger"
)

// MessageType is the custom message type used for relayed LNURL-pay
// negotiation.
const MessageType uint32 = 32768 + 691

type RequestKind string

const (
	Request1         RequestKind = "LNURLPAY_REQUEST1"
	Request1Response RequestKind = "LNURLPAY_REQUEST1_RESPONSE"
	Request2         RequestKind = "LNURLPAY_REQUEST2"
	Request2Response RequestKind = "LNURLPAY_REQUEST2_RESPONSE"
)

// Message is the JSON payload carried in a custom message.
type Message struct {
	ID       uint64          `json:"id"`
	Request  RequestKind     `json:"request"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata *Metadata       `json:"metadata,omitempty"`
}

type Metadata struct {
	LightningAddress string `json:"lightningAddress"`
}

type Request2Data struct {
	Amount  int64  `json:"amount"`
	Comment string `json:"comment,omitempty"`
}

type PayRequest struct {
	Tag            string `json:"tag"`
	Callback       string `json:"callback"`
	MinSendable    int64  `json:"minSendable"`
	MaxSendable    int64  `json:"maxSendable"`
	Metadata       string `json:"metadata"`
	CommentAllowed int    `json:"commentAllowed"`
}

type InvoiceResponse struct {
	PR            string `json:"pr"`
	SuccessAction any    `json:"successAction"`
	Disposable    bool   `json:"disposable"`
	Routes        []any  `json:"routes"`
}

// metadata builds the LNURL-pay metadata string for username@domain. The
// invoice description hash commits to exactly this string.
func metadata(username, domain string) string {
	addr := ledger.LightningAddress(username, domain)
	b, _ := json.Marshal([][]string{
		{"text/plain", addr + ":  Thank you for the sats!"},
		{"text/identifier", addr},
	})
	return string(b)
}

func descriptionHash(meta string) []byte {
	sum := sha256.Sum256([]byte(meta))
	return sum[:]
}
