package lnurlpay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hsjoberg/lightning-box/internal/apperr"
	"github.com/hsjoberg/lightning-box/internal/lndclient"
	"github.com/hsjoberg/lightning-box/internal/supervisor"

	"github.com/rs/zerolog"
)

const DefaultForwardTimeout = 30 * time.Second

var errRecipientUnavailable = apperr.Unavailable(apperr.CodeRecipientUnavailable, "Recipient is unavailable.")

type PeerMessenger interface {
	SendCustomMessage(ctx context.Context, peerPubkey string, msgType uint32, data []byte) error
	SubscribeCustomMessages(ctx context.Context) (<-chan lndclient.CustomMessage, <-chan error, error)
}

type stopper interface {
	Stop() bool
}

type result struct {
	data json.RawMessage
	err  error
}

// pending is resolved by whichever of the peer response or the timer removes
// it from the table first.
type pending struct {
	pubkey string
	expect RequestKind
	result chan result
	timer  stopper
}

// Forwarder relays LNURL-pay requests to connected peers and correlates
// their responses by id.
type Forwarder struct {
	node      PeerMessenger
	timeout   time.Duration
	logger    zerolog.Logger
	sup       *supervisor.Supervisor
	afterFunc func(d time.Duration, f func()) stopper

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]*pending
}

func NewForwarder(node PeerMessenger, timeout time.Duration, logger zerolog.Logger, opts ...supervisor.Option) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultForwardTimeout
	}
	return &Forwarder{
		node:    node,
		timeout: timeout,
		logger:  logger,
		sup:     supervisor.New("custom-messages", logger, opts...),
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		pending: make(map[uint64]*pending),
	}
}

// Run consumes custom messages until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) {
	f.sup.Run(ctx, func(ctx context.Context, streaming func()) error {
		msgs, errs, err := f.node.SubscribeCustomMessages(ctx)
		if err != nil {
			return err
		}
		streaming()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case m, ok := <-msgs:
				if !ok {
					if err := <-errs; err != nil {
						return err
					}
					return errors.New("custom message stream closed")
				}
				f.handleMessage(m)
			}
		}
	})
}

// Request1 asks the recipient's node for its payRequest.
func (f *Forwarder) Request1(ctx context.Context, pubkey, lightningAddress string) (json.RawMessage, error) {
	return f.forward(ctx, pubkey, Message{
		Request:  Request1,
		Metadata: &Metadata{LightningAddress: lightningAddress},
	}, Request1Response)
}

// Request2 asks the recipient's node for an invoice.
func (f *Forwarder) Request2(ctx context.Context, pubkey, lightningAddress string, amountMsat int64, comment string) (json.RawMessage, error) {
	data, err := json.Marshal(Request2Data{Amount: amountMsat, Comment: comment})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return f.forward(ctx, pubkey, Message{
		Request:  Request2,
		Data:     data,
		Metadata: &Metadata{LightningAddress: lightningAddress},
	}, Request2Response)
}

func (f *Forwarder) forward(ctx context.Context, pubkey string, msg Message, expect RequestKind) (json.RawMessage, error) {
	msg.ID = f.nextID.Add(1)
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	p := &pending{pubkey: pubkey, expect: expect, result: make(chan result, 1)}
	id := msg.ID
	f.mu.Lock()
	f.pending[id] = p
	p.timer = f.afterFunc(f.timeout, func() { f.expire(id) })
	f.mu.Unlock()

	if err := f.node.SendCustomMessage(ctx, pubkey, MessageType, payload); err != nil {
		if f.remove(id) != nil {
			p.timer.Stop()
		}
		return nil, errRecipientUnavailable.WithCause(err)
	}
	f.logger.Debug().Uint64("id", id).Str("request", string(msg.Request)).Str("peer", pubkey).Msg("forwarded lnurl-pay request")

	res := <-p.result
	return res.data, res.err
}

func (f *Forwarder) remove(id uint64) *pending {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[id]
	if !ok {
		return nil
	}
	delete(f.pending, id)
	return p
}

func (f *Forwarder) expire(id uint64) {
	p := f.remove(id)
	if p == nil {
		return
	}
	f.logger.Info().Uint64("id", id).Str("peer", p.pubkey).Msg("lnurl-pay forward timed out")
	p.result <- result{err: errRecipientUnavailable}
}

func (f *Forwarder) handleMessage(m lndclient.CustomMessage) {
	if m.Type != MessageType {
		return
	}
	var msg Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		f.logger.Warn().Err(err).Str("peer", m.Peer).Msg("malformed lnurl-pay message")
		return
	}
	if msg.Request != Request1Response && msg.Request != Request2Response {
		f.logger.Debug().Str("request", string(msg.Request)).Str("peer", m.Peer).Msg("ignoring lnurl-pay message")
		return
	}

	f.mu.Lock()
	p, ok := f.pending[msg.ID]
	if !ok {
		f.mu.Unlock()
		f.logger.Debug().Uint64("id", msg.ID).Str("peer", m.Peer).Msg("discarding late or unknown lnurl-pay response")
		return
	}
	if !strings.EqualFold(p.pubkey, m.Peer) || msg.Request != p.expect {
		f.mu.Unlock()
		f.logger.Warn().Uint64("id", msg.ID).Str("peer", m.Peer).Str("request", string(msg.Request)).Msg("unexpected lnurl-pay response")
		return
	}
	delete(f.pending, msg.ID)
	p.timer.Stop()
	f.mu.Unlock()

	p.result <- result{data: msg.Data}
}

// Pending reports how many requests are waiting for a peer.
func (f *Forwarder) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
