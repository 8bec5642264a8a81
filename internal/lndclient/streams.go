package lndclient

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/lightningnetwork/lnd/lnrpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// InvoiceEvent is one update from the invoice subscription.
type InvoiceEvent struct {
	PaymentRequest string
	Settled        bool
	AmountPaidSat  int64
	SettleIndex    uint64
}

// CustomMessage is a peer-to-peer message received from a connected peer.
type CustomMessage struct {
	Peer string
	Type uint32
	Data []byte
}

// SubscribeInvoices streams invoice updates, replaying settlements after
// settleIndex. Both channels are closed when the stream ends; the error
// channel carries the reason.
func (c *Client) SubscribeInvoices(ctx context.Context, settleIndex uint64) (<-chan InvoiceEvent, <-chan error, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, nil, err
	}

	client := lnrpc.NewLightningClient(conn)
	stream, err := client.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{
		SettleIndex: settleIndex,
	})
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to invoices: %w", err)
	}

	c.logger.Debug().Uint64("settle_index", settleIndex).Msg("invoice subscription opened")

	events := make(chan InvoiceEvent)
	errs := make(chan error, 1)

	go func() {
		defer conn.Close()
		defer close(events)
		defer close(errs)

		for {
			inv, err := stream.Recv()
			if err != nil {
				errs <- recvErr(ctx, err)
				return
			}
			ev := InvoiceEvent{
				PaymentRequest: inv.PaymentRequest,
				Settled:        inv.State == lnrpc.Invoice_SETTLED,
				AmountPaidSat:  inv.AmtPaidSat,
				SettleIndex:    inv.SettleIndex,
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return events, errs, nil
}

// SubscribeCustomMessages streams custom messages from all peers.
func (c *Client) SubscribeCustomMessages(ctx context.Context) (<-chan CustomMessage, <-chan error, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, nil, err
	}

	client := lnrpc.NewLightningClient(conn)
	stream, err := client.SubscribeCustomMessages(ctx, &lnrpc.SubscribeCustomMessagesRequest{})
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to custom messages: %w", err)
	}

	c.logger.Debug().Msg("custom message subscription opened")

	msgs := make(chan CustomMessage)
	errs := make(chan error, 1)

	go func() {
		defer conn.Close()
		defer close(msgs)
		defer close(errs)

		for {
			m, err := stream.Recv()
			if err != nil {
				errs <- recvErr(ctx, err)
				return
			}
			msg := CustomMessage{
				Peer: hex.EncodeToString(m.Peer),
				Type: m.Type,
				Data: m.Data,
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return msgs, errs, nil
}

// recvErr reports our own cancellation as ctx.Err so callers can tell a
// shutdown from a dropped stream.
func recvErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.Canceled {
			return ctx.Err()
		}
	}
	return fmt.Errorf("stream closed: %w", err)
}
