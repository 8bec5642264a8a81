package lndclient

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/hsjoberg/lightning-box/internal/config"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"
)

const maxGRPCMsgSize = 32 * 1024 * 1024

// Client talks to LND over gRPC. Unary calls dial per request; streams keep
// their connection until the stream ends.
type Client struct {
	cfg    config.LNDConfig
	logger zerolog.Logger

	macMu    sync.Mutex
	macaroon string
}

func New(cfg config.LNDConfig, logger zerolog.Logger) *Client {
	return &Client{cfg: cfg, logger: logger}
}

type macaroonCredential struct {
	macaroon string
}

func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.macaroon}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool {
	return true
}

type NodeInfo struct {
	Pubkey        string `json:"identityPubkey"`
	Alias         string `json:"alias"`
	BlockHeight   uint32 `json:"blockHeight"`
	SyncedToChain bool   `json:"syncedToChain"`
	Version       string `json:"version"`
}

type CreatedInvoice struct {
	PaymentRequest string
	PaymentHash    string
}

type DecodedInvoice struct {
	AmountMsat  int64
	Destination string
	PaymentHash string
	Expiry      int64
	Timestamp   int64
}

// PaymentResult mirrors SendPaymentSync. A non-empty PaymentError means the
// node gave up on the payment even though the RPC itself succeeded.
type PaymentResult struct {
	PaymentError string
	PaymentHash  string
}

type ChannelInfo struct {
	ChanID       uint64
	RemotePubkey string
	Active       bool
	CapacitySat  int64
}

// loadMacaroon reads and validates the admin macaroon once.
func (c *Client) loadMacaroon() (string, error) {
	c.macMu.Lock()
	defer c.macMu.Unlock()
	if c.macaroon != "" {
		return c.macaroon, nil
	}

	macBytes, err := os.ReadFile(c.cfg.AdminMacaroonPath)
	if err != nil {
		return "", err
	}
	var mac macaroon.Macaroon
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return "", fmt.Errorf("invalid LND macaroon: %w", err)
	}
	c.macaroon = hex.EncodeToString(macBytes)
	return c.macaroon, nil
}

func (c *Client) dial(ctx context.Context) (*grpc.ClientConn, error) {
	tlsCert, err := os.ReadFile(c.cfg.TLSCertPath)
	if err != nil {
		return nil, err
	}
	certPool := x509.NewCertPool()
	if ok := certPool.AppendCertsFromPEM(tlsCert); !ok {
		return nil, fmt.Errorf("failed to parse LND TLS cert")
	}

	mac, err := c.loadMacaroon()
	if err != nil {
		return nil, err
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(certPool, "")),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxGRPCMsgSize)),
		grpc.WithPerRPCCredentials(macaroonCredential{mac}),
	}

	return grpc.DialContext(ctx, c.cfg.GRPCHost, opts...)
}

func (c *Client) withLightning(ctx context.Context, fn func(lnrpc.LightningClient) error) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(lnrpc.NewLightningClient(conn))
}

func (c *Client) GetInfo(ctx context.Context) (NodeInfo, error) {
	var info NodeInfo
	err := c.withLightning(ctx, func(client lnrpc.LightningClient) error {
		resp, err := client.GetInfo(ctx, &lnrpc.GetInfoRequest{})
		if err != nil {
			return err
		}
		info = NodeInfo{
			Pubkey:        resp.IdentityPubkey,
			Alias:         resp.Alias,
			BlockHeight:   resp.BlockHeight,
			SyncedToChain: resp.SyncedToChain,
			Version:       resp.Version,
		}
		return nil
	})
	return info, err
}

// AddInvoice creates an invoice committing to descriptionHash, as LNURL-pay
// requires.
func (c *Client) AddInvoice(ctx context.Context, amountMsat int64, descriptionHash []byte) (CreatedInvoice, error) {
	if amountMsat <= 0 {
		return CreatedInvoice{}, errors.New("amount must be positive")
	}
	var created CreatedInvoice
	err := c.withLightning(ctx, func(client lnrpc.LightningClient) error {
		resp, err := client.AddInvoice(ctx, &lnrpc.Invoice{
			ValueMsat:       amountMsat,
			DescriptionHash: descriptionHash,
		})
		if err != nil {
			return err
		}
		created = CreatedInvoice{
			PaymentRequest: resp.PaymentRequest,
			PaymentHash:    strings.ToLower(hex.EncodeToString(resp.RHash)),
		}
		return nil
	})
	return created, err
}

func (c *Client) DecodePayReq(ctx context.Context, payReq string) (DecodedInvoice, error) {
	var decoded DecodedInvoice
	err := c.withLightning(ctx, func(client lnrpc.LightningClient) error {
		resp, err := client.DecodePayReq(ctx, &lnrpc.PayReqString{PayReq: payReq})
		if err != nil {
			return err
		}
		amountMsat := resp.NumMsat
		if amountMsat == 0 {
			amountMsat = resp.NumSatoshis * 1000
		}
		decoded = DecodedInvoice{
			AmountMsat:  amountMsat,
			Destination: resp.Destination,
			PaymentHash: resp.PaymentHash,
			Expiry:      resp.Expiry,
			Timestamp:   resp.Timestamp,
		}
		return nil
	})
	return decoded, err
}

func (c *Client) SendPaymentSync(ctx context.Context, paymentRequest string) (PaymentResult, error) {
	var result PaymentResult
	err := c.withLightning(ctx, func(client lnrpc.LightningClient) error {
		resp, err := client.SendPaymentSync(ctx, &lnrpc.SendRequest{PaymentRequest: paymentRequest})
		if err != nil {
			return err
		}
		result = PaymentResult{
			PaymentError: resp.PaymentError,
			PaymentHash:  hex.EncodeToString(resp.PaymentHash),
		}
		return nil
	})
	return result, err
}

// VerifyMessage returns the pubkey recovered from signature. An empty string
// means the signature did not verify.
func (c *Client) VerifyMessage(ctx context.Context, message []byte, signature string) (string, error) {
	var pubkey string
	err := c.withLightning(ctx, func(client lnrpc.LightningClient) error {
		resp, err := client.VerifyMessage(ctx, &lnrpc.VerifyMessageRequest{
			Msg:       message,
			Signature: signature,
		})
		if err != nil {
			return err
		}
		pubkey = strings.TrimSpace(resp.Pubkey)
		return nil
	})
	return pubkey, err
}

func (c *Client) ListPeers(ctx context.Context) ([]string, error) {
	var pubkeys []string
	err := c.withLightning(ctx, func(client lnrpc.LightningClient) error {
		resp, err := client.ListPeers(ctx, &lnrpc.ListPeersRequest{})
		if err != nil {
			return err
		}
		pubkeys = make([]string, 0, len(resp.Peers))
		for _, peer := range resp.Peers {
			pubkeys = append(pubkeys, peer.PubKey)
		}
		return nil
	})
	return pubkeys, err
}

func (c *Client) IsPeerConnected(ctx context.Context, pubkey string) (bool, error) {
	peers, err := c.ListPeers(ctx)
	if err != nil {
		return false, err
	}
	for _, peer := range peers {
		if strings.EqualFold(peer, pubkey) {
			return true, nil
		}
	}
	return false, nil
}

// ListChannels lists channels, optionally only those with peerPubkey.
func (c *Client) ListChannels(ctx context.Context, peerPubkey string) ([]ChannelInfo, error) {
	req := &lnrpc.ListChannelsRequest{}
	if peerPubkey != "" {
		peer, err := hex.DecodeString(peerPubkey)
		if err != nil {
			return nil, fmt.Errorf("invalid peer pubkey: %w", err)
		}
		req.Peer = peer
	}

	var channels []ChannelInfo
	err := c.withLightning(ctx, func(client lnrpc.LightningClient) error {
		resp, err := client.ListChannels(ctx, req)
		if err != nil {
			return err
		}
		channels = make([]ChannelInfo, 0, len(resp.Channels))
		for _, ch := range resp.Channels {
			channels = append(channels, ChannelInfo{
				ChanID:       ch.ChanId,
				RemotePubkey: ch.RemotePubkey,
				Active:       ch.Active,
				CapacitySat:  ch.Capacity,
			})
		}
		return nil
	})
	return channels, err
}

func (c *Client) HasChannelWith(ctx context.Context, pubkey string) (bool, error) {
	channels, err := c.ListChannels(ctx, pubkey)
	if err != nil {
		return false, err
	}
	return len(channels) > 0, nil
}

func (c *Client) SendCustomMessage(ctx context.Context, peerPubkey string, msgType uint32, data []byte) error {
	peer, err := hex.DecodeString(peerPubkey)
	if err != nil {
		return fmt.Errorf("invalid peer pubkey: %w", err)
	}
	return c.withLightning(ctx, func(client lnrpc.LightningClient) error {
		_, err := client.SendCustomMessage(ctx, &lnrpc.SendCustomMessageRequest{
			Peer: peer,
			Type: msgType,
			Data: data,
		})
		return err
	})
}
