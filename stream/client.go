package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gagliardetto/solana-go"
	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/s25rawlins/mev-burn-indexer/logging"
)

const pingInterval = 30 * time.Second

// Notification is one transaction-bearing update from the subscription.
type Notification struct {
	Signature string
	Slot      uint64
}

// IsAuthError reports whether the failure is a credential rejection, which
// no amount of reconnecting will fix.
func IsAuthError(err error) bool {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return true
	}
	return false
}

// Client holds one live Geyser subscription. It is a pure transport: any
// I/O or protocol failure surfaces as a single error from Next and the
// client never reconnects itself; supervision lives in the ingestion loop.
type Client struct {
	conn   *grpc.ClientConn
	stream pb.Geyser_SubscribeClient
	cancel context.CancelFunc
	logger *logging.ComponentLogger
	pingID int32
}

// Dial opens a TLS connection to the Geyser endpoint, attaches the bearer
// credential as request metadata, and sends the server-side filter for the
// target account at confirmed commitment.
func Dial(ctx context.Context, endpoint, token, targetAccount string, logger *logging.ComponentLogger) (*Client, error) {
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, "x-token", token)

	client := pb.NewGeyserClient(conn)
	st, err := client.Subscribe(streamCtx)
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if err := st.Send(subscribeRequest(targetAccount)); err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("send subscription filter: %w", err)
	}

	c := &Client{
		conn:   conn,
		stream: st,
		cancel: cancel,
		logger: logger,
	}
	go c.pingLoop(streamCtx)

	logger.Info().
		Str("endpoint", endpoint).
		Str("account", targetAccount).
		Msg("Subscribed to transaction stream")

	return c, nil
}

// subscribeRequest names the target account and asks for transaction-bearing
// notifications, including failed transactions, at confirmed commitment.
func subscribeRequest(targetAccount string) *pb.SubscribeRequest {
	vote := false
	failed := true
	return &pb.SubscribeRequest{
		Accounts: map[string]*pb.SubscribeRequestFilterAccounts{
			"target": {Account: []string{targetAccount}},
		},
		Transactions: map[string]*pb.SubscribeRequestFilterTransactions{
			"target": {
				AccountInclude: []string{targetAccount},
				Vote:           &vote,
				Failed:         &failed,
			},
		},
		Commitment: pb.CommitmentLevel_CONFIRMED.Enum(),
	}
}

// Next blocks until the subscription yields a transaction notification.
// Non-transaction updates (account state, pong) are drained here. Any error
// means the stream is gone; the caller decides how to reconnect.
func (c *Client) Next() (Notification, error) {
	for {
		update, err := c.stream.Recv()
		if errors.Is(err, io.EOF) {
			return Notification{}, fmt.Errorf("stream closed by peer: %w", err)
		}
		if err != nil {
			return Notification{}, fmt.Errorf("stream closed: %w", err)
		}

		txUpdate := update.GetTransaction()
		if txUpdate == nil || txUpdate.Transaction == nil {
			continue
		}

		sig, err := solana.SignatureFromBytes(txUpdate.Transaction.Signature)
		if err != nil {
			c.logger.Warn().
				Err(err).
				Uint64("slot", txUpdate.Slot).
				Msg("Notification carried malformed signature")
			continue
		}

		return Notification{
			Signature: sig.String(),
			Slot:      txUpdate.Slot,
		}, nil
	}
}

// pingLoop keeps the subscription from idling out. A send failure here is
// not surfaced: the concurrent Recv observes the same broken stream.
func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pingID++
			if err := c.stream.Send(&pb.SubscribeRequest{
				Ping: &pb.SubscribeRequestPing{Id: c.pingID},
			}); err != nil {
				c.logger.Debug().Err(err).Msg("Keepalive send failed")
				return
			}
		}
	}
}

// Close tears down the subscription and the underlying connection.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close()
}
