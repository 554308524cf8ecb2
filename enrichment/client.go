package enrichment

import (
	"context"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/s25rawlins/mev-burn-indexer/logging"
)

const fetchTimeout = 10 * time.Second

// maxTransactionVersion opts in to versioned (address-table) transactions.
var maxTransactionVersion = uint64(0)

// Error wraps an enrichment failure with its retry classification.
type Error struct {
	Signature string
	Retriable bool
	Err       error
}

func (e *Error) Error() string {
	return "enrichment " + e.Signature + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetriable reports whether the error is a transient enrichment failure.
func IsRetriable(err error) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Retriable
	}
	return false
}

// Client fetches full transaction detail by signature from the JSON-RPC
// service. It does not cache; the sink's conflict gate deduplicates.
type Client struct {
	rpc    *rpc.Client
	logger *logging.ComponentLogger
}

// NewClient creates an enrichment client. The bearer credential is attached
// to every request.
func NewClient(endpoint, token string, logger *logging.ComponentLogger) *Client {
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return &Client{
		rpc:    rpc.NewWithHeaders(endpoint, headers),
		logger: logger,
	}
}

// GetTransaction fetches the full detail for a signature at confirmed
// commitment.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*rpc.GetTransactionResult, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, &Error{Signature: signature, Retriable: false, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	out, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxTransactionVersion,
	})
	if err != nil {
		return nil, &Error{Signature: signature, Retriable: classifyRetriable(err), Err: err}
	}
	return out, nil
}

// classifyRetriable distinguishes transient failures (timeouts, server-side
// errors, a confirmed signature not yet visible to the RPC node) from
// permanent ones (malformed requests and payloads).
func classifyRetriable(err error) bool {
	if errors.Is(err, rpc.ErrNotFound) {
		// A signature streamed at confirmed commitment can reach us before
		// the RPC node serves it; a short retry absorbs the propagation gap.
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code >= 500 || httpErr.Code == 429
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		switch {
		case rpcErr.Code <= -32000 && rpcErr.Code > -32100:
			// Implementation-defined server errors (node behind, unhealthy).
			return true
		case rpcErr.Code == -32603:
			return true
		default:
			return false
		}
	}

	// Anything else is transport-level.
	return true
}
