// Package rpc implements the Chain RPC Client base (spec §4.1): a
// request/reply JSON-RPC client shared by the Bitcoin-family and
// Zcash-family extensions, with sequential request IDs, exponential backoff
// (the delay starts at RetryInitial and doubles before each further retry;
// no upper bound applies to a single delay, only MaxRetries limits the
// total), and error classification that tells a terminal "not found"
// response apart from a retryable transport hiccup.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meridianpay/corewatch"
)

// Transport performs one JSON-RPC HTTP-shaped round trip: POST the request
// body, return the response body. Implementations need not understand
// JSON-RPC framing; Client does that.
type Transport interface {
	Do(ctx context.Context, body []byte) ([]byte, error)
	Close() error
}

// Config governs the retry/backoff policy of a Client, per spec §4.1 and
// §6's enumerated configuration keys.
type Config struct {
	MaxRetries  int           // rpcMaxRetries, default 3
	RetryInitial time.Duration // rpcRetryInitialMs, default 1s
	Timeout     time.Duration // rpcTimeoutMs, default 30s
}

// DefaultConfig returns spec §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		RetryInitial: time.Second,
		Timeout:      30 * time.Second,
	}
}

// Client is the shared JSON-RPC base. Bitcoin-family and Zcash-family
// surfaces embed it and add chain-specific methods on top of Call.
type Client struct {
	transport Transport
	cfg       Config
	log       *zap.Logger
	requestID atomic.Int64
}

// New constructs a Client over the given Transport.
func New(transport Transport, cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{transport: transport, cfg: cfg, log: log}
}

type wireRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wireResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *wireError      `json:"error"`
}

// Call executes one JSON-RPC method call with strictly sequential request
// IDs and the configured retry/backoff policy. It returns the decoded
// `result` field on success, or a classified *corewatch.Error.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	var lastErr error
	backoff := c.cfg.RetryInitial
	attempts := c.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, corewatch.NewTransientError(corewatch.ErrCodeTransportFailure, "context cancelled during backoff", ctx.Err())
			}
			backoff *= 2
		}

		result, err := c.callOnce(ctx, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err

		cwErr, ok := err.(*corewatch.Error)
		if ok && cwErr.Classification == corewatch.SemanticRejection {
			// Terminal per spec §4.1: not-found / bad-params never retried.
			return nil, err
		}
		if attempt < attempts-1 {
			c.log.Warn("rpc call failed, retrying",
				zap.String("method", method),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		}
	}
	return nil, lastErr
}

func (c *Client) callOnce(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.requestID.Add(1)
	reqBody, err := json.Marshal(wireRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, corewatch.NewPermanentError(corewatch.ErrCodeProtocolFailure, "failed to marshal request", err)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	raw, err := c.transport.Do(callCtx, reqBody)
	if err != nil {
		return nil, corewatch.NewTransientError(corewatch.ErrCodeTransportFailure, fmt.Sprintf("transport failure calling %s", method), err)
	}

	var resp wireResponse
	if err := json.Unmarshal(bytes.TrimSpace(raw), &resp); err != nil {
		return nil, corewatch.NewPermanentError(corewatch.ErrCodeProtocolFailure, "malformed RPC response body", err)
	}

	if resp.Error != nil {
		return nil, classifyNodeError(resp.Error.Code, resp.Error.Message)
	}

	return resp.Result, nil
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Node error codes bitcoind/zcashd-family nodes return for conditions spec
// §4.1 requires treated as terminal (never retried).
const (
	nodeErrMethodNotFound  = -32601
	nodeErrInvalidParams   = -32602
	nodeErrInvalidParamter = -8
	nodeErrNoSuchTx        = -5
)

func classifyNodeError(code int, message string) *corewatch.Error {
	switch code {
	case nodeErrMethodNotFound, nodeErrInvalidParams, nodeErrInvalidParamter, nodeErrNoSuchTx:
		return corewatch.NewSemanticRejectionError(corewatch.ErrCodeNodeError, message, nil)
	}
	return corewatch.NewError(corewatch.ErrCodeNodeError, message, corewatch.Transient, nil)
}
