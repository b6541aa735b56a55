// Package btc extends the corewatch RPC base with the Bitcoin-family node
// surface spec §4.3 drives: raw transaction decode, mempool membership, and
// confirmation counting via getrawtransaction's blockhash/confirmations
// fields, the same calls lnd's bitcoind chain backend polls.
package btc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/meridianpay/corewatch"
	"github.com/meridianpay/corewatch/rpc"
)

// Caller is the subset of *rpc.Client (or *rpc.InstrumentedClient) the
// Bitcoin-family surface needs.
type Caller interface {
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
}

// Client is the Bitcoin-family RPC surface.
type Client struct {
	caller Caller
}

// New wraps caller with the Bitcoin-family method set.
func New(caller Caller) *Client {
	return &Client{caller: caller}
}

// RawTransaction mirrors the fields of bitcoind's getrawtransaction verbose
// response this core actually consumes.
type RawTransaction struct {
	TxID          string       `json:"txid"`
	Hex           string       `json:"hex"`
	BlockHash     string       `json:"blockhash"`
	Confirmations int          `json:"confirmations"`
	VOut          []RawTxOut   `json:"vout"`
}

// RawTxOut is one output of a RawTransaction.
type RawTxOut struct {
	Value        float64      `json:"value"`
	N            int          `json:"n"`
	ScriptPubKey ScriptPubKey `json:"scriptPubKey"`
}

// ScriptPubKey carries the decoded destination address(es) of a RawTxOut.
type ScriptPubKey struct {
	Addresses []string `json:"addresses"`
	Address   string   `json:"address"`
}

// Addresses returns every address this output pays, tolerating both the
// pre- and post-0.20 bitcoind response shapes (plural "addresses" array vs.
// singular "address" string).
func (o RawTxOut) Addresses() []string {
	if o.ScriptPubKey.Address != "" {
		return []string{o.ScriptPubKey.Address}
	}
	return o.ScriptPubKey.Addresses
}

// GetRawTransaction fetches and decodes a transaction by hash, classifying
// "No such mempool or blockchain transaction" as a SemanticRejection per
// spec §4.1/§7 rather than an error worth alerting on.
func (c *Client) GetRawTransaction(ctx context.Context, txid chainhash.Hash) (*RawTransaction, error) {
	raw, err := c.caller.Call(ctx, "getrawtransaction", []interface{}{txid.String(), true})
	if err != nil {
		return nil, err
	}
	var tx RawTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, corewatch.NewPermanentError(corewatch.ErrCodeProtocolFailure, "malformed getrawtransaction response", err)
	}
	return &tx, nil
}

// GetConfirmations reports a transaction's confirmation count. Per spec
// §4.3, 0 confirmations means seen only in the mempool; -1 signals the node
// no longer reports the transaction at all (the caller's reorg heuristic
// counts consecutive -1 results before acting).
func (c *Client) GetConfirmations(ctx context.Context, txid chainhash.Hash) (int, error) {
	tx, err := c.caller.Call(ctx, "getrawtransaction", []interface{}{txid.String(), true})
	if err != nil {
		if corewatch.IsSemanticRejection(err) {
			return -1, nil
		}
		return 0, err
	}
	var decoded RawTransaction
	if jsonErr := json.Unmarshal(tx, &decoded); jsonErr != nil {
		return 0, corewatch.NewPermanentError(corewatch.ErrCodeProtocolFailure, "malformed getrawtransaction response", jsonErr)
	}
	return decoded.Confirmations, nil
}

// MempoolEntry is the subset of getmempoolentry this core consumes.
type MempoolEntry struct {
	Height int64 `json:"height"`
}

// IsInMempool reports whether txid is currently in the node's mempool.
func (c *Client) IsInMempool(ctx context.Context, txid chainhash.Hash) (bool, error) {
	_, err := c.caller.Call(ctx, "getmempoolentry", []interface{}{txid.String()})
	if err != nil {
		if corewatch.IsSemanticRejection(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetRawMempool returns every txid currently in the node's mempool, the
// intake source for new, zero-confirmation payments (spec §4.3 step 1).
func (c *Client) GetRawMempool(ctx context.Context) ([]chainhash.Hash, error) {
	raw, err := c.caller.Call(ctx, "getrawmempool", []interface{}{false})
	if err != nil {
		return nil, err
	}
	var txids []string
	if err := json.Unmarshal(raw, &txids); err != nil {
		return nil, corewatch.NewPermanentError(corewatch.ErrCodeProtocolFailure, "malformed getrawmempool response", err)
	}
	hashes := make([]chainhash.Hash, 0, len(txids))
	for _, s := range txids {
		h, err := chainhash.NewHashFromStr(s)
		if err != nil {
			return nil, corewatch.NewPermanentError(corewatch.ErrCodeProtocolFailure, fmt.Sprintf("malformed mempool txid %q", s), err)
		}
		hashes = append(hashes, *h)
	}
	return hashes, nil
}

// BlockHeader is the subset of getblockheader this core consumes.
type BlockHeader struct {
	Hash   string `json:"hash"`
	Height int64  `json:"height"`
}

// GetBlockCount returns the node's current chain tip height.
func (c *Client) GetBlockCount(ctx context.Context) (int64, error) {
	raw, err := c.caller.Call(ctx, "getblockcount", nil)
	if err != nil {
		return 0, err
	}
	var height int64
	if err := json.Unmarshal(raw, &height); err != nil {
		return 0, corewatch.NewPermanentError(corewatch.ErrCodeProtocolFailure, "malformed getblockcount response", err)
	}
	return height, nil
}

// GetBlockHash maps a block height to its hash, used for the catch-up scan
// after a restart (spec §4.3 step 5).
func (c *Client) GetBlockHash(ctx context.Context, height int64) (chainhash.Hash, error) {
	raw, err := c.caller.Call(ctx, "getblockhash", []interface{}{height})
	if err != nil {
		return chainhash.Hash{}, err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return chainhash.Hash{}, corewatch.NewPermanentError(corewatch.ErrCodeProtocolFailure, "malformed getblockhash response", err)
	}
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, corewatch.NewPermanentError(corewatch.ErrCodeProtocolFailure, "malformed block hash", err)
	}
	return *h, nil
}

// GetBlockHeader fetches a block's height given its hash, used to resolve
// the block height of a transaction's reported blockhash in the
// confirmation sweep (spec §4.3: "if the record now has block hash/height
// absent, fetch them").
func (c *Client) GetBlockHeader(ctx context.Context, hash chainhash.Hash) (*BlockHeader, error) {
	raw, err := c.caller.Call(ctx, "getblockheader", []interface{}{hash.String(), true})
	if err != nil {
		return nil, err
	}
	var header BlockHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, corewatch.NewPermanentError(corewatch.ErrCodeProtocolFailure, "malformed getblockheader response", err)
	}
	return &header, nil
}

// Block is the subset of getblock verbosity-1 this core consumes: the
// transaction ids contained in the block, for the catch-up scan.
type Block struct {
	Hash   string   `json:"hash"`
	Height int64    `json:"height"`
	Tx     []string `json:"tx"`
}

// GetBlock fetches a block (verbosity 1: txids only, not full transactions).
func (c *Client) GetBlock(ctx context.Context, hash chainhash.Hash) (*Block, error) {
	raw, err := c.caller.Call(ctx, "getblock", []interface{}{hash.String(), 1})
	if err != nil {
		return nil, err
	}
	var block Block
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, corewatch.NewPermanentError(corewatch.ErrCodeProtocolFailure, "malformed getblock response", err)
	}
	return &block, nil
}

// MainNetParams is the network this core validates Bitcoin-family watch
// addresses against. Bitcoin-family forks reuse Bitcoin's address encoding
// with different version bytes (mirroring the Litecoin/Dogecoin/Dash
// parameter sets a wallet-derivation path would define), so a caller running
// against one of those networks supplies its own *chaincfg.Params instead.
var MainNetParams = &chaincfg.MainNetParams

// ValidateAddress reports whether address decodes as a well-formed
// Bitcoin-family address under params, catching malformed watch addresses
// before they are ever registered in the address cache rather than letting
// them silently sit unmatched for the life of the payment.
func ValidateAddress(address string, params *chaincfg.Params) error {
	if _, err := btcutil.DecodeAddress(address, params); err != nil {
		return corewatch.NewPermanentError(corewatch.ErrCodeInvalidParams, fmt.Sprintf("malformed watch address %q", address), err)
	}
	return nil
}
