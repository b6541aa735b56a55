// Package zec extends the corewatch RPC base with the Zcash-family node
// surface spec §4.4 drives: transparent UTXO listing, shielded receipt
// scanning via z_listreceivedbyaddress, viewing-key import, and the
// memo hex<->text codec shielded notes carry.
package zec

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/meridianpay/corewatch"
)

// Caller is the subset of *rpc.Client (or *rpc.InstrumentedClient) the
// Zcash-family surface needs.
type Caller interface {
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
}

// Client is the Zcash-family RPC surface.
type Client struct {
	caller Caller
}

// New wraps caller with the Zcash-family method set.
func New(caller Caller) *Client {
	return &Client{caller: caller}
}

// mainnetTransparentVersion is the leading base58check byte shared by both
// Zcash mainnet transparent address kinds ("t1" P2PKH and "t3" P2SH each
// carry a two-byte version prefix starting 0x1C, distinguished by their
// second byte). Zcash's transparent layer is a Bitcoin fork sharing
// base58check with different version prefixes; this validates format only,
// never derives or signs.
const mainnetTransparentVersion = 0x1C

// IsTransparentAddress reports whether addr decodes as a well-formed Zcash
// mainnet transparent (t-addr) base58check address.
func IsTransparentAddress(addr string) bool {
	raw, _, err := base58CheckDecode(addr)
	if err != nil || len(raw) < 1 {
		return false
	}
	return raw[0] == mainnetTransparentVersion
}

// IsShieldedAddress reports whether addr looks like a Sapling/Orchard
// shielded address by prefix. The core treats shielded addresses as opaque
// handles resolved through the Wallet Service, never decoding their
// contents directly.
func IsShieldedAddress(addr string) bool {
	return strings.HasPrefix(addr, "zs1") || strings.HasPrefix(addr, "u1")
}

// base58CheckDecode decodes and checksum-verifies s, returning the payload
// (version byte plus body) and its leading version byte. Zcash's two-byte
// address version prefix means callers here only use the leading byte for
// family discrimination, but the checksum still covers the full prefix.
func base58CheckDecode(s string) (payload []byte, version byte, err error) {
	body, version, err := base58.CheckDecode(s)
	if err != nil {
		return nil, 0, fmt.Errorf("corewatch/zec: %w", err)
	}
	return append([]byte{version}, body...), version, nil
}

// UnspentOutput is the subset of listunspent this core consumes for
// transparent-address scanning.
type UnspentOutput struct {
	TxID          string  `json:"txid"`
	Address       string  `json:"address"`
	Amount        float64 `json:"amount"`
	Confirmations int     `json:"confirmations"`
}

// ListUnspent returns unspent transparent outputs paying any of addrs, with
// as few as zero confirmations so mempool-only payments are visible.
func (c *Client) ListUnspent(ctx context.Context, minConf int, addrs []string) ([]UnspentOutput, error) {
	raw, err := c.caller.Call(ctx, "listunspent", []interface{}{minConf, 9999999, addrs})
	if err != nil {
		return nil, err
	}
	var outs []UnspentOutput
	if err := json.Unmarshal(raw, &outs); err != nil {
		return nil, corewatch.NewPermanentError(corewatch.ErrCodeProtocolFailure, "malformed listunspent response", err)
	}
	return outs, nil
}

// ReceivedNote is one entry of z_listreceivedbyaddress: a shielded note
// paying the queried address, decrypted using its imported viewing key.
type ReceivedNote struct {
	TxID          string  `json:"txid"`
	Amount        float64 `json:"amount"`
	Memo          string  `json:"memo"`
	Confirmations int     `json:"confirmations"`
	Change        bool    `json:"change"`
}

// ZListReceivedByAddress lists shielded notes received at a shielded
// address whose viewing key has already been imported into the node.
func (c *Client) ZListReceivedByAddress(ctx context.Context, addr string, minConf int) ([]ReceivedNote, error) {
	raw, err := c.caller.Call(ctx, "z_listreceivedbyaddress", []interface{}{addr, minConf})
	if err != nil {
		return nil, err
	}
	var notes []ReceivedNote
	if err := json.Unmarshal(raw, &notes); err != nil {
		return nil, corewatch.NewPermanentError(corewatch.ErrCodeProtocolFailure, "malformed z_listreceivedbyaddress response", err)
	}
	for i := range notes {
		if !notes[i].Change {
			notes[i].Memo = decodeMemo(notes[i].Memo)
		}
	}
	return notes, nil
}

// ZImportViewingKey imports a shielded viewing key, starting the node's
// rescan at rescanHeight (the address's birthday) rather than the chain
// tip, per the bugfix spec §9 mandates: an import without rescan, or one
// starting at the current tip, misses every note already on chain.
func (c *Client) ZImportViewingKey(ctx context.Context, viewingKey string, rescanHeight int64) error {
	_, err := c.caller.Call(ctx, "z_importviewingkey", []interface{}{viewingKey, "yes", rescanHeight})
	return err
}

// ZValidateAddress reports whether addr is a valid, well-formed address of
// any kind (transparent or shielded) known to the node.
type ValidateAddressResult struct {
	IsValid  bool `json:"isvalid"`
	Type     string `json:"address_type"`
}

func (c *Client) ZValidateAddress(ctx context.Context, addr string) (*ValidateAddressResult, error) {
	raw, err := c.caller.Call(ctx, "z_validateaddress", []interface{}{addr})
	if err != nil {
		return nil, err
	}
	var result ValidateAddressResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, corewatch.NewPermanentError(corewatch.ErrCodeProtocolFailure, "malformed z_validateaddress response", err)
	}
	return &result, nil
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

// GetBlockHash maps a block height to its hash. zcashd is a bitcoind fork
// and answers the same call; used for the transparent-set block scan (spec
// §4.4 poll-tick step 1), the same shape as the Bitcoin-family catch-up.
func (c *Client) GetBlockHash(ctx context.Context, height int64) (string, error) {
	raw, err := c.caller.Call(ctx, "getblockhash", []interface{}{height})
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return "", corewatch.NewPermanentError(corewatch.ErrCodeProtocolFailure, "malformed getblockhash response", err)
	}
	return hash, nil
}

// Block is the subset of getblock verbosity-1 this core consumes: the
// transaction ids contained in the block.
type Block struct {
	Hash   string   `json:"hash"`
	Height int64    `json:"height"`
	Tx     []string `json:"tx"`
}

// GetBlock fetches a block (verbosity 1: txids only, not full transactions).
func (c *Client) GetBlock(ctx context.Context, hash string) (*Block, error) {
	raw, err := c.caller.Call(ctx, "getblock", []interface{}{hash, 1})
	if err != nil {
		return nil, err
	}
	var block Block
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, corewatch.NewPermanentError(corewatch.ErrCodeProtocolFailure, "malformed getblock response", err)
	}
	return &block, nil
}

// GetBlockHeader fetches a block's height given its hash, used to resolve
// the block height of a transaction's reported blockhash when filling in a
// transaction record that doesn't have one yet (spec §4.3/§4.4: "if the
// record now has block hash/height absent, fetch them").
func (c *Client) GetBlockHeader(ctx context.Context, hash string) (int64, error) {
	raw, err := c.caller.Call(ctx, "getblockheader", []interface{}{hash, true})
	if err != nil {
		return 0, err
	}
	var header struct {
		Height int64 `json:"height"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return 0, corewatch.NewPermanentError(corewatch.ErrCodeProtocolFailure, "malformed getblockheader response", err)
	}
	return header.Height, nil
}

// RawTransaction mirrors the fields of getrawtransaction verbose this core
// consumes for the transparent-set block scan: the transparent outputs and
// the confirming block, if any.
type RawTransaction struct {
	TxID          string     `json:"txid"`
	BlockHash     string     `json:"blockhash"`
	Confirmations int        `json:"confirmations"`
	VOut          []RawTxOut `json:"vout"`
}

// RawTxOut is one transparent output of a RawTransaction.
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
// pre- and post-0.20 bitcoind-family response shapes.
func (o RawTxOut) Addresses() []string {
	if o.ScriptPubKey.Address != "" {
		return []string{o.ScriptPubKey.Address}
	}
	return o.ScriptPubKey.Addresses
}

// GetRawTransaction fetches and decodes a transaction by txid, classifying
// "No such mempool or blockchain transaction" as a SemanticRejection rather
// than an error worth alerting on.
func (c *Client) GetRawTransaction(ctx context.Context, txid string) (*RawTransaction, error) {
	raw, err := c.caller.Call(ctx, "getrawtransaction", []interface{}{txid, true})
	if err != nil {
		return nil, err
	}
	var tx RawTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, corewatch.NewPermanentError(corewatch.ErrCodeProtocolFailure, "malformed getrawtransaction response", err)
	}
	return &tx, nil
}

// MaxMemoBytes is the Sapling/Orchard note field size; a memo longer than
// this cannot have come from a real note and is rejected rather than
// silently truncated.
const MaxMemoBytes = 512

// decodeMemo turns a shielded note's hex-encoded 512-byte memo field into
// display text: strips the trailing NUL padding zcashd pads every memo
// with, and falls back to hex (of the bytes left after that stripping) if
// they aren't valid, printable UTF-8 text (binary memo formats exist but
// aren't rendered as-is). Input that isn't valid hex is returned unchanged.
func decodeMemo(hexMemo string) string {
	raw, err := hex.DecodeString(hexMemo)
	if err != nil {
		return hexMemo
	}
	trimmed := strings.TrimRight(string(raw), "\x00")
	if !isPrintableText(trimmed) {
		return hex.EncodeToString([]byte(trimmed))
	}
	return trimmed
}

func isPrintableText(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// ValidateMemoLength rejects a memo whose decoded length would exceed the
// note field's fixed capacity.
func ValidateMemoLength(memo string) error {
	if len(memo) > MaxMemoBytes {
		return corewatch.NewPermanentError(corewatch.ErrCodeMemoTooLong, fmt.Sprintf("memo exceeds %d bytes", MaxMemoBytes), nil)
	}
	return nil
}
