package btc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianpay/corewatch"
)

type fakeCaller struct {
	results map[string]json.RawMessage
	errs    map[string]error
	calls   []string
}

func (f *fakeCaller) Call(_ context.Context, method string, _ interface{}) (json.RawMessage, error) {
	f.calls = append(f.calls, method)
	if err, ok := f.errs[method]; ok {
		return nil, err
	}
	return f.results[method], nil
}

var zeroHash chainhash.Hash

func TestGetConfirmations_ReturnsMinusOneOnSemanticRejection(t *testing.T) {
	caller := &fakeCaller{
		errs: map[string]error{
			"getrawtransaction": corewatch.NewSemanticRejectionError(corewatch.ErrCodeTxNotFound, "no such transaction", nil),
		},
	}
	c := New(caller)

	confs, err := c.GetConfirmations(context.Background(), zeroHash)
	require.NoError(t, err)
	assert.Equal(t, -1, confs)
}

func TestGetConfirmations_PropagatesRealErrors(t *testing.T) {
	caller := &fakeCaller{
		errs: map[string]error{
			"getrawtransaction": corewatch.NewTransientError(corewatch.ErrCodeTransportFailure, "down", nil),
		},
	}
	c := New(caller)

	_, err := c.GetConfirmations(context.Background(), zeroHash)
	require.Error(t, err)
}

func TestRawTxOut_AddressesHandlesBothResponseShapes(t *testing.T) {
	withArray := RawTxOut{ScriptPubKey: ScriptPubKey{Addresses: []string{"addr1"}}}
	assert.Equal(t, []string{"addr1"}, withArray.Addresses())

	withSingular := RawTxOut{ScriptPubKey: ScriptPubKey{Address: "addr2"}}
	assert.Equal(t, []string{"addr2"}, withSingular.Addresses())
}

func TestIsInMempool(t *testing.T) {
	caller := &fakeCaller{results: map[string]json.RawMessage{"getmempoolentry": []byte(`{"height":1}`)}}
	c := New(caller)

	in, err := c.IsInMempool(context.Background(), zeroHash)
	require.NoError(t, err)
	assert.True(t, in)
}

func TestIsInMempool_NotFoundMeansFalse(t *testing.T) {
	caller := &fakeCaller{errs: map[string]error{
		"getmempoolentry": corewatch.NewSemanticRejectionError(corewatch.ErrCodeNotFound, "not in mempool", nil),
	}}
	c := New(caller)

	in, err := c.IsInMempool(context.Background(), zeroHash)
	require.NoError(t, err)
	assert.False(t, in)
}

func TestValidateAddress_AcceptsWellFormedMainnetAddress(t *testing.T) {
	err := ValidateAddress("1BoatSLRHtKNngkdXEeobR76b53LETtpyT", MainNetParams)
	require.NoError(t, err)
}

func TestValidateAddress_RejectsMalformedAddress(t *testing.T) {
	err := ValidateAddress("not-a-bitcoin-address", MainNetParams)
	require.Error(t, err)
	assert.False(t, corewatch.IsTransient(err))
}

func TestGetBlockHeader_DecodesHeight(t *testing.T) {
	caller := &fakeCaller{results: map[string]json.RawMessage{
		"getblockheader": []byte(`{"hash":"abc","height":800000}`),
	}}
	c := New(caller)

	header, err := c.GetBlockHeader(context.Background(), zeroHash)
	require.NoError(t, err)
	assert.EqualValues(t, 800000, header.Height)
}
