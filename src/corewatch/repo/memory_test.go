package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianpay/corewatch"
)

func samplePayment(id string) *corewatch.Payment {
	return &corewatch.Payment{
		ID:             id,
		Chain:          corewatch.ChainBTC,
		Address:        "addr1",
		ExpectedAmount: corewatch.AmountFromSatoshis(100000),
		Status:         corewatch.StatusPending,
		ExpiresAt:      time.Now().Add(time.Hour),
		MerchantID:     "merchant1",
		OrderID:        "order1",
	}
}

func TestPaymentRepository_MarkDetectedRequiresPending(t *testing.T) {
	r := NewMemoryPaymentRepository()
	r.Put(samplePayment("pay1"))

	require.NoError(t, r.MarkDetected(context.Background(), "pay1", "txid1", 0))

	err := r.MarkDetected(context.Background(), "pay1", "txid2", 0)
	require.Error(t, err)
	assert.Equal(t, ErrInvalidTransition, err, "a second detection attempt on an already-detected payment must be rejected, not silently overwrite the txid")
}

func TestPaymentRepository_MarkConfirmedRequiresDetected(t *testing.T) {
	r := NewMemoryPaymentRepository()
	r.Put(samplePayment("pay1"))

	err := r.MarkConfirmed(context.Background(), "pay1", 6)
	require.Error(t, err)
	assert.Equal(t, ErrInvalidTransition, err)
}

func TestPaymentRepository_FullLifecycle(t *testing.T) {
	r := NewMemoryPaymentRepository()
	r.Put(samplePayment("pay1"))

	require.NoError(t, r.MarkDetected(context.Background(), "pay1", "txid1", 1))
	require.NoError(t, r.SetConfirmations(context.Background(), "pay1", 3))
	require.NoError(t, r.MarkConfirmed(context.Background(), "pay1", 6))

	p, err := r.FindByID(context.Background(), "pay1")
	require.NoError(t, err)
	assert.Equal(t, corewatch.StatusConfirmed, p.Status)
	assert.Equal(t, 6, p.Confirmations)
	assert.NotNil(t, p.ConfirmedAt)
}

func TestPaymentRepository_MarkExpiredOnlyFromPending(t *testing.T) {
	r := NewMemoryPaymentRepository()
	r.Put(samplePayment("pay1"))
	require.NoError(t, r.MarkDetected(context.Background(), "pay1", "txid1", 0))

	err := r.MarkExpired(context.Background(), "pay1")
	require.Error(t, err, "a payment already detected must never be expired out from under its transaction")
}

func TestPaymentRepository_FindByAddressIgnoresTerminalPayments(t *testing.T) {
	r := NewMemoryPaymentRepository()
	p := samplePayment("pay1")
	r.Put(p)
	require.NoError(t, r.MarkDetected(context.Background(), "pay1", "txid1", 6))
	require.NoError(t, r.MarkConfirmed(context.Background(), "pay1", 6))

	_, err := r.FindByAddress(context.Background(), corewatch.ChainBTC, "addr1")
	require.Error(t, err, "a confirmed payment's address must not be reported as still-watched")
}

func TestPaymentRepository_ReadsReturnDefensiveCopies(t *testing.T) {
	r := NewMemoryPaymentRepository()
	r.Put(samplePayment("pay1"))

	p, err := r.FindByID(context.Background(), "pay1")
	require.NoError(t, err)
	p.Status = corewatch.StatusConfirmed

	reread, err := r.FindByID(context.Background(), "pay1")
	require.NoError(t, err)
	assert.Equal(t, corewatch.StatusPending, reread.Status, "mutating a returned copy must not affect stored state")
}

func sampleTx(id, txid, addr string) *corewatch.BlockchainTransaction {
	return &corewatch.BlockchainTransaction{
		ID:      id,
		Chain:   corewatch.ChainBTC,
		TxHash:  txid,
		Address: addr,
		Amount:  corewatch.AmountFromSatoshis(100000),
	}
}

func TestTransactionRepository_EnforcesUniquenessConstraint(t *testing.T) {
	r := NewMemoryTransactionRepository()
	require.NoError(t, r.Create(context.Background(), sampleTx("tx1", "txidA", "addr1")))

	err := r.Create(context.Background(), sampleTx("tx2", "txidA", "addr1"))
	require.Error(t, err)
	assert.Equal(t, ErrAlreadyExists, err)
}

func TestTransactionRepository_SameTxDifferentAddressIsDistinct(t *testing.T) {
	r := NewMemoryTransactionRepository()
	require.NoError(t, r.Create(context.Background(), sampleTx("tx1", "txidA", "addr1")))
	require.NoError(t, r.Create(context.Background(), sampleTx("tx2", "txidA", "addr2")))
}

func TestTransactionRepository_FindUnconfirmedRespectsThreshold(t *testing.T) {
	r := NewMemoryTransactionRepository()
	require.NoError(t, r.Create(context.Background(), sampleTx("tx1", "txidA", "addr1")))
	require.NoError(t, r.UpdateConfirmations(context.Background(), "tx1", 6, nil, nil))
	require.NoError(t, r.Create(context.Background(), sampleTx("tx2", "txidB", "addr2")))
	require.NoError(t, r.UpdateConfirmations(context.Background(), "tx2", 2, nil, nil))

	unconfirmed, err := r.FindUnconfirmed(context.Background(), corewatch.ChainBTC, 6)
	require.NoError(t, err)
	require.Len(t, unconfirmed, 1)
	assert.Equal(t, "tx2", unconfirmed[0].ID)
}

func TestEventRepository_AllReturnsInCreationOrder(t *testing.T) {
	r := NewMemoryEventRepository()
	require.NoError(t, r.Create(context.Background(), &corewatch.Event{ID: "e1", Type: corewatch.EventPaymentDetected}))
	require.NoError(t, r.Create(context.Background(), &corewatch.Event{ID: "e2", Type: corewatch.EventPaymentConfirmed}))

	events := r.All()
	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, "e2", events[1].ID)
}
