package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianpay/corewatch"
	"github.com/meridianpay/corewatch/metrics"
	"github.com/meridianpay/corewatch/repo"
)

func testDeps() (Deps, *repo.MemoryPaymentRepository, *repo.MemoryTransactionRepository, *repo.MemoryEventRepository) {
	payments := repo.NewMemoryPaymentRepository()
	txs := repo.NewMemoryTransactionRepository()
	events := repo.NewMemoryEventRepository()
	return Deps{Payments: payments, Transactions: txs, Events: events, Metrics: metrics.NoOp{}}, payments, txs, events
}

func pendingPayment(id string, amount corewatch.Amount) *corewatch.Payment {
	return &corewatch.Payment{
		ID:             id,
		Chain:          corewatch.ChainBTC,
		Address:        "addr1",
		ExpectedAmount: amount,
		Status:         corewatch.StatusPending,
		ExpiresAt:      time.Now().Add(time.Hour),
		MerchantID:     "m1",
		OrderID:        "o1",
	}
}

func TestMatchAndDetect_ExactAmountTransitionsToDetected(t *testing.T) {
	deps, payments, _, events := testDeps()
	amount := corewatch.AmountFromSatoshis(100000)
	payments.Put(pendingPayment("pay1", amount))

	matched, err := MatchAndDetect(context.Background(), deps, DetectionInput{
		PaymentID: "pay1", Chain: corewatch.ChainBTC, TxID: "tx1", Address: "addr1", Amount: amount, Confirmations: 0,
	})
	require.NoError(t, err)
	assert.True(t, matched)

	p, err := payments.FindByID(context.Background(), "pay1")
	require.NoError(t, err)
	assert.Equal(t, corewatch.StatusDetected, p.Status)

	require.Len(t, events.All(), 1)
	assert.Equal(t, corewatch.EventPaymentDetected, events.All()[0].Type)
}

func TestMatchAndDetect_MismatchedAmountStillDetectsWithObservedAmountRecorded(t *testing.T) {
	deps, payments, txs, events := testDeps()
	payments.Put(pendingPayment("pay1", corewatch.AmountFromSatoshis(100000)))

	observed := corewatch.AmountFromSatoshis(99999)
	matched, err := MatchAndDetect(context.Background(), deps, DetectionInput{
		PaymentID: "pay1", Chain: corewatch.ChainBTC, TxID: "tx1", Address: "addr1",
		Amount: observed, Confirmations: 0,
	})
	require.NoError(t, err)
	assert.True(t, matched, "amount validation is not part of the core's matching decision")

	p, _ := payments.FindByID(context.Background(), "pay1")
	assert.Equal(t, corewatch.StatusDetected, p.Status)
	require.Len(t, events.All(), 1)
	assert.Equal(t, corewatch.EventPaymentDetected, events.All()[0].Type)

	stored, err := txs.FindByTxID(context.Background(), corewatch.ChainBTC, "tx1", "addr1")
	require.NoError(t, err)
	assert.True(t, stored.Amount.Equal(observed), "the transaction must record whatever amount actually appeared, not the expected amount")
}

func TestMatchAndDetect_IdempotentOnRedelivery(t *testing.T) {
	deps, payments, txs, events := testDeps()
	amount := corewatch.AmountFromSatoshis(100000)
	payments.Put(pendingPayment("pay1", amount))

	in := DetectionInput{PaymentID: "pay1", Chain: corewatch.ChainBTC, TxID: "tx1", Address: "addr1", Amount: amount, Confirmations: 0}
	_, err := MatchAndDetect(context.Background(), deps, in)
	require.NoError(t, err)

	// Redelivered observation of the same transaction.
	matched, err := MatchAndDetect(context.Background(), deps, in)
	require.NoError(t, err)
	assert.True(t, matched, "a redelivered observation of the already-recorded transaction is still reported matched")

	all, err := txs.FindUnconfirmed(context.Background(), corewatch.ChainBTC, 999)
	require.NoError(t, err)
	assert.Len(t, all, 1, "redelivery must not create a second transaction record")
	assert.Len(t, events.All(), 1, "redelivery must not emit a second detected event")
}

func TestMatchAndDetect_IgnoresTerminalPayment(t *testing.T) {
	deps, payments, _, _ := testDeps()
	amount := corewatch.AmountFromSatoshis(100000)
	p := pendingPayment("pay1", amount)
	p.Status = corewatch.StatusConfirmed
	payments.Put(p)

	matched, err := MatchAndDetect(context.Background(), deps, DetectionInput{
		PaymentID: "pay1", Chain: corewatch.ChainBTC, TxID: "tx1", Address: "addr1", Amount: amount,
	})
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestAdvanceConfirmation_ReachesThresholdAndConfirms(t *testing.T) {
	deps, payments, txs, events := testDeps()
	amount := corewatch.AmountFromSatoshis(100000)
	payments.Put(pendingPayment("pay1", amount))
	_, err := MatchAndDetect(context.Background(), deps, DetectionInput{
		PaymentID: "pay1", Chain: corewatch.ChainBTC, TxID: "tx1", Address: "addr1", Amount: amount,
	})
	require.NoError(t, err)

	require.NoError(t, AdvanceConfirmation(context.Background(), deps, corewatch.ChainBTC, "tx1", "addr1", 5, nil, nil, 6))
	p, _ := payments.FindByID(context.Background(), "pay1")
	assert.Equal(t, corewatch.StatusDetected, p.Status, "must stay detected one short of the threshold")
	assert.Equal(t, 5, p.Confirmations)

	require.NoError(t, AdvanceConfirmation(context.Background(), deps, corewatch.ChainBTC, "tx1", "addr1", 6, nil, nil, 6))
	p, _ = payments.FindByID(context.Background(), "pay1")
	assert.Equal(t, corewatch.StatusConfirmed, p.Status)

	confirmedEvents := 0
	for _, e := range events.All() {
		if e.Type == corewatch.EventPaymentConfirmed {
			confirmedEvents++
		}
	}
	assert.Equal(t, 1, confirmedEvents)
	_ = txs
}

func TestAdvanceConfirmation_UnknownTransactionIsNoOp(t *testing.T) {
	deps, _, _, _ := testDeps()
	err := AdvanceConfirmation(context.Background(), deps, corewatch.ChainBTC, "nonexistent", "addr1", 6, nil, nil, 6)
	require.NoError(t, err)
}

func TestExpirePending_OnlyExpiresBeforeDetection(t *testing.T) {
	deps, payments, _, events := testDeps()
	p := pendingPayment("pay1", corewatch.AmountFromSatoshis(1))
	p.ExpiresAt = time.Now().Add(-time.Minute)
	payments.Put(p)

	require.NoError(t, ExpirePending(context.Background(), deps, p, time.Now()))

	stored, _ := payments.FindByID(context.Background(), "pay1")
	assert.Equal(t, corewatch.StatusExpired, stored.Status)
	require.Len(t, events.All(), 1)
	assert.Equal(t, corewatch.EventPaymentExpired, events.All()[0].Type)
}

func TestExpirePending_NeverExpiresDetectedPayment(t *testing.T) {
	deps, payments, _, _ := testDeps()
	amount := corewatch.AmountFromSatoshis(100000)
	p := pendingPayment("pay1", amount)
	p.ExpiresAt = time.Now().Add(-time.Minute)
	payments.Put(p)
	_, err := MatchAndDetect(context.Background(), deps, DetectionInput{
		PaymentID: "pay1", Chain: corewatch.ChainBTC, TxID: "tx1", Address: "addr1", Amount: amount,
	})
	require.NoError(t, err)

	detected, _ := payments.FindByID(context.Background(), "pay1")
	require.NoError(t, ExpirePending(context.Background(), deps, detected, time.Now()))

	stored, _ := payments.FindByID(context.Background(), "pay1")
	assert.Equal(t, corewatch.StatusDetected, stored.Status, "a detected payment must never be expired, even past its deadline")
}

func TestExpirePending_NotYetDueIsNoOp(t *testing.T) {
	deps, payments, _, events := testDeps()
	p := pendingPayment("pay1", corewatch.AmountFromSatoshis(1))
	payments.Put(p)

	require.NoError(t, ExpirePending(context.Background(), deps, p, time.Now()))
	stored, _ := payments.FindByID(context.Background(), "pay1")
	assert.Equal(t, corewatch.StatusPending, stored.Status)
	assert.Empty(t, events.All())
}

func TestRollbackDetected_RevertsToPendingAndClearsLink(t *testing.T) {
	deps, payments, _, _ := testDeps()
	amount := corewatch.AmountFromSatoshis(100000)
	payments.Put(pendingPayment("pay1", amount))
	_, err := MatchAndDetect(context.Background(), deps, DetectionInput{
		PaymentID: "pay1", Chain: corewatch.ChainBTC, TxID: "tx1", Address: "addr1", Amount: amount,
	})
	require.NoError(t, err)

	require.NoError(t, RollbackDetected(context.Background(), deps, "pay1"))

	stored, _ := payments.FindByID(context.Background(), "pay1")
	assert.Equal(t, corewatch.StatusPending, stored.Status)
	assert.Nil(t, stored.TxID)
	assert.Equal(t, 0, stored.Confirmations)
}

func TestRollbackDetected_AlreadyPendingIsNoOp(t *testing.T) {
	deps, payments, _, _ := testDeps()
	payments.Put(pendingPayment("pay1", corewatch.AmountFromSatoshis(1)))

	require.NoError(t, RollbackDetected(context.Background(), deps, "pay1"))

	stored, _ := payments.FindByID(context.Background(), "pay1")
	assert.Equal(t, corewatch.StatusPending, stored.Status)
}

func TestFailConfirmed_TransitionsToFailedAndEmitsEvent(t *testing.T) {
	deps, payments, _, events := testDeps()
	p := pendingPayment("pay1", corewatch.AmountFromSatoshis(1))
	p.Status = corewatch.StatusConfirmed
	payments.Put(p)

	require.NoError(t, FailConfirmed(context.Background(), deps, p, "tx1"))

	stored, _ := payments.FindByID(context.Background(), "pay1")
	assert.Equal(t, corewatch.StatusFailed, stored.Status)

	require.Len(t, events.All(), 1)
	assert.Equal(t, corewatch.EventPaymentFailed, events.All()[0].Type)
	assert.Equal(t, "tx1", events.All()[0].Payload.TxID)
}

func TestFailConfirmed_AlreadyFailedIsNoOp(t *testing.T) {
	deps, payments, _, events := testDeps()
	p := pendingPayment("pay1", corewatch.AmountFromSatoshis(1))
	p.Status = corewatch.StatusFailed
	payments.Put(p)

	require.NoError(t, FailConfirmed(context.Background(), deps, p, "tx1"))

	assert.Empty(t, events.All(), "a payment not actually confirmed must not emit a second payment.failed")
}
