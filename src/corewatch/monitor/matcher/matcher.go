// Package matcher implements the match-and-detect and confirmation-advance
// routines shared by both chain monitors (spec §4.5): one transaction
// observation always produces the same guarded, idempotent sequence of
// repository writes and outbound events regardless of which monitor saw it.
package matcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/meridianpay/corewatch"
	"github.com/meridianpay/corewatch/metrics"
	"github.com/meridianpay/corewatch/repo"
)

// Deps are the collaborators both monitors drive detection and
// confirmation through.
type Deps struct {
	Payments     repo.PaymentRepository
	Transactions repo.TransactionRepository
	Events       repo.EventRepository
	Metrics      metrics.Metrics
	Log          *zap.Logger
}

// DetectionInput is one observed transaction output paying a specific,
// already-resolved payment (the caller has already done the address-cache
// lookup — this routine is chain-agnostic past that point).
type DetectionInput struct {
	PaymentID     string
	Chain         corewatch.Chain
	TxID          string
	Address       string
	Amount        corewatch.Amount
	Confirmations int
	BlockHeight   *int64
	BlockHash     *string
	Shielded      bool
	Memo          *string
}

// MatchAndDetect records a new transaction observation and, the first time
// it's seen, transitions the payment pending -> detected and emits
// payment.detected. Per spec §4.5, matching is by destination address only:
// amount validation is not part of the core's matching decision, and
// whatever amount actually appeared is recorded unconditionally on the
// transaction for the Payment Service to judge. Redelivery of an
// already-recorded transaction is a no-op, not an error — the
// transaction-repository uniqueness constraint and the payment's status
// guard make this routine safe to call more than once for the same
// observation.
func MatchAndDetect(ctx context.Context, deps Deps, in DetectionInput) (matched bool, err error) {
	payment, err := deps.Payments.FindByID(ctx, in.PaymentID)
	if err != nil {
		return false, err
	}

	if !payment.Status.NonTerminal() {
		// Payment already confirmed/expired/failed: a late or duplicate
		// observation of its paying transaction is simply ignored.
		return false, nil
	}

	tx := &corewatch.BlockchainTransaction{
		ID:            generateID(),
		PaymentID:     in.PaymentID,
		Chain:         in.Chain,
		TxHash:        in.TxID,
		Address:       in.Address,
		Amount:        in.Amount,
		Confirmations: in.Confirmations,
		BlockHeight:   in.BlockHeight,
		BlockHash:     in.BlockHash,
		Shielded:      in.Shielded,
		Memo:          in.Memo,
		DetectedAt:    currentTime(),
	}

	createErr := deps.Transactions.Create(ctx, tx)
	if createErr != nil && createErr != repo.ErrAlreadyExists {
		return false, createErr
	}
	alreadyRecorded := createErr == repo.ErrAlreadyExists

	detectErr := deps.Payments.MarkDetected(ctx, in.PaymentID, in.TxID, in.Confirmations)
	if detectErr != nil {
		if detectErr == repo.ErrInvalidTransition {
			// Either this routine already ran for this payment (the common
			// redelivery case) or another transaction already claimed it;
			// either way there's nothing new to do.
			return alreadyRecorded, nil
		}
		return false, detectErr
	}

	deps.Metrics.RecordPaymentDetected(in.Chain)

	shielded := in.Shielded
	event := &corewatch.Event{
		ID:         generateID(),
		MerchantID: payment.MerchantID,
		PaymentID:  payment.ID,
		Type:       corewatch.EventPaymentDetected,
		Payload: corewatch.EventPayload{
			PaymentID:     payment.ID,
			OrderID:       payment.OrderID,
			TxID:          in.TxID,
			Amount:        in.Amount.String(),
			Confirmations: in.Confirmations,
			IsShielded:    &shielded,
			Timestamp:     currentTime(),
		},
		CreatedAt: currentTime(),
	}
	if in.Memo != nil {
		event.Payload.Memo = *in.Memo
	}
	if err := deps.Events.Create(ctx, event); err != nil {
		return true, err
	}

	return true, nil
}

// AdvanceConfirmation records a new confirmation count for an
// already-detected payment's transaction, and transitions it to confirmed
// once it reaches threshold. A transaction this core isn't tracking, or a
// payment that has already left the detected state, makes this a no-op:
// the sweep that discovers confirmation counts runs continuously and must
// tolerate observing the same transaction long after it stopped mattering.
func AdvanceConfirmation(ctx context.Context, deps Deps, chain corewatch.Chain, txid, address string, confirmations int, blockHeight *int64, blockHash *string, threshold int) error {
	tx, err := deps.Transactions.FindByTxID(ctx, chain, txid, address)
	if err != nil {
		if err == repo.ErrNotFound {
			return nil
		}
		return err
	}

	if err := deps.Transactions.UpdateConfirmations(ctx, tx.ID, confirmations, blockHeight, blockHash); err != nil {
		return err
	}

	payment, err := deps.Payments.FindByID(ctx, tx.PaymentID)
	if err != nil {
		if err == repo.ErrNotFound {
			return nil
		}
		return err
	}
	if payment.Status != corewatch.StatusDetected {
		return nil
	}

	if confirmations < threshold {
		return deps.Payments.SetConfirmations(ctx, payment.ID, confirmations)
	}

	if err := deps.Payments.MarkConfirmed(ctx, payment.ID, confirmations); err != nil {
		if err == repo.ErrInvalidTransition {
			return nil
		}
		return err
	}
	deps.Metrics.RecordPaymentConfirmed(chain)

	event := &corewatch.Event{
		ID:         generateID(),
		MerchantID: payment.MerchantID,
		PaymentID:  payment.ID,
		Type:       corewatch.EventPaymentConfirmed,
		Payload: corewatch.EventPayload{
			PaymentID:     payment.ID,
			OrderID:       payment.OrderID,
			TxID:          txid,
			Confirmations: confirmations,
			Timestamp:     currentTime(),
		},
		CreatedAt: currentTime(),
	}
	return deps.Events.Create(ctx, event)
}

// ExpirePending transitions a pending payment past its ExpiresAt deadline
// to expired and emits payment.expired. Per the core's exclusive ownership
// of expiry (spec §9), a payment already detected is never touched here —
// the guard on PaymentRepository.MarkExpired enforces that independent of
// this check.
func ExpirePending(ctx context.Context, deps Deps, payment *corewatch.Payment, now time.Time) error {
	if payment.Status != corewatch.StatusPending || now.Before(payment.ExpiresAt) {
		return nil
	}

	if err := deps.Payments.MarkExpired(ctx, payment.ID); err != nil {
		if err == repo.ErrInvalidTransition {
			return nil
		}
		return err
	}
	deps.Metrics.RecordPaymentExpired(payment.Chain)

	event := &corewatch.Event{
		ID:         generateID(),
		MerchantID: payment.MerchantID,
		PaymentID:  payment.ID,
		Type:       corewatch.EventPaymentExpired,
		Payload: corewatch.EventPayload{
			PaymentID: payment.ID,
			OrderID:   payment.OrderID,
			Reason:    "expired before any matching transaction was observed",
			Timestamp: now,
		},
		CreatedAt: now,
	}
	return deps.Events.Create(ctx, event)
}

// RollbackDetected reverts a detected payment whose transaction vanished
// before ever confirming back to pending, clearing its transaction link so
// a later re-detection starts clean. Per spec §4.3's reorg procedure, this
// never applies once a payment has reached confirmed — see FailConfirmed
// for that case. A payment no longer in detected status (already rolled
// back, or moved on by another path) makes this a no-op.
func RollbackDetected(ctx context.Context, deps Deps, paymentID string) error {
	if err := deps.Payments.ResetToPending(ctx, paymentID); err != nil {
		if err == repo.ErrInvalidTransition {
			return nil
		}
		return err
	}
	return nil
}

// FailConfirmed transitions an already-confirmed payment to failed and
// emits payment.failed, for spec §4.3's reorg procedure when a confirmed
// payment's transaction is later found to have vanished: the core never
// silently reverts a payment it already told the outside world had
// confirmed, so it fails outright instead.
func FailConfirmed(ctx context.Context, deps Deps, payment *corewatch.Payment, txid string) error {
	if err := deps.Payments.MarkFailed(ctx, payment.ID); err != nil {
		if err == repo.ErrInvalidTransition {
			return nil
		}
		return err
	}
	deps.Metrics.RecordPaymentFailed(payment.Chain)

	event := &corewatch.Event{
		ID:         generateID(),
		MerchantID: payment.MerchantID,
		PaymentID:  payment.ID,
		Type:       corewatch.EventPaymentFailed,
		Payload: corewatch.EventPayload{
			PaymentID: payment.ID,
			OrderID:   payment.OrderID,
			TxID:      txid,
			Reason:    "confirmed transaction no longer reported by the node; treated as reorged out",
			Timestamp: currentTime(),
		},
		CreatedAt: currentTime(),
	}
	return deps.Events.Create(ctx, event)
}
