// Package repo declares the repository collaborator contracts (spec §6):
// persistence for payments, blockchain transactions, and outbound events.
// The core does not prescribe a storage engine; these interfaces are what
// every monitor is built against, with in-memory reference implementations
// for tests and ephemeral deployments.
package repo

import (
	"context"

	"github.com/meridianpay/corewatch"
)

// PaymentRepository persists Payment records and guards every status
// transition against a stale read driving a double transition.
type PaymentRepository interface {
	// FindByID returns a payment by id, or ErrNotFound.
	FindByID(ctx context.Context, id string) (*corewatch.Payment, error)

	// FindByAddress returns the payment watching addr on chain, if any.
	// At most one non-terminal payment may exist per (chain, address).
	FindByAddress(ctx context.Context, chain corewatch.Chain, address string) (*corewatch.Payment, error)

	// FindNonTerminalByChain returns every payment on chain whose status is
	// pending or detected — the set a monitor must watch.
	FindNonTerminalByChain(ctx context.Context, chain corewatch.Chain) ([]*corewatch.Payment, error)

	// MarkDetected transitions a payment from pending to detected, recording
	// its paying txid. The write is guarded on the payment's current status
	// being pending; a payment already detected or beyond returns
	// ErrInvalidTransition rather than silently no-oping, so a caller can
	// tell "already done" (idempotent retry) from "moved on without me"
	// apart by inspecting the current record.
	MarkDetected(ctx context.Context, id string, txid string, confirmations int) error

	// SetConfirmations updates a detected payment's running confirmation
	// count. Guarded on status == detected.
	SetConfirmations(ctx context.Context, id string, confirmations int) error

	// MarkConfirmed transitions a payment from detected to confirmed once
	// its transaction reaches the configured confirmation threshold.
	// Guarded on status == detected.
	MarkConfirmed(ctx context.Context, id string, confirmations int) error

	// MarkExpired transitions a pending payment to expired. Guarded on
	// status == pending: a payment already detected is never expired out
	// from under an in-flight transaction (spec §9 Open Question decision).
	MarkExpired(ctx context.Context, id string) error

	// ResetToPending clears a detected payment's transaction link
	// (confirmations, txid, detected timestamp) and reverts it to pending.
	// Guarded on status == detected: this is the reorg-rollback path (spec
	// §4.3) for a transaction that vanished before it ever confirmed, never
	// applied to a payment that already reached confirmed.
	ResetToPending(ctx context.Context, id string) error

	// MarkFailed transitions a confirmed payment to failed. Guarded on
	// status == confirmed: the reorg-rollback path (spec §4.3) for a
	// transaction that vanished after it had already confirmed, which the
	// core never silently reverts back to pending.
	MarkFailed(ctx context.Context, id string) error
}

// TransactionRepository persists BlockchainTransaction records, one per
// (chain, txid, address) triple.
type TransactionRepository interface {
	// Create inserts a new transaction record. Returns ErrAlreadyExists if
	// one already exists for this (chain, txid, address) — the uniqueness
	// constraint spec §6 requires, making detection idempotent against
	// redelivery from the event stream or a catch-up scan re-observing the
	// same transaction.
	Create(ctx context.Context, tx *corewatch.BlockchainTransaction) error

	// FindByTxID returns the transaction record for (chain, txid, address),
	// or ErrNotFound.
	FindByTxID(ctx context.Context, chain corewatch.Chain, txid string, address string) (*corewatch.BlockchainTransaction, error)

	// FindUnconfirmed returns every transaction on chain below the
	// confirmation threshold, the confirmation sweep's working set.
	FindUnconfirmed(ctx context.Context, chain corewatch.Chain, threshold int) ([]*corewatch.BlockchainTransaction, error)

	// UpdateConfirmations sets a transaction's confirmation count and,
	// once observed, its block height/hash.
	UpdateConfirmations(ctx context.Context, id string, confirmations int, blockHeight *int64, blockHash *string) error

	// Delete removes a transaction record by id. Used by the reorg
	// heuristic (spec §4.3) once a transaction has been missing for enough
	// consecutive polls to be treated as reorged out.
	Delete(ctx context.Context, id string) error
}

// EventRepository persists outbound Event records. The core only creates
// events; delivery is an external collaborator's job.
type EventRepository interface {
	Create(ctx context.Context, event *corewatch.Event) error
}

// Sentinel errors every implementation returns so callers can branch
// without a type assertion into a specific backend.
var (
	ErrNotFound           = corewatch.NewPermanentError(corewatch.ErrCodeNotFound, "record not found", nil)
	ErrAlreadyExists      = corewatch.NewPermanentError(corewatch.ErrCodeAlreadyExists, "record already exists", nil)
	ErrInvalidTransition  = corewatch.NewPermanentError(corewatch.ErrCodeInvalidStatus, "invalid status transition", nil)
)
