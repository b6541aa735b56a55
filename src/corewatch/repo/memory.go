package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meridianpay/corewatch"
)

// MemoryPaymentRepository is an in-memory PaymentRepository, thread-safe
// and suitable for tests or single-process deployments where no external
// database is configured. Every read returns a defensive copy so a caller
// can never mutate stored state except through the guarded write methods.
type MemoryPaymentRepository struct {
	mu       sync.RWMutex
	payments map[string]*corewatch.Payment
}

// NewMemoryPaymentRepository builds an empty MemoryPaymentRepository.
func NewMemoryPaymentRepository() *MemoryPaymentRepository {
	return &MemoryPaymentRepository{payments: make(map[string]*corewatch.Payment)}
}

// Put inserts or overwrites a payment record directly, bypassing the
// guarded transition methods. Intended for seeding tests and for the
// merchant-facing payment-creation path, which this core does not itself
// implement.
func (r *MemoryPaymentRepository) Put(p *corewatch.Payment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments[p.ID] = copyPayment(p)
}

func (r *MemoryPaymentRepository) FindByID(_ context.Context, id string) (*corewatch.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPayment(p), nil
}

func (r *MemoryPaymentRepository) FindByAddress(_ context.Context, chain corewatch.Chain, address string) (*corewatch.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.payments {
		if p.Chain == chain && p.Address == address && p.Status.NonTerminal() {
			return copyPayment(p), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryPaymentRepository) FindNonTerminalByChain(_ context.Context, chain corewatch.Chain) ([]*corewatch.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*corewatch.Payment
	for _, p := range r.payments {
		if p.Chain == chain && p.Status.NonTerminal() {
			out = append(out, copyPayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryPaymentRepository) MarkDetected(_ context.Context, id string, txid string, confirmations int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != corewatch.StatusPending {
		return ErrInvalidTransition
	}
	now := time.Now()
	p.Status = corewatch.StatusDetected
	p.TxID = &txid
	p.Confirmations = confirmations
	p.DetectedAt = &now
	return nil
}

func (r *MemoryPaymentRepository) SetConfirmations(_ context.Context, id string, confirmations int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != corewatch.StatusDetected {
		return ErrInvalidTransition
	}
	p.Confirmations = confirmations
	return nil
}

func (r *MemoryPaymentRepository) MarkConfirmed(_ context.Context, id string, confirmations int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != corewatch.StatusDetected {
		return ErrInvalidTransition
	}
	now := time.Now()
	p.Status = corewatch.StatusConfirmed
	p.Confirmations = confirmations
	p.ConfirmedAt = &now
	return nil
}

func (r *MemoryPaymentRepository) MarkExpired(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != corewatch.StatusPending {
		return ErrInvalidTransition
	}
	p.Status = corewatch.StatusExpired
	return nil
}

func (r *MemoryPaymentRepository) ResetToPending(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != corewatch.StatusDetected {
		return ErrInvalidTransition
	}
	p.Status = corewatch.StatusPending
	p.TxID = nil
	p.Confirmations = 0
	p.DetectedAt = nil
	return nil
}

func (r *MemoryPaymentRepository) MarkFailed(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != corewatch.StatusConfirmed {
		return ErrInvalidTransition
	}
	p.Status = corewatch.StatusFailed
	return nil
}

func copyPayment(p *corewatch.Payment) *corewatch.Payment {
	cp := *p
	if p.TxID != nil {
		txid := *p.TxID
		cp.TxID = &txid
	}
	if p.DetectedAt != nil {
		t := *p.DetectedAt
		cp.DetectedAt = &t
	}
	if p.ConfirmedAt != nil {
		t := *p.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}

// MemoryTransactionRepository is an in-memory TransactionRepository
// enforcing the (chain, txid, address) uniqueness constraint.
type MemoryTransactionRepository struct {
	mu    sync.RWMutex
	byKey map[txKey]*corewatch.BlockchainTransaction
	byID  map[string]txKey
}

type txKey struct {
	chain   corewatch.Chain
	txid    string
	address string
}

// NewMemoryTransactionRepository builds an empty MemoryTransactionRepository.
func NewMemoryTransactionRepository() *MemoryTransactionRepository {
	return &MemoryTransactionRepository{
		byKey: make(map[txKey]*corewatch.BlockchainTransaction),
		byID:  make(map[string]txKey),
	}
}

func (r *MemoryTransactionRepository) Create(_ context.Context, tx *corewatch.BlockchainTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := txKey{tx.Chain, tx.TxHash, tx.Address}
	if _, exists := r.byKey[key]; exists {
		return ErrAlreadyExists
	}
	stored := copyTransaction(tx)
	r.byKey[key] = stored
	r.byID[tx.ID] = key
	return nil
}

func (r *MemoryTransactionRepository) FindByTxID(_ context.Context, chain corewatch.Chain, txid string, address string) (*corewatch.BlockchainTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.byKey[txKey{chain, txid, address}]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTransaction(tx), nil
}

func (r *MemoryTransactionRepository) FindUnconfirmed(_ context.Context, chain corewatch.Chain, threshold int) ([]*corewatch.BlockchainTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*corewatch.BlockchainTransaction
	for _, tx := range r.byKey {
		if tx.Chain == chain && tx.Confirmations < threshold {
			out = append(out, copyTransaction(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryTransactionRepository) UpdateConfirmations(_ context.Context, id string, confirmations int, blockHeight *int64, blockHash *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	tx := r.byKey[key]
	tx.Confirmations = confirmations
	if blockHeight != nil {
		h := *blockHeight
		tx.BlockHeight = &h
	}
	if blockHash != nil {
		bh := *blockHash
		tx.BlockHash = &bh
	}
	return nil
}

func (r *MemoryTransactionRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.byKey, key)
	delete(r.byID, id)
	return nil
}

func copyTransaction(tx *corewatch.BlockchainTransaction) *corewatch.BlockchainTransaction {
	cp := *tx
	if tx.BlockHeight != nil {
		h := *tx.BlockHeight
		cp.BlockHeight = &h
	}
	if tx.BlockHash != nil {
		bh := *tx.BlockHash
		cp.BlockHash = &bh
	}
	if tx.Memo != nil {
		m := *tx.Memo
		cp.Memo = &m
	}
	if tx.ConfirmedAt != nil {
		t := *tx.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}

// MemoryEventRepository is an in-memory EventRepository, retaining every
// event ever created for inspection in tests.
type MemoryEventRepository struct {
	mu     sync.RWMutex
	events []*corewatch.Event
}

// NewMemoryEventRepository builds an empty MemoryEventRepository.
func NewMemoryEventRepository() *MemoryEventRepository {
	return &MemoryEventRepository{}
}

func (r *MemoryEventRepository) Create(_ context.Context, event *corewatch.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *event
	r.events = append(r.events, &cp)
	return nil
}

// All returns every event created so far, oldest first.
func (r *MemoryEventRepository) All() []*corewatch.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*corewatch.Event, len(r.events))
	copy(out, r.events)
	return out
}
