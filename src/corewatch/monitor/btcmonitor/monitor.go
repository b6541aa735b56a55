// Package btcmonitor implements the Bitcoin-Family Monitor (spec §4.3): it
// watches a Bitcoin-family node for new mempool transactions and blocks via
// the Event-Stream Subscriber, falls back to catch-up scanning on startup
// and whenever the subscriber is degraded, sweeps confirmation counts for
// every outstanding transaction, and applies the conservative reorg
// heuristic before ever treating a vanished transaction as gone for good.
package btcmonitor

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.uber.org/zap"

	"github.com/meridianpay/corewatch"
	"github.com/meridianpay/corewatch/cache"
	"github.com/meridianpay/corewatch/cursor"
	"github.com/meridianpay/corewatch/eventstream"
	"github.com/meridianpay/corewatch/monitor/matcher"
	"github.com/meridianpay/corewatch/repo"
	"github.com/meridianpay/corewatch/rpc/btc"
)

// reorgMissThreshold is the number of consecutive "transaction not found"
// observations required before the monitor treats a detected-but-not-yet-
// confirmed transaction as reorged out, per spec §4.3's conservative
// policy: a single missed poll is routine node-side latency, not a reorg.
const reorgMissThreshold = 3

// Config governs one Monitor's timing, per spec §6's configuration keys.
type Config struct {
	Chain                   corewatch.Chain
	ConfirmationThreshold   int
	PollInterval            time.Duration
	CatchUpMaxBlocksPerTick int64
}

// DefaultConfig returns spec §6's documented Bitcoin-family defaults.
func DefaultConfig() Config {
	return Config{
		Chain:                   corewatch.ChainBTC,
		ConfirmationThreshold:   6,
		PollInterval:            10 * time.Second,
		CatchUpMaxBlocksPerTick: 500,
	}
}

// Monitor is the Bitcoin-Family Monitor.
type Monitor struct {
	cfg        Config
	rpcClient  *btc.Client
	subscriber *eventstream.Subscriber
	addrCache  *cache.Cache
	cursors    cursor.Store
	deps       matcher.Deps
	log        *zap.Logger

	missMu    sync.Mutex
	missCount map[string]int // txid -> consecutive "not found" observations
}

// New constructs a Monitor. Call Run to start it.
func New(cfg Config, rpcClient *btc.Client, subscriber *eventstream.Subscriber, addrCache *cache.Cache, cursors cursor.Store, deps matcher.Deps, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		cfg:        cfg,
		rpcClient:  rpcClient,
		subscriber: subscriber,
		addrCache:  addrCache,
		cursors:    cursors,
		deps:       deps,
		log:        log,
		missCount:  make(map[string]int),
	}
}

// Run starts the monitor's independent concurrent activities — event-stream
// intake, the confirmation/reconciliation sweep, and address-cache refresh
// — and blocks until ctx is cancelled. The periodic sweep runs on its own
// goroutine, but a sweep triggered by a hashblock notification runs on the
// subscriber's delivery goroutine, so further intake waits until that
// sweep finishes.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.catchUp(ctx); err != nil {
		return corewatch.NewFatalError("ERR_STARTUP_CATCHUP_FAILED", "bitcoin-family monitor catch-up scan failed", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		if err := m.subscriber.Run(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("event stream subscriber exited", zap.Error(err))
		}
	}()

	go func() {
		defer wg.Done()
		m.addrCache.Run(ctx)
	}()

	go func() {
		defer wg.Done()
		m.reconciliationLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

// HandleEventStreamMessage is the eventstream.Handler for this monitor's
// subscription: a hashtx notification means a new mempool transaction to
// evaluate for a match, a hashblock notification triggers an immediate
// confirmation sweep instead of waiting for the next poll tick.
func (m *Monitor) HandleEventStreamMessage(ctx context.Context, msg eventstream.Message) {
	switch msg.Topic {
	case eventstream.TopicHashTx:
		txid, err := chainhash.NewHash(reverseBytes(msg.Payload))
		if err != nil {
			m.log.Warn("malformed hashtx payload", zap.Error(err))
			return
		}
		m.handleNewTransaction(ctx, *txid, nil, nil)
	case eventstream.TopicHashBlock:
		m.sweepConfirmations(ctx)
	}
}

// handleNewTransaction evaluates one transaction's outputs against the
// address cache and runs MatchAndDetect for any that match. blockHeight and
// blockHash are non-nil only when this observation comes from the catch-up
// block scan, which already knows which block contains the transaction
// (spec §4.3 match step 4 records block hash/height "if known") — a mempool
// observation via the event stream has neither yet.
func (m *Monitor) handleNewTransaction(ctx context.Context, txid chainhash.Hash, blockHeight *int64, blockHash *string) {
	tx, err := m.rpcClient.GetRawTransaction(ctx, txid)
	if err != nil {
		if !corewatch.IsSemanticRejection(err) {
			m.log.Warn("failed to fetch transaction", zap.String("txid", txid.String()), zap.Error(err))
		}
		return
	}

	for _, out := range tx.VOut {
		for _, addr := range out.Addresses() {
			paymentID, ok := m.addrCache.LookupTransparent(addr)
			if !ok {
				continue
			}
			amount := corewatch.AmountFromSatoshis(int64(out.Value * 1e8))
			_, err := matcher.MatchAndDetect(ctx, m.deps, matcher.DetectionInput{
				PaymentID:     paymentID,
				Chain:         m.cfg.Chain,
				TxID:          tx.TxID,
				Address:       addr,
				Amount:        amount,
				Confirmations: tx.Confirmations,
				BlockHeight:   blockHeight,
				BlockHash:     blockHash,
			})
			if err != nil {
				m.log.Error("match and detect failed", zap.String("txid", tx.TxID), zap.Error(err))
			}
		}
	}
}

// sweepConfirmations advances every tracked, unconfirmed transaction's
// confirmation count and applies the reorg heuristic to transactions the
// node no longer reports.
func (m *Monitor) sweepConfirmations(ctx context.Context) {
	unconfirmed, err := m.deps.Transactions.FindUnconfirmed(ctx, m.cfg.Chain, m.cfg.ConfirmationThreshold)
	if err != nil {
		m.log.Error("failed to list unconfirmed transactions", zap.Error(err))
		return
	}

	for _, tx := range unconfirmed {
		txid, err := chainhash.NewHashFromStr(tx.TxHash)
		if err != nil {
			m.log.Error("stored transaction hash is malformed", zap.String("txid", tx.TxHash), zap.Error(err))
			continue
		}

		confirmations, err := m.rpcClient.GetConfirmations(ctx, *txid)
		if err != nil {
			m.log.Warn("failed to fetch confirmations", zap.String("txid", tx.TxHash), zap.Error(err))
			continue
		}

		if confirmations == -1 {
			m.recordMiss(ctx, tx)
			continue
		}
		m.clearMiss(tx.TxHash)

		blockHeight, blockHash := tx.BlockHeight, tx.BlockHash
		if confirmations > 0 && blockHeight == nil {
			blockHeight, blockHash = m.resolveBlockInfo(ctx, *txid)
		}

		if err := matcher.AdvanceConfirmation(ctx, m.deps, m.cfg.Chain, tx.TxHash, tx.Address, confirmations, blockHeight, blockHash, m.cfg.ConfirmationThreshold); err != nil {
			m.log.Error("failed to advance confirmation", zap.String("txid", tx.TxHash), zap.Error(err))
		}
	}
}

// resolveBlockInfo fetches the block height/hash of a confirmed transaction
// the stored record doesn't have them for yet. Per spec §4.3's confirmation
// update step, a record reaching confirmed must end up with both set; a
// failure here is logged and treated as still-unknown rather than aborting
// the confirmation update, since another sweep will retry it.
func (m *Monitor) resolveBlockInfo(ctx context.Context, txid chainhash.Hash) (*int64, *string) {
	raw, err := m.rpcClient.GetRawTransaction(ctx, txid)
	if err != nil || raw.BlockHash == "" {
		if err != nil {
			m.log.Warn("failed to fetch transaction for block info", zap.String("txid", txid.String()), zap.Error(err))
		}
		return nil, nil
	}
	hash, err := chainhash.NewHashFromStr(raw.BlockHash)
	if err != nil {
		m.log.Error("malformed block hash in getrawtransaction response", zap.String("txid", txid.String()), zap.Error(err))
		return nil, nil
	}
	header, err := m.rpcClient.GetBlockHeader(ctx, *hash)
	if err != nil {
		m.log.Warn("failed to fetch block header", zap.String("blockhash", raw.BlockHash), zap.Error(err))
		return nil, nil
	}
	height := header.Height
	blockHash := raw.BlockHash
	return &height, &blockHash
}

// recordMiss counts one more consecutive "transaction not found" reading
// for tx. Per spec §4.3, a transaction is only treated as reorged out after
// reorgMissThreshold consecutive misses — a single missed poll is routine
// node latency, not evidence the transaction vanished. Once the threshold
// is reached, the rollback is actually applied and the miss count cleared.
func (m *Monitor) recordMiss(ctx context.Context, tx *corewatch.BlockchainTransaction) {
	m.missMu.Lock()
	m.missCount[tx.TxHash]++
	count := m.missCount[tx.TxHash]
	m.missMu.Unlock()

	if count < reorgMissThreshold {
		return
	}

	m.log.Warn("transaction missing for consecutive polls, treating as reorged",
		zap.String("txid", tx.TxHash), zap.Int("consecutive_misses", count))

	if err := m.applyReorgRollback(ctx, tx); err != nil {
		m.log.Error("failed to apply reorg rollback", zap.String("txid", tx.TxHash), zap.Error(err))
		return
	}
	m.clearMiss(tx.TxHash)
}

// applyReorgRollback carries out spec §4.3's reorg procedure for a
// transaction that has vanished for reorgMissThreshold consecutive polls:
// a payment not yet confirmed reverts to pending so it can be re-detected
// from scratch; a payment already confirmed fails outright instead, since
// the core already told the outside world it confirmed. Either way the
// stale transaction record is removed.
func (m *Monitor) applyReorgRollback(ctx context.Context, tx *corewatch.BlockchainTransaction) error {
	payment, err := m.deps.Payments.FindByID(ctx, tx.PaymentID)
	if err != nil {
		if err == repo.ErrNotFound {
			return nil
		}
		return err
	}

	switch payment.Status {
	case corewatch.StatusDetected:
		if err := matcher.RollbackDetected(ctx, m.deps, payment.ID); err != nil {
			return err
		}
	case corewatch.StatusConfirmed:
		if err := matcher.FailConfirmed(ctx, m.deps, payment, tx.TxHash); err != nil {
			return err
		}
	}

	return m.deps.Transactions.Delete(ctx, tx.ID)
}

func (m *Monitor) clearMiss(txid string) {
	m.missMu.Lock()
	defer m.missMu.Unlock()
	delete(m.missCount, txid)
}

// reconciliationLoop periodically sweeps confirmations (in case the event
// stream is degraded or a hashblock notification was dropped) and expires
// payments past their deadline.
func (m *Monitor) reconciliationLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.subscriber != nil {
				degraded := m.subscriber.Degraded()
				m.deps.Metrics.SetEventStreamDegraded(m.cfg.Chain, degraded)
				if degraded {
					if err := m.catchUp(ctx); err != nil {
						m.log.Warn("degraded-mode catch-up scan failed", zap.Error(err))
					}
				}
			}
			m.sweepConfirmations(ctx)
			m.expirePending(ctx)
		}
	}
}

func (m *Monitor) expirePending(ctx context.Context) {
	payments, err := m.deps.Payments.FindNonTerminalByChain(ctx, m.cfg.Chain)
	if err != nil {
		m.log.Error("failed to list non-terminal payments for expiry check", zap.Error(err))
		return
	}
	now := time.Now()
	for _, p := range payments {
		if err := matcher.ExpirePending(ctx, m.deps, p, now); err != nil {
			m.log.Error("failed to expire payment", zap.String("payment_id", p.ID), zap.Error(err))
		}
	}
}

// catchUp scans every block since the persisted cursor up to the chain tip
// (bounded per tick so a long outage doesn't stall startup indefinitely),
// and scans the current mempool, before Run starts live intake. This is
// what makes a restart resume instead of silently missing whatever
// happened while the process was down.
func (m *Monitor) catchUp(ctx context.Context) error {
	tip, err := m.rpcClient.GetBlockCount(ctx)
	if err != nil {
		return err
	}

	start, found, err := m.cursors.GetCursor(ctx, m.cfg.Chain)
	if err != nil {
		return err
	}
	if !found {
		start = tip
		if err := m.cursors.SetCursor(ctx, m.cfg.Chain, tip); err != nil {
			return err
		}
	}

	end := tip
	if m.cfg.CatchUpMaxBlocksPerTick > 0 && end-start > m.cfg.CatchUpMaxBlocksPerTick {
		end = start + m.cfg.CatchUpMaxBlocksPerTick
	}

	for height := start + 1; height <= end; height++ {
		hash, err := m.rpcClient.GetBlockHash(ctx, height)
		if err != nil {
			return err
		}
		block, err := m.rpcClient.GetBlock(ctx, hash)
		if err != nil {
			return err
		}
		blockHeight := height
		blockHash := hash.String()
		for _, txidStr := range block.Tx {
			txid, err := chainhash.NewHashFromStr(txidStr)
			if err != nil {
				continue
			}
			m.handleNewTransaction(ctx, *txid, &blockHeight, &blockHash)
		}
		if err := m.cursors.SetCursor(ctx, m.cfg.Chain, height); err != nil {
			return err
		}
	}

	mempool, err := m.rpcClient.GetRawMempool(ctx)
	if err != nil {
		return err
	}
	for _, txid := range mempool {
		m.handleNewTransaction(ctx, txid, nil, nil)
	}

	return nil
}

// reverseBytes returns a reversed copy of b. bitcoind's ZMQ hashtx/hashblock
// payloads carry the hash in display (RPC hex) byte order, while
// chainhash.Hash stores the internal (little-endian) order.
func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
