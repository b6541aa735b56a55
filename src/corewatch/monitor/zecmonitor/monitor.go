// Package zecmonitor implements the Zcash-Family Monitor (spec §4.4): a
// pure polling loop over both transparent UTXOs and shielded notes. Unlike
// the Bitcoin-family monitor there is no event-stream push source here —
// the node surface this core depends on (listunspent,
// z_listreceivedbyaddress) has no pub/sub analogue — so one poll timer
// drives every chain activity in sequence, including importing viewing
// keys for newly watched shielded addresses at their birthday height
// rather than the chain tip. Only the address-cache refresh runs on its
// own timer.
package zecmonitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianpay/corewatch"
	"github.com/meridianpay/corewatch/cache"
	"github.com/meridianpay/corewatch/cursor"
	"github.com/meridianpay/corewatch/monitor/matcher"
	"github.com/meridianpay/corewatch/rpc/zec"
	"github.com/meridianpay/corewatch/wallet"
)

// Config governs one Monitor's timing, per spec §6's configuration keys.
type Config struct {
	Chain                 corewatch.Chain
	ConfirmationThreshold int
	PollInterval          time.Duration
	// ViewingKeyRescanLookback bounds how far before a shielded address's
	// reported birthday the rescan is started, guarding against an
	// off-by-one birthday report from the wallet service.
	ViewingKeyRescanLookback int64
	// CatchUpMaxBlocksPerTick bounds the transparent-set block scan so a
	// long outage, or a first run against a node far ahead of the
	// persisted cursor, doesn't stall a single tick indefinitely.
	CatchUpMaxBlocksPerTick int64
}

// DefaultConfig returns spec §6's documented Zcash-family defaults.
func DefaultConfig() Config {
	return Config{
		Chain:                   corewatch.ChainZEC,
		ConfirmationThreshold:   6,
		PollInterval:            15 * time.Second,
		CatchUpMaxBlocksPerTick: 500,
	}
}

// Monitor is the Zcash-Family Monitor.
type Monitor struct {
	cfg       Config
	rpcClient *zec.Client
	addrCache *cache.Cache
	cursors   cursor.Store
	wallet    wallet.Service
	deps      matcher.Deps
	log       *zap.Logger

	importMu sync.Mutex
	imported map[string]bool // shielded address -> viewing key already imported
}

// New constructs a Monitor. Call Run to start it.
func New(cfg Config, rpcClient *zec.Client, addrCache *cache.Cache, cursors cursor.Store, walletSvc wallet.Service, deps matcher.Deps, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		cfg:       cfg,
		rpcClient: rpcClient,
		addrCache: addrCache,
		cursors:   cursors,
		wallet:    walletSvc,
		deps:      deps,
		log:       log,
		imported:  make(map[string]bool),
	}
}

// Run starts the monitor's independent concurrent activities — the poll
// loop and address-cache refresh — and blocks until ctx is cancelled. Per
// spec §4.4 Startup, the transparent-set cursor is caught up to the chain
// tip before steady-state polling begins, the same restart-resume
// guarantee the Bitcoin-family monitor gives: a process restart must not
// silently skip whatever blocks landed while it was down.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.reconcileBlocks(ctx); err != nil {
		return corewatch.NewFatalError("ERR_STARTUP_CATCHUP_FAILED", "zcash-family monitor catch-up scan failed", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		m.addrCache.Run(ctx)
	}()

	go func() {
		defer wg.Done()
		m.pollLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

func (m *Monitor) pollLoop(ctx context.Context) {
	m.tick(ctx)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick is one full poll cycle: import viewing keys for any newly-watched
// shielded address, scan transparent UTXOs, scan shielded notes, reconcile
// the transparent-set block cursor, and expire payments past their
// deadline. Every step's failure is logged and skipped rather than
// aborting the whole cycle — one bad address must not stop every other
// payment from being watched.
func (m *Monitor) tick(ctx context.Context) {
	m.importNewViewingKeys(ctx)
	m.scanTransparent(ctx)
	m.scanShielded(ctx)
	if err := m.reconcileBlocks(ctx); err != nil {
		m.log.Error("transparent-set block reconciliation failed", zap.Error(err))
	}
	m.expirePending(ctx)
}

// reconcileBlocks is spec §4.4 poll-tick step 1: read the current block
// height, and if it's past the persisted cursor, scan blocks
// cursor+1..tip the same way the Bitcoin-family monitor's catch-up does
// for transactions matching the transparent set, advancing the cursor
// only to the height actually scanned. Unconditionally jumping the cursor
// to tip without scanning — what an earlier version of this core did —
// reproduces the skip-blocks-on-restart bug spec §9 requires this core
// not repeat.
func (m *Monitor) reconcileBlocks(ctx context.Context) error {
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
	if tip <= start {
		return nil
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
		for _, txid := range block.Tx {
			m.scanTransparentTransaction(ctx, txid, &blockHeight, &hash)
		}
		if err := m.cursors.SetCursor(ctx, m.cfg.Chain, height); err != nil {
			return err
		}
	}
	return nil
}

// scanTransparentTransaction evaluates one block-scanned transaction's
// transparent outputs against the address cache, the Zcash-family
// analogue of the Bitcoin-family monitor's handleNewTransaction. Unlike
// listunspent (which only reports outputs still unspent), this sees every
// transaction in the block regardless of spend status, so a payment whose
// output was already spent by the time of the next listunspent poll is
// still recorded.
func (m *Monitor) scanTransparentTransaction(ctx context.Context, txid string, blockHeight *int64, blockHash *string) {
	raw, err := m.rpcClient.GetRawTransaction(ctx, txid)
	if err != nil {
		m.log.Warn("failed to fetch transaction during block scan", zap.String("txid", txid), zap.Error(err))
		return
	}
	for _, out := range raw.VOut {
		for _, addr := range out.Addresses() {
			paymentID, ok := m.addrCache.LookupTransparent(addr)
			if !ok {
				continue
			}
			amount := corewatch.AmountFromSatoshis(int64(out.Value * 1e8))
			m.observe(ctx, paymentID, addr, raw.TxID, amount, raw.Confirmations, false, nil, blockHeight, blockHash)
		}
	}
}

// importNewViewingKeys imports the viewing key for every shielded address
// the cache currently watches that hasn't been imported yet, starting the
// node's rescan at the address's birthday height (or earlier, bounded by
// ViewingKeyRescanLookback) rather than the chain tip — an import at the
// tip with no rescan silently misses every note already on chain, the bug
// spec §9 explicitly requires this core not repeat.
func (m *Monitor) importNewViewingKeys(ctx context.Context) {
	for _, addr := range m.addrCache.ShieldedAddresses() {
		if m.isImported(addr) {
			continue
		}

		entry, ok := m.addrCache.LookupShielded(addr)
		if !ok {
			continue
		}
		handle := entry.ViewingKey
		if handle.Handle == "" {
			fetched, err := m.wallet.GetViewingKeyForAddress(ctx, addr)
			if err != nil {
				m.log.Error("failed to resolve viewing key for shielded address", zap.String("address", addr), zap.Error(err))
				continue
			}
			handle = fetched
		}

		rescanHeight := handle.BirthdayHeight - m.cfg.ViewingKeyRescanLookback
		if rescanHeight < 0 {
			rescanHeight = 0
		}
		if err := m.rpcClient.ZImportViewingKey(ctx, handle.Handle, rescanHeight); err != nil {
			m.log.Error("failed to import viewing key", zap.String("address", addr), zap.Error(err))
			continue
		}
		m.markImported(addr)
		m.log.Info("imported viewing key", zap.String("address", addr), zap.Int64("rescan_height", rescanHeight))
	}
}

func (m *Monitor) isImported(addr string) bool {
	m.importMu.Lock()
	defer m.importMu.Unlock()
	return m.imported[addr]
}

func (m *Monitor) markImported(addr string) {
	m.importMu.Lock()
	defer m.importMu.Unlock()
	m.imported[addr] = true
}

// scanTransparent lists unspent outputs at every watched transparent
// address, down to zero confirmations so a mempool-only payment is
// visible immediately, and runs it through detection/confirmation
// advancement.
func (m *Monitor) scanTransparent(ctx context.Context) {
	addrs := m.addrCache.TransparentAddresses()
	if len(addrs) == 0 {
		return
	}

	outs, err := m.rpcClient.ListUnspent(ctx, 0, addrs)
	if err != nil {
		m.log.Warn("failed to list unspent transparent outputs", zap.Error(err))
		return
	}

	for _, out := range outs {
		paymentID, ok := m.addrCache.LookupTransparent(out.Address)
		if !ok {
			continue
		}
		m.observe(ctx, paymentID, out.Address, out.TxID, corewatch.AmountFromSatoshis(int64(out.Amount*1e8)), out.Confirmations, false, nil, nil, nil)
	}
}

// scanShielded lists received notes at every watched shielded address
// whose viewing key has been imported, and runs each non-change note
// through detection/confirmation advancement.
func (m *Monitor) scanShielded(ctx context.Context) {
	for _, addr := range m.addrCache.ShieldedAddresses() {
		if !m.isImported(addr) {
			continue
		}
		entry, ok := m.addrCache.LookupShielded(addr)
		if !ok {
			continue
		}

		notes, err := m.rpcClient.ZListReceivedByAddress(ctx, addr, 0)
		if err != nil {
			m.log.Warn("failed to list received shielded notes", zap.String("address", addr), zap.Error(err))
			continue
		}

		for _, note := range notes {
			if note.Change {
				continue
			}
			if err := zec.ValidateMemoLength(note.Memo); err != nil {
				m.log.Warn("shielded note memo rejected", zap.String("txid", note.TxID), zap.Error(err))
				continue
			}
			memo := note.Memo
			var memoPtr *string
			if memo != "" {
				memoPtr = &memo
			}
			m.observe(ctx, entry.PaymentID, addr, note.TxID, corewatch.AmountFromSatoshis(int64(note.Amount*1e8)), note.Confirmations, true, memoPtr, nil, nil)
		}
	}
}

// observe runs one transaction observation through detection (first
// sighting) and confirmation advancement (every subsequent sighting) —
// Zcash's polling surface reports the current confirmation count on every
// call, so unlike the Bitcoin-family monitor's separate mempool/sweep
// phases, one observation always carries both pieces of information.
// blockHeight/blockHash are known when this call comes from the
// transparent-set block scan; when they aren't (listunspent and
// z_listreceivedbyaddress report neither), and the transaction already
// has at least one confirmation, they're fetched and filled in here per
// spec §4.3/§4.4's "if the record now has block hash/height absent, fetch
// them."
func (m *Monitor) observe(ctx context.Context, paymentID, address, txid string, amount corewatch.Amount, confirmations int, shielded bool, memo *string, blockHeight *int64, blockHash *string) {
	if confirmations > 0 && blockHeight == nil {
		blockHeight, blockHash = m.resolveBlockInfo(ctx, txid)
	}

	_, err := matcher.MatchAndDetect(ctx, m.deps, matcher.DetectionInput{
		PaymentID:     paymentID,
		Chain:         m.cfg.Chain,
		TxID:          txid,
		Address:       address,
		Amount:        amount,
		Confirmations: confirmations,
		BlockHeight:   blockHeight,
		BlockHash:     blockHash,
		Shielded:      shielded,
		Memo:          memo,
	})
	if err != nil {
		m.log.Error("match and detect failed", zap.String("txid", txid), zap.Error(err))
		return
	}

	if err := matcher.AdvanceConfirmation(ctx, m.deps, m.cfg.Chain, txid, address, confirmations, blockHeight, blockHash, m.cfg.ConfirmationThreshold); err != nil {
		m.log.Error("failed to advance confirmation", zap.String("txid", txid), zap.Error(err))
	}
}

// resolveBlockInfo fetches the confirming block's height/hash for a
// transaction the caller doesn't already know it for. A failure here is
// logged and treated as still-unknown rather than aborting the
// observation — the next poll retries it.
func (m *Monitor) resolveBlockInfo(ctx context.Context, txid string) (*int64, *string) {
	raw, err := m.rpcClient.GetRawTransaction(ctx, txid)
	if err != nil || raw.BlockHash == "" {
		if err != nil {
			m.log.Warn("failed to fetch transaction for block info", zap.String("txid", txid), zap.Error(err))
		}
		return nil, nil
	}
	height, err := m.rpcClient.GetBlockHeader(ctx, raw.BlockHash)
	if err != nil {
		m.log.Warn("failed to fetch block header", zap.String("blockhash", raw.BlockHash), zap.Error(err))
		return nil, nil
	}
	blockHash := raw.BlockHash
	return &height, &blockHash
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
