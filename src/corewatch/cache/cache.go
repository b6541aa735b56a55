// Package cache implements the Address Cache (spec §4.3/§4.4/§9): an
// in-memory snapshot of every transparent address and shielded-viewing-key
// mapping the core currently watches, refreshed from the repository on a
// timer and swapped in atomically so no in-flight lookup ever observes a
// partially-updated set.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meridianpay/corewatch"
)

// ShieldedEntry resolves a shielded address the core watches to its
// viewing-key handle and the payment it belongs to.
type ShieldedEntry struct {
	ViewingKey corewatch.ViewingKeyHandle
	PaymentID  string
}

// snapshot is the immutable value swapped atomically on each refresh.
type snapshot struct {
	transparent map[string]string // address -> payment id
	shielded    map[string]ShieldedEntry
}

// Loader fetches the current set of non-terminal payments' addresses from
// the repository. Implemented against PaymentRepository.FindNonTerminalByChain
// plus the Wallet Service for shielded addresses' viewing-key handles.
type Loader func(ctx context.Context) (transparent map[string]string, shielded map[string]ShieldedEntry, err error)

// Cache is an atomically-swapped, periodically-refreshed address snapshot.
type Cache struct {
	load     Loader
	interval time.Duration
	log      *zap.Logger
	current  atomic.Pointer[snapshot]
}

// New builds a Cache. Call Refresh once before serving lookups, then Run to
// keep it current.
func New(load Loader, interval time.Duration, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Cache{load: load, interval: interval, log: log}
	c.current.Store(&snapshot{transparent: map[string]string{}, shielded: map[string]ShieldedEntry{}})
	return c
}

// Refresh loads a fresh snapshot and swaps it in atomically. A load failure
// leaves the previous snapshot in place — the monitor keeps watching the
// addresses it already knew about rather than going blind.
func (c *Cache) Refresh(ctx context.Context) error {
	transparent, shielded, err := c.load(ctx)
	if err != nil {
		c.log.Warn("address cache refresh failed, keeping previous snapshot", zap.Error(err))
		return err
	}
	c.current.Store(&snapshot{transparent: transparent, shielded: shielded})
	return nil
}

// Run refreshes the cache on a fixed interval until ctx is cancelled. It
// runs as one of the monitor's independent concurrent activities (spec §5)
// and never blocks the intake or confirmation-sweep loops.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Refresh(ctx)
		}
	}
}

// LookupTransparent reports whether addr is a watched transparent address,
// and which payment it belongs to.
func (c *Cache) LookupTransparent(addr string) (paymentID string, ok bool) {
	snap := c.current.Load()
	paymentID, ok = snap.transparent[addr]
	return
}

// LookupShielded reports whether addr is a watched shielded address, and
// its viewing-key handle and payment.
func (c *Cache) LookupShielded(addr string) (ShieldedEntry, bool) {
	snap := c.current.Load()
	entry, ok := snap.shielded[addr]
	return entry, ok
}

// ShieldedAddresses returns every currently-watched shielded address, for
// the Zcash monitor's per-address z_listreceivedbyaddress scan.
func (c *Cache) ShieldedAddresses() []string {
	snap := c.current.Load()
	addrs := make([]string, 0, len(snap.shielded))
	for addr := range snap.shielded {
		addrs = append(addrs, addr)
	}
	return addrs
}

// TransparentAddresses returns every currently-watched transparent address.
func (c *Cache) TransparentAddresses() []string {
	snap := c.current.Load()
	addrs := make([]string, 0, len(snap.transparent))
	for addr := range snap.transparent {
		addrs = append(addrs, addr)
	}
	return addrs
}
