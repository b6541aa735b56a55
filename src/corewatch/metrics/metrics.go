// Package metrics provides observability for the monitoring core: RPC call
// timing, payment lifecycle counters, cursor progress, and event-stream
// health, exported in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/meridianpay/corewatch"
)

// Metrics defines the interface every monitor records observations
// against. Implementations MUST be safe for concurrent use.
type Metrics interface {
	// ObserveRPCCall records one Chain RPC Client call's duration and
	// outcome classification ("ok", "transient", "permanent",
	// "semantic_rejection", "inconsistency", "fatal").
	ObserveRPCCall(chain corewatch.Chain, method string, duration time.Duration, outcome string)

	// RecordPaymentDetected increments the detected-payment counter for chain.
	RecordPaymentDetected(chain corewatch.Chain)

	// RecordPaymentConfirmed increments the confirmed-payment counter for chain.
	RecordPaymentConfirmed(chain corewatch.Chain)

	// RecordPaymentExpired increments the expired-payment counter for chain.
	RecordPaymentExpired(chain corewatch.Chain)

	// RecordPaymentFailed increments the failed-payment counter for chain,
	// recorded when an already-confirmed payment's transaction is later
	// found to have been reorged out.
	RecordPaymentFailed(chain corewatch.Chain)

	// SetCursorHeight reports the cursor's current height for chain, so an
	// operator can graph scan progress against the node's own tip.
	SetCursorHeight(chain corewatch.Chain, height int64)

	// SetEventStreamDegraded reports whether chain's event-stream
	// subscriber has exhausted its reconnect budget and is running in
	// degraded (longer-cadence retry) mode.
	SetEventStreamDegraded(chain corewatch.Chain, degraded bool)

	// Handler returns the HTTP handler to mount for scraping.
	Handler() http.Handler
}

// NoOp implements Metrics by discarding every observation. Useful for tests
// and for deployments that don't scrape metrics.
type NoOp struct{}

func (NoOp) ObserveRPCCall(corewatch.Chain, string, time.Duration, string) {}
func (NoOp) RecordPaymentDetected(corewatch.Chain)                        {}
func (NoOp) RecordPaymentConfirmed(corewatch.Chain)                       {}
func (NoOp) RecordPaymentExpired(corewatch.Chain)                         {}
func (NoOp) RecordPaymentFailed(corewatch.Chain)                          {}
func (NoOp) SetCursorHeight(corewatch.Chain, int64)                       {}
func (NoOp) SetEventStreamDegraded(corewatch.Chain, bool)                 {}
func (NoOp) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

var _ Metrics = NoOp{}
