// Package wallet declares the Wallet Service collaborator contract (spec
// §6): the core never holds or derives key material itself, it only asks
// this collaborator to resolve a shielded address to its read-only viewing
// capability.
package wallet

import (
	"context"

	"github.com/meridianpay/corewatch"
)

// Service resolves shielded addresses to viewing-key handles. Implemented
// externally by whatever custody system actually holds the spending keys;
// this core is handed only the read-only viewing capability.
type Service interface {
	// GetViewingKeyForAddress returns the viewing-key handle for a shielded
	// address the core has been asked to watch. ErrUnknownAddress if the
	// address isn't recognized by the wallet service at all.
	GetViewingKeyForAddress(ctx context.Context, address string) (corewatch.ViewingKeyHandle, error)
}

// ErrUnknownAddress is returned when the wallet service has never heard of
// the requested shielded address.
var ErrUnknownAddress = corewatch.NewPermanentError(corewatch.ErrCodeNotFound, "wallet service has no viewing key for address", nil)
