// Package secret declares the boundary to the external secret vault. The
// vault's storage and OS keychain adapter are out of scope (spec §1); this
// package only defines the contract the rest of the system consumes.
package secret

import "context"

// Provider resolves named secrets. Implementations (vault-backed, keychain-
// backed) live outside this module; the core only ever sees this interface.
type Provider interface {
	// Get returns the secret value for key, or ok=false if it is not set.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores or replaces the secret value for key.
	Set(ctx context.Context, key, value string) error
	// Delete removes the secret value for key, if present.
	Delete(ctx context.Context, key string) error
}
