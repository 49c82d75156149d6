// Package ledger provides the time-bounded store of pending one-time codes,
// keyed by normalized contact. Values are opaque serialized entries owned by
// the challenge service; the ledger only guarantees overwrite-on-put and an
// atomic compare-and-delete so two concurrent verifications of the same code
// cannot both succeed.
package ledger

import (
	"context"
	"time"
)

// Ledger is the pending-code store. Implementations must make
// CompareAndDelete atomic with respect to concurrent callers of the same key.
type Ledger interface {
	// Put stores value under key, overwriting any existing entry. The ttl
	// bounds how long the implementation must retain the entry; logical
	// expiry is enforced by the caller from data inside the value.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the stored value, or ok=false if no entry exists.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// CompareAndDelete deletes the entry only if its current value equals
	// expect, reporting whether the delete happened.
	CompareAndDelete(ctx context.Context, key, expect string) (bool, error)

	// Delete removes the entry unconditionally.
	Delete(ctx context.Context, key string) error
}
