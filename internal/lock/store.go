// Package lock provides the per-contact mutual exclusion used by the
// dispatch scheduler: a keyed lock store with atomic conditional operations
// and a token-checked mutex built on top of it.
package lock

import (
	"context"
	"time"
)

// Store is a shared keyed store with atomic conditional set, delete and
// extend. Implementations must perform each call as a single atomic
// operation and must not retry internally.
type Store interface {
	// TrySet stores token under key for ttl unless an unexpired value exists.
	TrySet(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only if it still holds token.
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)
	// CompareAndExtend resets the expiry of key to ttl only if it still holds token.
	CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}
