package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultOperationTimeout = 500 * time.Millisecond

// Handle is held by the owner of an acquired lock. Only the token it carries
// can release or extend the lock.
type Handle struct {
	Key       string
	Token     string
	TTL       time.Duration
	ExpiresAt time.Time
}

// Mutex is a token-checked lease on top of a Store. It never blocks
// indefinitely and failure to acquire is reported as a nil handle, not an
// error.
type Mutex struct {
	store     Store
	prefix    string
	opTimeout time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// Option customises a Mutex.
type Option func(*Mutex)

// WithKeyPrefix namespaces every key the mutex touches.
func WithKeyPrefix(prefix string) Option {
	return func(m *Mutex) { m.prefix = prefix }
}

// WithOperationTimeout bounds every store round trip.
func WithOperationTimeout(d time.Duration) Option {
	return func(m *Mutex) {
		if d > 0 {
			m.opTimeout = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Mutex) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the clock used for handle expiry bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(m *Mutex) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMutex constructs a mutex over store.
func NewMutex(store Store, opts ...Option) *Mutex {
	m := &Mutex{
		store:     store,
		opTimeout: defaultOperationTimeout,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire makes a single attempt. It returns (nil, nil) when the key is held
// by someone else.
func (m *Mutex) Acquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	if key == "" {
		return nil, fmt.Errorf("lock acquire: empty key")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock acquire: ttl must be positive")
	}

	token := uuid.NewString()
	fullKey := m.prefix + key

	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	started := m.now()
	ok, err := m.store.TrySet(opCtx, fullKey, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("lock acquire %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Handle{Key: fullKey, Token: token, TTL: ttl, ExpiresAt: started.Add(ttl)}, nil
}

// AcquireWithRetry retries Acquire up to maxAttempts times, sleeping
// retryDelay between attempts. Exhaustion yields (nil, nil).
func (m *Mutex) AcquireWithRetry(ctx context.Context, key string, maxAttempts int, retryDelay, ttl time.Duration) (*Handle, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		h, err := m.Acquire(ctx, key, ttl)
		if err != nil || h != nil {
			return h, err
		}
		if attempt == maxAttempts {
			break
		}
		timer := time.NewTimer(retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, nil
}

// Release deletes the lock if h still owns it. False means the lock had
// already expired or been taken over, which callers may log but must not
// treat as fatal.
func (m *Mutex) Release(ctx context.Context, h *Handle) (bool, error) {
	if h == nil {
		return false, nil
	}
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	ok, err := m.store.CompareAndDelete(opCtx, h.Key, h.Token)
	if err != nil {
		return false, fmt.Errorf("lock release %s: %w", h.Key, err)
	}
	return ok, nil
}

// Extend pushes the expiry of a held lock out to ttl from now. Any failure,
// including a store error, means the caller no longer owns the lock.
func (m *Mutex) Extend(ctx context.Context, h *Handle, ttl time.Duration) (bool, error) {
	if h == nil {
		return false, nil
	}
	if ttl <= 0 {
		return false, fmt.Errorf("lock extend: ttl must be positive")
	}
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	started := m.now()
	ok, err := m.store.CompareAndExtend(opCtx, h.Key, h.Token, ttl)
	if err != nil {
		return false, fmt.Errorf("lock extend %s: %w", h.Key, err)
	}
	if ok {
		h.TTL = ttl
		h.ExpiresAt = started.Add(ttl)
	}
	return ok, nil
}

// KeepAlive extends h every TTL/3 until stop is called or the parent context
// ends. The returned context is cancelled as soon as an extension fails, so
// work guarded by the lock can stop once ownership is lost.
func (m *Mutex) KeepAlive(ctx context.Context, h *Handle) (context.Context, func()) {
	guarded, cancel := context.WithCancel(ctx)
	if h == nil || h.TTL <= 0 {
		cancel()
		return guarded, func() {}
	}

	lease := *h
	interval := lease.TTL / 3
	if interval <= 0 {
		interval = lease.TTL
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-guarded.Done():
				return
			case <-ticker.C:
				ok, err := m.Extend(context.WithoutCancel(guarded), &lease, lease.TTL)
				if err != nil || !ok {
					m.logger.Warn("lock lost during keep-alive",
						zap.String("lock_key", lease.Key),
						zap.Error(err),
					)
					cancel()
					return
				}
			}
		}
	}()

	return guarded, func() {
		cancel()
		<-done
	}
}

// WithLock runs fn while holding key. When the lock is held elsewhere fn is
// not invoked and (false, nil) is returned. The lock is always released once
// fn returns or panics.
func (m *Mutex) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (acquired bool, err error) {
	return m.WithLockRetry(ctx, key, 1, 0, ttl, func(ctx context.Context, _ *Handle) error {
		return fn(ctx)
	})
}

// WithLockRetry is WithLock with AcquireWithRetry semantics. fn receives the
// handle so it can stamp the lock token on guarded writes. The context passed
// to fn is cancelled if the keep-alive loses the lock.
func (m *Mutex) WithLockRetry(ctx context.Context, key string, maxAttempts int, retryDelay, ttl time.Duration, fn func(ctx context.Context, h *Handle) error) (acquired bool, err error) {
	h, err := m.AcquireWithRetry(ctx, key, maxAttempts, retryDelay, ttl)
	if err != nil {
		return false, err
	}
	if h == nil {
		return false, nil
	}

	guarded, stop := m.KeepAlive(ctx, h)
	defer func() {
		stop()
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opTimeout)
		defer cancel()
		released, relErr := m.Release(releaseCtx, h)
		switch {
		case relErr != nil:
			m.logger.Error("lock release failed", zap.String("lock_key", h.Key), zap.Error(relErr))
			if err == nil {
				err = relErr
			}
		case !released:
			m.logger.Warn("lock expired before release", zap.String("lock_key", h.Key))
		}
	}()

	return true, fn(guarded, h)
}
