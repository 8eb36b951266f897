package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// LockStore implements lock.Store on the relational database for deployments
// without Redis. Each operation is a single conditional statement.
type LockStore struct {
	db   *sqlx.DB
	opts options
}

// NewLockStore constructs a SQL-backed lock store over the dispatch_locks table.
func NewLockStore(db *sqlx.DB, opts ...Option) *LockStore {
	return &LockStore{db: db, opts: buildOptions(opts)}
}

// TrySet inserts the lock row, or takes over a row whose lease has expired.
func (s *LockStore) TrySet(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("sql lock store: ttl must be positive")
	}
	now := s.opts.timestamp()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO dispatch_locks (lock_key, token, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (lock_key) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
		WHERE dispatch_locks.expires_at <= ?`),
		key, token, now.Add(ttl), now,
	)
	if err != nil {
		return false, fmt.Errorf("sql lock store: try set: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sql lock store: rows affected: %w", err)
	}
	return n == 1, nil
}

// CompareAndDelete removes the row only while token still owns an unexpired lease.
func (s *LockStore) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM dispatch_locks
		WHERE lock_key = ? AND token = ? AND expires_at > ?`),
		key, token, s.opts.timestamp(),
	)
	if err != nil {
		return false, fmt.Errorf("sql lock store: compare and delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sql lock store: rows affected: %w", err)
	}
	return n == 1, nil
}

// CompareAndExtend pushes the expiry out while token still owns an unexpired lease.
func (s *LockStore) CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("sql lock store: ttl must be positive")
	}
	now := s.opts.timestamp()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE dispatch_locks SET expires_at = ?
		WHERE lock_key = ? AND token = ? AND expires_at > ?`),
		now.Add(ttl), key, token, now,
	)
	if err != nil {
		return false, fmt.Errorf("sql lock store: compare and extend: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sql lock store: rows affected: %w", err)
	}
	return n == 1, nil
}
