package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository"
)

const queueColumns = `id, campaign_id, contact_id, phone_number, status, attempts, next_attempt_at,
	last_outcome, external_call_id, lock_token, claim_token, claimed_until, calling_since,
	created_at, updated_at`

// QueueStore implements repository.CallQueueStore on PostgreSQL (or SQLite
// for single-node runs). All timestamps are supplied by the process clock.
type QueueStore struct {
	db       *sqlx.DB
	claimTTL time.Duration
	opts     options
}

// NewQueueStore constructs the queue store. claimTTL bounds how long a
// scheduler tick may hold claimed entries before another tick can take them.
func NewQueueStore(db *sqlx.DB, claimTTL time.Duration, opts ...Option) *QueueStore {
	if claimTTL <= 0 {
		claimTTL = 30 * time.Second
	}
	return &QueueStore{db: db, claimTTL: claimTTL, opts: buildOptions(opts)}
}

// Enroll inserts one pending entry per contact. Contacts already enrolled in
// the campaign are skipped; the number of new entries is returned.
func (s *QueueStore) Enroll(ctx context.Context, campaignID uuid.UUID, contacts []domain.Contact) (int, error) {
	if len(contacts) == 0 {
		return 0, nil
	}
	now := s.opts.timestamp()
	inserted := 0

	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, tx.Rebind(`INSERT INTO queue_entries (
			id, campaign_id, contact_id, phone_number, status, attempts, next_attempt_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT (campaign_id, contact_id) DO NOTHING`))
		if err != nil {
			return fmt.Errorf("queue store: prepare enroll: %w", err)
		}
		defer stmt.Close()

		for _, c := range contacts {
			res, err := stmt.ExecContext(ctx, uuid.New(), campaignID, c.ContactID, c.PhoneNumber,
				domain.EntryStatusPending, now, now, now)
			if err != nil {
				return fmt.Errorf("queue store: enroll %s: %w", c.ContactID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("queue store: rows affected: %w", err)
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// Get fetches one entry.
func (s *QueueStore) Get(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error) {
	return s.getOne(ctx, `SELECT `+queueColumns+` FROM queue_entries WHERE id = ?`, id)
}

// FindByExternalCallID locates the entry a provider call id was issued for.
func (s *QueueStore) FindByExternalCallID(ctx context.Context, externalCallID string) (*domain.QueueEntry, error) {
	if externalCallID == "" {
		return nil, repository.ErrNotFound
	}
	return s.getOne(ctx, `SELECT `+queueColumns+` FROM queue_entries
		WHERE external_call_id = ? ORDER BY updated_at DESC LIMIT 1`, externalCallID)
}

func (s *QueueStore) getOne(ctx context.Context, q string, args ...any) (*domain.QueueEntry, error) {
	var record queueRecord
	if err := s.db.QueryRowxContext(ctx, s.db.Rebind(q), args...).StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("queue store: get: %w", err)
	}
	entry := record.toDomain()
	return &entry, nil
}

// ListByCampaign pages through a campaign's entries ordered by id.
func (s *QueueStore) ListByCampaign(ctx context.Context, campaignID uuid.UUID, filter repository.EntryFilter) ([]*domain.QueueEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT ` + queueColumns + ` FROM queue_entries WHERE campaign_id = ?`
	args := []any{campaignID}
	if filter.Status != "" {
		q += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.AfterID != nil {
		q += ` AND id > ?`
		args = append(args, *filter.AfterID)
	}
	q += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	return selectEntries(ctx, s.db, q, args...)
}

func selectEntries(ctx context.Context, ext sqlx.ExtContext, q string, args ...any) ([]*domain.QueueEntry, error) {
	rows, err := ext.QueryxContext(ctx, ext.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("queue store: query: %w", err)
	}
	defer rows.Close()

	var results []*domain.QueueEntry
	for rows.Next() {
		var record queueRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("queue store: scan: %w", err)
		}
		entry := record.toDomain()
		results = append(results, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue store: rows err: %w", err)
	}
	return results, nil
}

// CountCalling returns the number of entries currently in flight.
func (s *QueueStore) CountCalling(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM queue_entries WHERE campaign_id = ? AND status = ?`),
		campaignID, domain.EntryStatusCalling)
	if err != nil {
		return 0, fmt.Errorf("queue store: count calling: %w", err)
	}
	return n, nil
}

// CountByStatus returns entry counts per status.
func (s *QueueStore) CountByStatus(ctx context.Context, campaignID uuid.UUID) (map[domain.EntryStatus]int64, error) {
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(`SELECT status, COUNT(*) AS n FROM queue_entries
		WHERE campaign_id = ? GROUP BY status`), campaignID)
	if err != nil {
		return nil, fmt.Errorf("queue store: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.EntryStatus]int64)
	for rows.Next() {
		var row struct {
			Status string `db:"status"`
			N      int64  `db:"n"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("queue store: scan count: %w", err)
		}
		counts[domain.EntryStatus(row.Status)] = row.N
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue store: rows err: %w", err)
	}
	return counts, nil
}

// ClaimDue leases up to limit due entries of an active campaign to the
// caller. Selection and lease are one statement, so concurrent callers never
// receive the same entry. Status is left untouched: an entry that is never
// dispatched becomes claimable again once the lease is released or lapses.
func (s *QueueStore) ClaimDue(ctx context.Context, campaignID uuid.UUID, limit int) (*repository.Claim, error) {
	return s.claim(ctx, s.db, campaignID, limit, s.opts.timestamp())
}

// ClaimWithinBudget claims at most maxConcurrent minus the campaign's
// in-flight entries, where in-flight counts both calling entries and entries
// leased to other ticks. Counting and claiming share one transaction and, on
// PostgreSQL, a row lock on the campaign, so concurrent schedulers cannot
// both spend the same budget.
func (s *QueueStore) ClaimWithinBudget(ctx context.Context, campaignID uuid.UUID, maxConcurrent int) (*repository.Claim, error) {
	now := s.opts.timestamp()
	var claim *repository.Claim

	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if isPostgres(s.db) {
			var id uuid.UUID
			err := tx.GetContext(ctx, &id, tx.Rebind(`SELECT id FROM campaigns WHERE id = ? FOR UPDATE`), campaignID)
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("queue store: lock campaign: %w", err)
			}
		}

		var inFlight int
		if err := tx.GetContext(ctx, &inFlight, tx.Rebind(`SELECT COUNT(*) FROM queue_entries
			WHERE campaign_id = ?
			  AND (status = ? OR (claimed_until IS NOT NULL AND claimed_until > ?))`),
			campaignID, domain.EntryStatusCalling, now,
		); err != nil {
			return fmt.Errorf("queue store: count in flight: %w", err)
		}

		var err error
		claim, err = s.claim(ctx, tx, campaignID, maxConcurrent-inFlight, now)
		if err != nil {
			return err
		}
		claim.InFlight = inFlight
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

func (s *QueueStore) claim(ctx context.Context, ext sqlx.ExtContext, campaignID uuid.UUID, limit int, now time.Time) (*repository.Claim, error) {
	claim := &repository.Claim{Token: uuid.NewString(), Until: now.Add(s.claimTTL)}
	if limit <= 0 {
		return claim, nil
	}

	lockClause := ""
	if isPostgres(s.db) {
		lockClause = "FOR UPDATE OF q SKIP LOCKED"
	}

	q := fmt.Sprintf(`UPDATE queue_entries
		SET claim_token = ?, claimed_until = ?, updated_at = ?
		WHERE id IN (
			SELECT q.id FROM queue_entries q
			JOIN campaigns c ON c.id = q.campaign_id
			WHERE q.campaign_id = ?
			  AND c.status = ?
			  AND q.status IN (?, ?)
			  AND q.next_attempt_at <= ?
			  AND (q.claimed_until IS NULL OR q.claimed_until <= ?)
			ORDER BY q.next_attempt_at ASC, q.created_at ASC
			LIMIT ?
			%s
		)
		AND status IN (?, ?)
		AND (claimed_until IS NULL OR claimed_until <= ?)`, lockClause)

	_, err := ext.ExecContext(ctx, ext.Rebind(q),
		claim.Token, claim.Until, now,
		campaignID, domain.CampaignStatusActive,
		domain.EntryStatusPending, domain.EntryStatusRetryScheduled,
		now, now, limit,
		domain.EntryStatusPending, domain.EntryStatusRetryScheduled,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("queue store: claim due: %w", err)
	}

	entries, err := selectEntries(ctx, ext, `SELECT `+queueColumns+` FROM queue_entries WHERE claim_token = ?`, claim.Token)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].NextAttemptAt.Equal(entries[j].NextAttemptAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].NextAttemptAt.Before(entries[j].NextAttemptAt)
	})
	claim.Entries = entries
	return claim, nil
}

// ReleaseClaims drops the lease on entries the caller did not dispatch.
func (s *QueueStore) ReleaseClaims(ctx context.Context, ids []uuid.UUID, claimToken string) error {
	if len(ids) == 0 || claimToken == "" {
		return nil
	}
	q, args, err := sqlx.In(`UPDATE queue_entries SET claim_token = NULL, claimed_until = NULL
		WHERE claim_token = ? AND id IN (?)`, claimToken, ids)
	if err != nil {
		return fmt.Errorf("queue store: build release claims: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...); err != nil {
		return fmt.Errorf("queue store: release claims: %w", err)
	}
	return nil
}

// MarkCalling records an accepted dispatch: pending|retry_scheduled -> calling.
func (s *QueueStore) MarkCalling(ctx context.Context, id uuid.UUID, externalCallID, lockToken string) (*domain.QueueEntry, error) {
	if externalCallID == "" {
		return nil, fmt.Errorf("queue store: mark calling: external call id required")
	}
	now := s.opts.timestamp()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE queue_entries SET
			status = ?,
			attempts = attempts + 1,
			external_call_id = ?,
			lock_token = ?,
			calling_since = ?,
			claim_token = NULL,
			claimed_until = NULL,
			updated_at = ?
		WHERE id = ? AND status IN (?, ?)`),
		domain.EntryStatusCalling, externalCallID, nullString(lockToken), now, now,
		id, domain.EntryStatusPending, domain.EntryStatusRetryScheduled,
	)
	if err != nil {
		return nil, fmt.Errorf("queue store: mark calling: %w", err)
	}
	if err := s.expectOne(res, "mark calling"); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// MarkTerminal finalises an entry. With an external call id it only applies
// to the matching in-flight call, so a replayed outcome is rejected. Without
// one it finalises an entry that was never in flight.
func (s *QueueStore) MarkTerminal(ctx context.Context, id uuid.UUID, externalCallID string, outcome domain.Outcome) (*domain.QueueEntry, error) {
	status := domain.EntryStatusFailed
	if outcome.Disposition() == domain.DispositionSuccess {
		status = domain.EntryStatusCompleted
	}
	now := s.opts.timestamp()

	q := `UPDATE queue_entries SET
			status = ?,
			last_outcome = ?,
			lock_token = NULL,
			calling_since = NULL,
			claim_token = NULL,
			claimed_until = NULL,
			updated_at = ?
		WHERE id = ?`
	args := []any{status, outcome, now, id}
	if externalCallID != "" {
		q += ` AND status = ? AND external_call_id = ?`
		args = append(args, domain.EntryStatusCalling, externalCallID)
	} else {
		q += ` AND status IN (?, ?)`
		args = append(args, domain.EntryStatusPending, domain.EntryStatusRetryScheduled)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("queue store: mark terminal: %w", err)
	}
	if err := s.expectOne(res, "mark terminal"); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// MarkRetry schedules the next attempt with backoff, or fails the entry once
// the policy's attempt cap is reached. A rejection recorded before the entry
// ever reached calling still counts as an attempt.
func (s *QueueStore) MarkRetry(ctx context.Context, id uuid.UUID, outcome domain.Outcome, policy domain.RetryPolicy) (*domain.QueueEntry, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, fmt.Errorf("queue store: mark retry from %s: %w", current.Status, repository.ErrInvalidTransition)
	}

	attempts := current.Attempts
	if current.Status != domain.EntryStatusCalling {
		attempts++
	}

	now := s.opts.timestamp()
	status := domain.EntryStatusRetryScheduled
	next := now.Add(policy.Delay(attempts, s.opts.random())).Truncate(time.Microsecond)
	if policy.Exhausted(attempts) {
		status = domain.EntryStatusFailed
		next = now
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE queue_entries SET
			status = ?,
			attempts = ?,
			next_attempt_at = ?,
			last_outcome = ?,
			lock_token = NULL,
			calling_since = NULL,
			claim_token = NULL,
			claimed_until = NULL,
			updated_at = ?
		WHERE id = ? AND status = ? AND attempts = ?`),
		status, attempts, next, outcome, now,
		id, current.Status, current.Attempts,
	)
	if err != nil {
		return nil, fmt.Errorf("queue store: mark retry: %w", err)
	}
	if err := s.expectOne(res, "mark retry"); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// SweepStaleCalling returns entries stuck in calling for longer than
// threshold to the retry path, backed off by the campaign policy (filled from
// defaults), or to failed once the attempt cap is reached. Each row is
// updated under a (status, attempts) guard so concurrent sweepers reclaim a
// stale entry exactly once.
func (s *QueueStore) SweepStaleCalling(ctx context.Context, threshold time.Duration, defaults domain.RetryPolicy) ([]*domain.QueueEntry, error) {
	now := s.opts.timestamp()
	cutoff := now.Add(-threshold)

	var stale []staleRecord
	err := sqlx.SelectContext(ctx, s.db, &stale, s.db.Rebind(`SELECT q.id, q.attempts,
			c.retry_max_attempts, c.retry_base_delay_ms, c.retry_max_delay_ms, c.retry_jitter
		FROM queue_entries q
		JOIN campaigns c ON c.id = q.campaign_id
		WHERE q.status = ? AND q.calling_since <= ?
		ORDER BY q.calling_since, q.id`),
		domain.EntryStatusCalling, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("queue store: sweep select: %w", err)
	}

	var swept []*domain.QueueEntry
	for _, rec := range stale {
		policy := rec.policy().WithDefaults(defaults)
		status := domain.EntryStatusRetryScheduled
		next := now.Add(policy.Delay(rec.Attempts, s.opts.random())).Truncate(time.Microsecond)
		if policy.Exhausted(rec.Attempts) {
			status = domain.EntryStatusFailed
			next = now
		}

		res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE queue_entries SET
				status = ?,
				last_outcome = ?,
				next_attempt_at = ?,
				lock_token = NULL,
				calling_since = NULL,
				claim_token = NULL,
				claimed_until = NULL,
				updated_at = ?
			WHERE id = ? AND status = ? AND attempts = ? AND calling_since <= ?`),
			status, domain.OutcomeTimeout, next, now,
			rec.ID, domain.EntryStatusCalling, rec.Attempts, cutoff,
		)
		if err != nil {
			return swept, fmt.Errorf("queue store: sweep stale: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return swept, fmt.Errorf("queue store: sweep rows affected: %w", err)
		}
		if n == 0 {
			continue
		}
		entry, err := s.Get(ctx, rec.ID)
		if err != nil {
			return swept, err
		}
		swept = append(swept, entry)
	}
	return swept, nil
}

type staleRecord struct {
	ID               uuid.UUID `db:"id"`
	Attempts         int       `db:"attempts"`
	RetryMaxAttempts int       `db:"retry_max_attempts"`
	RetryBaseDelayMs int64     `db:"retry_base_delay_ms"`
	RetryMaxDelayMs  int64     `db:"retry_max_delay_ms"`
	RetryJitter      float64   `db:"retry_jitter"`
}

func (r staleRecord) policy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts: r.RetryMaxAttempts,
		BaseDelay:   time.Duration(r.RetryBaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(r.RetryMaxDelayMs) * time.Millisecond,
		Jitter:      r.RetryJitter,
	}
}

// ResetEntry forces an entry back to pending, due immediately. Attempts are
// preserved.
func (s *QueueStore) ResetEntry(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error) {
	now := s.opts.timestamp()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE queue_entries SET
			status = ?,
			next_attempt_at = ?,
			external_call_id = NULL,
			lock_token = NULL,
			calling_since = NULL,
			claim_token = NULL,
			claimed_until = NULL,
			updated_at = ?
		WHERE id = ?`),
		domain.EntryStatusPending, now, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("queue store: reset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("queue store: rows affected: %w", err)
	}
	if n == 0 {
		return nil, repository.ErrNotFound
	}
	return s.Get(ctx, id)
}

// CancelOpen fails every entry of the campaign that has not been dispatched.
func (s *QueueStore) CancelOpen(ctx context.Context, campaignID uuid.UUID) (int, error) {
	now := s.opts.timestamp()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE queue_entries SET
			status = ?,
			last_outcome = ?,
			claim_token = NULL,
			claimed_until = NULL,
			updated_at = ?
		WHERE campaign_id = ? AND status IN (?, ?)`),
		domain.EntryStatusFailed, domain.OutcomeCancelled, now,
		campaignID, domain.EntryStatusPending, domain.EntryStatusRetryScheduled,
	)
	if err != nil {
		return 0, fmt.Errorf("queue store: cancel open: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue store: rows affected: %w", err)
	}
	return int(n), nil
}

func (s *QueueStore) expectOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue store: %s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("queue store: %s: %w", op, repository.ErrInvalidTransition)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type queueRecord struct {
	ID             uuid.UUID      `db:"id"`
	CampaignID     uuid.UUID      `db:"campaign_id"`
	ContactID      string         `db:"contact_id"`
	PhoneNumber    string         `db:"phone_number"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	NextAttemptAt  time.Time      `db:"next_attempt_at"`
	LastOutcome    sql.NullString `db:"last_outcome"`
	ExternalCallID sql.NullString `db:"external_call_id"`
	LockToken      sql.NullString `db:"lock_token"`
	ClaimToken     sql.NullString `db:"claim_token"`
	ClaimedUntil   sql.NullTime   `db:"claimed_until"`
	CallingSince   sql.NullTime   `db:"calling_since"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r queueRecord) toDomain() domain.QueueEntry {
	entry := domain.QueueEntry{
		ID:            r.ID,
		CampaignID:    r.CampaignID,
		ContactID:     r.ContactID,
		PhoneNumber:   r.PhoneNumber,
		Status:        domain.EntryStatus(r.Status),
		Attempts:      r.Attempts,
		NextAttemptAt: r.NextAttemptAt.UTC(),
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if r.LastOutcome.Valid {
		outcome := domain.Outcome(r.LastOutcome.String)
		entry.LastOutcome = &outcome
	}
	if r.ExternalCallID.Valid {
		entry.ExternalCallID = &r.ExternalCallID.String
	}
	if r.LockToken.Valid {
		entry.LockToken = &r.LockToken.String
	}
	if r.ClaimToken.Valid {
		entry.ClaimToken = &r.ClaimToken.String
	}
	if r.ClaimedUntil.Valid {
		t := r.ClaimedUntil.Time.UTC()
		entry.ClaimedUntil = &t
	}
	if r.CallingSince.Valid {
		t := r.CallingSince.Time.UTC()
		entry.CallingSince = &t
	}
	return entry
}
