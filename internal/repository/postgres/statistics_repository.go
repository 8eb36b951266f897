package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository"
)

// CampaignStatisticsRepository implements repository.CampaignStatisticsRepository.
// Cumulative counters live in campaign_statistics; live status counts are
// derived from the queue itself.
type CampaignStatisticsRepository struct {
	db   *sqlx.DB
	opts options
}

// NewCampaignStatisticsRepository builds the repository.
func NewCampaignStatisticsRepository(db *sqlx.DB, opts ...Option) *CampaignStatisticsRepository {
	return &CampaignStatisticsRepository{db: db, opts: buildOptions(opts)}
}

// Ensure ensures a row exists for the campaign.
func (r *CampaignStatisticsRepository) Ensure(ctx context.Context, campaignID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO campaign_statistics (campaign_id, updated_at)
		VALUES (?, ?) ON CONFLICT (campaign_id) DO NOTHING`), campaignID, r.opts.timestamp())
	if err != nil {
		return fmt.Errorf("campaign stats: ensure: %w", err)
	}
	return nil
}

// Get retrieves counters and current queue status counts.
func (r *CampaignStatisticsRepository) Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	var counters struct {
		DispatchAttempts int64   `db:"dispatch_attempts"`
		Rejections       int64   `db:"rejections"`
		Sweeps           int64   `db:"sweeps"`
		TalkSeconds      int64   `db:"talk_seconds"`
		CostUnits        float64 `db:"cost_units"`
	}
	row := r.db.QueryRowxContext(ctx, r.db.Rebind(`SELECT dispatch_attempts, rejections, sweeps, talk_seconds, cost_units
		FROM campaign_statistics WHERE campaign_id = ?`), campaignID)
	if err := row.StructScan(&counters); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign stats: get: %w", err)
	}

	stats := domain.CampaignStats{
		DispatchAttempts: counters.DispatchAttempts,
		Rejections:       counters.Rejections,
		Sweeps:           counters.Sweeps,
		TalkSeconds:      counters.TalkSeconds,
		CostUnits:        counters.CostUnits,
	}

	rows, err := r.db.QueryxContext(ctx, r.db.Rebind(`SELECT status, COUNT(*) AS n FROM queue_entries
		WHERE campaign_id = ? GROUP BY status`), campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: status counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("campaign stats: scan: %w", err)
		}
		switch domain.EntryStatus(status) {
		case domain.EntryStatusPending:
			stats.Pending = n
		case domain.EntryStatusCalling:
			stats.Calling = n
		case domain.EntryStatusRetryScheduled:
			stats.RetryScheduled = n
		case domain.EntryStatusCompleted:
			stats.Completed = n
		case domain.EntryStatusFailed:
			stats.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign stats: rows err: %w", err)
	}
	return &stats, nil
}

// ApplyDelta applies counter deltas atomically.
func (r *CampaignStatisticsRepository) ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta repository.StatsDelta) error {
	if delta.IsZero() {
		return nil
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE campaign_statistics SET
		dispatch_attempts = dispatch_attempts + ?,
		rejections = rejections + ?,
		sweeps = sweeps + ?,
		talk_seconds = talk_seconds + ?,
		cost_units = cost_units + ?,
		updated_at = ?
	WHERE campaign_id = ?`),
		delta.DispatchAttempts,
		delta.Rejections,
		delta.Sweeps,
		delta.TalkSeconds,
		delta.CostUnits,
		r.opts.timestamp(),
		campaignID,
	)
	if err != nil {
		return fmt.Errorf("campaign stats: apply delta: %w", err)
	}
	return nil
}
