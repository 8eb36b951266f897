package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository"
)

const campaignColumns = `id, name, description, time_zone, max_concurrent_calls, status,
	retry_max_attempts, retry_base_delay_ms, retry_max_delay_ms, retry_jitter,
	created_at, updated_at, started_at, completed_at`

// CampaignRepository implements repository.CampaignRepository.
type CampaignRepository struct {
	db   *sqlx.DB
	opts options
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB, opts ...Option) *CampaignRepository {
	return &CampaignRepository{db: db, opts: buildOptions(opts)}
}

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	now := r.opts.timestamp()
	if campaign.CreatedAt.IsZero() {
		campaign.CreatedAt = now
	}
	campaign.UpdatedAt = now

	q := `INSERT INTO campaigns (` + campaignColumns + `) VALUES (
		:id, :name, :description, :time_zone, :max_concurrent_calls, :status,
		:retry_max_attempts, :retry_base_delay_ms, :retry_max_delay_ms, :retry_jitter,
		:created_at, :updated_at, :started_at, :completed_at
	)`

	if _, err := r.db.NamedExecContext(ctx, q, campaignParams(campaign)); err != nil {
		return fmt.Errorf("campaign repo: insert: %w", err)
	}
	return nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, r.db.Rebind(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`), id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := record.toDomain()
	return &campaign, nil
}

// Update updates campaign metadata, status and retry policy.
func (r *CampaignRepository) Update(ctx context.Context, campaign *domain.Campaign) error {
	campaign.UpdatedAt = r.opts.timestamp()
	q := `UPDATE campaigns SET
		name = :name,
		description = :description,
		status = :status,
		time_zone = :time_zone,
		max_concurrent_calls = :max_concurrent_calls,
		retry_max_attempts = :retry_max_attempts,
		retry_base_delay_ms = :retry_base_delay_ms,
		retry_max_delay_ms = :retry_max_delay_ms,
		retry_jitter = :retry_jitter,
		updated_at = :updated_at,
		started_at = :started_at,
		completed_at = :completed_at
	 WHERE id = :id`

	res, err := r.db.NamedExecContext(ctx, q, campaignParams(campaign))
	if err != nil {
		return fmt.Errorf("campaign repo: update: %w", err)
	}
	return expectFound(res, "update")
}

// UpdateStatus updates campaign status.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`),
		status, r.opts.timestamp(), id)
	if err != nil {
		return fmt.Errorf("campaign repo: update status: %w", err)
	}
	return expectFound(res, "update status")
}

// SetConcurrency changes the campaign's concurrency budget. It takes effect
// on the next scheduler tick.
func (r *CampaignRepository) SetConcurrency(ctx context.Context, id uuid.UUID, maxConcurrent int) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE campaigns SET max_concurrent_calls = ?, updated_at = ? WHERE id = ?`),
		maxConcurrent, r.opts.timestamp(), id)
	if err != nil {
		return fmt.Errorf("campaign repo: set concurrency: %w", err)
	}
	return expectFound(res, "set concurrency")
}

// List returns campaigns with optional pagination.
func (r *CampaignRepository) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	if afterID != nil {
		return r.query(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id > ? ORDER BY id ASC LIMIT ?`, *afterID, limit)
	}
	return r.query(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY id ASC LIMIT ?`, limit)
}

// ListByStatus returns campaigns filtered by status.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE status = ? ORDER BY updated_at ASC LIMIT ?`, status, limit)
}

func (r *CampaignRepository) query(ctx context.Context, q string, args ...any) ([]*domain.Campaign, error) {
	rows, err := r.db.QueryxContext(ctx, r.db.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list: %w", err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := record.toDomain()
		results = append(results, &campaign)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

func campaignParams(campaign *domain.Campaign) map[string]any {
	return map[string]any{
		"id":                   campaign.ID,
		"name":                 campaign.Name,
		"description":          campaign.Description,
		"time_zone":            campaign.TimeZone,
		"max_concurrent_calls": campaign.MaxConcurrentCalls,
		"status":               string(campaign.Status),
		"retry_max_attempts":   campaign.RetryPolicy.MaxAttempts,
		"retry_base_delay_ms":  campaign.RetryPolicy.BaseDelay.Milliseconds(),
		"retry_max_delay_ms":   campaign.RetryPolicy.MaxDelay.Milliseconds(),
		"retry_jitter":         campaign.RetryPolicy.Jitter,
		"created_at":           campaign.CreatedAt,
		"updated_at":           campaign.UpdatedAt,
		"started_at":           campaign.StartedAt,
		"completed_at":         campaign.CompletedAt,
	}
}

func expectFound(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: %s: rows affected: %w", op, err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type campaignRecord struct {
	ID                 uuid.UUID      `db:"id"`
	Name               string         `db:"name"`
	Description        sql.NullString `db:"description"`
	TimeZone           string         `db:"time_zone"`
	MaxConcurrentCalls int            `db:"max_concurrent_calls"`
	Status             string         `db:"status"`
	RetryMaxAttempts   int            `db:"retry_max_attempts"`
	RetryBaseDelayMs   int64          `db:"retry_base_delay_ms"`
	RetryMaxDelayMs    int64          `db:"retry_max_delay_ms"`
	RetryJitter        float64        `db:"retry_jitter"`
	CreatedAt          sql.NullTime   `db:"created_at"`
	UpdatedAt          sql.NullTime   `db:"updated_at"`
	StartedAt          sql.NullTime   `db:"started_at"`
	CompletedAt        sql.NullTime   `db:"completed_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	campaign := domain.Campaign{
		ID:                 r.ID,
		Name:               r.Name,
		Description:        r.Description.String,
		TimeZone:           r.TimeZone,
		MaxConcurrentCalls: r.MaxConcurrentCalls,
		Status:             domain.CampaignStatus(r.Status),
		RetryPolicy: domain.RetryPolicy{
			MaxAttempts: r.RetryMaxAttempts,
			BaseDelay:   time.Duration(r.RetryBaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(r.RetryMaxDelayMs) * time.Millisecond,
			Jitter:      r.RetryJitter,
		},
		CreatedAt: r.CreatedAt.Time.UTC(),
		UpdatedAt: r.UpdatedAt.Time.UTC(),
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time.UTC()
		campaign.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time.UTC()
		campaign.CompletedAt = &t
	}
	return campaign
}
