package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
	apperrors "github.com/acme/campaign-dispatch/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
	// ErrInvalidTransition indicates a queue entry was not in the state a
	// transition requires.
	ErrInvalidTransition = apperrors.ErrInvalidTransition
)

// CampaignRepository manages campaign metadata persistence.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Update(ctx context.Context, campaign *domain.Campaign) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus) error
	SetConcurrency(ctx context.Context, id uuid.UUID, maxConcurrent int) error
	List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error)
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
}

// BusinessHourRepository manages campaign business hours.
type BusinessHourRepository interface {
	Replace(ctx context.Context, campaignID uuid.UUID, windows []domain.BusinessHourWindow) error
	List(ctx context.Context, campaignID uuid.UUID) ([]domain.BusinessHourWindow, error)
}

// CallQueueStore is the durable per-contact call queue. Every transition is a
// single conditional write so concurrent schedulers never observe or produce
// a torn state.
type CallQueueStore interface {
	Enroll(ctx context.Context, campaignID uuid.UUID, contacts []domain.Contact) (int, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error)
	FindByExternalCallID(ctx context.Context, externalCallID string) (*domain.QueueEntry, error)
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, filter EntryFilter) ([]*domain.QueueEntry, error)
	CountCalling(ctx context.Context, campaignID uuid.UUID) (int, error)
	CountByStatus(ctx context.Context, campaignID uuid.UUID) (map[domain.EntryStatus]int64, error)

	ClaimDue(ctx context.Context, campaignID uuid.UUID, limit int) (*Claim, error)
	ClaimWithinBudget(ctx context.Context, campaignID uuid.UUID, maxConcurrent int) (*Claim, error)
	ReleaseClaims(ctx context.Context, ids []uuid.UUID, claimToken string) error
	MarkCalling(ctx context.Context, id uuid.UUID, externalCallID, lockToken string) (*domain.QueueEntry, error)
	MarkTerminal(ctx context.Context, id uuid.UUID, externalCallID string, outcome domain.Outcome) (*domain.QueueEntry, error)
	MarkRetry(ctx context.Context, id uuid.UUID, outcome domain.Outcome, policy domain.RetryPolicy) (*domain.QueueEntry, error)
	SweepStaleCalling(ctx context.Context, threshold time.Duration, defaults domain.RetryPolicy) ([]*domain.QueueEntry, error)
	ResetEntry(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error)
	CancelOpen(ctx context.Context, campaignID uuid.UUID) (int, error)
}

// Claim is a batch of due entries leased to one scheduler tick.
type Claim struct {
	Token    string
	Until    time.Time
	InFlight int
	Entries  []*domain.QueueEntry
}

// EntryFilter narrows ListByCampaign.
type EntryFilter struct {
	Status  domain.EntryStatus
	AfterID *uuid.UUID
	Limit   int
}

// CampaignStatisticsRepository keeps aggregate counters.
type CampaignStatisticsRepository interface {
	Ensure(ctx context.Context, campaignID uuid.UUID) error
	Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error)
	ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta StatsDelta) error
}

// AttemptLog keeps the per-entry dispatch and outcome history.
type AttemptLog interface {
	Append(ctx context.Context, record domain.AttemptRecord) error
	List(ctx context.Context, entryID uuid.UUID, limit int) ([]domain.AttemptRecord, error)
}

// StatsDelta captures atomic counter increments.
type StatsDelta struct {
	DispatchAttempts int64
	Rejections       int64
	Sweeps           int64
	TalkSeconds      int64
	CostUnits        float64
}

// IsZero reports whether applying the delta would change nothing.
func (d StatsDelta) IsZero() bool {
	return d == StatsDelta{}
}

// NopAttemptLog discards history. It is wired when no history store is configured.
type NopAttemptLog struct{}

// Append implements AttemptLog.
func (NopAttemptLog) Append(context.Context, domain.AttemptRecord) error { return nil }

// List implements AttemptLog.
func (NopAttemptLog) List(context.Context, uuid.UUID, int) ([]domain.AttemptRecord, error) {
	return nil, nil
}
