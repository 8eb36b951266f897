package campaign

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository"
	apperrors "github.com/acme/campaign-dispatch/pkg/errors"
)

const historyLimit = 100

// Service orchestrates campaign lifecycle and operator actions on the queue.
type Service struct {
	repo               repository.CampaignRepository
	hoursRepo          repository.BusinessHourRepository
	queue              repository.CallQueueStore
	statsRepo          repository.CampaignStatisticsRepository
	attempts           repository.AttemptLog
	defaultRetry       domain.RetryPolicy
	defaultConcurrency int
	now                func() time.Time
}

// NewService constructs a campaign service.
func NewService(
	repo repository.CampaignRepository,
	hours repository.BusinessHourRepository,
	queue repository.CallQueueStore,
	stats repository.CampaignStatisticsRepository,
	attempts repository.AttemptLog,
	defaultRetry domain.RetryPolicy,
	defaultConcurrency int,
) *Service {
	if attempts == nil {
		attempts = repository.NopAttemptLog{}
	}
	if defaultConcurrency <= 0 {
		defaultConcurrency = 1
	}
	return &Service{
		repo:               repo,
		hoursRepo:          hours,
		queue:              queue,
		statsRepo:          stats,
		attempts:           attempts,
		defaultRetry:       defaultRetry,
		defaultConcurrency: defaultConcurrency,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	Name               string
	Description        string
	TimeZone           string
	MaxConcurrentCalls int
	RetryPolicy        domain.RetryPolicy
	BusinessHours      []BusinessHourInput
	Contacts           []domain.Contact
}

// BusinessHourInput expresses a business hour window.
type BusinessHourInput struct {
	DayOfWeek time.Weekday
	Start     time.Time
	End       time.Time
}

// UpdateCampaignInput captures updatable properties.
type UpdateCampaignInput struct {
	ID                 uuid.UUID
	Name               *string
	Description        *string
	TimeZone           *string
	MaxConcurrentCalls *int
	RetryPolicy        *domain.RetryPolicy
	BusinessHours      *[]BusinessHourInput
}

// EntryDetail is a queue entry with its dispatch history.
type EntryDetail struct {
	Entry   *domain.QueueEntry
	History []domain.AttemptRecord
}

// Create provisions a new draft campaign, optionally enrolling contacts.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}
	if err := validateContacts(input.Contacts); err != nil {
		return nil, err
	}

	now := s.now()
	campaign := &domain.Campaign{
		ID:                 uuid.New(),
		Name:               input.Name,
		Description:        input.Description,
		TimeZone:           input.TimeZone,
		MaxConcurrentCalls: s.resolveConcurrency(input.MaxConcurrentCalls),
		RetryPolicy:        input.RetryPolicy.WithDefaults(s.defaultRetry),
		Status:             domain.CampaignStatusDraft,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.repo.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}

	windows := toDomainBusinessHours(input.BusinessHours)
	if err := s.hoursRepo.Replace(ctx, campaign.ID, windows); err != nil {
		return nil, fmt.Errorf("campaign service: store business hours: %w", err)
	}
	campaign.BusinessHours = windows

	if err := s.statsRepo.Ensure(ctx, campaign.ID); err != nil {
		return nil, fmt.Errorf("campaign service: ensure stats: %w", err)
	}

	if len(input.Contacts) > 0 {
		if _, err := s.queue.Enroll(ctx, campaign.ID, input.Contacts); err != nil {
			return nil, fmt.Errorf("campaign service: enroll contacts: %w", err)
		}
	}
	return campaign, nil
}

// Get retrieves a campaign by id including business hours.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	windows, err := s.hoursRepo.List(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("campaign service: list business hours: %w", err)
	}
	campaign.BusinessHours = windows
	return campaign, nil
}

// List returns campaigns ordered by id.
func (s *Service) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	return s.repo.List(ctx, afterID, limit)
}

// Update modifies campaign metadata, retry policy and business hours.
func (s *Service) Update(ctx context.Context, input UpdateCampaignInput) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	if campaign.Status == domain.CampaignStatusCompleted {
		return nil, fmt.Errorf("%w: campaign is completed", apperrors.ErrConflict)
	}

	if input.Name != nil {
		if strings.TrimSpace(*input.Name) == "" {
			return nil, fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
		}
		campaign.Name = *input.Name
	}
	if input.Description != nil {
		campaign.Description = *input.Description
	}
	if input.TimeZone != nil {
		if _, err := time.LoadLocation(*input.TimeZone); err != nil || *input.TimeZone == "" {
			return nil, fmt.Errorf("%w: invalid time zone %q", apperrors.ErrValidation, *input.TimeZone)
		}
		campaign.TimeZone = *input.TimeZone
	}
	if input.MaxConcurrentCalls != nil {
		campaign.MaxConcurrentCalls = s.resolveConcurrency(*input.MaxConcurrentCalls)
	}
	if input.RetryPolicy != nil {
		if err := validateRetry(*input.RetryPolicy); err != nil {
			return nil, err
		}
		campaign.RetryPolicy = input.RetryPolicy.WithDefaults(s.defaultRetry)
	}
	if input.BusinessHours != nil {
		if err := validateBusinessHours(*input.BusinessHours); err != nil {
			return nil, err
		}
	}

	if err := s.repo.Update(ctx, campaign); err != nil {
		return nil, err
	}

	if input.BusinessHours != nil {
		if err := s.hoursRepo.Replace(ctx, campaign.ID, toDomainBusinessHours(*input.BusinessHours)); err != nil {
			return nil, fmt.Errorf("campaign service: update business hours: %w", err)
		}
	}
	return s.Get(ctx, campaign.ID)
}

// Start activates a draft or paused campaign. Starting an active campaign is
// a no-op.
func (s *Service) Start(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch campaign.Status {
	case domain.CampaignStatusActive:
		return campaign, nil
	case domain.CampaignStatusCompleted:
		return nil, fmt.Errorf("%w: cannot start completed campaign", apperrors.ErrConflict)
	}

	if campaign.StartedAt == nil {
		now := s.now()
		campaign.StartedAt = &now
	}
	campaign.Status = domain.CampaignStatusActive
	if err := s.repo.Update(ctx, campaign); err != nil {
		return nil, err
	}
	return campaign, nil
}

// Pause stops new dispatches. Calls already in flight finish normally.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.transition(ctx, id, domain.CampaignStatusPaused, domain.CampaignStatusActive)
}

// Resume re-activates a paused campaign.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.transition(ctx, id, domain.CampaignStatusActive, domain.CampaignStatusPaused)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to, from domain.CampaignStatus) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if campaign.Status == to {
		return campaign, nil
	}
	if campaign.Status != from {
		return nil, fmt.Errorf("%w: campaign is %s, expected %s", apperrors.ErrConflict, campaign.Status, from)
	}
	if err := s.repo.UpdateStatus(ctx, id, to); err != nil {
		return nil, err
	}
	campaign.Status = to
	return campaign, nil
}

// Complete closes a campaign. It is refused while calls are in flight; open
// entries are cancelled so that none is left waiting silently.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*domain.Campaign, int, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if campaign.Status == domain.CampaignStatusCompleted {
		return campaign, 0, nil
	}

	calling, err := s.queue.CountCalling(ctx, id)
	if err != nil {
		return nil, 0, fmt.Errorf("campaign service: count calling: %w", err)
	}
	if calling > 0 {
		return nil, 0, fmt.Errorf("%w: %d calls still in flight", apperrors.ErrConflict, calling)
	}

	now := s.now()
	campaign.Status = domain.CampaignStatusCompleted
	campaign.CompletedAt = &now
	if err := s.repo.Update(ctx, campaign); err != nil {
		return nil, 0, err
	}

	cancelled, err := s.queue.CancelOpen(ctx, id)
	if err != nil {
		return nil, 0, fmt.Errorf("campaign service: cancel open entries: %w", err)
	}
	return campaign, cancelled, nil
}

// SetConcurrency changes the campaign budget. It takes effect on the next tick.
func (s *Service) SetConcurrency(ctx context.Context, id uuid.UUID, maxConcurrent int) error {
	if maxConcurrent <= 0 {
		return fmt.Errorf("%w: max concurrent calls must be positive", apperrors.ErrValidation)
	}
	return s.repo.SetConcurrency(ctx, id, maxConcurrent)
}

// Enroll adds contacts to the campaign queue and reports how many were new.
func (s *Service) Enroll(ctx context.Context, campaignID uuid.UUID, contacts []domain.Contact) (int, error) {
	if len(contacts) == 0 {
		return 0, fmt.Errorf("%w: no contacts given", apperrors.ErrValidation)
	}
	if err := validateContacts(contacts); err != nil {
		return 0, err
	}

	campaign, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if campaign.Status == domain.CampaignStatusCompleted {
		return 0, fmt.Errorf("%w: campaign is completed", apperrors.ErrConflict)
	}

	n, err := s.queue.Enroll(ctx, campaignID, contacts)
	if err != nil {
		return 0, fmt.Errorf("campaign service: enroll: %w", err)
	}
	return n, nil
}

// ListEntries pages through a campaign's queue.
func (s *Service) ListEntries(ctx context.Context, campaignID uuid.UUID, filter repository.EntryFilter) ([]*domain.QueueEntry, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", apperrors.ErrValidation, filter.Status)
	}
	if _, err := s.repo.Get(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.queue.ListByCampaign(ctx, campaignID, filter)
}

// GetEntry returns an entry and its dispatch history.
func (s *Service) GetEntry(ctx context.Context, entryID uuid.UUID) (*EntryDetail, error) {
	entry, err := s.queue.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	history, err := s.attempts.List(ctx, entryID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("campaign service: attempt history: %w", err)
	}
	return &EntryDetail{Entry: entry, History: history}, nil
}

// ResetEntry forces an entry back to pending, due now.
func (s *Service) ResetEntry(ctx context.Context, entryID uuid.UUID) (*domain.QueueEntry, error) {
	return s.queue.ResetEntry(ctx, entryID)
}

// Stats retrieves aggregated statistics.
func (s *Service) Stats(ctx context.Context, id uuid.UUID) (*domain.CampaignStats, error) {
	return s.statsRepo.Get(ctx, id)
}

func (s *Service) resolveConcurrency(value int) int {
	if value <= 0 {
		return s.defaultConcurrency
	}
	return value
}

func toDomainBusinessHours(inputs []BusinessHourInput) []domain.BusinessHourWindow {
	windows := make([]domain.BusinessHourWindow, 0, len(inputs))
	for _, in := range inputs {
		windows = append(windows, domain.BusinessHourWindow{
			DayOfWeek: in.DayOfWeek,
			Start:     in.Start,
			End:       in.End,
		})
	}
	return windows
}

func validateCreateInput(input CreateCampaignInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	if input.TimeZone == "" {
		return fmt.Errorf("%w: time zone is required", apperrors.ErrValidation)
	}
	if _, err := time.LoadLocation(input.TimeZone); err != nil {
		return fmt.Errorf("%w: invalid time zone %s: %v", apperrors.ErrValidation, input.TimeZone, err)
	}
	if input.MaxConcurrentCalls < 0 {
		return fmt.Errorf("%w: max concurrent calls must not be negative", apperrors.ErrValidation)
	}
	if err := validateRetry(input.RetryPolicy); err != nil {
		return err
	}
	return validateBusinessHours(input.BusinessHours)
}

func validateRetry(policy domain.RetryPolicy) error {
	if policy.MaxAttempts < 0 || policy.BaseDelay < 0 || policy.MaxDelay < 0 {
		return fmt.Errorf("%w: retry policy values must not be negative", apperrors.ErrValidation)
	}
	if policy.Jitter < 0 || policy.Jitter >= 1 {
		return fmt.Errorf("%w: retry jitter must be in [0,1)", apperrors.ErrValidation)
	}
	return nil
}

// validateBusinessHours accepts windows that span midnight; only empty
// windows are rejected.
func validateBusinessHours(windows []BusinessHourInput) error {
	for _, bh := range windows {
		if bh.DayOfWeek < time.Sunday || bh.DayOfWeek > time.Saturday {
			return fmt.Errorf("%w: invalid day of week %d", apperrors.ErrValidation, bh.DayOfWeek)
		}
		start := bh.Start.Hour()*60 + bh.Start.Minute()
		end := bh.End.Hour()*60 + bh.End.Minute()
		if start == end {
			return fmt.Errorf("%w: business hour window must have positive duration", apperrors.ErrValidation)
		}
	}
	return nil
}

func validateContacts(contacts []domain.Contact) error {
	seen := make(map[string]struct{}, len(contacts))
	for _, c := range contacts {
		if strings.TrimSpace(c.ContactID) == "" || strings.TrimSpace(c.PhoneNumber) == "" {
			return fmt.Errorf("%w: contact id and phone number are required", apperrors.ErrValidation)
		}
		if _, dup := seen[c.ContactID]; dup {
			return fmt.Errorf("%w: duplicate contact id %q", apperrors.ErrValidation, c.ContactID)
		}
		seen[c.ContactID] = struct{}{}
	}
	return nil
}
