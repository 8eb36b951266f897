// Package outcome applies provider call outcomes to the call queue.
package outcome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/queue"
	"github.com/acme/campaign-dispatch/internal/repository"
	"github.com/acme/campaign-dispatch/pkg/logger"
)

// Result describes what Ingest did with an event.
type Result string

const (
	// ResultApplied means the event moved its entry out of calling.
	ResultApplied Result = "applied"
	// ResultUnknown means no entry carries the event's external call id.
	ResultUnknown Result = "unknown"
	// ResultDuplicate means the entry already left the call the event refers to.
	ResultDuplicate Result = "duplicate"
)

// Service reconciles outcome events with queue state. Ingest is safe to call
// any number of times for the same event.
type Service struct {
	queue        repository.CallQueueStore
	campaigns    repository.CampaignRepository
	stats        repository.CampaignStatisticsRepository
	attempts     repository.AttemptLog
	notifier     queue.FailureNotifier
	defaultRetry domain.RetryPolicy
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewService constructs the outcome service.
func NewService(
	queueStore repository.CallQueueStore,
	campaigns repository.CampaignRepository,
	stats repository.CampaignStatisticsRepository,
	attempts repository.AttemptLog,
	notifier queue.FailureNotifier,
	defaultRetry domain.RetryPolicy,
	lg *logger.Logger,
) *Service {
	if attempts == nil {
		attempts = repository.NopAttemptLog{}
	}
	if notifier == nil {
		notifier = queue.NopNotifier{}
	}
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Service{
		queue:        queueStore,
		campaigns:    campaigns,
		stats:        stats,
		attempts:     attempts,
		notifier:     notifier,
		defaultRetry: defaultRetry,
		logger:       lg,
		tracer:       otel.Tracer("dispatch.outcome"),
	}
}

// Ingest applies one outcome event.
func (s *Service) Ingest(ctx context.Context, event domain.OutcomeEvent) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "outcome.ingest", trace.WithAttributes(
		attribute.String("external_call_id", event.ExternalCallID),
		attribute.String("outcome", string(event.Outcome)),
	))
	defer span.End()

	if event.ExternalCallID == "" || !event.Outcome.Valid() {
		return "", fmt.Errorf("outcome service: malformed event %q/%q", event.ExternalCallID, event.Outcome)
	}

	log := s.logger.WithContext(ctx).With(
		zap.String("external_call_id", event.ExternalCallID),
		zap.String("outcome", string(event.Outcome)),
	)

	entry, err := s.queue.FindByExternalCallID(ctx, event.ExternalCallID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("outcome for unknown call")
		span.SetAttributes(attribute.String("result", string(ResultUnknown)))
		return ResultUnknown, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup entry")
		return "", fmt.Errorf("outcome service: lookup: %w", err)
	}
	log = log.With(zap.String("entry_id", entry.ID.String()), zap.String("campaign_id", entry.CampaignID.String()))

	if entry.Status != domain.EntryStatusCalling || entry.ExternalCallID == nil || *entry.ExternalCallID != event.ExternalCallID {
		log.Debug("outcome already applied", zap.String("status", string(entry.Status)))
		span.SetAttributes(attribute.String("result", string(ResultDuplicate)))
		return ResultDuplicate, nil
	}

	var updated *domain.QueueEntry
	switch event.Outcome.Disposition() {
	case domain.DispositionSuccess, domain.DispositionPermanent:
		updated, err = s.queue.MarkTerminal(ctx, entry.ID, event.ExternalCallID, event.Outcome)
	default:
		var policy domain.RetryPolicy
		policy, err = s.policyFor(ctx, entry)
		if err == nil {
			updated, err = s.queue.MarkRetry(ctx, entry.ID, event.Outcome, policy)
		}
	}
	if errors.Is(err, repository.ErrInvalidTransition) {
		log.Debug("outcome lost race with another transition")
		span.SetAttributes(attribute.String("result", string(ResultDuplicate)))
		return ResultDuplicate, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply outcome")
		return "", fmt.Errorf("outcome service: apply: %w", err)
	}
	span.SetAttributes(
		attribute.String("result", string(ResultApplied)),
		attribute.String("status", string(updated.Status)),
	)

	delta := repository.StatsDelta{TalkSeconds: int64(event.DurationSeconds), CostUnits: event.CostUnits}
	if err := s.stats.ApplyDelta(ctx, entry.CampaignID, delta); err != nil {
		log.Warn("outcome: apply stats", zap.Error(err))
	}

	recordedAt := event.OccurredAt
	if recordedAt.IsZero() {
		recordedAt = updated.UpdatedAt
	}
	record := domain.AttemptRecord{
		EntryID:        entry.ID,
		CampaignID:     entry.CampaignID,
		Attempt:        entry.Attempts,
		Kind:           domain.AttemptKindOutcome,
		Outcome:        string(event.Outcome),
		ExternalCallID: event.ExternalCallID,
		Duration:       time.Duration(event.DurationSeconds) * time.Second,
		CostUnits:      event.CostUnits,
		RecordedAt:     recordedAt,
	}
	if err := s.attempts.Append(ctx, record); err != nil {
		log.Warn("outcome: append attempt", zap.Error(err))
	}

	switch updated.Status {
	case domain.EntryStatusFailed:
		reason := "retries exhausted"
		if event.Outcome.Disposition() == domain.DispositionPermanent {
			reason = "permanent call outcome"
		}
		log.Warn("entry failed", zap.String("reason", reason), zap.Int("attempts", updated.Attempts))
		if err := s.notifier.NotifyFailure(ctx, queue.NewFailureNotice(updated, reason)); err != nil {
			log.Error("outcome: publish failure notice", zap.Error(err))
		}
	case domain.EntryStatusRetryScheduled:
		log.Info("retry scheduled", zap.Time("next_attempt_at", updated.NextAttemptAt), zap.Int("attempts", updated.Attempts))
	default:
		log.Debug("call finished", zap.String("status", string(updated.Status)))
	}
	return ResultApplied, nil
}

func (s *Service) policyFor(ctx context.Context, entry *domain.QueueEntry) (domain.RetryPolicy, error) {
	campaign, err := s.campaigns.Get(ctx, entry.CampaignID)
	if err != nil {
		return domain.RetryPolicy{}, fmt.Errorf("load campaign %s: %w", entry.CampaignID, err)
	}
	return campaign.RetryPolicy.WithDefaults(s.defaultRetry), nil
}
