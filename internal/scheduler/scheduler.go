package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/campaign-dispatch/internal/app"
	"github.com/acme/campaign-dispatch/internal/config"
	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/lock"
	"github.com/acme/campaign-dispatch/internal/queue"
	"github.com/acme/campaign-dispatch/internal/repository"
	"github.com/acme/campaign-dispatch/internal/telephony"
	"github.com/acme/campaign-dispatch/pkg/logger"
)

// recordTimeout bounds the store writes that follow a provider call. They run
// detached from the tick so a started dispatch is always recorded.
const recordTimeout = 5 * time.Second

// Report summarises one tick.
type Report struct {
	Campaigns  int
	Claimed    int
	Dispatched int
	Contended  int
	Rejected   int
	Failed     int
	Swept      int
}

func (r *Report) add(o Report) {
	r.Campaigns += o.Campaigns
	r.Claimed += o.Claimed
	r.Dispatched += o.Dispatched
	r.Contended += o.Contended
	r.Rejected += o.Rejected
	r.Failed += o.Failed
	r.Swept += o.Swept
}

// Dependencies are the collaborators a Scheduler drives.
type Dependencies struct {
	Campaigns     repository.CampaignRepository
	BusinessHours repository.BusinessHourRepository
	Queue         repository.CallQueueStore
	Stats         repository.CampaignStatisticsRepository
	Attempts      repository.AttemptLog
	Mutex         *lock.Mutex
	Gateway       telephony.Gateway
	Notifier      queue.FailureNotifier
	Logger        *logger.Logger
	DefaultRetry  domain.RetryPolicy
	Now           func() time.Time
}

// Scheduler turns due queue entries into provider dispatches, one tick at a
// time. Any number of schedulers may run against the same stores.
type Scheduler struct {
	deps     Dependencies
	cfg      config.SchedulerConfig
	lockCfg  config.LockConfig
	provider config.ProviderConfig
	tracer   trace.Tracer
}

// New constructs a scheduler from the application container.
func New(container *app.Container) *Scheduler {
	repos := container.Repositories()
	return NewWithDependencies(container.Config, Dependencies{
		Campaigns:     repos.Campaign,
		BusinessHours: repos.BusinessHours,
		Queue:         repos.Queue,
		Stats:         repos.Stats,
		Attempts:      repos.Attempts,
		Mutex:         container.Mutex(),
		Gateway:       container.Providers().Gateway,
		Notifier:      container.Publishers().Failures,
		Logger:        container.Logger.Named("scheduler"),
		DefaultRetry:  container.DefaultRetryPolicy(),
	})
}

// NewWithDependencies constructs a scheduler from explicit collaborators.
func NewWithDependencies(cfg *config.Config, deps Dependencies) *Scheduler {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Attempts == nil {
		deps.Attempts = repository.NopAttemptLog{}
	}
	if deps.Notifier == nil {
		deps.Notifier = queue.NopNotifier{}
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		deps:     deps,
		cfg:      cfg.Scheduler,
		lockCfg:  cfg.Lock,
		provider: cfg.Provider,
		tracer:   otel.Tracer("dispatch.scheduler"),
	}
}

// Run executes ticks until ctx is cancelled. Tick failures are logged and
// never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	timeout := s.cfg.TickTimeout
	if timeout <= 0 {
		timeout = interval * 5
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		tickCtx, cancel := context.WithTimeout(ctx, timeout)
		report, err := s.Tick(tickCtx)
		cancel()

		switch {
		case err != nil && ctx.Err() == nil:
			s.deps.Logger.Error("scheduler tick failed", zap.Error(err))
		case report.Claimed > 0 || report.Swept > 0:
			s.deps.Logger.Info("scheduler tick",
				zap.Int("campaigns", report.Campaigns),
				zap.Int("claimed", report.Claimed),
				zap.Int("dispatched", report.Dispatched),
				zap.Int("contended", report.Contended),
				zap.Int("rejected", report.Rejected),
				zap.Int("failed", report.Failed),
				zap.Int("swept", report.Swept),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one scheduling pass over every active campaign and then sweeps
// stale calls.
func (s *Scheduler) Tick(ctx context.Context) (Report, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	var report Report

	campaigns, err := s.deps.Campaigns.ListByStatus(ctx, domain.CampaignStatusActive, s.cfg.CampaignFetchLimit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list campaigns")
		return report, fmt.Errorf("scheduler: list campaigns: %w", err)
	}
	span.SetAttributes(attribute.Int("campaign.count", len(campaigns)))

	now := s.deps.Now()
	for _, campaign := range campaigns {
		if ctx.Err() != nil {
			break
		}
		windows, err := s.deps.BusinessHours.List(ctx, campaign.ID)
		if err != nil {
			s.deps.Logger.Error("scheduler: load business hours", zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
			continue
		}
		campaign.BusinessHours = windows
		if !campaign.WithinBusinessHours(now) {
			s.deps.Logger.Debug("scheduler: campaign outside business hours", zap.String("campaign_id", campaign.ID.String()))
			continue
		}

		report.Campaigns++
		report.add(s.runCampaign(ctx, campaign))
	}

	if ctx.Err() == nil {
		report.add(s.sweep(ctx))
	}

	span.SetAttributes(
		attribute.Int("entries.claimed", report.Claimed),
		attribute.Int("entries.dispatched", report.Dispatched),
		attribute.Int("entries.swept", report.Swept),
	)
	return report, nil
}

type entryResult int

const (
	resultSkipped entryResult = iota
	resultContended
	resultDispatched
	resultRejected
	resultFailed
)

func (s *Scheduler) runCampaign(ctx context.Context, campaign *domain.Campaign) Report {
	ctx, span := s.tracer.Start(ctx, "scheduler.campaign", trace.WithAttributes(
		attribute.String("campaign.id", campaign.ID.String()),
		attribute.Int("max_concurrency", campaign.MaxConcurrentCalls),
	))
	defer span.End()

	log := s.deps.Logger.With(zap.String("campaign_id", campaign.ID.String()))
	var report Report

	claim, err := s.deps.Queue.ClaimWithinBudget(ctx, campaign.ID, campaign.MaxConcurrentCalls)
	if err != nil {
		span.RecordError(err)
		log.Error("scheduler: claim due entries", zap.Error(err))
		return report
	}
	span.SetAttributes(
		attribute.Int("entries.in_flight", claim.InFlight),
		attribute.Int("entries.claimed", len(claim.Entries)),
	)
	if len(claim.Entries) == 0 {
		return report
	}
	report.Claimed = len(claim.Entries)

	policy := s.policyFor(campaign)
	results := make([]entryResult, len(claim.Entries))

	var g errgroup.Group
	g.SetLimit(s.workers())
	for i, entry := range claim.Entries {
		i, entry := i, entry
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = resultSkipped
				return nil
			}
			results[i] = s.dispatchEntry(ctx, campaign, entry, claim.Token, policy)
			return nil
		})
	}
	_ = g.Wait()

	var unclaimed []uuid.UUID
	for i, res := range results {
		switch res {
		case resultDispatched:
			report.Dispatched++
		case resultRejected:
			report.Rejected++
		case resultFailed:
			report.Failed++
		case resultContended:
			report.Contended++
			unclaimed = append(unclaimed, claim.Entries[i].ID)
		default:
			unclaimed = append(unclaimed, claim.Entries[i].ID)
		}
	}

	if len(unclaimed) > 0 {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		if err := s.deps.Queue.ReleaseClaims(releaseCtx, unclaimed, claim.Token); err != nil {
			log.Warn("scheduler: release claims", zap.Int("count", len(unclaimed)), zap.Error(err))
		}
		cancel()
	}
	return report
}

// attempt is what happened to one entry while its contact lock was held.
type attempt struct {
	result      entryResult
	entry       *domain.QueueEntry
	receipt     telephony.Receipt
	dispatchErr error
}

func (s *Scheduler) dispatchEntry(ctx context.Context, campaign *domain.Campaign, entry *domain.QueueEntry, claimToken string, policy domain.RetryPolicy) (result entryResult) {
	log := s.deps.Logger.WithContext(ctx).With(
		zap.String("campaign_id", campaign.ID.String()),
		zap.String("entry_id", entry.ID.String()),
		zap.String("contact_id", entry.ContactID),
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error("scheduler: dispatch panicked", zap.Any("panic", r), zap.Stack("stack"))
			result = resultSkipped
		}
	}()

	ctx, span := s.tracer.Start(ctx, "scheduler.dispatch", trace.WithAttributes(
		attribute.String("entry.id", entry.ID.String()),
	))
	defer span.End()

	// Only the provider call and the state write that records it run under
	// the lock. Counters, history and notices follow once it is released.
	var att attempt
	key := fmt.Sprintf("campaign:%s:contact:%s", campaign.ID, entry.ContactID)
	acquired, err := s.deps.Mutex.WithLockRetry(ctx, key, s.lockCfg.AcquireAttempts, s.lockCfg.RetryDelay, s.lockCfg.TTL,
		func(lockCtx context.Context, h *lock.Handle) error {
			att = s.attemptLocked(lockCtx, log, campaign, entry.ID, claimToken, h.Token, policy)
			return nil
		})
	switch {
	case !acquired && err != nil:
		span.RecordError(err)
		log.Error("scheduler: acquire contact lock", zap.Error(err))
		return resultSkipped
	case !acquired:
		log.Debug("scheduler: contact locked elsewhere, deferring")
		return resultContended
	case err != nil:
		log.Warn("scheduler: release contact lock", zap.Error(err))
	}
	if att.dispatchErr != nil {
		span.RecordError(att.dispatchErr)
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	s.recordAttempt(recordCtx, log, campaign, att)
	return att.result
}

// attemptLocked revalidates the entry, dials it and records the state change.
// It runs with the contact lock held.
func (s *Scheduler) attemptLocked(ctx context.Context, log *zap.Logger, campaign *domain.Campaign, entryID uuid.UUID, claimToken, lockToken string, policy domain.RetryPolicy) attempt {
	current, err := s.deps.Queue.Get(ctx, entryID)
	if err != nil {
		log.Error("scheduler: reload entry", zap.Error(err))
		return attempt{result: resultSkipped}
	}
	if !current.Status.Dispatchable() || !current.HeldBy(claimToken) {
		log.Debug("scheduler: entry changed since claim, skipping", zap.String("status", string(current.Status)))
		return attempt{result: resultSkipped}
	}

	req := telephony.DispatchRequest{
		EntryID:     current.ID,
		CampaignID:  campaign.ID,
		ContactID:   current.ContactID,
		PhoneNumber: current.PhoneNumber,
		Attempt:     current.Attempts + 1,
		CallerName:  s.provider.CallerName,
	}

	dispatchCtx, cancelDispatch := context.WithTimeout(context.WithoutCancel(ctx), s.requestTimeout())
	receipt, dispatchErr := s.deps.Gateway.Dispatch(dispatchCtx, req)
	cancelDispatch()

	recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancelRecord()

	if dispatchErr == nil {
		updated, err := s.markCalling(recordCtx, current.ID, receipt.ExternalCallID, lockToken)
		if err != nil {
			log.Error("scheduler: record accepted dispatch",
				zap.String("external_call_id", receipt.ExternalCallID),
				zap.Error(err),
			)
			return attempt{result: resultFailed, entry: current, receipt: receipt}
		}
		return attempt{result: resultDispatched, entry: updated, receipt: receipt}
	}

	outcome := telephony.RefusalOutcome(dispatchErr)
	var updated *domain.QueueEntry
	if telephony.IsPermanent(dispatchErr) {
		updated, err = s.deps.Queue.MarkTerminal(recordCtx, current.ID, "", outcome)
	} else {
		updated, err = s.deps.Queue.MarkRetry(recordCtx, current.ID, outcome, policy)
	}
	if err != nil {
		log.Error("scheduler: record provider rejection", zap.NamedError("rejection", dispatchErr), zap.Error(err))
		return attempt{result: resultFailed, dispatchErr: dispatchErr}
	}
	if updated.Status == domain.EntryStatusFailed {
		return attempt{result: resultFailed, entry: updated, dispatchErr: dispatchErr}
	}
	return attempt{result: resultRejected, entry: updated, dispatchErr: dispatchErr}
}

// markCalling records an accepted call, retrying once on a store fault. A
// guard failure is checked against the stored row since the first write may
// have landed before its error was reported.
func (s *Scheduler) markCalling(ctx context.Context, id uuid.UUID, externalCallID, lockToken string) (*domain.QueueEntry, error) {
	updated, err := s.deps.Queue.MarkCalling(ctx, id, externalCallID, lockToken)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, repository.ErrInvalidTransition) {
		updated, err = s.deps.Queue.MarkCalling(ctx, id, externalCallID, lockToken)
		if err == nil {
			return updated, nil
		}
	}
	if errors.Is(err, repository.ErrInvalidTransition) {
		current, getErr := s.deps.Queue.Get(ctx, id)
		if getErr == nil && current.Status == domain.EntryStatusCalling &&
			current.ExternalCallID != nil && *current.ExternalCallID == externalCallID {
			return current, nil
		}
	}
	return nil, err
}

func (s *Scheduler) recordAttempt(ctx context.Context, log *zap.Logger, campaign *domain.Campaign, att attempt) {
	switch {
	case att.entry == nil:
		return
	case att.dispatchErr == nil && att.result == resultDispatched:
		s.applyStats(ctx, campaign.ID, repository.StatsDelta{DispatchAttempts: 1})
		s.appendAttempt(ctx, domain.AttemptRecord{
			EntryID:        att.entry.ID,
			CampaignID:     campaign.ID,
			Attempt:        att.entry.Attempts,
			Kind:           domain.AttemptKindDispatched,
			ExternalCallID: att.receipt.ExternalCallID,
			RecordedAt:     att.receipt.AcceptedAt,
		})
		log.Debug("scheduler: dispatched", zap.String("external_call_id", att.receipt.ExternalCallID))
	case att.dispatchErr == nil:
		// The provider placed a call the queue does not know about. Its
		// outcome will be reported as unknown, so operators reconcile by id.
		s.applyStats(ctx, campaign.ID, repository.StatsDelta{DispatchAttempts: 1})
		notice := queue.NewFailureNotice(att.entry, "provider accepted call but it could not be recorded")
		notice.ExternalCallID = att.receipt.ExternalCallID
		s.publishNotice(ctx, notice)
	default:
		permanent := telephony.IsPermanent(att.dispatchErr)
		log.Warn("scheduler: provider rejected dispatch",
			zap.Bool("permanent", permanent),
			zap.String("status", string(att.entry.Status)),
			zap.Error(att.dispatchErr),
		)
		s.applyStats(ctx, campaign.ID, repository.StatsDelta{DispatchAttempts: 1, Rejections: 1})
		s.appendAttempt(ctx, domain.AttemptRecord{
			EntryID:    att.entry.ID,
			CampaignID: campaign.ID,
			Attempt:    att.entry.Attempts,
			Kind:       domain.AttemptKindRejected,
			Outcome:    string(telephony.RefusalOutcome(att.dispatchErr)),
			Detail:     att.dispatchErr.Error(),
			RecordedAt: att.entry.UpdatedAt,
		})
		if att.entry.Status != domain.EntryStatusFailed {
			return
		}
		reason := "retries exhausted after provider rejection"
		if permanent {
			reason = "permanent provider rejection"
		}
		s.notifyFailure(ctx, att.entry, reason)
	}
}

func (s *Scheduler) sweep(ctx context.Context) Report {
	ctx, span := s.tracer.Start(ctx, "scheduler.sweep")
	defer span.End()

	var report Report
	swept, err := s.deps.Queue.SweepStaleCalling(ctx, s.cfg.StaleThreshold, s.deps.DefaultRetry)
	if err != nil {
		span.RecordError(err)
		s.deps.Logger.Error("scheduler: sweep stale calls", zap.Error(err))
		return report
	}
	report.Swept = len(swept)
	span.SetAttributes(attribute.Int("entries.swept", len(swept)))

	perCampaign := make(map[uuid.UUID]int64)
	for _, entry := range swept {
		perCampaign[entry.CampaignID]++
		s.appendAttempt(ctx, domain.AttemptRecord{
			EntryID:    entry.ID,
			CampaignID: entry.CampaignID,
			Attempt:    entry.Attempts,
			Kind:       domain.AttemptKindSwept,
			Outcome:    string(domain.OutcomeTimeout),
			RecordedAt: entry.UpdatedAt,
		})
		s.deps.Logger.Warn("scheduler: reclaimed stale call",
			zap.String("campaign_id", entry.CampaignID.String()),
			zap.String("entry_id", entry.ID.String()),
			zap.String("status", string(entry.Status)),
		)
		if entry.Status == domain.EntryStatusFailed {
			report.Failed++
			s.notifyFailure(ctx, entry, "no outcome reported and retries exhausted")
		}
	}
	for campaignID, n := range perCampaign {
		s.applyStats(ctx, campaignID, repository.StatsDelta{Sweeps: n})
	}
	return report
}

func (s *Scheduler) policyFor(campaign *domain.Campaign) domain.RetryPolicy {
	return campaign.RetryPolicy.WithDefaults(s.deps.DefaultRetry)
}

func (s *Scheduler) workers() int {
	if s.cfg.WorkerCount <= 0 {
		return 1
	}
	return s.cfg.WorkerCount
}

func (s *Scheduler) requestTimeout() time.Duration {
	if s.provider.RequestTimeout <= 0 {
		return 5 * time.Second
	}
	return s.provider.RequestTimeout
}

func (s *Scheduler) applyStats(ctx context.Context, campaignID uuid.UUID, delta repository.StatsDelta) {
	if err := s.deps.Stats.ApplyDelta(ctx, campaignID, delta); err != nil {
		s.deps.Logger.Warn("scheduler: apply stats", zap.String("campaign_id", campaignID.String()), zap.Error(err))
	}
}

func (s *Scheduler) appendAttempt(ctx context.Context, record domain.AttemptRecord) {
	if err := s.deps.Attempts.Append(ctx, record); err != nil {
		s.deps.Logger.Warn("scheduler: append attempt", zap.String("entry_id", record.EntryID.String()), zap.Error(err))
	}
}

func (s *Scheduler) notifyFailure(ctx context.Context, entry *domain.QueueEntry, reason string) {
	s.publishNotice(ctx, queue.NewFailureNotice(entry, reason))
}

func (s *Scheduler) publishNotice(ctx context.Context, notice queue.FailureNotice) {
	err := s.deps.Notifier.NotifyFailure(ctx, notice)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.deps.Logger.Error("scheduler: publish failure notice", zap.String("entry_id", notice.EntryID.String()), zap.Error(err))
	}
}
