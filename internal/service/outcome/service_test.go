package outcome

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
	infradb "github.com/acme/campaign-dispatch/internal/infra/db"
	"github.com/acme/campaign-dispatch/internal/queue"
	"github.com/acme/campaign-dispatch/internal/repository/postgres"
)

type recordingNotifier struct {
	mu      sync.Mutex
	notices []queue.FailureNotice
}

func (n *recordingNotifier) NotifyFailure(_ context.Context, notice queue.FailureNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

type fixture struct {
	svc       *Service
	queue     *postgres.QueueStore
	campaigns *postgres.CampaignRepository
	stats     *postgres.CampaignStatisticsRepository
	notifier  *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := infradb.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	db := database.DB()

	f := &fixture{
		queue:     postgres.NewQueueStore(db, 30*time.Second, postgres.WithRandom(func() float64 { return 0 })),
		campaigns: postgres.NewCampaignRepository(db),
		stats:     postgres.NewCampaignStatisticsRepository(db),
		notifier:  &recordingNotifier{},
	}
	f.svc = NewService(f.queue, f.campaigns, f.stats, nil, f.notifier,
		domain.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Hour}, nil)
	return f
}

// calling seeds an active campaign with one entry already dispatched under
// the given external call id.
func (f *fixture) calling(t *testing.T, policy domain.RetryPolicy, externalCallID string) *domain.QueueEntry {
	t.Helper()
	ctx := context.Background()
	campaign := &domain.Campaign{
		ID:                 uuid.New(),
		Name:               "winter-outreach",
		TimeZone:           "UTC",
		MaxConcurrentCalls: 1,
		RetryPolicy:        policy,
		Status:             domain.CampaignStatusActive,
	}
	if err := f.campaigns.Create(ctx, campaign); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	if err := f.stats.Ensure(ctx, campaign.ID); err != nil {
		t.Fatalf("ensure stats: %v", err)
	}
	if _, err := f.queue.Enroll(ctx, campaign.ID, []domain.Contact{{ContactID: "c-1", PhoneNumber: "+15550001111"}}); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	claim, err := f.queue.ClaimDue(ctx, campaign.ID, 1)
	if err != nil || len(claim.Entries) != 1 {
		t.Fatalf("claim: %v", err)
	}
	entry, err := f.queue.MarkCalling(ctx, claim.Entries[0].ID, externalCallID, "lock-token")
	if err != nil {
		t.Fatalf("mark calling: %v", err)
	}
	return entry
}

func TestIngestAnsweredCompletesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry := f.calling(t, domain.RetryPolicy{}, "ext-1")

	event := domain.OutcomeEvent{ExternalCallID: "ext-1", Outcome: domain.OutcomeAnswered, DurationSeconds: 42, CostUnits: 1.5}
	res, err := f.svc.Ingest(ctx, event)
	if err != nil || res != ResultApplied {
		t.Fatalf("expected applied, got %s / %v", res, err)
	}

	res, err = f.svc.Ingest(ctx, event)
	if err != nil || res != ResultDuplicate {
		t.Fatalf("expected duplicate on replay, got %s / %v", res, err)
	}

	got, err := f.queue.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.EntryStatusCompleted || got.Attempts != 1 {
		t.Fatalf("expected completed after one attempt, got %s/%d", got.Status, got.Attempts)
	}

	stats, err := f.stats.Get(ctx, entry.CampaignID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TalkSeconds != 42 || stats.CostUnits != 1.5 {
		t.Fatalf("expected counters applied once, got %d / %v", stats.TalkSeconds, stats.CostUnits)
	}
}

func TestIngestConcurrentDuplicatesApplyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.calling(t, domain.RetryPolicy{}, "ext-2")

	const replicas = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < replicas; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Ingest(ctx, domain.OutcomeEvent{ExternalCallID: "ext-2", Outcome: domain.OutcomeVoicemail})
			if err != nil {
				t.Errorf("ingest: %v", err)
				return
			}
			if res == ResultApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if applied != 1 {
		t.Fatalf("expected exactly one applied ingest, got %d", applied)
	}
}

func TestIngestUnknownCall(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Ingest(context.Background(), domain.OutcomeEvent{ExternalCallID: "nope", Outcome: domain.OutcomeBusy})
	if err != nil || res != ResultUnknown {
		t.Fatalf("expected unknown, got %s / %v", res, err)
	}
}

func TestIngestRejectsMalformedEvent(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Ingest(context.Background(), domain.OutcomeEvent{ExternalCallID: "x", Outcome: "hung_up"}); err == nil {
		t.Fatalf("expected error for unknown outcome")
	}
}

func TestIngestRetryableSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry := f.calling(t, domain.RetryPolicy{}, "ext-3")

	res, err := f.svc.Ingest(ctx, domain.OutcomeEvent{ExternalCallID: "ext-3", Outcome: domain.OutcomeNoAnswer})
	if err != nil || res != ResultApplied {
		t.Fatalf("expected applied, got %s / %v", res, err)
	}
	got, err := f.queue.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.EntryStatusRetryScheduled || got.Attempts != 1 {
		t.Fatalf("expected retry_scheduled with one attempt, got %s/%d", got.Status, got.Attempts)
	}
	if got.NextAttemptAt.Before(got.UpdatedAt.Add(time.Minute)) {
		t.Fatalf("expected backoff of at least one minute, next at %v", got.NextAttemptAt)
	}
	if len(f.notifier.notices) != 0 {
		t.Fatalf("expected no failure notice, got %+v", f.notifier.notices)
	}
}

func TestIngestRetryableFailsAtCampaignCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry := f.calling(t, domain.RetryPolicy{MaxAttempts: 1}, "ext-4")

	res, err := f.svc.Ingest(ctx, domain.OutcomeEvent{ExternalCallID: "ext-4", Outcome: domain.OutcomeBusy})
	if err != nil || res != ResultApplied {
		t.Fatalf("expected applied, got %s / %v", res, err)
	}
	got, err := f.queue.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.EntryStatusFailed {
		t.Fatalf("expected failed at cap, got %s", got.Status)
	}
	if len(f.notifier.notices) != 1 || f.notifier.notices[0].EntryID != entry.ID {
		t.Fatalf("expected one failure notice for %s, got %+v", entry.ID, f.notifier.notices)
	}
}

func TestIngestPermanentOutcomeFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry := f.calling(t, domain.RetryPolicy{}, "ext-5")

	if _, err := f.svc.Ingest(ctx, domain.OutcomeEvent{ExternalCallID: "ext-5", Outcome: domain.OutcomeInvalidNumber}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	got, err := f.queue.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.EntryStatusFailed || got.LastOutcome == nil || *got.LastOutcome != domain.OutcomeInvalidNumber {
		t.Fatalf("expected failed/invalid_number, got %s/%v", got.Status, got.LastOutcome)
	}
}

func TestIngestAfterSweepIsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry := f.calling(t, domain.RetryPolicy{}, "ext-6")

	if _, err := f.queue.MarkRetry(ctx, entry.ID, domain.OutcomeTimeout, domain.RetryPolicy{MaxAttempts: 3}); err != nil {
		t.Fatalf("mark retry: %v", err)
	}
	res, err := f.svc.Ingest(ctx, domain.OutcomeEvent{ExternalCallID: "ext-6", Outcome: domain.OutcomeAnswered})
	if err != nil || res != ResultDuplicate {
		t.Fatalf("expected late outcome to be a duplicate, got %s / %v", res, err)
	}
}
