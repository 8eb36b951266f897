package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/acme/campaign-dispatch/internal/config"
	"github.com/acme/campaign-dispatch/internal/domain"
	infradb "github.com/acme/campaign-dispatch/internal/infra/db"
	"github.com/acme/campaign-dispatch/internal/lock"
	"github.com/acme/campaign-dispatch/internal/queue"
	"github.com/acme/campaign-dispatch/internal/repository"
	"github.com/acme/campaign-dispatch/internal/repository/postgres"
	"github.com/acme/campaign-dispatch/internal/telephony"
)

type fakeGateway struct {
	mu       sync.Mutex
	requests []telephony.DispatchRequest
	refuse   func(req telephony.DispatchRequest) error
	// before runs outside the gateway mutex ahead of every dispatch.
	before func(ctx context.Context, req telephony.DispatchRequest)
}

func (g *fakeGateway) Dispatch(ctx context.Context, req telephony.DispatchRequest) (telephony.Receipt, error) {
	if g.before != nil {
		g.before(ctx, req)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.refuse != nil {
		if err := g.refuse(req); err != nil {
			return telephony.Receipt{}, err
		}
	}
	return telephony.Receipt{ExternalCallID: fmt.Sprintf("call-%s", req.EntryID), AcceptedAt: time.Now().UTC()}, nil
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

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

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyQueue fails MarkCalling a set number of times before delegating.
type flakyQueue struct {
	repository.CallQueueStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (q *flakyQueue) MarkCalling(ctx context.Context, id uuid.UUID, externalCallID, lockToken string) (*domain.QueueEntry, error) {
	q.mu.Lock()
	q.calls++
	fail := q.failures > 0
	if fail {
		q.failures--
	}
	q.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return q.CallQueueStore.MarkCalling(ctx, id, externalCallID, lockToken)
}

type fixture struct {
	scheduler *Scheduler
	deps      Dependencies
	clock     *testClock
	campaigns *postgres.CampaignRepository
	hours     *postgres.BusinessHourRepository
	queue     *postgres.QueueStore
	stats     *postgres.CampaignStatisticsRepository
	mutex     *lock.Mutex
	gateway   *fakeGateway
	notifier  *recordingNotifier
	now       time.Time
}

func testConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{
			TickInterval:       time.Second,
			TickTimeout:        5 * time.Second,
			WorkerCount:        4,
			CampaignFetchLimit: 50,
			ClaimTTL:           30 * time.Second,
			StaleThreshold:     15 * time.Minute,
		},
		Lock: config.LockConfig{
			TTL:             15 * time.Second,
			AcquireAttempts: 1,
			RetryDelay:      time.Millisecond,
		},
		Provider: config.ProviderConfig{
			CallerName:     "Test Dialer",
			RequestTimeout: time.Second,
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	database, err := infradb.NewSQLite(ctx, filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	db := database.DB()

	// Monday 10:00 UTC.
	now := time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)
	clk := &testClock{now: now}
	clock := clk.Now

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		campaigns: postgres.NewCampaignRepository(db, postgres.WithClock(clock)),
		hours:     postgres.NewBusinessHourRepository(db),
		queue:     postgres.NewQueueStore(db, 30*time.Second, postgres.WithClock(clock), postgres.WithRandom(func() float64 { return 0 })),
		stats:     postgres.NewCampaignStatisticsRepository(db, postgres.WithClock(clock)),
		mutex:     lock.NewMutex(lock.NewRedisStore(client), lock.WithKeyPrefix("test:")),
		gateway:   &fakeGateway{},
		notifier:  &recordingNotifier{},
		clock:     clk,
		now:       now,
	}
	f.deps = Dependencies{
		Campaigns:     f.campaigns,
		BusinessHours: f.hours,
		Queue:         f.queue,
		Stats:         f.stats,
		Mutex:         f.mutex,
		Gateway:       f.gateway,
		Notifier:      f.notifier,
		DefaultRetry:  domain.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Hour},
		Now:           clock,
	}
	f.scheduler = NewWithDependencies(testConfig(), f.deps)
	return f
}

func (f *fixture) seed(t *testing.T, maxConcurrent, contacts int) *domain.Campaign {
	t.Helper()
	return f.seedWithPolicy(t, maxConcurrent, contacts, domain.RetryPolicy{})
}

func (f *fixture) seedWithPolicy(t *testing.T, maxConcurrent, contacts int, policy domain.RetryPolicy) *domain.Campaign {
	t.Helper()
	ctx := context.Background()
	campaign := &domain.Campaign{
		ID:                 uuid.New(),
		Name:               "spring-renewals",
		TimeZone:           "UTC",
		MaxConcurrentCalls: maxConcurrent,
		RetryPolicy:        policy,
		Status:             domain.CampaignStatusActive,
	}
	if err := f.campaigns.Create(ctx, campaign); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	if err := f.stats.Ensure(ctx, campaign.ID); err != nil {
		t.Fatalf("ensure stats: %v", err)
	}
	batch := make([]domain.Contact, contacts)
	for i := range batch {
		batch[i] = domain.Contact{ContactID: fmt.Sprintf("contact-%03d", i), PhoneNumber: fmt.Sprintf("+1555000%04d", i)}
	}
	if _, err := f.queue.Enroll(ctx, campaign.ID, batch); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	return campaign
}

func (f *fixture) counts(t *testing.T, campaignID uuid.UUID) map[domain.EntryStatus]int64 {
	t.Helper()
	counts, err := f.queue.CountByStatus(context.Background(), campaignID)
	if err != nil {
		t.Fatalf("count by status: %v", err)
	}
	return counts
}

func TestTickRespectsConcurrencyBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	campaign := f.seed(t, 2, 5)

	report, err := f.scheduler.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Claimed != 2 || report.Dispatched != 2 {
		t.Fatalf("expected 2 claimed and dispatched, got %+v", report)
	}
	counts := f.counts(t, campaign.ID)
	if counts[domain.EntryStatusCalling] != 2 || counts[domain.EntryStatusPending] != 3 {
		t.Fatalf("unexpected counts after first tick: %v", counts)
	}

	// Budget is spent, nothing more goes out.
	report, err = f.scheduler.Tick(ctx)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if report.Dispatched != 0 || f.gateway.count() != 2 {
		t.Fatalf("expected no dispatch while at budget, got %+v (%d requests)", report, f.gateway.count())
	}

	calling, err := f.queue.ListByCampaign(ctx, campaign.ID, repository.EntryFilter{Status: domain.EntryStatusCalling})
	if err != nil {
		t.Fatalf("list calling: %v", err)
	}
	for _, entry := range calling {
		if entry.ExternalCallID == nil {
			t.Fatalf("calling entry %s has no external call id", entry.ID)
		}
		if _, err := f.queue.MarkTerminal(ctx, entry.ID, *entry.ExternalCallID, domain.OutcomeAnswered); err != nil {
			t.Fatalf("complete %s: %v", entry.ID, err)
		}
	}

	report, err = f.scheduler.Tick(ctx)
	if err != nil {
		t.Fatalf("third tick: %v", err)
	}
	if report.Dispatched != 2 {
		t.Fatalf("expected 2 dispatches after slots freed, got %+v", report)
	}
	counts = f.counts(t, campaign.ID)
	if counts[domain.EntryStatusCompleted] != 2 || counts[domain.EntryStatusCalling] != 2 || counts[domain.EntryStatusPending] != 1 {
		t.Fatalf("unexpected counts after third tick: %v", counts)
	}

	stats, err := f.stats.Get(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.DispatchAttempts != 4 {
		t.Fatalf("expected 4 dispatch attempts, got %d", stats.DispatchAttempts)
	}
}

func TestTickSchedulesRetryOnTransientRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	campaign := f.seed(t, 1, 1)
	f.gateway.refuse = func(telephony.DispatchRequest) error {
		return &telephony.DispatchError{Reason: "carrier busy"}
	}

	report, err := f.scheduler.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Rejected != 1 {
		t.Fatalf("expected one rejection, got %+v", report)
	}

	entries, err := f.queue.ListByCampaign(ctx, campaign.ID, repository.EntryFilter{})
	if err != nil || len(entries) != 1 {
		t.Fatalf("list entries: %v (%d)", err, len(entries))
	}
	entry := entries[0]
	if entry.Status != domain.EntryStatusRetryScheduled || entry.Attempts != 1 {
		t.Fatalf("expected retry_scheduled with one attempt, got %s/%d", entry.Status, entry.Attempts)
	}
	if !entry.NextAttemptAt.Equal(f.now.Add(time.Minute)) {
		t.Fatalf("expected next attempt at %v, got %v", f.now.Add(time.Minute), entry.NextAttemptAt)
	}
	if entry.LastOutcome == nil || *entry.LastOutcome != domain.OutcomeRejected {
		t.Fatalf("expected last outcome rejected, got %v", entry.LastOutcome)
	}

	// The contact lock must have been released.
	free, err := f.mutex.Acquire(ctx, fmt.Sprintf("campaign:%s:contact:%s", campaign.ID, entry.ContactID), time.Second)
	if err != nil || free == nil {
		t.Fatalf("expected contact lock to be free, got %v / %v", free, err)
	}

	// Not due yet, so the next tick leaves it alone.
	report, err = f.scheduler.Tick(ctx)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if report.Claimed != 0 || f.gateway.count() != 1 {
		t.Fatalf("expected no redial before backoff, got %+v", report)
	}
}

func TestTickFailsPermanentRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	campaign := f.seed(t, 1, 1)
	f.gateway.refuse = func(telephony.DispatchRequest) error {
		return &telephony.DispatchError{Permanent: true, Reason: "not a number", Outcome: domain.OutcomeInvalidNumber}
	}

	report, err := f.scheduler.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("expected one failure, got %+v", report)
	}
	counts := f.counts(t, campaign.ID)
	if counts[domain.EntryStatusFailed] != 1 {
		t.Fatalf("expected failed entry, got %v", counts)
	}
	if len(f.notifier.notices) != 1 || f.notifier.notices[0].Outcome != string(domain.OutcomeInvalidNumber) {
		t.Fatalf("expected one invalid_number notice, got %+v", f.notifier.notices)
	}
}

func TestTickDefersContendedContact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	campaign := f.seed(t, 1, 1)

	held, err := f.mutex.Acquire(ctx, fmt.Sprintf("campaign:%s:contact:contact-000", campaign.ID), time.Minute)
	if err != nil || held == nil {
		t.Fatalf("hold lock: %v / %v", held, err)
	}

	report, err := f.scheduler.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Contended != 1 || f.gateway.count() != 0 {
		t.Fatalf("expected contended entry and no dispatch, got %+v", report)
	}

	entries, err := f.queue.ListByCampaign(ctx, campaign.ID, repository.EntryFilter{})
	if err != nil || len(entries) != 1 {
		t.Fatalf("list entries: %v", err)
	}
	entry := entries[0]
	if entry.Status != domain.EntryStatusPending || entry.Attempts != 0 || entry.ClaimToken != nil {
		t.Fatalf("expected untouched pending entry with claim released, got %+v", entry)
	}

	if _, err := f.mutex.Release(ctx, held); err != nil {
		t.Fatalf("release: %v", err)
	}
	report, err = f.scheduler.Tick(ctx)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if report.Dispatched != 1 {
		t.Fatalf("expected dispatch once the lock is free, got %+v", report)
	}
}

func TestTickSkipsCampaignOutsideBusinessHours(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	campaign := f.seed(t, 3, 3)

	err := f.hours.Replace(ctx, campaign.ID, []domain.BusinessHourWindow{{
		DayOfWeek: time.Tuesday,
		Start:     time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC),
		End:       time.Date(0, 1, 1, 17, 0, 0, 0, time.UTC),
	}})
	if err != nil {
		t.Fatalf("replace hours: %v", err)
	}

	report, err := f.scheduler.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Campaigns != 0 || report.Claimed != 0 || f.gateway.count() != 0 {
		t.Fatalf("expected campaign to be skipped, got %+v", report)
	}
}

func TestTickIgnoresPausedCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	campaign := f.seed(t, 3, 3)
	if err := f.campaigns.UpdateStatus(ctx, campaign.ID, domain.CampaignStatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if _, err := f.scheduler.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.gateway.count() != 0 {
		t.Fatalf("expected no dispatches for a paused campaign")
	}
}

func TestPolicyForFillsFromDefaults(t *testing.T) {
	f := newFixture(t)
	policy := f.scheduler.policyFor(&domain.Campaign{RetryPolicy: domain.RetryPolicy{MaxAttempts: 7}})
	if policy.MaxAttempts != 7 || policy.BaseDelay != time.Minute || policy.MaxDelay != time.Hour {
		t.Fatalf("unexpected merged policy: %+v", policy)
	}
}

func TestTickDeadlineReleasesUndispatchedClaims(t *testing.T) {
	f := newFixture(t)
	f.scheduler.cfg.WorkerCount = 1
	campaign := f.seed(t, 5, 5)

	tickCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var dispatchErr error
	var once sync.Once
	f.gateway.before = func(ctx context.Context, _ telephony.DispatchRequest) {
		once.Do(func() {
			cancel()
			dispatchErr = ctx.Err()
		})
	}

	report, err := f.scheduler.Tick(tickCtx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if dispatchErr != nil {
		t.Fatalf("started dispatch must not see the tick deadline, got %v", dispatchErr)
	}
	if report.Claimed != 5 || report.Dispatched != 1 {
		t.Fatalf("expected 5 claimed and 1 dispatched, got %+v", report)
	}

	entries, err := f.queue.ListByCampaign(context.Background(), campaign.ID, repository.EntryFilter{})
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	calling := 0
	for _, entry := range entries {
		switch entry.Status {
		case domain.EntryStatusCalling:
			calling++
		case domain.EntryStatusPending:
			if entry.ClaimToken != nil || entry.Attempts != 0 {
				t.Fatalf("expected undispatched entry %s released untouched, got %+v", entry.ContactID, entry)
			}
		default:
			t.Fatalf("unexpected status %s for %s", entry.Status, entry.ContactID)
		}
	}
	if calling != 1 {
		t.Fatalf("expected the started dispatch recorded as calling, got %d", calling)
	}

	report, err = f.scheduler.Tick(context.Background())
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if report.Dispatched != 4 {
		t.Fatalf("expected released entries to dispatch on the next tick, got %+v", report)
	}
}

func TestTickIsolatesPanickingDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	campaign := f.seed(t, 3, 3)
	f.gateway.before = func(_ context.Context, req telephony.DispatchRequest) {
		if req.ContactID == "contact-001" {
			panic("provider client exploded")
		}
	}

	report, err := f.scheduler.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Dispatched != 2 {
		t.Fatalf("expected the other contacts dispatched, got %+v", report)
	}

	entries, err := f.queue.ListByCampaign(ctx, campaign.ID, repository.EntryFilter{})
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	for _, entry := range entries {
		if entry.ContactID != "contact-001" {
			if entry.Status != domain.EntryStatusCalling {
				t.Fatalf("expected %s calling, got %s", entry.ContactID, entry.Status)
			}
			continue
		}
		if entry.Status != domain.EntryStatusPending || entry.ClaimToken != nil {
			t.Fatalf("expected panicking entry pending with claim released, got %+v", entry)
		}
	}

	h, err := f.mutex.Acquire(ctx, fmt.Sprintf("campaign:%s:contact:contact-001", campaign.ID), time.Second)
	if err != nil || h == nil {
		t.Fatalf("expected contact lock released after panic, got %v / %v", h, err)
	}
}

func TestTickSweepsStaleCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	retrying := f.seed(t, 1, 1)
	capped := f.seedWithPolicy(t, 1, 1, domain.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Minute, MaxDelay: time.Hour})

	report, err := f.scheduler.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Dispatched != 2 {
		t.Fatalf("expected both campaigns dispatched, got %+v", report)
	}

	f.clock.Advance(20 * time.Minute)
	report, err = f.scheduler.Tick(ctx)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if report.Swept != 2 || report.Failed != 1 {
		t.Fatalf("expected two swept and one failed, got %+v", report)
	}

	entries, err := f.queue.ListByCampaign(ctx, retrying.ID, repository.EntryFilter{})
	if err != nil || len(entries) != 1 {
		t.Fatalf("list entries: %v", err)
	}
	entry := entries[0]
	if entry.Status != domain.EntryStatusRetryScheduled {
		t.Fatalf("expected retry_scheduled, got %s", entry.Status)
	}
	if want := f.clock.Now().Add(time.Minute); !entry.NextAttemptAt.Equal(want) {
		t.Fatalf("expected swept entry backed off to %s, got %s", want, entry.NextAttemptAt)
	}

	f.notifier.mu.Lock()
	notices := append([]queue.FailureNotice(nil), f.notifier.notices...)
	f.notifier.mu.Unlock()
	if len(notices) != 1 || notices[0].CampaignID != capped.ID || notices[0].Outcome != string(domain.OutcomeTimeout) {
		t.Fatalf("expected one timeout notice for the capped campaign, got %+v", notices)
	}

	stats, err := f.stats.Get(ctx, retrying.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Sweeps != 1 {
		t.Fatalf("expected one sweep counted, got %d", stats.Sweeps)
	}
}

func TestTickRetriesMarkCallingOnStoreFault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	campaign := f.seed(t, 1, 1)
	flaky := &flakyQueue{CallQueueStore: f.queue, failures: 1}
	deps := f.deps
	deps.Queue = flaky
	sched := NewWithDependencies(testConfig(), deps)

	report, err := sched.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Dispatched != 1 || flaky.calls != 2 {
		t.Fatalf("expected dispatch recorded on the second write, got %+v after %d writes", report, flaky.calls)
	}
	counts := f.counts(t, campaign.ID)
	if counts[domain.EntryStatusCalling] != 1 {
		t.Fatalf("expected entry calling, got %v", counts)
	}
}

func TestTickReportsUnrecordedCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	campaign := f.seed(t, 1, 1)
	// Completing the campaign while the call is being placed leaves nothing
	// to record the accepted call against.
	f.gateway.before = func(ctx context.Context, _ telephony.DispatchRequest) {
		if _, err := f.queue.CancelOpen(ctx, campaign.ID); err != nil {
			t.Errorf("cancel open: %v", err)
		}
	}

	report, err := f.scheduler.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Failed != 1 || report.Dispatched != 0 {
		t.Fatalf("expected one unrecorded dispatch, got %+v", report)
	}

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if len(f.notifier.notices) != 1 {
		t.Fatalf("expected one reconciliation notice, got %+v", f.notifier.notices)
	}
	notice := f.notifier.notices[0]
	if notice.ExternalCallID == "" || notice.ContactID != "contact-000" {
		t.Fatalf("expected notice to carry the provider call id, got %+v", notice)
	}
}
