package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/repository"
)

func TestStatisticsCombineCountersAndQueue(t *testing.T) {
	db := newTestDB(t)
	clock := newTestClock()
	campaign := seedCampaign(t, db, clock, domain.CampaignStatusActive, testPolicy)
	queue := NewQueueStore(db, 0, WithClock(clock.Now))
	stats := NewCampaignStatisticsRepository(db, WithClock(clock.Now))
	ctx := context.Background()

	if _, err := queue.Enroll(ctx, campaign.ID, contacts(3)); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	claim, err := queue.ClaimDue(ctx, campaign.ID, 1)
	if err != nil || len(claim.Entries) != 1 {
		t.Fatalf("claim: %v", err)
	}
	if _, err := queue.MarkCalling(ctx, claim.Entries[0].ID, "call-1", "tok"); err != nil {
		t.Fatalf("mark calling: %v", err)
	}

	if err := stats.ApplyDelta(ctx, campaign.ID, repository.StatsDelta{DispatchAttempts: 1}); err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	if err := stats.ApplyDelta(ctx, campaign.ID, repository.StatsDelta{TalkSeconds: 42, CostUnits: 1.5}); err != nil {
		t.Fatalf("apply delta: %v", err)
	}

	got, err := stats.Get(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Pending != 2 || got.Calling != 1 {
		t.Fatalf("unexpected status counts: %+v", got)
	}
	if got.DispatchAttempts != 1 || got.TalkSeconds != 42 || got.CostUnits != 1.5 {
		t.Fatalf("unexpected counters: %+v", got)
	}

	if _, err := stats.Get(ctx, uuid.New()); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCampaignRepositoryRoundTrip(t *testing.T) {
	db := newTestDB(t)
	clock := newTestClock()
	campaign := seedCampaign(t, db, clock, domain.CampaignStatusDraft, testPolicy)
	repo := NewCampaignRepository(db, WithClock(clock.Now))
	hours := NewBusinessHourRepository(db)
	ctx := context.Background()

	if err := repo.SetConcurrency(ctx, campaign.ID, 12); err != nil {
		t.Fatalf("set concurrency: %v", err)
	}
	if err := repo.UpdateStatus(ctx, campaign.ID, domain.CampaignStatusActive); err != nil {
		t.Fatalf("update status: %v", err)
	}

	got, err := repo.Get(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MaxConcurrentCalls != 12 || got.Status != domain.CampaignStatusActive {
		t.Fatalf("unexpected campaign: %+v", got)
	}
	if got.RetryPolicy != testPolicy {
		t.Fatalf("retry policy did not round trip: %+v", got.RetryPolicy)
	}

	active, err := repo.ListByStatus(ctx, domain.CampaignStatusActive, 10)
	if err != nil || len(active) != 1 {
		t.Fatalf("list active: n=%d err=%v", len(active), err)
	}

	windows := []domain.BusinessHourWindow{{DayOfWeek: 1, Start: minuteToTime(9 * 60), End: minuteToTime(17 * 60)}}
	if err := hours.Replace(ctx, campaign.ID, windows); err != nil {
		t.Fatalf("replace hours: %v", err)
	}
	listed, err := hours.List(ctx, campaign.ID)
	if err != nil || len(listed) != 1 || listed[0].Start.Hour() != 9 {
		t.Fatalf("list hours: %+v err=%v", listed, err)
	}

	if err := repo.UpdateStatus(ctx, uuid.New(), domain.CampaignStatusPaused); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
