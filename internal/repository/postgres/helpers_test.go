package postgres

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dispatch/internal/domain"
	infradb "github.com/acme/campaign-dispatch/internal/infra/db"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)}
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

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	database, err := infradb.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database.DB()
}

func seedCampaign(t *testing.T, db *sqlx.DB, clock *testClock, status domain.CampaignStatus, policy domain.RetryPolicy) *domain.Campaign {
	t.Helper()
	campaign := &domain.Campaign{
		ID:                 uuid.New(),
		Name:               "spring-renewals",
		TimeZone:           "UTC",
		MaxConcurrentCalls: 5,
		RetryPolicy:        policy,
		Status:             status,
	}
	repo := NewCampaignRepository(db, WithClock(clock.Now))
	if err := repo.Create(context.Background(), campaign); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	if err := NewCampaignStatisticsRepository(db, WithClock(clock.Now)).Ensure(context.Background(), campaign.ID); err != nil {
		t.Fatalf("ensure stats: %v", err)
	}
	return campaign
}

func contacts(n int) []domain.Contact {
	out := make([]domain.Contact, n)
	for i := range out {
		out[i] = domain.Contact{ContactID: fmt.Sprintf("contact-%03d", i), PhoneNumber: fmt.Sprintf("+1555000%04d", i)}
	}
	return out
}
