package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
)

// AttemptStore persists the dispatch and outcome history of queue entries in
// Scylla. Rows are partitioned by entry and clustered by time, newest first.
//
//	CREATE TABLE dispatch_attempts (
//	    entry_id text, recorded_at timestamp, attempt int, campaign_id text,
//	    kind text, outcome text, external_call_id text, detail text,
//	    duration_ms bigint, cost_units double,
//	    PRIMARY KEY ((entry_id), recorded_at, attempt)
//	) WITH CLUSTERING ORDER BY (recorded_at DESC, attempt DESC);
type AttemptStore struct {
	session *gocql.Session
}

// NewAttemptStore creates a new attempt store.
func NewAttemptStore(session *gocql.Session) *AttemptStore {
	return &AttemptStore{session: session}
}

// Append writes one history row.
func (s *AttemptStore) Append(ctx context.Context, record domain.AttemptRecord) error {
	recordedAt := record.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	if err := s.session.Query(`INSERT INTO dispatch_attempts (entry_id, recorded_at, attempt, campaign_id, kind, outcome, external_call_id, detail, duration_ms, cost_units)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.EntryID.String(), recordedAt, record.Attempt, record.CampaignID.String(), string(record.Kind),
		record.Outcome, record.ExternalCallID, record.Detail, record.Duration.Milliseconds(), record.CostUnits,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: insert: %w", err)
	}
	return nil
}

// List returns the most recent history rows for an entry.
func (s *AttemptStore) List(ctx context.Context, entryID uuid.UUID, limit int) ([]domain.AttemptRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	iter := s.session.Query(`SELECT recorded_at, attempt, campaign_id, kind, outcome, external_call_id, detail, duration_ms, cost_units
		FROM dispatch_attempts WHERE entry_id = ? LIMIT ?`, entryID.String(), limit).WithContext(ctx).Iter()

	var (
		recordedAt     time.Time
		attempt        int
		campaignIDStr  string
		kind           string
		outcome        string
		externalCallID string
		detail         string
		durationMs     int64
		costUnits      float64
	)

	records := make([]domain.AttemptRecord, 0, limit)
	for iter.Scan(&recordedAt, &attempt, &campaignIDStr, &kind, &outcome, &externalCallID, &detail, &durationMs, &costUnits) {
		campaignID, err := uuid.Parse(campaignIDStr)
		if err != nil {
			continue
		}
		records = append(records, domain.AttemptRecord{
			EntryID:        entryID,
			CampaignID:     campaignID,
			Attempt:        attempt,
			Kind:           domain.AttemptKind(kind),
			Outcome:        outcome,
			ExternalCallID: externalCallID,
			Detail:         detail,
			Duration:       time.Duration(durationMs) * time.Millisecond,
			CostUnits:      costUnits,
			RecordedAt:     recordedAt.UTC(),
		})
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("attempt store: iter close: %w", err)
	}
	return records, nil
}
