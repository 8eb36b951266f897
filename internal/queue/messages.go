package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
)

// OutcomeMessage is the wire form of a provider call outcome, as relayed by
// the webhook receiver.
type OutcomeMessage struct {
	ExternalCallID  string    `json:"external_call_id"`
	Outcome         string    `json:"outcome"`
	DurationSeconds int       `json:"duration_seconds"`
	CostUnits       float64   `json:"cost_units"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// ToEvent validates the message and converts it to a domain event.
func (m OutcomeMessage) ToEvent() (domain.OutcomeEvent, error) {
	if m.ExternalCallID == "" {
		return domain.OutcomeEvent{}, fmt.Errorf("outcome message: missing external_call_id")
	}
	outcome := domain.Outcome(m.Outcome)
	if !outcome.Valid() {
		return domain.OutcomeEvent{}, fmt.Errorf("outcome message: unknown outcome %q", m.Outcome)
	}
	if m.DurationSeconds < 0 || m.CostUnits < 0 {
		return domain.OutcomeEvent{}, fmt.Errorf("outcome message: negative duration or cost")
	}
	return domain.OutcomeEvent{
		ExternalCallID:  m.ExternalCallID,
		Outcome:         outcome,
		DurationSeconds: m.DurationSeconds,
		CostUnits:       m.CostUnits,
		OccurredAt:      m.OccurredAt,
	}, nil
}

// FailureNotice tells operators that an entry reached the terminal failed
// state and will not be retried again, or that a provider call needs manual
// reconciliation by its external call id.
type FailureNotice struct {
	EntryID        uuid.UUID `json:"entry_id"`
	CampaignID     uuid.UUID `json:"campaign_id"`
	ContactID      string    `json:"contact_id"`
	ExternalCallID string    `json:"external_call_id,omitempty"`
	Outcome        string    `json:"outcome"`
	Attempts       int       `json:"attempts"`
	Reason         string    `json:"reason"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NewFailureNotice builds a notice from a failed entry.
func NewFailureNotice(entry *domain.QueueEntry, reason string) FailureNotice {
	notice := FailureNotice{
		EntryID:    entry.ID,
		CampaignID: entry.CampaignID,
		ContactID:  entry.ContactID,
		Attempts:   entry.Attempts,
		Reason:     reason,
		OccurredAt: entry.UpdatedAt,
	}
	if entry.LastOutcome != nil {
		notice.Outcome = string(*entry.LastOutcome)
	}
	if entry.ExternalCallID != nil {
		notice.ExternalCallID = *entry.ExternalCallID
	}
	if notice.OccurredAt.IsZero() {
		notice.OccurredAt = time.Now().UTC()
	}
	return notice
}
