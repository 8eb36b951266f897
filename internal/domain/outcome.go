package domain

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the reported or inferred result of a call attempt.
type Outcome string

const (
	OutcomeAnswered      Outcome = "answered"
	OutcomeVoicemail     Outcome = "voicemail"
	OutcomeNoAnswer      Outcome = "no_answer"
	OutcomeBusy          Outcome = "busy"
	OutcomeFailed        Outcome = "failed"
	OutcomeRejected      Outcome = "rejected"
	OutcomeInvalidNumber Outcome = "invalid_number"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeCancelled     Outcome = "cancelled"
)

// Disposition groups outcomes by how the queue reacts to them.
type Disposition int

const (
	DispositionRetryable Disposition = iota
	DispositionSuccess
	DispositionPermanent
)

// Disposition classifies the outcome. Unknown outcomes are retried.
func (o Outcome) Disposition() Disposition {
	switch o {
	case OutcomeAnswered, OutcomeVoicemail:
		return DispositionSuccess
	case OutcomeInvalidNumber, OutcomeCancelled:
		return DispositionPermanent
	default:
		return DispositionRetryable
	}
}

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeAnswered, OutcomeVoicemail, OutcomeNoAnswer, OutcomeBusy, OutcomeFailed,
		OutcomeRejected, OutcomeInvalidNumber, OutcomeTimeout, OutcomeCancelled:
		return true
	}
	return false
}

// OutcomeEvent is a call-finished notification from the provider side.
type OutcomeEvent struct {
	ExternalCallID  string
	Outcome         Outcome
	DurationSeconds int
	CostUnits       float64
	OccurredAt      time.Time
}

// AttemptKind labels entries in the attempt history.
type AttemptKind string

const (
	AttemptKindDispatched AttemptKind = "dispatched"
	AttemptKindRejected   AttemptKind = "rejected"
	AttemptKindOutcome    AttemptKind = "outcome"
	AttemptKindSwept      AttemptKind = "swept"
)

// AttemptRecord is one line of an entry's dispatch history.
type AttemptRecord struct {
	EntryID        uuid.UUID
	CampaignID     uuid.UUID
	Attempt        int
	Kind           AttemptKind
	Outcome        string
	ExternalCallID string
	Detail         string
	Duration       time.Duration
	CostUnits      float64
	RecordedAt     time.Time
}
