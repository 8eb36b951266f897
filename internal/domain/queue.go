package domain

import (
	"time"

	"github.com/google/uuid"
)

// EntryStatus enumerates the dispatch states of a queue entry.
type EntryStatus string

const (
	EntryStatusPending        EntryStatus = "pending"
	EntryStatusCalling        EntryStatus = "calling"
	EntryStatusCompleted      EntryStatus = "completed"
	EntryStatusFailed         EntryStatus = "failed"
	EntryStatusRetryScheduled EntryStatus = "retry_scheduled"
)

// Valid reports whether s is a known entry status.
func (s EntryStatus) Valid() bool {
	switch s {
	case EntryStatusPending, EntryStatusCalling, EntryStatusCompleted, EntryStatusFailed, EntryStatusRetryScheduled:
		return true
	}
	return false
}

// IsTerminal reports whether the status is never left without an operator reset.
func (s EntryStatus) IsTerminal() bool {
	return s == EntryStatusCompleted || s == EntryStatusFailed
}

// Dispatchable reports whether an entry in this status may be claimed.
func (s EntryStatus) Dispatchable() bool {
	return s == EntryStatusPending || s == EntryStatusRetryScheduled
}

// QueueEntry is one scheduled call for a contact within a campaign.
type QueueEntry struct {
	ID             uuid.UUID
	CampaignID     uuid.UUID
	ContactID      string
	PhoneNumber    string
	Status         EntryStatus
	Attempts       int
	NextAttemptAt  time.Time
	LastOutcome    *Outcome
	ExternalCallID *string
	LockToken      *string

	ClaimToken   *string
	ClaimedUntil *time.Time
	CallingSince *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsDue reports whether the entry is eligible for dispatch at now.
func (e *QueueEntry) IsDue(now time.Time) bool {
	return e.Status.Dispatchable() && !e.NextAttemptAt.After(now)
}

// HeldBy reports whether the entry still carries the given claim token.
func (e *QueueEntry) HeldBy(claimToken string) bool {
	return e.ClaimToken != nil && claimToken != "" && *e.ClaimToken == claimToken
}

// Contact identifies the callee of an enrollment request.
type Contact struct {
	ContactID   string
	PhoneNumber string
}
