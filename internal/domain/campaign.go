package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
)

// Valid reports whether s is a known campaign status.
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignStatusDraft, CampaignStatusActive, CampaignStatusPaused, CampaignStatusCompleted:
		return true
	}
	return false
}

// Campaign models an outbound call campaign definition. MaxConcurrentCalls is
// the budget of simultaneous calling entries.
type Campaign struct {
	ID                 uuid.UUID
	Name               string
	Description        string
	TimeZone           string
	BusinessHours      []BusinessHourWindow
	MaxConcurrentCalls int
	RetryPolicy        RetryPolicy
	Status             CampaignStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
}

// BusinessHourWindow captures allowed calling window per day of week.
type BusinessHourWindow struct {
	DayOfWeek time.Weekday
	Start     time.Time
	End       time.Time
}

// WithinBusinessHours reports whether now falls inside one of the campaign
// windows, evaluated in the campaign time zone. No windows means always open.
func (c *Campaign) WithinBusinessHours(nowUTC time.Time) bool {
	if len(c.BusinessHours) == 0 {
		return true
	}

	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return true
	}

	local := nowUTC.In(loc)
	minuteOfDay := local.Hour()*60 + local.Minute()
	weekday := local.Weekday()

	for _, window := range c.BusinessHours {
		start := window.Start.Hour()*60 + window.Start.Minute()
		end := window.End.Hour()*60 + window.End.Minute()

		if end <= start {
			// window spans midnight
			nextDay := (int(window.DayOfWeek) + 1) % 7
			if window.DayOfWeek == weekday && minuteOfDay >= start {
				return true
			}
			if time.Weekday(nextDay) == weekday && minuteOfDay < end {
				return true
			}
			continue
		}

		if window.DayOfWeek != weekday {
			continue
		}

		if minuteOfDay >= start && minuteOfDay < end {
			return true
		}
	}

	return false
}

// CampaignStats aggregates campaign metrics. Status counts come from the call
// queue, the remaining fields are cumulative counters.
type CampaignStats struct {
	Pending        int64
	Calling        int64
	RetryScheduled int64
	Completed      int64
	Failed         int64

	DispatchAttempts int64
	Rejections       int64
	Sweeps           int64
	TalkSeconds      int64
	CostUnits        float64
}
