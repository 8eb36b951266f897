package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation error")
	ErrUnavailable   = errors.New("service unavailable")
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInvalidTransition reports a queue entry that was not in a state
	// allowing the requested change. Callers usually treat it as a lost race.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrCampaignNotActive is returned when work is requested for a campaign
	// that is not currently dispatching.
	ErrCampaignNotActive = errors.New("campaign not active")
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}
