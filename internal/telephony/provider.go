// Package telephony abstracts the outbound call provider.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acme/campaign-dispatch/internal/domain"
)

// DispatchRequest asks the provider to start one call.
type DispatchRequest struct {
	EntryID     uuid.UUID
	CampaignID  uuid.UUID
	ContactID   string
	PhoneNumber string
	Attempt     int
	CallerName  string
}

// Receipt is returned when the provider accepts a dispatch. The final outcome
// arrives later through the webhook relay.
type Receipt struct {
	ExternalCallID string
	AcceptedAt     time.Time
}

// Gateway is the synchronous dispatch surface of the provider.
type Gateway interface {
	Dispatch(ctx context.Context, req DispatchRequest) (Receipt, error)
}

// DispatchError is returned when the provider refuses a dispatch. Outcome,
// when set, is the outcome to record for a permanent refusal.
type DispatchError struct {
	Permanent bool
	Reason    string
	Outcome   domain.Outcome
}

func (e *DispatchError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("telephony: %s rejection: %s", kind, e.Reason)
}

// IsPermanent reports whether err is a provider refusal that retrying cannot fix.
func IsPermanent(err error) bool {
	var de *DispatchError
	return errors.As(err, &de) && de.Permanent
}

// RefusalOutcome is the outcome recorded for err. Transient refusals and
// timeouts are recorded as rejected.
func RefusalOutcome(err error) domain.Outcome {
	var de *DispatchError
	if errors.As(err, &de) && de.Outcome != "" {
		return de.Outcome
	}
	return domain.OutcomeRejected
}
