package telephony

import (
	"context"
	"fmt"
	"testing"

	"github.com/acme/campaign-dispatch/internal/domain"
)

func TestRefusalClassification(t *testing.T) {
	permanent := fmt.Errorf("dispatch: %w", &DispatchError{Permanent: true, Reason: "blocked", Outcome: domain.OutcomeInvalidNumber})
	if !IsPermanent(permanent) {
		t.Fatalf("expected wrapped permanent error to be detected")
	}
	if got := RefusalOutcome(permanent); got != domain.OutcomeInvalidNumber {
		t.Fatalf("expected invalid_number, got %s", got)
	}

	transient := &DispatchError{Reason: "busy"}
	if IsPermanent(transient) {
		t.Fatalf("transient error reported as permanent")
	}
	if got := RefusalOutcome(context.DeadlineExceeded); got != domain.OutcomeRejected {
		t.Fatalf("expected rejected for timeouts, got %s", got)
	}
}
