package mock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/acme/campaign-dispatch/internal/config"
	"github.com/acme/campaign-dispatch/internal/queue"
	"github.com/acme/campaign-dispatch/internal/telephony"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []queue.OutcomeMessage
}

func (s *recordingSink) PublishOutcome(_ context.Context, msg queue.OutcomeMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func TestDispatchRejectsMalformedNumberPermanently(t *testing.T) {
	p := NewProvider(config.ProviderConfig{}, nil, nil)
	_, err := p.Dispatch(context.Background(), telephony.DispatchRequest{PhoneNumber: "12345"})
	if !telephony.IsPermanent(err) {
		t.Fatalf("expected permanent rejection, got %v", err)
	}
}

func TestDispatchTransientRejection(t *testing.T) {
	p := NewProvider(config.ProviderConfig{RejectRate: 1}, nil, nil)
	_, err := p.Dispatch(context.Background(), telephony.DispatchRequest{PhoneNumber: "+15550001111"})
	if err == nil || telephony.IsPermanent(err) {
		t.Fatalf("expected transient rejection, got %v", err)
	}
}

func TestDispatchEmitsOutcome(t *testing.T) {
	sink := &recordingSink{}
	p := NewProvider(config.ProviderConfig{AnswerRate: 1, MaxCallLength: time.Millisecond}, sink, nil)

	receipt, err := p.Dispatch(context.Background(), telephony.DispatchRequest{PhoneNumber: "+15550001111"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if receipt.ExternalCallID == "" {
		t.Fatalf("expected external call id")
	}
	p.Wait()

	if len(sink.msgs) != 1 {
		t.Fatalf("expected one outcome, got %d", len(sink.msgs))
	}
	got := sink.msgs[0]
	if got.ExternalCallID != receipt.ExternalCallID || got.Outcome != "answered" {
		t.Fatalf("unexpected outcome: %+v", got)
	}
}
