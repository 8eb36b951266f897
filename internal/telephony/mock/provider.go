package mock

import (
	"context"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatch/internal/config"
	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/queue"
	"github.com/acme/campaign-dispatch/internal/telephony"
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// OutcomeSink receives simulated outcome events.
type OutcomeSink interface {
	PublishOutcome(ctx context.Context, msg queue.OutcomeMessage) error
}

// Provider simulates the provider's dispatch API and, when given a sink, the
// webhook that later reports each call's outcome.
type Provider struct {
	rejectRate    float64
	answerRate    float64
	maxCallLength time.Duration
	sink          OutcomeSink
	logger        *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
	wg  sync.WaitGroup
}

// NewProvider constructs a mock provider.
func NewProvider(cfg config.ProviderConfig, sink OutcomeSink, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		rejectRate:    cfg.RejectRate,
		answerRate:    cfg.AnswerRate,
		maxCallLength: cfg.MaxCallLength,
		sink:          sink,
		logger:        logger,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *Provider) float() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64()
}

// Dispatch accepts or rejects the call.
func (p *Provider) Dispatch(ctx context.Context, req telephony.DispatchRequest) (telephony.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return telephony.Receipt{}, err
	}
	if !e164.MatchString(req.PhoneNumber) {
		return telephony.Receipt{}, &telephony.DispatchError{Permanent: true, Reason: "invalid destination number", Outcome: domain.OutcomeInvalidNumber}
	}
	if p.float() < p.rejectRate {
		return telephony.Receipt{}, &telephony.DispatchError{Reason: "carrier capacity exceeded"}
	}

	receipt := telephony.Receipt{ExternalCallID: uuid.NewString(), AcceptedAt: time.Now().UTC()}
	if p.sink != nil {
		p.wg.Add(1)
		go p.complete(receipt)
	}
	return receipt, nil
}

func (p *Provider) complete(receipt telephony.Receipt) {
	defer p.wg.Done()

	length := time.Duration(p.float() * float64(p.maxCallLength))
	time.Sleep(length)

	msg := queue.OutcomeMessage{
		ExternalCallID: receipt.ExternalCallID,
		OccurredAt:     time.Now().UTC(),
	}
	switch r := p.float(); {
	case r < p.answerRate:
		msg.Outcome = string(domain.OutcomeAnswered)
		msg.DurationSeconds = int(length / time.Second)
		msg.CostUnits = float64(msg.DurationSeconds) * 0.01
	case r < p.answerRate+(1-p.answerRate)/2:
		msg.Outcome = string(domain.OutcomeNoAnswer)
	default:
		msg.Outcome = string(domain.OutcomeBusy)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.sink.PublishOutcome(ctx, msg); err != nil {
		p.logger.Warn("mock provider: publish outcome failed",
			zap.String("external_call_id", receipt.ExternalCallID),
			zap.Error(err),
		)
	}
}

// Wait blocks until every simulated outcome has been emitted.
func (p *Provider) Wait() {
	p.wg.Wait()
}
