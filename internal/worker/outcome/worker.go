package outcome

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/acme/campaign-dispatch/internal/app"
	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/queue"
	outcomesvc "github.com/acme/campaign-dispatch/internal/service/outcome"
	"github.com/acme/campaign-dispatch/pkg/logger"
)

// Reader is the subset of *kafka.Reader the worker consumes from.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Ingester applies decoded outcome events.
type Ingester interface {
	Ingest(ctx context.Context, event domain.OutcomeEvent) (outcomesvc.Result, error)
}

// Worker consumes call outcome messages and applies them to the queue.
type Worker struct {
	reader   Reader
	ingester Ingester
	logger   *logger.Logger
	backoff  time.Duration
}

// New creates an outcome worker from the container.
func New(container *app.Container) *Worker {
	cfg := container.Config
	reader := container.Kafka.NewReader(cfg.Kafka.OutcomeTopic, cfg.Kafka.ConsumerGroupID+"-outcomes")
	return NewWithReader(reader, container.Services().Outcome, container.Logger.Named("outcome-worker"))
}

// NewWithReader creates a worker over an explicit reader.
func NewWithReader(reader Reader, ingester Ingester, lg *logger.Logger) *Worker {
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Worker{reader: reader, ingester: ingester, logger: lg, backoff: time.Second}
}

// Run processes outcome events until the context is cancelled. A message is
// committed only once it has been applied or found undecodable. The reader
// advances past every fetched message, so store faults are retried on the
// same message rather than left for redelivery.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("outcome worker: fetch", zap.Error(err))
			if !w.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		if err := w.process(ctx, msg); err != nil {
			return err
		}

		if err := w.reader.CommitMessages(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("outcome worker: commit", zap.Error(err))
		}
	}
}

// process retries handle on msg until it succeeds or ctx ends.
func (w *Worker) process(ctx context.Context, msg kafka.Message) error {
	for {
		err := w.handle(ctx, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Error("outcome worker: ingest, retrying",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		if !w.sleep(ctx) {
			return ctx.Err()
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg kafka.Message) error {
	var payload queue.OutcomeMessage
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		w.logger.Error("outcome worker: unmarshal, dropping", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}
	event, err := payload.ToEvent()
	if err != nil {
		w.logger.Error("outcome worker: invalid message, dropping", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	res, err := w.ingester.Ingest(ctx, event)
	if err != nil {
		return err
	}
	w.logger.Debug("outcome worker: ingested",
		zap.String("external_call_id", event.ExternalCallID),
		zap.String("result", string(res)),
	)
	return nil
}

func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
