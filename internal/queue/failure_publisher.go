package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// FailureNotifier surfaces terminal failures to operators.
type FailureNotifier interface {
	NotifyFailure(ctx context.Context, notice FailureNotice) error
}

// FailurePublisher publishes failure notices to Kafka.
type FailurePublisher struct {
	writer *kafka.Writer
}

// NewFailurePublisher constructs a publisher for the given topic.
func NewFailurePublisher(k *Kafka, topic string) *FailurePublisher {
	return &FailurePublisher{writer: k.NewWriter(topic)}
}

// NotifyFailure emits a failure notice keyed by entry.
func (p *FailurePublisher) NotifyFailure(ctx context.Context, notice FailureNotice) error {
	value, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failure publisher: marshal notice: %w", err)
	}
	record := kafka.Message{
		Key:   notice.EntryID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("failure publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *FailurePublisher) Close() error {
	return p.writer.Close()
}

// NopNotifier drops notices.
type NopNotifier struct{}

// NotifyFailure implements FailureNotifier.
func (NopNotifier) NotifyFailure(context.Context, FailureNotice) error { return nil }
