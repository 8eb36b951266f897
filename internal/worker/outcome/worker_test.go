package outcome

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/queue"
	outcomesvc "github.com/acme/campaign-dispatch/internal/service/outcome"
)

// fakeReader serves messages in order. Like a kafka-go reader it advances on
// every fetch, whether or not the message is committed.
type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	next      int
	committed []int64
	drained   chan struct{}
	once      sync.Once
}

func newFakeReader(values ...[]byte) *fakeReader {
	r := &fakeReader{drained: make(chan struct{})}
	for i, v := range values {
		r.messages = append(r.messages, kafka.Message{Offset: int64(i), Value: v})
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.next < len(r.messages) {
		msg := r.messages[r.next]
		r.next++
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	r.once.Do(func() { close(r.drained) })
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type fakeIngester struct {
	mu       sync.Mutex
	events   []domain.OutcomeEvent
	failures int
}

func (f *fakeIngester) Ingest(_ context.Context, event domain.OutcomeEvent) (outcomesvc.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	if f.failures > 0 {
		f.failures--
		return "", errors.New("database unavailable")
	}
	return outcomesvc.ResultApplied, nil
}

func encode(t *testing.T, msg queue.OutcomeMessage) []byte {
	t.Helper()
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func runUntilDrained(t *testing.T, w *Worker, r *fakeReader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-r.drained:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not drain the topic")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWorkerCommitsAppliedAndUndecodable(t *testing.T) {
	r := newFakeReader(
		encode(t, queue.OutcomeMessage{ExternalCallID: "ext-1", Outcome: "answered", DurationSeconds: 30}),
		[]byte("{not json"),
		encode(t, queue.OutcomeMessage{ExternalCallID: "ext-2", Outcome: "hung_up"}),
	)
	ingester := &fakeIngester{}
	w := NewWithReader(r, ingester, nil)

	runUntilDrained(t, w, r)

	if len(r.committed) != 3 {
		t.Fatalf("expected all three messages committed, got %v", r.committed)
	}
	if len(ingester.events) != 1 || ingester.events[0].ExternalCallID != "ext-1" {
		t.Fatalf("expected only the valid event ingested, got %+v", ingester.events)
	}
}

func TestWorkerRetriesIngestErrorOnSameMessage(t *testing.T) {
	r := newFakeReader(
		encode(t, queue.OutcomeMessage{ExternalCallID: "ext-9", Outcome: "busy"}),
		encode(t, queue.OutcomeMessage{ExternalCallID: "ext-10", Outcome: "answered"}),
	)
	ingester := &fakeIngester{failures: 2}
	w := NewWithReader(r, ingester, nil)
	w.backoff = time.Millisecond

	runUntilDrained(t, w, r)

	ingester.mu.Lock()
	defer ingester.mu.Unlock()
	var order []string
	for _, e := range ingester.events {
		order = append(order, e.ExternalCallID)
	}
	want := []string{"ext-9", "ext-9", "ext-9", "ext-10"}
	if len(order) != len(want) {
		t.Fatalf("expected ingest order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected ingest order %v, got %v", want, order)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.committed) != 2 || r.committed[0] != 0 || r.committed[1] != 1 {
		t.Fatalf("expected offsets 0 then 1 committed, got %v", r.committed)
	}
}

func TestWorkerStopsRetryingOnCancel(t *testing.T) {
	r := newFakeReader(encode(t, queue.OutcomeMessage{ExternalCallID: "ext-11", Outcome: "busy"}))
	ingester := &fakeIngester{failures: 1 << 20}
	w := NewWithReader(r, ingester, nil)
	w.backoff = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.committed) != 0 {
		t.Fatalf("expected nothing committed while ingest fails, got %v", r.committed)
	}
}
