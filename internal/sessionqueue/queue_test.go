package sessionqueue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/grid/internal/data"
	"github.com/example/grid/internal/events"
)

// recordingBus delivers synchronously so tests can assert on fire order.
type recordingBus struct {
	mu       sync.Mutex
	handlers map[events.Topic][]events.Handler
	fired    []events.Event
}

func newRecordingBus() *recordingBus {
	return &recordingBus{handlers: map[events.Topic][]events.Handler{}}
}

func (b *recordingBus) Fire(ev events.Event) {
	b.mu.Lock()
	b.fired = append(b.fired, ev)
	handlers := append([]events.Handler(nil), b.handlers[ev.Topic]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (b *recordingBus) Subscribe(topic events.Topic, h events.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) firedOn(topic events.Topic) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Event, 0)
	for _, ev := range b.fired {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

func newRequest(ttl time.Duration) *data.SessionRequest {
	now := time.Now()
	return &data.SessionRequest{
		ID:           data.RequestID(uuid.NewString()),
		Alternatives: []data.Capabilities{{"browserName": "chrome"}},
		EnqueuedAt:   now,
		Deadline:     now.Add(ttl),
	}
}

func TestOfferLastAnnouncesAndPreservesFIFO(t *testing.T) {
	bus := newRecordingBus()
	q := NewLocalQueue(bus, time.Second, nil)

	first := newRequest(time.Minute)
	second := newRequest(time.Minute)
	if !q.OfferLast(first) || !q.OfferLast(second) {
		t.Fatalf("offers should succeed")
	}

	announced := bus.firedOn(events.TopicNewSessionRequest)
	if len(announced) != 2 {
		t.Fatalf("expected 2 announcements, got %d", len(announced))
	}

	head, ok := q.Peek()
	if !ok || head.ID != first.ID {
		t.Fatalf("expected %s at the head, got %v", first.ID, head)
	}
}

func TestOfferFirstSitsAheadOfTailEntries(t *testing.T) {
	bus := newRecordingBus()
	q := NewLocalQueue(bus, time.Minute, nil)

	tail := newRequest(time.Minute)
	q.OfferLast(tail)
	retried := newRequest(time.Minute)
	if !q.OfferFirst(retried) {
		t.Fatalf("offerFirst should succeed")
	}

	head, ok := q.Peek()
	if !ok || head.ID != retried.ID {
		t.Fatalf("head-injected request should sit ahead of tail entries")
	}
}

func TestRemoveHeadFastPathAndScan(t *testing.T) {
	bus := newRecordingBus()
	q := NewLocalQueue(bus, time.Second, nil)

	a := newRequest(time.Minute)
	b := newRequest(time.Minute)
	c := newRequest(time.Minute)
	q.OfferLast(a)
	q.OfferLast(b)
	q.OfferLast(c)

	got, ok := q.Remove(a.ID)
	if !ok || got.ID != a.ID {
		t.Fatalf("head removal failed")
	}
	got, ok = q.Remove(c.ID)
	if !ok || got.ID != c.ID {
		t.Fatalf("mid-queue removal failed")
	}
	if q.Len() != 1 {
		t.Fatalf("expected one request left, got %d", q.Len())
	}
	if _, ok := q.Remove(data.RequestID("missing")); ok {
		t.Fatalf("removing an unknown id should report empty")
	}
}

func TestRemoveRejectsExpiredRequests(t *testing.T) {
	bus := newRecordingBus()
	q := NewLocalQueue(bus, time.Second, nil)

	req := newRequest(-time.Second)
	q.OfferLast(req)

	if _, ok := q.Remove(req.ID); ok {
		t.Fatalf("expired request must not be returned")
	}
	rejected := bus.firedOn(events.TopicNewSessionRejected)
	if len(rejected) != 1 {
		t.Fatalf("expected one rejection, got %d", len(rejected))
	}
	payload := rejected[0].Data.(events.NewSessionRejected)
	if !errors.Is(payload.Reason, data.ErrTimeout) {
		t.Fatalf("expected timeout rejection, got %v", payload.Reason)
	}
}

func TestClearRejectsAllAsCancelled(t *testing.T) {
	bus := newRecordingBus()
	q := NewLocalQueue(bus, time.Second, nil)

	q.OfferLast(newRequest(time.Minute))
	q.OfferLast(newRequest(time.Minute))

	if n := q.Clear(); n != 2 {
		t.Fatalf("expected 2 cleared, got %d", n)
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be empty after clear")
	}
	for _, ev := range bus.firedOn(events.TopicNewSessionRejected) {
		payload := ev.Data.(events.NewSessionRejected)
		if !errors.Is(payload.Reason, data.ErrCancelled) {
			t.Fatalf("expected cancelled rejections, got %v", payload.Reason)
		}
	}
}

func TestOfferFirstRefiresAfterRetryInterval(t *testing.T) {
	bus := newRecordingBus()
	q := NewLocalQueue(bus, 10*time.Millisecond, nil)

	req := newRequest(time.Minute)
	q.OfferFirst(req)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(bus.firedOn(events.TopicNewSessionRequest)) > 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected a delayed re-announcement")
}

func TestOfferFirstRejectsWhenDeadlinePassesBeforeRetry(t *testing.T) {
	bus := newRecordingBus()
	q := NewLocalQueue(bus, 10*time.Millisecond, nil)

	req := newRequest(time.Millisecond)
	q.OfferFirst(req)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if rejected := bus.firedOn(events.TopicNewSessionRejected); len(rejected) > 0 {
			payload := rejected[0].Data.(events.NewSessionRejected)
			if !errors.Is(payload.Reason, data.ErrTimeout) {
				t.Fatalf("expected timeout, got %v", payload.Reason)
			}
			if q.Len() != 0 {
				t.Fatalf("expired request should leave the queue")
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected the retry fire to reject the expired request")
}

func TestShutdownRefusesNewOffers(t *testing.T) {
	bus := newRecordingBus()
	q := NewLocalQueue(bus, time.Second, nil)

	q.OfferLast(newRequest(time.Minute))
	q.Shutdown()

	if q.OfferLast(newRequest(time.Minute)) {
		t.Fatalf("offerLast must fail after shutdown")
	}
	if q.OfferFirst(newRequest(time.Minute)) {
		t.Fatalf("offerFirst must fail after shutdown")
	}
	if q.Len() != 0 {
		t.Fatalf("shutdown should clear pending requests")
	}
}
