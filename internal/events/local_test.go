package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/grid/internal/data"
)

func TestSubscriberSeesEventsInFireOrder(t *testing.T) {
	bus := NewLocalBus(nil)
	defer bus.Close()

	var mu sync.Mutex
	var seen []data.RequestID
	bus.Subscribe(TopicNewSessionRequest, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Data.(NewSessionRequest).RequestID)
	})

	want := []data.RequestID{"a", "b", "c", "d"}
	for _, id := range want {
		bus.Fire(Event{Topic: TopicNewSessionRequest, Data: NewSessionRequest{RequestID: id}})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(want)
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seen)
}

func TestTopicsAreIsolated(t *testing.T) {
	bus := NewLocalBus(nil)
	defer bus.Close()

	var mu sync.Mutex
	added := 0
	bus.Subscribe(TopicNodeAdded, func(Event) {
		mu.Lock()
		defer mu.Unlock()
		added++
	})

	bus.Fire(Event{Topic: TopicNodeRemoved, Data: NodeRemoved{NodeID: "n1"}})
	bus.Fire(Event{Topic: TopicNodeAdded, Data: NodeAdded{NodeID: "n1"}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return added == 1
	}, time.Second, 5*time.Millisecond)
}

func TestFireDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewLocalBus(nil)
	defer bus.Close()

	release := make(chan struct{})
	bus.Subscribe(TopicSessionClosed, func(Event) {
		<-release
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Fire(Event{Topic: TopicSessionClosed, Data: SessionClosed{SessionID: "s", NodeID: "n"}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publisher blocked on a slow subscriber")
	}
	close(release)
}

func TestCloseStopsDelivery(t *testing.T) {
	bus := NewLocalBus(nil)
	fired := make(chan struct{}, 8)
	bus.Subscribe(TopicNodeAdded, func(Event) { fired <- struct{}{} })

	require.NoError(t, bus.Close())
	bus.Fire(Event{Topic: TopicNodeAdded, Data: NodeAdded{NodeID: "n1"}})

	select {
	case <-fired:
		t.Fatalf("no delivery expected after close")
	case <-time.After(50 * time.Millisecond):
	}
}
