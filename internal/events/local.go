package events

import (
	"sync"

	"go.uber.org/zap"
)

const subscriberBuffer = 1024

// LocalBus is the in-process bus. Each subscriber drains its own buffered
// channel on a dedicated goroutine, which gives per-topic fire order without
// publishers ever blocking. A subscriber that falls more than the buffer
// behind loses events; delivery is best-effort.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[Topic][]*subscription
	closed bool
	wg     sync.WaitGroup
	log    *zap.Logger
}

type subscription struct {
	ch chan Event
}

func NewLocalBus(log *zap.Logger) *LocalBus {
	if log == nil {
		log = zap.NewNop()
	}
	return &LocalBus{
		subs: make(map[Topic][]*subscription),
		log:  log,
	}
}

func (b *LocalBus) Subscribe(topic Topic, h Handler) {
	sub := &subscription{ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for ev := range sub.ch {
			h(ev)
		}
	}()
}

func (b *LocalBus) Fire(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[ev.Topic] {
		select {
		case sub.ch <- ev:
		default:
			b.log.Warn("event bus subscriber overflow, dropping event",
				zap.String("topic", string(ev.Topic)))
		}
	}
}

// Close stops delivery. Events already buffered are still handed to their
// subscribers before the handler goroutines exit.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
