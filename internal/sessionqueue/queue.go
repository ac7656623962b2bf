// Package sessionqueue holds pending new-session requests in arrival order,
// with head-injection for retries and a hard per-request deadline.
package sessionqueue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/grid/internal/data"
	"github.com/example/grid/internal/events"
	"github.com/example/grid/internal/observability"
)

// Queue is the contract the distributor schedules against.
type Queue interface {
	OfferLast(*data.SessionRequest) bool
	OfferFirst(*data.SessionRequest) bool
	Remove(data.RequestID) (*data.SessionRequest, bool)
	Peek() (*data.SessionRequest, bool)
	Clear() int
	Len() int
}

// LocalQueue is the in-process queue. All mutations run under the write half
// of an RWMutex; reads take the read half. Critical sections do no I/O: bus
// events are collected under the lock and fired after it is released.
type LocalQueue struct {
	bus           events.Bus
	retryInterval time.Duration

	mu       sync.RWMutex
	requests []*data.SessionRequest
	shutdown bool

	timerMu sync.Mutex
	timers  map[data.RequestID]*time.Timer

	log *zap.Logger
}

func NewLocalQueue(bus events.Bus, retryInterval time.Duration, log *zap.Logger) *LocalQueue {
	if log == nil {
		log = zap.NewNop()
	}
	if retryInterval <= 0 {
		retryInterval = time.Second
	}
	return &LocalQueue{
		bus:           bus,
		retryInterval: retryInterval,
		requests:      make([]*data.SessionRequest, 0, 16),
		timers:        make(map[data.RequestID]*time.Timer),
		log:           log,
	}
}

// OfferLast appends the request and announces it on the bus. Returns false
// only when the queue is shutting down.
func (q *LocalQueue) OfferLast(req *data.SessionRequest) bool {
	_, span := observability.StartSpan(context.Background(), "sessionqueue.offer_last",
		observability.RequestIDAttr(string(req.ID)),
		observability.QueuePositionAttr("last"),
	)
	defer observability.EndSpan(span, nil)

	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return false
	}
	q.requests = append(q.requests, req)
	depth := len(q.requests)
	q.mu.Unlock()

	observability.CountRequestQueued("last")
	observability.SetQueueDepth(depth)
	q.bus.Fire(events.Event{Topic: events.TopicNewSessionRequest, Data: events.NewSessionRequest{RequestID: req.ID}})
	return true
}

// OfferFirst puts the request back at the head and schedules a delayed
// re-announcement. The delayed fire rejects instead when the deadline has
// passed by then, so a retry is never scheduled past the deadline's effect.
func (q *LocalQueue) OfferFirst(req *data.SessionRequest) bool {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return false
	}
	q.requests = append([]*data.SessionRequest{req}, q.requests...)
	depth := len(q.requests)
	q.mu.Unlock()

	observability.CountRequestQueued("first")
	observability.SetQueueDepth(depth)
	q.scheduleRetry(req)
	return true
}

func (q *LocalQueue) scheduleRetry(req *data.SessionRequest) {
	q.timerMu.Lock()
	defer q.timerMu.Unlock()
	if q.timers == nil {
		return
	}
	if old, ok := q.timers[req.ID]; ok {
		old.Stop()
	}
	q.timers[req.ID] = time.AfterFunc(q.retryInterval, func() { q.retry(req) })
}

func (q *LocalQueue) retry(req *data.SessionRequest) {
	q.timerMu.Lock()
	delete(q.timers, req.ID)
	q.timerMu.Unlock()

	if req.Expired(time.Now()) {
		q.log.Info("queued request timed out", zap.String("request_id", string(req.ID)))
		q.mu.Lock()
		dropped := q.removeLocked(req.ID)
		depth := len(q.requests)
		q.mu.Unlock()
		observability.SetQueueDepth(depth)
		if dropped != nil {
			observability.ObserveQueueWait(time.Since(dropped.EnqueuedAt))
		}
		q.reject(req.ID, data.ErrTimeout, "New session request timed out")
		return
	}
	q.log.Debug("re-announcing queued request, all slots were busy",
		zap.String("request_id", string(req.ID)))
	q.bus.Fire(events.Event{Topic: events.TopicNewSessionRequest, Data: events.NewSessionRequest{RequestID: req.ID}})
}

// Remove takes the request with the given id out of the queue. The head is
// the O(1) fast path; otherwise the queue is scanned. An expired request is
// rejected on the bus and not returned.
func (q *LocalQueue) Remove(id data.RequestID) (*data.SessionRequest, bool) {
	q.mu.Lock()
	req := q.removeLocked(id)
	depth := len(q.requests)
	q.mu.Unlock()

	if req == nil {
		return nil, false
	}
	observability.SetQueueDepth(depth)
	observability.ObserveQueueWait(time.Since(req.EnqueuedAt))
	if req.Expired(time.Now()) {
		q.reject(id, data.ErrTimeout, "New session request timed out")
		return nil, false
	}
	return req, true
}

func (q *LocalQueue) removeLocked(id data.RequestID) *data.SessionRequest {
	if len(q.requests) == 0 {
		return nil
	}
	if q.requests[0].ID == id {
		req := q.requests[0]
		q.requests = q.requests[1:]
		return req
	}
	for i, req := range q.requests {
		if req.ID == id {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return req
		}
	}
	return nil
}

// Peek returns the current head without removing it.
func (q *LocalQueue) Peek() (*data.SessionRequest, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if len(q.requests) == 0 {
		return nil, false
	}
	return q.requests[0], true
}

func (q *LocalQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.requests)
}

// Clear drains every pending request, rejecting each as cancelled, and
// returns how many were dropped.
func (q *LocalQueue) Clear() int {
	q.mu.Lock()
	drained := q.requests
	q.requests = make([]*data.SessionRequest, 0, 16)
	q.mu.Unlock()

	observability.SetQueueDepth(0)
	for _, req := range drained {
		observability.ObserveQueueWait(time.Since(req.EnqueuedAt))
		q.reject(req.ID, data.ErrCancelled, "New session request cancelled.")
	}
	return len(drained)
}

// Shutdown stops retry timers and makes further offers fail. Pending
// requests are cleared as cancelled.
func (q *LocalQueue) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	q.mu.Unlock()

	q.timerMu.Lock()
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	q.timers = nil
	q.timerMu.Unlock()

	q.Clear()
}

func (q *LocalQueue) reject(id data.RequestID, reason error, message string) {
	q.bus.Fire(events.Event{
		Topic: events.TopicNewSessionRejected,
		Data:  events.NewSessionRejected{RequestID: id, Reason: reason, Message: message},
	})
}
