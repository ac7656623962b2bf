// Package distributor schedules new-session requests onto the registered
// node fleet: admission, ranking, retries, and health reconciliation.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/grid/internal/audit"
	"github.com/example/grid/internal/data"
	"github.com/example/grid/internal/events"
	"github.com/example/grid/internal/node"
	"github.com/example/grid/internal/observability"
	"github.com/example/grid/internal/sessionmap"
	"github.com/example/grid/internal/sessionqueue"
)

type Options struct {
	RequestTimeout      time.Duration
	HealthcheckInterval time.Duration
	// RetryLimit caps consecutive factory failures per request before the
	// request is rejected ahead of its deadline.
	RetryLimit int
	Audit      audit.Log
}

type nodeRecord struct {
	node          node.Node
	seq           uint64
	availability  data.Availability
	lastHeartbeat time.Time
}

// statusUpdater is implemented by node handles that cache a remotely
// reported status, such as RemoteNode.
type statusUpdater interface {
	UpdateStatus(data.NodeStatus)
}

type sessionResult struct {
	session data.Session
	err     error
}

// LocalDistributor is the scheduler. The registration table is guarded by a
// single RWMutex; ranking always works on a snapshot taken under the read
// half, and no lock is held across a node call.
type LocalDistributor struct {
	bus      events.Bus
	queue    sessionqueue.Queue
	sessions sessionmap.Map
	secret   data.Secret
	opts     Options
	auditLog audit.Log
	log      *zap.Logger

	mu      sync.RWMutex
	nodes   map[data.NodeID]*nodeRecord
	nextSeq uint64

	waiterMu sync.Mutex
	waiters  map[data.RequestID]chan sessionResult

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func NewLocalDistributor(bus events.Bus, queue sessionqueue.Queue, sessions sessionmap.Map, secret data.Secret, opts Options, log *zap.Logger) *LocalDistributor {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.HealthcheckInterval <= 0 {
		opts.HealthcheckInterval = 30 * time.Second
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 3
	}
	auditLog := opts.Audit
	if auditLog == nil {
		auditLog = audit.NewMemoryLog(0)
	}
	d := &LocalDistributor{
		bus:      bus,
		queue:    queue,
		sessions: sessions,
		secret:   secret,
		opts:     opts,
		auditLog: auditLog,
		log:      log,
		nodes:    make(map[data.NodeID]*nodeRecord),
		waiters:  make(map[data.RequestID]chan sessionResult),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}

	bus.Subscribe(events.TopicNewSessionRequest, func(events.Event) { d.signal() })
	bus.Subscribe(events.TopicNodeStatus, func(ev events.Event) {
		if status, ok := ev.Data.(events.NodeStatus); ok {
			d.observeHeartbeat(status.Status)
		}
		d.signal()
	})
	bus.Subscribe(events.TopicNewSessionRejected, func(ev events.Event) {
		if rejected, ok := ev.Data.(events.NewSessionRejected); ok {
			d.completeWaiter(rejected.RequestID, sessionResult{err: rejected.Reason})
			observability.CountRejection(rejectionLabel(rejected.Reason))
			d.auditLog.Append(audit.Entry{
				Action:  "session_rejected",
				Subject: string(rejected.RequestID),
				Detail:  rejected.Message,
			})
		}
	})
	bus.Subscribe(events.TopicNodeRemoved, func(ev events.Event) {
		if removed, ok := ev.Data.(events.NodeRemoved); ok {
			d.dropNode(removed.NodeID)
		}
	})

	go d.scheduleLoop()
	go d.healthLoop()
	return d
}

// Add registers a node after verifying the shared secret. Registration is
// idempotent on node id; the first registration wins.
func (d *LocalDistributor) Add(n node.Node) error {
	if !d.secret.Matches(n.RegistrationSecret()) {
		d.log.Warn("node registration refused, secret mismatch",
			zap.String("node_id", string(n.ID())))
		d.auditLog.Append(audit.Entry{Action: "node_rejected", Subject: string(n.ID())})
		d.bus.Fire(events.Event{Topic: events.TopicNodeRejected, Data: events.NodeRejected{NodeID: n.ID()}})
		return data.ErrNodeRejected
	}

	availability, reason := n.HealthCheck()

	d.mu.Lock()
	if _, exists := d.nodes[n.ID()]; exists {
		d.mu.Unlock()
		return nil
	}
	d.nextSeq++
	d.nodes[n.ID()] = &nodeRecord{
		node:         n,
		seq:          d.nextSeq,
		availability: availability,
	}
	d.mu.Unlock()

	d.log.Info("node added",
		zap.String("node_id", string(n.ID())),
		zap.String("uri", n.ExternalURI()),
		zap.String("availability", string(availability)),
		zap.String("reason", reason),
	)
	d.auditLog.Append(audit.Entry{Action: "node_added", Subject: string(n.ID()), Detail: n.ExternalURI()})
	observability.SetRegisteredNodes(d.nodeCount())
	// The added event must be observable before any scheduling decision
	// involves the node, so it goes out before the wake-up.
	d.bus.Fire(events.Event{Topic: events.TopicNodeAdded, Data: events.NodeAdded{NodeID: n.ID()}})
	d.signal()
	return nil
}

// Remove unregisters immediately, active sessions or not. Descriptors of
// stranded sessions stay in the session map until its orphan sweep.
func (d *LocalDistributor) Remove(id data.NodeID) {
	d.mu.Lock()
	_, exists := d.nodes[id]
	delete(d.nodes, id)
	d.mu.Unlock()
	if !exists {
		return
	}
	d.log.Info("node removed", zap.String("node_id", string(id)))
	d.auditLog.Append(audit.Entry{Action: "node_removed", Subject: string(id)})
	observability.SetRegisteredNodes(d.nodeCount())
	d.bus.Fire(events.Event{Topic: events.TopicNodeRemoved, Data: events.NodeRemoved{NodeID: id}})
}

// dropNode handles a node announcing its own removal (drain completion).
func (d *LocalDistributor) dropNode(id data.NodeID) {
	d.mu.Lock()
	_, exists := d.nodes[id]
	delete(d.nodes, id)
	d.mu.Unlock()
	if exists {
		d.log.Info("node unregistered after drain", zap.String("node_id", string(id)))
		d.auditLog.Append(audit.Entry{Action: "node_drained_out", Subject: string(id)})
		observability.SetRegisteredNodes(d.nodeCount())
	}
}

// Drain forwards drain to the node. The node stops accepting sessions and
// announces its own removal once the last one finishes.
func (d *LocalDistributor) Drain(id data.NodeID) error {
	d.mu.Lock()
	rec, ok := d.nodes[id]
	if ok {
		rec.availability = data.Draining
	}
	d.mu.Unlock()
	if !ok {
		return data.ErrNotFound
	}
	rec.node.Drain()
	d.auditLog.Append(audit.Entry{Action: "node_drain_started", Subject: string(id)})
	return nil
}

// NewSession is the synchronous entrypoint: enqueue, then wait for the
// scheduling loop, a rejection, or the deadline.
func (d *LocalDistributor) NewSession(ctx context.Context, alternatives []data.Capabilities) (data.Session, error) {
	ctx, span := observability.StartSpan(ctx, "distributor.new_session")
	defer span.End()

	if len(alternatives) == 0 {
		return data.Session{}, fmt.Errorf("%w: no capabilities requested", data.ErrInvalidArgument)
	}
	// A fleet that exists but cannot ever serve this request fails fast.
	// With no nodes registered at all the request waits for its deadline;
	// a node may still arrive.
	if d.nodeCount() > 0 && !d.anyStereotypeMatches(alternatives) {
		observability.CountRejection("unsupported")
		return data.Session{}, data.ErrUnsupportedCapabilities
	}

	now := time.Now()
	req := &data.SessionRequest{
		ID:           data.RequestID(uuid.NewString()),
		Alternatives: alternatives,
		EnqueuedAt:   now,
		Deadline:     now.Add(d.opts.RequestTimeout),
	}
	span.SetAttributes(observability.RequestIDAttr(string(req.ID)))

	waiter := make(chan sessionResult, 1)
	d.waiterMu.Lock()
	d.waiters[req.ID] = waiter
	d.waiterMu.Unlock()
	defer func() {
		d.waiterMu.Lock()
		delete(d.waiters, req.ID)
		d.waiterMu.Unlock()
	}()

	if !d.queue.OfferLast(req) {
		return data.Session{}, data.ErrCancelled
	}

	deadline := time.NewTimer(time.Until(req.Deadline))
	defer deadline.Stop()

	select {
	case result := <-waiter:
		if result.err != nil {
			return data.Session{}, result.err
		}
		return result.session, nil
	case <-ctx.Done():
		d.queue.Remove(req.ID)
		return data.Session{}, ctx.Err()
	case <-deadline.C:
		// Remove fires the timeout rejection if the request is still queued;
		// the rejection subscription counts it.
		d.queue.Remove(req.ID)
		return data.Session{}, data.ErrTimeout
	}
}

// Refresh forces one synchronous reconciliation pass: health recheck plus a
// scheduling attempt.
func (d *LocalDistributor) Refresh() {
	d.reconcileHealth()
	d.schedulePass()
}

// GetStatus aggregates the fleet into one snapshot.
func (d *LocalDistributor) GetStatus() data.DistributorStatus {
	snapshot := d.snapshotNodes()
	statuses := make([]data.NodeStatus, 0, len(snapshot))
	hasCapacity := false
	for _, snap := range snapshot {
		status := snap.status
		// The distributor's availability verdict (a DOWN from health
		// reconciliation, say) overrides the node's own, except for the
		// drain states the node itself is authoritative for.
		if snap.avail != status.Availability && status.Availability != data.Draining && status.Availability != data.Removed {
			status.Availability = snap.avail
		}
		if status.Capacity() > 0 {
			hasCapacity = true
		}
		statuses = append(statuses, status)
	}
	return data.DistributorStatus{Nodes: statuses, HasCapacity: hasCapacity}
}

// GetAvailableNodes lists nodes that are UP and not draining.
func (d *LocalDistributor) GetAvailableNodes() []data.NodeID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]data.NodeID, 0, len(d.nodes))
	for id, rec := range d.nodes {
		if rec.availability == data.Up && !rec.node.IsDraining() {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sessions exposes the session map for status queries.
func (d *LocalDistributor) Sessions() sessionmap.Map { return d.sessions }

// StopSession forwards stop to the owning node.
func (d *LocalDistributor) StopSession(ctx context.Context, id data.SessionID) error {
	session, err := d.sessions.Get(id)
	if err != nil {
		return err
	}
	d.mu.RLock()
	rec, ok := d.nodes[session.NodeID]
	d.mu.RUnlock()
	if !ok {
		// Owning node is gone; drop the descriptor ourselves.
		d.sessions.Remove(id)
		return nil
	}
	return rec.node.Stop(ctx, id)
}

func (d *LocalDistributor) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
}

func (d *LocalDistributor) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *LocalDistributor) scheduleLoop() {
	for {
		select {
		case <-d.stop:
			return
		case <-d.wake:
			d.schedulePass()
		}
	}
}

func (d *LocalDistributor) healthLoop() {
	ticker := time.NewTicker(d.opts.HealthcheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.reconcileHealth()
		}
	}
}

// schedulePass drains the queue head for as long as placements succeed.
func (d *LocalDistributor) schedulePass() {
	for d.placeHead() {
	}
}

// placeHead attempts one placement. It reports whether another pass is worth
// trying immediately.
func (d *LocalDistributor) placeHead() bool {
	req, ok := d.queue.Peek()
	if !ok {
		return false
	}
	if req.Expired(time.Now()) {
		// Remove rejects expired requests as it returns them.
		d.queue.Remove(req.ID)
		return true
	}

	snapshot := d.snapshotNodes()
	candidates, alt := matchCandidates(snapshot, req.Alternatives)
	if len(candidates) == 0 {
		if len(snapshot) > 0 && !anyMatchesSnapshot(snapshot, req.Alternatives) {
			if removed, ok := d.queue.Remove(req.ID); ok {
				d.rejectRequest(removed.ID, data.ErrUnsupportedCapabilities,
					"no registered node supports the requested capabilities")
			}
			return true
		}
		// Leave the head queued; a later node or status event retries it.
		return false
	}

	rankCandidates(candidates, alt)
	best := candidates[0]

	removed, ok := d.queue.Remove(req.ID)
	if !ok {
		// Raced with a timeout or another pass.
		return true
	}

	ctx, cancel := context.WithDeadline(context.Background(), removed.Deadline)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, "distributor.place",
		observability.RequestIDAttr(string(removed.ID)),
		observability.NodeIDAttr(string(best.record.node.ID())),
		observability.CandidatesAttr(len(candidates)),
	)
	started := time.Now()
	session, err := best.record.node.NewSession(ctx, node.CreateRequest{
		RequestID:    removed.ID,
		Capabilities: alt[best.record.node.ID()],
	})
	observability.ObservePlacement(string(best.record.node.ID()), time.Since(started))
	observability.EndSpan(span, err)
	if err != nil {
		requeued := d.handlePlacementFailure(removed, best.record.node.ID(), err)
		// A re-queued request sits at the head again; retrying it this
		// instant would spin. The queue's delayed re-fire picks it up.
		return !requeued
	}

	if err := d.sessions.Add(session); err != nil {
		d.log.Error("session map insert failed",
			zap.String("session_id", string(session.ID)), zap.Error(err))
	}
	observability.CountSessionCreated(string(session.NodeID))
	d.auditLog.Append(audit.Entry{
		Action:  "session_created",
		Subject: string(session.ID),
		Detail:  fmt.Sprintf("node=%s request=%s", session.NodeID, removed.ID),
	})
	d.completeWaiter(removed.ID, sessionResult{session: session})
	return true
}

// handlePlacementFailure decides retry-vs-reject and reports whether the
// request went back into the queue.
func (d *LocalDistributor) handlePlacementFailure(req *data.SessionRequest, nodeID data.NodeID, err error) bool {
	now := time.Now()
	switch {
	case errors.Is(err, data.ErrFactoryFailed):
		req.Attempts++
		d.log.Warn("session factory failed",
			zap.String("request_id", string(req.ID)),
			zap.String("node_id", string(nodeID)),
			zap.Int("attempts", req.Attempts),
			zap.Error(err),
		)
		if req.Expired(now) {
			d.rejectRequest(req.ID, data.ErrTimeout, "New session request timed out")
			return false
		}
		if req.Attempts >= d.opts.RetryLimit {
			d.rejectRequest(req.ID, data.ErrFactoryFailed, "session factory kept failing")
			return false
		}
		return d.queue.OfferFirst(req)
	case data.IsRetryable(err):
		// NO_CAPACITY, or a DRAINING/NO_MATCH race after the candidate check.
		if req.Expired(now) {
			d.rejectRequest(req.ID, data.ErrTimeout, "New session request timed out")
			return false
		}
		return d.queue.OfferFirst(req)
	default:
		d.rejectRequest(req.ID, err, err.Error())
		return false
	}
}

func (d *LocalDistributor) rejectRequest(id data.RequestID, reason error, message string) {
	d.bus.Fire(events.Event{
		Topic: events.TopicNewSessionRejected,
		Data:  events.NewSessionRejected{RequestID: id, Reason: reason, Message: message},
	})
}

func (d *LocalDistributor) completeWaiter(id data.RequestID, result sessionResult) {
	d.waiterMu.Lock()
	waiter, ok := d.waiters[id]
	if ok {
		delete(d.waiters, id)
	}
	d.waiterMu.Unlock()
	if ok {
		waiter <- result
	}
}

// reconcileHealth polls every node's health check, applying only the
// transitions the availability state machine permits. No lock is held across
// a check call.
func (d *LocalDistributor) reconcileHealth() {
	d.mu.RLock()
	records := make([]*nodeRecord, 0, len(d.nodes))
	for _, rec := range d.nodes {
		records = append(records, rec)
	}
	d.mu.RUnlock()

	recovered := false
	for _, rec := range records {
		availability, reason := rec.node.HealthCheck()
		d.mu.Lock()
		previous := rec.availability
		if !rec.lastHeartbeat.IsZero() && time.Since(rec.lastHeartbeat) > 2*d.opts.HealthcheckInterval && availability == data.Up {
			availability = data.Down
			reason = "heartbeat overdue"
		}
		if previous != availability && previous.CanTransition(availability) {
			rec.availability = availability
			d.mu.Unlock()
			d.log.Info("node availability changed",
				zap.String("node_id", string(rec.node.ID())),
				zap.String("from", string(previous)),
				zap.String("to", string(availability)),
				zap.String("reason", reason),
			)
			if previous == data.Down && availability == data.Up {
				recovered = true
			}
			continue
		}
		d.mu.Unlock()
	}
	if recovered {
		d.signal()
	}
}

// Heartbeat ingests a status report from a remotely registered node. It
// reports whether the node is known.
func (d *LocalDistributor) Heartbeat(status data.NodeStatus) bool {
	d.mu.RLock()
	_, known := d.nodes[status.NodeID]
	d.mu.RUnlock()
	if !known {
		return false
	}
	d.observeHeartbeat(status)
	d.signal()
	return true
}

func (d *LocalDistributor) observeHeartbeat(status data.NodeStatus) {
	d.mu.Lock()
	rec, ok := d.nodes[status.NodeID]
	if ok {
		rec.lastHeartbeat = time.Now()
		if rec.availability.CanTransition(status.Availability) {
			rec.availability = status.Availability
		}
	}
	d.mu.Unlock()
	if ok {
		if sink, caches := rec.node.(statusUpdater); caches {
			sink.UpdateStatus(status)
		}
	}
}

func (d *LocalDistributor) nodeCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}

func (d *LocalDistributor) anyStereotypeMatches(alternatives []data.Capabilities) bool {
	return anyMatchesSnapshot(d.snapshotNodes(), alternatives)
}

// rejectionLabel folds a failure kind into a bounded metric label.
func rejectionLabel(reason error) string {
	switch {
	case errors.Is(reason, data.ErrTimeout):
		return "timeout"
	case errors.Is(reason, data.ErrCancelled):
		return "cancelled"
	case errors.Is(reason, data.ErrFactoryFailed):
		return "factory_failed"
	case errors.Is(reason, data.ErrUnsupportedCapabilities):
		return "unsupported"
	default:
		return "other"
	}
}
