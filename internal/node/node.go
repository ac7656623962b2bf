// Package node implements the grid node: a set of typed slots, the session
// factories behind them, drain semantics, and the health check surface.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/grid/internal/data"
	"github.com/example/grid/internal/events"
	"github.com/example/grid/internal/observability"
)

// Node is what the distributor schedules against.
type Node interface {
	ID() data.NodeID
	ExternalURI() string
	RegistrationSecret() data.Secret
	NewSession(ctx context.Context, req CreateRequest) (data.Session, error)
	Stop(ctx context.Context, id data.SessionID) error
	Drain()
	IsDraining() bool
	Status() data.NodeStatus
	HealthCheck() (data.Availability, string)
}

// HealthCheckFunc is the pluggable node health predicate.
type HealthCheckFunc func() (data.Availability, string)

type localSlot struct {
	slot    data.Slot
	factory SessionFactory
	running *RunningSession
}

// LocalNode owns its slots and the browsers behind them. Slot mutations are
// serialized by a single mutex; factory calls run outside it with the slot
// held in RESERVED.
type LocalNode struct {
	id              data.NodeID
	uri             string
	secret          data.Secret
	bus             events.Bus
	maxSessions     int
	healthCheck     HealthCheckFunc
	heartbeatPeriod time.Duration
	log             *zap.Logger

	mu       sync.Mutex
	slots    []*localSlot
	draining bool
	removed  bool

	stop     chan struct{}
	stopOnce sync.Once
}

// Builder assembles a LocalNode. Slots can only be added before Build.
type Builder struct {
	node *LocalNode
}

func NewBuilder(bus events.Bus, id data.NodeID, uri string, secret data.Secret, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	if id == "" {
		id = data.NodeID(uuid.NewString())
	}
	return &Builder{node: &LocalNode{
		id:          id,
		uri:         uri,
		secret:      secret,
		bus:         bus,
		healthCheck: func() (data.Availability, string) { return data.Up, "ok" },
		log:         log.With(zap.String("node_id", string(id))),
		stop:        make(chan struct{}),
	}}
}

// Add registers a slot able to run sessions matching the stereotype.
func (b *Builder) Add(stereotype data.Capabilities, factory SessionFactory) *Builder {
	b.node.slots = append(b.node.slots, &localSlot{
		slot: data.Slot{
			ID:         data.SlotID(uuid.NewString()),
			Stereotype: stereotype.Clone(),
			State:      data.SlotFree,
		},
		factory: factory,
	})
	return b
}

// MaxSessions caps concurrent sessions below the slot count.
func (b *Builder) MaxSessions(n int) *Builder {
	b.node.maxSessions = n
	return b
}

func (b *Builder) HealthCheck(fn HealthCheckFunc) *Builder {
	if fn != nil {
		b.node.healthCheck = fn
	}
	return b
}

// HeartbeatPeriod enables the periodic NodeStatus announcement.
func (b *Builder) HeartbeatPeriod(d time.Duration) *Builder {
	b.node.heartbeatPeriod = d
	return b
}

func (b *Builder) Build() *LocalNode {
	n := b.node
	if n.maxSessions <= 0 || n.maxSessions > len(n.slots) {
		n.maxSessions = len(n.slots)
	}
	if n.heartbeatPeriod > 0 {
		go n.heartbeat()
	}
	return n
}

func (n *LocalNode) ID() data.NodeID                 { return n.id }
func (n *LocalNode) ExternalURI() string             { return n.uri }
func (n *LocalNode) RegistrationSecret() data.Secret { return n.secret }

// NewSession places the request on a FREE matching slot, least-recently-used
// first. The slot is RESERVED across the factory call and rolled back to FREE
// if the factory fails.
func (n *LocalNode) NewSession(ctx context.Context, req CreateRequest) (session data.Session, err error) {
	ctx, span := observability.StartSpan(ctx, "node.new_session",
		observability.NodeIDAttr(string(n.id)),
		observability.RequestIDAttr(string(req.RequestID)),
	)
	defer func() { observability.EndSpan(span, err) }()

	n.mu.Lock()
	if n.draining || n.removed {
		n.mu.Unlock()
		return data.Session{}, data.ErrDraining
	}
	if n.activeCountLocked() >= n.maxSessions {
		n.mu.Unlock()
		return data.Session{}, data.ErrNoCapacity
	}
	chosen := n.chooseSlotLocked(req.Capabilities)
	if chosen == nil {
		anyMatch := false
		for _, s := range n.slots {
			if s.slot.Stereotype.Matches(req.Capabilities) {
				anyMatch = true
				break
			}
		}
		n.mu.Unlock()
		if anyMatch {
			return data.Session{}, data.ErrNoCapacity
		}
		return data.Session{}, data.ErrNoMatch
	}
	chosen.slot.State = data.SlotReserved
	n.mu.Unlock()

	running, createErr := chosen.factory.Create(ctx, req)

	n.mu.Lock()
	defer n.mu.Unlock()
	if createErr != nil {
		chosen.slot.State = data.SlotFree
		chosen.slot.SessionID = ""
		observability.CountFactoryFailure(string(n.id))
		return data.Session{}, fmt.Errorf("%w: %v", data.ErrFactoryFailed, createErr)
	}

	now := time.Now()
	session = running.Session
	session.NodeID = n.id
	session.SlotID = chosen.slot.ID
	if session.URI == "" {
		session.URI = n.uri
	}
	chosen.slot.State = data.SlotActive
	chosen.slot.SessionID = session.ID
	chosen.slot.LastStarted = now
	chosen.running = running
	chosen.running.Session = session

	span.SetAttributes(observability.SessionIDAttr(string(session.ID)))
	n.log.Info("session started",
		zap.String("session_id", string(session.ID)),
		zap.String("slot_id", string(chosen.slot.ID)),
	)
	return session, nil
}

// chooseSlotLocked returns the FREE matching slot with the oldest
// LastStarted, spreading heat across equivalent slots.
func (n *LocalNode) chooseSlotLocked(caps data.Capabilities) *localSlot {
	var chosen *localSlot
	for _, s := range n.slots {
		if !s.slot.IsFree() || !s.slot.Stereotype.Matches(caps) {
			continue
		}
		if chosen == nil || s.slot.LastStarted.Before(chosen.slot.LastStarted) {
			chosen = s
		}
	}
	return chosen
}

// Stop terminates the session and frees its slot. Unknown ids are a no-op
// reported as NotFound, which makes Stop idempotent.
func (n *LocalNode) Stop(ctx context.Context, id data.SessionID) error {
	n.mu.Lock()
	var target *localSlot
	for _, s := range n.slots {
		if s.slot.SessionID == id {
			target = s
			break
		}
	}
	if target == nil {
		n.mu.Unlock()
		return data.ErrNotFound
	}
	running := target.running
	target.running = nil
	target.slot.State = data.SlotFree
	target.slot.SessionID = ""
	n.mu.Unlock()

	if running != nil && running.Stop != nil {
		if err := running.Stop(ctx); err != nil {
			n.log.Warn("session teardown reported an error",
				zap.String("session_id", string(id)), zap.Error(err))
		}
	}
	n.bus.Fire(events.Event{
		Topic: events.TopicSessionClosed,
		Data:  events.SessionClosed{SessionID: id, NodeID: n.id},
	})
	n.maybeCompleteDrain()
	return nil
}

// Drain stops admission. The node self-removes when the last session ends.
func (n *LocalNode) Drain() {
	n.mu.Lock()
	if n.draining {
		n.mu.Unlock()
		return
	}
	n.draining = true
	n.mu.Unlock()

	n.log.Info("node draining")
	n.bus.Fire(events.Event{Topic: events.TopicNodeDrainStarted, Data: events.NodeDrainStarted{NodeID: n.id}})
	n.maybeCompleteDrain()
}

func (n *LocalNode) maybeCompleteDrain() {
	n.mu.Lock()
	done := n.draining && !n.removed && n.activeCountLocked() == 0
	if done {
		n.removed = true
	}
	n.mu.Unlock()

	if done {
		n.stopOnce.Do(func() { close(n.stop) })
		n.log.Info("node drained, removing")
		n.bus.Fire(events.Event{Topic: events.TopicNodeRemoved, Data: events.NodeRemoved{NodeID: n.id}})
	}
}

func (n *LocalNode) IsDraining() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.draining
}

func (n *LocalNode) Status() data.NodeStatus {
	availability, _ := n.healthCheck()

	n.mu.Lock()
	defer n.mu.Unlock()
	slots := make([]data.Slot, len(n.slots))
	for i, s := range n.slots {
		slot := s.slot
		slot.Stereotype = s.slot.Stereotype.Clone()
		slots[i] = slot
	}
	if n.removed {
		availability = data.Removed
	} else if n.draining {
		availability = data.Draining
	}
	return data.NodeStatus{
		NodeID:          n.id,
		ExternalURI:     n.uri,
		MaxSessionCount: n.maxSessions,
		Slots:           slots,
		Availability:    availability,
		IsDraining:      n.draining,
		Heartbeat:       time.Now(),
	}
}

func (n *LocalNode) HealthCheck() (data.Availability, string) {
	n.mu.Lock()
	draining := n.draining
	removed := n.removed
	n.mu.Unlock()
	if removed {
		return data.Removed, "node removed"
	}
	if draining {
		return data.Draining, "node draining"
	}
	return n.healthCheck()
}

// Close stops the heartbeat loop. Sessions keep running.
func (n *LocalNode) Close() {
	n.stopOnce.Do(func() { close(n.stop) })
}

func (n *LocalNode) activeCountLocked() int {
	active := 0
	for _, s := range n.slots {
		if !s.slot.IsFree() {
			active++
		}
	}
	return active
}

func (n *LocalNode) heartbeat() {
	ticker := time.NewTicker(n.heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			n.bus.Fire(events.Event{Topic: events.TopicNodeStatus, Data: events.NodeStatus{Status: n.Status()}})
		}
	}
}
