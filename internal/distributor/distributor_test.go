package distributor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/grid/internal/data"
	"github.com/example/grid/internal/events"
	"github.com/example/grid/internal/node"
	"github.com/example/grid/internal/sessionmap"
	"github.com/example/grid/internal/sessionqueue"
)

const registrationSecret = data.Secret("cheddar")

var (
	chrome  = data.Capabilities{"browserName": "chrome"}
	firefox = data.Capabilities{"browserName": "firefox"}
	edge    = data.Capabilities{"browserName": "MicrosoftEdge"}
)

type grid struct {
	bus      *events.LocalBus
	queue    *sessionqueue.LocalQueue
	sessions *sessionmap.LocalMap
	dist     *LocalDistributor
}

func newGrid(t *testing.T, requestTimeout time.Duration) *grid {
	t.Helper()
	bus := events.NewLocalBus(nil)
	queue := sessionqueue.NewLocalQueue(bus, 10*time.Millisecond, nil)
	sessions := sessionmap.NewLocalMap(bus, time.Minute, nil)
	dist := NewLocalDistributor(bus, queue, sessions, registrationSecret, Options{
		RequestTimeout:      requestTimeout,
		HealthcheckInterval: time.Hour, // reconciliation is driven by Refresh in tests
	}, nil)
	t.Cleanup(func() {
		dist.Close()
		sessions.Close()
		bus.Close()
	})
	return &grid{bus: bus, queue: queue, sessions: sessions, dist: dist}
}

func buildNode(bus events.Bus, id string, uri string, slots map[string]int) *node.LocalNode {
	b := node.NewBuilder(bus, data.NodeID(id), uri, registrationSecret, nil)
	for browser, count := range slots {
		stereotype := data.Capabilities{"browserName": browser}
		for i := 0; i < count; i++ {
			b.Add(stereotype, node.NewTestFactory(stereotype, uri))
		}
	}
	return b.Build()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", msg)
}

func TestNewSessionWithoutNodesTimesOut(t *testing.T) {
	g := newGrid(t, 150*time.Millisecond)

	start := time.Now()
	_, err := g.dist.NewSession(context.Background(), []data.Capabilities{chrome})
	if !errors.Is(err, data.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("returned before the deadline: %v", elapsed)
	}
	waitFor(t, time.Second, func() bool { return g.queue.Len() == 0 }, "queue should be empty after a timeout")
}

func TestAddNodeAndCreateSession(t *testing.T) {
	g := newGrid(t, 2*time.Second)
	n := buildNode(g.bus, "node-a", "http://node-a:5555", map[string]int{"chrome": 1})
	if err := g.dist.Add(n); err != nil {
		t.Fatalf("add node: %v", err)
	}

	requested := data.Capabilities{"browserName": "chrome", "se:downloads": true}
	// Extra request keys missing from the stereotype must not match.
	if _, err := g.dist.NewSession(context.Background(), []data.Capabilities{requested}); !errors.Is(err, data.ErrUnsupportedCapabilities) {
		t.Fatalf("expected unsupported capabilities, got %v", err)
	}

	session, err := g.dist.NewSession(context.Background(), []data.Capabilities{chrome})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if session.NodeID != "node-a" {
		t.Fatalf("expected node-a, got %s", session.NodeID)
	}

	stored, err := g.sessions.Get(session.ID)
	if err != nil {
		t.Fatalf("session should be in the map: %v", err)
	}
	if stored.URI != "http://node-a:5555" {
		t.Fatalf("unexpected session uri %s", stored.URI)
	}
}

func TestRegistrationIsIdempotent(t *testing.T) {
	g := newGrid(t, time.Second)
	n := buildNode(g.bus, "node-a", "http://node-a:5555", map[string]int{"chrome": 1})

	if err := g.dist.Add(n); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := g.dist.Add(n); err != nil {
		t.Fatalf("re-add must be a no-op: %v", err)
	}
	if got := len(g.dist.GetStatus().Nodes); got != 1 {
		t.Fatalf("expected 1 registered node, got %d", got)
	}
}

func TestWrongSecretIsRejected(t *testing.T) {
	g := newGrid(t, time.Second)

	var mu sync.Mutex
	rejected := 0
	g.bus.Subscribe(events.TopicNodeRejected, func(events.Event) {
		mu.Lock()
		defer mu.Unlock()
		rejected++
	})

	intruder := node.NewBuilder(g.bus, "node-x", "http://node-x:5555", "wrong", nil).
		Add(chrome, node.NewTestFactory(chrome, "http://node-x:5555")).
		Build()
	if err := g.dist.Add(intruder); !errors.Is(err, data.ErrNodeRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if got := len(g.dist.GetAvailableNodes()); got != 0 {
		t.Fatalf("rejected node must never become available, got %d", got)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return rejected == 1
	}, "node-rejected event")
}

func TestRankingPrefersLightestLoad(t *testing.T) {
	g := newGrid(t, 2*time.Second)
	ctx := context.Background()

	preload := map[string]int{"node-0": 0, "node-1": 4, "node-2": 6, "node-3": 8}
	for name, sessions := range preload {
		n := buildNode(g.bus, name, "http://"+name+":5555", map[string]int{"chrome": 10})
		for i := 0; i < sessions; i++ {
			if _, err := n.NewSession(ctx, node.CreateRequest{
				RequestID:    data.RequestID(fmt.Sprintf("%s-pre-%d", name, i)),
				Capabilities: chrome,
			}); err != nil {
				t.Fatalf("preload %s: %v", name, err)
			}
		}
		if err := g.dist.Add(n); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}

	session, err := g.dist.NewSession(ctx, []data.Capabilities{chrome})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if session.NodeID != "node-0" {
		t.Fatalf("expected the empty node, got %s", session.NodeID)
	}
}

func TestRankingTieBreaksByInsertionOrder(t *testing.T) {
	g := newGrid(t, 2*time.Second)
	ctx := context.Background()

	for _, name := range []string{"node-a", "node-b", "node-c"} {
		if err := g.dist.Add(buildNode(g.bus, name, "http://"+name+":5555", map[string]int{"chrome": 5})); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}

	var placements []data.NodeID
	for i := 0; i < 3; i++ {
		session, err := g.dist.NewSession(ctx, []data.Capabilities{chrome})
		if err != nil {
			t.Fatalf("session %d: %v", i, err)
		}
		placements = append(placements, session.NodeID)
	}
	want := []data.NodeID{"node-a", "node-b", "node-c"}
	for i := range want {
		if placements[i] != want[i] {
			t.Fatalf("expected placements %v, got %v", want, placements)
		}
	}
}

func TestRankingPreservesSpecializedNodes(t *testing.T) {
	g := newGrid(t, 2*time.Second)
	ctx := context.Background()

	edgeCapable := map[data.NodeID]bool{}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("ecf-%d", i)
		edgeCapable[data.NodeID(id)] = true
		n := buildNode(g.bus, id, "http://"+id+":5555", map[string]int{"MicrosoftEdge": 1, "chrome": 1, "firefox": 1})
		if err := g.dist.Add(n); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("cf-%d", i)
		if err := g.dist.Add(buildNode(g.bus, id, "http://"+id+":5555", map[string]int{"chrome": 1, "firefox": 1})); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("f-%d", i)
		if err := g.dist.Add(buildNode(g.bus, id, "http://"+id+":5555", map[string]int{"firefox": 1})); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}

	for i := 0; i < 5; i++ {
		session, err := g.dist.NewSession(ctx, []data.Capabilities{chrome})
		if err != nil {
			t.Fatalf("chrome session %d: %v", i, err)
		}
		if edgeCapable[session.NodeID] {
			t.Fatalf("chrome request %d landed on edge-capable node %s while plainer nodes were free", i, session.NodeID)
		}
	}
	for i := 0; i < 5; i++ {
		if _, err := g.dist.NewSession(ctx, []data.Capabilities{firefox}); err != nil {
			t.Fatalf("firefox session %d: %v", i, err)
		}
	}

	session, err := g.dist.NewSession(ctx, []data.Capabilities{edge})
	if err != nil {
		t.Fatalf("edge session: %v", err)
	}
	if !edgeCapable[session.NodeID] {
		t.Fatalf("edge request landed on %s, which cannot run it", session.NodeID)
	}
}

func TestDrainWaitsForActiveSessions(t *testing.T) {
	g := newGrid(t, 300*time.Millisecond)
	ctx := context.Background()

	n := buildNode(g.bus, "node-a", "http://node-a:5555", map[string]int{"chrome": 2})
	if err := g.dist.Add(n); err != nil {
		t.Fatalf("add: %v", err)
	}

	s1, err := g.dist.NewSession(ctx, []data.Capabilities{chrome})
	if err != nil {
		t.Fatalf("session 1: %v", err)
	}
	s2, err := g.dist.NewSession(ctx, []data.Capabilities{chrome})
	if err != nil {
		t.Fatalf("session 2: %v", err)
	}

	if err := g.dist.Drain("node-a"); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := len(g.dist.GetStatus().Nodes); got != 1 {
		t.Fatalf("draining node with sessions must stay registered, got %d nodes", got)
	}
	if _, err := g.dist.NewSession(ctx, []data.Capabilities{chrome}); err == nil {
		t.Fatalf("draining fleet should not place new sessions")
	}

	if err := g.dist.StopSession(ctx, s1.ID); err != nil {
		t.Fatalf("stop 1: %v", err)
	}
	if err := g.dist.StopSession(ctx, s2.ID); err != nil {
		t.Fatalf("stop 2: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return len(g.dist.GetAvailableNodes()) == 0 && len(g.dist.GetStatus().Nodes) == 0
	}, "drained node should unregister once empty")
}

func TestDownNodeRecoversAfterRefresh(t *testing.T) {
	g := newGrid(t, 300*time.Millisecond)
	ctx := context.Background()

	var mu sync.Mutex
	availability := data.Down
	n := node.NewBuilder(g.bus, "node-a", "http://node-a:5555", registrationSecret, nil).
		Add(chrome, node.NewTestFactory(chrome, "http://node-a:5555")).
		HealthCheck(func() (data.Availability, string) {
			mu.Lock()
			defer mu.Unlock()
			return availability, "fake health check"
		}).
		Build()
	if err := g.dist.Add(n); err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, err := g.dist.NewSession(ctx, []data.Capabilities{chrome}); err == nil {
		t.Fatalf("session on a down node should fail")
	}
	if got := len(g.dist.GetAvailableNodes()); got != 0 {
		t.Fatalf("down node must not be available, got %d", got)
	}

	mu.Lock()
	availability = data.Up
	mu.Unlock()
	g.dist.Refresh()

	waitFor(t, time.Second, func() bool { return len(g.dist.GetAvailableNodes()) == 1 }, "node should be back")
	if _, err := g.dist.NewSession(ctx, []data.Capabilities{chrome}); err != nil {
		t.Fatalf("session after recovery: %v", err)
	}
}

func TestFactoryFailureReleasesCapacityAndRejects(t *testing.T) {
	g := newGrid(t, 2*time.Second)

	factory := node.NewTestFactory(chrome, "http://node-a:5555")
	factory.Fail = true
	n := node.NewBuilder(g.bus, "node-a", "http://node-a:5555", registrationSecret, nil).
		Add(chrome, factory).
		Build()
	if err := g.dist.Add(n); err != nil {
		t.Fatalf("add: %v", err)
	}

	_, err := g.dist.NewSession(context.Background(), []data.Capabilities{chrome})
	if !errors.Is(err, data.ErrFactoryFailed) {
		t.Fatalf("expected factory failure after retries, got %v", err)
	}
	if !g.dist.GetStatus().HasCapacity {
		t.Fatalf("capacity must be released after a factory failure")
	}
}

func TestUnsupportedCapabilitiesFailFast(t *testing.T) {
	g := newGrid(t, 5*time.Second)
	if err := g.dist.Add(buildNode(g.bus, "node-a", "http://node-a:5555", map[string]int{"chrome": 1})); err != nil {
		t.Fatalf("add: %v", err)
	}

	start := time.Now()
	_, err := g.dist.NewSession(context.Background(), []data.Capabilities{edge})
	if !errors.Is(err, data.ErrUnsupportedCapabilities) {
		t.Fatalf("expected unsupported capabilities, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("unsupported requests must fail fast, not wait out the deadline")
	}
	if g.queue.Len() != 0 {
		t.Fatalf("unsupported requests must not be enqueued")
	}
}

func TestRemoveNodeStrandsNothingSchedulable(t *testing.T) {
	g := newGrid(t, 200*time.Millisecond)
	ctx := context.Background()

	n := buildNode(g.bus, "node-a", "http://node-a:5555", map[string]int{"chrome": 1})
	if err := g.dist.Add(n); err != nil {
		t.Fatalf("add: %v", err)
	}
	session, err := g.dist.NewSession(ctx, []data.Capabilities{chrome})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	g.dist.Remove("node-a")
	if got := len(g.dist.GetStatus().Nodes); got != 0 {
		t.Fatalf("removed node still visible, %d nodes", got)
	}
	// The session descriptor survives the forcible removal until swept.
	if _, err := g.sessions.Get(session.ID); err != nil {
		t.Fatalf("session descriptor should outlive its node: %v", err)
	}
	if _, err := g.dist.NewSession(ctx, []data.Capabilities{chrome}); err == nil {
		t.Fatalf("no nodes remain, session creation should fail")
	}
}

func TestAlternativesFallBackAcrossTheFleet(t *testing.T) {
	g := newGrid(t, 2*time.Second)
	if err := g.dist.Add(buildNode(g.bus, "ff-only", "http://ff-only:5555", map[string]int{"firefox": 1})); err != nil {
		t.Fatalf("add: %v", err)
	}

	// First alternative is unserveable; the second must win.
	session, err := g.dist.NewSession(context.Background(), []data.Capabilities{edge, firefox})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if session.NodeID != "ff-only" {
		t.Fatalf("expected ff-only, got %s", session.NodeID)
	}
}
