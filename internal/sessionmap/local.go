package sessionmap

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/grid/internal/data"
	"github.com/example/grid/internal/events"
)

// LocalMap is the in-process session map. It subscribes to SessionClosed to
// remove descriptors when a node releases a slot, and to NodeRemoved so
// sessions stranded by a forcible node removal are swept once orphanTTL
// passes instead of leaking forever.
type LocalMap struct {
	mu       sync.RWMutex
	sessions map[data.SessionID]data.Session
	orphaned map[data.SessionID]time.Time

	orphanTTL time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
	log       *zap.Logger
}

func NewLocalMap(bus events.Bus, orphanTTL time.Duration, log *zap.Logger) *LocalMap {
	if log == nil {
		log = zap.NewNop()
	}
	if orphanTTL <= 0 {
		orphanTTL = 5 * time.Minute
	}
	m := &LocalMap{
		sessions:  make(map[data.SessionID]data.Session),
		orphaned:  make(map[data.SessionID]time.Time),
		orphanTTL: orphanTTL,
		stop:      make(chan struct{}),
		log:       log,
	}
	bus.Subscribe(events.TopicSessionClosed, func(ev events.Event) {
		if closed, ok := ev.Data.(events.SessionClosed); ok {
			m.Remove(closed.SessionID)
		}
	})
	bus.Subscribe(events.TopicNodeRemoved, func(ev events.Event) {
		if removed, ok := ev.Data.(events.NodeRemoved); ok {
			m.markOrphans(removed.NodeID)
		}
	})
	go m.sweep()
	return m
}

func (m *LocalMap) Add(session data.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already registered", session.ID)
	}
	m.sessions[session.ID] = session
	return nil
}

func (m *LocalMap) Get(id data.SessionID) (data.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return data.Session{}, data.ErrNotFound
	}
	return session, nil
}

func (m *LocalMap) Remove(id data.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	delete(m.orphaned, id)
}

func (m *LocalMap) All() []data.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]data.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *LocalMap) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *LocalMap) markOrphans(nodeID data.NodeID) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.NodeID == nodeID {
			if _, already := m.orphaned[id]; !already {
				m.orphaned[id] = now
			}
		}
	}
}

func (m *LocalMap) sweep() {
	ticker := time.NewTicker(m.orphanTTL / 4)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for id, since := range m.orphaned {
				if now.Sub(since) >= m.orphanTTL {
					delete(m.sessions, id)
					delete(m.orphaned, id)
					m.log.Info("swept orphaned session", zap.String("session_id", string(id)))
				}
			}
			m.mu.Unlock()
		}
	}
}
