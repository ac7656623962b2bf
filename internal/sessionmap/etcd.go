package sessionmap

import (
	"context"
	"encoding/json"
	"time"

	client "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/example/grid/internal/data"
	"github.com/example/grid/internal/events"
)

// EtcdMap keeps session descriptors in etcd under a shared prefix, each key
// bound to its own lease. Leases are never renewed, so every descriptor
// expires ttl after Add, whether or not its node is still registered; a
// forcibly removed node therefore cannot leak sessions, and a session that
// outlives ttl drops out of the map while it is still running.
type EtcdMap struct {
	c      *client.Client
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

func NewEtcdMap(c *client.Client, bus events.Bus, prefix string, ttl time.Duration, log *zap.Logger) *EtcdMap {
	if log == nil {
		log = zap.NewNop()
	}
	if prefix == "" {
		prefix = "/grid/sessions/"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	m := &EtcdMap{c: c, prefix: prefix, ttl: ttl, log: log}
	bus.Subscribe(events.TopicSessionClosed, func(ev events.Event) {
		if closed, ok := ev.Data.(events.SessionClosed); ok {
			m.Remove(closed.SessionID)
		}
	})
	return m
}

func (m *EtcdMap) key(id data.SessionID) string {
	return m.prefix + string(id)
}

func (m *EtcdMap) Add(session data.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	body, err := json.Marshal(session)
	if err != nil {
		return err
	}
	lease, err := m.c.Grant(ctx, int64(m.ttl/time.Second))
	if err != nil {
		return err
	}
	_, err = m.c.Put(ctx, m.key(session.ID), string(body), client.WithLease(lease.ID))
	return err
}

func (m *EtcdMap) Get(id data.SessionID) (data.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := m.c.Get(ctx, m.key(id))
	if err != nil {
		return data.Session{}, err
	}
	if len(resp.Kvs) == 0 {
		return data.Session{}, data.ErrNotFound
	}
	var session data.Session
	if err := json.Unmarshal(resp.Kvs[0].Value, &session); err != nil {
		return data.Session{}, err
	}
	return session, nil
}

func (m *EtcdMap) Remove(id data.SessionID) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := m.c.Get(ctx, m.key(id))
	if err != nil {
		m.log.Warn("etcd session lookup failed", zap.String("session_id", string(id)), zap.Error(err))
		return
	}
	for _, kv := range resp.Kvs {
		if kv.Lease == 0 {
			_, _ = m.c.Delete(ctx, m.key(id))
			continue
		}
		// Revoking the lease deletes the key with it.
		_, _ = m.c.Revoke(ctx, client.LeaseID(kv.Lease))
	}
}

func (m *EtcdMap) All() []data.Session {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := m.c.Get(ctx, m.prefix, client.WithPrefix())
	if err != nil {
		m.log.Warn("etcd session scan failed", zap.Error(err))
		return nil
	}
	out := make([]data.Session, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var session data.Session
		if err := json.Unmarshal(kv.Value, &session); err != nil {
			continue
		}
		out = append(out, session)
	}
	return out
}

func (m *EtcdMap) Close() error {
	return m.c.Close()
}
