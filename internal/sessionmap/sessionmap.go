// Package sessionmap holds the authoritative registry of live sessions.
// The distributor adds a descriptor when it places a session and drops one
// whose owning node is gone; node events (SessionClosed, NodeRemoved) remove
// or expire the rest. Status queries read it.
package sessionmap

import "github.com/example/grid/internal/data"

type Map interface {
	Add(data.Session) error
	Get(data.SessionID) (data.Session, error)
	Remove(data.SessionID)
	All() []data.Session
	Close() error
}
