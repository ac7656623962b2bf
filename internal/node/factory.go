package node

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/grid/internal/data"
)

// CreateRequest is one desired-capability alternative chosen by the
// distributor for placement on this node.
type CreateRequest struct {
	RequestID    data.RequestID
	Capabilities data.Capabilities
}

// RunningSession pairs a session descriptor with the handle that tears the
// backing browser down.
type RunningSession struct {
	Session data.Session
	Stop    func(context.Context) error
}

// SessionFactory starts sessions for one stereotype.
type SessionFactory interface {
	// Matches reports whether this factory can serve the requested set.
	Matches(caps data.Capabilities) bool
	// Create starts a session. A returned error surfaces to the distributor
	// as a factory failure and releases the slot.
	Create(ctx context.Context, req CreateRequest) (*RunningSession, error)
}

// TestFactory fabricates sessions without a real browser. Used by the test
// suites and by dry-run deployments.
type TestFactory struct {
	Stereotype data.Capabilities
	SessionURI string
	// Fail makes every Create attempt fail when set.
	Fail bool
}

func NewTestFactory(stereotype data.Capabilities, sessionURI string) *TestFactory {
	return &TestFactory{Stereotype: stereotype, SessionURI: sessionURI}
}

func (f *TestFactory) Matches(caps data.Capabilities) bool {
	return f.Stereotype.Matches(caps)
}

func (f *TestFactory) Create(_ context.Context, req CreateRequest) (*RunningSession, error) {
	if f.Fail {
		return nil, fmt.Errorf("%w: test factory configured to fail", data.ErrFactoryFailed)
	}
	session := data.Session{
		ID:           data.SessionID(uuid.NewString()),
		Stereotype:   f.Stereotype.Clone(),
		Capabilities: req.Capabilities.Clone(),
		StartedAt:    time.Now(),
		URI:          f.SessionURI,
	}
	return &RunningSession{
		Session: session,
		Stop:    func(context.Context) error { return nil },
	}, nil
}
