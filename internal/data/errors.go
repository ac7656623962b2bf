package data

import "errors"

// Failure kinds crossing component boundaries. Internal failures are converted
// into one of these before leaving a component; callers branch with errors.Is.
var (
	// ErrUnsupportedCapabilities means no registered node advertises any
	// stereotype matching the request. Surfaced without enqueueing.
	ErrUnsupportedCapabilities = errors.New("no node supports the desired capabilities")

	// ErrNoCapacity is transient: every matching slot is busy right now.
	ErrNoCapacity = errors.New("no capacity available")

	// ErrNoMatch means the node has no slot whose stereotype matches.
	ErrNoMatch = errors.New("no matching slot")

	// ErrDraining means the node is draining and accepts no new sessions.
	ErrDraining = errors.New("node is draining")

	// ErrFactoryFailed means a session factory failed to start a session.
	ErrFactoryFailed = errors.New("session factory failed")

	// ErrTimeout means the request deadline elapsed while queued.
	ErrTimeout = errors.New("new session request timed out")

	// ErrCancelled means the request was cleared before placement.
	ErrCancelled = errors.New("new session request cancelled")

	// ErrNodeRejected means the registration secret did not match.
	ErrNodeRejected = errors.New("node registration rejected")

	// ErrNotFound is a lookup miss on the session map or the node table.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument means the new-session payload was malformed.
	ErrInvalidArgument = errors.New("invalid argument")
)

// IsRetryable reports whether a placement failure should send the request
// back to the head of the queue rather than to the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNoCapacity) ||
		errors.Is(err, ErrFactoryFailed) ||
		errors.Is(err, ErrDraining) ||
		errors.Is(err, ErrNoMatch)
}
