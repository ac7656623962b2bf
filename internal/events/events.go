// Package events carries the pub/sub contract the grid components coordinate
// through. Components hold only a Bus handle; there are no back-edges between
// the distributor, the queue, and the nodes.
package events

import "github.com/example/grid/internal/data"

type Topic string

const (
	TopicNewSessionRequest  Topic = "new-session-request"
	TopicNewSessionRejected Topic = "new-session-rejected"
	TopicNodeAdded          Topic = "node-added"
	TopicNodeRemoved        Topic = "node-removed"
	TopicNodeDrainStarted   Topic = "node-drain-started"
	TopicNodeRejected       Topic = "node-rejected"
	TopicNodeStatus         Topic = "node-status"
	TopicSessionClosed      Topic = "session-closed"
)

type Event struct {
	Topic Topic
	Data  any
}

// Payload types, one per topic.

type NewSessionRequest struct {
	RequestID data.RequestID
}

type NewSessionRejected struct {
	RequestID data.RequestID
	Reason    error
	Message   string
}

type NodeAdded struct {
	NodeID data.NodeID
}

type NodeRemoved struct {
	NodeID data.NodeID
}

type NodeDrainStarted struct {
	NodeID data.NodeID
}

type NodeRejected struct {
	NodeID data.NodeID
}

type NodeStatus struct {
	Status data.NodeStatus
}

type SessionClosed struct {
	SessionID data.SessionID
	NodeID    data.NodeID
}

type Handler func(Event)

// Bus is the pub/sub contract. Subscribers observe events of one topic in
// fire order; publishers never block on subscribers.
type Bus interface {
	Fire(Event)
	Subscribe(Topic, Handler)
	Close() error
}
