package data

import "time"

type SessionID string

// Session describes a running automation session. The descriptor lives in the
// session map; the browser behind it is owned by exactly one node.
type Session struct {
	ID           SessionID    `json:"sessionId"`
	NodeID       NodeID       `json:"nodeId"`
	SlotID       SlotID       `json:"slotId"`
	Stereotype   Capabilities `json:"stereotype"`
	Capabilities Capabilities `json:"capabilities"`
	StartedAt    time.Time    `json:"startedAt"`
	URI          string       `json:"uri"`
}
