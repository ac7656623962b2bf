// Package status flattens the distributor and session map into a read-only
// view whose fields follow the GraphQL status shape. The HTTP edge serves it
// as plain JSON; there is no GraphQL endpoint in this repository.
package status

import (
	"time"

	"github.com/example/grid/internal/data"
	"github.com/example/grid/internal/sessionmap"
)

type SlotView struct {
	ID          data.SlotID       `json:"id"`
	Stereotype  data.Capabilities `json:"stereotype"`
	LastStarted time.Time         `json:"lastStarted"`
}

type SessionView struct {
	ID                    data.SessionID    `json:"id"`
	Capabilities          data.Capabilities `json:"capabilities"`
	StartTime             time.Time         `json:"startTime"`
	URI                   string            `json:"uri"`
	NodeID                data.NodeID       `json:"nodeId"`
	NodeURI               string            `json:"nodeUri"`
	Slot                  SlotView          `json:"slot"`
	SessionDurationMillis int64             `json:"sessionDurationMillis"`
}

type NodeView struct {
	ID           data.NodeID       `json:"id"`
	URI          string            `json:"uri"`
	Availability data.Availability `json:"availability"`
	MaxSessions  int               `json:"maxSessions"`
	SlotCount    int               `json:"slotCount"`
	SessionCount int               `json:"sessionCount"`
}

type GridView struct {
	URI         string        `json:"uri"`
	Nodes       []NodeView    `json:"nodes"`
	Sessions    []SessionView `json:"sessions"`
	HasCapacity bool          `json:"hasCapacity"`
}

type distributorStatus interface {
	GetStatus() data.DistributorStatus
}

// View materializes the grid snapshot at call time.
func View(gridURI string, d distributorStatus, sessions sessionmap.Map) GridView {
	snapshot := d.GetStatus()
	now := time.Now()

	out := GridView{URI: gridURI, HasCapacity: snapshot.HasCapacity}
	nodeURIs := make(map[data.NodeID]string, len(snapshot.Nodes))
	slots := make(map[data.SlotID]data.Slot)
	for _, n := range snapshot.Nodes {
		nodeURIs[n.NodeID] = n.ExternalURI
		out.Nodes = append(out.Nodes, NodeView{
			ID:           n.NodeID,
			URI:          n.ExternalURI,
			Availability: n.Availability,
			MaxSessions:  n.MaxSessionCount,
			SlotCount:    len(n.Slots),
			SessionCount: n.ActiveSlotCount(),
		})
		for _, slot := range n.Slots {
			slots[slot.ID] = slot
		}
	}

	for _, s := range sessions.All() {
		view := SessionView{
			ID:                    s.ID,
			Capabilities:          s.Capabilities,
			StartTime:             s.StartedAt,
			URI:                   s.URI,
			NodeID:                s.NodeID,
			NodeURI:               nodeURIs[s.NodeID],
			SessionDurationMillis: now.Sub(s.StartedAt).Milliseconds(),
		}
		if slot, ok := slots[s.SlotID]; ok {
			view.Slot = SlotView{ID: slot.ID, Stereotype: slot.Stereotype, LastStarted: slot.LastStarted}
		} else {
			view.Slot = SlotView{ID: s.SlotID, Stereotype: s.Stereotype}
		}
		out.Sessions = append(out.Sessions, view)
	}
	return out
}
