package distributor

import (
	"sort"

	"github.com/example/grid/internal/data"
)

// nodeSnapshot is one registered node frozen for a scheduling pass: the
// handle, its insertion sequence, the availability the distributor believes,
// and a status taken outside the registration lock.
type nodeSnapshot struct {
	record *nodeRecord
	status data.NodeStatus
	avail  data.Availability
	seq    uint64
}

type candidate struct {
	record *nodeRecord
	status data.NodeStatus
	seq    uint64
}

// snapshotNodes freezes the fleet. Handles are collected under the read
// lock; the per-node status calls happen after it is released so no I/O
// runs under the registration lock.
func (d *LocalDistributor) snapshotNodes() []nodeSnapshot {
	d.mu.RLock()
	out := make([]nodeSnapshot, 0, len(d.nodes))
	for _, rec := range d.nodes {
		out = append(out, nodeSnapshot{record: rec, avail: rec.availability, seq: rec.seq})
	}
	d.mu.RUnlock()

	for i := range out {
		out[i].status = out[i].record.node.Status()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// matchCandidates computes the schedulable nodes for a request: UP, not
// draining, and at least one FREE slot matching some desired alternative.
// The returned map records which alternative matched each node; alternatives
// are tried in payload order, so earlier ones win.
func matchCandidates(snapshot []nodeSnapshot, alternatives []data.Capabilities) ([]candidate, map[data.NodeID]data.Capabilities) {
	chosen := make(map[data.NodeID]data.Capabilities)
	out := make([]candidate, 0, len(snapshot))
	for _, snap := range snapshot {
		if snap.avail != data.Up || snap.status.IsDraining {
			continue
		}
		for _, alt := range alternatives {
			if snap.status.FreeMatchingSlots(alt) > 0 {
				chosen[snap.status.NodeID] = alt
				out = append(out, candidate{record: snap.record, status: snap.status, seq: snap.seq})
				break
			}
		}
	}
	return out, chosen
}

// anyMatchesSnapshot reports whether any slot on any node, free or busy,
// could ever serve one of the alternatives.
func anyMatchesSnapshot(snapshot []nodeSnapshot, alternatives []data.Capabilities) bool {
	for _, snap := range snapshot {
		for _, alt := range alternatives {
			if snap.status.HasMatchingSlot(alt) {
				return true
			}
		}
	}
	return false
}

// rankCandidates orders candidates best-first:
//
//  1. load ratio ascending, so the least-loaded node wins;
//  2. stereotype specialization: free matching slots minus the number of
//     distinct stereotypes the node supports, descending. Among equally
//     loaded nodes this routes common browsers away from rare multi-browser
//     nodes, preserving scarce stereotypes for the requests that need them;
//  3. least-recently-used: earliest slot start first;
//  4. insertion order.
func rankCandidates(candidates []candidate, chosen map[data.NodeID]data.Capabilities) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]

		loadA, loadB := a.status.Load(), b.status.Load()
		if loadA != loadB {
			return loadA < loadB
		}

		scoreA := a.status.FreeMatchingSlots(chosen[a.status.NodeID]) - a.status.StereotypeCount()
		scoreB := b.status.FreeMatchingSlots(chosen[b.status.NodeID]) - b.status.StereotypeCount()
		if scoreA != scoreB {
			return scoreA > scoreB
		}

		startA, startB := a.status.EarliestSlotStart(), b.status.EarliestSlotStart()
		if !startA.Equal(startB) {
			return startA.Before(startB)
		}

		return a.seq < b.seq
	})
}
