package messaging

import (
	"sort"

	"pickedge/outbox"
)

// DeliveryGroup is every unsynced entry of one operation. Only Authoritative is
// ever transmitted; Superseded entries are acknowledged once it lands.
type DeliveryGroup struct {
	OperationID   int64
	Authoritative outbox.Entry
	Superseded    []outbox.Entry

	// Stale is set when an already-synced entry for the operation is newer than
	// every unsynced one. Nothing in the group may be transmitted.
	Stale bool
}

// Entries returns the authoritative entry followed by the superseded ones.
func (g *DeliveryGroup) Entries() []outbox.Entry {
	return append([]outbox.Entry{g.Authoritative}, g.Superseded...)
}

// PlanDelivery groups unsynced entries by operation and picks the newest entry
// of each group as authoritative. synced holds already delivered entries for the
// same operations. Groups come back ordered by authoritative entry, oldest first.
func PlanDelivery(unsynced, synced []outbox.Entry) []DeliveryGroup {
	byOp := make(map[int64]*DeliveryGroup)
	var order []int64
	for _, e := range unsynced {
		if e.Synced {
			continue
		}
		g, ok := byOp[e.OperationID]
		if !ok {
			byOp[e.OperationID] = &DeliveryGroup{OperationID: e.OperationID, Authoritative: e}
			order = append(order, e.OperationID)
			continue
		}
		if e.NewerThan(&g.Authoritative) {
			g.Superseded = append(g.Superseded, g.Authoritative)
			g.Authoritative = e
		} else {
			g.Superseded = append(g.Superseded, e)
		}
	}

	for _, e := range synced {
		if !e.Synced {
			continue
		}
		if g, ok := byOp[e.OperationID]; ok && e.NewerThan(&g.Authoritative) {
			g.Stale = true
		}
	}

	groups := make([]DeliveryGroup, 0, len(order))
	for _, op := range order {
		g := byOp[op]
		sort.Slice(g.Superseded, func(i, j int) bool { return g.Superseded[i].ID < g.Superseded[j].ID })
		groups = append(groups, *g)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[j].Authoritative.NewerThan(&groups[i].Authoritative)
	})
	return groups
}
