package cluster

import (
	"github.com/merry-bits/DCache/internal/store"
)

// Plan is the outcome of a rebalance computation: which entries to send to
// which node and which keys to delete locally once the sends are queued.
type Plan struct {
	// Sends maps a node ID to the cache items it should receive.
	Sends map[string][]store.Item

	// Drops lists keys the local node no longer owns. They are deleted
	// only after the sends were queued, because queuing reads them.
	Drops []string
}

// Rebalance computes the key movement plan after a single membership
// change. The ring already reflects the change; the previous state is
// reconstructed by cloning the ring and applying the inverse of the change.
// This reconstruction is only correct when exactly one delta (one batch of
// additions or one removal) is applied at a time, so the server rebalances
// after each individual membership event.
//
// A key is sent to every node that owns it now but did not before, and is
// kept locally only when the local node is among the new owners. Receiving
// a key twice is harmless: set is idempotent under last-writer-wins.
func Rebalance(ring *HashRing, selfID string, items []store.Item, added, removed []string) Plan {
	previous := ring.Clone()
	for _, id := range added {
		previous.RemoveNode(id)
	}
	for _, id := range removed {
		previous.AddNode(id)
	}

	plan := Plan{Sends: make(map[string][]store.Item)}
	for _, item := range items {
		oldOwners := previous.Owners(item.Index)
		newOwners := ring.Owners(item.Index)
		for id := range newOwners {
			if id != selfID && !oldOwners[id] {
				plan.Sends[id] = append(plan.Sends[id], item)
			}
		}
		if !newOwners[selfID] {
			plan.Drops = append(plan.Drops, item.Key)
		}
	}
	return plan
}
