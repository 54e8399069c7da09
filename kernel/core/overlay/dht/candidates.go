package dht

import (
	"sync"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identifier"
	"github.com/nmxmxh/ovlnet/kernel/core/overlay/routing"
)

// candidateList is the bounded list of nodes known only as third-party
// referrals returned in a lookup response (spec.md §4.7, "candidate
// promotion"): never inserted directly into the routing table, but pinged
// by the periodic bucket-refresh timer and promoted into the table on
// reply, which keeps unverified peers from polluting it. A node that
// contacts us directly with its own PING instead goes straight into the
// table -- receiving a packet naming its sender id is the only
// verification this layer performs.
type candidateList struct {
	mu       sync.Mutex
	capacity int
	order    []identifier.ID
	entries  map[identifier.ID]routing.Peer
}

func newCandidateList(capacity int) *candidateList {
	return &candidateList{capacity: capacity, entries: make(map[identifier.ID]routing.Peer)}
}

// Offer records id/peer as a candidate if there is room, evicting the
// oldest candidate when the list is full. Returns true if id is now held
// as a candidate (whether newly added or already present).
func (c *candidateList) Offer(id identifier.ID, peer routing.Peer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[id]; ok {
		c.entries[id] = peer
		return true
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.order = append(c.order, id)
	c.entries[id] = peer
	return true
}

// Remove drops id from the candidate list, typically because it was
// promoted into the routing table.
func (c *candidateList) Remove(id identifier.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok {
		return
	}
	delete(c.entries, id)
	for i, cid := range c.order {
		if cid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// All returns a snapshot of every candidate currently held.
func (c *candidateList) All() map[identifier.ID]routing.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[identifier.ID]routing.Peer, len(c.entries))
	for id, p := range c.entries {
		out[id] = p
	}
	return out
}
