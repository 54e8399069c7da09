package dht

import (
	"sort"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identifier"
	"github.com/nmxmxh/ovlnet/kernel/core/overlay/routing"
)

// lookupOutcome is delivered on a lookup's completion.
type lookupOutcome struct {
	success bool
	value   bool // true if this was a FIND_VALUE lookup
	target  identifier.ID
	result  []routing.Node // closest-known (FIND_NODE) or announcers (FIND_VALUE, success)
}

// candidate is one entry of a lookup's working set.
type candidate struct {
	node    routing.Node
	queried bool
}

// lookupState drives one iterative FIND_NODE/FIND_VALUE per spec.md §4.7's
// state machine: seed with the nearest known nodes, repeatedly query the
// nearest unqueried candidate, merge its response, and stop when the
// target is found or no candidate remains that could still improve on the
// best queried result.
//
// Not safe for concurrent use on its own: a lookup's pending request is
// removed from Engine.pending under pendingMu before either
// handleResponse (readLoop) or handleTimeout (pendingScanLoop) touches it,
// which serializes the two call sites against a given lookup. The
// invariant lives in that removal, not in lookupState itself.
type lookupState struct {
	target  identifier.ID
	value   bool
	best    []candidate
	done    bool
	outcome lookupOutcome

	announceOnFailure bool // re-announce to K best nodes if the lookup fails

	doneCh   chan struct{} // closed exactly once, by the engine, on completion
	reported bool
}

func newLookup(target identifier.ID, value bool, seeds []routing.Node) *lookupState {
	lk := &lookupState{target: target, value: value, doneCh: make(chan struct{})}
	for _, n := range seeds {
		lk.merge(n)
	}
	return lk
}

// sortByDistance keeps lk.best ordered nearest-target-first and bounded to
// routing.K entries.
func (lk *lookupState) sortByDistance() {
	sort.Slice(lk.best, func(i, j int) bool {
		return identifier.XOR(lk.target, lk.best[i].node.ID).
			Less(identifier.XOR(lk.target, lk.best[j].node.ID))
	})
	if len(lk.best) > routing.K {
		lk.best = lk.best[:routing.K]
	}
}

// merge inserts or refreshes n in the working set (never overwriting an
// already-queried flag).
func (lk *lookupState) merge(n routing.Node) {
	for i, c := range lk.best {
		if c.node.ID == n.ID {
			lk.best[i].node = n
			return
		}
	}
	lk.best = append(lk.best, candidate{node: n})
	lk.sortByDistance()
}

// nextQuery returns the nearest unqueried candidate still held in the
// bounded best list, or ok=false once every entry has been queried. Since
// best is kept sorted nearest-target-first and truncated to routing.K,
// every entry it holds is by construction no farther than the candidates
// it displaced, so the first unqueried entry is always the one worth
// trying next.
func (lk *lookupState) nextQuery() (routing.Node, bool) {
	if lk.done {
		return routing.Node{}, false
	}
	for _, c := range lk.best {
		if !c.queried {
			return c.node, true
		}
	}
	return routing.Node{}, false
}

// markQueried flags id as having been sent a request.
func (lk *lookupState) markQueried(id identifier.ID) {
	for i, c := range lk.best {
		if c.node.ID == id {
			lk.best[i].queried = true
			return
		}
	}
}

// onResponse merges newly learned triples and reports whether the lookup
// is now complete.
func (lk *lookupState) onResponse(from identifier.ID, msg *Message) bool {
	lk.markQueried(from)

	if lk.value && msg.Success {
		lk.done = true
		lk.outcome = lookupOutcome{success: true, value: true, target: lk.target}
		for _, tr := range msg.Triples {
			lk.outcome.result = append(lk.outcome.result, routing.Node{ID: tr.ID, Peer: routing.Peer{Addr: tr.Addr, Port: tr.Port}})
		}
		return true
	}

	for _, tr := range msg.Triples {
		lk.merge(routing.Node{ID: tr.ID, Peer: routing.Peer{Addr: tr.Addr, Port: tr.Port}})
	}

	if len(lk.best) > 0 && lk.best[0].node.ID == lk.target {
		lk.done = true
		lk.outcome = lookupOutcome{success: true, value: false, target: lk.target, result: []routing.Node{lk.best[0].node}}
		return true
	}
	return lk.checkExhausted()
}

// onTimeout marks id as queried (it failed to respond in time) without new
// data, and reports whether the lookup is now complete.
func (lk *lookupState) onTimeout(id identifier.ID) bool {
	lk.markQueried(id)
	return lk.checkExhausted()
}

func (lk *lookupState) checkExhausted() bool {
	if lk.done {
		return true
	}
	if _, ok := lk.nextQuery(); ok {
		return false
	}
	lk.done = true
	lk.outcome = lookupOutcome{success: false, value: lk.value, target: lk.target, result: lk.closest()}
	return true
}

// closest returns the current best list as plain nodes.
func (lk *lookupState) closest() []routing.Node {
	out := make([]routing.Node, len(lk.best))
	for i, c := range lk.best {
		out[i] = c.node
	}
	return out
}
