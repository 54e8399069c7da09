package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identifier"
)

// Table is the local node's k-bucket routing table: an ordered list of
// buckets, earlier buckets covering smaller prefixes, mutated only from the
// owning DHT engine's loop (see spec.md §5 -- no core data structure here is
// safe for concurrent access from multiple goroutines; the mutex below
// guards against accidental concurrent use, not against reentrant access
// from two independent loops).
type Table struct {
	mu      sync.Mutex
	self    identifier.ID
	buckets []*bucket
}

// New creates an empty routing table for the given local identifier.
func New(self identifier.ID) *Table {
	return &Table{self: self, buckets: []*bucket{newBucket(0)}}
}

// bucketIndex returns the index of the bucket that should hold an entry
// with the given prefix: the last bucket whose prefix is <= the target
// prefix, since buckets are ordered by ascending prefix and only the last
// bucket is ever split.
func (t *Table) bucketIndex(prefix int) int {
	for i := 0; i < len(t.buckets)-1; i++ {
		if prefix < t.buckets[i+1].prefix {
			return i
		}
	}
	return len(t.buckets) - 1
}

// Add inserts or refreshes a node. It returns true if the node was newly
// inserted, false if it already existed (and was refreshed) or if the
// insertion was rejected because its bucket was full and not splittable.
// The local node's own identifier is never inserted.
func (t *Table) Add(id identifier.ID, peer Peer) bool {
	return t.addAt(id, peer, time.Now())
}

func (t *Table) addAt(id identifier.ID, peer Peer, now time.Time) bool {
	if id == t.self {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prefix := identifier.XOR(t.self, id).LeadingBit()
	idx := t.bucketIndex(prefix)
	b := t.buckets[idx]

	if b.contains(id) {
		b.add(id, peer, now)
		return false
	}
	if !b.full() {
		b.add(id, peer, now)
		return true
	}

	// Full and new: only the last bucket may split.
	if idx != len(t.buckets)-1 {
		return false
	}

	next := newBucket(b.prefix + 1)
	b.split(next, t.self)
	t.buckets = append(t.buckets, next)

	// Retry into whichever of the two buckets now fits the prefix.
	dest := b
	if prefix > b.prefix {
		dest = next
	}
	if dest.contains(id) {
		dest.add(id, peer, now)
		return false
	}
	if !dest.full() {
		dest.add(id, peer, now)
		return true
	}
	return false
}

// Contains reports whether id is present in the table.
func (t *Table) Contains(id identifier.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.bucketIndex(identifier.XOR(t.self, id).LeadingBit())
	return t.buckets[idx].contains(id)
}

// Get returns the node for id, if known.
func (t *Table) Get(id identifier.ID) (Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.bucketIndex(identifier.XOR(t.self, id).LeadingBit())
	n, ok := t.buckets[idx].entries[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nearest returns up to k nodes closest to target by XOR distance, sorted
// nearest-first, maintained via insertion sort as the spec describes.
func (t *Table) Nearest(target identifier.ID, k int) []Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	var best []Node
	for _, b := range t.buckets {
		for _, n := range b.entries {
			d := identifier.XOR(target, n.ID)
			pos := sort.Search(len(best), func(i int) bool {
				return !identifier.XOR(target, best[i].ID).Less(d)
			})
			best = append(best, Node{})
			copy(best[pos+1:], best[pos:])
			best[pos] = *n
			if len(best) > k {
				best = best[:k]
			}
		}
	}
	return best
}

// OlderThan returns every node not heard from within age.
func (t *Table) OlderThan(age time.Duration) []Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	var out []Node
	for _, b := range t.buckets {
		out = append(out, b.olderThan(age, now)...)
	}
	return out
}

// RemoveOlderThan evicts every node not heard from within age.
func (t *Table) RemoveOlderThan(age time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for _, b := range t.buckets {
		b.removeOlderThan(age, now)
	}
}

// NumNodes returns the total number of nodes held across all buckets.
func (t *Table) NumNodes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.buckets {
		n += len(b.entries)
	}
	return n
}
