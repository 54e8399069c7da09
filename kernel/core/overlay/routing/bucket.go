package routing

import (
	"time"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identifier"
)

// bucket holds nodes whose distance-to-self leading bit is at least
// prefix. Every entry is bound to K (4.3's invariant: "every entry in a
// bucket shares at least prefix leading bits of distance-to-self").
type bucket struct {
	prefix  int
	entries map[identifier.ID]*Node
}

func newBucket(prefix int) *bucket {
	return &bucket{prefix: prefix, entries: make(map[identifier.ID]*Node, K)}
}

func (b *bucket) full() bool {
	return len(b.entries) >= K
}

func (b *bucket) contains(id identifier.ID) bool {
	_, ok := b.entries[id]
	return ok
}

// add inserts or refreshes an entry, assuming capacity/membership has
// already been checked by the caller (Table.Add).
func (b *bucket) add(id identifier.ID, peer Peer, now time.Time) {
	b.entries[id] = &Node{ID: id, Peer: peer, LastSeen: now}
}

// split moves every entry whose prefix exceeds b.prefix into dst, per
// spec.md 4.3: "entries whose prefix exceeds the bucket's prefix move to a
// newly appended bucket".
func (b *bucket) split(dst *bucket, self identifier.ID) {
	for id, node := range b.entries {
		p := identifier.XOR(self, id).LeadingBit()
		if p > b.prefix {
			dst.entries[id] = node
			delete(b.entries, id)
		}
	}
}

func (b *bucket) nodes() []Node {
	out := make([]Node, 0, len(b.entries))
	for _, n := range b.entries {
		out = append(out, *n)
	}
	return out
}

func (b *bucket) olderThan(age time.Duration, now time.Time) []Node {
	var out []Node
	for _, n := range b.entries {
		if n.OlderThan(age, now) {
			out = append(out, *n)
		}
	}
	return out
}

func (b *bucket) removeOlderThan(age time.Duration, now time.Time) {
	for id, n := range b.entries {
		if n.OlderThan(age, now) {
			delete(b.entries, id)
		}
	}
}
