package dht

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identifier"
	"github.com/nmxmxh/ovlnet/kernel/core/overlay/routing"
)

func TestCandidateListBoundedByCapacity(t *testing.T) {
	c := newCandidateList(2)
	a, b, d := identifier.NewRandom(), identifier.NewRandom(), identifier.NewRandom()

	c.Offer(a, routing.Peer{Port: 1})
	c.Offer(b, routing.Peer{Port: 2})
	assert.Len(t, c.All(), 2)

	c.Offer(d, routing.Peer{Port: 3}) // evicts a, the oldest
	all := c.All()
	assert.Len(t, all, 2)
	_, hasA := all[a]
	assert.False(t, hasA)
	_, hasD := all[d]
	assert.True(t, hasD)
}

func TestCandidateListRemove(t *testing.T) {
	c := newCandidateList(5)
	id := identifier.NewRandom()
	c.Offer(id, routing.Peer{Port: 1})
	c.Remove(id)
	assert.Empty(t, c.All())
}
