package dht

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identifier"
	"github.com/nmxmxh/ovlnet/kernel/core/overlay/routing"
)

func seedNode(port uint16) routing.Node {
	return routing.Node{ID: identifier.NewRandom(), Peer: routing.Peer{Addr: net.IPv4(127, 0, 0, 1), Port: port}}
}

func TestLookupFindsExactTarget(t *testing.T) {
	target := identifier.NewRandom()
	seeds := []routing.Node{seedNode(1), seedNode(2)}
	lk := newLookup(target, false, seeds)

	node, ok := lk.nextQuery()
	require.True(t, ok)
	lk.markQueried(node.ID)

	resp := &Message{Triples: []Triple{{ID: target, Addr: net.IPv4(127, 0, 0, 1), Port: 9999}}}
	done := lk.onResponse(node.ID, resp)
	assert.True(t, done)
	assert.True(t, lk.outcome.success)
	require.Len(t, lk.outcome.result, 1)
	assert.Equal(t, target, lk.outcome.result[0].ID)
}

func TestLookupFailsWhenCandidatesExhausted(t *testing.T) {
	target := identifier.NewRandom()
	seeds := []routing.Node{seedNode(1)}
	lk := newLookup(target, false, seeds)

	node, ok := lk.nextQuery()
	require.True(t, ok)
	lk.markQueried(node.ID)

	done := lk.onTimeout(node.ID)
	assert.True(t, done)
	assert.False(t, lk.outcome.success)
}

func TestLookupFindValueSuccessTerminatesImmediately(t *testing.T) {
	target := identifier.NewRandom()
	seeds := []routing.Node{seedNode(1)}
	lk := newLookup(target, true, seeds)

	node, ok := lk.nextQuery()
	require.True(t, ok)
	lk.markQueried(node.ID)

	announcer := Triple{ID: identifier.NewRandom(), Addr: net.IPv4(1, 2, 3, 4), Port: 1234}
	resp := &Message{Success: true, Triples: []Triple{announcer}}
	done := lk.onResponse(node.ID, resp)

	assert.True(t, done)
	assert.True(t, lk.outcome.success)
	require.Len(t, lk.outcome.result, 1)
	assert.Equal(t, announcer.ID, lk.outcome.result[0].ID)
}

func TestLookupAdvancesThroughMultipleCandidates(t *testing.T) {
	target := identifier.NewRandom()
	seeds := []routing.Node{seedNode(1), seedNode(2), seedNode(3)}
	lk := newLookup(target, false, seeds)

	queried := map[identifier.ID]bool{}
	for i := 0; i < len(seeds); i++ {
		node, ok := lk.nextQuery()
		require.True(t, ok)
		assert.False(t, queried[node.ID], "must not query the same node twice")
		queried[node.ID] = true
		lk.markQueried(node.ID)
		lk.onTimeout(node.ID)
	}
	_, ok := lk.nextQuery()
	assert.False(t, ok, "no candidates left")
}
