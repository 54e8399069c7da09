package dht_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/dht"
	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identifier"
	"github.com/nmxmxh/ovlnet/kernel/core/overlay/routing"
)

// newLoopbackNode starts an Engine bound to an ephemeral loopback port.
func newLoopbackNode(t *testing.T) (*dht.Engine, identifier.ID, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	id := identifier.NewRandom()
	e := dht.New(id, conn, dht.DefaultConfig(), nil, nil)
	t.Cleanup(e.Close)
	return e, id, conn.LocalAddr().(*net.UDPAddr).Port
}

// loopbackPeer builds a routing.Peer pointing at 127.0.0.1:port.
func loopbackPeer(port int) routing.Peer {
	return routing.Peer{Addr: net.IPv4(127, 0, 0, 1), Port: uint16(port)}
}

// TestTwoNodeBootstrap exercises scenario E1: A pings B; within a short
// window both sides know one node each, and A's nearest(B.id) resolves to
// B's address.
func TestTwoNodeBootstrap(t *testing.T) {
	a, _, _ := newLoopbackNode(t)
	b, bID, bPort := newLoopbackNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ok, err := a.Ping(ctx, bID, loopbackPeer(bPort))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, a.Table().NumNodes())
	assert.Eventually(t, func() bool { return b.Table().NumNodes() == 1 }, time.Second, 10*time.Millisecond)

	nearest := a.Table().Nearest(bID, 8)
	require.NotEmpty(t, nearest)
	assert.Equal(t, bID, nearest[0].ID)
}

// TestThreeNodeLookup exercises scenario E2: with A-B and B-C bootstrapped,
// A performs find_node(C.id) through B and locates C.
func TestThreeNodeLookup(t *testing.T) {
	a, _, _ := newLoopbackNode(t)
	b, bID, bPort := newLoopbackNode(t)
	_, cID, cPort := newLoopbackNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := a.Ping(ctx, bID, loopbackPeer(bPort))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Ping(ctx, cID, loopbackPeer(cPort))
	require.NoError(t, err)
	require.True(t, ok)

	nodes, found, err := a.FindNode(ctx, cID)
	require.NoError(t, err)
	require.True(t, found)
	require.NotEmpty(t, nodes)
	assert.Equal(t, cID, nodes[0].ID)
	assert.Equal(t, uint16(cPort), nodes[0].Peer.Port)
}

// TestAnnounceFindValue exercises scenario E6: A announces identifier d via
// B; C later finds it via find_value and recovers A's node.
func TestAnnounceFindValue(t *testing.T) {
	a, aID, aPort := newLoopbackNode(t)
	b, bID, bPort := newLoopbackNode(t)
	c, _, _ := newLoopbackNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := a.Ping(ctx, bID, loopbackPeer(bPort))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Ping(ctx, bID, loopbackPeer(bPort))
	require.NoError(t, err)
	require.True(t, ok)

	d := identifier.NewRandom()
	require.NoError(t, a.AnnounceSelf(ctx, d))

	var nodes []routing.Node
	assert.Eventually(t, func() bool {
		result, found, err := c.FindValue(ctx, d)
		if err != nil || !found {
			return false
		}
		nodes = result
		return len(nodes) > 0
	}, time.Second, 20*time.Millisecond)

	require.NotEmpty(t, nodes)
	assert.Equal(t, aID, nodes[0].ID)
	assert.Equal(t, uint16(aPort), nodes[0].Peer.Port)
}
