package routing

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerMultiaddrRoundTrip(t *testing.T) {
	p := Peer{Addr: net.IPv4(127, 0, 0, 1), Port: 6881}
	ma, err := p.Multiaddr()
	require.NoError(t, err)
	assert.Equal(t, "/ip4/127.0.0.1/udp/6881", ma.String())

	got, err := ParsePeerMultiaddr(ma.String())
	require.NoError(t, err)
	assert.True(t, got.Addr.Equal(p.Addr))
	assert.Equal(t, p.Port, got.Port)
}

func TestParsePeerMultiaddrRejectsMalformed(t *testing.T) {
	_, err := ParsePeerMultiaddr("not-a-multiaddr")
	assert.Error(t, err)

	_, err = ParsePeerMultiaddr("/ip4/127.0.0.1/tcp/80")
	assert.Error(t, err)
}
