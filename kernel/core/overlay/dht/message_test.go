package dht_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/dht"
	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identifier"
)

func TestPingRoundTrip(t *testing.T) {
	cookie := identifier.NewRandom()
	sender := identifier.NewRandom()
	wire := dht.EncodePing(cookie, sender)
	assert.Len(t, wire, 41)

	msg, err := dht.DecodeRequest(wire)
	require.NoError(t, err)
	assert.Equal(t, dht.KindPing, msg.Kind)
	assert.Equal(t, cookie, msg.Cookie)
	assert.Equal(t, sender, msg.SenderID)
}

func TestFindNodeAndFindValueRoundTrip(t *testing.T) {
	cookie := identifier.NewRandom()
	target := identifier.NewRandom()

	wire := dht.EncodeFindNode(cookie, target)
	assert.Len(t, wire, 41)
	msg, err := dht.DecodeRequest(wire)
	require.NoError(t, err)
	assert.Equal(t, dht.KindFindNode, msg.Kind)
	assert.Equal(t, target, msg.Target)

	wire = dht.EncodeFindValue(cookie, target)
	msg, err = dht.DecodeRequest(wire)
	require.NoError(t, err)
	assert.Equal(t, dht.KindFindValue, msg.Kind)
}

func TestAnnounceRoundTrip(t *testing.T) {
	cookie := identifier.NewRandom()
	what := identifier.NewRandom()
	who := identifier.NewRandom()

	wire := dht.EncodeAnnounce(cookie, what, who)
	assert.Len(t, wire, 61)

	msg, err := dht.DecodeRequest(wire)
	require.NoError(t, err)
	assert.Equal(t, dht.KindAnnounce, msg.Kind)
	assert.Equal(t, what, msg.What)
	assert.Equal(t, who, msg.Who)
}

func TestResponseRoundTrip(t *testing.T) {
	cookie := identifier.NewRandom()
	triples := []dht.Triple{
		{ID: identifier.NewRandom(), Addr: net.IPv4(10, 0, 0, 1), Port: 4000},
		{ID: identifier.NewRandom(), Addr: net.IPv4(10, 0, 0, 2), Port: 4001},
	}

	wire := dht.EncodeResponse(cookie, true, triples)
	assert.Len(t, wire, 21+2*26)

	msg, err := dht.DecodeResponse(wire)
	require.NoError(t, err)
	assert.True(t, msg.Success)
	require.Len(t, msg.Triples, 2)
	assert.Equal(t, triples[0].ID, msg.Triples[0].ID)
	assert.True(t, triples[0].Addr.Equal(msg.Triples[0].Addr))
	assert.Equal(t, triples[0].Port, msg.Triples[0].Port)
}

func TestEncodeResponseTruncatesToK(t *testing.T) {
	cookie := identifier.NewRandom()
	var triples []dht.Triple
	for i := 0; i < 20; i++ {
		triples = append(triples, dht.Triple{ID: identifier.NewRandom(), Addr: net.IPv4(127, 0, 0, 1), Port: uint16(i)})
	}
	wire := dht.EncodeResponse(cookie, false, triples)
	msg, err := dht.DecodeResponse(wire)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(msg.Triples), 8)
}

func TestDecodeRequestRejectsMalformed(t *testing.T) {
	_, err := dht.DecodeRequest([]byte{1, 2, 3})
	assert.Error(t, err)

	cookie := identifier.NewRandom()
	bad := append(cookie[:], 0xFF) // unknown type byte, no payload
	_, err = dht.DecodeRequest(bad)
	assert.Error(t, err)
}

func TestDecodeResponseRejectsMalformed(t *testing.T) {
	_, err := dht.DecodeResponse([]byte{1, 2, 3})
	assert.Error(t, err)
}
