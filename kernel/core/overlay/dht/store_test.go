package dht_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/dht"
	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identifier"
)

func TestStoreAddAndGet(t *testing.T) {
	s := dht.NewStore()
	what := identifier.NewRandom()
	who := dht.Triple{ID: identifier.NewRandom(), Addr: net.IPv4(1, 2, 3, 4), Port: 9000}

	s.Add(what, who)
	got := s.Get(what)
	require.Len(t, got, 1)
	assert.Equal(t, who.ID, got[0].ID)
}

func TestStoreExpireOlderThan(t *testing.T) {
	s := dht.NewStore()
	what := identifier.NewRandom()
	s.Add(what, dht.Triple{ID: identifier.NewRandom(), Addr: net.IPv4(1, 1, 1, 1), Port: 1})

	time.Sleep(time.Millisecond)
	s.ExpireOlderThan(0)
	assert.Empty(t, s.Get(what))
}

func TestSelfAnnouncementsStale(t *testing.T) {
	sa := dht.NewSelfAnnouncements()
	what := identifier.NewRandom()
	sa.Touch(what)

	assert.Empty(t, sa.Stale(time.Hour))
	time.Sleep(time.Millisecond)
	stale := sa.Stale(0)
	require.Len(t, stale, 1)
	assert.Equal(t, what, stale[0])
}
