// Package routing implements the Kademlia-style k-bucket routing table
// (C3): nodes are grouped by the leading bit of their XOR distance to the
// local identity, with a bounded bucket size and append-only splitting.
package routing

import (
	"fmt"
	"net"
	"time"

	"github.com/multiformats/go-multiaddr"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identifier"
)

// K is the maximum number of entries a single bucket may hold, and the
// width of a nearest-k query result.
const K = 8

// Peer is an address a node can be reached at.
type Peer struct {
	Addr net.IP
	Port uint16
}

// Multiaddr renders the peer's address in multiaddr presentation form
// (e.g. "/ip4/127.0.0.1/udp/6881"), the way the overlay logs and
// bootstrap-peer CLI flags name addresses. It never touches the wire: the
// 4-byte IPv4 + 2-byte port form mandated by spec §4.7 is what Triple
// actually encodes.
func (p Peer) Multiaddr() (multiaddr.Multiaddr, error) {
	v4 := p.Addr.To4()
	if v4 == nil {
		return multiaddr.NewMultiaddr(fmt.Sprintf("/ip6/%s/udp/%d", p.Addr.String(), p.Port))
	}
	return multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/udp/%d", v4.String(), p.Port))
}

// ParsePeerMultiaddr parses an "/ip4|ip6/<addr>/udp/<port>" multiaddr string
// back into a Peer, for bootstrap-peer CLI flags.
func ParsePeerMultiaddr(s string) (Peer, error) {
	ma, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return Peer{}, fmt.Errorf("parse peer address %q: %w", s, err)
	}

	host, err := ma.ValueForProtocol(multiaddr.P_IP4)
	if err != nil {
		host, err = ma.ValueForProtocol(multiaddr.P_IP6)
	}
	if err != nil {
		return Peer{}, fmt.Errorf("parse peer address %q: no ip4/ip6 component", s)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Peer{}, fmt.Errorf("parse peer address %q: invalid ip %q", s, host)
	}

	portStr, err := ma.ValueForProtocol(multiaddr.P_UDP)
	if err != nil {
		return Peer{}, fmt.Errorf("parse peer address %q: no udp component", s)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return Peer{}, fmt.Errorf("parse peer address %q: invalid port %q", s, portStr)
	}

	return Peer{Addr: ip, Port: port}, nil
}

// Node is a known identity at a given network address, plus the time it was
// last heard from. The zero LastSeen marks an invalidated node.
type Node struct {
	ID       identifier.ID
	Peer     Peer
	LastSeen time.Time
}

// OlderThan reports whether the node has not been heard from for longer
// than age, relative to now.
func (n Node) OlderThan(age time.Duration, now time.Time) bool {
	return n.LastSeen.Add(age).Before(now)
}
