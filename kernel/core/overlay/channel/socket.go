// Package channel implements the secure datagram socket (C8) and the
// reliable secure stream built on top of it (C9): mutually authenticated,
// encrypted channels multiplexed by cookie over the same UDP socket the
// DHT engine listens on.
package channel

import (
	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identifier"
	"github.com/nmxmxh/ovlnet/kernel/core/overlay/routing"
)

// Socket is the capability every established channel exposes, regardless
// of whether it carries datagram or stream semantics (spec.md § Design
// Notes: "Replace [the SecureSocket/SecureStream inheritance] with
// composition plus a Socket capability interface").
type Socket interface {
	Cookie() identifier.ID
	PeerID() identifier.ID
	Close() error
}

// DatagramCapability is the C8 capability: send and receive whole
// encrypted datagrams with no ordering or reliability guarantee. The
// concrete *DatagramSocket type satisfies this implicitly.
type DatagramCapability interface {
	Socket
	SendDatagram(data []byte) error
	OnDatagram(fn func(data []byte))
}

// StreamSocket is the C9 capability: an ordered, reliable byte stream.
type StreamSocket interface {
	Socket
	Read(dst []byte) (int, error)
	Write(data []byte) (int, error)
	Available() int
	Free() int
	Readable() <-chan struct{}
	Writable() <-chan struct{}
	Closed() <-chan struct{}
}

// ServiceHandler is the gatekeeper and dispatcher for incoming channels,
// matching spec.md §6's ServiceHandler surface.
type ServiceHandler interface {
	// NewSocket constructs the socket to use for an incoming channel of
	// the given service, or reports false to refuse it outright.
	NewSocket(serviceID uint16) (Socket, bool)
	// AllowConnection is the policy check run once the peer's handshake
	// has been cryptographically verified.
	AllowConnection(serviceID uint16, peer routing.Node) bool
	// ConnectionStarted transfers ownership of an established socket.
	ConnectionStarted(socket Socket)
	// ConnectionFailed transfers ownership of a rejected or failed socket
	// for cleanup.
	ConnectionFailed(socket Socket)
}
