package channel

import (
	"sync"

	"github.com/nmxmxh/ovlnet/kernel/utils"
)

// DatagramSocket is the C8 concrete socket: whole encrypted datagrams, no
// ordering or retransmission. Construct with NewDatagramSocket and pass it
// to Manager.StartChannel, or return it from a ServiceHandler.NewSocket.
type DatagramSocket struct {
	*session

	mu       sync.Mutex
	onData   func(data []byte)
	closed   bool
}

// NewDatagramSocket constructs a datagram socket with no session attached
// yet; the Manager attaches one once the handshake that owns it starts or
// completes.
func NewDatagramSocket() *DatagramSocket {
	return &DatagramSocket{}
}

func (d *DatagramSocket) attach(sess *session) { d.session = sess }

// SendDatagram encrypts and sends data as a single datagram. It fails with
// utils.ErrMalformed if data would exceed the channel's ciphertext budget
// once padded, and utils.ErrClosed if the handshake has not completed (or
// the socket has already been closed).
func (d *DatagramSocket) SendDatagram(data []byte) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return utils.ErrClosed
	}
	return d.send(data)
}

// OnDatagram registers the callback invoked for each decrypted inbound
// datagram. It may be changed at any time; only the most recently
// registered callback receives future datagrams.
func (d *DatagramSocket) OnDatagram(fn func(data []byte)) {
	d.mu.Lock()
	d.onData = fn
	d.mu.Unlock()
}

func (d *DatagramSocket) deliver(plaintext []byte) {
	d.mu.Lock()
	fn := d.onData
	d.mu.Unlock()
	if fn != nil {
		fn(plaintext)
	}
}

// Close evicts the socket's session from the manager's cookie table.
// Double-close is a no-op.
func (d *DatagramSocket) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	if d.session != nil {
		d.manager.closeSession(d.cookie)
	}
	return nil
}
