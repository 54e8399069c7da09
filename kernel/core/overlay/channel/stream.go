package channel

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/stream"
	"github.com/nmxmxh/ovlnet/kernel/utils"
)

// Stream wire message types, one byte immediately after decryption
// (spec.md §4.9).
const (
	typeData  byte = 0
	typeAck   byte = 1
	typeReset byte = 2
	typeFin   byte = 3
)

type streamState int

const (
	streamOpen streamState = iota
	streamFinReceived
	streamClosed
)

// Stream is the C9 reliable secure stream, layered on C8's session and the
// stream package's in/out buffers.
type Stream struct {
	*session

	cfg Config
	in  *stream.InBuffer
	out *stream.OutBuffer

	mu    sync.Mutex
	state streamState

	readableCh chan struct{}
	writableCh chan struct{}
	closedCh   chan struct{}

	keepaliveTimer   *time.Timer
	retransmitTicker *time.Ticker
	idleTimer        *time.Timer

	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewStream constructs a stream with no session attached yet; the Manager
// attaches one once the handshake that owns it starts or completes.
func NewStream(cfg Config) *Stream {
	return &Stream{
		cfg:        cfg,
		in:         stream.NewInBuffer(0),
		out:        stream.NewOutBuffer(0),
		readableCh: make(chan struct{}, 1),
		writableCh: make(chan struct{}, 1),
		closedCh:   make(chan struct{}),
		stopCh:     make(chan struct{}),
	}
}

func (s *Stream) attach(sess *session) {
	s.session = sess
	s.wg.Add(3)
	go s.keepaliveLoop()
	go s.retransmitLoop()
	go s.idleLoop()
}

// Read copies reassembled, in-order bytes into dst, returning 0 with no
// error if the stream is closed and nothing remains buffered.
func (s *Stream) Read(dst []byte) (int, error) {
	return s.in.Read(dst), nil
}

// Write accepts up to min(out_buffer.free(), remote_window,
// max_stream_payload) bytes of data, sending exactly one DATA datagram for
// the accepted bytes. Accepting fewer bytes than offered is backpressure,
// not an error; the caller must wait for Writable().
func (s *Stream) Write(data []byte) (int, error) {
	s.mu.Lock()
	closed := s.state == streamClosed
	s.mu.Unlock()
	if closed {
		return 0, utils.ErrClosed
	}

	max := s.cfg.maxStreamPayload()
	if len(data) > max {
		data = data[:max]
	}
	seq, n := s.out.Write(data)
	if n == 0 {
		return 0, nil
	}
	if err := s.sendData(seq, data[:n]); err != nil && err == utils.ErrClosed {
		return n, err
	}
	return n, nil
}

func (s *Stream) sendData(seq uint32, data []byte) error {
	payload := make([]byte, 5+len(data))
	payload[0] = typeData
	binary.BigEndian.PutUint32(payload[1:5], seq)
	copy(payload[5:], data)
	return s.session.send(payload)
}

// Available reports the number of reassembled, unread bytes.
func (s *Stream) Available() int { return s.in.Available() }

// Free reports how many more bytes Write could currently accept, ignoring
// the remote window.
func (s *Stream) Free() int { return s.out.Free() }

func (s *Stream) Readable() <-chan struct{} { return s.readableCh }
func (s *Stream) Writable() <-chan struct{} { return s.writableCh }
func (s *Stream) Closed() <-chan struct{}   { return s.closedCh }

func signalNonBlocking(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// deliver handles one decrypted stream-layer message.
func (s *Stream) deliver(plaintext []byte) {
	s.resetIdle()

	if len(plaintext) == 0 {
		return // bare keepalive
	}
	msgType := plaintext[0]
	body := plaintext[1:]

	switch msgType {
	case typeData:
		if len(body) < 4 {
			return
		}
		seq := binary.BigEndian.Uint32(body[:4])
		data := body[4:]
		n := s.in.PutPacket(seq, data)
		if n > 0 {
			signalNonBlocking(s.readableCh)
			s.sendAck(s.in.NextSeq())
		}

	case typeAck:
		if len(body) < 8 {
			return
		}
		seq := binary.BigEndian.Uint32(body[:4])
		window := binary.BigEndian.Uint32(body[4:8])
		if s.out.Ack(seq, window) {
			signalNonBlocking(s.writableCh)
		}

	case typeReset:
		s.forceClose()

	case typeFin:
		// Open question resolved in spec.md §9: RESET is the sole
		// termination signal; FIN is rejected with no state change.

	default:
		// unknown type, dropped
	}
}

func (s *Stream) sendAck(seq uint32) {
	window := uint32(65535) - uint32(s.in.Available())
	payload := make([]byte, 9)
	payload[0] = typeAck
	binary.BigEndian.PutUint32(payload[1:5], seq)
	binary.BigEndian.PutUint32(payload[5:9], window)
	_ = s.session.send(payload)
}

func (s *Stream) resetIdle() {
	s.mu.Lock()
	timer := s.idleTimer
	s.mu.Unlock()
	if timer != nil {
		timer.Reset(s.cfg.IdleTimeout)
	}
}

func (s *Stream) keepaliveLoop() {
	defer s.wg.Done()
	s.mu.Lock()
	s.keepaliveTimer = time.NewTimer(s.cfg.KeepaliveInterval)
	t := s.keepaliveTimer
	s.mu.Unlock()
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			if s.out.Available() == 0 {
				_ = s.session.send(nil)
			}
			t.Reset(s.cfg.KeepaliveInterval)
		}
	}
}

func (s *Stream) retransmitLoop() {
	defer s.wg.Done()
	s.mu.Lock()
	s.retransmitTicker = time.NewTicker(s.cfg.RetransmitInterval)
	ticker := s.retransmitTicker
	s.mu.Unlock()
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.out.Age() <= s.out.Timeout() {
				continue
			}
			if seq, data, ok := s.out.Resend(s.cfg.maxStreamPayload()); ok {
				_ = s.sendData(seq, data)
			}
		}
	}
}

func (s *Stream) idleLoop() {
	defer s.wg.Done()
	s.mu.Lock()
	s.idleTimer = time.NewTimer(s.cfg.IdleTimeout)
	t := s.idleTimer
	s.mu.Unlock()
	defer t.Stop()
	select {
	case <-s.stopCh:
	case <-t.C:
		s.forceClose()
	}
}

// forceClose handles a peer-initiated termination (RESET received, or
// idle timeout fired): it never itself sends RESET, unlike Close. It
// shares Close's sync.Once so a racing forceClose/Close pair still closes
// exactly once (spec.md testable property #9).
func (s *Stream) forceClose() {
	s.closeInternal(false)
}

func (s *Stream) stopTimers() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Close sends RESET at most once, stops every timer, and evicts the
// session. Calling Close twice emits exactly one RESET and exactly one
// Closed() signal (spec.md testable property #9). If a peer-initiated
// forceClose ran first, Close is a no-op and sends no RESET; either way
// Closed() is signalled exactly once.
func (s *Stream) Close() error {
	s.closeInternal(true)
	return nil
}

func (s *Stream) closeInternal(sendReset bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = streamClosed
		s.mu.Unlock()

		if sendReset && s.session != nil {
			_ = s.session.send([]byte{typeReset})
		}
		s.stopTimers()
		close(s.closedCh)
		if s.session != nil {
			s.manager.closeSession(s.cookie)
		}
	})
}
