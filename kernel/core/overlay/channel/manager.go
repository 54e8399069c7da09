package channel

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identifier"
	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identity"
	"github.com/nmxmxh/ovlnet/kernel/core/overlay/routing"
	"github.com/nmxmxh/ovlnet/kernel/utils"
)

// endpoint is the internal contract a concrete socket type (DatagramSocket
// or Stream) must satisfy so the Manager can wire crypto state into it and
// hand it decrypted payloads.
type endpoint interface {
	Socket
	attach(sess *session)
	deliver(plaintext []byte)
}

type entryState int

const (
	statePendingOutbound entryState = iota
	stateReady
)

type entry struct {
	state          entryState
	sess           *session
	ep             endpoint
	handler        ServiceHandler
	handshakeTimer *time.Timer
}

// Manager owns the cookie-keyed session table for every secure channel
// multiplexed over a single UDP socket, the same socket the DHT engine
// listens on (spec.md §4.8: handshakes are "carried as the initial
// DHT-level START_STREAM"). dht.Engine.Dispatch-equivalent integration is
// done by having the engine call Manager.Dispatch for any cookie it does
// not itself recognize as a pending DHT request.
type Manager struct {
	self *identity.Identity
	conn *net.UDPConn
	cfg  Config

	handlersMu sync.Mutex
	handlers   map[uint16]ServiceHandler

	mu      sync.Mutex
	entries map[identifier.ID]*entry

	metrics *Metrics
	log     *utils.Logger
}

// NewManager constructs a channel Manager bound to conn (shared with the
// DHT engine) under identity self.
func NewManager(self *identity.Identity, conn *net.UDPConn, cfg Config, metrics *Metrics, log *utils.Logger) *Manager {
	if log == nil {
		log = utils.DefaultLogger("channel")
	}
	return &Manager{
		self:     self,
		conn:     conn,
		cfg:      cfg,
		handlers: make(map[uint16]ServiceHandler),
		entries:  make(map[identifier.ID]*entry),
		metrics:  metrics,
		log:      log.With("channel"),
	}
}

// RegisterService installs the handler responsible for incoming channels
// naming serviceID.
func (m *Manager) RegisterService(serviceID uint16, handler ServiceHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[serviceID] = handler
}

func (m *Manager) handlerFor(serviceID uint16) ServiceHandler {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	return m.handlers[serviceID]
}

func (m *Manager) sendTo(peer routing.Peer, payload []byte) error {
	addr := &net.UDPAddr{IP: peer.Addr, Port: int(peer.Port)}
	n, err := m.conn.WriteToUDP(payload, addr)
	if err != nil {
		m.log.Debug("send failed", utils.Err(err))
		return err
	}
	if m.metrics != nil {
		m.metrics.BytesOut.Add(float64(n))
	}
	return nil
}

// StartChannel opens an outbound channel of serviceID to peer, delivering
// socket (constructed by the caller via NewDatagramSocket/NewStream) to
// handler's ConnectionStarted/ConnectionFailed once the handshake
// completes or times out.
func (m *Manager) StartChannel(serviceID uint16, peer routing.Node, handler ServiceHandler, socket Socket) error {
	ep, ok := socket.(endpoint)
	if !ok {
		return fmt.Errorf("start channel: socket type %T is not usable with this manager", socket)
	}

	localKey, err := newSessionKey()
	if err != nil {
		return fmt.Errorf("start channel: %w", err)
	}
	cookie := identifier.NewRandom()
	sess := &session{manager: m, cookie: cookie, service: serviceID, peer: peer.Peer, peerID: peer.ID, localKey: localKey}
	ep.attach(sess)

	hs, err := buildHandshake(m.self, localKey.PublicKey())
	if err != nil {
		return fmt.Errorf("start channel: %w", err)
	}
	wire := encodeHandshakeDatagram(cookie, serviceID, hs)

	e := &entry{state: statePendingOutbound, sess: sess, ep: ep, handler: handler}
	e.handshakeTimer = time.AfterFunc(m.cfg.HandshakeTimeout, func() {
		m.mu.Lock()
		cur, ok := m.entries[cookie]
		if ok && cur.state == statePendingOutbound {
			delete(m.entries, cookie)
		}
		m.mu.Unlock()
		if ok && cur.state == statePendingOutbound {
			handler.ConnectionFailed(socket)
			_ = socket.Close()
		}
	})

	m.mu.Lock()
	m.entries[cookie] = e
	m.mu.Unlock()

	return m.sendTo(peer.Peer, wire)
}

// encodeHandshakeDatagram prepends the cookie and 2-byte service id to a
// handshake payload, matching the "carried as the initial DHT-level
// START_STREAM with the 20-byte cookie and service id" framing.
func encodeHandshakeDatagram(cookie identifier.ID, serviceID uint16, hs []byte) []byte {
	out := make([]byte, identifier.Size+2+len(hs))
	copy(out, cookie[:])
	binary.BigEndian.PutUint16(out[identifier.Size:], serviceID)
	copy(out[identifier.Size+2:], hs)
	return out
}

// Dispatch routes a datagram not claimed by the DHT engine's own pending
// request table. It returns true if the datagram was recognized (and
// consumed) as channel traffic, false if the caller should fall back to
// DHT request handling.
func (m *Manager) Dispatch(cookie identifier.ID, data []byte, addr *net.UDPAddr) bool {
	if m.metrics != nil {
		m.metrics.BytesIn.Add(float64(len(data)))
	}
	payload := data[identifier.Size:]

	m.mu.Lock()
	e, known := m.entries[cookie]
	m.mu.Unlock()

	if known && e.state == stateReady {
		m.handleCiphertext(e, payload)
		return true
	}
	if known && e.state == statePendingOutbound {
		return m.completeOutbound(cookie, e, payload, addr)
	}
	return m.acceptInbound(cookie, payload, addr)
}

func (m *Manager) handleCiphertext(e *entry, payload []byte) {
	if len(payload) < 4 {
		m.drop()
		return
	}
	seq := getSeq(payload)
	plaintext, err := e.sess.decrypt(seq, payload[4:])
	if err != nil {
		m.drop()
		return
	}
	e.ep.deliver(plaintext)
}

func (m *Manager) completeOutbound(cookie identifier.ID, e *entry, payload []byte, addr *net.UDPAddr) bool {
	if len(payload) < 2 {
		return false
	}
	peerIdentity, peerSessPub, err := verifyHandshake(payload[2:])
	if err != nil {
		m.handshakeFailed(cookie, e)
		return true
	}
	key, iv, err := deriveSharedSecret(e.sess.localKey, peerSessPub)
	if err != nil {
		m.handshakeFailed(cookie, e)
		return true
	}
	e.sess.peerID = peerIdentity.ID()
	e.sess.markReady(key, iv)
	e.handshakeTimer.Stop()

	m.mu.Lock()
	e.state = stateReady
	m.mu.Unlock()

	_ = addr
	m.accept(e)
	return true
}

func (m *Manager) acceptInbound(cookie identifier.ID, payload []byte, addr *net.UDPAddr) bool {
	if len(payload) < 2 {
		return false
	}
	serviceID := binary.BigEndian.Uint16(payload)
	hsFields := payload[2:]

	peerIdentity, peerSessPub, err := verifyHandshake(hsFields)
	if err != nil {
		return false
	}

	handler := m.handlerFor(serviceID)
	if handler == nil {
		m.drop()
		return true
	}
	socket, ok := handler.NewSocket(serviceID)
	if !ok {
		return true
	}
	ep, ok := socket.(endpoint)
	if !ok {
		m.log.Error("service handler returned a socket type that is not usable with this manager",
			utils.Any("service", serviceID))
		return true
	}

	localKey, err := newSessionKey()
	if err != nil {
		handler.ConnectionFailed(socket)
		return true
	}
	key, iv, err := deriveSharedSecret(localKey, peerSessPub)
	if err != nil {
		handler.ConnectionFailed(socket)
		return true
	}

	sess := &session{manager: m, cookie: cookie, service: serviceID, peer: peerFromAddr(addr), peerID: peerIdentity.ID()}
	sess.markReady(key, iv)
	ep.attach(sess)

	e := &entry{state: stateReady, sess: sess, ep: ep, handler: handler}
	m.mu.Lock()
	m.entries[cookie] = e
	m.mu.Unlock()

	reply, err := buildHandshake(m.self, localKey.PublicKey())
	if err == nil {
		_ = m.sendTo(sess.peer, encodeHandshakeDatagram(cookie, serviceID, reply))
	}

	m.accept(e)
	return true
}

func (m *Manager) accept(e *entry) {
	peerNode := routing.Node{ID: e.sess.peerID, Peer: e.sess.peer}
	if e.handler.AllowConnection(e.sess.service, peerNode) {
		if m.metrics != nil {
			m.metrics.ChannelsEstablished.Inc()
			m.metrics.ChannelsActive.Inc()
		}
		e.handler.ConnectionStarted(e.ep)
		return
	}
	// A rejected channel was never counted as active, so its entry is
	// removed here rather than through closeSession.
	m.mu.Lock()
	delete(m.entries, e.sess.cookie)
	m.mu.Unlock()
	e.handler.ConnectionFailed(e.ep)
	_ = e.ep.Close()
}

func (m *Manager) handshakeFailed(cookie identifier.ID, e *entry) {
	if m.metrics != nil {
		m.metrics.HandshakesFailed.Inc()
	}
	m.mu.Lock()
	delete(m.entries, cookie)
	m.mu.Unlock()
	if e.handshakeTimer != nil {
		e.handshakeTimer.Stop()
	}
	e.handler.ConnectionFailed(e.ep)
	_ = e.ep.Close()
}

// closeSession removes cookie's entry from the table; called by a
// socket's Close to evict its session, per spec.md §4.9's "drops the
// session from the engine's cookie table."
func (m *Manager) closeSession(cookie identifier.ID) {
	m.mu.Lock()
	_, existed := m.entries[cookie]
	delete(m.entries, cookie)
	m.mu.Unlock()
	if existed && m.metrics != nil {
		m.metrics.ChannelsActive.Dec()
	}
}

func (m *Manager) drop() {
	m.log.Debug("dropped channel datagram")
	if m.metrics != nil {
		m.metrics.PacketsDropped.Inc()
	}
}
