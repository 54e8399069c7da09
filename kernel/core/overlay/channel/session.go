package channel

import (
	"crypto/ecdh"
	"net"
	"sync"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identifier"
	"github.com/nmxmxh/ovlnet/kernel/core/overlay/routing"
	"github.com/nmxmxh/ovlnet/kernel/utils"
)

// session is the shared cryptographic and addressing core embedded by
// both the datagram (C8) and stream (C9) socket variants, per spec.md's
// Design Notes: "Handshake and encryption live in a shared core struct
// embedded by both variants."
type session struct {
	manager *Manager
	cookie  identifier.ID
	service uint16
	peer    routing.Peer
	peerID  identifier.ID

	mu      sync.Mutex
	key     [sharedKeyLen]byte
	iv      [sharedIVLen]byte
	outSeq  uint32
	ready   bool
	localKey *ecdh.PrivateKey // retained until the handshake completes
}

func (s *session) Cookie() identifier.ID { return s.cookie }
func (s *session) PeerID() identifier.ID { return s.peerID }

// send encrypts plaintext under the session's current sequence number,
// advances it, and writes the datagram to the peer.
func (s *session) send(plaintext []byte) error {
	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return utils.ErrClosed
	}
	seq := s.outSeq
	s.outSeq++
	key, iv := s.key, s.iv
	s.mu.Unlock()

	ciphertext, err := encryptPayload(key, iv, seq, plaintext)
	if err != nil {
		return err
	}
	if len(ciphertext) > s.manager.cfg.maxCiphertext() {
		return utils.ErrMalformed
	}

	out := make([]byte, identifier.Size+4+len(ciphertext))
	copy(out, s.cookie[:])
	putSeq(out[identifier.Size:], seq)
	copy(out[identifier.Size+4:], ciphertext)
	return s.manager.sendTo(s.peer, out)
}

// decrypt reverses encryption for an inbound datagram's ciphertext at the
// given sequence number.
func (s *session) decrypt(seq uint32, ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	key, iv := s.key, s.iv
	s.mu.Unlock()
	return decryptPayload(key, iv, seq, ciphertext)
}

func (s *session) markReady(key [sharedKeyLen]byte, iv [sharedIVLen]byte) {
	s.mu.Lock()
	s.key, s.iv, s.ready = key, iv, true
	s.localKey = nil
	s.mu.Unlock()
}

func putSeq(dst []byte, seq uint32) {
	dst[0] = byte(seq >> 24)
	dst[1] = byte(seq >> 16)
	dst[2] = byte(seq >> 8)
	dst[3] = byte(seq)
}

func getSeq(src []byte) uint32 {
	return uint32(src[0])<<24 | uint32(src[1])<<16 | uint32(src[2])<<8 | uint32(src[3])
}

func peerFromAddr(addr *net.UDPAddr) routing.Peer {
	return routing.Peer{Addr: addr.IP, Port: uint16(addr.Port)}
}
