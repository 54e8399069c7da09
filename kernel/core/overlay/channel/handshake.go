package channel

import (
	"crypto/ecdh"
	"encoding/binary"
	"fmt"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identity"
)

// handshake is the three length-prefixed fields of spec.md §4.8:
//
//	u16 id_pubkey_len  | id_pubkey
//	u16 sess_pubkey_len| sess_pubkey
//	u16 sig_len        | sig          // id.sign(sess_pubkey)
//
// sess_pubkey is the uncompressed EC point (ecdh.PublicKey.Bytes()), not a
// DER SubjectPublicKeyInfo: it is an ephemeral key used only for this one
// session's ECDH, not a value anything derives an identifier from.
type handshake struct {
	idPubkeyDER []byte
	sessPubkey  []byte
	sig         []byte
}

func encodeHandshake(h handshake) []byte {
	size := 6 + len(h.idPubkeyDER) + len(h.sessPubkey) + len(h.sig)
	buf := make([]byte, size)
	off := 0
	off += putField(buf[off:], h.idPubkeyDER)
	off += putField(buf[off:], h.sessPubkey)
	putField(buf[off:], h.sig)
	return buf
}

func putField(dst []byte, field []byte) int {
	binary.BigEndian.PutUint16(dst, uint16(len(field)))
	copy(dst[2:], field)
	return 2 + len(field)
}

func parseHandshake(data []byte) (handshake, error) {
	idPub, rest, err := takeField(data)
	if err != nil {
		return handshake{}, err
	}
	sessPub, rest, err := takeField(rest)
	if err != nil {
		return handshake{}, err
	}
	sig, _, err := takeField(rest)
	if err != nil {
		return handshake{}, err
	}
	return handshake{idPubkeyDER: idPub, sessPubkey: sessPub, sig: sig}, nil
}

func takeField(data []byte) (field, rest []byte, err error) {
	if len(data) < 2 {
		return nil, nil, fmt.Errorf("handshake field: short length prefix")
	}
	n := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+n {
		return nil, nil, fmt.Errorf("handshake field: truncated")
	}
	return data[2 : 2+n], data[2+n:], nil
}

// buildHandshake signs sessPub with self's identity key, producing the
// datagram payload this node sends to announce a pending channel.
func buildHandshake(self *identity.Identity, sessPub *ecdh.PublicKey) ([]byte, error) {
	idDER, err := self.PublicKeyDER()
	if err != nil {
		return nil, fmt.Errorf("build handshake: %w", err)
	}
	sessBytes := sessPub.Bytes()
	sig, err := self.Sign(sessBytes)
	if err != nil {
		return nil, fmt.Errorf("build handshake: %w", err)
	}
	return encodeHandshake(handshake{idPubkeyDER: idDER, sessPubkey: sessBytes, sig: sig}), nil
}

// verifyHandshake parses data, checks sig against id_pubkey, and returns
// the peer's identity and parsed session public key. It never trusts that
// the peer identifier equals any previously expected value -- callers
// that need to pin a specific peer must compare the returned identity's
// ID themselves.
func verifyHandshake(data []byte) (*identity.Identity, *ecdh.PublicKey, error) {
	h, err := parseHandshake(data)
	if err != nil {
		return nil, nil, fmt.Errorf("parse handshake: %w", err)
	}
	peer, err := identity.FromPublicKeyDER(h.idPubkeyDER)
	if err != nil {
		return nil, nil, fmt.Errorf("parse peer identity: %w", err)
	}
	if !peer.Verify(h.sessPubkey, h.sig) {
		return nil, nil, fmt.Errorf("signature verification failed")
	}
	sessPub, err := sessionCurve().NewPublicKey(h.sessPubkey)
	if err != nil {
		return nil, nil, fmt.Errorf("parse session key: %w", err)
	}
	return peer, sessPub, nil
}
