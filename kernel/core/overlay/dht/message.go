package dht

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identifier"
	"github.com/nmxmxh/ovlnet/kernel/core/overlay/routing"
	"github.com/nmxmxh/ovlnet/kernel/utils"
)

// Wire type bytes for request messages (spec.md 4.7). Responses carry no
// type byte of their own -- a datagram is a response if its cookie matches
// an outstanding request, a request otherwise.
const (
	TypePing      byte = 0x01
	TypeFindNode  byte = 0x02
	TypeFindValue byte = 0x03
	TypeAnnounce  byte = 0x04
)

const (
	cookieLen   = identifier.Size
	tripleLen   = identifier.Size + 4 + 2 // id | ipv4 | port
	pingLen     = cookieLen + 1 + identifier.Size
	findLen     = cookieLen + 1 + identifier.Size
	announceLen = cookieLen + 1 + identifier.Size + identifier.Size
	respHdrLen  = cookieLen + 1
)

// Triple is one (id, address) entry returned by a lookup response.
type Triple struct {
	ID   identifier.ID
	Addr net.IP
	Port uint16
}

// Kind classifies a decoded message.
type Kind int

const (
	KindPing Kind = iota
	KindFindNode
	KindFindValue
	KindAnnounce
	KindResponse
)

// Message is the decoded form of any DHT datagram.
type Message struct {
	Kind     Kind
	Cookie   identifier.ID
	SenderID identifier.ID // Ping
	Target   identifier.ID // FindNode / FindValue
	What     identifier.ID // Announce
	Who      identifier.ID // Announce
	Success  bool          // Response
	Triples  []Triple      // Response
}

// EncodePing builds a PING request: cookie | 0x01 | sender_id.
func EncodePing(cookie, sender identifier.ID) []byte {
	out := make([]byte, pingLen)
	copy(out, cookie[:])
	out[cookieLen] = TypePing
	copy(out[cookieLen+1:], sender[:])
	return out
}

// EncodeFindNode builds a FIND_NODE request: cookie | 0x02 | target.
func EncodeFindNode(cookie, target identifier.ID) []byte {
	return encodeFind(cookie, target, TypeFindNode)
}

// EncodeFindValue builds a FIND_VALUE request: cookie | 0x03 | target.
func EncodeFindValue(cookie, target identifier.ID) []byte {
	return encodeFind(cookie, target, TypeFindValue)
}

func encodeFind(cookie, target identifier.ID, typ byte) []byte {
	out := make([]byte, findLen)
	copy(out, cookie[:])
	out[cookieLen] = typ
	copy(out[cookieLen+1:], target[:])
	return out
}

// EncodeAnnounce builds an ANNOUNCE message: cookie | 0x04 | what | who.
func EncodeAnnounce(cookie, what, who identifier.ID) []byte {
	out := make([]byte, announceLen)
	copy(out, cookie[:])
	out[cookieLen] = TypeAnnounce
	copy(out[cookieLen+1:], what[:])
	copy(out[cookieLen+1+identifier.Size:], who[:])
	return out
}

// EncodeResponse builds a lookup response: cookie | success | triples.
// Triples beyond routing.K are silently dropped.
func EncodeResponse(cookie identifier.ID, success bool, triples []Triple) []byte {
	if len(triples) > routing.K {
		triples = triples[:routing.K]
	}
	out := make([]byte, respHdrLen+len(triples)*tripleLen)
	copy(out, cookie[:])
	if success {
		out[cookieLen] = 1
	}
	off := respHdrLen
	for _, tr := range triples {
		copy(out[off:], tr.ID[:])
		ip4 := tr.Addr.To4()
		if ip4 == nil {
			ip4 = net.IPv4zero.To4()
		}
		copy(out[off+identifier.Size:], ip4)
		binary.BigEndian.PutUint16(out[off+identifier.Size+4:], tr.Port)
		off += tripleLen
	}
	return out
}

// DecodeRequest parses a non-response datagram (request or announce) by its
// fixed length and type byte. Unknown-type or malformed-length packets
// return ErrMalformed.
func DecodeRequest(data []byte) (*Message, error) {
	if len(data) < cookieLen+1 {
		return nil, utils.ErrMalformed
	}
	var cookie identifier.ID
	copy(cookie[:], data[:cookieLen])
	typ := data[cookieLen]

	switch typ {
	case TypePing:
		if len(data) != pingLen {
			return nil, fmt.Errorf("ping: %w", utils.ErrMalformed)
		}
		var sender identifier.ID
		copy(sender[:], data[cookieLen+1:])
		return &Message{Kind: KindPing, Cookie: cookie, SenderID: sender}, nil

	case TypeFindNode, TypeFindValue:
		if len(data) != findLen {
			return nil, fmt.Errorf("find: %w", utils.ErrMalformed)
		}
		var target identifier.ID
		copy(target[:], data[cookieLen+1:])
		kind := KindFindNode
		if typ == TypeFindValue {
			kind = KindFindValue
		}
		return &Message{Kind: kind, Cookie: cookie, Target: target}, nil

	case TypeAnnounce:
		if len(data) != announceLen {
			return nil, fmt.Errorf("announce: %w", utils.ErrMalformed)
		}
		var what, who identifier.ID
		copy(what[:], data[cookieLen+1:cookieLen+1+identifier.Size])
		copy(who[:], data[cookieLen+1+identifier.Size:])
		return &Message{Kind: KindAnnounce, Cookie: cookie, What: what, Who: who}, nil

	default:
		return nil, fmt.Errorf("type 0x%02x: %w", typ, utils.ErrMalformed)
	}
}

// DecodeResponse parses a response datagram: cookie | success | triples.
func DecodeResponse(data []byte) (*Message, error) {
	if len(data) < respHdrLen {
		return nil, utils.ErrMalformed
	}
	rest := len(data) - respHdrLen
	if rest%tripleLen != 0 || rest/tripleLen > routing.K {
		return nil, utils.ErrMalformed
	}

	var cookie identifier.ID
	copy(cookie[:], data[:cookieLen])
	msg := &Message{
		Kind:    KindResponse,
		Cookie:  cookie,
		Success: data[cookieLen] != 0,
	}

	off := respHdrLen
	for off < len(data) {
		var id identifier.ID
		copy(id[:], data[off:off+identifier.Size])
		ip := net.IPv4(data[off+identifier.Size], data[off+identifier.Size+1], data[off+identifier.Size+2], data[off+identifier.Size+3])
		port := binary.BigEndian.Uint16(data[off+identifier.Size+4:])
		msg.Triples = append(msg.Triples, Triple{ID: id, Addr: ip, Port: port})
		off += tripleLen
	}
	return msg, nil
}
