// Package stream implements the ordered-byte-stream primitives (C5/C6)
// that the reliable secure stream (C9) is built from: an in-buffer that
// reassembles out-of-order sequence-tagged segments into a contiguous
// stream, and an out-buffer that tracks unacknowledged bytes with an
// adaptive retransmission timeout.
package stream

import (
	"sort"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/ring"
)

// segment records a received-but-not-yet-contiguous run of bytes already
// written into the ring at its eventual offset.
type segment struct {
	seq    uint32
	length int
}

// InBuffer reassembles an ordered byte stream from out-of-order,
// sequence-tagged segments (C5).
type InBuffer struct {
	buf       *ring.Buffer
	available int // contiguous bytes at the front of buf, ready to Read
	nextSeq   uint32
	packets   []segment // received out-of-order, sorted nearest-to-nextSeq first
}

// NewInBuffer returns an empty in-buffer expecting nextSeq as its first
// sequence number.
func NewInBuffer(nextSeq uint32) *InBuffer {
	return &InBuffer{buf: ring.New(), nextSeq: nextSeq}
}

// inBetween is the modular containment predicate over 32-bit sequence
// numbers: x is considered within [a, b) even across a wraparound of b.
func inBetween(x, a, b uint32) bool {
	if a < b {
		return a <= x && x < b
	}
	return a <= x || x < b
}

// PutPacket accepts a received segment. It rejects segments outside the
// current receive window, writes accepted data into the ring at its
// eventual offset, and advances the contiguous-available count through
// every segment that is now contiguous with nextSeq. It returns the number
// of newly contiguous bytes (0 if the segment was rejected, ignored as a
// duplicate, or simply filled a later gap).
func (ib *InBuffer) PutPacket(seq uint32, data []byte) int {
	if len(data) == 0 {
		return 0
	}

	window := uint32(ring.Size - ib.available)
	if !inBetween(seq, ib.nextSeq, ib.nextSeq+window) {
		return 0
	}

	offset := ib.available + int(seq-ib.nextSeq)
	need := offset + len(data)
	if extra := need - ib.buf.Available(); extra > 0 {
		ib.buf.Allocate(extra)
	}
	ib.buf.Put(offset, data)
	ib.insort(segment{seq: seq, length: len(data)})

	newly := 0
	for len(ib.packets) > 0 && ib.packets[0].seq == ib.nextSeq {
		s := ib.packets[0]
		ib.packets = ib.packets[1:]
		ib.nextSeq += uint32(s.length)
		ib.available += s.length
		newly += s.length
	}
	return newly
}

// insort inserts s into ib.packets in ascending order of distance from
// nextSeq (modulo 2^32), ignoring an exact duplicate sequence number.
func (ib *InBuffer) insort(s segment) {
	key := func(seq uint32) uint32 { return seq - ib.nextSeq }
	k := key(s.seq)

	idx := sort.Search(len(ib.packets), func(i int) bool {
		return key(ib.packets[i].seq) >= k
	})
	if idx < len(ib.packets) && ib.packets[idx].seq == s.seq {
		return // duplicate segment, already held
	}
	ib.packets = append(ib.packets, segment{})
	copy(ib.packets[idx+1:], ib.packets[idx:])
	ib.packets[idx] = s
}

// Read copies reassembled, in-order bytes into dst and returns how many
// were copied.
func (ib *InBuffer) Read(dst []byte) int {
	n := len(dst)
	if n > ib.available {
		n = ib.available
	}
	got := ib.buf.Read(dst[:n])
	ib.available -= got
	return got
}

// Available returns the number of contiguous, readable bytes.
func (ib *InBuffer) Available() int {
	return ib.available
}

// Window returns the receive window to advertise to the remote peer.
func (ib *InBuffer) Window() uint32 {
	return uint32(65535 - ib.available)
}

// NextSeq returns the next sequence number expected.
func (ib *InBuffer) NextSeq() uint32 {
	return ib.nextSeq
}
