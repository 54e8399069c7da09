package stream

import (
	"math"
	"time"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/ring"
)

// rttSampleWindow is the number of round-trip samples averaged before the
// adaptive timeout is recomputed (C6).
const rttSampleWindow = 64

// DefaultTimeout is used until the first rttSampleWindow round-trip
// samples have been collected.
const DefaultTimeout = 1 * time.Second

// OutBuffer tracks unacknowledged outbound bytes and maintains an adaptive
// retransmission timeout from observed round-trip samples (C6).
type OutBuffer struct {
	buf      *ring.Buffer
	firstSeq uint32
	nextSeq  uint32
	window   uint32 // remote-advertised receive window

	timestamp time.Time // of the oldest unacknowledged byte
	timeout   time.Duration

	rttSum, rttSumSq int64
	rttCount         int
}

// NewOutBuffer returns an empty out-buffer starting at seq, with an
// initially wide-open remote window.
func NewOutBuffer(seq uint32) *OutBuffer {
	return &OutBuffer{
		buf:      ring.New(),
		firstSeq: seq,
		nextSeq:  seq,
		window:   65535,
		timeout:  DefaultTimeout,
	}
}

// Write appends data to the buffer, bounded by free ring space and the
// remote-advertised window, and returns the sequence number assigned to
// the first byte written along with how many bytes were accepted.
func (ob *OutBuffer) Write(data []byte) (seq uint32, n int) {
	bound := ob.buf.Free()
	if inflight := int(ob.window) - ob.buf.Available(); inflight < bound {
		bound = inflight
	}
	if bound < 0 {
		bound = 0
	}
	if len(data) > bound {
		data = data[:bound]
	}

	seq = ob.nextSeq
	if ob.buf.Available() == 0 {
		ob.timestamp = time.Now()
	}
	n = ob.buf.Write(data)
	ob.nextSeq += uint32(n)
	return seq, n
}

// Ack processes an acknowledgement for every byte before seq (seq is the
// next byte the remote expects), dropping them, updating the remote window
// and recording a round-trip sample. It returns
// true if the acknowledgement was in range and applied.
func (ob *OutBuffer) Ack(seq, window uint32) bool {
	if !inBetween(seq, ob.firstSeq+1, ob.nextSeq+1) {
		return false
	}

	dropped := int(seq - ob.firstSeq)
	ob.buf.Drop(dropped)
	ob.firstSeq = seq
	ob.window = window

	rtt := time.Since(ob.timestamp)
	ob.timestamp = time.Now()
	ob.recordSample(rtt)
	return true
}

// recordSample folds one RTT observation into the running statistics,
// recomputing the adaptive timeout as mean + 3*stddev every
// rttSampleWindow samples.
func (ob *OutBuffer) recordSample(rtt time.Duration) {
	ob.rttSum += int64(rtt)
	ob.rttSumSq += int64(rtt) * int64(rtt)
	ob.rttCount++

	if ob.rttCount < rttSampleWindow {
		return
	}
	mean := ob.rttSum / rttSampleWindow
	meanSq := ob.rttSumSq / rttSampleWindow
	variance := meanSq - mean*mean
	if variance < 0 {
		variance = 0
	}
	stddev := int64(math.Sqrt(float64(variance)))
	ob.timeout = time.Duration(mean + 3*stddev)

	ob.rttSum, ob.rttSumSq, ob.rttCount = 0, 0, 0
}

// Resend returns the oldest unacknowledged segment, bounded by maxPayload,
// and refreshes the retransmission timestamp. It returns ok=false if there
// is nothing unacknowledged to resend.
func (ob *OutBuffer) Resend(maxPayload int) (seq uint32, data []byte, ok bool) {
	avail := ob.buf.Available()
	if avail == 0 {
		return 0, nil, false
	}
	n := avail
	if n > maxPayload {
		n = maxPayload
	}
	data = make([]byte, n)
	ob.buf.Peek(0, data)
	ob.timestamp = time.Now()
	return ob.firstSeq, data, true
}

// Age reports how long the oldest unacknowledged byte has been waiting.
func (ob *OutBuffer) Age() time.Duration {
	if ob.buf.Available() == 0 {
		return 0
	}
	return time.Since(ob.timestamp)
}

// Timeout returns the current adaptive retransmission timeout.
func (ob *OutBuffer) Timeout() time.Duration {
	return ob.timeout
}

// Available returns the number of unacknowledged bytes.
func (ob *OutBuffer) Available() int {
	return ob.buf.Available()
}

// Free returns how many more bytes Write could currently accept, ignoring
// the remote window.
func (ob *OutBuffer) Free() int {
	return ob.buf.Free()
}

// NextSeq returns the sequence number that would be assigned to the next
// byte written.
func (ob *OutBuffer) NextSeq() uint32 {
	return ob.nextSeq
}
