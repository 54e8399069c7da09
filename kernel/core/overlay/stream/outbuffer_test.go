package stream_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/stream"
)

func TestOutBufferWriteAssignsSequenceAndRespectsWindow(t *testing.T) {
	ob := stream.NewOutBuffer(100)
	seq, n := ob.Write([]byte("hello"))
	assert.Equal(t, uint32(100), seq)
	assert.Equal(t, 5, n)
	assert.Equal(t, uint32(105), ob.NextSeq())
	assert.Equal(t, 5, ob.Available())
}

func TestOutBufferAckDropsAcknowledgedBytes(t *testing.T) {
	ob := stream.NewOutBuffer(0)
	ob.Write([]byte("hello world"))

	ok := ob.Ack(5, 1000)
	require.True(t, ok)
	assert.Equal(t, 6, ob.Available()) // "hello" dropped, " world" remains
}

func TestOutBufferAckOutOfRangeIgnored(t *testing.T) {
	ob := stream.NewOutBuffer(0)
	ob.Write([]byte("hello"))

	assert.False(t, ob.Ack(0, 1000), "acking firstSeq itself is not in (first, next]")
	assert.False(t, ob.Ack(999, 1000), "acking past nextSeq is out of range")
	assert.Equal(t, 5, ob.Available())
}

func TestOutBufferResendYieldsOldestUnacked(t *testing.T) {
	ob := stream.NewOutBuffer(0)
	ob.Write([]byte("abcdefgh"))

	seq, data, ok := ob.Resend(4)
	require.True(t, ok)
	assert.Equal(t, uint32(0), seq)
	assert.Equal(t, []byte("abcd"), data)
}

func TestOutBufferResendEmptyWhenFullyAcked(t *testing.T) {
	ob := stream.NewOutBuffer(0)
	ob.Write([]byte("abc"))
	ob.Ack(3, 1000)

	_, _, ok := ob.Resend(10)
	assert.False(t, ok)
}

// TestOutBufferAdaptiveTimeoutRecomputesEvery64Samples exercises testable
// property #5: after 64 round-trip samples, the timeout settles near
// mean + 3*stddev of the observed RTTs.
func TestOutBufferAdaptiveTimeoutRecomputesEvery64Samples(t *testing.T) {
	ob := stream.NewOutBuffer(0)
	initial := ob.Timeout()

	for i := 0; i < 64; i++ {
		ob.Write([]byte{byte(i)})
		time.Sleep(time.Millisecond)
		ob.Ack(uint32(i+1), 1000)
	}

	assert.NotEqual(t, initial, ob.Timeout())
	assert.Greater(t, ob.Timeout(), time.Duration(0))
}
