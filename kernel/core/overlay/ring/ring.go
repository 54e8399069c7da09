// Package ring implements the fixed 64 KiB circular buffer (C4) that
// backs the reliable stream's in/out buffers (C5/C6).
package ring

// Size is the fixed backing-array size in bytes (64 KiB).
const Size = 65536

// Buffer is a 64 KiB circular buffer with peek/put/allocate/drop
// primitives. inptr and outptr wrap modulo Size; full distinguishes an
// empty buffer from a completely-allocated one when inptr == outptr.
type Buffer struct {
	data          [Size]byte
	inptr, outptr int
	full          bool
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Available returns the number of contiguous allocated (readable) bytes.
func (r *Buffer) Available() int {
	if r.full {
		return Size
	}
	diff := r.inptr - r.outptr
	if diff < 0 {
		diff += Size
	}
	return diff
}

// Free returns the number of bytes that can still be allocated.
func (r *Buffer) Free() int {
	return Size - r.Available()
}

// Peek copies up to len(dst) bytes starting at offset within the allocated
// region into dst, without consuming them. It returns the number of bytes
// copied, which is less than len(dst) if the allocated region doesn't
// extend that far.
func (r *Buffer) Peek(offset int, dst []byte) int {
	avail := r.Available()
	if offset < 0 || offset >= avail {
		return 0
	}
	n := len(dst)
	if max := avail - offset; n > max {
		n = max
	}
	r.copyOut((r.outptr+offset)%Size, dst[:n])
	return n
}

// Read copies the oldest available bytes into dst and drops them from the
// buffer, returning the number of bytes transferred.
func (r *Buffer) Read(dst []byte) int {
	n := r.Peek(0, dst)
	r.Drop(n)
	return n
}

// Drop discards the oldest n bytes of the allocated region (bounded by what
// is actually available) and returns how many were dropped.
func (r *Buffer) Drop(n int) int {
	avail := r.Available()
	if n > avail {
		n = avail
	}
	if n < 0 {
		n = 0
	}
	if n > 0 {
		r.outptr = (r.outptr + n) % Size
		r.full = false
	}
	return n
}

// Put overwrites bytes within the already-allocated region starting at
// offset, bounded to the currently allocated length. It returns the number
// of bytes written.
func (r *Buffer) Put(offset int, src []byte) int {
	avail := r.Available()
	if offset < 0 || offset >= avail {
		return 0
	}
	n := len(src)
	if max := avail - offset; n > max {
		n = max
	}
	r.copyIn((r.outptr+offset)%Size, src[:n])
	return n
}

// Allocate advances inptr by up to n bytes, bounded by free space, and
// returns how many bytes were actually allocated. The newly allocated
// region's contents are undefined until Put is called over it.
func (r *Buffer) Allocate(n int) int {
	free := r.Free()
	if n > free {
		n = free
	}
	if n < 0 {
		n = 0
	}
	if n > 0 {
		r.inptr = (r.inptr + n) % Size
		if r.inptr == r.outptr {
			r.full = true
		}
	}
	return n
}

// Write allocates space for src and copies it in, equivalent to
// Allocate(len(src)) followed by Put at the previous available length. It
// returns the number of bytes actually written, bounded by Free().
func (r *Buffer) Write(src []byte) int {
	oldAvail := r.Available()
	n := r.Allocate(len(src))
	return r.Put(oldAvail, src[:n])
}

// copyOut reads len(dst) bytes starting at the raw buffer index start,
// splitting the copy at the end of the backing array if it wraps.
func (r *Buffer) copyOut(start int, dst []byte) {
	n := len(dst)
	first := Size - start
	if first > n {
		first = n
	}
	copy(dst[:first], r.data[start:start+first])
	if first < n {
		copy(dst[first:], r.data[:n-first])
	}
}

// copyIn writes src into the raw buffer starting at index start, splitting
// the copy at the end of the backing array if it wraps.
func (r *Buffer) copyIn(start int, src []byte) {
	n := len(src)
	first := Size - start
	if first > n {
		first = n
	}
	copy(r.data[start:start+first], src[:first])
	if first < n {
		copy(r.data[:n-first], src[first:])
	}
}
