// Package buffer provides the staging discipline shared by every channel: a
// pool of []byte for transient copies and Staging, a capacity-reserved
// contiguous buffer fed from the stack's buffer chains.
package buffer

import (
	"errors"
	"sync"
)

const (
	// MaxSegmentSize is the largest possible UDP datagram size and the cap
	// applied to a single write into an outbound packet or frame.
	MaxSegmentSize = (1 << 16) - 1

	// defaultBufferSize covers a full Ethernet frame with a VLAN tag.
	defaultBufferSize = 2048
)

var errInvalidBuffer = errors.New("buffer: invalid buffer returned to pool")

var _pool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, defaultBufferSize)
		return &b
	},
}

// Get returns a []byte of length size, served from the pool when a pooled
// slice is large enough.
func Get(size int) []byte {
	if size < 0 {
		return nil
	}
	bp := _pool.Get().(*[]byte)
	if cap(*bp) < size {
		_pool.Put(bp)
		return make([]byte, size)
	}
	return (*bp)[:size]
}

// Put returns buf to the pool. Slices larger than MaxSegmentSize+1 are left
// to the garbage collector.
func Put(buf []byte) error {
	if buf == nil {
		return errInvalidBuffer
	}
	if cap(buf) > MaxSegmentSize+1 {
		return nil
	}
	buf = buf[:0]
	_pool.Put(&buf)
	return nil
}
