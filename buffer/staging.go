//  staging.go
//  RelativeProtocol Bridge
//
//  Copyright (c) 2025 Relative Companies, Inc.
//  Personal, non-commercial use only. Created by Will Kusch on 11/02/2025.
//
//  Copies the stack's fragmented buffer chains into one contiguous, channel
//  owned buffer and drains it through a read cursor.

package buffer

import (
	gvbuffer "gvisor.dev/gvisor/pkg/buffer"
)

// Chain is the stack's native representation of one received message: an
// ordered sequence of possibly non-contiguous segments.
type Chain = gvbuffer.Buffer

// NewChain builds a chain holding one segment per argument, copying each.
func NewChain(segments ...[]byte) *Chain {
	chain := &Chain{}
	for _, seg := range segments {
		if len(seg) == 0 {
			continue
		}
		_ = chain.Append(gvbuffer.NewViewWithData(seg))
	}
	return chain
}

// ChainWriter is an io.Writer that turns every Write call into one segment of
// Chain. The stack's read primitives write a message segment by segment.
type ChainWriter struct {
	Chain Chain
}

func (w *ChainWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.Chain.Append(gvbuffer.NewViewWithData(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Staging is a contiguous byte buffer governed by a read cursor. A cursor of
// -1 means no message is active; a cursor equal to the length means the
// active message has been fully consumed.
type Staging struct {
	buf []byte
	pos int
}

// NewStaging returns an empty Staging with size bytes of capacity reserved.
func NewStaging(size int) *Staging {
	s := &Staging{pos: -1}
	s.Reserve(size)
	return s
}

// Reserve grows the capacity to at least size without changing contents.
func (s *Staging) Reserve(size int) {
	if cap(s.buf) >= size {
		return
	}
	grown := make([]byte, len(s.buf), size)
	copy(grown, s.buf)
	s.buf = grown
}

// Cap reports the reserved capacity.
func (s *Staging) Cap() int {
	return cap(s.buf)
}

// Stage replaces the contents with every segment of chain, in order, and
// releases the chain. The cursor is reset to none; the message becomes
// readable after Rewind. It returns the staged length.
func (s *Staging) Stage(chain *Chain) int {
	s.buf = s.buf[:0]
	s.pos = -1
	if chain == nil {
		return 0
	}
	s.Reserve(int(chain.Size()))
	chain.Apply(func(v *gvbuffer.View) {
		s.buf = append(s.buf, v.AsSlice()...)
	})
	chain.Release()
	return len(s.buf)
}

// Append adds every segment of chain behind the unread bytes and releases
// the chain. Consumed bytes are discarded first so the buffer does not grow
// without bound on a long-lived stream. It returns the number of bytes added.
func (s *Staging) Append(chain *Chain) int {
	if chain == nil {
		return 0
	}
	s.compact()
	before := len(s.buf)
	chain.Apply(func(v *gvbuffer.View) {
		s.buf = append(s.buf, v.AsSlice()...)
	})
	chain.Release()
	return len(s.buf) - before
}

func (s *Staging) compact() {
	if s.pos <= 0 {
		if s.pos < 0 {
			s.buf = s.buf[:0]
			s.pos = 0
		}
		return
	}
	n := copy(s.buf, s.buf[s.pos:])
	s.buf = s.buf[:n]
	s.pos = 0
}

// Rewind makes the staged message readable from its first byte. An empty
// buffer is left with no active message and Rewind returns false.
func (s *Staging) Rewind() bool {
	if len(s.buf) == 0 {
		s.pos = -1
		return false
	}
	s.pos = 0
	return true
}

// Discard drops whatever is left of the active message.
func (s *Staging) Discard() {
	s.pos = -1
}

// Reset empties the buffer, keeping its capacity.
func (s *Staging) Reset() {
	s.buf = s.buf[:0]
	s.pos = -1
}

// Swap exchanges contents and cursors with other. Both reservations survive.
func (s *Staging) Swap(other *Staging) {
	s.buf, other.buf = other.buf, s.buf
	s.pos, other.pos = other.pos, s.pos
}

// Len reports the number of staged bytes, read or not.
func (s *Staging) Len() int {
	return len(s.buf)
}

// Available reports the number of unread bytes.
func (s *Staging) Available() int {
	if s.pos < 0 || s.pos >= len(s.buf) {
		return 0
	}
	return len(s.buf) - s.pos
}

// Drain copies up to len(dst) unread bytes into dst and advances the cursor.
func (s *Staging) Drain(dst []byte) int {
	if len(dst) == 0 || s.Available() == 0 {
		return 0
	}
	n := copy(dst, s.buf[s.pos:])
	s.pos += n
	return n
}

// NextByte returns the next unread byte and advances, or -1.
func (s *Staging) NextByte() int {
	if s.Available() == 0 {
		return -1
	}
	b := s.buf[s.pos]
	s.pos++
	return int(b)
}

// PeekByte returns the next unread byte without advancing, or -1.
func (s *Staging) PeekByte() int {
	if s.Available() == 0 {
		return -1
	}
	return int(s.buf[s.pos])
}

// Bytes returns the staged message. The slice aliases the buffer and is only
// valid until the next mutation.
func (s *Staging) Bytes() []byte {
	return s.buf
}
