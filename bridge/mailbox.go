package bridge

import (
	"net/netip"
	"sync"

	"go.uber.org/atomic"

	"github.com/relativecompanies/netbridge/buffer"
)

// slot is the single-message mailbox between a stack callback (producer) and
// the channel's parse call (consumer). It holds no backlog: a new arrival
// replaces an unclaimed one.
//
// ready is stored after the message is in place and loaded before a claim
// takes the lock, so an empty poll never contends with the producer.
type slot struct {
	mu     sync.Mutex
	staged *buffer.Staging
	from   netip.AddrPort

	ready   atomic.Bool
	dropped atomic.Uint64
}

func newSlot(size int) *slot {
	return &slot{staged: buffer.NewStaging(size)}
}

func (s *slot) reserve(size int) {
	s.mu.Lock()
	s.staged.Reserve(size)
	s.mu.Unlock()
}

// clear discards any unclaimed message.
func (s *slot) clear() {
	s.mu.Lock()
	s.staged.Reset()
	s.ready.Store(false)
	s.mu.Unlock()
}

// publish stages chain as the latest message and reports whether an
// unclaimed message was overwritten.
func (s *slot) publish(chain *buffer.Chain, from netip.AddrPort) bool {
	s.mu.Lock()
	overwrote := s.ready.Load()
	n := s.staged.Stage(chain)
	s.from = from
	s.ready.Store(n > 0)
	s.mu.Unlock()
	if overwrote {
		s.dropped.Inc()
	}
	return overwrote
}

// claim moves the staged message into dst, rewound for reading, and clears
// the slot. With nothing staged dst is emptied and claim reports false.
func (s *slot) claim(dst *buffer.Staging) (netip.AddrPort, bool) {
	if !s.ready.Load() {
		dst.Reset()
		return netip.AddrPort{}, false
	}
	s.mu.Lock()
	dst.Swap(s.staged)
	s.staged.Reset()
	from := s.from
	s.ready.Store(false)
	s.mu.Unlock()
	return from, dst.Rewind()
}

// outbox stages one outbound packet or frame between its begin and end calls.
type outbox struct {
	building bool
	buf      []byte
	to       netip.AddrPort
}

func (o *outbox) begin(size int, to netip.AddrPort) {
	if cap(o.buf) < size {
		o.buf = make([]byte, 0, size)
	}
	o.buf = o.buf[:0]
	o.to = to
	o.building = true
}

func (o *outbox) write(p []byte) int {
	if !o.building || len(p) == 0 {
		return 0
	}
	if len(p) > MaxWriteSize {
		p = p[:MaxWriteSize]
	}
	o.buf = append(o.buf, p...)
	return len(p)
}

func (o *outbox) putByte(b byte) int {
	if !o.building {
		return 0
	}
	o.buf = append(o.buf, b)
	return 1
}

// finish closes staging and returns the staged bytes. The slice stays valid
// until the next begin.
func (o *outbox) finish() ([]byte, netip.AddrPort, bool) {
	if !o.building {
		return nil, netip.AddrPort{}, false
	}
	o.building = false
	return o.buf, o.to, true
}
