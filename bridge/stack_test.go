package bridge

import (
	"net/netip"
	"sync"
	"time"

	"github.com/relativecompanies/netbridge/buffer"
)

// fakeStack records everything the channels hand to it and lets tests fire
// the callbacks a real stack would deliver.
type fakeStack struct {
	mtu         int
	maxFrameLen int

	streamErr   error
	datagramErr error
	bindErr     error // handed to every new datagram block

	streams   []*fakeStream
	datagrams []*fakeDatagram

	frameHook func(chain *buffer.Chain)
	frames    [][]byte
	frameErr  error

	polls int
	onPoll func()

	// lookups maps names to cached answers; pending names answer ErrInProgress.
	lookups   map[string]netip.Addr
	lookupErr error
	pending   map[string]FoundFunc
}

func newFakeStack() *fakeStack {
	return &fakeStack{
		mtu:         1500,
		maxFrameLen: 1518,
		lookups:     make(map[string]netip.Addr),
		pending:     make(map[string]FoundFunc),
	}
}

func (s *fakeStack) NewStream() (StreamHandle, error) {
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	st := &fakeStream{}
	s.streams = append(s.streams, st)
	return st, nil
}

func (s *fakeStack) NewDatagram() (DatagramHandle, error) {
	if s.datagramErr != nil {
		return nil, s.datagramErr
	}
	d := &fakeDatagram{bindErr: s.bindErr}
	s.datagrams = append(s.datagrams, d)
	return d, nil
}

func (s *fakeStack) SetFrameHook(fn func(chain *buffer.Chain)) {
	s.frameHook = fn
}

func (s *fakeStack) OutputFrame(frame []byte) error {
	if s.frameErr != nil {
		return s.frameErr
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return nil
}

func (s *fakeStack) MaxFrameLen() int { return s.maxFrameLen }

func (s *fakeStack) LookupHost(name string, found FoundFunc) (netip.Addr, error) {
	if s.lookupErr != nil {
		return netip.Addr{}, s.lookupErr
	}
	if addr, ok := s.lookups[name]; ok {
		return addr, nil
	}
	s.pending[name] = found
	return netip.Addr{}, ErrInProgress
}

// answer completes a pending lookup the way the stack's resolver would.
func (s *fakeStack) answer(name string, addr netip.Addr) {
	if found := s.pending[name]; found != nil {
		delete(s.pending, name)
		found(name, addr)
	}
}

func (s *fakeStack) Poll() {
	s.polls++
	if s.onPoll != nil {
		s.onPoll()
	}
}

func (s *fakeStack) MTU() int { return s.mtu }

func (s *fakeStack) lastStream() *fakeStream {
	if len(s.streams) == 0 {
		return nil
	}
	return s.streams[len(s.streams)-1]
}

func (s *fakeStack) lastDatagram() *fakeDatagram {
	if len(s.datagrams) == 0 {
		return nil
	}
	return s.datagrams[len(s.datagrams)-1]
}

type fakeStream struct {
	mu         sync.Mutex
	cb         StreamCallbacks
	connectTo  netip.AddrPort
	connectErr error
	written    []byte
	accept     int // bytes accepted per Write, 0 means all
	outputs    int
	closes     int
}

func (s *fakeStream) SetCallbacks(cb StreamCallbacks) { s.cb = cb }

func (s *fakeStream) Connect(addr netip.AddrPort) error {
	s.connectTo = addr
	return s.connectErr
}

func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(p)
	if s.accept > 0 && n > s.accept {
		n = s.accept
	}
	s.written = append(s.written, p[:n]...)
	return n, nil
}

func (s *fakeStream) Output() error {
	s.outputs++
	return nil
}

func (s *fakeStream) Close() error {
	s.closes++
	return nil
}

type sentDatagram struct {
	payload []byte
	to      netip.AddrPort
}

type fakeDatagram struct {
	bindAddr netip.Addr
	bindPort uint16
	bindErr  error
	bound    bool
	recv     DatagramReceiveFunc
	sent     []sentDatagram
	sendErr  error
	closes   int
}

func (d *fakeDatagram) Bind(addr netip.Addr, port uint16) error {
	if d.bindErr != nil {
		return d.bindErr
	}
	d.bindAddr = addr
	d.bindPort = port
	d.bound = true
	return nil
}

func (d *fakeDatagram) SetReceive(fn DatagramReceiveFunc) { d.recv = fn }

func (d *fakeDatagram) SendTo(p []byte, to netip.AddrPort) error {
	if d.sendErr != nil {
		return d.sendErr
	}
	d.sent = append(d.sent, sentDatagram{payload: append([]byte(nil), p...), to: to})
	return nil
}

func (d *fakeDatagram) Close() error {
	d.closes++
	return nil
}

// deliver fires the receive callback as the stack would on arrival.
func (d *fakeDatagram) deliver(payload []byte, from string) {
	d.recv(buffer.NewChain(payload), netip.MustParseAddrPort(from))
}

// fakeClock advances only when Sleep is called.
type fakeClock struct {
	now    time.Time
	sleeps int
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps++
	c.now = c.now.Add(d)
}
