//  config.go
//  RelativeProtocol Bridge
//
//  Copyright (c) 2025 Relative Companies, Inc.
//  Personal, non-commercial use only. Created by Will Kusch on 10/19/2025.
//
//  Defines the interface surface the channels consume from the underlying
//  network stack, plus the limits shared by every channel.

package bridge

import (
	"net/netip"
	"time"

	"github.com/relativecompanies/netbridge/buffer"
)

const (
	// MaxWriteSize caps a single Write into an outbound packet or frame.
	// Excess bytes are silently dropped.
	MaxWriteSize = buffer.MaxSegmentSize

	// DefaultLookupTimeout bounds the wait for an asynchronous name lookup.
	DefaultLookupTimeout = 2000 * time.Millisecond

	// LookupPollInterval is the sleep between stack service calls while a
	// name lookup is pending.
	LookupPollInterval = 10 * time.Millisecond

	// udpIPv4Overhead is the UDP header plus a minimal IPv4 header.
	udpIPv4Overhead = 8 + 20
)

// Stack is the network stack as seen by the channels. Implementations deliver
// callbacks from whatever context they like; the channels synchronise the
// hand-off themselves.
type Stack interface {
	StreamStack
	DatagramStack
	FrameStack
	Resolver

	// Poll services pending stack work: queued inbound traffic, deferred
	// callbacks and outbound transmission. Wait loops call it so progress
	// does not depend on a dedicated scheduler goroutine.
	Poll()

	// MTU is the link MTU. Datagram staging is sized from it.
	MTU() int
}

// StreamStack allocates connection control blocks.
type StreamStack interface {
	NewStream() (StreamHandle, error)
}

// StreamCallbacks are registered on a stream control block. Receive is called
// with a nil chain when the remote end has closed the connection.
type StreamCallbacks struct {
	Connected func()
	Error     func(err error)
	Receive   func(chain *buffer.Chain)
}

// StreamHandle is an opaque, stack-owned connection control block.
type StreamHandle interface {
	// SetCallbacks registers the event targets. It must be called before
	// Connect.
	SetCallbacks(cb StreamCallbacks)
	// Connect starts a non-blocking connection attempt. Completion is
	// reported through the Connected or Error callback.
	Connect(addr netip.AddrPort) error
	// Write hands p to the stack and reports how many bytes it accepted.
	Write(p []byte) (int, error)
	// Output pushes any queued segments onto the wire.
	Output() error
	// Close releases the control block. It is safe to call more than once.
	Close() error
}

// DatagramStack allocates datagram control blocks.
type DatagramStack interface {
	NewDatagram() (DatagramHandle, error)
}

// DatagramReceiveFunc receives one datagram and its sender. A nil chain
// signals that the endpoint has been shut down by the stack.
type DatagramReceiveFunc func(chain *buffer.Chain, from netip.AddrPort)

// DatagramHandle is an opaque, stack-owned datagram control block.
type DatagramHandle interface {
	// Bind binds to port on addr. An invalid addr binds to any address; a
	// multicast addr joins that group.
	Bind(addr netip.Addr, port uint16) error
	SetReceive(fn DatagramReceiveFunc)
	// SendTo transmits p as a single datagram. p is only valid for the
	// duration of the call.
	SendTo(p []byte, to netip.AddrPort) error
	Close() error
}

// FrameStack is the link-layer side of the stack.
type FrameStack interface {
	// SetFrameHook installs the receiver for frames the stack does not
	// consume itself. There is at most one hook per stack.
	SetFrameHook(fn func(chain *buffer.Chain))
	// OutputFrame transmits a complete link-layer frame. frame is only valid
	// for the duration of the call.
	OutputFrame(frame []byte) error
	// MaxFrameLen is the largest frame OutputFrame accepts, without FCS.
	MaxFrameLen() int
}

// FoundFunc receives the outcome of an asynchronous lookup. An invalid addr
// means the lookup failed.
type FoundFunc func(name string, addr netip.Addr)

// Resolver is the stack's name resolver.
type Resolver interface {
	// LookupHost returns the address immediately when it is already known.
	// It returns ErrInProgress when the answer will arrive through found,
	// and any other error when the lookup cannot be started.
	LookupHost(name string, found FoundFunc) (netip.Addr, error)
}
