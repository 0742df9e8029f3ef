//  udp.go
//  RelativeProtocol Bridge
//
//  Copyright (c) 2025 Relative Companies, Inc.
//  Personal, non-commercial use only. Created by Will Kusch on 10/19/2025.
//
//  Implements the connectionless channel: a single-slot inbound mailbox fed
//  by the stack's receive callback and an outbound packet builder.

package bridge

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relativecompanies/netbridge/buffer"
	"github.com/relativecompanies/netbridge/log"
)

// UDP is a datagram channel. Inbound traffic is latest-wins: the channel keeps
// at most one unclaimed datagram and a newer arrival replaces it.
//
// Consumer methods are meant to be called from one goroutine; the receive
// callback may run on any other.
type UDP struct {
	stack Stack
	clock Clock

	lookup        hostLookup
	lookupTimeout time.Duration

	// mu guards handle.
	mu     sync.Mutex
	handle DatagramHandle

	maxSize int
	inbound *slot
	packet  *buffer.Staging
	remote  netip.AddrPort
	out     outbox

	dropLog rate.Sometimes
}

// NewUDP returns an unbound UDP channel on s.
func NewUDP(s Stack) *UDP {
	maxSize := s.MTU() - udpIPv4Overhead
	if maxSize <= 0 {
		maxSize = MaxWriteSize
	}
	return &UDP{
		stack:         s,
		lookupTimeout: DefaultLookupTimeout,
		maxSize:       maxSize,
		inbound:       newSlot(0),
		packet:        buffer.NewStaging(0),
		dropLog:       rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// SetLookupTimeout bounds the name resolution done by BeginPacketHost.
func (u *UDP) SetLookupTimeout(d time.Duration) {
	u.lookupTimeout = d
}

// MaxPacketSize is the largest payload that fits one link frame unfragmented.
func (u *UDP) MaxPacketSize() int {
	return u.maxSize
}

// ensureHandle allocates the control block on first use.
func (u *UDP) ensureHandle() DatagramHandle {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.handle != nil {
		return u.handle
	}
	handle, err := u.stack.NewDatagram()
	if err != nil {
		log.Warnf("[UDP] allocate control block: %v", err)
		return nil
	}
	u.handle = handle
	return handle
}

// Begin binds to localPort on any address. It reports false if the control
// block cannot be allocated or bound.
func (u *UDP) Begin(localPort uint16) bool {
	return u.bind(netip.Addr{}, localPort)
}

// BeginMulticast binds to localPort and joins group, which must be an IPv4
// multicast address.
func (u *UDP) BeginMulticast(group netip.Addr, localPort uint16) bool {
	if !group.Is4() || !group.IsMulticast() {
		log.Debugf("[UDP] %s is not a multicast group", group)
		return false
	}
	return u.bind(group, localPort)
}

// bind always starts from a new control block. A block the channel already
// holds, bound by an earlier Begin or implicitly by a send, is released
// first so its port is free again. On failure the channel is left stopped.
func (u *UDP) bind(addr netip.Addr, port uint16) bool {
	u.Stop()
	handle := u.ensureHandle()
	if handle == nil {
		return false
	}
	if err := handle.Bind(addr, port); err != nil {
		log.Warnf("[UDP] bind %s:%d: %v", addr, port, err)
		u.release(handle)
		return false
	}

	u.inbound.reserve(u.maxSize)
	u.packet.Reserve(u.maxSize)
	handle.SetReceive(func(chain *buffer.Chain, from netip.AddrPort) {
		u.onReceive(handle, chain, from)
	})
	log.Debugf("[UDP] bound to port %d", port)
	return true
}

func (u *UDP) release(handle DatagramHandle) {
	u.mu.Lock()
	if u.handle == handle {
		u.handle = nil
	}
	u.mu.Unlock()
	if err := handle.Close(); err != nil {
		log.Debugf("[UDP] close: %v", err)
	}
}

func (u *UDP) onReceive(handle DatagramHandle, chain *buffer.Chain, from netip.AddrPort) {
	u.mu.Lock()
	current := u.handle == handle
	u.mu.Unlock()
	if !current {
		if chain != nil {
			chain.Release()
		}
		return
	}
	if chain == nil {
		u.Stop()
		return
	}
	if u.inbound.publish(chain, from) {
		u.dropLog.Do(func() {
			log.Debugf("[UDP] unclaimed datagram replaced (%d dropped)", u.inbound.dropped.Load())
		})
	}
}

// Stop releases the control block. It is safe to call at any time.
func (u *UDP) Stop() {
	u.mu.Lock()
	handle := u.handle
	u.handle = nil
	u.mu.Unlock()
	if handle == nil {
		return
	}
	if err := handle.Close(); err != nil {
		log.Debugf("[UDP] close: %v", err)
	}
}

func (u *UDP) bound() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.handle != nil
}

// ParsePacket claims the latest datagram for reading and returns its length,
// or 0 if none has arrived since the last claim.
func (u *UDP) ParsePacket() int {
	if !u.bound() {
		u.packet.Reset()
		return 0
	}
	from, ok := u.inbound.claim(u.packet)
	if !ok {
		return 0
	}
	u.remote = from
	return u.packet.Len()
}

// Available reports the unread bytes of the claimed datagram.
func (u *UDP) Available() int {
	return u.packet.Available()
}

// Read copies unread bytes of the claimed datagram into p.
func (u *UDP) Read(p []byte) int {
	return u.packet.Drain(p)
}

// NextByte returns the next byte of the claimed datagram, or -1.
func (u *UDP) NextByte() int {
	return u.packet.NextByte()
}

// PeekByte returns the next byte without consuming it, or -1.
func (u *UDP) PeekByte() int {
	return u.packet.PeekByte()
}

// Flush discards the rest of the claimed datagram.
func (u *UDP) Flush() {
	u.packet.Discard()
}

// RemoteIP reports the sender of the most recently claimed datagram.
func (u *UDP) RemoteIP() netip.Addr {
	return u.remote.Addr()
}

// RemotePort reports the sender port of the most recently claimed datagram.
func (u *UDP) RemotePort() uint16 {
	return u.remote.Port()
}

// Dropped reports how many datagrams were replaced before being claimed.
func (u *UDP) Dropped() uint64 {
	return u.inbound.dropped.Load()
}

// BeginPacket starts building a datagram for ip:port, allocating a control
// block if the channel has none.
func (u *UDP) BeginPacket(ip netip.Addr, port uint16) bool {
	if !ip.IsValid() {
		return false
	}
	if u.ensureHandle() == nil {
		return false
	}
	u.out.begin(u.maxSize, netip.AddrPortFrom(ip, port))
	return true
}

// BeginPacketHost resolves host and starts building a datagram for it. It
// fails if the lookup fails or times out.
func (u *UDP) BeginPacketHost(host string, port uint16) bool {
	ip, ok := u.lookup.resolve(u.stack, u.clock, host, u.lookupTimeout)
	if !ok {
		log.Debugf("[UDP] resolve %s failed", host)
		return false
	}
	return u.BeginPacket(ip, port)
}

// Write appends p to the datagram being built. A single call accepts at most
// MaxWriteSize bytes. Without BeginPacket it returns 0.
func (u *UDP) Write(p []byte) int {
	return u.out.write(p)
}

// PutByte appends one byte to the datagram being built.
func (u *UDP) PutByte(b byte) int {
	return u.out.putByte(b)
}

// EndPacket sends the datagram being built and reports whether the stack
// accepted it. Without BeginPacket it returns false.
func (u *UDP) EndPacket() bool {
	payload, to, ok := u.out.finish()
	if !ok {
		return false
	}
	u.mu.Lock()
	handle := u.handle
	u.mu.Unlock()
	if handle == nil {
		return false
	}
	if err := handle.SendTo(payload, to); err != nil {
		log.Debugf("[UDP] send to %s: %v", to, err)
		return false
	}
	return true
}
