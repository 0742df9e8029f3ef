//  frame.go
//  RelativeProtocol Bridge
//
//  Copyright (c) 2025 Relative Companies, Inc.
//  Personal, non-commercial use only. Created by Will Kusch on 10/24/2025.
//
//  Provides the raw link-layer channel: frames the stack does not consume are
//  staged in a single slot, and callers can build or inject whole frames.

package bridge

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relativecompanies/netbridge/buffer"
	"github.com/relativecompanies/netbridge/log"
)

const (
	// EtherTypeVLAN is the 802.1Q tag protocol identifier.
	EtherTypeVLAN uint16 = 0x8100

	macLen = 6
)

// FrameStack plus the service hook the frame channel needs.
type frameStack interface {
	FrameStack
	Poll()
}

// FrameChannel exchanges raw link-layer frames with the stack. There is one
// per stack, created on first use and dropped by ReleaseFrames.
type FrameChannel struct {
	stack frameStack

	inbound *slot
	frame   *buffer.Staging
	out     outbox

	dropLog rate.Sometimes
}

var (
	frameChannels   = make(map[frameStack]*FrameChannel)
	frameChannelsMu sync.Mutex
)

// Frames returns the frame channel for s, installing the stack's frame hook
// the first time it is called.
func Frames(s Stack) *FrameChannel {
	frameChannelsMu.Lock()
	defer frameChannelsMu.Unlock()

	if ch, exists := frameChannels[s]; exists {
		return ch
	}

	size := s.MaxFrameLen()
	ch := &FrameChannel{
		stack:   s,
		inbound: newSlot(size),
		frame:   buffer.NewStaging(size),
		dropLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	s.SetFrameHook(ch.onFrame)
	frameChannels[s] = ch
	return ch
}

// ReleaseFrames forgets the frame channel of s and removes its frame hook.
// Stacks call it when they shut down. A later Frames call starts a new
// channel.
func ReleaseFrames(s Stack) {
	frameChannelsMu.Lock()
	ch, exists := frameChannels[s]
	delete(frameChannels, s)
	frameChannelsMu.Unlock()
	if !exists {
		return
	}
	s.SetFrameHook(nil)
	ch.frame.Reset()
	ch.inbound.clear()
}

func (f *FrameChannel) onFrame(chain *buffer.Chain) {
	if chain == nil {
		return
	}
	if f.inbound.publish(chain, netip.AddrPort{}) {
		f.dropLog.Do(func() {
			log.Debugf("[ETH] unclaimed frame replaced (%d dropped)", f.inbound.dropped.Load())
		})
	}
}

// MaxFrameLen is the largest frame the stack transmits, without FCS.
func (f *FrameChannel) MaxFrameLen() int {
	return f.stack.MaxFrameLen()
}

// ParseFrame claims the latest unconsumed frame and returns its length, or 0.
// It services the stack once so a fast producer cannot starve other work.
func (f *FrameChannel) ParseFrame() int {
	_, ok := f.inbound.claim(f.frame)
	f.stack.Poll()
	if !ok {
		return 0
	}
	return f.frame.Len()
}

// Available reports the unread bytes of the claimed frame.
func (f *FrameChannel) Available() int {
	return f.frame.Available()
}

// Read copies unread bytes of the claimed frame into p.
func (f *FrameChannel) Read(p []byte) int {
	return f.frame.Drain(p)
}

// NextByte returns the next byte of the claimed frame, or -1.
func (f *FrameChannel) NextByte() int {
	return f.frame.NextByte()
}

// PeekByte returns the next byte without consuming it, or -1.
func (f *FrameChannel) PeekByte() int {
	return f.frame.PeekByte()
}

// Flush discards the rest of the claimed frame.
func (f *FrameChannel) Flush() {
	f.frame.Discard()
}

// Dropped reports how many frames were replaced before being claimed.
func (f *FrameChannel) Dropped() uint64 {
	return f.inbound.dropped.Load()
}

// BeginFrame starts building a frame from scratch.
func (f *FrameChannel) BeginFrame() {
	f.out.begin(f.stack.MaxFrameLen(), netip.AddrPort{})
}

// BeginEthernetFrame starts a frame and writes its Ethernet header.
func (f *FrameChannel) BeginEthernetFrame(dst, src net.HardwareAddr, typeOrLength uint16) {
	f.BeginFrame()
	f.writeMAC(dst)
	f.writeMAC(src)
	f.writeUint16(typeOrLength)
}

// BeginVLANFrame starts a frame with an 802.1Q tag carrying vlanInfo in front
// of the real type or length.
func (f *FrameChannel) BeginVLANFrame(dst, src net.HardwareAddr, vlanInfo, typeOrLength uint16) {
	f.BeginEthernetFrame(dst, src, EtherTypeVLAN)
	f.writeUint16(vlanInfo)
	f.writeUint16(typeOrLength)
}

// writeMAC writes exactly six bytes, zero padding a short address.
func (f *FrameChannel) writeMAC(addr net.HardwareAddr) {
	var mac [macLen]byte
	copy(mac[:], addr)
	f.Write(mac[:])
}

func (f *FrameChannel) writeUint16(v uint16) {
	f.PutByte(byte(v >> 8))
	f.PutByte(byte(v))
}

// Write appends p to the frame being built. A single call accepts at most
// MaxWriteSize bytes. Without BeginFrame it returns 0.
func (f *FrameChannel) Write(p []byte) int {
	return f.out.write(p)
}

// PutByte appends one byte to the frame being built.
func (f *FrameChannel) PutByte(b byte) int {
	return f.out.putByte(b)
}

// EndFrame transmits the frame being built and reports success.
func (f *FrameChannel) EndFrame() bool {
	frame, _, ok := f.out.finish()
	if !ok {
		return false
	}
	return f.Send(frame)
}

// Send transmits a complete, caller-built frame, bypassing the builder.
func (f *FrameChannel) Send(frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	if err := f.stack.OutputFrame(frame); err != nil {
		log.Debugf("[ETH] output frame: %v", err)
		return false
	}
	return true
}
