//  link.go
//  RelativeProtocol Bridge
//
//  Copyright (c) 2025 Relative Companies, Inc.
//  Personal, non-commercial use only. Created by Will Kusch on 10/19/2025.
//
//  Provides the frame conduit between the host driver and the stack: inbound
//  frames are queued until Poll, outbound frames are drained to the emitter.

package engine

import (
	gvbuffer "gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/relativecompanies/netbridge/bridge"
	"github.com/relativecompanies/netbridge/buffer"
	"github.com/relativecompanies/netbridge/log"
)

// FrameEmitter transmits frames produced by the stack on the host link. The
// frame is only valid for the duration of the call.
type FrameEmitter interface {
	EmitFrame(frame []byte) error
}

// FrameEmitterFunc adapts a function to FrameEmitter.
type FrameEmitterFunc func(frame []byte) error

func (f FrameEmitterFunc) EmitFrame(frame []byte) error {
	return f(frame)
}

// InputFrame queues a frame received by the host driver. It is copied, so
// the caller may reuse frame immediately. The frame is processed by the next
// Poll.
func (e *Engine) InputFrame(frame []byte) error {
	if e.closed.Load() {
		return bridge.ErrClosed
	}
	if len(frame) < header.EthernetMinimumSize || len(frame) > e.MaxFrameLen() {
		return bridge.NewOpError("input frame", "", bridge.ErrInvalidArgument)
	}

	buf := buffer.Get(len(frame))
	copy(buf, frame)
	select {
	case e.inbound <- buf:
		e.wake()
		return nil
	default:
		_ = buffer.Put(buf)
		e.inDropLog.Do(func() {
			log.Warnf("[ETH] inbound queue full, dropping frames")
		})
		return bridge.NewOpError("input frame", "", bridge.ErrNoMemory)
	}
}

// drainInbound hands at most one queue's worth of frames to the stack so a
// fast driver cannot starve the rest of Poll.
func (e *Engine) drainInbound() {
	for i := 0; i < cap(e.inbound); i++ {
		select {
		case frame := <-e.inbound:
			e.deliverFrame(frame)
			_ = buffer.Put(frame)
		default:
			return
		}
	}
}

// deliverFrame injects ARP and IPv4 into the stack. Every other ethertype,
// tagged frames included, goes to the frame hook.
func (e *Engine) deliverFrame(frame []byte) {
	switch proto := header.Ethernet(frame).Type(); proto {
	case ipv4.ProtocolNumber, arp.ProtocolNumber:
		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: gvbuffer.MakeWithData(frame),
		})
		e.link.InjectInbound(proto, pkt)
		pkt.DecRef()
	default:
		e.hookMu.RLock()
		hook := e.hook
		e.hookMu.RUnlock()
		if hook != nil {
			hook(buffer.NewChain(frame))
		}
	}
}

// SetFrameHook implements bridge.FrameStack.
func (e *Engine) SetFrameHook(fn func(chain *buffer.Chain)) {
	e.hookMu.Lock()
	e.hook = fn
	e.hookMu.Unlock()
}

// OutputFrame implements bridge.FrameStack. The frame bypasses the stack.
func (e *Engine) OutputFrame(frame []byte) error {
	if e.closed.Load() {
		return bridge.ErrClosed
	}
	if len(frame) == 0 || len(frame) > e.MaxFrameLen() {
		return bridge.NewOpError("output frame", "", bridge.ErrInvalidArgument)
	}
	e.outMu.Lock()
	defer e.outMu.Unlock()
	if err := e.emitter.EmitFrame(frame); err != nil {
		return bridge.NewOpError("output frame", "", err)
	}
	return nil
}

// drainOutbound emits every frame the stack has queued.
func (e *Engine) drainOutbound() {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	for {
		pkt := e.link.Read()
		if pkt == nil {
			return
		}
		view := pkt.ToView()
		if err := e.emitter.EmitFrame(view.AsSlice()); err != nil {
			e.outDropLog.Do(func() {
				log.Warnf("[ETH] emit frame: %v", err)
			})
		}
		view.Release()
		pkt.DecRef()
	}
}
