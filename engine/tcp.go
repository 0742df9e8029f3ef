//  tcp.go
//  RelativeProtocol Bridge
//
//  Copyright (c) 2025 Relative Companies, Inc.
//  Personal, non-commercial use only. Created by Will Kusch on 10/19/2025.
//
//  Adapts a gVisor TCP endpoint to the bridge stream contract, reporting the
//  handshake outcome and received data through callbacks run from Poll.

package engine

import (
	"bytes"
	"net/netip"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/relativecompanies/netbridge/bridge"
	"github.com/relativecompanies/netbridge/buffer"
	"github.com/relativecompanies/netbridge/log"
)

const streamEvents = waiter.ReadableEvents | waiter.WritableEvents | waiter.EventErr | waiter.EventHUp

type streamState int

const (
	streamIdle streamState = iota
	streamConnecting
	streamConnected
	streamClosed
)

type tcpStream struct {
	engine *Engine

	wq    waiter.Queue
	ep    tcpip.Endpoint
	entry waiter.Entry

	mu       sync.Mutex
	cb       bridge.StreamCallbacks
	state    streamState
	released bool
}

func (t *tcpStream) SetCallbacks(cb bridge.StreamCallbacks) {
	t.mu.Lock()
	t.cb = cb
	t.mu.Unlock()
}

func (t *tcpStream) snapshot() (streamState, bridge.StreamCallbacks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.cb
}

func (t *tcpStream) transition(from, to streamState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != from {
		return false
	}
	t.state = to
	return true
}

func (t *tcpStream) Connect(addr netip.AddrPort) error {
	ip := addr.Addr().Unmap()
	if !ip.Is4() {
		return bridge.NewOpError("connect", addr.String(), bridge.ErrInvalidArgument)
	}
	if !t.transition(streamIdle, streamConnecting) {
		return bridge.NewOpError("connect", addr.String(), bridge.ErrInProgress)
	}

	err := t.ep.Connect(tcpip.FullAddress{NIC: nicID, Addr: toAddress(ip), Port: addr.Port()})
	switch err.(type) {
	case nil, *tcpip.ErrConnectStarted:
		t.engine.markPending(t)
		return nil
	default:
		t.transition(streamConnecting, streamClosed)
		return bridge.NewOpError("connect", addr.String(), stackError(err))
	}
}

// service runs from Poll after the endpoint signalled an event.
func (t *tcpStream) service() {
	state, cb := t.snapshot()
	if state == streamConnecting {
		if !t.serviceConnect(cb) {
			return
		}
		state = streamConnected
	}
	if state == streamConnected {
		t.serviceRead(cb)
	}
}

// serviceConnect reports the handshake outcome once it is known and returns
// whether the stream is now connected.
func (t *tcpStream) serviceConnect(cb bridge.StreamCallbacks) bool {
	if err := t.ep.LastError(); err != nil {
		t.fail(cb, stackError(err))
		return false
	}
	if t.ep.Readiness(streamEvents) == 0 {
		return false
	}
	if _, err := t.ep.GetRemoteAddress(); err != nil {
		t.fail(cb, bridge.ErrConnectionRefused)
		return false
	}
	if !t.transition(streamConnecting, streamConnected) {
		return false
	}
	if cb.Connected != nil {
		cb.Connected()
	}
	return true
}

func (t *tcpStream) serviceRead(cb bridge.StreamCallbacks) {
	for {
		var w buffer.ChainWriter
		_, err := t.ep.Read(&w, tcpip.ReadOptions{})
		switch err.(type) {
		case nil:
			if w.Chain.Size() == 0 {
				w.Chain.Release()
				return
			}
			if cb.Receive == nil {
				w.Chain.Release()
				continue
			}
			cb.Receive(&w.Chain)
		case *tcpip.ErrWouldBlock:
			return
		case *tcpip.ErrClosedForReceive:
			if t.transition(streamConnected, streamClosed) && cb.Receive != nil {
				cb.Receive(nil)
			}
			return
		default:
			t.fail(cb, stackError(err))
			return
		}
	}
}

func (t *tcpStream) fail(cb bridge.StreamCallbacks, err error) {
	t.mu.Lock()
	if t.state == streamClosed {
		t.mu.Unlock()
		return
	}
	t.state = streamClosed
	t.mu.Unlock()
	if cb.Error != nil {
		cb.Error(err)
	}
}

func (t *tcpStream) Write(p []byte) (int, error) {
	if state, _ := t.snapshot(); state != streamConnected {
		return 0, bridge.ErrNotConnected
	}
	n, err := t.ep.Write(bytes.NewReader(p), tcpip.WriteOptions{})
	switch err.(type) {
	case nil:
		return int(n), nil
	case *tcpip.ErrWouldBlock:
		return 0, nil
	default:
		return int(n), stackError(err)
	}
}

// Output emits whatever the stack has queued for transmission.
func (t *tcpStream) Output() error {
	if t.engine.closed.Load() {
		return bridge.ErrClosed
	}
	t.engine.drainOutbound()
	return nil
}

func (t *tcpStream) Close() error {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return nil
	}
	t.released = true
	t.state = streamClosed
	t.cb = bridge.StreamCallbacks{}
	t.mu.Unlock()

	t.wq.EventUnregister(&t.entry)
	t.engine.forget(t)
	t.ep.Close()
	log.Debugf("[TCP] control block released")
	return nil
}
