//  client.go
//  RelativeProtocol Bridge
//
//  Copyright (c) 2025 Relative Companies, Inc.
//  Personal, non-commercial use only. Created by Will Kusch on 10/19/2025.
//
//  Implements the connection-oriented channel: a stack control block driven
//  by callbacks, exposed as a pollable, buffered byte stream.

package bridge

import (
	"net/netip"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/relativecompanies/netbridge/buffer"
	"github.com/relativecompanies/netbridge/log"
)

// ClientState is the lifecycle of a Client.
type ClientState uint32

const (
	StateIdle ClientState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// inBufSize is the initial reservation for the inbound stream buffer.
const inBufSize = 2048

// Client is a connection-oriented channel. Reads never block: they drain bytes
// the receive callback has already staged. Writes are unbuffered and go
// straight to the stack.
//
// Consumer methods are meant to be called from one goroutine; the stack
// callbacks may run on any other.
type Client struct {
	stack Stack
	clock Clock

	lookup        hostLookup
	lookupTimeout time.Duration

	state atomic.Uint32

	// mu guards handle, remote and in. The receive callback appends under mu
	// so overlapping deliveries cannot interleave.
	mu     sync.Mutex
	handle StreamHandle
	remote netip.AddrPort
	in     *buffer.Staging
}

// NewClient returns an idle Client on s.
func NewClient(s Stack) *Client {
	return &Client{
		stack:         s,
		lookupTimeout: DefaultLookupTimeout,
		in:            buffer.NewStaging(inBufSize),
	}
}

// SetLookupTimeout bounds the name resolution done by ConnectHost.
func (c *Client) SetLookupTimeout(d time.Duration) {
	c.lookupTimeout = d
}

// State reports the current lifecycle state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// Connected reports whether the connection is established.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Connect starts connecting to ip:port and returns without waiting for the
// handshake; Connected turns true once the stack reports success. It returns
// false if no control block could be allocated or the attempt could not be
// started. Any previous connection is released first.
func (c *Client) Connect(ip netip.Addr, port uint16) bool {
	c.Stop()
	if !ip.IsValid() {
		return false
	}

	handle, err := c.stack.NewStream()
	if err != nil {
		log.Warnf("[TCP] allocate control block: %v", err)
		return false
	}

	addr := netip.AddrPortFrom(ip, port)
	c.mu.Lock()
	c.handle = handle
	c.remote = addr
	c.in.Reset()
	c.state.Store(uint32(StateConnecting))
	c.mu.Unlock()

	handle.SetCallbacks(StreamCallbacks{
		Connected: func() { c.onConnected(handle) },
		Error:     func(err error) { c.onError(handle, err) },
		Receive:   func(chain *buffer.Chain) { c.onReceive(handle, chain) },
	})

	if err := handle.Connect(addr); err != nil {
		log.Warnf("[TCP] connect %s: %v", addr, err)
		c.Stop()
		return false
	}
	log.Debugf("[TCP] connecting to %s", addr)
	return true
}

// ConnectHost resolves host and connects to the first address. A failed or
// timed out lookup leaves the Client without a connection attempt.
func (c *Client) ConnectHost(host string, port uint16) bool {
	ip, ok := c.lookup.resolve(c.stack, c.clock, host, c.lookupTimeout)
	if !ok {
		log.Debugf("[TCP] resolve %s failed", host)
		return false
	}
	return c.Connect(ip, port)
}

// current reports whether handle is still the control block this Client
// owns. Callbacks from a released block are ignored. Callers hold c.mu.
func (c *Client) current(handle StreamHandle) bool {
	return c.handle != nil && c.handle == handle
}

func (c *Client) onConnected(handle StreamHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(handle) {
		return
	}
	c.state.CompareAndSwap(uint32(StateConnecting), uint32(StateConnected))
	log.Debugf("[TCP] connected to %s", c.remote)
}

func (c *Client) onError(handle StreamHandle, err error) {
	c.mu.Lock()
	if !c.current(handle) {
		c.mu.Unlock()
		return
	}
	c.handle = nil
	c.state.Store(uint32(StateClosed))
	remote := c.remote
	c.mu.Unlock()

	log.Debugf("[TCP] %s: %v", remote, err)
	_ = handle.Close()
}

// onReceive stages arriving bytes. A nil chain means the peer closed; bytes
// already staged stay readable.
func (c *Client) onReceive(handle StreamHandle, chain *buffer.Chain) {
	c.mu.Lock()
	if !c.current(handle) {
		c.mu.Unlock()
		if chain != nil {
			chain.Release()
		}
		return
	}
	if chain != nil {
		c.in.Append(chain)
		c.mu.Unlock()
		return
	}
	c.handle = nil
	c.state.Store(uint32(StateClosed))
	remote := c.remote
	c.mu.Unlock()

	log.Debugf("[TCP] %s closed by peer", remote)
	_ = handle.Close()
}

// Available reports the number of staged, unread bytes.
func (c *Client) Available() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in.Available()
}

// Read copies staged bytes into p and returns the count, 0 if none.
func (c *Client) Read(p []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in.Drain(p)
}

// NextByte returns the next staged byte, or -1.
func (c *Client) NextByte() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in.NextByte()
}

// PeekByte returns the next staged byte without consuming it, or -1.
func (c *Client) PeekByte() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in.PeekByte()
}

func (c *Client) connectedHandle() StreamHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateConnected {
		return nil
	}
	return c.handle
}

// Write hands p to the stack and returns the number of bytes it accepted, 0
// when not connected.
func (c *Client) Write(p []byte) int {
	handle := c.connectedHandle()
	if handle == nil || len(p) == 0 {
		return 0
	}
	n, err := handle.Write(p)
	if err != nil {
		log.Debugf("[TCP] write: %v", err)
	}
	return n
}

// PutByte writes a single byte.
func (c *Client) PutByte(b byte) int {
	return c.Write([]byte{b})
}

// Flush asks the stack to transmit queued output.
func (c *Client) Flush() {
	handle := c.connectedHandle()
	if handle == nil {
		return
	}
	if err := handle.Output(); err != nil {
		log.Debugf("[TCP] output: %v", err)
	}
}

// RemoteIP reports the address of the last connection attempt.
func (c *Client) RemoteIP() netip.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote.Addr()
}

// RemotePort reports the port of the last connection attempt.
func (c *Client) RemotePort() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote.Port()
}

// Stop releases the control block and leaves the Client closed, discarding
// unread input. It is safe on a Client that never connected and idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	handle := c.handle
	c.handle = nil
	c.in.Reset()
	c.state.Store(uint32(StateClosed))
	c.mu.Unlock()

	if handle == nil {
		return
	}
	if err := handle.Close(); err != nil {
		log.Debugf("[TCP] close: %v", err)
	}
}
