//  engine.go
//  RelativeProtocol Bridge
//
//  Copyright (c) 2025 Relative Companies, Inc.
//  Personal, non-commercial use only. Created by Will Kusch on 10/19/2025.
//
//  Wires a gVisor netstack to a host frame driver and exposes it to the
//  bridge channels, translating endpoint notifications into polled callbacks.

package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/relativecompanies/netbridge/bridge"
	"github.com/relativecompanies/netbridge/buffer"
	"github.com/relativecompanies/netbridge/log"
)

const (
	nicID tcpip.NICID = 1

	// vlanTagLen is the size of an 802.1Q tag.
	vlanTagLen = 4

	// runInterval bounds how long Run sleeps without a wake-up, so timers
	// such as DNS retries still fire on an idle link.
	runInterval = 50 * time.Millisecond
)

// servicer is anything with pending work the next Poll must perform.
type servicer interface {
	service()
}

var _ bridge.Stack = (*Engine)(nil)

// Engine is a userspace IPv4 stack attached to a host-provided Ethernet link.
// It implements bridge.Stack.
type Engine struct {
	cfg Config
	set *settings

	emitter FrameEmitter

	stack *stack.Stack
	link  *channel.Endpoint

	inbound chan []byte
	wakeCh  chan struct{}

	// pollMu serialises Poll; outMu serialises calls into the emitter.
	pollMu sync.Mutex
	outMu  sync.Mutex

	hookMu sync.RWMutex
	hook   func(chain *buffer.Chain)

	pendingMu sync.Mutex
	pending   map[servicer]struct{}
	batch     []servicer

	dns *dnsClient

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
	closed  atomic.Bool

	inDropLog  rate.Sometimes
	outDropLog rate.Sometimes
}

// NewEngine builds the stack described by cfg. Frames the stack transmits are
// handed to emitter. The engine is usable immediately by calling Poll; Start
// services it from a background goroutine instead.
func NewEngine(cfg *Config, emitter FrameEmitter) (*Engine, error) {
	if emitter == nil {
		return nil, errors.New("frame emitter is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	set, err := cfg.settings()
	if err != nil {
		return nil, err
	}
	if set.logLevel != "" {
		if err := log.SetLevel(set.logLevel); err != nil {
			return nil, fmt.Errorf("config: log-level %q: %w", set.logLevel, err)
		}
	}
	applyRuntimeLimits(set)

	e := &Engine{
		cfg:        *cfg,
		set:        set,
		emitter:    emitter,
		inbound:    make(chan []byte, set.queueSize),
		wakeCh:     make(chan struct{}, 1),
		pending:    make(map[servicer]struct{}),
		inDropLog:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
		outDropLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}

	e.stack = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	// The channel endpoint carries whole Ethernet frames; the wrapper strips
	// and adds the header, so the inner MTU includes it.
	e.link = channel.New(set.queueSize, uint32(set.mtu+header.EthernetMinimumSize), set.mac)
	e.link.AddNotify(e)

	if err := e.stack.CreateNIC(nicID, ethernet.New(e.link)); err != nil {
		e.destroy()
		return nil, fmt.Errorf("create nic: %s", err)
	}
	if err := e.configureAddress(); err != nil {
		e.destroy()
		return nil, err
	}

	e.dns = newDNSClient(e, set)
	log.Infof("[ENGINE] link %s mtu %d address %s", set.mac, set.mtu, set.prefix)
	return e, nil
}

func (e *Engine) configureAddress() error {
	if !e.set.prefix.IsValid() {
		return nil
	}
	protoAddr := tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   toAddress(e.set.prefix.Addr()),
			PrefixLen: e.set.prefix.Bits(),
		},
	}
	if err := e.stack.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		return fmt.Errorf("add address %s: %w", e.set.prefix, stackError(err))
	}

	routes := []tcpip.Route{{
		Destination: protoAddr.AddressWithPrefix.Subnet(),
		NIC:         nicID,
	}}
	if e.set.gateway.IsValid() {
		routes = append(routes, tcpip.Route{
			Destination: header.IPv4EmptySubnet,
			Gateway:     toAddress(e.set.gateway),
			NIC:         nicID,
		})
	}
	e.stack.SetRouteTable(routes)
	return nil
}

// MTU implements bridge.Stack.
func (e *Engine) MTU() int {
	return e.set.mtu
}

// MaxFrameLen implements bridge.FrameStack. It covers a full MTU payload
// behind an Ethernet header with one VLAN tag.
func (e *Engine) MaxFrameLen() int {
	return e.set.mtu + header.EthernetMinimumSize + vlanTagLen
}

// LinkAddress reports the interface hardware address.
func (e *Engine) LinkAddress() tcpip.LinkAddress {
	return e.set.mac
}

// Address reports the configured interface address, if any.
func (e *Engine) Address() netip.Addr {
	return e.set.prefix.Addr()
}

// Start services the stack from a background goroutine until Stop.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return bridge.ErrClosed
	}
	if e.running.Load() {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := e.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("[ENGINE] run: %v", err)
		}
	}(e.done)

	e.running.Store(true)
	return nil
}

// Stop ends background servicing. The stack stays usable through Poll.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running.Load() {
		e.mu.Unlock()
		return
	}
	e.running.Store(false)
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	cancel()
	<-done
}

// IsRunning reports whether background servicing is active.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Close stops the engine and releases every endpoint. The engine cannot be
// reused.
func (e *Engine) Close() {
	e.Stop()
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	bridge.ReleaseFrames(e)
	e.pollMu.Lock()
	defer e.pollMu.Unlock()
	e.destroy()
	for {
		select {
		case frame := <-e.inbound:
			_ = buffer.Put(frame)
		default:
			return
		}
	}
}

func (e *Engine) destroy() {
	e.stack.Close()
	e.stack.Wait()
	e.link.Close()
}

// Run services the stack until ctx is done. Each pass polls once and then
// waits for new inbound frames, outbound frames or the run interval.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(runInterval)
	defer ticker.Stop()
	for {
		e.Poll()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.wakeCh:
		case <-ticker.C:
		}
	}
}

// Poll performs one round of pending stack work: queued inbound frames are
// handed to the stack or the frame hook, endpoints with events deliver their
// callbacks, resolver timers fire and queued outbound frames are emitted.
func (e *Engine) Poll() {
	if e.closed.Load() {
		return
	}
	e.pollMu.Lock()
	defer e.pollMu.Unlock()

	e.drainInbound()
	e.servicePending()
	e.dns.expire()
	e.drainOutbound()
}

// WriteNotify is called by the link endpoint whenever the stack queues an
// outbound frame.
func (e *Engine) WriteNotify() {
	e.wake()
}

func (e *Engine) wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// markPending schedules s for the next Poll. It is called from endpoint
// notifications and must not touch the endpoint itself.
func (e *Engine) markPending(s servicer) {
	e.pendingMu.Lock()
	e.pending[s] = struct{}{}
	e.pendingMu.Unlock()
	e.wake()
}

func (e *Engine) forget(s servicer) {
	e.pendingMu.Lock()
	delete(e.pending, s)
	e.pendingMu.Unlock()
}

func (e *Engine) servicePending() {
	e.pendingMu.Lock()
	for s := range e.pending {
		e.batch = append(e.batch, s)
	}
	clear(e.pending)
	e.pendingMu.Unlock()

	for i, s := range e.batch {
		s.service()
		e.batch[i] = nil
	}
	e.batch = e.batch[:0]
}

// LookupHost implements bridge.Resolver.
func (e *Engine) LookupHost(name string, found bridge.FoundFunc) (netip.Addr, error) {
	if e.closed.Load() {
		return netip.Addr{}, bridge.ErrClosed
	}
	return e.dns.lookup(name, found)
}

// FlushDNSCache drops every cached name answer, positive or negative.
func (e *Engine) FlushDNSCache() {
	e.dns.flush()
}

// NewStream implements bridge.StreamStack.
func (e *Engine) NewStream() (bridge.StreamHandle, error) {
	if e.closed.Load() {
		return nil, bridge.ErrClosed
	}
	t := &tcpStream{engine: e}
	ep, err := e.stack.NewEndpoint(tcp.ProtocolNumber, ipv4.ProtocolNumber, &t.wq)
	if err != nil {
		return nil, bridge.NewOpError("new stream", "", stackError(err))
	}
	t.ep = ep
	t.entry = waiter.NewFunctionEntry(streamEvents, func(waiter.EventMask) {
		e.markPending(t)
	})
	t.wq.EventRegister(&t.entry)
	return t, nil
}

// NewDatagram implements bridge.DatagramStack.
func (e *Engine) NewDatagram() (bridge.DatagramHandle, error) {
	return e.newDatagram()
}

func (e *Engine) newDatagram() (*udpDatagram, error) {
	if e.closed.Load() {
		return nil, bridge.ErrClosed
	}
	d := &udpDatagram{engine: e}
	ep, err := e.stack.NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, &d.wq)
	if err != nil {
		return nil, bridge.NewOpError("new datagram", "", stackError(err))
	}
	ep.SocketOptions().SetBroadcast(true)
	d.ep = ep
	d.entry = waiter.NewFunctionEntry(datagramEvents, func(waiter.EventMask) {
		e.markPending(d)
	})
	d.wq.EventRegister(&d.entry)
	return d, nil
}

func toAddress(addr netip.Addr) tcpip.Address {
	return tcpip.AddrFrom4(addr.Unmap().As4())
}

func fromFullAddress(addr tcpip.FullAddress) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(addr.Addr.As4()), addr.Port)
}
