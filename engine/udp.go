//  udp.go
//  RelativeProtocol Bridge
//
//  Copyright (c) 2025 Relative Companies, Inc.
//  Personal, non-commercial use only. Created by Will Kusch on 10/19/2025.
//
//  Adapts a gVisor UDP endpoint to the bridge datagram contract.

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

const datagramEvents = waiter.ReadableEvents | waiter.EventErr | waiter.EventHUp

type udpDatagram struct {
	engine *Engine

	wq    waiter.Queue
	ep    tcpip.Endpoint
	entry waiter.Entry

	mu     sync.Mutex
	recv   bridge.DatagramReceiveFunc
	closed bool
}

// Bind binds to port. A multicast addr joins the group on the interface
// first; an invalid addr binds to any address.
func (d *udpDatagram) Bind(addr netip.Addr, port uint16) error {
	local := tcpip.FullAddress{Port: port}
	if addr.IsValid() {
		addr = addr.Unmap()
		if !addr.Is4() {
			return bridge.NewOpError("bind", addr.String(), bridge.ErrInvalidArgument)
		}
		local.Addr = toAddress(addr)
		if addr.IsMulticast() {
			join := tcpip.AddMembershipOption{NIC: nicID, MulticastAddr: local.Addr}
			if err := d.ep.SetSockOpt(&join); err != nil {
				return bridge.NewOpError("join", addr.String(), stackError(err))
			}
		}
	}
	if err := d.ep.Bind(local); err != nil {
		return bridge.NewOpError("bind", netip.AddrPortFrom(addr, port).String(), stackError(err))
	}
	return nil
}

func (d *udpDatagram) SetReceive(fn bridge.DatagramReceiveFunc) {
	d.mu.Lock()
	d.recv = fn
	d.mu.Unlock()
}

func (d *udpDatagram) receiver() bridge.DatagramReceiveFunc {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	return d.recv
}

func (d *udpDatagram) SendTo(p []byte, to netip.AddrPort) error {
	ip := to.Addr().Unmap()
	if !ip.Is4() {
		return bridge.NewOpError("send", to.String(), bridge.ErrInvalidArgument)
	}
	dst := tcpip.FullAddress{NIC: nicID, Addr: toAddress(ip), Port: to.Port()}
	if _, err := d.ep.Write(bytes.NewReader(p), tcpip.WriteOptions{To: &dst}); err != nil {
		return bridge.NewOpError("send", to.String(), stackError(err))
	}
	return nil
}

// service delivers every queued datagram, oldest first, from Poll.
func (d *udpDatagram) service() {
	for {
		var w buffer.ChainWriter
		res, err := d.ep.Read(&w, tcpip.ReadOptions{NeedRemoteAddr: true})
		switch err.(type) {
		case nil:
			recv := d.receiver()
			if recv == nil {
				w.Chain.Release()
				continue
			}
			recv(&w.Chain, fromFullAddress(res.RemoteAddr))
		case *tcpip.ErrWouldBlock:
			return
		case *tcpip.ErrClosedForReceive:
			if recv := d.receiver(); recv != nil {
				recv(nil, netip.AddrPort{})
			}
			return
		default:
			log.Debugf("[UDP] read: %s", err)
			return
		}
	}
}

func (d *udpDatagram) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.recv = nil
	d.mu.Unlock()

	d.wq.EventUnregister(&d.entry)
	d.engine.forget(d)
	d.ep.Close()
	return nil
}
