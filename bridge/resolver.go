//  resolver.go
//  RelativeProtocol Bridge
//
//  Copyright (c) 2025 Relative Companies, Inc.
//  Personal, non-commercial use only. Created by Will Kusch on 10/28/2025.
//
//  Turns the stack's callback-driven resolver into a bounded blocking call
//  that keeps servicing the stack while it waits.

package bridge

import (
	"errors"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/relativecompanies/netbridge/log"
)

// hostLookup tracks the single lookup a channel may have in flight.
type hostLookup struct {
	mu   sync.Mutex
	host string
	addr netip.Addr

	found atomic.Bool
}

func (l *hostLookup) start(host string) {
	l.mu.Lock()
	l.host = host
	l.addr = netip.Addr{}
	l.mu.Unlock()
	l.found.Store(false)
}

func (l *hostLookup) abandon() {
	l.mu.Lock()
	l.host = ""
	l.mu.Unlock()
}

// onFound publishes a result only if it answers the pending request; answers
// for an abandoned lookup are dropped.
func (l *hostLookup) onFound(name string, addr netip.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.host == "" || l.host != name {
		log.Debugf("[DNS] ignoring stale answer for %s", name)
		return
	}
	l.addr = addr
	l.found.Store(true)
}

func (l *hostLookup) result() netip.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

func (l *hostLookup) resolve(s Stack, clock Clock, host string, timeout time.Duration) (netip.Addr, bool) {
	if host == "" {
		return netip.Addr{}, false
	}
	l.start(host)
	defer l.abandon()

	addr, err := s.LookupHost(host, l.onFound)
	switch {
	case err == nil:
		return addr, addr.IsValid()
	case errors.Is(err, ErrInProgress):
		if !pollUntil(getClock(clock), timeout, LookupPollInterval, s.Poll, l.found.Load) {
			log.Debugf("[DNS] lookup %s: %v", host, ErrTimeout)
			return netip.Addr{}, false
		}
		addr = l.result()
		return addr, addr.IsValid()
	default:
		log.Debugf("[DNS] lookup %s: %v", host, err)
		return netip.Addr{}, false
	}
}

// LookupHost resolves host through s, servicing the stack while it waits, and
// gives up after timeout. It reports false on timeout or lookup error.
func LookupHost(s Stack, host string, timeout time.Duration) (netip.Addr, bool) {
	var l hostLookup
	return l.resolve(s, nil, host, timeout)
}
