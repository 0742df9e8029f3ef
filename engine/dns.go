//  dns.go
//  RelativeProtocol Bridge
//
//  Copyright (c) 2025 Relative Companies, Inc.
//  Personal, non-commercial use only. Created by Will Kusch on 10/28/2025.
//
//  Asynchronous IPv4 name resolution over the engine's own UDP endpoint, with
//  a static hosts table and a TTL-bounded answer cache.

package engine

import (
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/relativecompanies/netbridge/bridge"
	"github.com/relativecompanies/netbridge/buffer"
	"github.com/relativecompanies/netbridge/log"
)

const (
	maxCacheTTL   = time.Hour
	negativeTTL   = 10 * time.Second
	maxDNSMessage = 512
)

type cacheEntry struct {
	addr    netip.Addr // invalid for a cached failure
	expires time.Time
}

type dnsWaiter struct {
	name  string // as the caller spelled it
	found bridge.FoundFunc
}

type dnsQuery struct {
	id       uint16
	key      string
	msg      []byte
	server   int
	deadline time.Time
	waiters  []dnsWaiter
}

type dnsClient struct {
	engine  *Engine
	servers []netip.AddrPort
	hosts   map[string]netip.Addr
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	conn    *udpDatagram
	cache   map[string]cacheEntry
	queries map[uint16]*dnsQuery
	byName  map[string]*dnsQuery
}

func newDNSClient(e *Engine, s *settings) *dnsClient {
	return &dnsClient{
		engine:  e,
		servers: s.dns,
		hosts:   s.hosts,
		timeout: s.dnsTimeout,
		now:     time.Now,
		cache:   make(map[string]cacheEntry),
		queries: make(map[uint16]*dnsQuery),
		byName:  make(map[string]*dnsQuery),
	}
}

// lookup answers from literals, the hosts table or the cache, and otherwise
// sends a query and returns bridge.ErrInProgress; found runs from Poll.
func (d *dnsClient) lookup(name string, found bridge.FoundFunc) (netip.Addr, error) {
	if name == "" {
		return netip.Addr{}, bridge.NewOpError("lookup", name, bridge.ErrInvalidArgument)
	}
	if addr, err := netip.ParseAddr(name); err == nil {
		if addr = addr.Unmap(); !addr.Is4() {
			return netip.Addr{}, bridge.NewOpError("lookup", name, bridge.ErrInvalidArgument)
		}
		return addr, nil
	}

	key := canonicalName(name)
	if addr, ok := d.hosts[key]; ok {
		return addr, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if entry, ok := d.cache[key]; ok {
		if now.Before(entry.expires) {
			return entry.addr, nil
		}
		delete(d.cache, key)
	}
	if len(d.servers) == 0 {
		return netip.Addr{}, bridge.NewOpError("lookup", name, bridge.ErrInvalidArgument)
	}
	if found == nil {
		return netip.Addr{}, bridge.NewOpError("lookup", name, bridge.ErrInvalidArgument)
	}

	if q := d.byName[key]; q != nil {
		q.waiters = append(q.waiters, dnsWaiter{name: name, found: found})
		return netip.Addr{}, bridge.ErrInProgress
	}

	q, err := d.newQuery(key)
	if err != nil {
		return netip.Addr{}, bridge.NewOpError("lookup", name, err)
	}
	q.waiters = append(q.waiters, dnsWaiter{name: name, found: found})
	if err := d.send(q, now); err != nil {
		return netip.Addr{}, bridge.NewOpError("lookup", name, err)
	}
	d.queries[q.id] = q
	d.byName[key] = q
	log.Debugf("[DNS] query %s via %s", key, d.servers[q.server])
	return netip.Addr{}, bridge.ErrInProgress
}

func (d *dnsClient) newQuery(key string) (*dnsQuery, error) {
	qname, err := dnsmessage.NewName(key + ".")
	if err != nil {
		return nil, bridge.ErrInvalidArgument
	}

	id := uint16(rand.Uint32())
	for d.queries[id] != nil {
		id++
	}

	b := dnsmessage.NewBuilder(make([]byte, 0, maxDNSMessage), dnsmessage.Header{
		ID:               id,
		RecursionDesired: true,
	})
	b.EnableCompression()
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(dnsmessage.Question{
		Name:  qname,
		Type:  dnsmessage.TypeA,
		Class: dnsmessage.ClassINET,
	}); err != nil {
		return nil, err
	}
	msg, err := b.Finish()
	if err != nil {
		return nil, err
	}
	return &dnsQuery{id: id, key: key, msg: msg}, nil
}

// send transmits q to its current server. Callers hold d.mu.
func (d *dnsClient) send(q *dnsQuery, now time.Time) error {
	if d.conn == nil {
		conn, err := d.engine.newDatagram()
		if err != nil {
			return err
		}
		if err := conn.Bind(netip.Addr{}, 0); err != nil {
			_ = conn.Close()
			return err
		}
		conn.SetReceive(d.onResponse)
		d.conn = conn
	}
	q.deadline = now.Add(d.timeout)
	return d.conn.SendTo(q.msg, d.servers[q.server])
}

// onResponse runs from Poll for every datagram on the resolver endpoint.
func (d *dnsClient) onResponse(chain *buffer.Chain, from netip.AddrPort) {
	if chain == nil {
		d.mu.Lock()
		conn := d.conn
		d.conn = nil
		d.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	msg := chain.Flatten()
	chain.Release()

	var p dnsmessage.Parser
	hdr, err := p.Start(msg)
	if err != nil || !hdr.Response {
		return
	}

	d.mu.Lock()
	q := d.queries[hdr.ID]
	if q == nil || d.servers[q.server] != from || !questionMatches(&p, q.key) {
		d.mu.Unlock()
		return
	}

	var addr netip.Addr
	var ttl time.Duration
	switch hdr.RCode {
	case dnsmessage.RCodeSuccess:
		addr, ttl = firstA(&p)
	case dnsmessage.RCodeNameError:
	default:
		// Let another server try before giving up.
		if d.retry(q) {
			d.mu.Unlock()
			return
		}
	}

	if addr.IsValid() {
		if ttl > maxCacheTTL {
			ttl = maxCacheTTL
		}
		if ttl > 0 {
			d.cache[q.key] = cacheEntry{addr: addr, expires: d.now().Add(ttl)}
		}
	} else {
		d.cache[q.key] = cacheEntry{expires: d.now().Add(negativeTTL)}
	}
	waiters := d.finish(q)
	d.mu.Unlock()

	log.Debugf("[DNS] %s -> %s", q.key, addr)
	notify(waiters, addr)
}

func questionMatches(p *dnsmessage.Parser, key string) bool {
	question, err := p.Question()
	if err != nil {
		return false
	}
	if err := p.SkipAllQuestions(); err != nil {
		return false
	}
	return question.Type == dnsmessage.TypeA && canonicalName(question.Name.String()) == key
}

// firstA returns the first IPv4 answer and its TTL. CNAME records in front of
// it are skipped.
func firstA(p *dnsmessage.Parser) (netip.Addr, time.Duration) {
	for {
		h, err := p.AnswerHeader()
		if err != nil {
			return netip.Addr{}, 0
		}
		if h.Type != dnsmessage.TypeA || h.Class != dnsmessage.ClassINET {
			if err := p.SkipAnswer(); err != nil {
				return netip.Addr{}, 0
			}
			continue
		}
		r, err := p.AResource()
		if err != nil {
			return netip.Addr{}, 0
		}
		return netip.AddrFrom4(r.A), time.Duration(h.TTL) * time.Second
	}
}

// retry resends q to the next server. Callers hold d.mu.
func (d *dnsClient) retry(q *dnsQuery) bool {
	if q.server+1 >= len(d.servers) {
		return false
	}
	q.server++
	if err := d.send(q, d.now()); err != nil {
		log.Debugf("[DNS] retry %s: %v", q.key, err)
		return false
	}
	return true
}

// finish forgets q and returns its waiters. Callers hold d.mu.
func (d *dnsClient) finish(q *dnsQuery) []dnsWaiter {
	delete(d.queries, q.id)
	if d.byName[q.key] == q {
		delete(d.byName, q.key)
	}
	return q.waiters
}

func notify(waiters []dnsWaiter, addr netip.Addr) {
	for _, w := range waiters {
		w.found(w.name, addr)
	}
}

// expire fails over or fails queries whose deadline has passed.
func (d *dnsClient) expire() {
	d.mu.Lock()
	if len(d.queries) == 0 {
		d.mu.Unlock()
		return
	}
	now := d.now()
	var failed [][]dnsWaiter
	for _, q := range d.queries {
		if now.Before(q.deadline) {
			continue
		}
		if d.retry(q) {
			continue
		}
		log.Debugf("[DNS] %s: %v", q.key, bridge.ErrTimeout)
		failed = append(failed, d.finish(q))
	}
	d.mu.Unlock()

	for _, waiters := range failed {
		notify(waiters, netip.Addr{})
	}
}

func (d *dnsClient) flush() {
	d.mu.Lock()
	clear(d.cache)
	d.mu.Unlock()
}
