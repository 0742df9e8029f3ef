package engine

import (
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/relativecompanies/netbridge/bridge"
	"github.com/relativecompanies/netbridge/buffer"
)

var (
	primaryNS   = netip.MustParseAddrPort("10.0.0.53:53")
	secondaryNS = netip.MustParseAddrPort("10.0.0.54:5353")
	printerIP   = netip.MustParseAddr("10.0.0.42")
)

type foundCall struct {
	name string
	addr netip.Addr
}

type foundLog struct {
	mu    sync.Mutex
	calls []foundCall
}

func (f *foundLog) found(name string, addr netip.Addr) {
	f.mu.Lock()
	f.calls = append(f.calls, foundCall{name, addr})
	f.mu.Unlock()
}

func (f *foundLog) all() []foundCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]foundCall(nil), f.calls...)
}

// newResolverEngine returns a stopped engine with two name servers and a
// clock the test advances by hand.
func newResolverEngine(t *testing.T) (*Engine, *recorder, *time.Time) {
	t.Helper()
	e, rec := newTestEngine(t, &Config{
		Address:    "10.0.0.1/24",
		DNS:        []string{primaryNS.String(), secondaryNS.String()},
		DNSTimeout: 100 * time.Millisecond,
		Hosts:      map[string]string{"Gateway.LAN.": "10.0.0.254"},
	})
	now := time.Unix(1_700_000_000, 0)
	e.dns.now = func() time.Time { return now }
	return e, rec, &now
}

func pendingQuery(t *testing.T, e *Engine, key string) *dnsQuery {
	t.Helper()
	e.dns.mu.Lock()
	defer e.dns.mu.Unlock()
	q := e.dns.byName[key]
	require.NotNil(t, q, "no query for %s", key)
	return q
}

type answer struct {
	cname string
	addr  netip.Addr
	ttl   uint32
}

func dnsResponse(t *testing.T, id uint16, name string, rcode dnsmessage.RCode, ans answer) []byte {
	t.Helper()
	qname := dnsmessage.MustNewName(name)
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{ID: id, Response: true, RCode: rcode})
	require.NoError(t, b.StartQuestions())
	require.NoError(t, b.Question(dnsmessage.Question{Name: qname, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET}))
	require.NoError(t, b.StartAnswers())
	owner := qname
	if ans.cname != "" {
		target := dnsmessage.MustNewName(ans.cname)
		require.NoError(t, b.CNAMEResource(
			dnsmessage.ResourceHeader{Name: owner, Class: dnsmessage.ClassINET, TTL: ans.ttl},
			dnsmessage.CNAMEResource{CNAME: target},
		))
		owner = target
	}
	if ans.addr.IsValid() {
		require.NoError(t, b.AResource(
			dnsmessage.ResourceHeader{Name: owner, Class: dnsmessage.ClassINET, TTL: ans.ttl},
			dnsmessage.AResource{A: ans.addr.As4()},
		))
	}
	msg, err := b.Finish()
	require.NoError(t, err)
	return msg
}

func TestLookupLiteralAndHosts(t *testing.T) {
	e, _, _ := newResolverEngine(t)

	addr, err := e.LookupHost("192.0.2.7", nil)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.0.2.7"), addr)

	addr, err = e.LookupHost("gateway.lan", nil)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.254"), addr)

	addr, err = e.LookupHost("GATEWAY.lan.", nil)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.254"), addr)

	_, err = e.LookupHost("", nil)
	assert.ErrorIs(t, err, bridge.ErrInvalidArgument)
	_, err = e.LookupHost("2001:db8::1", nil)
	assert.ErrorIs(t, err, bridge.ErrInvalidArgument)

	e.dns.mu.Lock()
	assert.Empty(t, e.dns.queries, "answered without a query")
	e.dns.mu.Unlock()
}

func TestLookupRejectsUnresolvableRequests(t *testing.T) {
	e, _ := newTestEngine(t, &Config{Address: "10.0.0.1/24"})
	_, err := e.LookupHost("printer.lan", func(string, netip.Addr) {})
	assert.ErrorIs(t, err, bridge.ErrInvalidArgument, "no servers configured")

	r, _, _ := newResolverEngine(t)
	_, err = r.LookupHost("printer.lan", nil)
	assert.ErrorIs(t, err, bridge.ErrInvalidArgument, "no callback")

	long := strings.Repeat("a", 63) + "." + strings.Repeat("b", 63) + "." +
		strings.Repeat("c", 63) + "." + strings.Repeat("d", 63) + ".lan"
	_, err = r.LookupHost(long, func(string, netip.Addr) {})
	assert.ErrorIs(t, err, bridge.ErrInvalidArgument)
}

func TestLookupSendsQueryAndCachesAnswer(t *testing.T) {
	e, rec, now := newResolverEngine(t)
	var got foundLog

	_, err := e.LookupHost("Printer.lan", got.found)
	require.ErrorIs(t, err, bridge.ErrInProgress)
	_, err = e.LookupHost("printer.lan", got.found)
	require.ErrorIs(t, err, bridge.ErrInProgress)

	q := pendingQuery(t, e, "printer.lan")
	assert.Len(t, q.waiters, 2, "lookups for one name share a query")
	assert.Equal(t, 0, q.server)

	// The server is on-link, so the query waits on ARP.
	e.Poll()
	var arp bool
	for _, frame := range rec.all() {
		if header.Ethernet(frame).Type() == header.ARPProtocolNumber {
			arp = true
		}
	}
	assert.True(t, arp, "expected an ARP request for the name server")

	msg := dnsResponse(t, q.id, "printer.lan.", dnsmessage.RCodeSuccess, answer{
		cname: "host17.lan.",
		addr:  printerIP,
		ttl:   60,
	})
	e.dns.onResponse(buffer.NewChain(msg), primaryNS)

	assert.Equal(t, []foundCall{
		{"Printer.lan", printerIP},
		{"printer.lan", printerIP},
	}, got.all())

	addr, err := e.LookupHost("PRINTER.LAN", nil)
	require.NoError(t, err)
	assert.Equal(t, printerIP, addr)

	*now = now.Add(61 * time.Second)
	_, err = e.LookupHost("printer.lan", nil)
	assert.ErrorIs(t, err, bridge.ErrInvalidArgument, "expired entry needs a fresh query")

	_, err = e.LookupHost("printer.lan", got.found)
	assert.ErrorIs(t, err, bridge.ErrInProgress)
}

func TestLookupIgnoresMismatchedResponses(t *testing.T) {
	e, _, _ := newResolverEngine(t)
	var got foundLog

	_, err := e.LookupHost("printer.lan", got.found)
	require.ErrorIs(t, err, bridge.ErrInProgress)
	q := pendingQuery(t, e, "printer.lan")
	ok := answer{addr: printerIP, ttl: 60}

	e.dns.onResponse(buffer.NewChain(dnsResponse(t, q.id+1, "printer.lan.", dnsmessage.RCodeSuccess, ok)), primaryNS)
	e.dns.onResponse(buffer.NewChain(dnsResponse(t, q.id, "printer.lan.", dnsmessage.RCodeSuccess, ok)), secondaryNS)
	e.dns.onResponse(buffer.NewChain(dnsResponse(t, q.id, "scanner.lan.", dnsmessage.RCodeSuccess, ok)), primaryNS)
	e.dns.onResponse(buffer.NewChain([]byte{0x01, 0x02, 0x03}), primaryNS)
	assert.Empty(t, got.all())

	e.dns.onResponse(buffer.NewChain(dnsResponse(t, q.id, "printer.lan.", dnsmessage.RCodeSuccess, ok)), primaryNS)
	assert.Equal(t, []foundCall{{"printer.lan", printerIP}}, got.all())
}

func TestLookupCachesNameErrorBriefly(t *testing.T) {
	e, _, now := newResolverEngine(t)
	var got foundLog

	_, err := e.LookupHost("missing.lan", got.found)
	require.ErrorIs(t, err, bridge.ErrInProgress)
	q := pendingQuery(t, e, "missing.lan")

	e.dns.onResponse(buffer.NewChain(dnsResponse(t, q.id, "missing.lan.", dnsmessage.RCodeNameError, answer{})), primaryNS)
	require.Len(t, got.all(), 1)
	assert.False(t, got.all()[0].addr.IsValid())

	addr, err := e.LookupHost("missing.lan", nil)
	require.NoError(t, err)
	assert.False(t, addr.IsValid(), "negative answer is served from cache")

	*now = now.Add(negativeTTL + time.Second)
	_, err = e.LookupHost("missing.lan", got.found)
	assert.ErrorIs(t, err, bridge.ErrInProgress)
}

func TestLookupFailsOverOnServerFailure(t *testing.T) {
	e, _, _ := newResolverEngine(t)
	var got foundLog

	_, err := e.LookupHost("printer.lan", got.found)
	require.ErrorIs(t, err, bridge.ErrInProgress)
	q := pendingQuery(t, e, "printer.lan")

	e.dns.onResponse(buffer.NewChain(dnsResponse(t, q.id, "printer.lan.", dnsmessage.RCodeServerFailure, answer{})), primaryNS)
	assert.Empty(t, got.all())
	assert.Equal(t, 1, q.server)

	// The first server no longer owns the query.
	e.dns.onResponse(buffer.NewChain(dnsResponse(t, q.id, "printer.lan.", dnsmessage.RCodeSuccess, answer{addr: printerIP, ttl: 30})), primaryNS)
	assert.Empty(t, got.all())

	e.dns.onResponse(buffer.NewChain(dnsResponse(t, q.id, "printer.lan.", dnsmessage.RCodeSuccess, answer{addr: printerIP, ttl: 30})), secondaryNS)
	assert.Equal(t, []foundCall{{"printer.lan", printerIP}}, got.all())
}

func TestLookupTimesOutAcrossServers(t *testing.T) {
	e, _, now := newResolverEngine(t)
	var got foundLog

	_, err := e.LookupHost("printer.lan", got.found)
	require.ErrorIs(t, err, bridge.ErrInProgress)
	q := pendingQuery(t, e, "printer.lan")

	e.Poll()
	assert.Empty(t, got.all())

	*now = now.Add(150 * time.Millisecond)
	e.Poll()
	assert.Empty(t, got.all())
	assert.Equal(t, 1, q.server)

	*now = now.Add(150 * time.Millisecond)
	e.Poll()
	require.Len(t, got.all(), 1)
	assert.Equal(t, "printer.lan", got.all()[0].name)
	assert.False(t, got.all()[0].addr.IsValid())

	_, err = e.LookupHost("printer.lan", nil)
	assert.Error(t, err, "timeouts are not cached")
}

func TestFlushDNSCache(t *testing.T) {
	e, _, _ := newResolverEngine(t)
	var got foundLog

	_, err := e.LookupHost("printer.lan", got.found)
	require.ErrorIs(t, err, bridge.ErrInProgress)
	q := pendingQuery(t, e, "printer.lan")
	e.dns.onResponse(buffer.NewChain(dnsResponse(t, q.id, "printer.lan.", dnsmessage.RCodeSuccess, answer{addr: printerIP, ttl: 600})), primaryNS)

	_, err = e.LookupHost("printer.lan", nil)
	require.NoError(t, err)

	e.FlushDNSCache()
	_, err = e.LookupHost("printer.lan", nil)
	assert.Error(t, err)

	addr, err := e.LookupHost("gateway.lan", nil)
	require.NoError(t, err, "hosts table survives a flush")
	assert.Equal(t, netip.MustParseAddr("10.0.0.254"), addr)
}

func TestResolverClosesDeadEndpoint(t *testing.T) {
	e, _, _ := newResolverEngine(t)
	var got foundLog

	_, err := e.LookupHost("printer.lan", got.found)
	require.ErrorIs(t, err, bridge.ErrInProgress)
	e.dns.mu.Lock()
	conn := e.dns.conn
	e.dns.mu.Unlock()
	require.NotNil(t, conn)

	e.dns.onResponse(nil, netip.AddrPort{})
	conn.mu.Lock()
	assert.True(t, conn.closed)
	conn.mu.Unlock()
	e.dns.mu.Lock()
	assert.Nil(t, e.dns.conn)
	e.dns.mu.Unlock()

	_, err = e.LookupHost("scanner.lan", got.found)
	require.ErrorIs(t, err, bridge.ErrInProgress)
	e.dns.mu.Lock()
	defer e.dns.mu.Unlock()
	assert.NotNil(t, e.dns.conn)
	assert.NotSame(t, conn, e.dns.conn)
}

// serveDNS answers A queries on b's port 53 until the test ends.
func serveDNS(t *testing.T, b *Engine, zone map[string]netip.Addr) {
	t.Helper()
	srv := bridge.NewUDP(b)
	require.True(t, srv.Begin(53))

	stop := make(chan struct{})
	done := make(chan struct{})
	t.Cleanup(func() {
		close(stop)
		<-done
	})

	go func() {
		defer close(done)
		defer srv.Stop()
		buf := make([]byte, srv.MaxPacketSize())
		for {
			select {
			case <-stop:
				return
			default:
			}
			if srv.ParsePacket() == 0 {
				time.Sleep(time.Millisecond)
				continue
			}
			n := srv.Read(buf)
			reply, ok := answerQuery(buf[:n], zone)
			if !ok {
				continue
			}
			if srv.BeginPacket(srv.RemoteIP(), srv.RemotePort()) {
				srv.Write(reply)
				srv.EndPacket()
			}
		}
	}()
}

func answerQuery(msg []byte, zone map[string]netip.Addr) ([]byte, bool) {
	var p dnsmessage.Parser
	hdr, err := p.Start(msg)
	if err != nil {
		return nil, false
	}
	question, err := p.Question()
	if err != nil {
		return nil, false
	}

	addr, known := zone[strings.TrimSuffix(question.Name.String(), ".")]
	rh := dnsmessage.Header{ID: hdr.ID, Response: true, RecursionAvailable: true}
	if !known {
		rh.RCode = dnsmessage.RCodeNameError
	}
	b := dnsmessage.NewBuilder(nil, rh)
	if b.StartQuestions() != nil || b.Question(question) != nil || b.StartAnswers() != nil {
		return nil, false
	}
	if known {
		err := b.AResource(
			dnsmessage.ResourceHeader{Name: question.Name, Class: dnsmessage.ClassINET, TTL: 300},
			dnsmessage.AResource{A: addr.As4()},
		)
		if err != nil {
			return nil, false
		}
	}
	reply, err := b.Finish()
	return reply, err == nil
}

func TestLookupOverLinkedEngines(t *testing.T) {
	a, b := newLinkedPair(t, Config{DNS: []string{"10.0.0.2"}}, Config{})
	serveDNS(t, b, map[string]netip.Addr{"printer.lan": printerIP})

	addr, ok := bridge.LookupHost(a, "printer.lan", waitFor)
	require.True(t, ok)
	assert.Equal(t, printerIP, addr)

	start := time.Now()
	_, ok = bridge.LookupHost(a, "missing.lan", waitFor)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), waitFor/2, "a name error ends the wait")

	addr, err := a.LookupHost("printer.lan", nil)
	require.NoError(t, err, "answer is cached")
	assert.Equal(t, printerIP, addr)
}
