package dnsrelay

import (
	"net/netip"
	"strconv"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"tunnel-proxy/internal/domain"
	"tunnel-proxy/internal/infrastructure/network"
	"tunnel-proxy/internal/testutil"
	"tunnel-proxy/pkg/logger"
)

type datagram struct {
	data []byte
	addr netip.AddrPort
}

type fakeConn struct {
	fd     int
	local  netip.AddrPort
	inbox  []datagram
	errs   []error
	sent   []datagram
	closed bool
}

func (c *fakeConn) Fd() int                   { return c.fd }
func (c *fakeConn) LocalAddr() netip.AddrPort { return c.local }
func (c *fakeConn) Close() error              { c.closed = true; return nil }

func (c *fakeConn) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return 0, netip.AddrPort{}, err
	}
	if len(c.inbox) == 0 {
		return 0, netip.AddrPort{}, network.ErrWouldBlock
	}
	d := c.inbox[0]
	c.inbox = c.inbox[1:]
	return copy(buf, d.data), d.addr, nil
}

func (c *fakeConn) SendTo(b []byte, to netip.AddrPort) error {
	c.sent = append(c.sent, datagram{data: append([]byte(nil), b...), addr: to})
	return nil
}

type fakeRoutes struct{ added []netip.Addr }

func (r *fakeRoutes) AddHostRoute(ip netip.Addr) error {
	r.added = append(r.added, ip)
	return nil
}

var (
	trustedUpstream  = netip.MustParseAddrPort("8.8.8.8:53")
	poisonedUpstream = netip.MustParseAddrPort("114.114.114.114:53")
	clientA          = netip.MustParseAddrPort("127.0.0.1:40001")
	clientB          = netip.MustParseAddrPort("127.0.0.1:40002")
)

type relayFixture struct {
	srv      *Server
	reg      *testutil.Registry
	local    *fakeConn
	trusted  *fakeConn
	poisoned *fakeConn
	routes   *fakeRoutes
	now      time.Time
}

func newFixture(t *testing.T, blocked ...string) *relayFixture {
	t.Helper()
	f := &relayFixture{
		reg:      testutil.NewRegistry(),
		local:    &fakeConn{fd: 100, local: netip.MustParseAddrPort("127.0.0.1:53")},
		trusted:  &fakeConn{fd: 101},
		poisoned: &fakeConn{fd: 102},
		routes:   &fakeRoutes{},
		now:      time.Unix(1_700_000_000, 0),
	}
	m := NewDomainMap()
	for _, b := range blocked {
		m.Add(b)
	}
	f.srv = NewServer(f.local, f.trusted, f.poisoned, Options{
		Trusted:    trustedUpstream,
		Poisoned:   poisonedUpstream,
		Blocked:    m,
		CacheTime:  10 * time.Minute,
		MaxEntries: 16,
		Routes:     f.routes,
	}, logger.Discard())
	f.srv.now = func() time.Time { return f.now }
	require.NoError(t, f.srv.Register(f.reg))
	return f
}

func (f *relayFixture) query(t *testing.T, from netip.AddrPort, id uint16, name string, qtype uint16) {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.Id = id
	b, err := m.Pack()
	require.NoError(t, err)
	f.local.inbox = append(f.local.inbox, datagram{data: b, addr: from})
	f.srv.HandleEvent(domain.TokenDNSLocal, domain.EventRead)
}

func (f *relayFixture) answer(t *testing.T, trusted bool, name string, ttl uint32, ips ...string) {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.Response = true
	for _, ip := range ips {
		rr, err := dns.NewRR(dns.Fqdn(name) + " " + strconv.FormatUint(uint64(ttl), 10) + " IN A " + ip)
		require.NoError(t, err)
		m.Answer = append(m.Answer, rr)
	}
	b, err := m.Pack()
	require.NoError(t, err)
	if trusted {
		f.trusted.inbox = append(f.trusted.inbox, datagram{data: b, addr: trustedUpstream})
		f.srv.HandleEvent(domain.TokenDNSTrusted, domain.EventRead)
	} else {
		f.poisoned.inbox = append(f.poisoned.inbox, datagram{data: b, addr: poisonedUpstream})
		f.srv.HandleEvent(domain.TokenDNSPoisoned, domain.EventRead)
	}
}

func unpack(t *testing.T, d datagram) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	require.NoError(t, m.Unpack(d.data))
	return m
}
