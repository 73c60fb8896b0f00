package application

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunnel-proxy/internal/domain"
	"tunnel-proxy/internal/protocol"
	"tunnel-proxy/pkg/logger"
)

const testPassword = "secret"

var (
	t0           = time.Unix(1_700_000_000, 0)
	fallbackAddr = netip.MustParseAddrPort("127.0.0.1:8080")
)

type connFixture struct {
	conn     *Connection
	channel  *fakeChannel
	factory  *fakeFactory
	resolver *fakeResolver
	env      *connEnv
}

func newConnFixture(channel *fakeChannel, fallback netip.AddrPort) *connFixture {
	f := &connFixture{
		channel:  channel,
		factory:  &fakeFactory{},
		resolver: newFakeResolver(),
	}
	f.env = &connEnv{
		reg:         newFakeLoop(),
		resolver:    f.resolver,
		backends:    f.factory,
		auth:        protocol.NewAuthenticator([]string{testPassword}),
		fallback:    fallback,
		idleTimeout: time.Minute,
	}
	f.conn = newConnection(3, channel, f.env, t0, logger.Discard())
	return f
}

func request(cmd byte, addr protocol.Address, payload string) string {
	b := protocol.AppendRequest(nil, protocol.HashPassword(testPassword), cmd, addr)
	return string(append(b, payload...))
}

func (f *connFixture) channelEvent(ev domain.EventType) {
	f.conn.Ready(domain.ProxyToken(3), ev, t0)
}

func (f *connFixture) backendEvent(ev domain.EventType) {
	f.conn.Ready(domain.BackendToken(3), ev, t0)
}

func TestConnectDomainBuffersUntilResolved(t *testing.T) {
	payload := "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"
	ch := newFakeChannel(request(protocol.CmdConnect, protocol.DomainAddress("example.com", 443), payload))
	f := newConnFixture(ch, netip.AddrPort{})

	f.channelEvent(domain.EventRead)
	assert.Equal(t, domain.StatusDnsWait, f.conn.Status())
	require.Equal(t, []resolveRequest{{name: "example.com", token: domain.BackendToken(3)}}, f.resolver.requests)
	assert.Empty(t, f.factory.dials)

	// more bytes while waiting are appended to the same buffer
	ch.incoming = append(ch.incoming, []byte("more"))
	f.channelEvent(domain.EventRead)
	assert.Empty(t, f.factory.dials)

	f.conn.Resolved(ResolveResult{
		Token: domain.BackendToken(3),
		Name:  "example.com",
		Addr:  netip.MustParseAddr("93.184.216.34"),
		OK:    true,
	}, t0)

	require.Len(t, f.factory.dials, 1)
	assert.Equal(t, netip.MustParseAddrPort("93.184.216.34:443"), f.factory.dials[0].target)
	assert.Equal(t, 3, f.factory.dials[0].index)
	assert.Equal(t, domain.StatusTCPForward, f.conn.Status())
	require.NotEmpty(t, f.factory.backend.dispatched)
	assert.Equal(t, payload+"more", string(f.factory.backend.dispatched[0]), "buffer flushed first in one dispatch")
	assert.Empty(t, f.conn.pending)

	// further bytes go straight through
	ch.incoming = append(ch.incoming, []byte("tail"))
	f.channelEvent(domain.EventRead)
	assert.Equal(t, []string{payload + "more", "tail"}, f.factory.backend.nonEmptyDispatches())
}

func TestResolutionFailureShutsChannelWithoutBackend(t *testing.T) {
	ch := newFakeChannel(request(protocol.CmdConnect, protocol.DomainAddress("nowhere.invalid", 80), "x"))
	f := newConnFixture(ch, netip.AddrPort{})

	f.channelEvent(domain.EventRead)
	f.conn.Resolved(ResolveResult{Token: domain.BackendToken(3), Name: "nowhere.invalid"}, t0)

	assert.True(t, ch.IsShutdown())
	assert.Empty(t, f.factory.dials)
	assert.Nil(t, f.conn.backend)
	assert.True(t, f.conn.Destroyed())
}

func TestResolveResultForAnotherHostIsIgnored(t *testing.T) {
	ch := newFakeChannel(request(protocol.CmdConnect, protocol.DomainAddress("example.com", 443), ""))
	f := newConnFixture(ch, netip.AddrPort{})
	f.channelEvent(domain.EventRead)

	f.conn.Resolved(ResolveResult{Name: "other.org", Addr: netip.MustParseAddr("1.1.1.1"), OK: true}, t0)
	assert.Empty(t, f.factory.dials)
	assert.Equal(t, domain.StatusDnsWait, f.conn.Status())

	f.conn.Resolved(ResolveResult{Name: "EXAMPLE.com.", Addr: netip.MustParseAddr("1.1.1.1"), OK: true}, t0)
	require.Len(t, f.factory.dials, 1)

	// the target is set once; a late duplicate changes nothing
	f.conn.Resolved(ResolveResult{Name: "example.com", Addr: netip.MustParseAddr("2.2.2.2"), OK: true}, t0)
	assert.Len(t, f.factory.dials, 1)
}

func TestConnectFromResolverCache(t *testing.T) {
	ch := newFakeChannel(request(protocol.CmdConnect, protocol.DomainAddress("cached.org", 80), "hi"))
	f := newConnFixture(ch, netip.AddrPort{})
	f.resolver.cache["cached.org"] = netip.MustParseAddr("10.0.0.7")

	f.channelEvent(domain.EventRead)
	assert.Empty(t, f.resolver.requests)
	require.Len(t, f.factory.dials, 1)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.7:80"), f.factory.dials[0].target)
	assert.Equal(t, []string{"hi"}, f.factory.backend.nonEmptyDispatches())
}

func TestConnectLiteralAddress(t *testing.T) {
	target := netip.MustParseAddrPort("[2001:db8::1]:443")
	ch := newFakeChannel(request(protocol.CmdConnect, protocol.IPAddress(target), "payload"))
	f := newConnFixture(ch, netip.AddrPort{})

	f.channelEvent(domain.EventRead | domain.EventWrite)
	require.Len(t, f.factory.dials, 1)
	assert.Equal(t, target, f.factory.dials[0].target)
	assert.Equal(t, domain.StatusTCPForward, f.conn.Status())
	assert.Equal(t, []string{"payload"}, f.factory.backend.nonEmptyDispatches())
}

func TestInvalidRequestPassesThroughToFallback(t *testing.T) {
	ch := newFakeChannel("GET / HTTP/1.1\r\n\r\n")
	f := newConnFixture(ch, fallbackAddr)

	f.channelEvent(domain.EventRead)
	require.Len(t, f.factory.dials, 1)
	assert.Equal(t, fallbackAddr, f.factory.dials[0].target)
	assert.Equal(t, []string{"GET / HTTP/1.1\r\n\r\n"}, f.factory.backend.nonEmptyDispatches())
}

func TestInvalidRequestWithoutFallbackShutsDown(t *testing.T) {
	ch := newFakeChannel(request(protocol.CmdConnect, protocol.DomainAddress("x.org", 1), "")[1:])
	f := newConnFixture(ch, netip.AddrPort{})

	f.channelEvent(domain.EventRead)
	assert.Empty(t, f.factory.dials)
	assert.True(t, f.conn.Destroyed())
}

func TestWrongPasswordUsesFallback(t *testing.T) {
	b := protocol.AppendRequest(nil, protocol.HashPassword("wrong"), protocol.CmdConnect, protocol.DomainAddress("x.org", 1))
	ch := newFakeChannel(string(b))
	f := newConnFixture(ch, fallbackAddr)

	f.channelEvent(domain.EventRead)
	require.Len(t, f.factory.dials, 1)
	assert.Equal(t, fallbackAddr, f.factory.dials[0].target)
	assert.Empty(t, f.resolver.requests)
}

func TestConnectFailureShutsChannel(t *testing.T) {
	ch := newFakeChannel(request(protocol.CmdConnect, protocol.IPAddress(netip.MustParseAddrPort("10.0.0.1:1")), ""))
	f := newConnFixture(ch, netip.AddrPort{})
	f.factory.err = errFake

	f.channelEvent(domain.EventRead)
	assert.True(t, f.conn.Destroyed())
	assert.Nil(t, f.conn.backend)
}

func TestUDPAssociateOpensBackendImmediately(t *testing.T) {
	frame := protocol.AppendUDPPacket(nil, protocol.IPAddress(netip.MustParseAddrPort("8.8.8.8:53")), []byte("q"))
	ch := newFakeChannel(request(protocol.CmdUDPAssociate, protocol.DomainAddress("ignored.org", 0), string(frame)))
	f := newConnFixture(ch, netip.AddrPort{})

	f.channelEvent(domain.EventRead)
	assert.Empty(t, f.resolver.requests, "no resolution for udp associate")
	assert.Equal(t, []int{3}, f.factory.binds)
	assert.Equal(t, domain.StatusUDPForward, f.conn.Status())
	assert.Equal(t, []string{string(frame)}, f.factory.backend.nonEmptyDispatches())
}

func forwarding(t *testing.T) *connFixture {
	t.Helper()
	ch := newFakeChannel(request(protocol.CmdConnect, protocol.IPAddress(netip.MustParseAddrPort("10.0.0.1:80")), ""))
	f := newConnFixture(ch, netip.AddrPort{})
	f.channelEvent(domain.EventRead | domain.EventWrite)
	require.Equal(t, domain.StatusTCPForward, f.conn.Status())
	return f
}

func TestBackpressureChannelNotWritable(t *testing.T) {
	f := forwarding(t)
	backend := f.factory.backend
	backend.toRead = [][]byte{[]byte("a"), []byte("b")}

	f.channel.writable = false
	f.backendEvent(domain.EventRead)
	f.backendEvent(domain.EventRead)
	assert.Zero(t, backend.doReads, "no reads while the channel is not writable")
	assert.Equal(t, domain.Suspended, f.conn.readBackend)

	f.channel.writable = true
	f.channelEvent(domain.EventWrite)
	assert.Equal(t, 1, backend.doReads, "one catch-up read")
	assert.Equal(t, "ab", string(f.channel.written))

	f.channelEvent(domain.EventWrite)
	assert.Equal(t, 1, backend.doReads, "no second catch-up without a new suspension")
}

func TestBackpressureBackendNotWritable(t *testing.T) {
	f := forwarding(t)
	backend := f.factory.backend
	readsBefore := f.channel.reads

	backend.writable = false
	f.channel.incoming = [][]byte{[]byte("data")}
	f.channelEvent(domain.EventRead)
	assert.Equal(t, readsBefore, f.channel.reads)
	assert.Equal(t, domain.Suspended, f.conn.readChannel)

	f.backendEvent(domain.EventWrite)
	assert.Equal(t, readsBefore, f.channel.reads, "still not writable")

	backend.writable = true
	f.backendEvent(domain.EventWrite)
	assert.Equal(t, readsBefore+1, f.channel.reads)
	assert.Contains(t, backend.nonEmptyDispatches(), "data")

	f.backendEvent(domain.EventWrite)
	assert.Equal(t, readsBefore+1, f.channel.reads)
}

func TestBackendCloseIsPropagatedToChannel(t *testing.T) {
	f := forwarding(t)
	f.factory.backend.Shutdown()
	f.backendEvent(domain.EventRead)

	assert.Equal(t, 1, f.channel.peerClosed)
	assert.True(t, f.conn.Destroyed())
}

func TestChannelCloseIsPropagatedToBackend(t *testing.T) {
	f := forwarding(t)
	f.channel.Shutdown()
	f.channelEvent(domain.EventRead)

	assert.Positive(t, f.factory.backend.peerClosed)
	assert.True(t, f.conn.Destroyed())
}

func TestTimeoutPolicy(t *testing.T) {
	ch := newFakeChannel(request(protocol.CmdConnect, protocol.DomainAddress("slow.org", 80), ""))
	f := newConnFixture(ch, netip.AddrPort{})
	f.channelEvent(domain.EventRead)

	assert.False(t, f.conn.Timeout(t0.Add(time.Minute)))
	assert.True(t, f.conn.Timeout(t0.Add(time.Minute+time.Second)))

	g := forwarding(t)
	g.factory.backend.idle = 5 * time.Second
	assert.True(t, g.conn.Timeout(t0.Add(6*time.Second)), "backend policy applies")
}

func TestDestroy(t *testing.T) {
	f := forwarding(t)
	assert.False(t, f.conn.Destroyed())
	f.conn.Destroy()
	assert.True(t, f.conn.Destroyed())
}
