package application

import (
	"errors"
	"net/netip"
	"time"

	"tunnel-proxy/internal/domain"
	"tunnel-proxy/internal/infrastructure/network"
)

type fakeChannel struct {
	incoming   [][]byte
	written    []byte
	writable   bool
	status     domain.ConnStatus
	reads      int
	flushes    int
	peerClosed int
	registered domain.Token
}

func newFakeChannel(incoming ...string) *fakeChannel {
	ch := &fakeChannel{writable: true}
	for _, in := range incoming {
		ch.incoming = append(ch.incoming, []byte(in))
	}
	return ch
}

func (c *fakeChannel) Register(_ domain.Registry, token domain.Token) error {
	c.registered = token
	return nil
}

func (c *fakeChannel) Read() []byte {
	c.reads++
	if c.status != domain.ConnEstablished || len(c.incoming) == 0 {
		return nil
	}
	data := c.incoming[0]
	c.incoming = c.incoming[1:]
	return data
}

func (c *fakeChannel) Write(p []byte) { c.written = append(c.written, p...) }
func (c *fakeChannel) Writable() bool {
	return c.writable && c.status == domain.ConnEstablished
}
func (c *fakeChannel) Flush() { c.flushes++ }
func (c *fakeChannel) Shutdown() {
	if c.status == domain.ConnEstablished {
		c.status = domain.ConnShutdown
	}
}
func (c *fakeChannel) Abort() {
	if c.status != domain.ConnDeregistered {
		c.status = domain.ConnClosing
	}
}
func (c *fakeChannel) PeerClosed() {
	c.peerClosed++
	c.Shutdown()
}
func (c *fakeChannel) IsShutdown() bool { return c.status != domain.ConnEstablished }
func (c *fakeChannel) CheckStatus(domain.Registry) {
	if c.status == domain.ConnShutdown || c.status == domain.ConnClosing {
		c.status = domain.ConnDeregistered
	}
}
func (c *fakeChannel) Deregistered() bool { return c.status == domain.ConnDeregistered }

type fakeBackend struct {
	dispatched [][]byte
	toRead     [][]byte
	writable   bool
	status     domain.ConnStatus
	doReads    int
	peerClosed int
	idle       time.Duration
}

func newFakeBackend() *fakeBackend { return &fakeBackend{writable: true, idle: time.Minute} }

func (b *fakeBackend) Writable() bool {
	return b.writable && b.status == domain.ConnEstablished
}
func (b *fakeBackend) Dispatch(data []byte) {
	b.dispatched = append(b.dispatched, append([]byte(nil), data...))
}
func (b *fakeBackend) DoRead(sink domain.Sink) {
	b.doReads++
	for len(b.toRead) > 0 && sink.Writable() {
		sink.Write(b.toRead[0])
		b.toRead = b.toRead[1:]
	}
}
func (b *fakeBackend) Shutdown() {
	if b.status == domain.ConnEstablished {
		b.status = domain.ConnShutdown
	}
}
func (b *fakeBackend) Abort() {
	if b.status != domain.ConnDeregistered {
		b.status = domain.ConnClosing
	}
}
func (b *fakeBackend) PeerClosed() {
	b.peerClosed++
	b.Shutdown()
}
func (b *fakeBackend) IsShutdown() bool { return b.status != domain.ConnEstablished }
func (b *fakeBackend) Timeout(last, now time.Time) bool {
	return now.Sub(last) > b.idle
}
func (b *fakeBackend) CheckStatus(domain.Registry) {
	if b.status == domain.ConnShutdown || b.status == domain.ConnClosing {
		b.status = domain.ConnDeregistered
	}
}
func (b *fakeBackend) Deregistered() bool { return b.status == domain.ConnDeregistered }

// nonEmptyDispatches drops the writable notifications.
func (b *fakeBackend) nonEmptyDispatches() []string {
	var out []string
	for _, d := range b.dispatched {
		if len(d) > 0 {
			out = append(out, string(d))
		}
	}
	return out
}

type dialRecord struct {
	index  int
	target netip.AddrPort
}

type fakeFactory struct {
	dials   []dialRecord
	binds   []int
	backend *fakeBackend
	err     error
}

func (f *fakeFactory) DialTCP(index int, target netip.AddrPort) (domain.Backend, error) {
	f.dials = append(f.dials, dialRecord{index: index, target: target})
	if f.err != nil {
		return nil, f.err
	}
	f.backend = newFakeBackend()
	return f.backend, nil
}

func (f *fakeFactory) BindUDP(index int) (domain.Backend, error) {
	f.binds = append(f.binds, index)
	if f.err != nil {
		return nil, f.err
	}
	f.backend = newFakeBackend()
	return f.backend, nil
}

type resolveRequest struct {
	name  string
	token domain.Token
}

type fakeResolver struct {
	cache    map[string]netip.Addr
	requests []resolveRequest
	results  []ResolveResult
	ticks    int
	closed   bool
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{cache: make(map[string]netip.Addr)}
}

func (r *fakeResolver) Lookup(name string) (netip.Addr, bool) {
	if ip, err := netip.ParseAddr(name); err == nil {
		return ip, true
	}
	ip, ok := r.cache[name]
	return ip, ok
}

func (r *fakeResolver) Resolve(name string, token domain.Token) {
	r.requests = append(r.requests, resolveRequest{name: name, token: token})
}

func (r *fakeResolver) Register(domain.Registry) error { return nil }

func (r *fakeResolver) HandleEvent() []ResolveResult {
	out := r.results
	r.results = nil
	return out
}

func (r *fakeResolver) Tick(time.Time) []ResolveResult {
	r.ticks++
	return nil
}

func (r *fakeResolver) Close() error {
	r.closed = true
	return nil
}

type fakeLoop struct {
	registered map[int]domain.Token
	wakes      int
	closed     bool
}

func newFakeLoop() *fakeLoop { return &fakeLoop{registered: make(map[int]domain.Token)} }

func (l *fakeLoop) Register(fd int, token domain.Token, _ domain.EventType) error {
	l.registered[fd] = token
	return nil
}
func (l *fakeLoop) Modify(int, domain.Token, domain.EventType) error { return nil }
func (l *fakeLoop) Unregister(fd int) error {
	delete(l.registered, fd)
	return nil
}
func (l *fakeLoop) Wake() error {
	if l.closed {
		return domain.ErrLoopClosed
	}
	l.wakes++
	return nil
}
func (l *fakeLoop) Run(domain.EventHandler) error { return nil }
func (l *fakeLoop) Stop()                         {}
func (l *fakeLoop) Close() error {
	l.closed = true
	return nil
}

type packet struct {
	data []byte
	addr netip.AddrPort
}

type fakePacketConn struct {
	fd      int
	local   netip.AddrPort
	inbox   []packet
	sent    []packet
	sendErr error
	closed  bool
}

func (c *fakePacketConn) Fd() int                   { return c.fd }
func (c *fakePacketConn) LocalAddr() netip.AddrPort { return c.local }
func (c *fakePacketConn) Close() error              { c.closed = true; return nil }

func (c *fakePacketConn) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	if len(c.inbox) == 0 {
		return 0, netip.AddrPort{}, network.ErrWouldBlock
	}
	p := c.inbox[0]
	c.inbox = c.inbox[1:]
	return copy(buf, p.data), p.addr, nil
}

func (c *fakePacketConn) SendTo(b []byte, to netip.AddrPort) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, packet{data: append([]byte(nil), b...), addr: to})
	return nil
}

var errFake = errors.New("fake failure")
