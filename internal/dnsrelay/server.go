// Package dnsrelay is a split-horizon DNS relay: queries for blocked domains go
// to the trusted upstream, everything else to the poisoned one, and answers are
// cached and fanned out to every client waiting on the same question.
package dnsrelay

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/time/rate"

	"tunnel-proxy/internal/config"
	"tunnel-proxy/internal/domain"
	"tunnel-proxy/internal/infrastructure/network"
)

const (
	// PTRName is returned for the reverse lookup of the listener address.
	PTRName = "tunnel.dns."
	ptrTTL  = 20567

	// upstreamPendingTimeout bounds how long queued requesters suppress a new
	// upstream query for the same key.
	upstreamPendingTimeout = 5 * time.Second

	maxPacketSize = 65535
)

// PacketConn is a non-blocking datagram socket.
type PacketConn interface {
	Fd() int
	LocalAddr() netip.AddrPort
	RecvFrom(buf []byte) (int, netip.AddrPort, error)
	SendTo(b []byte, to netip.AddrPort) error
	Close() error
}

// RouteInjector installs a host route for an address answered on the trusted
// path.
type RouteInjector interface {
	AddHostRoute(ip netip.Addr) error
}

type Options struct {
	Trusted  netip.AddrPort
	Poisoned netip.AddrPort
	Blocked  *DomainMap
	// CacheTime is the lifetime of an entry created for a query that has not
	// been answered yet.
	CacheTime  time.Duration
	MaxEntries int
	// RateQPS limits accepted local queries; 0 disables the limit.
	RateQPS int
	// Routes is nil when route injection is disabled.
	Routes RouteInjector
}

type Server struct {
	log      *slog.Logger
	listener PacketConn
	trusted  PacketConn
	poisoned PacketConn
	opts     Options

	reg        domain.Registry
	store      *Store
	routeAdded map[netip.Addr]struct{}
	limiter    *rate.Limiter
	ptrName    string
	buf        []byte
	now        func() time.Time
}

func NewServer(listener, trusted, poisoned PacketConn, opts Options, log *slog.Logger) *Server {
	if opts.Blocked == nil {
		opts.Blocked = NewDomainMap()
	}
	s := &Server{
		log:        log.With("component", "dns"),
		listener:   listener,
		trusted:    trusted,
		poisoned:   poisoned,
		opts:       opts,
		store:      NewStore(opts.MaxEntries),
		routeAdded: make(map[netip.Addr]struct{}),
		ptrName:    reverseName(listener.LocalAddr().Addr()),
		buf:        make([]byte, maxPacketSize),
		now:        time.Now,
	}
	if opts.RateQPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateQPS), opts.RateQPS)
	}
	return s
}

// Open binds the three sockets described by cfg and loads the blocklist.
func Open(cfg *config.DNSConfig, routes RouteInjector, log *slog.Logger) (*Server, error) {
	blocked := NewDomainMap()
	if cfg.BlockedDomainList != "" {
		var err error
		if blocked, err = LoadDomainMapFile(cfg.BlockedDomainList); err != nil {
			return nil, err
		}
	}

	listener, err := network.BindUDP(cfg.Listen())
	if err != nil {
		return nil, fmt.Errorf("dns listener: %w", err)
	}
	trusted, err := network.BindUDP(unspecified(cfg.Trusted()))
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("trusted upstream socket: %w", err)
	}
	poisoned, err := network.BindUDP(unspecified(cfg.Poisoned()))
	if err != nil {
		listener.Close()
		trusted.Close()
		return nil, fmt.Errorf("poisoned upstream socket: %w", err)
	}

	opts := Options{
		Trusted:    cfg.Trusted(),
		Poisoned:   cfg.Poisoned(),
		Blocked:    blocked,
		CacheTime:  cfg.CacheTime(),
		MaxEntries: cfg.CacheMaxEntries,
		RateQPS:    cfg.RateQPS,
	}
	if cfg.AddRoute {
		opts.Routes = routes
	}
	s := NewServer(listener, trusted, poisoned, opts, log)
	s.log.Info("DNS relay listening", "addr", listener.LocalAddr(),
		"trusted", opts.Trusted, "poisoned", opts.Poisoned, "blocked", blocked.Len())
	return s, nil
}

// NameServer is the address clients should use as their resolver.
func (s *Server) NameServer() string {
	return s.listener.LocalAddr().Addr().String()
}

func (s *Server) Register(reg domain.Registry) error {
	s.reg = reg
	for token, sock := range s.sockets() {
		if err := reg.Register(sock.Fd(), token, domain.EventRead); err != nil {
			return fmt.Errorf("register dns socket %d: %w", token, err)
		}
	}
	return nil
}

func (s *Server) HandleEvent(token domain.Token, event domain.EventType) {
	if !event.Readable() {
		return
	}
	switch token {
	case domain.TokenDNSLocal:
		s.dispatchLocal()
	case domain.TokenDNSTrusted:
		s.dispatchUpstream(token, s.trusted, true)
	case domain.TokenDNSPoisoned:
		s.dispatchUpstream(token, s.poisoned, false)
	default:
		s.log.Error("Unexpected DNS token", "token", token)
	}
}

func (s *Server) Close() {
	for _, sock := range s.sockets() {
		if s.reg != nil {
			_ = s.reg.Unregister(sock.Fd())
		}
		_ = sock.Close()
	}
}

func (s *Server) sockets() map[domain.Token]PacketConn {
	return map[domain.Token]PacketConn{
		domain.TokenDNSLocal:    s.listener,
		domain.TokenDNSTrusted:  s.trusted,
		domain.TokenDNSPoisoned: s.poisoned,
	}
}

// recv reads one datagram. ok=false ends the drain pass; a socket error other
// than would-block re-arms interest first.
func (s *Server) recv(token domain.Token, sock PacketConn) (n int, from netip.AddrPort, ok bool) {
	for {
		n, from, err := sock.RecvFrom(s.buf)
		switch {
		case err == nil:
			return n, from, true
		case network.IsWouldBlock(err):
			return 0, from, false
		case network.IsConnReset(err):
			continue
		default:
			s.log.Error("DNS recv failed", "token", token, "error", err)
			if s.reg != nil {
				if err := s.reg.Modify(sock.Fd(), token, domain.EventRead); err != nil {
					s.log.Error("DNS re-register failed", "token", token, "error", err)
				}
			}
			return 0, from, false
		}
	}
}

func (s *Server) dispatchLocal() {
	for {
		n, from, ok := s.recv(domain.TokenDNSLocal, s.listener)
		if !ok {
			return
		}
		s.handleQuery(s.buf[:n], from)
	}
}

func (s *Server) handleQuery(data []byte, from netip.AddrPort) {
	now := s.now()
	if s.limiter != nil && !s.limiter.AllowN(now, 1) {
		s.log.Debug("Query rate limited", "from", from)
		return
	}

	req := new(dns.Msg)
	if err := req.Unpack(data); err != nil {
		s.log.Warn("Invalid query", "from", from, "error", err)
		return
	}
	if len(req.Question) != 1 {
		s.log.Warn("Query must carry exactly one question", "from", from, "count", len(req.Question))
		return
	}
	q := req.Question[0]

	if q.Qtype == dns.TypePTR && s.ptrName != "" && strings.EqualFold(q.Name, s.ptrName) {
		s.log.Debug("PTR self query", "from", from)
		s.reply(s.ptrAnswer(req), from)
		return
	}

	key := MessageKey(req)
	if result, ok := s.store.Get(key); ok && result.Fresh(now) {
		s.log.Debug("Query answered from cache", "key", key, "from", from)
		s.relay(result.Response, req.Id, from)
		return
	}

	result := s.store.GetOrCreate(key, now.Add(s.opts.CacheTime))
	if result.Pending() && now.Sub(result.SentAt) < upstreamPendingTimeout {
		s.log.Debug("Query already pending upstream", "key", key, "from", from)
		result.Requesters = append(result.Requesters, Requester{Addr: from, ID: req.Id})
		return
	}

	blocked := s.opts.Blocked.Contains(q.Name)
	sock, upstream := s.poisoned, s.opts.Poisoned
	if blocked {
		sock, upstream = s.trusted, s.opts.Trusted
	}
	if err := sock.SendTo(data, upstream); err != nil {
		s.log.Error("Forward query failed", "key", key, "upstream", upstream, "error", err)
		return
	}
	s.log.Debug("Query forwarded", "key", key, "blocked", blocked, "upstream", upstream)
	result.SentAt = now
	result.Requesters = append(result.Requesters, Requester{Addr: from, ID: req.Id})
}

func (s *Server) dispatchUpstream(token domain.Token, sock PacketConn, trusted bool) {
	for {
		n, from, ok := s.recv(token, sock)
		if !ok {
			return
		}
		s.handleAnswer(s.buf[:n], from, trusted)
	}
}

func (s *Server) handleAnswer(data []byte, from netip.AddrPort, trusted bool) {
	upstream := s.opts.Poisoned
	if trusted {
		upstream = s.opts.Trusted
	}
	if !sameEndpoint(from, upstream) {
		s.log.Warn("Upstream response from unexpected address", "from", from, "upstream", upstream)
		return
	}

	now := s.now()
	resp := new(dns.Msg)
	if err := resp.Unpack(data); err != nil {
		s.log.Warn("Invalid upstream response", "from", from, "error", err)
		return
	}
	if len(resp.Question) == 0 {
		s.log.Warn("Upstream response without question", "from", from)
		return
	}

	key := MessageKey(resp)
	result, ok := s.store.Get(key)
	if !ok {
		s.log.Warn("Unsolicited upstream response", "key", key, "from", from)
		return
	}

	for _, r := range result.Requesters {
		s.relay(data, r.ID, r.Addr)
	}
	result.Requesters = nil

	if len(resp.Answer) == 0 {
		s.log.Debug("Upstream response without answers, not cached", "key", key, "rcode", dns.RcodeToString[resp.Rcode])
		return
	}

	ttl := resp.Answer[0].Header().Ttl
	for _, rr := range resp.Answer {
		ttl = min(ttl, rr.Header().Ttl)
		if a, ok := rr.(*dns.A); ok && trusted {
			s.addRoute(a.A)
		}
	}
	result.Response = append([]byte(nil), data...)
	result.ExpireTime = now.Add(time.Duration(ttl) * time.Second)
	s.log.Debug("Upstream response cached", "key", key, "ttl", ttl, "answers", len(resp.Answer))
}

func (s *Server) addRoute(ip []byte) {
	if s.opts.Routes == nil {
		return
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return
	}
	if _, done := s.routeAdded[addr]; done {
		return
	}
	if err := s.opts.Routes.AddHostRoute(addr); err != nil {
		s.log.Warn("Add host route failed", "ip", addr, "error", err)
		return
	}
	s.routeAdded[addr] = struct{}{}
}

func (s *Server) reply(m *dns.Msg, to netip.AddrPort) {
	out, err := m.Pack()
	if err != nil {
		s.log.Error("Pack response failed", "to", to, "error", err)
		return
	}
	s.send(out, to)
}

// relay sends an upstream response as received, with only the message id
// replaced by the requester's.
func (s *Server) relay(wire []byte, id uint16, to netip.AddrPort) {
	out := append([]byte(nil), wire...)
	binary.BigEndian.PutUint16(out, id)
	s.send(out, to)
}

func (s *Server) send(out []byte, to netip.AddrPort) {
	if err := s.listener.SendTo(out, to); err != nil {
		s.log.Error("Send response failed", "to", to, "error", err)
	}
}

func (s *Server) ptrAnswer(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)
	m.RecursionAvailable = true
	m.Compress = true
	m.Answer = []dns.RR{&dns.PTR{
		Hdr: dns.RR_Header{Name: s.ptrName, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: ptrTTL},
		Ptr: PTRName,
	}}
	return m
}

// reverseName is the in-addr.arpa name of an IPv4 address, or "" for others.
func reverseName(addr netip.Addr) string {
	addr = addr.Unmap()
	if !addr.Is4() {
		return ""
	}
	b := addr.As4()
	return strconv.Itoa(int(b[3])) + "." + strconv.Itoa(int(b[2])) + "." +
		strconv.Itoa(int(b[1])) + "." + strconv.Itoa(int(b[0])) + ".in-addr.arpa."
}

func sameEndpoint(a, b netip.AddrPort) bool {
	return a.Port() == b.Port() && a.Addr().Unmap() == b.Addr().Unmap()
}

func unspecified(upstream netip.AddrPort) netip.AddrPort {
	if upstream.Addr().Unmap().Is4() {
		return netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	}
	return netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
}
