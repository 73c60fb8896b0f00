package application

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/patrickmn/go-cache"

	"tunnel-proxy/internal/config"
	"tunnel-proxy/internal/domain"
	"tunnel-proxy/internal/infrastructure/network"
)

const resolvConf = "/etc/resolv.conf"

type ResolverOptions struct {
	Nameservers []netip.AddrPort
	Timeout     time.Duration
	MinTTL      time.Duration
	MaxTTL      time.Duration
}

// lookup is one in-flight name resolution shared by every waiting token.
type lookup struct {
	name   string
	qtype  uint16
	id     uint16
	server int
	sentAt time.Time
	tokens []domain.Token
}

// DNSResolver resolves target hosts on its own non-blocking UDP socket.
type DNSResolver struct {
	log     *slog.Logger
	sock    PacketConn
	opts    ResolverOptions
	answers *cache.Cache
	pending map[string]*lookup
	byID    map[uint16]*lookup
	buf     []byte
	now     func() time.Time
}

var _ Resolver = (*DNSResolver)(nil)

func NewDNSResolver(sock PacketConn, opts ResolverOptions, log *slog.Logger) *DNSResolver {
	return &DNSResolver{
		log:     log.With("component", "resolver"),
		sock:    sock,
		opts:    opts,
		answers: cache.New(opts.MinTTL, time.Minute),
		pending: make(map[string]*lookup),
		byID:    make(map[uint16]*lookup),
		buf:     make([]byte, dns.MaxMsgSize),
		now:     time.Now,
	}
}

// OpenResolver binds the resolver socket. Without configured nameservers the
// ones from /etc/resolv.conf are used.
func OpenResolver(cfg *config.ResolverConfig, log *slog.Logger) (*DNSResolver, error) {
	servers := cfg.NameserverAddrs()
	if len(servers) == 0 {
		cc, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", resolvConf, err)
		}
		for _, s := range cc.Servers {
			if ap, err := config.ParseUpstream(s); err == nil {
				servers = append(servers, ap)
			}
		}
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no nameserver configured")
	}

	sock, err := network.BindUDP(netip.AddrPortFrom(netip.IPv6Unspecified(), 0))
	if err != nil {
		// hosts without IPv6
		if sock, err = network.BindUDP(netip.AddrPortFrom(netip.IPv4Unspecified(), 0)); err != nil {
			return nil, fmt.Errorf("resolver socket: %w", err)
		}
	}
	return NewDNSResolver(sock, ResolverOptions{
		Nameservers: servers,
		Timeout:     cfg.Timeout(),
		MinTTL:      time.Duration(cfg.MinTTLSec) * time.Second,
		MaxTTL:      time.Duration(cfg.MaxTTLSec) * time.Second,
	}, log), nil
}

func (r *DNSResolver) Register(reg domain.Registry) error {
	return reg.Register(r.sock.Fd(), domain.TokenResolver, domain.EventRead)
}

func (r *DNSResolver) Close() error { return r.sock.Close() }

func (r *DNSResolver) Lookup(name string) (netip.Addr, bool) {
	if ip, err := netip.ParseAddr(strings.Trim(name, "[]")); err == nil {
		return ip.Unmap(), true
	}
	if v, ok := r.answers.Get(cacheKey(name)); ok {
		return v.(netip.Addr), true
	}
	return netip.Addr{}, false
}

func (r *DNSResolver) Resolve(name string, token domain.Token) {
	key := cacheKey(name)
	if l, ok := r.pending[key]; ok {
		if token != domain.TokenNone {
			l.tokens = append(l.tokens, token)
		}
		return
	}
	l := &lookup{name: key, qtype: dns.TypeA}
	if token != domain.TokenNone {
		l.tokens = append(l.tokens, token)
	}
	r.pending[key] = l
	r.send(l)
}

// send (re)issues the query of l to its current nameserver with a fresh id.
// A failed send is retried by Tick.
func (r *DNSResolver) send(l *lookup) {
	delete(r.byID, l.id)
	l.id = r.newID()
	l.sentAt = r.now()
	r.byID[l.id] = l

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(l.name), l.qtype)
	m.Id = l.id
	m.RecursionDesired = true
	packed, err := m.Pack()
	if err != nil {
		r.log.Error("Pack query failed", "name", l.name, "error", err)
		return
	}
	server := r.opts.Nameservers[l.server]
	if err := r.sock.SendTo(packed, server); err != nil {
		r.log.Warn("Send query failed", "name", l.name, "server", server, "error", err)
		return
	}
	r.log.Debug("Query sent", "name", l.name, "type", dns.TypeToString[l.qtype], "server", server)
}

func (r *DNSResolver) newID() uint16 {
	for {
		id := uint16(rand.Intn(1 << 16))
		if _, used := r.byID[id]; !used {
			return id
		}
	}
}

// HandleEvent drains answers and returns the lookups they completed.
func (r *DNSResolver) HandleEvent() []ResolveResult {
	var results []ResolveResult
	for {
		n, from, err := r.sock.RecvFrom(r.buf)
		switch {
		case err == nil:
		case network.IsWouldBlock(err):
			return results
		case network.IsConnReset(err):
			continue
		default:
			r.log.Error("Resolver receive failed", "error", err)
			return results
		}
		results = r.handleAnswer(r.buf[:n], from, results)
	}
}

func (r *DNSResolver) handleAnswer(data []byte, from netip.AddrPort, results []ResolveResult) []ResolveResult {
	m := new(dns.Msg)
	if err := m.Unpack(data); err != nil {
		r.log.Debug("Invalid answer", "from", from, "error", err)
		return results
	}
	l, ok := r.byID[m.Id]
	if !ok || len(m.Question) != 1 || cacheKey(m.Question[0].Name) != l.name || m.Question[0].Qtype != l.qtype {
		r.log.Debug("Unexpected answer", "from", from, "id", m.Id)
		return results
	}
	delete(r.byID, l.id)

	addr, ttl, found := pickAddress(m, l.qtype)
	if !found {
		if l.qtype == dns.TypeA {
			l.qtype = dns.TypeAAAA
			r.send(l)
			return results
		}
		r.log.Debug("No address for host", "name", l.name, "rcode", dns.RcodeToString[m.Rcode])
		return r.finish(l, netip.Addr{}, false, results)
	}
	if d := r.clampTTL(ttl); d > 0 {
		r.answers.Set(l.name, addr, d)
	}
	return r.finish(l, addr, true, results)
}

func (r *DNSResolver) finish(l *lookup, addr netip.Addr, ok bool, results []ResolveResult) []ResolveResult {
	delete(r.pending, l.name)
	delete(r.byID, l.id)
	for _, t := range l.tokens {
		results = append(results, ResolveResult{Token: t, Name: l.name, Addr: addr, OK: ok})
	}
	return results
}

// Tick retries timed out lookups on the next nameserver and fails those that
// ran out of nameservers.
func (r *DNSResolver) Tick(now time.Time) []ResolveResult {
	var results []ResolveResult
	for _, l := range r.pending {
		if now.Sub(l.sentAt) < r.opts.Timeout {
			continue
		}
		if l.server+1 < len(r.opts.Nameservers) {
			l.server++
			r.log.Debug("Query timed out, trying next nameserver", "name", l.name)
			r.send(l)
			continue
		}
		r.log.Warn("Resolve timed out", "name", l.name)
		results = r.finish(l, netip.Addr{}, false, results)
	}
	return results
}

func (r *DNSResolver) clampTTL(ttl uint32) time.Duration {
	d := time.Duration(ttl) * time.Second
	return min(max(d, r.opts.MinTTL), r.opts.MaxTTL)
}

// pickAddress returns the first address record of qtype and the smallest TTL
// among those records.
func pickAddress(m *dns.Msg, qtype uint16) (netip.Addr, uint32, bool) {
	var (
		addr  netip.Addr
		ttl   uint32
		found bool
	)
	for _, rr := range m.Answer {
		var ip []byte
		switch v := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				ip = v.A
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				ip = v.AAAA
			}
		}
		a, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		if !found {
			addr, ttl, found = a.Unmap(), rr.Header().Ttl, true
		}
		ttl = min(ttl, rr.Header().Ttl)
	}
	return addr, ttl, found
}

func cacheKey(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}
