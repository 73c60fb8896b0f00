package application

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"tunnel-proxy/internal/config"
	"tunnel-proxy/internal/domain"
	"tunnel-proxy/internal/infrastructure/network"
	"tunnel-proxy/internal/infrastructure/tlsconn"
	"tunnel-proxy/internal/protocol"
)

type ServiceOptions struct {
	Listen    netip.AddrPort
	TLS       *tls.Config
	Passwords []string
	// Fallback receives connections that do not start with a valid request;
	// the zero value closes them instead.
	Fallback         netip.AddrPort
	UDPBind          netip.AddrPort
	TCPIdleTimeout   time.Duration
	UDPIdleTimeout   time.Duration
	HandshakeTimeout time.Duration
	MaxHandshakes    int
}

func OptionsFromConfig(cfg *config.ServerConfig, tlsCfg *tls.Config) ServiceOptions {
	fallback, _ := cfg.Fallback()
	return ServiceOptions{
		Listen:           cfg.Listen(),
		TLS:              tlsCfg,
		Passwords:        cfg.Passwords,
		Fallback:         fallback,
		UDPBind:          cfg.UDPBind(),
		TCPIdleTimeout:   cfg.TCPIdleTimeout(),
		UDPIdleTimeout:   cfg.UDPIdleTimeout(),
		HandshakeTimeout: cfg.HandshakeTimeout(),
		MaxHandshakes:    cfg.MaxHandshakes,
	}
}

// AsyncResolver is the resolver as driven by the service: it owns a socket
// on TokenResolver and reports finished lookups.
type AsyncResolver interface {
	Resolver
	Register(reg domain.Registry) error
	HandleEvent() []ResolveResult
	Tick(now time.Time) []ResolveResult
	Close() error
}

// ProxyService accepts control channels and runs their connections on one
// event loop.
type ProxyService struct {
	log        *slog.Logger
	loop       domain.EventLoop
	opts       ServiceOptions
	listenerFD int
	resolver   AsyncResolver
	env        *connEnv

	conns []*Connection
	free  []int
	live  int

	handshake  func(fd int) (AcceptedChannel, error)
	handshakes *semaphore.Weighted

	mu     sync.Mutex
	inbox  []AcceptedChannel
	closed bool

	now func() time.Time
}

func NewProxyService(loop domain.EventLoop, opts ServiceOptions, resolver AsyncResolver, logger *slog.Logger) (*ProxyService, error) {
	lfd, err := network.ListenTCP(opts.Listen, true)
	if err != nil {
		return nil, fmt.Errorf("failed to listen tcp: %w", err)
	}
	s := newProxyService(loop, opts, resolver, logger)
	s.listenerFD = lfd
	return s, nil
}

func newProxyService(loop domain.EventLoop, opts ServiceOptions, resolver AsyncResolver, logger *slog.Logger) *ProxyService {
	if opts.MaxHandshakes < 1 {
		opts.MaxHandshakes = 1
	}
	s := &ProxyService{
		log:        logger,
		loop:       loop,
		opts:       opts,
		listenerFD: -1,
		resolver:   resolver,
		handshakes: semaphore.NewWeighted(int64(opts.MaxHandshakes)),
		now:        time.Now,
	}
	s.env = &connEnv{
		reg:      loop,
		resolver: resolver,
		backends: &socketBackends{
			reg:      loop,
			resolver: resolver,
			udpBind:  opts.UDPBind,
			tcpIdle:  opts.TCPIdleTimeout,
			udpIdle:  opts.UDPIdleTimeout,
			log:      logger,
		},
		auth:        protocol.NewAuthenticator(opts.Passwords),
		fallback:    opts.Fallback,
		idleTimeout: opts.TCPIdleTimeout,
	}
	s.handshake = func(fd int) (AcceptedChannel, error) {
		ch, err := tlsconn.Handshake(fd, opts.TLS, opts.HandshakeTimeout, logger)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	return s
}

// Addr is the bound listener address.
func (s *ProxyService) Addr() netip.AddrPort {
	sa, err := unix.Getsockname(s.listenerFD)
	if err != nil {
		return netip.AddrPort{}
	}
	return network.FromSockaddr(sa)
}

// Register adds the listener and the resolver socket to the loop.
func (s *ProxyService) Register() error {
	s.log.Info("Registering server sockets in EventLoop", "listener_fd", s.listenerFD, "listen", s.opts.Listen)
	if s.listenerFD >= 0 {
		if err := s.loop.Register(s.listenerFD, domain.TokenListener, domain.EventRead); err != nil {
			return fmt.Errorf("register listener: %w", err)
		}
	}
	if err := s.resolver.Register(s.loop); err != nil {
		return fmt.Errorf("register resolver: %w", err)
	}
	return nil
}

func (s *ProxyService) HandleEvent(token domain.Token, event domain.EventType) {
	switch {
	case token == domain.TokenListener:
		s.acceptNewClients()
	case token == domain.TokenWaker:
		s.drainInbox()
	case token == domain.TokenResolver:
		s.dispatchResolved(s.resolver.HandleEvent())
	case domain.IsConnectionToken(token):
		index := domain.ConnectionIndex(token)
		conn := s.connection(index)
		if conn == nil {
			s.log.Debug("Event for unknown connection", "token", token)
			return
		}
		conn.Ready(token, event, s.now())
		s.reap(conn)
	default:
		s.log.Error("Unexpected token", "token", token)
	}
}

// Tick times out idle connections and stale lookups.
func (s *ProxyService) Tick(now time.Time) {
	for _, conn := range s.conns {
		if conn != nil && conn.Timeout(now) {
			s.log.Debug("Connection timed out", "conn", conn.Index(), "status", conn.Status())
			conn.Destroy()
			s.reap(conn)
		}
	}
	s.dispatchResolved(s.resolver.Tick(now))
}

func (s *ProxyService) acceptNewClients() {
	for {
		fd, peer, err := network.Accept(s.listenerFD)
		if err != nil {
			if !network.IsWouldBlock(err) {
				s.log.Error("Accept failed", "error", err)
			}
			return
		}
		if !s.handshakes.TryAcquire(1) {
			s.log.Warn("Too many pending handshakes, client dropped", "peer", peer)
			unix.Close(fd)
			continue
		}
		s.log.Debug("New client accepted", "fd", fd, "peer", peer)
		go s.runHandshake(fd, peer)
	}
}

func (s *ProxyService) runHandshake(fd int, peer netip.AddrPort) {
	defer s.handshakes.Release(1)
	ch, err := s.handshake(fd)
	if err != nil {
		s.log.Debug("Handshake failed", "peer", peer, "error", err)
		unix.Close(fd)
		return
	}
	s.post(ch)
}

// post hands a channel to the loop goroutine.
func (s *ProxyService) post(ch AcceptedChannel) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ch.Abort()
		ch.CheckStatus(s.loop)
		return
	}
	s.inbox = append(s.inbox, ch)
	s.mu.Unlock()
	if err := s.loop.Wake(); err != nil && !errors.Is(err, domain.ErrLoopClosed) {
		s.log.Error("Wake event loop failed", "error", err)
	}
}

func (s *ProxyService) drainInbox() {
	s.mu.Lock()
	inbox := s.inbox
	s.inbox = nil
	s.mu.Unlock()

	now := s.now()
	for _, ch := range inbox {
		index, ok := s.alloc()
		if !ok {
			s.log.Warn("Connection table full, client dropped")
			ch.Abort()
			ch.CheckStatus(s.loop)
			continue
		}
		if err := ch.Register(s.loop, domain.ProxyToken(index)); err != nil {
			s.log.Error("Register control channel failed", "error", err)
			s.free = append(s.free, index)
			ch.Abort()
			ch.CheckStatus(s.loop)
			continue
		}
		conn := newConnection(index, ch, s.env, now, s.log)
		s.conns[index] = conn
		s.live++
		s.log.Debug("Connection established", "conn", index)
		// bytes may already sit in the TLS buffer
		conn.Ready(domain.ProxyToken(index), domain.EventRead|domain.EventWrite, now)
		s.reap(conn)
	}
}

func (s *ProxyService) dispatchResolved(results []ResolveResult) {
	now := s.now()
	for _, res := range results {
		if !domain.IsConnectionToken(res.Token) {
			continue
		}
		conn := s.connection(domain.ConnectionIndex(res.Token))
		if conn == nil {
			s.log.Debug("Resolve result for closed connection", "token", res.Token, "name", res.Name)
			continue
		}
		conn.Resolved(res, now)
		s.reap(conn)
	}
}

func (s *ProxyService) connection(index int) *Connection {
	if index < 0 || index >= len(s.conns) {
		return nil
	}
	return s.conns[index]
}

// alloc returns a free index; indices are reused only after their
// connection is fully deregistered.
func (s *ProxyService) alloc() (int, bool) {
	if n := len(s.free); n > 0 {
		index := s.free[n-1]
		s.free = s.free[:n-1]
		return index, true
	}
	if len(s.conns) >= domain.MaxConnections {
		return 0, false
	}
	s.conns = append(s.conns, nil)
	return len(s.conns) - 1, true
}

func (s *ProxyService) reap(conn *Connection) {
	if !conn.Destroyed() {
		return
	}
	s.conns[conn.Index()] = nil
	s.free = append(s.free, conn.Index())
	s.live--
	s.log.Debug("Connection removed", "conn", conn.Index(), "live", s.live)
}

// Live is the number of connections in the table.
func (s *ProxyService) Live() int { return s.live }

// Close tears down every connection and the listener. Channels finishing
// their handshake afterwards are closed on arrival.
func (s *ProxyService) Close() {
	s.mu.Lock()
	s.closed = true
	inbox := s.inbox
	s.inbox = nil
	s.mu.Unlock()
	for _, ch := range inbox {
		ch.Abort()
		ch.CheckStatus(s.loop)
	}

	for _, conn := range s.conns {
		if conn != nil {
			conn.Destroy()
			s.reap(conn)
		}
	}
	if s.listenerFD >= 0 {
		_ = s.loop.Unregister(s.listenerFD)
		unix.Close(s.listenerFD)
		s.listenerFD = -1
	}
	if err := s.resolver.Close(); err != nil {
		s.log.Debug("Close resolver failed", "error", err)
	}
}
