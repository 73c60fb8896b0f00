package application

import (
	"net/netip"
	"time"

	"tunnel-proxy/internal/domain"
)

// Resolver looks up target hosts for CONNECT requests.
type Resolver interface {
	// Lookup answers from literal addresses and the answer cache only.
	Lookup(name string) (netip.Addr, bool)
	// Resolve starts an asynchronous lookup. The result is delivered to
	// token unless token is domain.TokenNone.
	Resolve(name string, token domain.Token)
}

// BackendFactory opens the outbound side of connection index. The backend is
// registered at domain.BackendToken(index).
type BackendFactory interface {
	DialTCP(index int, target netip.AddrPort) (domain.Backend, error)
	BindUDP(index int) (domain.Backend, error)
}

// AcceptedChannel is a control channel that finished its handshake and waits
// to be registered with the loop.
type AcceptedChannel interface {
	domain.ControlChannel
	Register(reg domain.Registry, token domain.Token) error
}

// PacketConn is a non-blocking datagram socket.
type PacketConn interface {
	Fd() int
	LocalAddr() netip.AddrPort
	RecvFrom(buf []byte) (int, netip.AddrPort, error)
	SendTo(b []byte, to netip.AddrPort) error
	Close() error
}

// ResolveResult is the outcome of an asynchronous lookup.
type ResolveResult struct {
	Token domain.Token
	Name  string
	Addr  netip.Addr
	OK    bool
}

// idleSince reports whether more than limit passed between last and now.
func idleSince(last, now time.Time, limit time.Duration) bool {
	return now.Sub(last) > limit
}
