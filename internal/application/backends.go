package application

import (
	"log/slog"
	"net/netip"
	"time"

	"tunnel-proxy/internal/domain"
	"tunnel-proxy/internal/infrastructure/network"
)

// socketBackends opens real sockets for connections.
type socketBackends struct {
	reg      domain.Registry
	resolver Resolver
	udpBind  netip.AddrPort
	tcpIdle  time.Duration
	udpIdle  time.Duration
	log      *slog.Logger
}

func (f *socketBackends) DialTCP(index int, target netip.AddrPort) (domain.Backend, error) {
	b, err := NewTCPBackend(f.reg, domain.BackendToken(index), target, f.tcpIdle, f.log.With("conn", index))
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (f *socketBackends) BindUDP(index int) (domain.Backend, error) {
	sock, err := network.BindUDP(f.udpBind)
	if err != nil {
		return nil, err
	}
	b, err := NewUDPBackend(f.reg, domain.BackendToken(index), sock, f.resolver, f.udpIdle, f.log.With("conn", index))
	if err != nil {
		sock.Close()
		return nil, err
	}
	return b, nil
}
