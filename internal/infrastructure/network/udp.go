package network

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// UDPSocket is a non-blocking datagram socket.
type UDPSocket struct {
	fd    int
	v6    bool
	local netip.AddrPort
}

// BindUDP opens a socket bound to addr (port 0 picks an ephemeral port). An
// IPv6 wildcard socket also carries IPv4 traffic.
func BindUDP(addr netip.AddrPort) (*UDPSocket, error) {
	fd, err := socket(addr, unix.SOCK_DGRAM)
	if err != nil {
		return nil, err
	}
	v6 := addr.Addr().Is6()
	if v6 && addr.Addr().IsUnspecified() {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	}
	if err := unix.Bind(fd, ToSockaddr(addr)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &UDPSocket{fd: fd, v6: v6, local: FromSockaddr(sa)}, nil
}

func (s *UDPSocket) Fd() int                   { return s.fd }
func (s *UDPSocket) LocalAddr() netip.AddrPort { return s.local }

func (s *UDPSocket) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	for {
		n, sa, err := unix.Recvfrom(s.fd, buf, 0)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, netip.AddrPort{}, ErrWouldBlock
		case err != nil:
			return 0, netip.AddrPort{}, err
		}
		return n, FromSockaddr(sa), nil
	}
}

func (s *UDPSocket) SendTo(b []byte, to netip.AddrPort) error {
	to = Unmap(to)
	var sa unix.Sockaddr
	if s.v6 && to.Addr().Is4() {
		sa = &unix.SockaddrInet6{Port: int(to.Port()), Addr: to.Addr().As16()}
	} else {
		sa = ToSockaddr(to)
	}
	for {
		err := unix.Sendto(s.fd, b, 0, sa)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return ErrWouldBlock
		}
		return err
	}
}

func (s *UDPSocket) Close() error {
	return unix.Close(s.fd)
}
